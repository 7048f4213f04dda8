// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package physmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/ephook/pkg/hostarch"
)

func newMemory(t *testing.T, n int) *Memory {
	t.Helper()
	m, err := New(n)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", n, err)
	}
	return m
}

func TestMapTranslate(t *testing.T) {
	m := newMemory(t, 8)
	if err := m.MapPages(0x10000, 3); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}

	type page struct {
		VA  hostarch.Addr
		PFN hostarch.PFN
	}
	var got []page
	m.Range(0, HostBase, func(va hostarch.Addr, pfn hostarch.PFN) bool {
		got = append(got, page{va, pfn})
		return true
	})
	want := []page{{0x10000, 0}, {0x11000, 1}, {0x12000, 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	if pfn, ok := m.Translate(0x11abc); !ok || pfn != 1 {
		t.Errorf("Translate(0x11abc) = %v, %v; want pfn:0x1, true", pfn, ok)
	}
	if _, ok := m.Translate(0x13000); ok {
		t.Errorf("Translate of an unmapped page succeeded")
	}
	if got := m.FreeFrames(); got != 5 {
		t.Errorf("FreeFrames = %d, want 5", got)
	}
}

func TestMapErrors(t *testing.T) {
	m := newMemory(t, 2)
	if err := m.MapPages(0x10001, 1); err == nil {
		t.Errorf("unaligned MapPages succeeded")
	}
	if err := m.MapPages(0x10000, 3); !errors.Is(err, ErrNoMemory) {
		t.Errorf("MapPages beyond memory = %v, want %v", err, ErrNoMemory)
	}
	if err := m.MapPages(0x10000, 1); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	if err := m.MapPages(0x10000, 1); !errors.Is(err, ErrMapped) {
		t.Errorf("double MapPages = %v, want %v", err, ErrMapped)
	}
	if err := m.MapPages(HostBase, 1); err == nil {
		t.Errorf("MapPages into the host range succeeded")
	}
}

func TestReadWrite(t *testing.T) {
	m := newMemory(t, 4)
	if err := m.MapPages(0x20000, 2); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	msg := []byte("spans two pages")
	va := hostarch.Addr(0x21000 - 5)
	if err := m.WriteAt(va, msg); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	got := make([]byte, len(msg))
	if err := m.ReadAt(va, got); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("ReadAt = %q, want %q", got, msg)
	}

	page, err := m.ReadPage(0x21234)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !bytes.Equal(page[:len(msg)-5], msg[5:]) {
		t.Errorf("ReadPage prefix = %q, want %q", page[:len(msg)-5], msg[5:])
	}

	pfn, _ := m.Translate(0x21000)
	phys := make([]byte, 3)
	if err := m.ReadPhys(pfn.PhysAddr(), phys); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if !bytes.Equal(phys, msg[5:8]) {
		t.Errorf("ReadPhys = %q, want %q", phys, msg[5:8])
	}
	if err := m.ReadPhys(hostarch.PhysAddr(m.Size()-1), phys); err == nil {
		t.Errorf("ReadPhys past the end succeeded")
	}

	if err := m.WriteAt(0x22ff0, msg); !errors.Is(err, ErrNotMapped) {
		t.Errorf("WriteAt past the mapping = %v, want %v", err, ErrNotMapped)
	}
}

func TestPinBlocksUnmap(t *testing.T) {
	m := newMemory(t, 4)
	if err := m.MapPages(0x10000, 2); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	t1, err := m.Pin(0x10123, 1)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	t2, err := m.Pin(0x10000, 2)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if got := m.PinCount(0); got != 2 {
		t.Errorf("PinCount(0) = %d, want 2", got)
	}
	if err := m.UnmapPages(0x10000, 2); !errors.Is(err, ErrPinned) {
		t.Errorf("UnmapPages of pinned pages = %v, want %v", err, ErrPinned)
	}
	if m.Mappings() != 2 {
		t.Errorf("failed UnmapPages removed mappings")
	}

	if err := m.Unpin(t2); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if err := m.Unpin(t2); !errors.Is(err, ErrBadToken) {
		t.Errorf("double Unpin = %v, want %v", err, ErrBadToken)
	}
	if err := m.UnmapPages(0x11000, 1); err != nil {
		t.Errorf("UnmapPages of an unpinned page failed: %v", err)
	}
	if err := m.Unpin(t1); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if err := m.UnmapPages(0x10000, 1); err != nil {
		t.Errorf("UnmapPages after Unpin failed: %v", err)
	}
	if m.Pins() != 0 || m.FreeFrames() != 4 {
		t.Errorf("pins=%d free=%d, want 0 and 4", m.Pins(), m.FreeFrames())
	}
}

func TestPinErrors(t *testing.T) {
	m := newMemory(t, 2)
	if _, err := m.Pin(0x10000, 1); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Pin of an unmapped page = %v, want %v", err, ErrNotMapped)
	}
	if err := m.MapPages(0x10000, 1); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	if _, err := m.Pin(0x10000, 2); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Pin past the mapping = %v, want %v", err, ErrNotMapped)
	}
	if got := m.PinCount(0); got != 0 {
		t.Errorf("failed Pin left pin count %d", got)
	}

	injected := errors.New("injected")
	m.FailNextPin(injected)
	if _, err := m.Pin(0x10000, 1); !errors.Is(err, injected) {
		t.Errorf("Pin = %v, want %v", err, injected)
	}
	if _, err := m.Pin(0x10000, 1); err != nil {
		t.Errorf("Pin after injected failure: %v", err)
	}
}

func TestAllocatePage(t *testing.T) {
	m := newMemory(t, 2)
	va, pfn, err := m.AllocatePage(true)
	if err != nil {
		t.Fatalf("AllocatePage failed: %v", err)
	}
	if va != HostBase || !m.Executable(pfn) || !m.Allocated(pfn) {
		t.Errorf("AllocatePage = %v, %v; want executable page at %v", va, pfn, HostBase)
	}
	if got, ok := m.Translate(va); !ok || got != pfn {
		t.Errorf("Translate(%v) = %v, %v; want %v", va, got, ok, pfn)
	}

	va2, pfn2, err := m.AllocatePage(false)
	if err != nil {
		t.Fatalf("AllocatePage failed: %v", err)
	}
	if va2 == va || m.Executable(pfn2) {
		t.Errorf("second page %v (%v) overlaps or is executable", va2, pfn2)
	}
	if _, _, err := m.AllocatePage(false); !errors.Is(err, ErrNoMemory) {
		t.Errorf("AllocatePage of exhausted memory = %v, want %v", err, ErrNoMemory)
	}

	if err := m.FreePage(va, pfn2); err == nil {
		t.Errorf("FreePage with the wrong frame succeeded")
	}
	if err := m.FreePage(va, pfn); err != nil {
		t.Fatalf("FreePage failed: %v", err)
	}
	if err := m.FreePage(va, pfn); !errors.Is(err, ErrNotMapped) {
		t.Errorf("double FreePage = %v, want %v", err, ErrNotMapped)
	}
	if m.Allocated(pfn) || m.FreeFrames() != 1 {
		t.Errorf("frame %v not returned", pfn)
	}

	injected := errors.New("injected")
	m.FailNextAllocation(injected)
	if _, _, err := m.AllocatePage(true); !errors.Is(err, injected) {
		t.Errorf("AllocatePage = %v, want %v", err, injected)
	}
	if m.FreeFrames() != 1 {
		t.Errorf("failed allocation consumed a frame")
	}
}

func TestAllocatedPagesAreZeroed(t *testing.T) {
	m := newMemory(t, 1)
	va, pfn, err := m.AllocatePage(false)
	if err != nil {
		t.Fatalf("AllocatePage failed: %v", err)
	}
	copy(m.Frame(pfn), "dirty")
	if err := m.FreePage(va, pfn); err != nil {
		t.Fatalf("FreePage failed: %v", err)
	}
	_, pfn, err = m.AllocatePage(false)
	if err != nil {
		t.Fatalf("AllocatePage failed: %v", err)
	}
	if !bytes.Equal(m.Frame(pfn), make([]byte, hostarch.PageSize)) {
		t.Errorf("reallocated frame is not zeroed")
	}
}
