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

package ept

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/ephook/pkg/hostarch"
)

type mapping struct {
	start  hostarch.PhysAddr
	addr   hostarch.PhysAddr
	access hostarch.AccessType
}

func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	pt.Range(func(gpa hostarch.PhysAddr, pte PTE) {
		got = append(got, mapping{start: gpa, addr: pte.Address(), access: pte.Access()})
	})
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func newTables(t *testing.T, a Allocator) *PageTables {
	t.Helper()
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pt
}

func rw() MapOpts { return MapOpts{AccessType: hostarch.ReadWrite} }

func TestUnmap(t *testing.T) {
	a := NewRuntimeAllocator()
	pt := newTables(t, a)

	// Map and unmap one entry.
	if _, err := pt.Map(0x400000, pteSize, rw(), pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if !pt.Unmap(0x400000, pteSize) {
		t.Errorf("Unmap reported no previous mapping")
	}

	checkMappings(t, pt, nil)

	// Only the root remains: intermediate tables were freed.
	if got := a.Live(); got != 1 {
		t.Errorf("live tables = %d, want 1", got)
	}
}

func TestReadOnly(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize * 42, hostarch.Read},
	})
}

func TestExecuteOnly(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Execute}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize * 42, hostarch.Execute},
	})
}

func TestSerialEntries(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, rw(), pteSize*42)
	pt.Map(0x401000, pteSize, rw(), pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize * 42, hostarch.ReadWrite},
		{0x401000, pteSize * 47, hostarch.ReadWrite},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())

	// Span a PML4 entry with two pages.
	pt.Map(0x00007efffffff000, 2*pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x00007efffffff000, pteSize * 42, hostarch.Read},
		{0x00007f0000000000, pteSize * 43, hostarch.Read},
	})
}

func TestMapReportsPrevious(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())
	if prev, _ := pt.Map(0x1000, pteSize, rw(), 0x5000); prev {
		t.Errorf("first Map reported a previous mapping")
	}
	if prev, _ := pt.Map(0x1000, pteSize, rw(), 0x5000); prev {
		t.Errorf("identical Map reported a previous mapping")
	}
	if prev, _ := pt.Map(0x1000, pteSize, rw(), 0x6000); !prev {
		t.Errorf("remapping to a new frame did not report a previous mapping")
	}
}

func TestLookup(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())
	pt.Map(0x200000, pteSize, MapOpts{AccessType: hostarch.ReadExecute}, 0x9000)

	phys, opts, ok := pt.Lookup(0x200123)
	if !ok {
		t.Fatalf("Lookup found nothing")
	}
	if phys != 0x9123 {
		t.Errorf("Lookup physical = %v, want 0x9123", phys)
	}
	want := MapOpts{AccessType: hostarch.ReadExecute, MemoryType: hostarch.MemoryTypeWriteBack}
	if opts != want {
		t.Errorf("Lookup opts = %+v, want %+v", opts, want)
	}
	if _, _, ok := pt.Lookup(0x201000); ok {
		t.Errorf("Lookup of unmapped page succeeded")
	}
}

func TestAllocationFailure(t *testing.T) {
	// The root consumes the only table the allocator will hand out.
	pt := newTables(t, NewLimitedAllocator(1))
	_, err := pt.Map(0x400000, pteSize, rw(), 0x5000)
	if !errors.Is(err, ErrWalkFailed) {
		t.Fatalf("Map error = %v, want ErrWalkFailed", err)
	}
	checkMappings(t, pt, nil)

	if err := pt.SetLeaf(0x400000, PTE(0x5000|readBit)); !errors.Is(err, ErrWalkFailed) {
		t.Errorf("SetLeaf error = %v, want ErrWalkFailed", err)
	}
}

func TestSetLeafRoundTrip(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())
	pt.Map(0x3000, pteSize, rw(), 0x7000)
	orig, ok := pt.Leaf(0x3000)
	if !ok {
		t.Fatalf("Leaf found nothing")
	}

	if err := pt.SetLeaf(0x3fff, 0); err != nil {
		t.Fatalf("SetLeaf(0) failed: %v", err)
	}
	if _, ok := pt.Leaf(0x3000); ok {
		t.Errorf("leaf still present after clearing")
	}
	if err := pt.SetLeaf(0x3000, orig); err != nil {
		t.Fatalf("SetLeaf failed: %v", err)
	}
	if got, _ := pt.Leaf(0x3000); got != orig {
		t.Errorf("restored leaf = %v, want %v", got, orig)
	}
}

func TestWriteOnlyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("write-only leaf did not panic")
		}
	}()
	var p PTE
	p.Set(0x1000, MapOpts{AccessType: hostarch.Write})
}

func TestEPTP(t *testing.T) {
	pt := newTables(t, NewRuntimeAllocator())
	eptp := pt.EPTP()
	if got := eptp & 0x7; got != 6 {
		t.Errorf("EPTP memory type = %d, want 6", got)
	}
	if got := (eptp >> 3) & 0x7; got != 3 {
		t.Errorf("EPTP walk length = %d, want 3", got)
	}
	if got := hostarch.PhysAddr(eptp).RoundDown(); got != pt.rootPhysical {
		t.Errorf("EPTP root = %v, want %v", got, pt.rootPhysical)
	}
}

func TestRelease(t *testing.T) {
	a := NewRuntimeAllocator()
	pt := newTables(t, a)
	pt.Map(0x400000, 4*pteSize, rw(), 0x10000)
	pt.Release()
	if got := a.Live(); got != 0 {
		t.Errorf("live tables after Release = %d, want 0", got)
	}
}
