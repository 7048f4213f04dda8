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

// Package physmem provides the memory the hypervisor hooks into: a fixed set
// of physical frames, virtual mappings onto them, a page allocator and a
// page-pinning service.
//
// Frame n is backed at physical address n<<PageShift, so the frames of a
// Memory are identity mapped by the EPT forest of the machine using it.
package physmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/ephook/pkg/hostarch"
)

var (
	// ErrNoMemory is returned when no free frame is left.
	ErrNoMemory = errors.New("physmem: out of memory")

	// ErrNotMapped is returned for a virtual address with no mapping.
	ErrNotMapped = errors.New("physmem: address not mapped")

	// ErrMapped is returned when mapping over an existing mapping.
	ErrMapped = errors.New("physmem: address already mapped")

	// ErrPinned is returned when unmapping or freeing a pinned frame.
	ErrPinned = errors.New("physmem: frame is pinned")

	// ErrBadToken is returned when unpinning with an unknown token.
	ErrBadToken = errors.New("physmem: unknown pin token")
)

// HostBase is the virtual address at which AllocatePage maps the pages it
// allocates. Guest mappings must stay below it.
const HostBase hostarch.Addr = 0x7f00_0000_0000

// btreeDegree is the degree of the mapping index.
const btreeDegree = 8

// mapping is one page of the virtual address index.
type mapping struct {
	va  hostarch.Addr
	pfn hostarch.PFN
}

func lessMapping(a, b mapping) bool {
	return a.va < b.va
}

// frame is the state of one physical frame.
type frame struct {
	// allocated is set while the frame backs a mapping.
	allocated bool

	// executable is set for frames allocated as code pages.
	executable bool

	// pins is the pin count.
	pins int
}

// PinToken identifies a pin taken by Pin. The zero value is never returned.
type PinToken uint64

type pinRecord struct {
	va     hostarch.Addr
	frames []hostarch.PFN
}

// Memory is simulated physical memory.
//
// All methods are safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	// data backs every frame, contiguously.
	data []byte

	// frames holds per-frame state, indexed by PFN.
	frames []frame

	// free is the free frame stack; the lowest frames are handed out
	// first.
	free []hostarch.PFN

	// mappings indexes virtual pages.
	mappings *btree.BTreeG[mapping]

	// nextHost is the next virtual address AllocatePage hands out.
	nextHost hostarch.Addr

	// pins maps outstanding tokens to what they pinned.
	pins      map[PinToken]pinRecord
	nextToken PinToken

	// failPin and failAlloc, if set, are returned by the next Pin and
	// AllocatePage.
	failPin   error
	failAlloc error
}

// New returns a Memory of n frames, all free.
func New(n int) (*Memory, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", n)
	}
	m := &Memory{
		data:     allocData(n * hostarch.PageSize),
		frames:   make([]frame, n),
		free:     make([]hostarch.PFN, 0, n),
		mappings: btree.NewG(btreeDegree, lessMapping),
		nextHost: HostBase,
		pins:     make(map[PinToken]pinRecord),
	}
	for pfn := n - 1; pfn >= 0; pfn-- {
		m.free = append(m.free, hostarch.PFN(pfn))
	}
	return m, nil
}

// NumFrames returns the number of frames.
func (m *Memory) NumFrames() int {
	return len(m.frames)
}

// Size returns the number of bytes of physical memory.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// FreeFrames returns the number of free frames.
func (m *Memory) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// Mappings returns the number of mapped virtual pages.
func (m *Memory) Mappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings.Len()
}

// Frame returns the contents of the given frame. The slice aliases memory.
func (m *Memory) Frame(pfn hostarch.PFN) []byte {
	if uint64(pfn) >= uint64(len(m.frames)) {
		panic(fmt.Sprintf("%v out of range", pfn))
	}
	off := uint64(pfn) << hostarch.PageShift
	return m.data[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

func (m *Memory) allocFrameLocked(executable bool) (hostarch.PFN, bool) {
	if len(m.free) == 0 {
		return 0, false
	}
	pfn := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.frames[pfn] = frame{allocated: true, executable: executable}
	clear(m.Frame(pfn))
	return pfn, true
}

func (m *Memory) freeFrameLocked(pfn hostarch.PFN) {
	m.frames[pfn] = frame{}
	m.free = append(m.free, pfn)
}

// MapPages maps n pages at va, each onto a fresh frame.
func (m *Memory) MapPages(va hostarch.Addr, n int) error {
	if !va.IsPageAligned() || n <= 0 {
		return fmt.Errorf("invalid mapping %v+%d pages", va, n)
	}
	end, ok := va.AddLength(uint64(n) * hostarch.PageSize)
	if !ok || end > HostBase {
		return fmt.Errorf("mapping %v+%d pages overflows the guest range", va, n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) < n {
		return fmt.Errorf("mapping %d pages at %v: %w", n, va, ErrNoMemory)
	}
	for addr := va; addr < end; addr += hostarch.PageSize {
		if _, ok := m.mappings.Get(mapping{va: addr}); ok {
			return fmt.Errorf("%v: %w", addr, ErrMapped)
		}
	}
	for addr := va; addr < end; addr += hostarch.PageSize {
		pfn, _ := m.allocFrameLocked(false)
		m.mappings.ReplaceOrInsert(mapping{va: addr, pfn: pfn})
	}
	return nil
}

// UnmapPages removes n pages of mappings at va and frees their frames. It
// fails without unmapping anything if a page is not mapped or pinned.
func (m *Memory) UnmapPages(va hostarch.Addr, n int) error {
	if !va.IsPageAligned() || n <= 0 {
		return fmt.Errorf("invalid mapping %v+%d pages", va, n)
	}
	end, ok := va.AddLength(uint64(n) * hostarch.PageSize)
	if !ok {
		return fmt.Errorf("range %v+%d pages overflows", va, n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var pfns []hostarch.PFN
	for addr := va; addr < end; addr += hostarch.PageSize {
		e, ok := m.mappings.Get(mapping{va: addr})
		if !ok {
			return fmt.Errorf("%v: %w", addr, ErrNotMapped)
		}
		if m.frames[e.pfn].pins > 0 {
			return fmt.Errorf("%v (%v): %w", addr, e.pfn, ErrPinned)
		}
		pfns = append(pfns, e.pfn)
	}
	for i, pfn := range pfns {
		m.mappings.Delete(mapping{va: va + hostarch.Addr(i)*hostarch.PageSize})
		m.freeFrameLocked(pfn)
	}
	return nil
}

// Translate returns the frame backing va.
func (m *Memory) Translate(va hostarch.Addr) (hostarch.PFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.mappings.Get(mapping{va: va.RoundDown()})
	return e.pfn, ok
}

// Range calls fn for each mapped page in [start, end), in address order.
func (m *Memory) Range(start, end hostarch.Addr, fn func(va hostarch.Addr, pfn hostarch.PFN) bool) {
	m.mu.Lock()
	var pages []mapping
	m.mappings.AscendRange(mapping{va: start}, mapping{va: end}, func(e mapping) bool {
		pages = append(pages, e)
		return true
	})
	m.mu.Unlock()
	for _, e := range pages {
		if !fn(e.va, e.pfn) {
			return
		}
	}
}

// ReadAt copies len(p) bytes at va into p. The range may span pages.
func (m *Memory) ReadAt(va hostarch.Addr, p []byte) error {
	return m.copyAt(va, p, false)
}

// WriteAt copies p to va. The range may span pages.
func (m *Memory) WriteAt(va hostarch.Addr, p []byte) error {
	return m.copyAt(va, p, true)
}

func (m *Memory) copyAt(va hostarch.Addr, p []byte, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(p) > 0 {
		e, ok := m.mappings.Get(mapping{va: va.RoundDown()})
		if !ok {
			return fmt.Errorf("%v: %w", va, ErrNotMapped)
		}
		page := m.Frame(e.pfn)[va.PageOffset():]
		var n int
		if write {
			n = copy(page, p)
		} else {
			n = copy(p, page)
		}
		p = p[n:]
		va += hostarch.Addr(n)
	}
	return nil
}

// ReadPage returns a copy of the page containing va.
func (m *Memory) ReadPage(va hostarch.Addr) ([]byte, error) {
	buf := make([]byte, hostarch.PageSize)
	if err := m.ReadAt(va.RoundDown(), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadPhys copies len(p) bytes at the physical address pa into p, as an
// instruction fetch or data access through a translation would.
func (m *Memory) ReadPhys(pa hostarch.PhysAddr, p []byte) error {
	if uint64(pa) > m.Size() || uint64(len(p)) > m.Size()-uint64(pa) {
		return fmt.Errorf("physical range %v+%d out of memory", pa, len(p))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(p, m.data[pa:])
	return nil
}

// FailNextPin makes the next Pin fail with err.
func (m *Memory) FailNextPin(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPin = err
}

// FailNextAllocation makes the next AllocatePage fail with err.
func (m *Memory) FailNextAllocation(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlloc = err
}
