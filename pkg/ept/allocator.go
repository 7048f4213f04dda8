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
	"sync"

	"gvisor.dev/ephook/pkg/hostarch"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address, or nil
	// if the allocator is exhausted.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) hostarch.PhysAddr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical hostarch.PhysAddr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)

	// Recycle makes freed PTEs available for use again.
	Recycle()
}

// tableRegionBase is where RuntimeAllocator places table pages in the host
// physical address space, well above any simulated guest memory.
const tableRegionBase = hostarch.PhysAddr(1) << 40

// RuntimeAllocator is an Allocator backed by the Go heap.
//
// Tables are given synthetic, page-aligned physical addresses from a private
// region so that the same address is never handed out for two live tables.
type RuntimeAllocator struct {
	mu sync.Mutex

	// limit is the maximum number of live tables, or zero for no limit.
	limit int

	next      hostarch.PhysAddr
	used      map[hostarch.PhysAddr]*PTEs
	physical  map[*PTEs]hostarch.PhysAddr
	pool      []*PTEs
	freeDelay []*PTEs
}

// NewRuntimeAllocator returns an allocator that uses the runtime.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:     tableRegionBase,
		used:     make(map[hostarch.PhysAddr]*PTEs),
		physical: make(map[*PTEs]hostarch.PhysAddr),
	}
}

// NewLimitedAllocator returns a runtime allocator that fails once limit tables
// are live.
func NewLimitedAllocator(limit int) *RuntimeAllocator {
	a := NewRuntimeAllocator()
	a.limit = limit
	return a
}

// SetLimit changes the live table limit. Zero removes the limit.
func (r *RuntimeAllocator) SetLimit(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
}

// Live returns the number of live tables.
func (r *RuntimeAllocator) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.used)
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.used) >= r.limit {
		return nil
	}

	var ptes *PTEs
	if n := len(r.pool); n > 0 {
		ptes = r.pool[n-1]
		r.pool = r.pool[:n-1]
		*ptes = PTEs{}
	} else {
		ptes = new(PTEs)
		r.physical[ptes] = r.next
		r.next += hostarch.PageSize
	}
	r.used[r.physical[ptes]] = ptes
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) hostarch.PhysAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.physical[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical hostarch.PhysAddr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.used, r.physical[ptes])
	r.freeDelay = append(r.freeDelay, ptes)
}

// Recycle implements Allocator.Recycle.
func (r *RuntimeAllocator) Recycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = append(r.pool, r.freeDelay...)
	r.freeDelay = r.freeDelay[:0]
}
