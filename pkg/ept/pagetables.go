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

// Package ept implements Extended Page Tables: the second-level translation
// from guest-physical to host-physical addresses, and the set of independent
// translation views used to route accesses to a page by their kind.
package ept

import (
	"errors"
	"fmt"

	"gvisor.dev/ephook/pkg/hostarch"
)

// ErrWalkFailed is returned when a walk cannot reach or allocate the entry
// for an address.
var ErrWalkFailed = errors.New("ept: page-table walk failed")

// PageTables is a single EPT hierarchy.
//
// PageTables is not synchronized; see Forest.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the top-level table (PML4).
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical hostarch.PhysAddr
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	root := a.NewPTEs()
	if root == nil {
		return nil, fmt.Errorf("%w: allocating root", ErrWalkFailed)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// EPTP returns the EPT pointer for these tables: the root address, a
// write-back paging-structure memory type and a four-level walk length.
func (p *PageTables) EPTP() uint64 {
	const walkLength = (numLevels - 1) << 3
	return uint64(p.rootPhysical) | walkLength | hostarch.MemoryTypeWriteBack.EPTEncoding()
}

type mapVisitor struct {
	target   uint64
	physical hostarch.PhysAddr
	opts     MapOpts
	prev     bool
}

func (v *mapVisitor) visit(start uint64, pte *PTE) bool {
	p := v.physical + hostarch.PhysAddr(start-v.target)
	if pte.Valid() && (p != pte.Address() || v.opts != pte.Opts()) {
		v.prev = true
	}
	pte.Set(p, v.opts)
	return true
}

func (*mapVisitor) requiresAlloc() bool { return true }

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous, different mapping in the range.
// On error, a prefix of the range may have been mapped.
//
// Precondition: addr, length and physical must be page-aligned.
func (p *PageTables) Map(addr hostarch.PhysAddr, length uint64, opts MapOpts, physical hostarch.PhysAddr) (bool, error) {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length), nil
	}
	if !physical.IsPageAligned() || length%pteSize != 0 {
		panic(fmt.Sprintf("unaligned map: %v+%#x -> %v", addr, length, physical))
	}
	v := mapVisitor{
		target:   uint64(addr),
		physical: physical,
		opts:     opts,
	}
	w := walker{pageTables: p, visitor: &v}
	if !w.iterateRange(uint64(addr), uint64(addr)+length) {
		return v.prev, fmt.Errorf("%w: map %v+%#x", ErrWalkFailed, addr, length)
	}
	return v.prev, nil
}

type unmapVisitor struct {
	count int
}

func (v *unmapVisitor) visit(start uint64, pte *PTE) bool {
	pte.Clear()
	v.count++
	return true
}

func (*unmapVisitor) requiresAlloc() bool { return false }

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr hostarch.PhysAddr, length uint64) bool {
	var v unmapVisitor
	w := walker{pageTables: p, visitor: &v}
	w.iterateRange(uint64(addr), uint64(addr)+length)
	return v.count > 0
}

type leafVisitor struct {
	pte   PTE
	found bool
}

func (v *leafVisitor) visit(start uint64, pte *PTE) bool {
	v.pte = *pte
	v.found = true
	return false
}

func (*leafVisitor) requiresAlloc() bool { return false }

// Leaf returns the leaf entry translating addr. ok is false if no valid leaf
// exists.
func (p *PageTables) Leaf(addr hostarch.PhysAddr) (pte PTE, ok bool) {
	start := uint64(addr.RoundDown())
	v := leafVisitor{}
	w := walker{pageTables: p, visitor: &v}
	w.iterateRange(start, start+pteSize)
	return v.pte, v.found
}

// Lookup returns the physical address and options for the given address.
func (p *PageTables) Lookup(addr hostarch.PhysAddr) (physical hostarch.PhysAddr, opts MapOpts, ok bool) {
	pte, ok := p.Leaf(addr)
	if !ok {
		return 0, MapOpts{}, false
	}
	return pte.Address() + hostarch.PhysAddr(addr.PageOffset()), pte.Opts(), true
}

type setLeafVisitor struct {
	pte PTE
}

func (v *setLeafVisitor) visit(start uint64, pte *PTE) bool {
	*pte = v.pte
	return true
}

func (*setLeafVisitor) requiresAlloc() bool { return true }

// SetLeaf writes a raw leaf value for the page containing addr. An invalid
// value removes the leaf. The leaf is written only if the walk reached it.
func (p *PageTables) SetLeaf(addr hostarch.PhysAddr, pte PTE) error {
	start := addr.RoundDown()
	if !pte.Valid() {
		p.Unmap(start, pteSize)
		return nil
	}
	w := walker{pageTables: p, visitor: &setLeafVisitor{pte: pte}}
	if !w.iterateRange(uint64(start), uint64(start)+pteSize) {
		return fmt.Errorf("%w: leaf for %v", ErrWalkFailed, start)
	}
	return nil
}

type rangeVisitor struct {
	fn func(addr hostarch.PhysAddr, pte PTE)
}

func (v *rangeVisitor) visit(start uint64, pte *PTE) bool {
	v.fn(hostarch.PhysAddr(start), *pte)
	return true
}

func (*rangeVisitor) requiresAlloc() bool { return false }

// Range calls fn for every valid leaf, in address order.
func (p *PageTables) Range(fn func(addr hostarch.PhysAddr, pte PTE)) {
	w := walker{pageTables: p, visitor: &rangeVisitor{fn: fn}}
	w.iterateRange(0, maxAddr)
}

// Release releases every table, including the root. The PageTables must not
// be used afterwards.
func (p *PageTables) Release() {
	p.Unmap(0, maxAddr)
	p.Allocator.FreePTEs(p.root)
	p.Allocator.Recycle()
	p.root = nil
}
