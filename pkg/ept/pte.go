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
	"fmt"

	"gvisor.dev/ephook/pkg/hostarch"
)

// Bits in EPT paging-structure entries (SDM Vol. 3, 29.3.2).
const (
	readBit     = 1 << 0
	writeBit    = 1 << 1
	executeBit  = 1 << 2
	accessMask  = readBit | writeBit | executeBit
	memTypeBits = 3
	memTypeMask = 0x7 << memTypeBits
	ignorePAT   = 1 << 6
	accessedBit = 1 << 8
	dirtyBit    = 1 << 9
	addressMask = 0x000ffffffffff000
)

// MapOpts are the options for a leaf entry.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// MemoryType is the caching type of the mapping.
	MemoryType hostarch.MemoryType
}

// PTE is an EPT paging-structure entry. The same layout is used at every
// level; only leaves carry a memory type.
type PTE uint64

// Clear clears this PTE, including the access bits.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry grants any access. EPT has no present
// bit: an entry is present iff one of its R/W/X bits is set.
func (p *PTE) Valid() bool {
	return *p&accessMask != 0
}

// Accessed returns true iff the processor has used this entry.
func (p *PTE) Accessed() bool {
	return *p&accessedBit != 0
}

// Dirty returns true iff the processor wrote through this entry.
func (p *PTE) Dirty() bool {
	return *p&dirtyBit != 0
}

// Access returns the permissions granted by this entry.
func (p *PTE) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    *p&readBit != 0,
		Write:   *p&writeBit != 0,
		Execute: *p&executeBit != 0,
	}
}

// Opts returns the leaf options for this entry.
func (p *PTE) Opts() MapOpts {
	mt, ok := hostarch.MemoryTypeFromEPT(uint64(*p&memTypeMask) >> memTypeBits)
	if !ok {
		mt = hostarch.MemoryTypeUncached
	}
	return MapOpts{
		AccessType: p.Access(),
		MemoryType: mt,
	}
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(*p & addressMask)
}

// Set sets this leaf to point at the given address with the given options.
//
// Precondition: addr must be page-aligned. Write access without read access
// is an EPT misconfiguration and panics.
func (p *PTE) Set(addr hostarch.PhysAddr, opts MapOpts) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned leaf address: %v", addr))
	}
	at := opts.AccessType
	if at.Write && !at.Read {
		panic(fmt.Sprintf("write-only EPT leaf for %v", addr))
	}
	if !at.Any() {
		p.Clear()
		return
	}
	v := PTE(addr) & addressMask
	if at.Read {
		v |= readBit
	}
	if at.Write {
		v |= writeBit
	}
	if at.Execute {
		v |= executeBit
	}
	v |= PTE(opts.MemoryType.EPTEncoding()<<memTypeBits) | ignorePAT
	*p = v
}

// setPageTable sets this PTE value to point to the given table.
//
// Non-leaf entries grant every access; permissions are enforced at the leaf.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned table address: %v", addr))
	}
	*p = PTE(addr)&addressMask | accessMask
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "empty"
	}
	return fmt.Sprintf("%v %v %s", p.Address(), p.Access(), p.Opts().MemoryType.ShortString())
}
