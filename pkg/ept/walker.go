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

import "fmt"

// Geometry of a four-level EPT hierarchy (PML4, PDPT, PD, PT).
const (
	pteShift       = 12
	levelBits      = 9
	numLevels      = 4
	entriesPerPage = 1 << levelBits

	pteSize = 1 << pteShift

	// maxAddr is one past the highest guest-physical address a four-level
	// hierarchy can translate.
	maxAddr = 1 << (pteShift + numLevels*levelBits)
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// visitor is called for every leaf in a walked range.
type visitor interface {
	// visit is called on each leaf. start is the guest-physical address
	// the leaf translates. Returning false aborts the walk.
	visit(start uint64, pte *PTE) bool

	// requiresAlloc indicates that intermediate tables must be allocated
	// and that every leaf in the range must be visited, valid or not.
	requiresAlloc() bool
}

// walker walks a range of a PageTables hierarchy.
type walker struct {
	pageTables *PageTables
	visitor    visitor
}

// addrEnd returns the end of the naturally aligned block of the given size
// that covers addr, capped at end.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange walks [start, end). It returns false if the visitor aborted
// the walk or an intermediate table could not be allocated.
//
// Precondition: start must be page-aligned, start <= end and end must not
// exceed the translatable range.
func (w *walker) iterateRange(start, end uint64) bool {
	if start%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %#x", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%#x > %#x)", start, end))
	}
	if end > maxAddr {
		panic(fmt.Sprintf("end %#x beyond translatable range", end))
	}
	ok, _ := w.walkLevel(w.pageTables.root, numLevels-1, start, end)
	return ok
}

// walkLevel iterates over the entries of one table. level 0 is the leaf
// level.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *walker) walkLevel(entries *PTEs, level int, start, end uint64) (bool, uint16) {
	shift := uint(pteShift + level*levelBits)
	size := uint64(1) << shift
	alloc := w.visitor.requiresAlloc()

	var clearEntries uint16
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[(start>>shift)&(entriesPerPage-1)]

		if level == 0 {
			if !entry.Valid() && !alloc {
				clearEntries++
				start = nextBoundary
				continue
			}
			if !w.visitor.visit(start, entry) {
				return false, clearEntries
			}
			if !entry.Valid() && !alloc {
				clearEntries++
			}
			start = nextBoundary
			continue
		}

		var child *PTEs
		if !entry.Valid() {
			if !alloc {
				// Skip over this entry.
				clearEntries++
				start = nextBoundary
				continue
			}
			child = w.pageTables.Allocator.NewPTEs()
			if child == nil {
				return false, clearEntries
			}
			entry.setPageTable(w.pageTables, child)
		} else {
			child = w.pageTables.Allocator.LookupPTEs(entry.Address())
		}

		ok, clearChild := w.walkLevel(child, level-1, start, nextBoundary)

		// Check if we no longer need this table.
		if clearChild == entriesPerPage {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(child)
			clearEntries++
		}
		if !ok {
			return false, clearEntries
		}
		start = nextBoundary
	}
	return true, clearEntries
}
