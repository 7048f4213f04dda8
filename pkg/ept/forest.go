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
	"sync"
	"sync/atomic"

	"gvisor.dev/ephook/pkg/hostarch"
)

// ViewID identifies one of the translation views of a Forest.
type ViewID uint16

const (
	// ViewNormal maps every page to its own frame with full access. Reads
	// of a hooked page are served here.
	ViewNormal ViewID = iota

	// ViewRWHook maps a hooked page to its original frame, readable and
	// writable but not executable.
	ViewRWHook

	// ViewExecHook maps a hooked page to its shadow frame, execute only.
	ViewExecHook

	// NumViews is the number of views.
	NumViews
)

// String implements fmt.Stringer.String.
func (v ViewID) String() string {
	switch v {
	case ViewNormal:
		return "normal"
	case ViewRWHook:
		return "rw-hook"
	case ViewExecHook:
		return "exec-hook"
	default:
		return fmt.Sprintf("view(%d)", uint16(v))
	}
}

// Valid returns true iff v names a view.
func (v ViewID) Valid() bool {
	return v < NumViews
}

// Forest is the set of EPT hierarchies, one per view, describing the same
// guest-physical address space. It is shared by every processor.
//
// Mutations happen only through Update, which is atomic with respect to
// readers: a reader sees either none or all of a transaction's writes.
type Forest struct {
	// mu protects the contents of views.
	mu sync.RWMutex

	views [NumViews]*PageTables

	// generation is incremented on each committed mutation. Translation
	// caches compare it to detect staleness.
	generation atomic.Uint64
}

// NewForest allocates the root of every view.
func NewForest(a Allocator) (*Forest, error) {
	f := &Forest{}
	for v := ViewID(0); v < NumViews; v++ {
		pt, err := New(a)
		if err != nil {
			f.Release()
			return nil, fmt.Errorf("creating %v view: %w", v, err)
		}
		f.views[v] = pt
	}
	return f, nil
}

// Release releases all views.
func (f *Forest) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pt := range f.views {
		if pt != nil {
			pt.Release()
			f.views[i] = nil
		}
	}
}

// Generation returns the current mutation generation.
func (f *Forest) Generation() uint64 {
	return f.generation.Load()
}

// EPTP returns the EPT pointer of the given view.
func (f *Forest) EPTP(v ViewID) uint64 {
	return f.views[v].EPTP()
}

// IdentityMap maps [start, start+length) to itself in every view. It is used
// to build the baseline translation before any processor runs; on error the
// range may be partially mapped.
func (f *Forest) IdentityMap(start hostarch.PhysAddr, length uint64, opts MapOpts) error {
	return f.Update(func(tx *Tx) error {
		for v := ViewID(0); v < NumViews; v++ {
			if _, err := f.views[v].Map(start, length, opts, start); err != nil {
				return fmt.Errorf("identity map in %v view: %w", v, err)
			}
		}
		return nil
	})
}

// Lookup translates gpa in the given view.
func (f *Forest) Lookup(v ViewID, gpa hostarch.PhysAddr) (hostarch.PhysAddr, MapOpts, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.views[v].Lookup(gpa)
}

// Leaf returns the raw leaf for gpa in the given view.
func (f *Forest) Leaf(v ViewID, gpa hostarch.PhysAddr) (PTE, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.views[v].Leaf(gpa)
}

// Snapshot returns the leaves translating gpa in every view. Missing leaves
// are zero.
func (f *Forest) Snapshot(gpa hostarch.PhysAddr) [NumViews]PTE {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var s [NumViews]PTE
	for v := ViewID(0); v < NumViews; v++ {
		s[v], _ = f.views[v].Leaf(gpa)
	}
	return s
}

// Range calls fn for every valid leaf of the given view.
func (f *Forest) Range(v ViewID, fn func(gpa hostarch.PhysAddr, pte PTE)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	f.views[v].Range(fn)
}

// savedLeaf is a leaf value recorded by a transaction before its first
// write.
type savedLeaf struct {
	view ViewID
	gpa  hostarch.PhysAddr
	pte  PTE
}

// Tx is an open forest transaction. It is only valid inside the function
// passed to Update.
type Tx struct {
	f     *Forest
	saved []savedLeaf
	seen  map[savedLeaf]struct{}
}

func (tx *Tx) save(v ViewID, gpa hostarch.PhysAddr) {
	key := savedLeaf{view: v, gpa: gpa}
	if _, ok := tx.seen[key]; ok {
		return
	}
	tx.seen[key] = struct{}{}
	pte, _ := tx.f.views[v].Leaf(gpa)
	tx.saved = append(tx.saved, savedLeaf{view: v, gpa: gpa, pte: pte})
}

// Leaf returns the current leaf for gpa in view v, including writes made by
// this transaction.
func (tx *Tx) Leaf(v ViewID, gpa hostarch.PhysAddr) (PTE, bool) {
	return tx.f.views[v].Leaf(gpa)
}

// Set points the leaf for gpa in view v at physical with the given options.
func (tx *Tx) Set(v ViewID, gpa, physical hostarch.PhysAddr, opts MapOpts) error {
	gpa = gpa.RoundDown()
	tx.save(v, gpa)
	if _, err := tx.f.views[v].Map(gpa, pteSize, opts, physical); err != nil {
		return fmt.Errorf("%v view: %w", v, err)
	}
	return nil
}

// SetLeaf writes a raw leaf value for gpa in view v.
func (tx *Tx) SetLeaf(v ViewID, gpa hostarch.PhysAddr, pte PTE) error {
	gpa = gpa.RoundDown()
	tx.save(v, gpa)
	if err := tx.f.views[v].SetLeaf(gpa, pte); err != nil {
		return fmt.Errorf("%v view: %w", v, err)
	}
	return nil
}

// rollback restores every leaf written by the transaction, newest first.
func (tx *Tx) rollback() {
	for i := len(tx.saved) - 1; i >= 0; i-- {
		s := tx.saved[i]
		if err := tx.f.views[s.view].SetLeaf(s.gpa, s.pte); err != nil {
			// The tables on the path were reachable when the leaf
			// was saved, so restoring it cannot allocate.
			panic(fmt.Sprintf("rollback of %v leaf %v: %v", s.view, s.gpa, err))
		}
	}
}

// Update runs fn with exclusive access to the forest. If fn returns an
// error, every leaf written through tx is restored and the error is
// returned; otherwise the generation is advanced.
func (f *Forest) Update(fn func(tx *Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &Tx{f: f, seen: make(map[savedLeaf]struct{})}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	f.generation.Add(1)
	return nil
}
