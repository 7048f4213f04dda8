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

package smp

import (
	"fmt"
	"sync"

	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
)

type tlbKey struct {
	view ept.ViewID
	gfn  hostarch.PFN
}

type tlbEntry struct {
	frame  hostarch.PhysAddr
	access hostarch.AccessType
}

// TLB caches translations derived from the forest, per view, the way a
// processor caches guest-physical mappings. Entries are not revalidated
// against the forest: like the hardware, a cached translation stays in use
// until the TLB is flushed.
type TLB struct {
	mu      sync.Mutex
	entries map[tlbKey]tlbEntry

	// generation is the forest generation observed at the last flush.
	generation uint64

	flushes uint64
	hits    uint64
	misses  uint64
}

func (t *TLB) lookup(view ept.ViewID, gfn hostarch.PFN) (tlbEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tlbKey{view, gfn}]
	if ok {
		t.hits++
	} else {
		t.misses++
	}
	return e, ok
}

func (t *TLB) insert(view ept.ViewID, gfn hostarch.PFN, e tlbEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[tlbKey]tlbEntry)
	}
	t.entries[tlbKey{view, gfn}] = e
}

// flush drops every cached translation of every view (all-context
// invalidation) and records the forest generation it now reflects.
func (t *TLB) flush(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
	t.generation = generation
	t.flushes++
	flushesMetric.Increment()
}

// TLBStats is a snapshot of TLB counters.
type TLBStats struct {
	Entries    int
	Generation uint64
	Flushes    uint64
	Hits       uint64
	Misses     uint64
}

// Stats returns the current counters.
func (t *TLB) Stats() TLBStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TLBStats{
		Entries:    len(t.entries),
		Generation: t.generation,
		Flushes:    t.flushes,
		Hits:       t.hits,
		Misses:     t.misses,
	}
}

// String implements fmt.Stringer.String.
func (s TLBStats) String() string {
	return fmt.Sprintf("entries=%d gen=%d flushes=%d hits=%d misses=%d", s.Entries, s.Generation, s.Flushes, s.Hits, s.Misses)
}
