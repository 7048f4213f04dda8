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
	"fmt"

	"gvisor.dev/ephook/pkg/hostarch"
)

// Pin locks the frames backing pages pages at va, so that they can be
// neither unmapped nor freed until the returned token is passed to Unpin.
// Pins nest.
func (m *Memory) Pin(va hostarch.Addr, pages int) (PinToken, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("invalid pin of %d pages", pages)
	}
	start := va.RoundDown()
	end, ok := start.AddLength(uint64(pages) * hostarch.PageSize)
	if !ok {
		return 0, fmt.Errorf("pin range %v+%d pages overflows", va, pages)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failPin; err != nil {
		m.failPin = nil
		return 0, err
	}
	rec := pinRecord{va: start}
	for addr := start; addr < end; addr += hostarch.PageSize {
		e, ok := m.mappings.Get(mapping{va: addr})
		if !ok {
			return 0, fmt.Errorf("pinning %v: %w", addr, ErrNotMapped)
		}
		rec.frames = append(rec.frames, e.pfn)
	}
	for _, pfn := range rec.frames {
		m.frames[pfn].pins++
	}
	m.nextToken++
	m.pins[m.nextToken] = rec
	return m.nextToken, nil
}

// Unpin releases a pin taken by Pin.
func (m *Memory) Unpin(t PinToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pins[t]
	if !ok {
		return fmt.Errorf("token %d: %w", t, ErrBadToken)
	}
	delete(m.pins, t)
	for _, pfn := range rec.frames {
		m.frames[pfn].pins--
	}
	return nil
}

// PinCount returns the pin count of a frame.
func (m *Memory) PinCount(pfn hostarch.PFN) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[pfn].pins
}

// Pins returns the number of outstanding pin tokens.
func (m *Memory) Pins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pins)
}

// pinnedFrames returns the frames a token pins.
func (m *Memory) pinnedFrames(t PinToken) ([]hostarch.PFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pins[t]
	return rec.frames, ok
}
