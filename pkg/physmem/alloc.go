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

// AllocatePage allocates one zeroed frame and maps it into the host range.
// Executable pages are suitable for holding code.
func (m *Memory) AllocatePage(executable bool) (hostarch.Addr, hostarch.PFN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAlloc; err != nil {
		m.failAlloc = nil
		return 0, 0, err
	}
	pfn, ok := m.allocFrameLocked(executable)
	if !ok {
		return 0, 0, ErrNoMemory
	}
	va := m.nextHost
	m.nextHost += hostarch.PageSize
	m.mappings.ReplaceOrInsert(mapping{va: va, pfn: pfn})
	return va, pfn, nil
}

// FreePage frees a page returned by AllocatePage.
func (m *Memory) FreePage(va hostarch.Addr, pfn hostarch.PFN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.mappings.Get(mapping{va: va})
	if !ok || va < HostBase {
		return fmt.Errorf("freeing %v: %w", va, ErrNotMapped)
	}
	if e.pfn != pfn {
		return fmt.Errorf("freeing %v: mapped to %v, not %v", va, e.pfn, pfn)
	}
	if m.frames[pfn].pins > 0 {
		return fmt.Errorf("freeing %v: %w", pfn, ErrPinned)
	}
	m.mappings.Delete(e)
	m.freeFrameLocked(pfn)
	return nil
}

// Executable returns true if the frame was allocated as a code page.
func (m *Memory) Executable(pfn hostarch.PFN) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[pfn].executable
}

// Allocated returns true if the frame is in use.
func (m *Memory) Allocated(pfn hostarch.PFN) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[pfn].allocated
}
