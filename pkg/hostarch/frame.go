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

package hostarch

import "fmt"

// PhysAddr is a (guest- or host-) physical address.
type PhysAddr uint64

// PFN is a physical frame number: a physical address shifted right by
// PageShift.
type PFN uint64

// PhysAddr returns the physical address of the first byte of the frame.
func (f PFN) PhysAddr() PhysAddr {
	return PhysAddr(f) << PageShift
}

// String implements fmt.Stringer.String.
func (f PFN) String() string {
	return fmt.Sprintf("pfn:%#x", uint64(f))
}

// PFN returns the frame containing p.
func (p PhysAddr) PFN() PFN {
	return PFN(p >> PageShift)
}

// RoundDown returns p rounded down to its frame boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PageMask
}

// PageOffset returns the offset of p into its frame.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & PageMask)
}

// IsPageAligned returns true if p.PageOffset() == 0.
func (p PhysAddr) IsPageAligned() bool {
	return p.PageOffset() == 0
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}
