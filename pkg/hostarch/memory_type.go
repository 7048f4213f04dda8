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

// MemoryType specifies the caching behavior of a guest-physical mapping.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is the x86 write-back (WB) memory type. This is
	// appropriate for ordinary guest RAM and must be the zero value for
	// MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is the x86 write-combining (WC) memory type.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is the x86 strong uncacheable (UC) memory type.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// EPTEncoding returns the value of the 3-bit memory type field of an EPT
// leaf entry (SDM Vol. 3, 29.3.7).
func (mt MemoryType) EPTEncoding() uint64 {
	switch mt {
	case MemoryTypeWriteBack:
		return 6
	case MemoryTypeWriteCombine:
		return 1
	case MemoryTypeUncached:
		return 0
	default:
		panic(fmt.Sprintf("invalid memory type %d", mt))
	}
}

// MemoryTypeFromEPT is the inverse of MemoryType.EPTEncoding. ok is false for
// encodings that have no MemoryType.
func MemoryTypeFromEPT(enc uint64) (mt MemoryType, ok bool) {
	switch enc {
	case 6:
		return MemoryTypeWriteBack, true
	case 1:
		return MemoryTypeWriteCombine, true
	case 0:
		return MemoryTypeUncached, true
	default:
		return 0, false
	}
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
