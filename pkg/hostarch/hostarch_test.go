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

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr    Addr
		down    Addr
		offset  uint64
		aligned bool
	}{
		{addr: 0, down: 0, offset: 0, aligned: true},
		{addr: 0x1000, down: 0x1000, offset: 0, aligned: true},
		{addr: 0x1001, down: 0x1000, offset: 1, aligned: false},
		{addr: 0x7fff_1234_5fff, down: 0x7fff_1234_5000, offset: 0xfff, aligned: false},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got := tc.addr.PageOffset(); got != tc.offset {
			t.Errorf("%v.PageOffset() = %#x, want %#x", tc.addr, got, tc.offset)
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.aligned)
		}
	}
}

func TestRoundUpOverflow(t *testing.T) {
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
	if got, ok := Addr(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp(0x1001) = %v, %t, want 0x2000, true", got, ok)
	}
}

func TestAddLength(t *testing.T) {
	if _, ok := (^Addr(0)).AddLength(1); ok {
		t.Errorf("AddLength should report overflow")
	}
	if end, ok := Addr(0x1000).AddLength(PageSize); !ok || end != 0x2000 {
		t.Errorf("AddLength = %v, %t, want 0x2000, true", end, ok)
	}
}

func TestFrameConversions(t *testing.T) {
	p := PhysAddr(0x12345678)
	if got := p.PFN(); got != 0x12345 {
		t.Errorf("PFN() = %v, want pfn:0x12345", got)
	}
	if got := p.PFN().PhysAddr(); got != p.RoundDown() {
		t.Errorf("PFN().PhysAddr() = %v, want %v", got, p.RoundDown())
	}
	if got := p.PageOffset(); got != 0x678 {
		t.Errorf("PageOffset() = %#x, want 0x678", got)
	}
}

func TestAccessTypeString(t *testing.T) {
	for at, want := range map[AccessType]string{
		NoAccess:    "---",
		Read:        "r--",
		ReadWrite:   "rw-",
		Execute:     "--x",
		ReadExecute: "r-x",
		AnyAccess:   "rwx",
	} {
		if got := at.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", at, got, want)
		}
	}
}

func TestAccessTypeSets(t *testing.T) {
	if !AnyAccess.SupersetOf(ReadWrite) {
		t.Errorf("rwx should be a superset of rw-")
	}
	if Execute.SupersetOf(Read) {
		t.Errorf("--x should not be a superset of r--")
	}
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Write.Effective() = %v, want rw-", got)
	}
	if got := ReadWrite.Intersect(ReadExecute); got != Read {
		t.Errorf("Intersect = %v, want r--", got)
	}
	if got := Read.Union(Execute); got != ReadExecute {
		t.Errorf("Union = %v, want r-x", got)
	}
}

func TestMemoryTypeEPTRoundTrip(t *testing.T) {
	for mt := MemoryType(0); mt < NumMemoryTypes; mt++ {
		got, ok := MemoryTypeFromEPT(mt.EPTEncoding())
		if !ok || got != mt {
			t.Errorf("MemoryTypeFromEPT(%d) = %v, %t, want %v", mt.EPTEncoding(), got, ok, mt)
		}
	}
	if _, ok := MemoryTypeFromEPT(7); ok {
		t.Errorf("encoding 7 should be rejected")
	}
}
