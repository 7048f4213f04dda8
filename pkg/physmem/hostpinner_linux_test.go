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

//go:build linux
// +build linux

package physmem

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestHostPinner(t *testing.T) {
	m := newMemory(t, 4)
	if err := m.MapPages(0x10000, 2); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	p := NewHostPinner(m)
	t1, err := p.Pin(0x10000, 2)
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOMEM) {
		t.Skipf("mlock not permitted: %v", err)
	}
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	t2, err := p.Pin(0x10000, 1)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if got := p.Locked(); got != 2 {
		t.Errorf("Locked = %d, want 2", got)
	}

	if err := p.Unpin(t1); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if got := p.Locked(); got != 1 {
		t.Errorf("Locked after first Unpin = %d, want 1", got)
	}
	if got := m.PinCount(0); got != 1 {
		t.Errorf("PinCount(0) = %d, want 1", got)
	}
	if err := p.Unpin(t2); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if p.Locked() != 0 || m.Pins() != 0 {
		t.Errorf("locked=%d pins=%d after unpinning everything", p.Locked(), m.Pins())
	}
	if err := p.Unpin(t2); !errors.Is(err, ErrBadToken) {
		t.Errorf("double Unpin = %v, want %v", err, ErrBadToken)
	}
}
