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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
)

const testPages = 16

func newMachine(t *testing.T, n int) *Machine {
	t.Helper()
	f, err := ept.NewForest(ept.NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("NewForest failed: %v", err)
	}
	if err := f.IdentityMap(0, testPages*hostarch.PageSize, ept.MapOpts{AccessType: hostarch.AnyAccess}); err != nil {
		t.Fatalf("IdentityMap failed: %v", err)
	}
	m, err := New(f, n)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func remap(t *testing.T, f *ept.Forest, gpa, phys hostarch.PhysAddr) {
	t.Helper()
	if err := f.Update(func(tx *ept.Tx) error {
		return tx.Set(ept.ViewNormal, gpa, phys, ept.MapOpts{AccessType: hostarch.AnyAccess})
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestNewValidatesCount(t *testing.T) {
	f, _ := ept.NewForest(ept.NewRuntimeAllocator())
	for _, n := range []int{0, -1, maxVCPUs + 1} {
		if _, err := New(f, n); err == nil {
			t.Errorf("New(%d) succeeded", n)
		}
	}
}

func TestTranslate(t *testing.T) {
	m := newMachine(t, 1)
	c := m.VCPU(0)
	phys, v := c.Translate(0x3123, hostarch.Read)
	if v != nil {
		t.Fatalf("Translate raised %v", v)
	}
	if phys != 0x3123 {
		t.Errorf("Translate = %v, want 0x3123", phys)
	}

	// Beyond the identity map there is no leaf.
	_, v = c.Translate(testPages*hostarch.PageSize, hostarch.Read)
	if v == nil || v.Allowed != hostarch.NoAccess {
		t.Errorf("Translate of unmapped page = %v, want violation with no access", v)
	}
}

func TestStaleTranslationUntilFlush(t *testing.T) {
	m := newMachine(t, 2)
	c := m.VCPU(0)
	if phys, _ := c.Translate(0x3000, hostarch.Read); phys != 0x3000 {
		t.Fatalf("Translate = %v, want 0x3000", phys)
	}

	// Change the forest without telling anyone.
	remap(t, m.Forest(), 0x3000, 0x7000)
	if phys, _ := c.Translate(0x3000, hostarch.Read); phys != 0x3000 {
		t.Errorf("cached translation = %v, want stale 0x3000", phys)
	}

	if err := m.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if phys, _ := c.Translate(0x3000, hostarch.Read); phys != 0x7000 {
		t.Errorf("translation after flush = %v, want 0x7000", phys)
	}
	for _, c := range m.VCPUs() {
		s := c.TLBStats()
		if s.Flushes != 1 || s.Generation != m.Forest().Generation() {
			t.Errorf("vCPU %d: stats %v, want one flush at generation %d", c.ID(), s, m.Forest().Generation())
		}
	}
}

func TestBroadcastRunsEverywhere(t *testing.T) {
	m := newMachine(t, 4)
	var applied, acked atomic.Int32
	err := m.Broadcast(context.Background(), Call{
		Name:  "test",
		Apply: func() error { applied.Add(1); return nil },
		Each:  func(*VCPU) error { acked.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if applied.Load() != 1 || acked.Load() != 4 {
		t.Errorf("applied %d times, acknowledged %d times; want 1 and 4", applied.Load(), acked.Load())
	}
}

func TestBroadcastApplyFailure(t *testing.T) {
	m := newMachine(t, 2)
	errApply := errors.New("apply")
	var acked atomic.Int32
	err := m.Broadcast(context.Background(), Call{
		Apply: func() error { return errApply },
		Each:  func(*VCPU) error { acked.Add(1); return nil },
	})
	if !errors.Is(err, errApply) {
		t.Errorf("Broadcast error = %v, want %v", err, errApply)
	}
	if acked.Load() != 0 {
		t.Errorf("processors acknowledged a failed call")
	}
}

func TestBroadcastAckFailureReverts(t *testing.T) {
	m := newMachine(t, 3)
	errAck := errors.New("no ack")
	m.VCPU(1).FailNext(errAck)

	// Warm the cache with the current translation.
	for _, c := range m.VCPUs() {
		c.Translate(0x3000, hostarch.Read)
	}

	reverted := false
	err := m.Broadcast(context.Background(), Call{
		Name: "remap",
		Apply: func() error {
			return m.Forest().Update(func(tx *ept.Tx) error {
				return tx.Set(ept.ViewNormal, 0x3000, 0x7000, ept.MapOpts{AccessType: hostarch.AnyAccess})
			})
		},
		Revert: func() {
			reverted = true
			m.Forest().Update(func(tx *ept.Tx) error {
				return tx.Set(ept.ViewNormal, 0x3000, 0x3000, ept.MapOpts{AccessType: hostarch.AnyAccess})
			})
		},
	})
	if !errors.Is(err, ErrBroadcast) || !errors.Is(err, errAck) {
		t.Fatalf("Broadcast error = %v, want ErrBroadcast wrapping %v", err, errAck)
	}
	if !reverted {
		t.Errorf("Revert did not run")
	}
	for _, c := range m.VCPUs() {
		if phys, _ := c.Translate(0x3000, hostarch.Read); phys != 0x3000 {
			t.Errorf("vCPU %d translates to %v after revert, want 0x3000", c.ID(), phys)
		}
	}

	// The injected failure is consumed.
	if err := m.FlushAll(context.Background()); err != nil {
		t.Errorf("FlushAll after failure: %v", err)
	}
}

func TestBroadcastCanceledContext(t *testing.T) {
	m := newMachine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Broadcast(ctx, Call{Apply: func() error {
		t.Errorf("Apply ran under a canceled context")
		return nil
	}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Broadcast error = %v, want context.Canceled", err)
	}
}

type switchHandler struct {
	to ept.ViewID
}

func (h switchHandler) HandleViolation(c *VCPU, v *Violation) bool {
	if c.View() == h.to {
		return false
	}
	c.SetView(h.to)
	return true
}

func TestAccessTakesViolationExits(t *testing.T) {
	m := newMachine(t, 1)
	f := m.Forest()
	if err := f.Update(func(tx *ept.Tx) error {
		return tx.Set(ept.ViewNormal, 0x2000, 0x2000, ept.MapOpts{AccessType: hostarch.ReadWrite})
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	c := m.VCPU(0)
	if _, err := c.Access(0x2000, hostarch.Execute, nil); err == nil {
		t.Fatalf("execute of a non-executable page succeeded without a handler")
	}
	phys, err := c.Access(0x2000, hostarch.Execute, switchHandler{to: ept.ViewExecHook})
	if err != nil {
		t.Fatalf("Access failed: %v", err)
	}
	if phys != 0x2000 || c.View() != ept.ViewExecHook {
		t.Errorf("Access = %v in %v view, want 0x2000 in exec-hook view", phys, c.View())
	}
	if c.Switches() != 1 || c.Violations() != 2 {
		t.Errorf("switches=%d violations=%d, want 1 and 2", c.Switches(), c.Violations())
	}
}

func TestConcurrentTranslateAndBroadcast(t *testing.T) {
	m := newMachine(t, 4)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, c := range m.VCPUs() {
		wg.Add(1)
		go func(c *VCPU) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				phys, v := c.Translate(0x5000, hostarch.Read)
				if v != nil || (phys != 0x5000 && phys != 0x8000) {
					t.Errorf("vCPU %d: Translate = %v, %v", c.ID(), phys, v)
					return
				}
			}
		}(c)
	}
	for i := 0; i < 50; i++ {
		target := hostarch.PhysAddr(0x5000)
		if i%2 == 0 {
			target = 0x8000
		}
		if err := m.Broadcast(context.Background(), Call{
			Name: "flip",
			Apply: func() error {
				return m.Forest().Update(func(tx *ept.Tx) error {
					return tx.Set(ept.ViewNormal, 0x5000, target, ept.MapOpts{AccessType: hostarch.AnyAccess})
				})
			},
		}); err != nil {
			t.Fatalf("Broadcast failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
