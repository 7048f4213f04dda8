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
	"sync/atomic"

	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
)

// Violation describes an EPT violation: an access the active view does not
// permit.
type Violation struct {
	// GPA is the faulting guest-physical address.
	GPA hostarch.PhysAddr

	// Access is the attempted access.
	Access hostarch.AccessType

	// View is the view that was active.
	View ept.ViewID

	// Allowed is what the leaf permitted; NoAccess if there was no leaf.
	Allowed hostarch.AccessType
}

// Error implements error.Error.
func (v *Violation) Error() string {
	return fmt.Sprintf("EPT violation at %v: %v access, %v view allows %v", v.GPA, v.Access, v.View, v.Allowed)
}

// ViolationHandler is the EPT-violation exit handler. It returns true if it
// changed the processor state such that the access should be retried.
type ViolationHandler interface {
	HandleViolation(c *VCPU, v *Violation) bool
}

// VCPU is a single logical processor.
type VCPU struct {
	// id is the vCPU id.
	id int

	// machine associated with this vCPU.
	machine *Machine

	// mu is held while the vCPU performs an access, and by the
	// broadcasting processor while the vCPU is parked in a
	// cross-processor call.
	mu sync.Mutex

	// view is the active view. It is read and written atomically since
	// the violation handler switches it outside of mu.
	view atomic.Uint32

	// tlb caches translations.
	tlb TLB

	// failNext, if set, is returned by the next acknowledgement. Protected
	// by mu.
	failNext error

	// switches and violations are informational counters.
	switches   atomic.Uint64
	violations atomic.Uint64
}

// ID returns the vCPU id.
func (c *VCPU) ID() int {
	return c.id
}

// View returns the active view.
func (c *VCPU) View() ept.ViewID {
	return ept.ViewID(c.view.Load())
}

// SetView switches the active view, as a VMFUNC EPTP switch would. Cached
// translations of other views stay valid.
func (c *VCPU) SetView(v ept.ViewID) {
	if !v.Valid() {
		panic(fmt.Sprintf("invalid view %d", v))
	}
	if ept.ViewID(c.view.Swap(uint32(v))) != v {
		c.switches.Add(1)
		viewSwitchMetric.Increment()
	}
}

// TLBStats returns this vCPU's translation cache counters.
func (c *VCPU) TLBStats() TLBStats {
	return c.tlb.Stats()
}

// Switches returns the number of view switches.
func (c *VCPU) Switches() uint64 {
	return c.switches.Load()
}

// Violations returns the number of violations raised.
func (c *VCPU) Violations() uint64 {
	return c.violations.Load()
}

// FailNext makes the vCPU fail its next cross-processor acknowledgement with
// err.
func (c *VCPU) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// Translate translates gpa for an access of kind at under the active view.
// It returns the host-physical address, or the violation the access raised.
func (c *VCPU) Translate(gpa hostarch.PhysAddr, at hostarch.AccessType) (hostarch.PhysAddr, *Violation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.translateLocked(gpa, at)
}

func (c *VCPU) translateLocked(gpa hostarch.PhysAddr, at hostarch.AccessType) (hostarch.PhysAddr, *Violation) {
	view := c.View()
	gfn := gpa.PFN()
	e, ok := c.tlb.lookup(view, gfn)
	if !ok {
		phys, opts, found := c.machine.forest.Lookup(view, gpa.RoundDown())
		if !found {
			c.violations.Add(1)
			violationsMetric.Increment()
			return 0, &Violation{GPA: gpa, Access: at, View: view}
		}
		e = tlbEntry{frame: phys, access: opts.AccessType}
		c.tlb.insert(view, gfn, e)
	}
	if !e.access.SupersetOf(at) {
		c.violations.Add(1)
		violationsMetric.Increment()
		return 0, &Violation{GPA: gpa, Access: at, View: view, Allowed: e.access}
	}
	return e.frame + hostarch.PhysAddr(gpa.PageOffset()), nil
}

// maxViolationRetries bounds the exits taken for a single access: one view
// switch per view is always enough to find a view permitting it.
const maxViolationRetries = int(ept.NumViews) + 1

// Access performs the translation part of a guest access, taking violation
// exits to h until the access is permitted. The returned error is the last
// *Violation if h did not resolve it.
func (c *VCPU) Access(gpa hostarch.PhysAddr, at hostarch.AccessType, h ViolationHandler) (hostarch.PhysAddr, error) {
	for i := 0; i < maxViolationRetries; i++ {
		phys, v := c.Translate(gpa, at)
		if v == nil {
			return phys, nil
		}
		if h == nil || !h.HandleViolation(c, v) {
			return 0, v
		}
	}
	return 0, fmt.Errorf("vCPU %d: access %v at %v not resolved after %d exits", c.id, at, gpa, maxViolationRetries)
}

// acknowledge runs the per-processor part of a cross-processor call and then
// invalidates the TLB.
//
// Precondition: c.mu is held by the broadcasting processor.
func (c *VCPU) acknowledge(each func(*VCPU) error) error {
	if err := c.failNext; err != nil {
		c.failNext = nil
		return fmt.Errorf("vCPU %d: %w", c.id, err)
	}
	if each != nil {
		if err := each(c); err != nil {
			return fmt.Errorf("vCPU %d: %w", c.id, err)
		}
	}
	c.tlb.flush(c.machine.forest.Generation())
	return nil
}
