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

// Package smp models the logical processors of the machine and the
// synchronous cross-processor call used to change translations while the
// guest is live.
package smp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/log"
)

// ErrBroadcast is returned when one or more processors failed to apply or
// acknowledge a cross-processor call.
var ErrBroadcast = errors.New("smp: cross-processor call failed")

// maxVCPUs caps the number of processors of a machine.
const maxVCPUs = 256

// Machine contains state associated with the machine as a whole.
type Machine struct {
	// forest is the shared set of translation views.
	forest *ept.Forest

	// vCPUs are the machine vCPUs, indexed by id.
	vCPUs []*VCPU

	// callMu serializes cross-processor calls: at most one is
	// outstanding at a time.
	callMu sync.Mutex
}

// New returns a machine with n processors sharing forest. Every processor
// starts in the normal view.
func New(forest *ept.Forest, n int) (*Machine, error) {
	if n <= 0 || n > maxVCPUs {
		return nil, fmt.Errorf("invalid vCPU count %d (must be in [1, %d])", n, maxVCPUs)
	}
	m := &Machine{
		forest: forest,
		vCPUs:  make([]*VCPU, n),
	}
	for id := range m.vCPUs {
		c := &VCPU{id: id, machine: m}
		c.view.Store(uint32(ept.ViewNormal))
		m.vCPUs[id] = c
	}
	return m, nil
}

// Forest returns the shared forest.
func (m *Machine) Forest() *ept.Forest {
	return m.forest
}

// NumVCPUs returns the number of processors.
func (m *Machine) NumVCPUs() int {
	return len(m.vCPUs)
}

// VCPU returns the processor with the given id.
func (m *Machine) VCPU(id int) *VCPU {
	return m.vCPUs[id]
}

// VCPUs returns every processor.
func (m *Machine) VCPUs() []*VCPU {
	return append([]*VCPU(nil), m.vCPUs...)
}

// Call is a cross-processor synchronous call.
type Call struct {
	// Name is used in logs and errors.
	Name string

	// Apply runs once, on the calling processor, while every processor is
	// parked. If it fails nothing else runs.
	Apply func() error

	// Revert undoes Apply. It runs if any processor fails to acknowledge,
	// still with every processor parked.
	Revert func()

	// Each runs on every processor after Apply, concurrently. Each
	// processor invalidates its translation cache after Each succeeds.
	Each func(c *VCPU) error
}

// Broadcast performs a synchronous cross-processor call.
//
// Every processor is parked (it finishes its in-flight access and takes no
// new one) before Apply runs, and none resumes until every processor has
// acknowledged by flushing its translation cache. If an acknowledgement
// fails, Revert runs and every cache is flushed again, so processors resume
// on the state that preceded the call. A processor therefore never observes
// a mix of old and new translations.
//
// ctx is only consulted before processors are parked; once the call is
// under way it runs to completion.
func (m *Machine) Broadcast(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.callMu.Lock()
	defer m.callMu.Unlock()

	// Park everyone.
	for _, c := range m.vCPUs {
		c.mu.Lock()
	}
	defer func() {
		for _, c := range m.vCPUs {
			c.mu.Unlock()
		}
	}()

	if call.Apply != nil {
		if err := call.Apply(); err != nil {
			broadcastsMetric.Increment("apply_failed")
			return err
		}
	}

	var g errgroup.Group
	for _, c := range m.vCPUs {
		c := c
		g.Go(func() error {
			return c.acknowledge(call.Each)
		})
	}
	err := g.Wait()
	if err == nil {
		broadcastsMetric.Increment("ok")
		log.Debugf("%s: acknowledged by %d vCPUs at generation %d", call.Name, len(m.vCPUs), m.forest.Generation())
		return nil
	}

	broadcastsMetric.Increment("reverted")
	log.Warningf("%s: %v; reverting", call.Name, err)
	if call.Revert != nil {
		call.Revert()
	}
	gen := m.forest.Generation()
	for _, c := range m.vCPUs {
		c.tlb.flush(gen)
	}
	return fmt.Errorf("%w: %s: %w", ErrBroadcast, call.Name, err)
}

// FlushAll invalidates every processor's translation cache.
func (m *Machine) FlushAll(ctx context.Context) error {
	return m.Broadcast(ctx, Call{Name: "flush"})
}
