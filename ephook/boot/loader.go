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

// Package boot loads and sets up a simulated machine: guest memory, the EPT
// view forest, the processors and the hook manager.
package boot

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohae/deepcopy"
	"gvisor.dev/ephook/ephook/config"
	"gvisor.dev/ephook/pkg/cleanup"
	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hook"
	"gvisor.dev/ephook/pkg/hostarch"
	"gvisor.dev/ephook/pkg/log"
	"gvisor.dev/ephook/pkg/physmem"
	"gvisor.dev/ephook/pkg/smp"
)

// Guest image filler: every page is a run of NOPs ending in a RET.
const (
	opNOP = 0x90
	opRET = 0xc3
)

// Args are the arguments for New().
type Args struct {
	// Conf is the configuration. Fields set by Scenario override it.
	Conf *config.Config

	// Scenario describes the machine and guest image.
	Scenario *config.Scenario
}

// Loader keeps state needed to run a scenario against a machine.
type Loader struct {
	conf     config.Config
	scenario *config.Scenario

	mem     *physmem.Memory
	alloc   *ept.RuntimeAllocator
	forest  *ept.Forest
	machine *smp.Machine
	manager *hook.Manager

	// hooks are the hooks installed by InstallHooks, in scenario order.
	hooks []*hook.Hook
}

// New initializes a new machine. Every processor starts in the exec-hook
// view.
func New(args Args) (*Loader, error) {
	if args.Conf == nil || args.Scenario == nil {
		return nil, errors.New("boot: configuration and scenario are required")
	}
	l := &Loader{
		conf:     *args.Conf,
		scenario: deepcopy.Copy(args.Scenario).(*config.Scenario),
	}
	l.scenario.Apply(&l.conf)

	mem, err := physmem.New(l.conf.MemoryFrames)
	if err != nil {
		return nil, fmt.Errorf("creating memory: %w", err)
	}
	l.mem = mem
	if err := l.loadImage(); err != nil {
		return nil, err
	}

	if l.conf.TableLimit > 0 {
		l.alloc = ept.NewLimitedAllocator(l.conf.TableLimit)
	} else {
		l.alloc = ept.NewRuntimeAllocator()
	}
	forest, err := ept.NewForest(l.alloc)
	if err != nil {
		return nil, fmt.Errorf("creating EPT views: %w", err)
	}
	l.forest = forest
	cu := cleanup.Make(forest.Release)
	defer cu.Clean()

	opts := ept.MapOpts{AccessType: hostarch.AnyAccess, MemoryType: hostarch.MemoryTypeWriteBack}
	if err := forest.IdentityMap(0, mem.Size(), opts); err != nil {
		return nil, fmt.Errorf("mapping physical memory: %w", err)
	}

	machine, err := smp.New(forest, l.conf.VCPUs)
	if err != nil {
		return nil, err
	}
	for _, c := range machine.VCPUs() {
		c.SetView(ept.ViewExecHook)
	}
	l.machine = machine

	pinner, err := newPinner(mem, l.conf.HostPin)
	if err != nil {
		return nil, err
	}
	manager, err := hook.NewManager(hook.Options{
		Forest:               forest,
		Broadcaster:          machine,
		Memory:               mem,
		Pinner:               pinner,
		Allocator:            mem,
		ViolationLogInterval: l.conf.ViolationLogInterval,
	})
	if err != nil {
		return nil, err
	}
	l.manager = manager

	log.Infof("Machine booted: %d vCPUs, %d frames, %d EPT tables, guest image %v+%d pages",
		machine.NumVCPUs(), mem.NumFrames(), l.alloc.Live(), l.scenario.GuestBase, l.scenario.GuestPages)
	cu.Release()
	return l, nil
}

// loadImage maps and fills the guest image.
func (l *Loader) loadImage() error {
	base := hostarch.Addr(l.scenario.GuestBase)
	if err := l.mem.MapPages(base, l.scenario.GuestPages); err != nil {
		return fmt.Errorf("mapping guest image: %w", err)
	}
	page := make([]byte, hostarch.PageSize)
	for i := range page {
		page[i] = opNOP
	}
	page[len(page)-1] = opRET
	for i := 0; i < l.scenario.GuestPages; i++ {
		if err := l.mem.WriteAt(base+hostarch.Addr(i*hostarch.PageSize), page); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the effective configuration.
func (l *Loader) Config() *config.Config {
	return &l.conf
}

// Memory returns the machine's memory.
func (l *Loader) Memory() *physmem.Memory {
	return l.mem
}

// Machine returns the machine.
func (l *Loader) Machine() *smp.Machine {
	return l.machine
}

// Manager returns the hook manager.
func (l *Loader) Manager() *hook.Manager {
	return l.manager
}

// InstallHooks installs the scenario's hooks in order. It stops at the first
// failure; hooks installed before it stay installed until Destroy.
func (l *Loader) InstallHooks(ctx context.Context) ([]*hook.Hook, error) {
	for _, hs := range l.scenario.Hooks {
		h, err := l.manager.Install(ctx, hostarch.Addr(hs.Target), uint64(hs.Redirect))
		if err != nil {
			return l.hooks, err
		}
		l.hooks = append(l.hooks, h)
	}
	return l.hooks, nil
}

// UninstallHooks removes the hooks installed by InstallHooks, newest first.
func (l *Loader) UninstallHooks(ctx context.Context) error {
	var errs []error
	for i := len(l.hooks) - 1; i >= 0; i-- {
		if err := l.manager.UninstallHook(ctx, l.hooks[i]); err != nil {
			errs = append(errs, err)
		}
	}
	l.hooks = nil
	return errors.Join(errs...)
}

// Destroy uninstalls every remaining hook and releases the EPT views.
func (l *Loader) Destroy(ctx context.Context) error {
	err := l.manager.Close(ctx)
	if err != nil {
		log.Warningf("Hooks left installed at shutdown: %v", err)
	}
	l.forest.Release()
	return err
}

// VCPUStats is a snapshot of one processor's counters.
type VCPUStats struct {
	ID         int
	View       ept.ViewID
	Switches   uint64
	Violations uint64
	TLB        smp.TLBStats
}

// Stats returns counters for every processor.
func (l *Loader) Stats() []VCPUStats {
	var stats []VCPUStats
	for _, c := range l.machine.VCPUs() {
		stats = append(stats, VCPUStats{
			ID:         c.ID(),
			View:       c.View(),
			Switches:   c.Switches(),
			Violations: c.Violations(),
			TLB:        c.TLBStats(),
		})
	}
	return stats
}
