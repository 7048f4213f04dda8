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

// Package hook implements execution hooks on guest pages using multiple EPT
// views.
//
// A hooked page is mapped three ways. In the exec-hook view it translates to
// a shadow copy of the page that carries a trampoline, and may only be
// executed. In the rw-hook and normal views it translates to the original
// page. An EPT violation on the page moves the faulting processor to the
// view that serves the access, so instruction fetches run the trampoline
// while reads and writes see the original bytes.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gvisor.dev/ephook/pkg/cleanup"
	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
	"gvisor.dev/ephook/pkg/log"
	"gvisor.dev/ephook/pkg/physmem"
	"gvisor.dev/ephook/pkg/smp"
)

// Pinner pins pages in physical memory.
type Pinner interface {
	// Pin guarantees that the frames backing pages pages at va do not
	// change until the token is unpinned.
	Pin(va hostarch.Addr, pages int) (physmem.PinToken, error)

	// Unpin releases a pin.
	Unpin(t physmem.PinToken) error
}

// PageAllocator allocates pages for shadow code.
type PageAllocator interface {
	// AllocatePage returns a zeroed page and its frame.
	AllocatePage(executable bool) (hostarch.Addr, hostarch.PFN, error)

	// FreePage frees a page returned by AllocatePage.
	FreePage(va hostarch.Addr, pfn hostarch.PFN) error
}

// Memory gives access to the memory being hooked.
type Memory interface {
	// Translate returns the frame backing va.
	Translate(va hostarch.Addr) (hostarch.PFN, bool)

	// ReadPage returns a copy of the page containing va.
	ReadPage(va hostarch.Addr) ([]byte, error)

	// WriteAt writes p at va.
	WriteAt(va hostarch.Addr, p []byte) error
}

// Broadcaster runs synchronous cross-processor calls. It is implemented by
// *smp.Machine.
type Broadcaster interface {
	Broadcast(ctx context.Context, call smp.Call) error
}

// Options configures a Manager.
type Options struct {
	// Forest holds the views hooks are programmed into.
	Forest *ept.Forest

	// Broadcaster applies view changes on every processor.
	Broadcaster Broadcaster

	// Memory is the memory being hooked.
	Memory Memory

	// Pinner pins hooked pages.
	Pinner Pinner

	// Allocator allocates shadow pages.
	Allocator PageAllocator

	// NewPolicy returns the view policy of a new hook. The default is
	// PagePolicy.
	NewPolicy func() ViewPolicy

	// ViolationLogInterval rate limits logging of unhandled violations.
	// The default is one message per second.
	ViolationLogInterval time.Duration
}

// Manager installs and uninstalls hooks. It owns the registry of active
// hooks, and its lifetime is that of the hypervisor.
//
// Install and Uninstall are serialized. Lookups and violation handling may
// run at any time on any processor.
type Manager struct {
	forest      *ept.Forest
	broadcaster Broadcaster
	mem         Memory
	pinner      Pinner
	alloc       PageAllocator
	newPolicy   func() ViewPolicy

	// violationLog logs unhandled violations.
	violationLog *log.RateLimited

	// registry holds the installed hooks.
	registry *Registry

	// mu serializes mutations.
	mu sync.Mutex

	// closed is set by Close. Protected by mu.
	closed bool
}

// NewManager returns a Manager with no hooks.
func NewManager(opts Options) (*Manager, error) {
	if opts.Forest == nil || opts.Broadcaster == nil || opts.Memory == nil || opts.Pinner == nil || opts.Allocator == nil {
		return nil, errors.New("hook manager requires a forest, a broadcaster, memory, a pinner and an allocator")
	}
	m := &Manager{
		forest:      opts.Forest,
		broadcaster: opts.Broadcaster,
		mem:         opts.Memory,
		pinner:      opts.Pinner,
		alloc:       opts.Allocator,
		newPolicy:   opts.NewPolicy,
		registry:    NewRegistry(),
	}
	if m.newPolicy == nil {
		m.newPolicy = func() ViewPolicy { return PagePolicy{} }
	}
	interval := opts.ViolationLogInterval
	if interval <= 0 {
		interval = time.Second
	}
	m.violationLog = log.BasicRateLimitedLogger(interval)
	return m, nil
}

// Registry returns the registry of installed hooks.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Install hooks the page containing va so that executing va jumps to
// redirect.
//
// On failure nothing is left behind: the page is unpinned, the shadow page
// freed and the views untouched. ctx is only consulted before processors
// are interrupted.
func (m *Manager) Install(ctx context.Context, va hostarch.Addr, redirect uint64) (*Hook, error) {
	h, err := m.install(ctx, va, redirect)
	installsMetric.Increment(resultOf(err))
	if err != nil {
		log.Warningf("Failed to hook %v: %v", va, err)
		return nil, &HookError{Op: "install", Addr: va, Err: err}
	}
	activeMetric.Set(uint64(m.registry.Len()))
	log.Infof("Hooked %v: %v", va, h)
	return h, nil
}

func (m *Manager) install(ctx context.Context, va hostarch.Addr, redirect uint64) (*Hook, error) {
	origin := va.RoundDown()
	offset := va.PageOffset()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.registry.Lookup(origin); ok {
		return nil, ErrAlreadyHooked
	}
	if offset > hostarch.PageSize-TrampolineLen {
		return nil, fmt.Errorf("offset %#x: %w", offset, ErrTrampolineBounds)
	}
	if pfn, ok := m.mem.Translate(origin); ok {
		// A shadow page or an alias of a hooked frame would pin a frame
		// another hook owns.
		if other, ok := m.registry.Find(func(h *Hook) bool {
			return h.ShadowFrame == pfn || h.OriginalFrame == pfn
		}); ok {
			return nil, fmt.Errorf("%v is backed by %v of hook %v: %w", origin, pfn, other.Addr(), ErrAlreadyHooked)
		}
	}

	pin, err := m.pinner.Pin(origin, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPinFailed, err)
	}
	cu := cleanup.Make(func() {
		if err := m.pinner.Unpin(pin); err != nil {
			log.Warningf("Unpinning %v: %v", origin, err)
		}
	})
	defer cu.Clean()

	pfn, ok := m.mem.Translate(origin)
	if !ok {
		return nil, fmt.Errorf("%w: %v not mapped after pinning", ErrPinFailed, origin)
	}
	original, err := m.mem.ReadPage(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPinFailed, err)
	}

	shadowVA, shadowPFN, err := m.alloc.AllocatePage(true /* executable */)
	if err != nil {
		return nil, fmt.Errorf("%w: shadow page: %w", ErrOutOfMemory, err)
	}
	cu.Add(func() {
		if err := m.alloc.FreePage(shadowVA, shadowPFN); err != nil {
			log.Warningf("Freeing shadow page %v: %v", shadowVA, err)
		}
	})

	shadow := make([]byte, hostarch.PageSize)
	if err := BuildShadow(shadow, original, offset, redirect); err != nil {
		return nil, err
	}
	if err := m.mem.WriteAt(shadowVA, shadow); err != nil {
		return nil, fmt.Errorf("%w: writing shadow page: %w", ErrOutOfMemory, err)
	}

	h := &Hook{
		Origin:        origin,
		Offset:        offset,
		Redirect:      redirect,
		OriginalFrame: pfn,
		ShadowFrame:   shadowPFN,
		ShadowAddr:    shadowVA,
		Policy:        m.newPolicy(),
		pin:           pin,
	}
	h.setState(Installing)
	if err := m.program(ctx, h); err != nil {
		h.setState(Unhooked)
		return nil, err
	}

	if err := m.registry.Insert(h); err != nil {
		// Unreachable while mu is held across the lookup above, but the
		// views must not outlive a hook the registry does not know.
		if rerr := m.restore(context.Background(), h); rerr != nil {
			panic(fmt.Sprintf("cannot restore views of unregistered hook %v: %v", h, rerr))
		}
		h.setState(Unhooked)
		return nil, err
	}
	h.setState(Installed)
	cu.Release()
	return h, nil
}

// program installs h's views on every processor.
func (m *Manager) program(ctx context.Context, h *Hook) error {
	return m.broadcast(ctx, smp.Call{
		Name:   fmt.Sprintf("program %v", h.Origin),
		Apply:  func() error { return m.forest.Update(func(tx *ept.Tx) error { return h.Policy.Program(tx, h) }) },
		Revert: func() { m.mustUpdate(h, h.Policy.Restore) },
	})
}

// restore removes h's views on every processor.
func (m *Manager) restore(ctx context.Context, h *Hook) error {
	return m.broadcast(ctx, smp.Call{
		Name:   fmt.Sprintf("restore %v", h.Origin),
		Apply:  func() error { return m.forest.Update(func(tx *ept.Tx) error { return h.Policy.Restore(tx, h) }) },
		Revert: func() { m.mustUpdate(h, h.Policy.Program) },
	})
}

// mustUpdate reapplies a policy step while reverting a failed broadcast. The
// step succeeded moments ago with the same leaves, so it cannot fail short
// of a broken allocator.
func (m *Manager) mustUpdate(h *Hook, step func(*ept.Tx, *Hook) error) {
	if err := m.forest.Update(func(tx *ept.Tx) error { return step(tx, h) }); err != nil {
		panic(fmt.Sprintf("reverting views of %v: %v", h, err))
	}
}

// broadcast runs call and classifies its failure.
func (m *Manager) broadcast(ctx context.Context, call smp.Call) error {
	err := m.broadcaster.Broadcast(ctx, call)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrViewProgramming), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}
}

// Uninstall removes the hook on the page containing va.
//
// If the views cannot be restored on every processor the hook stays fully
// installed and registered.
func (m *Manager) Uninstall(ctx context.Context, va hostarch.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.registry.Lookup(va.RoundDown())
	if !ok {
		return m.uninstallFailed(va, ErrNotFound)
	}
	return m.uninstallLocked(ctx, h)
}

// UninstallHook removes h.
func (m *Manager) UninstallHook(ctx context.Context, h *Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.registry.Lookup(h.Origin); !ok || cur != h {
		return m.uninstallFailed(h.Addr(), ErrNotFound)
	}
	return m.uninstallLocked(ctx, h)
}

func (m *Manager) uninstallFailed(va hostarch.Addr, err error) error {
	uninstallsMetric.Increment(resultOf(err))
	return &HookError{Op: "uninstall", Addr: va, Err: err}
}

// uninstallLocked removes h. The registry entry goes only after every
// processor has dropped the views, and the pin and shadow page only after
// that.
//
// Preconditions: m.mu is held and h is registered.
func (m *Manager) uninstallLocked(ctx context.Context, h *Hook) error {
	h.setState(Uninstalling)
	if err := m.restore(ctx, h); err != nil {
		h.setState(Installed)
		log.Warningf("Failed to unhook %v, hook stays active: %v", h.Addr(), err)
		return m.uninstallFailed(h.Addr(), err)
	}

	m.registry.Remove(h.Origin)
	var errs []error
	if err := m.alloc.FreePage(h.ShadowAddr, h.ShadowFrame); err != nil {
		errs = append(errs, fmt.Errorf("freeing shadow page %v: %w", h.ShadowAddr, err))
	}
	if err := m.pinner.Unpin(h.pin); err != nil {
		errs = append(errs, fmt.Errorf("unpinning %v: %w", h.Origin, err))
	}
	h.setState(Unhooked)
	activeMetric.Set(uint64(m.registry.Len()))

	// The views are gone, so the hook stays unhooked.
	if err := errors.Join(errs...); err != nil {
		log.Warningf("Unhooked %v, but releasing its resources failed: %v", h.Addr(), err)
		return m.uninstallFailed(h.Addr(), err)
	}
	uninstallsMetric.Increment(resultOK)
	log.Infof("Unhooked %v", h.Addr())
	return nil
}

// FindByAddress returns the hook on the page containing va.
func (m *Manager) FindByAddress(va hostarch.Addr) (*Hook, bool) {
	return m.registry.Lookup(va.RoundDown())
}

// FindByFrame returns the hook whose original frame is pfn.
func (m *Manager) FindByFrame(pfn hostarch.PFN) (*Hook, bool) {
	return m.registry.Find(func(h *Hook) bool {
		return h.OriginalFrame == pfn
	})
}

// ResolveView returns the view that serves an access of kind at to h's
// page.
func (m *Manager) ResolveView(h *Hook, at hostarch.AccessType) ept.ViewID {
	return h.Policy.Select(at)
}

// Hooks returns the installed hooks ordered by address.
func (m *Manager) Hooks() []*Hook {
	hooks := make([]*Hook, 0, m.registry.Len())
	m.registry.Range(func(h *Hook) bool {
		hooks = append(hooks, h)
		return true
	})
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Origin < hooks[j].Origin })
	return hooks
}

// HandleViolation implements smp.ViolationHandler. It moves c to the view
// that serves the faulting access if the page is hooked.
func (m *Manager) HandleViolation(c *smp.VCPU, v *smp.Violation) bool {
	h, ok := m.FindByFrame(v.GPA.PFN())
	if !ok {
		violationsMetric.Increment("unhandled")
		m.violationLog.Warningf("vCPU %d: unhandled %v", c.ID(), v)
		return false
	}
	view := m.ResolveView(h, v.Access)
	if view == c.View() {
		// The view meant to serve this access refused it.
		violationsMetric.Increment("unhandled")
		m.violationLog.Warningf("vCPU %d: %v view of %v refuses %v", c.ID(), view, h, v.Access)
		return false
	}
	c.SetView(view)
	violationsMetric.Increment("switched")
	if log.IsLogging(log.Debug) {
		log.Debugf("vCPU %d: %v access at %v, %v -> %v", c.ID(), v.Access, v.GPA, v.View, view)
	}
	return true
}

// Close uninstalls every hook and refuses further installs. It returns the
// errors of hooks that could not be uninstalled; those stay installed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var errs []error
	for _, h := range m.Hooks() {
		if err := m.uninstallLocked(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
