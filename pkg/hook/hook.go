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

package hook

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
	"gvisor.dev/ephook/pkg/physmem"
)

// State is the lifecycle state of a hook.
type State uint32

// Hook states. Installing and Uninstalling fall back to Unhooked and
// Installed respectively when they fail.
const (
	Unhooked State = iota
	Installing
	Installed
	Uninstalling
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Unhooked:
		return "unhooked"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Uninstalling:
		return "uninstalling"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Hook is an execution hook on one page.
//
// The exported fields are immutable once the hook is returned by Install.
type Hook struct {
	// Origin is the page-aligned address of the hooked page. It is the
	// registry key.
	Origin hostarch.Addr

	// Offset is the offset of the trampoline within the page.
	Offset uint64

	// Redirect is the trampoline target.
	Redirect uint64

	// OriginalFrame is the frame of the hooked page. It stays pinned for
	// the lifetime of the hook.
	OriginalFrame hostarch.PFN

	// ShadowFrame and ShadowAddr locate the shadow page: a copy of the
	// original page with the trampoline at Offset.
	ShadowFrame hostarch.PFN
	ShadowAddr  hostarch.Addr

	// Policy programs the views and routes accesses for this hook.
	Policy ViewPolicy

	// pin is the pin on OriginalFrame.
	pin physmem.PinToken

	// saved holds the leaves the policy replaced, one per view. It is
	// written by Program and read by Restore, both under the forest lock.
	saved [ept.NumViews]ept.PTE

	state atomic.Uint32
}

// Addr returns the hooked address, Origin plus Offset.
func (h *Hook) Addr() hostarch.Addr {
	return h.Origin + hostarch.Addr(h.Offset)
}

// GPA returns the guest-physical address of the hooked page.
func (h *Hook) GPA() hostarch.PhysAddr {
	return h.OriginalFrame.PhysAddr()
}

// State returns the current lifecycle state.
func (h *Hook) State() State {
	return State(h.state.Load())
}

func (h *Hook) setState(s State) {
	h.state.Store(uint32(s))
}

// String implements fmt.Stringer.String.
func (h *Hook) String() string {
	policy := "none"
	if h.Policy != nil {
		policy = h.Policy.Name()
	}
	return fmt.Sprintf("hook{%v -> %#x, %v shadow %v, %s, %v}", h.Addr(), h.Redirect, h.OriginalFrame, h.ShadowFrame, policy, h.State())
}
