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

	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
)

// ViewPolicy decides how a hook's page is mapped in each view, and which
// view serves a given access. Policies are bound to a hook when it is
// created.
type ViewPolicy interface {
	// Name identifies the policy.
	Name() string

	// Program maps h's page in every view. It must save whatever it
	// replaces in a way Restore can undo.
	Program(tx *ept.Tx, h *Hook) error

	// Restore undoes Program.
	Restore(tx *ept.Tx, h *Hook) error

	// Select returns the view that serves an access of kind at.
	Select(at hostarch.AccessType) ept.ViewID
}

// PagePolicy is the page hook: instruction fetches are served by the shadow
// frame and data accesses by the original frame.
//
//	exec-hook: shadow frame, execute only
//	rw-hook:   original frame, read and write
//	normal:    original frame, all access
type PagePolicy struct{}

// Name implements ViewPolicy.Name.
func (PagePolicy) Name() string {
	return "page"
}

// Program implements ViewPolicy.Program.
func (PagePolicy) Program(tx *ept.Tx, h *Hook) error {
	gpa := h.GPA()
	for v := ept.ViewID(0); v < ept.NumViews; v++ {
		h.saved[v], _ = tx.Leaf(v, gpa)
	}

	original := h.OriginalFrame.PhysAddr()
	leaves := [ept.NumViews]struct {
		physical hostarch.PhysAddr
		access   hostarch.AccessType
	}{
		ept.ViewNormal:   {original, hostarch.AnyAccess},
		ept.ViewRWHook:   {original, hostarch.ReadWrite},
		ept.ViewExecHook: {h.ShadowFrame.PhysAddr(), hostarch.Execute},
	}
	for v, l := range leaves {
		opts := ept.MapOpts{AccessType: l.access, MemoryType: hostarch.MemoryTypeWriteBack}
		if err := tx.Set(ept.ViewID(v), gpa, l.physical, opts); err != nil {
			return fmt.Errorf("%w: %v view of %v: %w", ErrViewProgramming, ept.ViewID(v), gpa, err)
		}
	}
	return nil
}

// Restore implements ViewPolicy.Restore.
func (PagePolicy) Restore(tx *ept.Tx, h *Hook) error {
	gpa := h.GPA()
	for v := ept.ViewID(0); v < ept.NumViews; v++ {
		if err := tx.SetLeaf(v, gpa, h.saved[v]); err != nil {
			return fmt.Errorf("%w: restoring %v view of %v: %w", ErrViewProgramming, v, gpa, err)
		}
	}
	return nil
}

// Select implements ViewPolicy.Select.
func (PagePolicy) Select(at hostarch.AccessType) ept.ViewID {
	return SelectView(at)
}
