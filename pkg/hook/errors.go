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
	"errors"
	"fmt"

	"gvisor.dev/ephook/pkg/hostarch"
)

// Errors returned by hook operations. They are wrapped in a *HookError, so
// callers should test for them with errors.Is.
var (
	// ErrOutOfMemory indicates that the shadow page could not be
	// allocated or initialized.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrPinFailed indicates that the original page could not be pinned.
	ErrPinFailed = errors.New("cannot pin page")

	// ErrAlreadyHooked indicates that the page is already hooked.
	ErrAlreadyHooked = errors.New("page already hooked")

	// ErrNotFound indicates that no hook exists for the address.
	ErrNotFound = errors.New("no hook at address")

	// ErrViewProgramming indicates that the translation views could not
	// be modified for the page.
	ErrViewProgramming = errors.New("cannot program views")

	// ErrBroadcastFailed indicates that one or more processors failed to
	// apply or acknowledge a view change.
	ErrBroadcastFailed = errors.New("cross-processor call failed")

	// ErrTrampolineBounds indicates that a trampoline at the requested
	// offset would run past the end of the page.
	ErrTrampolineBounds = errors.New("trampoline crosses page boundary")

	// ErrClosed indicates that the manager has been closed.
	ErrClosed = errors.New("hook manager closed")
)

// HookError records a failed hook operation.
type HookError struct {
	// Op is the operation: "install" or "uninstall".
	Op string

	// Addr is the address the operation was given.
	Addr hostarch.Addr

	// Err is the underlying error.
	Err error
}

// Error implements error.Error.
func (e *HookError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *HookError) Unwrap() error {
	return e.Err
}
