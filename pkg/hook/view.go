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
	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
)

// SelectView returns the view that must serve an access of kind at to a
// hooked page.
//
// Execute goes to the exec-hook view only when neither read nor write is
// requested. Otherwise write dominates read, so that a read-write access
// stays on the original frame in the rw-hook view.
func SelectView(at hostarch.AccessType) ept.ViewID {
	switch {
	case at.Execute && !at.Read && !at.Write:
		return ept.ViewExecHook
	case at.Write:
		return ept.ViewRWHook
	default:
		return ept.ViewNormal
	}
}
