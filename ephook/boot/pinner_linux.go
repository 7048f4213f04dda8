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

package boot

import (
	"gvisor.dev/ephook/pkg/hook"
	"gvisor.dev/ephook/pkg/log"
	"gvisor.dev/ephook/pkg/physmem"
)

// newPinner returns the pinner for mem. With host set, hooked pages are also
// locked in host memory.
func newPinner(mem *physmem.Memory, host bool) (hook.Pinner, error) {
	if !host {
		return mem, nil
	}
	log.Infof("Locking hooked pages in host memory")
	return physmem.NewHostPinner(mem), nil
}
