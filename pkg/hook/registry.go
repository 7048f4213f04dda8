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
	"sync"

	"gvisor.dev/ephook/pkg/hostarch"
)

// Registry maps page-aligned addresses to their hooks.
//
// Lookups may run concurrently with each other and with a single mutator.
type Registry struct {
	mu    sync.RWMutex
	hooks map[hostarch.Addr]*Hook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[hostarch.Addr]*Hook)}
}

// Insert adds h under h.Origin. It fails with ErrAlreadyHooked if the key is
// taken.
func (r *Registry) Insert(h *Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[h.Origin]; ok {
		return ErrAlreadyHooked
	}
	r.hooks[h.Origin] = h
	return nil
}

// Remove removes the hook at origin and returns it.
func (r *Registry) Remove(origin hostarch.Addr) (*Hook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[origin]
	if ok {
		delete(r.hooks, origin)
	}
	return h, ok
}

// Lookup returns the hook at origin.
func (r *Registry) Lookup(origin hostarch.Addr) (*Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[origin]
	return h, ok
}

// Find returns a hook satisfying pred. Which one is unspecified if several
// do.
func (r *Registry) Find(pred func(*Hook) bool) (*Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hooks {
		if pred(h) {
			return h, true
		}
	}
	return nil, false
}

// Len returns the number of hooks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Range calls fn for each hook, in no particular order, until fn returns
// false. fn must not mutate the registry.
func (r *Registry) Range(fn func(*Hook) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hooks {
		if !fn(h) {
			return
		}
	}
}
