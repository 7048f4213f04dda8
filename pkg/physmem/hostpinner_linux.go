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

package physmem

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"gvisor.dev/ephook/pkg/hostarch"
)

// HostPinner pins pages of a Memory and additionally locks the host pages
// backing their frames with mlock(2), so the frames can be neither
// repurposed by the Memory nor paged out by the host.
type HostPinner struct {
	mem *Memory

	mu sync.Mutex

	// locked counts the pins of each mlocked frame. mlock does not nest,
	// so a frame is locked on its first pin and unlocked on its last.
	locked map[hostarch.PFN]int
}

// NewHostPinner returns a HostPinner for mem.
func NewHostPinner(mem *Memory) *HostPinner {
	return &HostPinner{
		mem:    mem,
		locked: make(map[hostarch.PFN]int),
	}
}

// Pin implements hook.Pinner.Pin.
func (p *HostPinner) Pin(va hostarch.Addr, pages int) (PinToken, error) {
	t, err := p.mem.Pin(va, pages)
	if err != nil {
		return 0, err
	}
	frames, _ := p.mem.pinnedFrames(t)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pfn := range frames {
		if p.locked[pfn] == 0 {
			if err := mlock(p.mem.Frame(pfn)); err != nil {
				p.releaseLocked(frames[:i])
				p.mem.Unpin(t)
				return 0, fmt.Errorf("mlock %v: %w", pfn, err)
			}
		}
		p.locked[pfn]++
	}
	return t, nil
}

// mlockTimeout bounds retries of mlock(2) failing with EAGAIN, which the
// kernel returns when it transiently cannot lock part of the range.
const mlockTimeout = 50 * time.Millisecond

func mlock(b []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxElapsedTime = mlockTimeout
	return backoff.Retry(func() error {
		err := unix.Mlock(b)
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// Unpin implements hook.Pinner.Unpin.
func (p *HostPinner) Unpin(t PinToken) error {
	frames, ok := p.mem.pinnedFrames(t)
	if !ok {
		return fmt.Errorf("token %d: %w", t, ErrBadToken)
	}
	p.mu.Lock()
	p.releaseLocked(frames)
	p.mu.Unlock()
	return p.mem.Unpin(t)
}

// releaseLocked drops one pin from each frame, unlocking it on the last.
//
// Precondition: p.mu must be held.
func (p *HostPinner) releaseLocked(frames []hostarch.PFN) {
	for _, pfn := range frames {
		p.locked[pfn]--
		if p.locked[pfn] > 0 {
			continue
		}
		delete(p.locked, pfn)
		// munlock can only fail for a bad range, which Frame rules out.
		unix.Munlock(p.mem.Frame(pfn))
	}
}

// Locked returns the number of frames currently mlocked.
func (p *HostPinner) Locked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locked)
}
