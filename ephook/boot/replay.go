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

package boot

import (
	"fmt"

	"gvisor.dev/ephook/ephook/config"
	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hook"
	"gvisor.dev/ephook/pkg/hostarch"
)

// Source says which frame served an access.
type Source string

// Possible sources.
const (
	// SourceDirect is a frame of an unhooked page.
	SourceDirect Source = "direct"

	// SourceOriginal is the original frame of a hooked page.
	SourceOriginal Source = "original"

	// SourceShadow is the shadow frame of a hooked page.
	SourceShadow Source = "shadow"

	// SourceFault means the access was not served.
	SourceFault Source = "fault"
)

// maxInstructionLen is the longest x86 instruction.
const maxInstructionLen = 15

// Result is the outcome of one replayed access.
type Result struct {
	VCPU   int
	Addr   hostarch.Addr
	Access hostarch.AccessType

	// View is the processor's active view once the access completed.
	View ept.ViewID

	// Frame is the host frame that served the access.
	Frame  hostarch.PFN
	Source Source

	// Instruction is the instruction fetched, for execute accesses.
	Instruction string

	// Err is set if the access was not served.
	Err error
}

// Replay performs the scenario's accesses in order, routing EPT violations
// to the hook manager.
func (l *Loader) Replay() []Result {
	results := make([]Result, 0, len(l.scenario.Accesses))
	for i := range l.scenario.Accesses {
		results = append(results, l.replay(&l.scenario.Accesses[i]))
	}
	return results
}

func (l *Loader) replay(a *config.AccessSpec) Result {
	va := hostarch.Addr(a.Addr)
	r := Result{VCPU: a.VCPU, Addr: va, Source: SourceFault}
	at, err := a.AccessType()
	if err != nil {
		r.Err = err
		return r
	}
	r.Access = at
	if a.VCPU >= l.machine.NumVCPUs() {
		r.Err = fmt.Errorf("no vCPU %d", a.VCPU)
		return r
	}
	c := l.machine.VCPU(a.VCPU)
	if v, ok, err := a.ViewID(); err != nil {
		r.Err = err
		return r
	} else if ok {
		c.SetView(v)
	}

	pfn, ok := l.mem.Translate(va)
	if !ok {
		r.Err = fmt.Errorf("%v is not mapped", va)
		return r
	}
	gpa := pfn.PhysAddr() + hostarch.PhysAddr(va.PageOffset())
	phys, err := c.Access(gpa, at, l.manager)
	r.View = c.View()
	if err != nil {
		r.Err = err
		return r
	}

	r.Frame = phys.PFN()
	r.Source = SourceDirect
	if h, ok := l.manager.FindByFrame(pfn); ok {
		switch r.Frame {
		case h.OriginalFrame:
			r.Source = SourceOriginal
		case h.ShadowFrame:
			r.Source = SourceShadow
		}
	}

	if at.Execute {
		r.Instruction = l.fetch(phys, va)
	}
	return r
}

// fetch decodes the instruction at phys, executing at va.
func (l *Loader) fetch(phys hostarch.PhysAddr, va hostarch.Addr) string {
	n := hostarch.PageSize - phys.PageOffset()
	if n > maxInstructionLen {
		n = maxInstructionLen
	}
	code := make([]byte, n)
	if err := l.mem.ReadPhys(phys, code); err != nil {
		return fmt.Sprintf("(bad fetch: %v)", err)
	}
	insts, err := hook.Disassemble(code, uint64(va))
	if len(insts) == 0 {
		return fmt.Sprintf("(bad instruction: %v)", err)
	}
	return insts[0].String()
}
