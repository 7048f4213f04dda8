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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/ephook/pkg/ept"
	"gvisor.dev/ephook/pkg/hostarch"
)

// Address is a 64-bit address that may be written in decimal or with a 0x,
// 0o or 0b prefix.
type Address uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(string(text), "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	*a = Address(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Integer and string scalars are
// both accepted.
func (a *Address) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", node.Line)
	}
	return a.UnmarshalText([]byte(node.Value))
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// HookSpec names a hook to install.
type HookSpec struct {
	// Target is the guest virtual address to hook.
	Target Address `toml:"target" yaml:"target"`

	// Redirect is the address the trampoline transfers control to.
	Redirect Address `toml:"redirect" yaml:"redirect"`
}

// AccessSpec is a single guest access to replay.
type AccessSpec struct {
	// VCPU is the processor performing the access.
	VCPU int `toml:"vcpu" yaml:"vcpu"`

	// Addr is the guest virtual address accessed.
	Addr Address `toml:"addr" yaml:"addr"`

	// Kind is one of "r", "w", "rw" or "x".
	Kind string `toml:"kind" yaml:"kind"`

	// View, if set, is the view the processor is switched to before the
	// access: "normal", "rw-hook" or "exec-hook".
	View string `toml:"view" yaml:"view"`
}

// AccessType returns the access kind as a hostarch.AccessType.
func (a *AccessSpec) AccessType() (hostarch.AccessType, error) {
	switch a.Kind {
	case "r":
		return hostarch.Read, nil
	case "w":
		return hostarch.Write, nil
	case "rw":
		return hostarch.ReadWrite, nil
	case "x":
		return hostarch.Execute, nil
	default:
		return hostarch.NoAccess, fmt.Errorf("invalid access kind %q, must be one of r, w, rw, x", a.Kind)
	}
}

// ViewID returns the requested view. ok is false if no view was requested.
func (a *AccessSpec) ViewID() (v ept.ViewID, ok bool, err error) {
	if a.View == "" {
		return 0, false, nil
	}
	v, err = ParseView(a.View)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// ParseView parses the name of a view as printed by ept.ViewID.String.
func ParseView(name string) (ept.ViewID, error) {
	for v := ept.ViewID(0); v < ept.NumViews; v++ {
		if v.String() == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("invalid view %q", name)
}

// Scenario describes a machine, the hooks to install on it and a trace of
// guest accesses to replay.
type Scenario struct {
	// VCPUs overrides Config.VCPUs when non-zero.
	VCPUs int `toml:"vcpus" yaml:"vcpus"`

	// MemoryFrames overrides Config.MemoryFrames when non-zero.
	MemoryFrames int `toml:"memory_frames" yaml:"memory_frames"`

	// GuestBase is the page aligned virtual address of the guest image.
	GuestBase Address `toml:"guest_base" yaml:"guest_base"`

	// GuestPages is the size of the guest image, in pages.
	GuestPages int `toml:"guest_pages" yaml:"guest_pages"`

	Hooks    []HookSpec   `toml:"hooks" yaml:"hooks"`
	Accesses []AccessSpec `toml:"accesses" yaml:"accesses"`
}

// Load reads a scenario from path. The format is chosen by extension: .toml,
// .yaml or .yml.
func Load(path string) (*Scenario, error) {
	var s Scenario
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, &s)
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decoding %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown scenario format %q", ext)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return &s, nil
}

// Validate checks the scenario for consistency.
func (s *Scenario) Validate() error {
	if s.VCPUs < 0 || s.VCPUs > maxVCPUs {
		return fmt.Errorf("vcpus must be in [0, %d], got %d", maxVCPUs, s.VCPUs)
	}
	if s.MemoryFrames < 0 {
		return fmt.Errorf("memory_frames must not be negative, got %d", s.MemoryFrames)
	}
	if s.GuestPages <= 0 {
		return errors.New("guest_pages must be positive")
	}
	base := hostarch.Addr(s.GuestBase)
	if !base.IsPageAligned() {
		return fmt.Errorf("guest_base %v is not page aligned", s.GuestBase)
	}
	end, ok := base.AddLength(uint64(s.GuestPages) * hostarch.PageSize)
	if !ok {
		return fmt.Errorf("guest image at %v overflows", s.GuestBase)
	}
	inImage := func(a Address) bool {
		return hostarch.Addr(a) >= base && hostarch.Addr(a) < end
	}
	for i, h := range s.Hooks {
		if !inImage(h.Target) {
			return fmt.Errorf("hooks[%d]: target %v outside guest image [%v, %#x)", i, h.Target, s.GuestBase, uint64(end))
		}
	}
	for i := range s.Accesses {
		a := &s.Accesses[i]
		if a.VCPU < 0 {
			return fmt.Errorf("accesses[%d]: negative vcpu %d", i, a.VCPU)
		}
		if !inImage(a.Addr) {
			return fmt.Errorf("accesses[%d]: address %v outside guest image", i, a.Addr)
		}
		if _, err := a.AccessType(); err != nil {
			return fmt.Errorf("accesses[%d]: %w", i, err)
		}
		if _, _, err := a.ViewID(); err != nil {
			return fmt.Errorf("accesses[%d]: %w", i, err)
		}
	}
	return nil
}

// Apply overrides fields of conf that the scenario sets.
func (s *Scenario) Apply(conf *Config) {
	if s.VCPUs != 0 {
		conf.VCPUs = s.VCPUs
	}
	if s.MemoryFrames != 0 {
		conf.MemoryFrames = s.MemoryFrames
	}
}
