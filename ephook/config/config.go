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

// Package config provides basic infrastructure to set configuration settings
// for ephook. Each setting is a field of Config, populated from a command line
// flag of the same name.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"time"

	"gvisor.dev/ephook/pkg/log"
)

// maxVCPUs matches the processor limit of the machine.
const maxVCPUs = 256

// Config holds configuration that is not part of a scenario.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// VCPUs is the default number of processors.
	VCPUs int `flag:"vcpus"`

	// MemoryFrames is the default size of physical memory, in frames.
	MemoryFrames int `flag:"memory-frames"`

	// TableLimit caps the number of live EPT tables. Zero means no limit.
	TableLimit int `flag:"table-limit"`

	// HostPin additionally locks hooked pages in host memory.
	HostPin bool `flag:"host-pin"`

	// ViolationLogInterval rate limits logging of unhandled EPT
	// violations.
	ViolationLogInterval time.Duration `flag:"violation-log-interval"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Machine flags. A scenario may override these.
	flagSet.Int("vcpus", 4, "number of virtual processors.")
	flagSet.Int("memory-frames", 256, "size of simulated physical memory, in 4 KiB frames.")
	flagSet.Int("table-limit", 0, "maximum number of live EPT tables, 0 for no limit. Useful to exercise allocation failures.")
	flagSet.Bool("host-pin", false, "also mlock hooked pages in host memory.")
	flagSet.Duration("violation-log-interval", time.Second, "minimum interval between logs of unhandled EPT violations.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.VCPUs <= 0 || c.VCPUs > maxVCPUs {
		return fmt.Errorf("--vcpus must be in [1, %d], got %d", maxVCPUs, c.VCPUs)
	}
	if c.MemoryFrames <= 0 {
		return fmt.Errorf("--memory-frames must be positive, got %d", c.MemoryFrames)
	}
	if c.TableLimit < 0 {
		return fmt.Errorf("--table-limit must not be negative, got %d", c.TableLimit)
	}
	if c.ViolationLogInterval <= 0 {
		return fmt.Errorf("--violation-log-interval must be positive, got %v", c.ViolationLogInterval)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config. Flags
// at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	return fmt.Sprintf("%v", field.Interface())
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.VCPUs: %d", c.VCPUs)
	log.Infof("Config.MemoryFrames: %d", c.MemoryFrames)
	log.Infof("Config.TableLimit: %d", c.TableLimit)
	log.Infof("Config.HostPin: %t", c.HostPin)
}
