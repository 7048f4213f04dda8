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

package cmd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/ephook/ephook/cmd/util"
	"gvisor.dev/ephook/pkg/hook"
)

// Trampoline implements subcommands.Command for the "trampoline" command.
type Trampoline struct {
	decode string
	pc     uint64
}

// Name implements subcommands.Command.Name.
func (*Trampoline) Name() string {
	return "trampoline"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Trampoline) Synopsis() string {
	return "print the trampoline jumping to an address, or decode one"
}

// Usage implements subcommands.Command.Usage.
func (*Trampoline) Usage() string {
	return `trampoline [-pc=<address>] <target>
trampoline -decode=<hex bytes>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Trampoline) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.decode, "decode", "", "hex encoded bytes to decode as a trampoline.")
	f.Uint64Var(&t.pc, "pc", 0, "address the trampoline is disassembled at.")
}

// Execute implements subcommands.Command.Execute.
func (t *Trampoline) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if t.decode != "" {
		if f.NArg() != 0 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		code, err := hex.DecodeString(t.decode)
		if err != nil {
			util.Fatalf("invalid -decode: %v", err)
		}
		target, err := hook.DecodeTrampoline(code)
		if err != nil {
			util.Fatalf("%v", err)
		}
		fmt.Printf("target: %#x\n", target)
		return subcommands.ExitSuccess
	}

	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	target, err := strconv.ParseUint(f.Arg(0), 0, 64)
	if err != nil {
		util.Fatalf("invalid target %q: %v", f.Arg(0), err)
	}
	if err := printTrampoline(os.Stdout, target, t.pc); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printTrampoline(w io.Writer, target, pc uint64) error {
	tr := hook.NewTrampoline(target)
	fmt.Fprintf(w, "bytes: % x\n", tr.Bytes())
	insts, err := hook.Disassemble(tr.Bytes(), pc)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		fmt.Fprintln(w, inst)
	}
	return nil
}
