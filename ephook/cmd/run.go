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

// Package cmd holds implementations of the ephook commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/ephook/ephook/boot"
	"gvisor.dev/ephook/ephook/cmd/util"
	"gvisor.dev/ephook/ephook/config"
	"gvisor.dev/ephook/pkg/hook"
	"gvisor.dev/ephook/pkg/metric"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// metrics prints metrics in Prometheus format after the run.
	metrics bool

	// keep skips the explicit uninstall. Hooks are then removed when the
	// machine shuts down.
	keep bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot a machine, install the scenario's hooks and replay its accesses"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.toml|scenario.yaml> - replays a scenario and reports which frame served each access.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus text format when done.")
	f.BoolVar(&r.keep, "keep", false, "skip the explicit uninstall; hooks are removed at machine shutdown.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	scenario, err := config.Load(f.Arg(0))
	if err != nil {
		util.Fatalf("loading scenario: %v", err)
	}
	l, err := boot.New(boot.Args{Conf: conf, Scenario: scenario})
	if err != nil {
		util.Fatalf("booting machine: %v", err)
	}

	hooks, err := l.InstallHooks(ctx)
	printHooks(os.Stdout, hooks)
	if err != nil {
		_ = l.Destroy(ctx)
		util.Fatalf("installing hooks: %v", err)
	}

	printResults(os.Stdout, l.Replay())

	if !r.keep {
		if err := l.UninstallHooks(ctx); err != nil {
			util.Fatalf("uninstalling hooks: %v", err)
		}
	}
	printStats(os.Stdout, l.Stats())
	if err := l.Destroy(ctx); err != nil {
		util.Fatalf("shutting down: %v", err)
	}

	if r.metrics {
		if err := metric.WritePrometheus(os.Stdout); err != nil {
			util.Fatalf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

func printHooks(w io.Writer, hooks []*hook.Hook) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tREDIRECT\tORIGINAL\tSHADOW\tPOLICY")
	for _, h := range hooks {
		fmt.Fprintf(tw, "%v\t%#x\t%v\t%v\t%s\n", h.Addr(), h.Redirect, h.OriginalFrame, h.ShadowFrame, h.Policy.Name())
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func printResults(w io.Writer, results []boot.Result) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tVCPU\tADDR\tACCESS\tVIEW\tFRAME\tSOURCE\tDETAIL")
	for i, r := range results {
		detail := r.Instruction
		if r.Err != nil {
			detail = r.Err.Error()
		}
		fmt.Fprintf(tw, "%d\t%d\t%v\t%v\t%v\t%v\t%s\t%s\n", i, r.VCPU, r.Addr, r.Access, r.View, r.Frame, r.Source, detail)
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func printStats(w io.Writer, stats []boot.VCPUStats) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VCPU\tVIEW\tSWITCHES\tVIOLATIONS\tTLB")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%v\t%d\t%d\t%v\n", s.ID, s.View, s.Switches, s.Violations, s.TLB)
	}
	tw.Flush()
}
