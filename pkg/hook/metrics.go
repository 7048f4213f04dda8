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

	"gvisor.dev/ephook/pkg/metric"
)

// Results of install and uninstall, as recorded in metrics.
const (
	resultOK              = "ok"
	resultAlreadyHooked   = "already_hooked"
	resultNotFound        = "not_found"
	resultPinFailed       = "pin_failed"
	resultOutOfMemory     = "out_of_memory"
	resultViewProgramming = "view_programming"
	resultBroadcastFailed = "broadcast_failed"
	resultOther           = "other"
)

var resultField = metric.NewField("result",
	resultOK,
	resultAlreadyHooked,
	resultNotFound,
	resultPinFailed,
	resultOutOfMemory,
	resultViewProgramming,
	resultBroadcastFailed,
	resultOther,
)

var (
	installsMetric   = metric.MustCreateNewUint64Metric("/ephook/hook/installs", "Hook install attempts, by result.", resultField)
	uninstallsMetric = metric.MustCreateNewUint64Metric("/ephook/hook/uninstalls", "Hook uninstall attempts, by result.", resultField)
	violationsMetric = metric.MustCreateNewUint64Metric("/ephook/hook/violations", "EPT violations seen by the hook handler.",
		metric.NewField("outcome", "switched", "unhandled"))
	activeMetric = metric.MustCreateNewUint64Gauge("/ephook/hook/active", "Hooks currently installed.")
)

// resultOf classifies err for metrics.
func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrAlreadyHooked):
		return resultAlreadyHooked
	case errors.Is(err, ErrNotFound):
		return resultNotFound
	case errors.Is(err, ErrPinFailed):
		return resultPinFailed
	case errors.Is(err, ErrOutOfMemory):
		return resultOutOfMemory
	case errors.Is(err, ErrViewProgramming):
		return resultViewProgramming
	case errors.Is(err, ErrBroadcastFailed):
		return resultBroadcastFailed
	default:
		return resultOther
	}
}
