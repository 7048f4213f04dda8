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

package smp

import "gvisor.dev/ephook/pkg/metric"

var (
	broadcastsMetric = metric.MustCreateNewUint64Metric("/ephook/smp/broadcasts", "Cross-processor calls, by result.",
		metric.NewField("result", "ok", "apply_failed", "reverted"))
	flushesMetric    = metric.MustCreateNewUint64Metric("/ephook/smp/tlb_flushes", "Translation cache invalidations across all processors.")
	violationsMetric = metric.MustCreateNewUint64Metric("/ephook/smp/violations", "EPT violation exits across all processors.")
	viewSwitchMetric = metric.MustCreateNewUint64Metric("/ephook/smp/view_switches", "Active view switches across all processors.")
)
