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

package metric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics = makeMetricSet()
}

func TestRegister(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", "Foo!"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", "again"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	for _, name := range []string{"foo", "/Foo", "/foo/", "/foo-bar", ""} {
		if _, err := NewUint64Metric(name, "bad"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q) got err %v want %v", name, err, ErrInvalidName)
		}
	}
	if _, err := NewUint64Metric("/empty", "no values", NewField("kind")); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric with empty field got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFields(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/ops", "Operations", NewField("op", "install", "uninstall"), NewField("result", "ok", "error"))
	m.Increment("install", "ok")
	m.IncrementBy(3, "uninstall", "error")
	m.Increment("install", "ok")

	if got := m.Value("install", "ok"); got != 2 {
		t.Errorf("Value(install, ok) = %d, want 2", got)
	}
	if got := m.Value("uninstall", "error"); got != 3 {
		t.Errorf("Value(uninstall, error) = %d, want 3", got)
	}
	if got := m.Value("install", "error"); got != 0 {
		t.Errorf("Value(install, error) = %d, want 0", got)
	}

	for key := 0; key < m.fieldMapper.numFieldCombinations; key++ {
		if got := m.fieldMapper.lookup(m.fieldMapper.keyToMultiField(key)...); got != key {
			t.Errorf("lookup(keyToMultiField(%d)) = %d", key, got)
		}
	}
}

func TestDisallowedValuePanics(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/ops", "Operations", NewField("op", "install"))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("bogus")
}

func TestWritePrometheus(t *testing.T) {
	defer reset()

	installs := MustCreateNewUint64Metric("/ephook/installs", "Hooks installed.")
	failures := MustCreateNewUint64Metric("/ephook/failures", "Failed operations.", NewField("reason", "pin", "broadcast"))
	active := MustCreateNewUint64Gauge("/ephook/active", "Active hooks.")
	installs.IncrementBy(4)
	failures.Increment("broadcast")
	active.Set(2)

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("cannot parse output: %v\n%s", err, buf.String())
	}

	type sample struct {
		Labels string
		Value  float64
	}
	got := make(map[string][]sample)
	types := make(map[string]dto.MetricType)
	for name, mf := range parsed {
		types[name] = mf.GetType()
		for _, m := range mf.GetMetric() {
			var labels string
			for _, l := range m.GetLabel() {
				labels += l.GetName() + "=" + l.GetValue()
			}
			v := m.GetCounter().GetValue()
			if mf.GetType() == dto.MetricType_GAUGE {
				v = m.GetGauge().GetValue()
			}
			got[name] = append(got[name], sample{labels, v})
		}
	}
	want := map[string][]sample{
		"ephook_active":   {{"", 2}},
		"ephook_failures": {{"reason=pin", 0}, {"reason=broadcast", 1}},
		"ephook_installs": {{"", 4}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed metrics mismatch (-want +got):\n%s", diff)
	}
	wantTypes := map[string]dto.MetricType{
		"ephook_active":   dto.MetricType_GAUGE,
		"ephook_failures": dto.MetricType_COUNTER,
		"ephook_installs": dto.MetricType_COUNTER,
	}
	if diff := cmp.Diff(wantTypes, types); diff != "" {
		t.Errorf("metric types mismatch (-want +got):\n%s", diff)
	}
}

func TestSetOnCounterPanics(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/c", "Counter")
	defer func() {
		if recover() == nil {
			t.Errorf("Set on a counter did not panic")
		}
	}()
	m.Set(1)
}
