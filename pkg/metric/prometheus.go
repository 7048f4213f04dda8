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
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// prometheusName converts a metric name to the Prometheus convention:
// "/ephook/installs" becomes "ephook_installs".
func prometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// family returns the Prometheus family of m, one sample per field
// combination.
func (m *Uint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if m.cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: proto.String(prometheusName(m.name)),
		Help: proto.String(m.description),
		Type: typ.Enum(),
	}
	for key := range m.values {
		v := float64(m.values[key].Load())
		sample := &dto.Metric{}
		for i, value := range m.fieldMapper.keyToMultiField(key) {
			sample.Label = append(sample.Label, &dto.LabelPair{
				Name:  proto.String(m.fieldMapper.fields[i].name),
				Value: proto.String(value),
			})
		}
		if m.cumulative {
			sample.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			sample.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		mf.Metric = append(mf.Metric, sample)
	}
	return mf
}

// Families returns every registered metric as a Prometheus metric family,
// ordered by name.
func Families() []*dto.MetricFamily {
	ms := allMetrics.sorted()
	mfs := make([]*dto.MetricFamily, 0, len(ms))
	for _, m := range ms {
		mfs = append(mfs, m.family())
	}
	return mfs
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, mf := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
