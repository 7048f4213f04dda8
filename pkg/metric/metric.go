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

// Package metric provides primitives for collecting metrics and exporting
// them in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is malformed.
	ErrInvalidName = errors.New("metric name must be of the form /component/name")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define
	// some allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// nameRegexp is the pattern of metric names.
var nameRegexp = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps multi-dimensional field values to a single unique integer
// key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible
	// field combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key for the given field values. It panics unless called
// with one allowed value per field.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	bucket := m.numFieldCombinations
Lookup:
	for i, val := range values {
		for valIdx, allowed := range m.fields[i].allowedValues {
			if val == allowed {
				bucket /= len(m.fields[i].allowedValues)
				idx += bucket * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	bucket := m.numFieldCombinations
	for i, f := range m.fields {
		bucket /= len(f.allowedValues)
		values[i] = f.allowedValues[key/bucket]
		key %= bucket
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored.
type Uint64Metric struct {
	name        string
	description string

	// cumulative is set for counters, clear for gauges.
	cumulative bool

	// values holds one value per field combination, keyed by fieldMapper.
	values []atomic.Uint64

	fieldMapper fieldMapper
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will
// panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Set sets the value of a gauge.
func (m *Uint64Metric) Set(v uint64, fieldValues ...string) {
	if m.cumulative {
		panic(fmt.Sprintf("Set on cumulative metric %q", m.name))
	}
	m.values[m.fieldMapper.lookup(fieldValues...)].Store(v)
}

// metricSet holds registered metrics.
type metricSet struct {
	mu      sync.RWMutex
	metrics map[string]*Uint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{metrics: make(map[string]*Uint64Metric)}
}

// sorted returns the registered metrics ordered by name.
func (s *metricSet) sorted() []*Uint64Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms := make([]*Uint64Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

func register(name, description string, cumulative bool, fields ...Field) (*Uint64Metric, error) {
	if !nameRegexp.MatchString(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		values:      make([]atomic.Uint64, f.numFieldCombinations),
		fieldMapper: f,
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[name]; ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNameInUse)
	}
	allMetrics.metrics[name] = m
	return m, nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	return register(name, description, true /* cumulative */, fields...)
}

// NewUint64Gauge creates and registers a new gauge with the given name.
func NewUint64Gauge(name, description string, fields ...Field) (*Uint64Metric, error) {
	return register(name, description, false /* cumulative */, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustCreateNewUint64Gauge calls NewUint64Gauge and panics if it returns an
// error.
func MustCreateNewUint64Gauge(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Gauge(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}
