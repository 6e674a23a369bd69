// Copyright 2024 the Failover Watchdog Authors. All Rights Reserved.
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

package monitoring

import (
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// InertMetricFactory creates metrics that record only in memory. It is the
// default when no exporter is configured, and tests read the recorded values
// back through Value and Info.
type InertMetricFactory struct{}

// NewCounter creates a new inert Counter.
func (InertMetricFactory) NewCounter(name, help string, labelNames ...string) Counter {
	return newInertMetric(len(labelNames))
}

// NewGauge creates a new inert Gauge.
func (InertMetricFactory) NewGauge(name, help string, labelNames ...string) Gauge {
	return newInertMetric(len(labelNames))
}

// NewHistogram creates a new inert Histogram.
func (InertMetricFactory) NewHistogram(name, help string, labelNames ...string) Histogram {
	return newInertMetric(len(labelNames))
}

// inertMetric backs all three metric kinds with plain maps keyed by the
// joined label values. A given instance is only ever used as one kind.
type inertMetric struct {
	labels int

	mu     sync.Mutex
	vals   map[string]float64
	counts map[string]uint64
}

func newInertMetric(labels int) *inertMetric {
	return &inertMetric{
		labels: labels,
		vals:   make(map[string]float64),
		counts: make(map[string]uint64),
	}
}

// key validates the label cardinality and flattens the values. A mismatch is
// logged and the operation dropped, matching the exporter-backed behavior.
func (m *inertMetric) key(labelVals []string) (string, bool) {
	if len(labelVals) != m.labels {
		klog.Errorf("Inert metric got %d label values, want %d", len(labelVals), m.labels)
		return "", false
	}
	return strings.Join(labelVals, "|"), true
}

func (m *inertMetric) Inc(labelVals ...string) {
	m.Add(1, labelVals...)
}

func (m *inertMetric) Dec(labelVals ...string) {
	m.Add(-1, labelVals...)
}

func (m *inertMetric) Add(val float64, labelVals ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.key(labelVals); ok {
		m.vals[k] += val
	}
}

func (m *inertMetric) Set(val float64, labelVals ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.key(labelVals); ok {
		m.vals[k] = val
	}
}

func (m *inertMetric) Observe(val float64, labelVals ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.key(labelVals); ok {
		m.counts[k]++
		m.vals[k] += val
	}
}

func (m *inertMetric) Value(labelVals ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.key(labelVals)
	if !ok {
		return 0
	}
	return m.vals[k]
}

func (m *inertMetric) Info(labelVals ...string) (uint64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.key(labelVals)
	if !ok {
		return 0, 0
	}
	return m.counts[k], m.vals[k]
}
