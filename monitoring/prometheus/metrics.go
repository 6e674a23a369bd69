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

// Package prometheus provides a Prometheus-based implementation of the
// MetricFactory abstraction. Metrics are always created as vectors (a
// label-less metric is a vector with no label dimensions), which keeps one
// code path for lookup, validation and readback.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/monitoring"
)

// MetricFactory creates Prometheus-backed metrics, registered on the default
// registerer. Prefix is prepended to every metric name.
type MetricFactory struct {
	Prefix string
}

// NewCounter creates a Counter backed by Prometheus.
func (pmf MetricFactory) NewCounter(name, help string, labelNames ...string) monitoring.Counter {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: pmf.Prefix + name, Help: help},
		labelNames)
	prometheus.MustRegister(vec)
	return &Counter{vec: vec}
}

// NewGauge creates a Gauge backed by Prometheus.
func (pmf MetricFactory) NewGauge(name, help string, labelNames ...string) monitoring.Gauge {
	vec := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: pmf.Prefix + name, Help: help},
		labelNames)
	prometheus.MustRegister(vec)
	return &Gauge{vec: vec}
}

// NewHistogram creates a Histogram backed by Prometheus.
func (pmf MetricFactory) NewHistogram(name, help string, labelNames ...string) monitoring.Histogram {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: pmf.Prefix + name, Help: help},
		labelNames)
	prometheus.MustRegister(vec)
	return &Histogram{vec: vec}
}

// sample reads a metric's current protobuf state for Value/Info readback.
// Returns nil (logged) if the metric cannot be read.
func sample(m prometheus.Metric) *dto.Metric {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		klog.Errorf("Failed to read back metric: %v", err)
		return nil
	}
	return &pb
}

// Counter is a wrapper around a Prometheus CounterVec.
type Counter struct {
	vec *prometheus.CounterVec
}

func (c *Counter) child(labelVals []string) prometheus.Counter {
	m, err := c.vec.GetMetricWithLabelValues(labelVals...)
	if err != nil {
		klog.Errorf("Bad counter labels %v: %v", labelVals, err)
		return nil
	}
	return m
}

// Inc adds 1 to the counter.
func (c *Counter) Inc(labelVals ...string) {
	if m := c.child(labelVals); m != nil {
		m.Inc()
	}
}

// Add adds the given amount to the counter.
func (c *Counter) Add(val float64, labelVals ...string) {
	if m := c.child(labelVals); m != nil {
		m.Add(val)
	}
}

// Value returns the current amount of the counter.
func (c *Counter) Value(labelVals ...string) float64 {
	m := c.child(labelVals)
	if m == nil {
		return 0
	}
	pb := sample(m)
	if pb == nil || pb.Counter == nil {
		return 0
	}
	return pb.Counter.GetValue()
}

// Gauge is a wrapper around a Prometheus GaugeVec.
type Gauge struct {
	vec *prometheus.GaugeVec
}

func (g *Gauge) child(labelVals []string) prometheus.Gauge {
	m, err := g.vec.GetMetricWithLabelValues(labelVals...)
	if err != nil {
		klog.Errorf("Bad gauge labels %v: %v", labelVals, err)
		return nil
	}
	return m
}

// Inc adds 1 to the gauge.
func (g *Gauge) Inc(labelVals ...string) {
	if m := g.child(labelVals); m != nil {
		m.Inc()
	}
}

// Dec subtracts 1 from the gauge.
func (g *Gauge) Dec(labelVals ...string) {
	if m := g.child(labelVals); m != nil {
		m.Dec()
	}
}

// Set sets the gauge's value.
func (g *Gauge) Set(val float64, labelVals ...string) {
	if m := g.child(labelVals); m != nil {
		m.Set(val)
	}
}

// Value returns the current value of the gauge.
func (g *Gauge) Value(labelVals ...string) float64 {
	m := g.child(labelVals)
	if m == nil {
		return 0
	}
	pb := sample(m)
	if pb == nil || pb.Gauge == nil {
		return 0
	}
	return pb.Gauge.GetValue()
}

// Histogram is a wrapper around a Prometheus HistogramVec.
type Histogram struct {
	vec *prometheus.HistogramVec
}

func (h *Histogram) child(labelVals []string) prometheus.Metric {
	o, err := h.vec.GetMetricWithLabelValues(labelVals...)
	if err != nil {
		klog.Errorf("Bad histogram labels %v: %v", labelVals, err)
		return nil
	}
	return o.(prometheus.Metric)
}

// Observe adds a single observation to the histogram.
func (h *Histogram) Observe(val float64, labelVals ...string) {
	if m := h.child(labelVals); m != nil {
		m.(prometheus.Observer).Observe(val)
	}
}

// Info returns the count and sum of observations in the histogram.
func (h *Histogram) Info(labelVals ...string) (uint64, float64) {
	m := h.child(labelVals)
	if m == nil {
		return 0, 0
	}
	pb := sample(m)
	if pb == nil || pb.GetHistogram() == nil {
		return 0, 0
	}
	return pb.GetHistogram().GetSampleCount(), pb.GetHistogram().GetSampleSum()
}
