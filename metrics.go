// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

var (
	latencyBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000} // ms
	latencyLabels = []string{"1ms", "5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "1s", "5s+"}
)

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // count per bucket
	sum     float64 // sum of all observations in ms
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++

	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, bound := range latencyBounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	// Greater than all bounds
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
	}

	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}

	for i, count := range h.buckets {
		stats.Buckets[latencyLabels[i]] = count
	}

	return stats
}

// cumulative returns the observation count, the sum in seconds and the
// cumulative bucket counts keyed by upper bound in seconds. The open-ended
// last bucket is left to the implicit +Inf bucket.
func (h *LatencyHistogram) cumulative() (uint64, float64, map[float64]uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make(map[float64]uint64, len(latencyBounds)-1)
	var running uint64
	for i := 0; i < len(latencyBounds)-1; i++ {
		running += uint64(h.buckets[i])
		buckets[latencyBounds[i]/1000] = running
	}
	return uint64(h.count), h.sum / 1000, buckets
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

// Metrics holds all client metrics.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Exceptions      Counter
	Timeouts        Counter
	BusyRejections  Counter
	ActiveConns     Counter
	Latency         *LatencyHistogram

	// Per-function code metrics
	funcMetrics sync.Map // FunctionCode -> *FunctionMetrics
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *Metrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if val, ok := m.funcMetrics.Load(fc); ok {
		return val.(*FunctionMetrics)
	}

	fm := &FunctionMetrics{
		Latency: NewLatencyHistogram(),
	}
	actual, _ := m.funcMetrics.LoadOrStore(fc, fm)
	return actual.(*FunctionMetrics)
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"exceptions":       m.Exceptions.Value(),
		"timeouts":         m.Timeouts.Value(),
		"busy_rejections":  m.BusyRejections.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"latency":          m.Latency.Stats(),
	}

	funcStats := make(map[string]interface{})
	m.funcMetrics.Range(func(key, value interface{}) bool {
		fc := key.(FunctionCode)
		fm := value.(*FunctionMetrics)
		funcStats[fc.String()] = map[string]interface{}{
			"requests": fm.Requests.Value(),
			"errors":   fm.Errors.Value(),
			"latency":  fm.Latency.Stats(),
		}
		return true
	})
	if len(funcStats) > 0 {
		result["functions"] = funcStats
	}

	return result
}

// Reset resets all metrics except the active connection gauge.
func (m *Metrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.Exceptions.Reset()
	m.Timeouts.Reset()
	m.BusyRejections.Reset()
	m.Latency.Reset()

	m.funcMetrics.Range(func(key, value interface{}) bool {
		fm := value.(*FunctionMetrics)
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Latency.Reset()
		return true
	})
}

// Collector exposes m as a prometheus.Collector. constLabels are attached
// to every series, typically the device address.
func (m *Metrics) Collector(constLabels prometheus.Labels) prometheus.Collector {
	return &metricsCollector{
		metrics: m,
		requests: prometheus.NewDesc("modbus_client_requests_total",
			"Requests sent, by function and outcome.", []string{"function", "status"}, constLabels),
		exceptions: prometheus.NewDesc("modbus_client_exceptions_total",
			"Exception replies received from the device.", nil, constLabels),
		timeouts: prometheus.NewDesc("modbus_client_timeouts_total",
			"Requests that ran out of time.", nil, constLabels),
		busy: prometheus.NewDesc("modbus_client_busy_rejections_total",
			"Calls rejected because another operation was in flight.", nil, constLabels),
		conns: prometheus.NewDesc("modbus_client_active_connections",
			"Open connections.", nil, constLabels),
		latency: prometheus.NewDesc("modbus_client_request_duration_seconds",
			"Request round trip latency.", []string{"function"}, constLabels),
	}
}

type metricsCollector struct {
	metrics    *Metrics
	requests   *prometheus.Desc
	exceptions *prometheus.Desc
	timeouts   *prometheus.Desc
	busy       *prometheus.Desc
	conns      *prometheus.Desc
	latency    *prometheus.Desc
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.exceptions
	ch <- c.timeouts
	ch <- c.busy
	ch <- c.conns
	ch <- c.latency
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics
	ch <- prometheus.MustNewConstMetric(c.exceptions, prometheus.CounterValue, float64(m.Exceptions.Value()))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(m.Timeouts.Value()))
	ch <- prometheus.MustNewConstMetric(c.busy, prometheus.CounterValue, float64(m.BusyRejections.Value()))
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(m.ActiveConns.Value()))

	m.funcMetrics.Range(func(key, value interface{}) bool {
		fn := key.(FunctionCode).String()
		fm := value.(*FunctionMetrics)
		errs := fm.Errors.Value()
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue,
			float64(fm.Requests.Value()-errs), fn, "success")
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue,
			float64(errs), fn, "error")
		count, sum, buckets := fm.Latency.cumulative()
		ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets, fn)
		return true
	})
}
