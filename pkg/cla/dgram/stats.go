// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "dgram"

// Stats of a Layer, shared by all of its Connections. Stats is a
// prometheus.Collector; all metrics are labeled with the Layer's address.
type Stats struct {
	bytesIn  prometheus.Counter
	bytesOut prometheus.Counter
	retries  prometheus.Counter
	failures prometheus.Counter
	rtt      prometheus.Gauge

	// Prometheus counters cannot be decreased. Reset stores the current values
	// as an offset for later snapshots instead.
	mutex  sync.Mutex
	offset StatsSnapshot
}

// StatsSnapshot is a copy of a Stats at some point in time.
type StatsSnapshot struct {
	BytesIn  uint64        `json:"bytes_in"`
	BytesOut uint64        `json:"bytes_out"`
	LastRtt  time.Duration `json:"last_rtt"`
	Retries  uint64        `json:"retries"`
	Failures uint64        `json:"failures"`
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("Stats(in: %d, out: %d, rtt: %v, retries: %d, failures: %d)",
		s.BytesIn, s.BytesOut, s.LastRtt, s.Retries, s.Failures)
}

func newStats(layer string) *Stats {
	labels := prometheus.Labels{"layer": layer}

	return &Stats{
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "received_bytes_total",
			Help:        "Payload bytes of accepted incoming segments",
			ConstLabels: labels,
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sent_bytes_total",
			Help:        "Payload bytes of sent segments",
			ConstLabels: labels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "retransmissions_total",
			Help:        "Retransmitted segments",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "transfer_failures_total",
			Help:        "Segments which could not be delivered",
			ConstLabels: labels,
		}),
		rtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "rtt_seconds",
			Help:        "Round-trip time of the last acknowledged segment",
			ConstLabels: labels,
		}),
	}
}

func (s *Stats) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.bytesIn, s.bytesOut, s.retries, s.failures, s.rtt}
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range s.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for _, c := range s.collectors() {
		c.Collect(ch)
	}
}

func (s *Stats) addIn(n int) {
	s.bytesIn.Add(float64(n))
}

func (s *Stats) addOut(n int) {
	s.bytesOut.Add(float64(n))
}

func (s *Stats) setRtt(rtt time.Duration) {
	s.rtt.Set(rtt.Seconds())
}

func (s *Stats) addRetry() {
	s.retries.Inc()
}

func (s *Stats) addFailure() {
	s.failures.Inc()
}

// metricValue reads the current value of a counter or gauge.
func metricValue(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}

	if c := pb.GetCounter(); c != nil {
		return c.GetValue()
	}
	return pb.GetGauge().GetValue()
}

// current values, ignoring the offset.
func (s *Stats) current() StatsSnapshot {
	return StatsSnapshot{
		BytesIn:  uint64(metricValue(s.bytesIn)),
		BytesOut: uint64(metricValue(s.bytesOut)),
		LastRtt:  time.Duration(metricValue(s.rtt) * float64(time.Second)),
		Retries:  uint64(metricValue(s.retries)),
		Failures: uint64(metricValue(s.failures)),
	}
}

// Snapshot of the values since the last Reset.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cur := s.current()
	return StatsSnapshot{
		BytesIn:  cur.BytesIn - s.offset.BytesIn,
		BytesOut: cur.BytesOut - s.offset.BytesOut,
		LastRtt:  cur.LastRtt,
		Retries:  cur.Retries - s.offset.Retries,
		Failures: cur.Failures - s.offset.Failures,
	}
}

// Reset all values to zero. The exported Prometheus counters keep counting.
func (s *Stats) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.offset = s.current()
	s.rtt.Set(0)
}
