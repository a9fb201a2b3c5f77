// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStatsReset(t *testing.T) {
	s := newStats("test")

	s.addIn(10)
	s.addOut(5)
	s.addOut(5)
	s.addRetry()
	s.addFailure()
	s.setRtt(20 * time.Millisecond)

	expected := StatsSnapshot{BytesIn: 10, BytesOut: 10, LastRtt: 20 * time.Millisecond, Retries: 1, Failures: 1}
	if snap := s.Snapshot(); snap != expected {
		t.Fatalf("Expected %v, got %v", expected, snap)
	}

	s.Reset()
	if snap := s.Snapshot(); snap != (StatsSnapshot{}) {
		t.Fatalf("Expected zero stats after reset, got %v", snap)
	}

	s.addIn(3)
	if snap := s.Snapshot(); snap.BytesIn != 3 {
		t.Fatalf("Expected 3 bytes in after reset, got %v", snap)
	}
}

func TestStatsCollector(t *testing.T) {
	s := newStats("dgram:udp://[::]:5551")
	s.addIn(42)
	s.Reset()
	s.addIn(8)

	registry := prometheus.NewRegistry()
	if err := registry.Register(s); err != nil {
		t.Fatal(err)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, family := range families {
		if family.GetName() != "dgram_received_bytes_total" {
			continue
		}
		found = true

		metrics := family.GetMetric()
		if len(metrics) != 1 {
			t.Fatalf("Expected one metric, got %d", len(metrics))
		}
		if v := metrics[0].GetCounter().GetValue(); v != 50 {
			t.Fatalf("Exported counter must not be reset, got %f", v)
		}

		labels := metrics[0].GetLabel()
		if len(labels) != 1 || labels[0].GetName() != "layer" || labels[0].GetValue() != "dgram:udp://[::]:5551" {
			t.Fatalf("Unexpected labels: %v", labels)
		}
	}
	if !found {
		t.Fatal("Received bytes were not exported")
	}

	if len(families) != 5 {
		t.Fatalf("Expected 5 metric families, got %d", len(families))
	}
}

func TestStatsCountAcceptedSegments(t *testing.T) {
	conf := testConnectionConfig(stopAndWaitParameters())
	c := newConnection("peer", newRecordingHost(), conf)

	steps := []struct {
		flags Flags
		seqNo uint
	}{
		{SegmentMiddle, 1},
		{SegmentFirst, 0},
		{SegmentMiddle, 1},
		{SegmentMiddle, 1},
		{SegmentMiddle, 4},
		{SegmentLast, 2},
	}
	for _, s := range steps {
		_, _, _, _ = c.acceptSegment(s.flags, s.seqNo, []byte("data"))
	}

	// Without first, duplicate and stray segments are not counted.
	if snap := conf.stats.Snapshot(); snap.BytesIn != 3*4 {
		t.Fatalf("Expected %d bytes in, got %v", 3*4, snap)
	}
}
