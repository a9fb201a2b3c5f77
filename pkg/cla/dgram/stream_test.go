// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// recordingTransmitter stores all transmitted segments and might fail the nth.
type recordingTransmitter struct {
	segments []inSegment

	failAt  int
	failErr error
}

func (rt *recordingTransmitter) transmit(data []byte, first, last bool) error {
	if rt.failErr != nil && len(rt.segments)+1 == rt.failAt {
		rt.failAt = 0
		return rt.failErr
	}

	rt.segments = append(rt.segments, inSegment{data: data, first: first, last: last})
	return nil
}

func TestStreamSegmentation(t *testing.T) {
	tests := []struct {
		size  int
		flags []Flags
		lens  []int
	}{
		{0, []Flags{SegmentFirst | SegmentLast}, []int{0}},
		{50, []Flags{SegmentFirst | SegmentLast}, []int{50}},
		{100, []Flags{SegmentFirst | SegmentLast}, []int{100}},
		{101, []Flags{SegmentFirst, SegmentLast}, []int{100, 1}},
		{200, []Flags{SegmentFirst, SegmentLast}, []int{100, 100}},
		{300, []Flags{SegmentFirst, SegmentMiddle, SegmentLast}, []int{100, 100, 100}},
		{1001, nil, nil},
	}

	for _, test := range tests {
		rt := &recordingTransmitter{}
		s := newStream(rt, 100)

		msg := make([]byte, test.size)
		for i := range msg {
			msg[i] = byte(i)
		}

		// Write in odd chunks to test the buffering.
		for i := 0; i < len(msg); i += 7 {
			end := i + 7
			if end > len(msg) {
				end = len(msg)
			}
			if _, err := s.Write(msg[i:end]); err != nil {
				t.Fatalf("Write failed for size %d: %v", test.size, err)
			}
		}
		if err := s.EndMessage(); err != nil {
			t.Fatalf("EndMessage failed for size %d: %v", test.size, err)
		}

		var joined []byte
		for i, seg := range rt.segments {
			if len(seg.data) > 100 {
				t.Fatalf("Segment %d of size %d exceeds maximum length: %d", i, test.size, len(seg.data))
			}
			if seg.first != (i == 0) || seg.last != (i == len(rt.segments)-1) {
				t.Fatalf("Segment %d of size %d has wrong flags: %v", i, test.size, segmentFlags(seg.first, seg.last))
			}
			joined = append(joined, seg.data...)
		}

		if !bytes.Equal(joined, msg) {
			t.Fatalf("Segments of size %d differ from message", test.size)
		}

		if test.flags == nil {
			continue
		}
		if len(rt.segments) != len(test.flags) {
			t.Fatalf("Size %d resulted in %d segments, expected %d", test.size, len(rt.segments), len(test.flags))
		}
		for i, seg := range rt.segments {
			if f := segmentFlags(seg.first, seg.last); f != test.flags[i] {
				t.Fatalf("Size %d, segment %d: expected %v, got %v", test.size, i, test.flags[i], f)
			}
			if len(seg.data) != test.lens[i] {
				t.Fatalf("Size %d, segment %d: expected length %d, got %d", test.size, i, test.lens[i], len(seg.data))
			}
		}
	}
}

func TestStreamMultipleMessages(t *testing.T) {
	rt := &recordingTransmitter{}
	s := newStream(rt, 10)

	for _, msg := range []string{"hello world", "foo", "lorem ipsum dolor sit amet"} {
		if _, err := s.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
		if err := s.EndMessage(); err != nil {
			t.Fatal(err)
		}
	}

	var firsts, lasts int
	for _, seg := range rt.segments {
		if seg.first {
			firsts++
		}
		if seg.last {
			lasts++
		}
	}
	if firsts != 3 || lasts != 3 {
		t.Fatalf("Expected three first and last segments, got %d and %d", firsts, lasts)
	}
}

func TestStreamRead(t *testing.T) {
	s := newStream(&recordingTransmitter{}, 4)

	go func() {
		segs := []inSegment{
			{data: []byte("hell"), first: true},
			{data: []byte("o wo")},
			{data: []byte("rld"), last: true},
			{data: []byte("foo"), first: true, last: true},
			{first: true, last: true},
		}
		for _, seg := range segs {
			if err := s.queue(seg); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for _, expected := range []string{"hello world", "foo", ""} {
		if data, err := io.ReadAll(s); err != nil {
			t.Fatal(err)
		} else if string(data) != expected {
			t.Fatalf("Expected %q, got %q", expected, data)
		}
	}
}

func TestStreamDiscardPartialMessage(t *testing.T) {
	s := newStream(&recordingTransmitter{}, 4)

	go func() {
		_ = s.queue(inSegment{data: []byte("part"), first: true})
		_ = s.queue(inSegment{data: []byte("full"), first: true, last: true})
	}()

	buf := make([]byte, 16)
	if n, err := s.Read(buf); err != nil || string(buf[:n]) != "part" {
		t.Fatalf("Expected first part, got %q and %v", buf[:n], err)
	}
	if _, err := s.Read(buf); !errors.Is(err, ErrMessageDiscarded) {
		t.Fatalf("Expected ErrMessageDiscarded, got %v", err)
	}

	if data, err := io.ReadAll(s); err != nil || string(data) != "full" {
		t.Fatalf("Expected next message, got %q and %v", data, err)
	}
}

func TestStreamDropsSegmentWithoutBeginning(t *testing.T) {
	s := newStream(&recordingTransmitter{}, 4)

	go func() {
		_ = s.queue(inSegment{data: []byte("lost"), last: true})
		_ = s.queue(inSegment{data: []byte("ok"), first: true, last: true})
	}()

	if data, err := io.ReadAll(s); err != nil || string(data) != "ok" {
		t.Fatalf("Expected second message, got %q and %v", data, err)
	}
}

func TestStreamAbort(t *testing.T) {
	s := newStream(&recordingTransmitter{}, 4)

	readErr := make(chan error)
	go func() {
		_, err := s.Read(make([]byte, 4))
		readErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Abort()
	s.Abort()

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrStreamAborted) {
			t.Fatalf("Expected ErrStreamAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read was not unblocked")
	}

	if _, err := s.Write([]byte("foo")); !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("Write: expected ErrStreamAborted, got %v", err)
	}
	if err := s.EndMessage(); !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("EndMessage: expected ErrStreamAborted, got %v", err)
	}
	if err := s.queue(inSegment{first: true, last: true}); !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("queue: expected ErrStreamAborted, got %v", err)
	}
}

func TestStreamQueueBlocksOnOccupiedSlot(t *testing.T) {
	s := newStream(&recordingTransmitter{}, 4)

	if err := s.queue(inSegment{data: []byte("a"), first: true, last: true}); err != nil {
		t.Fatal(err)
	}

	queued := make(chan error)
	go func() {
		queued <- s.queue(inSegment{data: []byte("b"), first: true, last: true})
	}()

	select {
	case <-queued:
		t.Fatal("queue did not block on an occupied slot")
	case <-time.After(20 * time.Millisecond):
	}

	if data, err := io.ReadAll(s); err != nil || string(data) != "a" {
		t.Fatalf("Expected first message, got %q and %v", data, err)
	}
	if err := <-queued; err != nil {
		t.Fatal(err)
	}
}

func TestStreamTransmitFailureAborts(t *testing.T) {
	rt := &recordingTransmitter{failAt: 2, failErr: ErrTransferFailed}
	s := newStream(rt, 4)

	_, err := s.Write([]byte("hello world"))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	if !s.Aborted() {
		t.Fatal("Stream was not aborted")
	}
}

func TestStreamWriteCountsConsumedBytes(t *testing.T) {
	tests := []struct {
		prefix string
		data   string
		failAt int
		n      int
	}{
		{"", "hello world", 1, 0},
		{"", "hello world", 2, 4},
		{"", "hello world, hi", 3, 8},
		{"ab", "cdefghijk", 1, 0},
		{"ab", "cdefghijk", 2, 2},
	}

	for _, test := range tests {
		rt := &recordingTransmitter{failAt: test.failAt, failErr: ErrTransferFailed}
		s := newStream(rt, 4)

		if test.prefix != "" {
			if _, err := s.Write([]byte(test.prefix)); err != nil {
				t.Fatal(err)
			}
		}

		n, err := s.Write([]byte(test.data))
		if !errors.Is(err, ErrTransferFailed) {
			t.Fatalf("%q+%q, fail at %d: expected ErrTransferFailed, got %v", test.prefix, test.data, test.failAt, err)
		}
		if n != test.n {
			t.Fatalf("%q+%q, fail at %d: expected %d written bytes, got %d", test.prefix, test.data, test.failAt, test.n, n)
		}
	}
}

func TestStreamRefusedMessage(t *testing.T) {
	rt := &recordingTransmitter{failAt: 2, failErr: ErrTransferRefused}
	s := newStream(rt, 4)

	if _, err := s.Write([]byte("hello world")); !errors.Is(err, ErrTransferRefused) {
		t.Fatalf("Expected ErrTransferRefused, got %v", err)
	}
	if s.Aborted() {
		t.Fatal("Stream was aborted by a refused message")
	}

	if _, err := s.Write([]byte("foo")); err != nil {
		t.Fatal(err)
	}
	if err := s.EndMessage(); err != nil {
		t.Fatal(err)
	}

	last := rt.segments[len(rt.segments)-1]
	if !last.first || !last.last || string(last.data) != "foo" {
		t.Fatalf("Next message was not sent as a new one: %v", last)
	}
}
