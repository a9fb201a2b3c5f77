// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// blockingTransmitter blocks every transmission until it is released.
type blockingTransmitter struct {
	started chan struct{}
	release chan struct{}
}

func (bt *blockingTransmitter) transmit(_ []byte, _, _ bool) error {
	select {
	case bt.started <- struct{}{}:
	default:
	}

	<-bt.release
	return ErrConnectionClosed
}

// messages reassembles all messages of the recorded segments.
func (rt *recordingTransmitter) messages() (msgs [][]byte) {
	var buf []byte
	for _, seg := range rt.segments {
		if seg.first {
			buf = nil
		}
		buf = append(buf, seg.data...)
		if seg.last {
			msgs = append(msgs, buf)
		}
	}
	return
}

func TestSenderJobs(t *testing.T) {
	tests := []struct {
		compress bool
	}{
		{false},
		{true},
	}

	for _, test := range tests {
		rt := &recordingTransmitter{}
		s := newSender(newStream(rt, 32), 8, test.compress, log.WithField("test", true), nil)
		go s.run()

		var jobs []*Job
		for i := 0; i < 5; i++ {
			msg := &testMessage{Data: bytes.Repeat([]byte{byte(i)}, 100*i)}
			job := NewJob("peer", msg)
			if err := s.queue(job); err != nil {
				t.Fatal(err)
			}
			jobs = append(jobs, job)
		}

		for _, job := range jobs {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := job.Wait(ctx); err != nil {
				t.Fatalf("Job %v failed: %v", job, err)
			}
			cancel()
		}
		s.stop()

		msgs := rt.messages()
		if len(msgs) != len(jobs) {
			t.Fatalf("Expected %d messages, got %d", len(jobs), len(msgs))
		}

		for i, data := range msgs {
			var r io.Reader = bytes.NewReader(data)
			if test.compress {
				xzR, err := xz.NewReader(r)
				if err != nil {
					t.Fatal(err)
				}
				r = xzR
			}

			var msg testMessage
			if err := cboring.Unmarshal(&msg, r); err != nil {
				t.Fatal(err)
			}
			if !msg.equals(jobs[i].Message.(*testMessage)) {
				t.Fatalf("Message %d differs", i)
			}
		}
	}
}

func TestSenderStopFailsJobs(t *testing.T) {
	bt := &blockingTransmitter{started: make(chan struct{}, 1), release: make(chan struct{})}
	stream := newStream(bt, 32)
	s := newSender(stream, 4, false, log.WithField("test", true), nil)
	go s.run()

	var jobs []*Job
	for i := 0; i < 4; i++ {
		job := NewJob("peer", &testMessage{Data: []byte("hello world")})
		if err := s.queue(job); err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, job)
	}

	<-bt.started
	stream.Abort()
	close(bt.release)
	s.stop()

	for _, job := range jobs {
		select {
		case <-job.Done():
			if !errors.Is(job.Err(), ErrConnectionClosed) {
				t.Fatalf("Job %v: expected ErrConnectionClosed, got %v", job, job.Err())
			}
		case <-time.After(time.Second):
			t.Fatalf("Job %v was not finished", job)
		}
	}

	late := NewJob("peer", &testMessage{})
	if err := s.queue(late); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Expected ErrConnectionClosed, got %v", err)
	}
	if !errors.Is(late.Err(), ErrConnectionClosed) {
		t.Fatalf("Late job: expected ErrConnectionClosed, got %v", late.Err())
	}
}

func TestSenderReportsFailure(t *testing.T) {
	rt := &recordingTransmitter{failAt: 1, failErr: ErrTransferFailed}

	failures := make(chan error, 1)
	s := newSender(newStream(rt, 32), 4, false, log.WithField("test", true), func(err error) {
		failures <- err
	})
	go s.run()
	defer s.stop()

	job := NewJob("peer", &testMessage{Data: []byte("hello")})
	if err := s.queue(job); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := job.Wait(ctx); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	if err := <-failures; !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Expected reported ErrTransferFailed, got %v", err)
	}
}

func TestJobWaitContext(t *testing.T) {
	job := NewJob("peer", &testMessage{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := job.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline, got %v", err)
	}

	job.finish(nil)
	job.finish(ErrTransferFailed)
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Expected first outcome, got %v", err)
	}
}
