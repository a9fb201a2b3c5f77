// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dtn7/cboring"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// DefaultQueueSize is the default amount of Jobs waiting per Connection.
const DefaultQueueSize = 32

// Job is a message to be sent to a peer. Its outcome is available after Done
// was closed, either by Err or Wait.
type Job struct {
	ID      uuid.UUID
	Peer    string
	Message cboring.CborMarshaler

	once sync.Once
	done chan struct{}
	err  error
}

// NewJob for a message to a peer's identifier.
func NewJob(peer string, msg cboring.CborMarshaler) *Job {
	return &Job{
		ID:      uuid.New(),
		Peer:    peer,
		Message: msg,
		done:    make(chan struct{}),
	}
}

// finish this Job. Only the first call has an effect.
func (j *Job) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}

// Done is closed after the Job was finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err is the Job's outcome, nil on success. This must only be called after
// Done was closed.
func (j *Job) Err() error {
	return j.err
}

// Wait for the Job's outcome or the context's end.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(%v, %s)", j.ID, j.Peer)
}

// Sender works off queued Jobs one after another by serializing their
// messages into a Stream.
type Sender struct {
	stream   *Stream
	compress bool
	logger   *log.Entry

	// onFailure is called for each Job failed due to the transport.
	onFailure func(error)

	jobs chan *Job

	mutex   sync.Mutex
	stopped bool
	pending sync.WaitGroup

	stopSyn chan struct{}
	stopAck chan struct{}
}

func newSender(stream *Stream, queueSize int, compress bool, logger *log.Entry, onFailure func(error)) *Sender {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Sender{
		stream:    stream,
		compress:  compress,
		logger:    logger,
		onFailure: onFailure,

		jobs: make(chan *Job, queueSize),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// queue a Job. This blocks while the queue is full. If the Sender was or will be
// stopped before the Job was queued, it fails with ErrConnectionClosed.
func (s *Sender) queue(job *Job) error {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		job.finish(ErrConnectionClosed)
		return ErrConnectionClosed
	}
	s.pending.Add(1)
	s.mutex.Unlock()

	defer s.pending.Done()

	select {
	case s.jobs <- job:
		return nil

	case <-s.stopSyn:
		job.finish(ErrConnectionClosed)
		return ErrConnectionClosed
	}
}

func (s *Sender) run() {
	defer close(s.stopAck)

	for {
		select {
		case <-s.stopSyn:
			return

		case job := <-s.jobs:
			s.process(job)
		}
	}
}

func (s *Sender) process(job *Job) {
	_ = s.stream.writeError()

	err := s.write(job.Message)
	if err != nil {
		if streamErr := s.stream.writeError(); streamErr != nil {
			err = streamErr
		}
	}
	if errors.Is(err, ErrStreamAborted) {
		err = ErrConnectionClosed
	}

	logger := s.logger.WithField("job", job.ID)
	switch {
	case err == nil:
		logger.Debug("Job was sent")

	case errors.Is(err, ErrTransferRefused), errors.Is(err, ErrConnectionClosed):
		logger.WithError(err).Info("Job was not sent")

	default:
		logger.WithError(err).Warn("Job failed")
		if s.onFailure != nil {
			s.onFailure(err)
		}
	}

	job.finish(err)
}

// write a message into the Stream and terminate it.
func (s *Sender) write(msg cboring.CborMarshaler) (err error) {
	if s.compress {
		xzW, xzErr := xz.NewWriter(s.stream)
		if xzErr != nil {
			s.stream.ResetMessage()
			return xzErr
		}

		if err = cboring.Marshal(msg, xzW); err != nil {
			s.stream.ResetMessage()
			return
		}
		if err = xzW.Close(); err != nil {
			s.stream.ResetMessage()
			return
		}
	} else if err = cboring.Marshal(msg, s.stream); err != nil {
		s.stream.ResetMessage()
		return
	}

	return s.stream.EndMessage()
}

// stop the Sender and fail every queued Job. The Stream should be aborted
// first, otherwise a Job currently written blocks the stop.
func (s *Sender) stop() {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.stopped = true
	s.mutex.Unlock()

	close(s.stopSyn)
	<-s.stopAck
	s.pending.Wait()

	for {
		select {
		case job := <-s.jobs:
			job.finish(ErrConnectionClosed)
		default:
			return
		}
	}
}
