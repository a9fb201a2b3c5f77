// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"errors"
	"io"
	"sync"
)

// segmentTransmitter sends one segment and blocks until it was delivered
// according to the flow control, e.g., until its ACK arrived.
type segmentTransmitter interface {
	transmit(data []byte, first, last bool) error
}

// inSegment is an incoming segment, handed from the Layer's goroutine to the
// Stream's reader.
type inSegment struct {
	data  []byte
	first bool
	last  bool

	// tag identifies the message this segment belongs to.
	tag uint64
}

// Stream is a blocking byte stream over segments.
//
// Outgoing messages are written by Write and terminated by EndMessage. They are
// cut into segments of at most the maximum message length, each one passed
// to the segmentTransmitter. Write and EndMessage block until each emitted
// segment was transmitted successfully.
//
// Incoming segments are queued one at a time and read by Read. After the last
// segment of a message was read, Read returns io.EOF once and continues with
// the next message afterwards.
//
// The write side must only be used by one goroutine, the read side as well.
// Abort might be called from everywhere.
type Stream struct {
	conn   segmentTransmitter
	maxLen int

	// Write side
	outBuf   []byte
	outFirst bool
	outErr   error

	// Read side
	inChan    chan inSegment
	inBuf     []byte
	inLast    bool
	inMessage bool
	inEOF     bool
	inTag     uint64
	inPending *inSegment

	abortOnce sync.Once
	abortChan chan struct{}
}

// newStream for a segmentTransmitter and a maximum segment length.
func newStream(conn segmentTransmitter, maxLen int) *Stream {
	return &Stream{
		conn:   conn,
		maxLen: maxLen,

		outBuf:   make([]byte, 0, 2*maxLen),
		outFirst: true,

		inChan: make(chan inSegment, 1),

		abortChan: make(chan struct{}),
	}
}

// Abort this Stream. All pending and future operations fail with ErrStreamAborted.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() {
		close(s.abortChan)
	})
}

// Aborted checks if this Stream was aborted.
func (s *Stream) Aborted() bool {
	select {
	case <-s.abortChan:
		return true
	default:
		return false
	}
}

// Write bytes of the current outgoing message.
func (s *Stream) Write(p []byte) (n int, err error) {
	if s.Aborted() {
		s.outErr = ErrStreamAborted
		return 0, ErrStreamAborted
	}

	buffered := len(s.outBuf)
	s.outBuf = append(s.outBuf, p...)

	// A full segment is held back until more data follows, because it might be
	// the message's last one.
	for sent := 0; len(s.outBuf) > s.maxLen; sent += s.maxLen {
		if err = s.emit(s.outBuf[:s.maxLen], false); err != nil {
			// Bytes of p within already emitted segments were consumed.
			if n = sent - buffered; n < 0 {
				n = 0
			}
			return n, err
		}
		s.outBuf = s.outBuf[:copy(s.outBuf, s.outBuf[s.maxLen:])]
	}

	return len(p), nil
}

// EndMessage flushes the remaining bytes as the current message's last segment.
func (s *Stream) EndMessage() error {
	if s.Aborted() {
		return ErrStreamAborted
	}

	err := s.emit(s.outBuf, true)
	s.outBuf = s.outBuf[:0]
	return err
}

// ResetMessage drops the buffered bytes of the current outgoing message. The
// next Write starts a new message.
func (s *Stream) ResetMessage() {
	s.outBuf = s.outBuf[:0]
	s.outFirst = true
}

// writeError returns and clears the last error of the write side. Serializers
// might not pass errors of the underlying Writer unaltered.
func (s *Stream) writeError() (err error) {
	err, s.outErr = s.outErr, nil
	return
}

// emit one segment. A refused message is reset, every other error aborts.
func (s *Stream) emit(data []byte, last bool) error {
	first := s.outFirst

	segment := make([]byte, len(data))
	copy(segment, data)

	if err := s.conn.transmit(segment, first, last); err != nil {
		s.outErr = err
		if errors.Is(err, ErrTransferRefused) {
			s.ResetMessage()
		} else {
			s.Abort()
		}
		return err
	}

	s.outFirst = last
	return nil
}

// queue an incoming segment. This blocks until the previous segment was
// picked up by a reader or the Stream was aborted.
func (s *Stream) queue(seg inSegment) error {
	if s.Aborted() {
		return ErrStreamAborted
	}

	select {
	case s.inChan <- seg:
		return nil
	case <-s.abortChan:
		return ErrStreamAborted
	}
}

// nextSegment blocks until the next incoming segment is available.
func (s *Stream) nextSegment() (inSegment, error) {
	if s.inPending != nil {
		seg := *s.inPending
		s.inPending = nil
		return seg, nil
	}

	if s.Aborted() {
		return inSegment{}, ErrStreamAborted
	}

	select {
	case seg := <-s.inChan:
		return seg, nil
	case <-s.abortChan:
		return inSegment{}, ErrStreamAborted
	}
}

// Read bytes of the current incoming message.
func (s *Stream) Read(p []byte) (n int, err error) {
	if s.inEOF {
		s.inEOF = false
		return 0, io.EOF
	}

	for len(s.inBuf) == 0 {
		seg, segErr := s.nextSegment()
		if segErr != nil {
			return 0, segErr
		}

		if seg.first {
			if s.inMessage {
				s.inPending = &seg
				s.inMessage = false
				s.inLast = false
				return 0, ErrMessageDiscarded
			}
			s.inMessage = true
			s.inTag = seg.tag
		} else if !s.inMessage {
			// Segment without a known beginning.
			continue
		}

		s.inBuf = seg.data
		s.inLast = seg.last

		if len(s.inBuf) == 0 && s.inLast {
			s.inMessage = false
			s.inLast = false
			return 0, io.EOF
		}
	}

	n = copy(p, s.inBuf)
	s.inBuf = s.inBuf[n:]

	if len(s.inBuf) == 0 && s.inLast {
		s.inMessage = false
		s.inLast = false
		s.inEOF = true
	}
	return n, nil
}

// messageTag of the incoming message currently read.
func (s *Stream) messageTag() uint64 {
	return s.inTag
}

// messageReader reads one incoming message of a Stream. After the first error,
// e.g., io.EOF at the message's end, it keeps returning this error.
type messageReader struct {
	s   *Stream
	err error
}

func (mr *messageReader) Read(p []byte) (n int, err error) {
	if mr.err != nil {
		return 0, mr.err
	}

	n, err = mr.s.Read(p)
	mr.err = err
	return
}
