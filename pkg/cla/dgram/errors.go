// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamAborted is returned by every operation on an aborted Stream.
	ErrStreamAborted = errors.New("stream aborted")

	// ErrTransferFailed indicates an exhausted retry limit for a segment.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrTransferRefused indicates a message refused by the peer.
	ErrTransferRefused = errors.New("transfer refused by peer")

	// ErrConnectionClosed is the outcome of Jobs pending on a closed Connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLayerClosed is returned for Jobs queued to a closed Layer.
	ErrLayerClosed = errors.New("layer closed")

	// ErrMessageDiscarded is returned by Stream.Read if a partially read message
	// was superseded by a new first segment.
	ErrMessageDiscarded = errors.New("partial message discarded")
)

// SeqNoError is a protocol violation due to an unexpected sequence number.
type SeqNoError struct {
	Expected uint
	Received uint
}

func (e *SeqNoError) Error() string {
	return fmt.Sprintf("wrong sequence number received: expected %d, got %d", e.Expected, e.Received)
}

// TransportError is a failure of the underlying medium.
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError wraps an error of the Service's operation op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
