// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"fmt"

	"github.com/dtn7/cboring"
)

// ConvergenceMessageType indicates the kind of a ConvergenceStatus.
type ConvergenceMessageType uint

const (
	_ ConvergenceMessageType = iota

	// ReceivedMessage shows the reception of a message. The Message's type must
	// be a ConvergenceReceivedMessage struct.
	ReceivedMessage

	// PeerDisappeared shows the disappearance of a peer. The Message's type must
	// be the peer's identifier as a string.
	PeerDisappeared

	// PeerAppeared shows the appearance of a peer. The Message's type must be
	// the peer's identifier as a string.
	PeerAppeared

	// ConvergenceFailed shows a fatal error of the Convergence itself, e.g., a
	// broken transport. The Message's type must be an error. The Manager
	// restarts a failed Convergence.
	ConvergenceFailed
)

func (cms ConvergenceMessageType) String() string {
	switch cms {
	case ReceivedMessage:
		return "Received Message"
	case PeerDisappeared:
		return "Peer Disappeared"
	case PeerAppeared:
		return "Peer Appeared"
	case ConvergenceFailed:
		return "Convergence Failed"
	default:
		return "Unknown Type"
	}
}

// ConvergenceStatus allows transmission of information via a return channel
// from a Convergence instance.
type ConvergenceStatus struct {
	Sender      Convergence
	MessageType ConvergenceMessageType
	Message     interface{}
}

func (cs ConvergenceStatus) String() string {
	return fmt.Sprintf("%v-Convergence Status from %v", cs.MessageType, cs.Sender)
}

// ConvergenceReceivedMessage is the Message content for a ConvergenceStatus
// of the ReceivedMessage MessageType.
type ConvergenceReceivedMessage struct {
	// Peer is the transport specific identifier of the sending peer.
	Peer string

	// Message is the deserialized message, e.g., a *bpv7.Bundle.
	Message cboring.CborMarshaler
}

// NewConvergenceReceivedMessage creates a new ConvergenceStatus for a
// ReceivedMessage type, transmitting both peer identifier and message.
func NewConvergenceReceivedMessage(sender Convergence, peer string, msg cboring.CborMarshaler) ConvergenceStatus {
	return ConvergenceStatus{
		Sender:      sender,
		MessageType: ReceivedMessage,
		Message: ConvergenceReceivedMessage{
			Peer:    peer,
			Message: msg,
		},
	}
}

// NewConvergencePeerDisappeared creates a new ConvergenceStatus for a
// PeerDisappeared type, transmitting the disappeared peer's identifier.
func NewConvergencePeerDisappeared(sender Convergence, peer string) ConvergenceStatus {
	return ConvergenceStatus{
		Sender:      sender,
		MessageType: PeerDisappeared,
		Message:     peer,
	}
}

// NewConvergencePeerAppeared creates a new ConvergenceStatus for a
// PeerAppeared type, transmitting the appeared peer's identifier.
func NewConvergencePeerAppeared(sender Convergence, peer string) ConvergenceStatus {
	return ConvergenceStatus{
		Sender:      sender,
		MessageType: PeerAppeared,
		Message:     peer,
	}
}

// NewConvergenceFailed creates a new ConvergenceStatus for a ConvergenceFailed
// type, transmitting the causing error.
func NewConvergenceFailed(sender Convergence, err error) ConvergenceStatus {
	return ConvergenceStatus{
		Sender:      sender,
		MessageType: ConvergenceFailed,
		Message:     err,
	}
}
