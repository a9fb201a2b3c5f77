// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import "fmt"

// ServiceKind enumerates the known kinds of Services.
type ServiceKind uint8

const (
	// KindUDP is a Service based on UDP datagrams.
	KindUDP ServiceKind = iota

	// KindLowpan is a Service based on IEEE 802.15.4 like radio frames.
	KindLowpan
)

// ParseServiceKind from a configuration string or service tag.
func ParseServiceKind(s string) (ServiceKind, error) {
	switch s {
	case "udp", "dgram:udp":
		return KindUDP, nil
	case "lowpan", "dgram:lowpan":
		return KindLowpan, nil
	default:
		return 0, fmt.Errorf("unknown datagram service kind %q", s)
	}
}

// String returns the service tag, used within discovery beacons.
func (k ServiceKind) String() string {
	switch k {
	case KindUDP:
		return "dgram:udp"
	case KindLowpan:
		return "dgram:lowpan"
	default:
		return fmt.Sprintf("dgram:unknown(%d)", uint8(k))
	}
}

// Service is a datagram based transport medium. One Service is shared by all
// Connections of a Layer. Peers are addressed by an opaque, Service specific
// identifier string.
//
// The Layer serializes all calls of Send and Broadcast. Receive is only called
// from the Layer's receiving goroutine.
type Service interface {
	// Bind opens the medium. The returned error should be a *TransportError.
	Bind() error

	// Shutdown closes the medium and unblocks pending Send or Receive calls.
	Shutdown() error

	// Send a datagram to a specific peer.
	Send(t HeaderType, f Flags, seqNo uint, peer string, payload []byte) error

	// Broadcast a datagram to all neighbors.
	Broadcast(t HeaderType, f Flags, seqNo uint, payload []byte) error

	// Receive blocks until the next datagram arrives. After Shutdown, an error
	// must be returned. The Datagram's payload is owned by the caller.
	Receive() (Datagram, error)

	// Parameters for all Connections of this Service.
	Parameters() Parameters

	// Kind of this Service.
	Kind() ServiceKind

	// Description of the local address, to be announced in discovery beacons.
	Description() string
}
