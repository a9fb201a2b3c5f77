// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"fmt"
	"strings"
)

// HeaderType identifies the kind of a Datagram.
type HeaderType uint8

const (
	// HeaderBroadcast is a discovery beacon.
	HeaderBroadcast HeaderType = 1

	// HeaderSegment carries a part of a message.
	HeaderSegment HeaderType = 2

	// HeaderAck acknowledges the segment of the same sequence number.
	HeaderAck HeaderType = 4

	// HeaderNack refuses the segment of the same sequence number.
	HeaderNack HeaderType = 8
)

func (t HeaderType) String() string {
	switch t {
	case HeaderBroadcast:
		return "BROADCAST"
	case HeaderSegment:
		return "SEGMENT"
	case HeaderAck:
		return "ACK"
	case HeaderNack:
		return "NACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Flags of a Datagram. For segments, the flags describe the position within
// its message. For NACKs, NackTemporary distinguishes temporary refusals.
type Flags uint8

const (
	SegmentMiddle Flags = 0x00
	SegmentLast   Flags = 0x01
	SegmentFirst  Flags = 0x02

	// NackTemporary marks a NACK as temporary, the segment should be resent
	// after the regular timeout.
	NackTemporary Flags = 0x04
)

// segmentFlags for a segment's position within its message.
func segmentFlags(first, last bool) (f Flags) {
	if first {
		f |= SegmentFirst
	}
	if last {
		f |= SegmentLast
	}
	return
}

// First checks if the first segment flag is set.
func (f Flags) First() bool {
	return f&SegmentFirst != 0
}

// Last checks if the last segment flag is set.
func (f Flags) Last() bool {
	return f&SegmentLast != 0
}

// Temporary checks if the temporary NACK flag is set.
func (f Flags) Temporary() bool {
	return f&NackTemporary != 0
}

func (f Flags) String() string {
	var parts []string
	if f.First() {
		parts = append(parts, "FIRST")
	}
	if f.Last() {
		parts = append(parts, "LAST")
	}
	if f.Temporary() {
		parts = append(parts, "TEMPORARY")
	}
	if len(parts) == 0 {
		return "MIDDLE"
	}
	return strings.Join(parts, "|")
}

// Datagram is a single received unit of a Service.
type Datagram struct {
	Type    HeaderType
	Flags   Flags
	SeqNo   uint
	Peer    string
	Payload []byte
}

func (d Datagram) String() string {
	return fmt.Sprintf("Datagram(%v, %v, seqno: %d, peer: %s, len: %d)",
		d.Type, d.Flags, d.SeqNo, d.Peer, len(d.Payload))
}
