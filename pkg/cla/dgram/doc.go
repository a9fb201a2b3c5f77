// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package dgram implements a reliable convergence layer on top of unreliable,
// MTU-limited datagram services, e.g., UDP or IEEE 802.15.4 radios.
//
// A Layer owns one Service and demultiplexes its incoming datagrams by the
// peer's identifier to Connections. Each Connection owns a Stream, which
// segments outgoing messages into datagrams tagged as first, middle or last
// segment and reassembles incoming segments into a byte stream, and a Sender,
// which writes one queued Job after another into this Stream.
//
// Under stop-and-wait flow control, exactly one segment per Connection is
// unacknowledged at any time. Lost segments are retransmitted after an
// adaptive timeout, derived from an average round-trip time.
//
//	Layer ─┬─ Connection(peer A) ── Stream ── Sender ── Job, Job, ...
//	       └─ Connection(peer B) ── Stream ── Sender ── Job, ...
//
// Each datagram carries a type, flags and a sequence number. How those are
// encoded on the medium is up to the concrete Service.
package dgram
