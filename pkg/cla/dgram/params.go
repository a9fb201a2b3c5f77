// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// FlowControl describes the reliability scheme of a Connection.
type FlowControl uint8

const (
	// FlowNone sends each segment exactly once without waiting for ACKs.
	FlowNone FlowControl = 0

	// FlowStopAndWait allows only one unacknowledged segment per Connection.
	FlowStopAndWait FlowControl = 1
)

// ParseFlowControl from its textual representation, "none" or "stopandwait".
func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(s) {
	case "none":
		return FlowNone, nil
	case "stopandwait", "stop-and-wait":
		return FlowStopAndWait, nil
	default:
		return FlowNone, fmt.Errorf("unknown flow control %q", s)
	}
}

func (fc FlowControl) String() string {
	switch fc {
	case FlowNone:
		return "none"
	case FlowStopAndWait:
		return "stopandwait"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(fc))
	}
}

// maxWireSeqNumbers is the limit due to the four bit sequence number field.
const maxWireSeqNumbers = 16

// Parameters are the static connection parameters of a Service.
type Parameters struct {
	FlowControl FlowControl

	// MaxSeqNumbers is the amount of distinct sequence numbers; a sequence
	// number is always within [0, MaxSeqNumbers).
	MaxSeqNumbers uint

	// MaxMsgLength is the maximum payload size of a single segment.
	MaxMsgLength int

	// InitialTimeout is both the initial average round-trip time and the lower
	// bound for the retransmission timeout.
	InitialTimeout time.Duration

	// RetryLimit is the amount of transmissions of a segment before giving up.
	RetryLimit int
}

// DefaultParameters returns the fallback Parameters.
func DefaultParameters() Parameters {
	return Parameters{
		FlowControl:    FlowNone,
		MaxSeqNumbers:  2,
		MaxMsgLength:   1024,
		InitialTimeout: 50 * time.Millisecond,
		RetryLimit:     5,
	}
}

// CheckValid returns an error for invalid Parameters, listing every violation.
func (p Parameters) CheckValid() (errs error) {
	if p.FlowControl != FlowNone && p.FlowControl != FlowStopAndWait {
		errs = multierror.Append(errs, fmt.Errorf("unsupported flow control %v", p.FlowControl))
	}
	if p.MaxSeqNumbers < 2 || p.MaxSeqNumbers > maxWireSeqNumbers {
		errs = multierror.Append(errs,
			fmt.Errorf("max sequence numbers must be within [2, %d], not %d", maxWireSeqNumbers, p.MaxSeqNumbers))
	}
	if p.MaxMsgLength <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max message length must be positive, not %d", p.MaxMsgLength))
	}
	if p.InitialTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("initial timeout must be positive, not %v", p.InitialTimeout))
	}
	if p.FlowControl == FlowStopAndWait && p.RetryLimit <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("retry limit must be positive, not %d", p.RetryLimit))
	}
	return
}

// nextSeqNo returns the succeeding sequence number.
func (p Parameters) nextSeqNo(seqNo uint) uint {
	return (seqNo + 1) % p.MaxSeqNumbers
}

func (p Parameters) String() string {
	return fmt.Sprintf("Parameters(flow: %v, seqnos: %d, msglen: %d, timeout: %v, retries: %d)",
		p.FlowControl, p.MaxSeqNumbers, p.MaxMsgLength, p.InitialTimeout, p.RetryLimit)
}
