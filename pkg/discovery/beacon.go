// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/dtn7/dtn7-go/pkg/bpv7"
)

// ErrShortBeacon is returned for beacons without a node ID.
var ErrShortBeacon = errors.New("short beacon without node ID")

// Service offered by a node, e.g., a datagram Layer.
type Service struct {
	// Tag is the service's kind, e.g., "dgram:udp".
	Tag string `json:"tag"`

	// Description to contact this service, e.g., "ip=::1;port=5551;".
	Description string `json:"description"`
}

// MarshalCbor creates a CBOR representation for a Service.
func (s *Service) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(s.Tag, w); err != nil {
		return err
	}
	return cboring.WriteTextString(s.Description, w)
}

// UnmarshalCbor creates a Service from its CBOR representation.
func (s *Service) UnmarshalCbor(r io.Reader) (err error) {
	if l, lErr := cboring.ReadArrayLength(r); lErr != nil {
		return lErr
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	if s.Tag, err = cboring.ReadTextString(r); err != nil {
		return
	}
	s.Description, err = cboring.ReadTextString(r)
	return
}

func (s Service) String() string {
	return fmt.Sprintf("%s(%s)", s.Tag, s.Description)
}

// Beacon announces a node's services. A short Beacon lacks the node ID.
type Beacon struct {
	NodeID   bpv7.EndpointID
	Short    bool
	Services []Service
}

// MarshalCbor creates a CBOR representation for a Beacon.
func (b *Beacon) MarshalCbor(w io.Writer) error {
	arrLen := uint64(2)
	if b.Short {
		arrLen = 1
	}
	if err := cboring.WriteArrayLength(arrLen, w); err != nil {
		return err
	}

	if !b.Short {
		if err := cboring.Marshal(&b.NodeID, w); err != nil {
			return fmt.Errorf("marshalling node ID failed: %w", err)
		}
	}

	if err := cboring.WriteArrayLength(uint64(len(b.Services)), w); err != nil {
		return err
	}
	for i := range b.Services {
		if err := cboring.Marshal(&b.Services[i], w); err != nil {
			return fmt.Errorf("marshalling service %d failed: %w", i, err)
		}
	}

	return nil
}

// UnmarshalCbor creates a Beacon from its CBOR representation.
func (b *Beacon) UnmarshalCbor(r io.Reader) error {
	arrLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	switch arrLen {
	case 1:
		b.Short = true

	case 2:
		b.Short = false
		if err := cboring.Unmarshal(&b.NodeID, r); err != nil {
			return fmt.Errorf("unmarshalling node ID failed: %w", err)
		}

	default:
		return fmt.Errorf("wrong array length: %d instead of 1 or 2", arrLen)
	}

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	b.Services = make([]Service, n)
	for i := range b.Services {
		if err := cboring.Unmarshal(&b.Services[i], r); err != nil {
			return fmt.Errorf("unmarshalling service %d failed: %w", i, err)
		}
	}

	return nil
}

func (b Beacon) String() string {
	if b.Short {
		return fmt.Sprintf("Beacon(short, %v)", b.Services)
	}
	return fmt.Sprintf("Beacon(%v, %v)", b.NodeID, b.Services)
}

// MarshalBeacon into a CBOR byte string.
func MarshalBeacon(b Beacon) ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&b, buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// UnmarshalBeacon from a CBOR byte string.
func UnmarshalBeacon(data []byte) (b Beacon, err error) {
	err = cboring.Unmarshal(&b, bytes.NewBuffer(data))
	return
}
