// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package lowpan provides a dgram.Service for IEEE 802.15.4 like frames,
// addressed by a PAN ID and a short address, on top of a broadcast Radio.
package lowpan

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
)

// DefaultMTU of a frame, resulting in 113 bytes of payload per segment.
const DefaultMTU = 123

// EncodeIdentifier creates a peer identifier like "addr=0x0001;pan=0x0023;".
func EncodeIdentifier(addr, pan uint16) string {
	return fmt.Sprintf("addr=%#04x;pan=%#04x;", addr, pan)
}

// DecodeIdentifier parses a peer identifier created by EncodeIdentifier.
func DecodeIdentifier(identifier string) (addr, pan uint16, err error) {
	var hasAddr, hasPan bool

	for _, field := range strings.Split(identifier, ";") {
		if field == "" {
			continue
		}

		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			err = fmt.Errorf("malformed field %q in identifier %q", field, identifier)
			return
		}

		n, parseErr := strconv.ParseUint(kv[1], 0, 16)
		if parseErr != nil {
			err = fmt.Errorf("invalid value in identifier %q: %w", identifier, parseErr)
			return
		}

		switch kv[0] {
		case "addr":
			addr, hasAddr = uint16(n), true
		case "pan":
			pan, hasPan = uint16(n), true
		}
	}

	if !hasAddr || !hasPan {
		err = fmt.Errorf("identifier %q lacks address or PAN", identifier)
	}
	return
}

// Config of a LoWPAN Service.
type Config struct {
	// PAN is the personal area network's ID.
	PAN uint16

	// Address is this node's short address.
	Address uint16

	// MTU of a frame, DefaultMTU if zero. The Radio's MTU must not be smaller.
	MTU int

	// FlowControl defaults to dgram.FlowNone.
	FlowControl dgram.FlowControl

	// InitialTimeout and RetryLimit overwrite the defaults if not zero.
	InitialTimeout time.Duration
	RetryLimit     int
}

// Service sends and receives frames over a Radio.
type Service struct {
	conf   Config
	params dgram.Parameters
	open   func() (Radio, error)

	mutex sync.Mutex
	radio Radio
}

// NewService for a Radio, created by the open function on each Bind.
func NewService(conf Config, open func() (Radio, error)) (*Service, error) {
	if conf.MTU == 0 {
		conf.MTU = DefaultMTU
	}
	if conf.MTU <= frameOverhead {
		return nil, fmt.Errorf("MTU %d is too small", conf.MTU)
	}
	if conf.Address == BroadcastAddress {
		return nil, fmt.Errorf("address %#04x is reserved for broadcasts", conf.Address)
	}

	params := dgram.Parameters{
		FlowControl:    conf.FlowControl,
		MaxSeqNumbers:  8,
		MaxMsgLength:   conf.MTU - frameOverhead,
		InitialTimeout: dgram.DefaultParameters().InitialTimeout,
		RetryLimit:     dgram.DefaultParameters().RetryLimit,
	}
	if conf.InitialTimeout != 0 {
		params.InitialTimeout = conf.InitialTimeout
	}
	if conf.RetryLimit != 0 {
		params.RetryLimit = conf.RetryLimit
	}

	return &Service{
		conf:   conf,
		params: params,
		open:   open,
	}, nil
}

func (s *Service) Bind() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.radio != nil {
		return dgram.NewTransportError("bind", fmt.Errorf("radio is already open"))
	}

	radio, err := s.open()
	if err != nil {
		return dgram.NewTransportError("bind", err)
	}

	if radio.MTU() < s.conf.MTU {
		_ = radio.Close()
		return dgram.NewTransportError("bind",
			fmt.Errorf("radio's MTU of %d is smaller than %d", radio.MTU(), s.conf.MTU))
	}

	s.radio = radio
	return nil
}

func (s *Service) Shutdown() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.radio == nil {
		return nil
	}

	err := s.radio.Close()
	s.radio = nil
	return err
}

func (s *Service) currentRadio() (Radio, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.radio == nil {
		return nil, fmt.Errorf("radio is closed")
	}
	return s.radio, nil
}

func (s *Service) transmit(t dgram.HeaderType, f dgram.Flags, seqNo uint, dst uint16, payload []byte) error {
	if len(payload) > s.params.MaxMsgLength {
		return fmt.Errorf("payload of %d bytes exceeds maximum of %d bytes", len(payload), s.params.MaxMsgLength)
	}

	radio, err := s.currentRadio()
	if err != nil {
		return dgram.NewTransportError("send", err)
	}

	fr := frame{
		pan:     s.conf.PAN,
		dst:     dst,
		src:     s.conf.Address,
		t:       t,
		flags:   f,
		seqNo:   seqNo,
		payload: payload,
	}
	if err := radio.Send(fr.marshal()); err != nil {
		return dgram.NewTransportError("send", err)
	}
	return nil
}

func (s *Service) Send(t dgram.HeaderType, f dgram.Flags, seqNo uint, peer string, payload []byte) error {
	addr, pan, err := DecodeIdentifier(peer)
	if err != nil {
		return err
	}
	if pan != s.conf.PAN {
		return fmt.Errorf("peer %s is not within PAN %#04x", peer, s.conf.PAN)
	}

	return s.transmit(t, f, seqNo, addr, payload)
}

func (s *Service) Broadcast(t dgram.HeaderType, f dgram.Flags, seqNo uint, payload []byte) error {
	return s.transmit(t, f, seqNo, BroadcastAddress, payload)
}

func (s *Service) Receive() (dgram.Datagram, error) {
	radio, err := s.currentRadio()
	if err != nil {
		return dgram.Datagram{}, dgram.NewTransportError("receive", err)
	}

	for {
		data, err := radio.Receive()
		if err != nil {
			return dgram.Datagram{}, dgram.NewTransportError("receive", err)
		}

		fr, err := unmarshalFrame(data)
		if err != nil {
			log.WithError(err).Debug("Dropping malformed frame")
			continue
		}

		if fr.pan != s.conf.PAN || fr.src == s.conf.Address ||
			(fr.dst != s.conf.Address && fr.dst != BroadcastAddress) {
			continue
		}

		return dgram.Datagram{
			Type:    fr.t,
			Flags:   fr.flags,
			SeqNo:   fr.seqNo,
			Peer:    EncodeIdentifier(fr.src, fr.pan),
			Payload: fr.payload,
		}, nil
	}
}

func (s *Service) Parameters() dgram.Parameters {
	return s.params
}

func (s *Service) Kind() dgram.ServiceKind {
	return dgram.KindLowpan
}

// Description is this node's identifier.
func (s *Service) Description() string {
	return EncodeIdentifier(s.conf.Address, s.conf.PAN)
}
