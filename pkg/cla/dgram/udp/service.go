// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package udp provides a dgram.Service on top of UDP datagrams.
//
// Each datagram starts with a two byte header: the header type followed by the
// flags in the upper and the sequence number in the lower nibble. Beacons are
// sent to the IPv6 all-nodes multicast address ff02::1 by default.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
)

const (
	// DefaultMTU of a UDP datagram, the IPv6 minimum MTU.
	DefaultMTU = 1280

	// BroadcastPort is the default destination port of beacons.
	BroadcastPort = 5551

	headerLength = 2
)

// Config of a UDP Service.
type Config struct {
	// Address to listen on, e.g., "[::]:5551".
	Address string

	// Interface for multicast beacons. Might be empty for the system's default.
	Interface string

	// Broadcast destination of beacons, e.g., "[ff02::1]:5551" or
	// "255.255.255.255:5551". Defaults to ff02::1 at the BroadcastPort.
	Broadcast string

	// MTU of the medium, DefaultMTU if zero.
	MTU int

	// InitialTimeout and RetryLimit overwrite the defaults if not zero.
	InitialTimeout time.Duration
	RetryLimit     int
}

// Service sends and receives datagrams over a UDP socket.
type Service struct {
	conf      Config
	params    dgram.Parameters
	iface     *net.Interface
	broadcast *net.UDPAddr

	mutex sync.Mutex
	conn  net.PacketConn
}

// NewService creates a new UDP Service. The socket is opened by Bind.
func NewService(conf Config) (*Service, error) {
	if conf.MTU == 0 {
		conf.MTU = DefaultMTU
	}
	if conf.MTU <= headerLength {
		return nil, fmt.Errorf("MTU %d is too small", conf.MTU)
	}
	if conf.Address == "" {
		conf.Address = fmt.Sprintf(":%d", BroadcastPort)
	}

	params := dgram.Parameters{
		FlowControl:    dgram.FlowStopAndWait,
		MaxSeqNumbers:  8,
		MaxMsgLength:   conf.MTU - headerLength,
		InitialTimeout: dgram.DefaultParameters().InitialTimeout,
		RetryLimit:     dgram.DefaultParameters().RetryLimit,
	}
	if conf.InitialTimeout != 0 {
		params.InitialTimeout = conf.InitialTimeout
	}
	if conf.RetryLimit != 0 {
		params.RetryLimit = conf.RetryLimit
	}

	s := &Service{
		conf:   conf,
		params: params,
	}

	if conf.Interface != "" {
		iface, err := net.InterfaceByName(conf.Interface)
		if err != nil {
			return nil, fmt.Errorf("unknown interface %q: %w", conf.Interface, err)
		}
		s.iface = iface
	}

	if conf.Broadcast == "" {
		s.broadcast = &net.UDPAddr{IP: net.IPv6linklocalallnodes, Port: BroadcastPort, Zone: conf.Interface}
	} else if addr, err := net.ResolveUDPAddr("udp", conf.Broadcast); err != nil {
		return nil, fmt.Errorf("invalid broadcast address %q: %w", conf.Broadcast, err)
	} else {
		s.broadcast = addr
	}

	return s, nil
}

// socketControl allows address reuse and broadcasts on a new socket.
func socketControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

func (s *Service) Bind() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn != nil {
		return dgram.NewTransportError("bind", fmt.Errorf("%s is already bound", s.conf.Address))
	}

	lc := net.ListenConfig{Control: socketControl}
	conn, err := lc.ListenPacket(context.Background(), "udp", s.conf.Address)
	if err != nil {
		return dgram.NewTransportError("bind", err)
	}

	if s.broadcast.IP.IsMulticast() {
		if err := s.joinGroup(conn); err != nil {
			_ = conn.Close()
			return dgram.NewTransportError("join multicast group", err)
		}
	}

	log.WithFields(log.Fields{
		"address":   conn.LocalAddr(),
		"broadcast": s.broadcast,
	}).Debug("UDP datagram service is bound")

	s.conn = conn
	return nil
}

func (s *Service) joinGroup(conn net.PacketConn) error {
	group := &net.UDPAddr{IP: s.broadcast.IP}

	if s.broadcast.IP.To4() != nil {
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(s.iface, group); err != nil {
			return err
		}
		if s.iface != nil {
			if err := p.SetMulticastInterface(s.iface); err != nil {
				return err
			}
		}
		return p.SetMulticastLoopback(false)
	}

	p := ipv6.NewPacketConn(conn)
	if err := p.JoinGroup(s.iface, group); err != nil {
		return err
	}
	if s.iface != nil {
		if err := p.SetMulticastInterface(s.iface); err != nil {
			return err
		}
	}
	return p.SetMulticastLoopback(false)
}

func (s *Service) Shutdown() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Service) socket() (net.PacketConn, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn == nil {
		return nil, net.ErrClosed
	}
	return s.conn, nil
}

func (s *Service) write(t dgram.HeaderType, f dgram.Flags, seqNo uint, addr *net.UDPAddr, payload []byte) error {
	if len(payload) > s.params.MaxMsgLength {
		return fmt.Errorf("payload of %d bytes exceeds maximum of %d bytes", len(payload), s.params.MaxMsgLength)
	}

	conn, err := s.socket()
	if err != nil {
		return dgram.NewTransportError("send", err)
	}

	buf := make([]byte, headerLength+len(payload))
	buf[0] = byte(t)
	buf[1] = byte(f)<<4 | byte(seqNo&0x0f)
	copy(buf[headerLength:], payload)

	if _, err := conn.WriteTo(buf, addr); err != nil {
		return dgram.NewTransportError("send", err)
	}
	return nil
}

func (s *Service) Send(t dgram.HeaderType, f dgram.Flags, seqNo uint, peer string, payload []byte) error {
	addr, err := DecodeIdentifier(peer)
	if err != nil {
		return err
	}
	return s.write(t, f, seqNo, addr, payload)
}

func (s *Service) Broadcast(t dgram.HeaderType, f dgram.Flags, seqNo uint, payload []byte) error {
	return s.write(t, f, seqNo, s.broadcast, payload)
}

func (s *Service) Receive() (dgram.Datagram, error) {
	conn, err := s.socket()
	if err != nil {
		return dgram.Datagram{}, dgram.NewTransportError("receive", err)
	}

	buf := make([]byte, s.conf.MTU)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return dgram.Datagram{}, dgram.NewTransportError("receive", err)
		}

		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			return dgram.Datagram{}, dgram.NewTransportError("receive",
				fmt.Errorf("unexpected address type %T", from))
		}

		if n < headerLength {
			log.WithField("peer", udpAddr).Debug("Dropping too short UDP datagram")
			continue
		}

		payload := make([]byte, n-headerLength)
		copy(payload, buf[headerLength:n])

		return dgram.Datagram{
			Type:    dgram.HeaderType(buf[0]),
			Flags:   dgram.Flags(buf[1] >> 4),
			SeqNo:   uint(buf[1] & 0x0f),
			Peer:    EncodeIdentifier(udpAddr),
			Payload: payload,
		}, nil
	}
}

func (s *Service) Parameters() dgram.Parameters {
	return s.params
}

func (s *Service) Kind() dgram.ServiceKind {
	return dgram.KindUDP
}

// Description is the configured listening address.
func (s *Service) Description() string {
	return s.conf.Address
}

// LocalAddr of the bound socket.
func (s *Service) LocalAddr() (*net.UDPAddr, error) {
	conn, err := s.socket()
	if err != nil {
		return nil, err
	}

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("socket has no UDP address")
	}
	return addr, nil
}
