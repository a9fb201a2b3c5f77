// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dgram

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/dtn7/cboring"
)

// testMessage is a simple CBOR message. Its decoding fails if Fail is set.
type testMessage struct {
	Fail bool
	Data []byte
}

func newTestMessage() cboring.CborMarshaler {
	return &testMessage{}
}

func (tm *testMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(tm.Fail, w); err != nil {
		return err
	}
	return cboring.WriteByteString(tm.Data, w)
}

func (tm *testMessage) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("expected array of length 2, got %d", n)
	}

	if tm.Fail, err = cboring.ReadBoolean(r); err != nil {
		return
	} else if tm.Fail {
		return fmt.Errorf("message refuses to be decoded")
	}

	tm.Data, err = cboring.ReadByteString(r)
	return
}

func (tm *testMessage) equals(other *testMessage) bool {
	return tm.Fail == other.Fail && bytes.Equal(tm.Data, other.Data)
}

// dummyHub connects multiple dummyServices and helps mocking a datagram medium.
type dummyHub struct {
	mutex    sync.Mutex
	services map[string]*dummyService

	// drop decides if a datagram should get lost.
	drop func(from, to string, dg Datagram) bool

	// history of all datagrams sent through this hub, Peer is the recipient.
	history []Datagram
}

func newDummyHub() *dummyHub {
	return &dummyHub{services: make(map[string]*dummyService)}
}

// newDummyHubDrop creates a new dummyHub which drops each nth datagram.
func newDummyHubDrop(n int) *dummyHub {
	dh := newDummyHub()
	counter := 0
	dh.drop = func(_, _ string, _ Datagram) bool {
		counter++
		return counter%n == 0
	}
	return dh
}

func (dh *dummyHub) connect(ds *dummyService) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	dh.services[ds.address] = ds
}

func (dh *dummyHub) transmit(from, to string, dg Datagram) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	record := dg
	record.Peer = to
	dh.history = append(dh.history, record)

	if dh.drop != nil && dh.drop(from, to, dg) {
		return
	}

	if ds, ok := dh.services[to]; ok {
		ds.deliver(dg)
	}
}

func (dh *dummyHub) broadcast(from string, dg Datagram) {
	dh.mutex.Lock()
	var targets []string
	for addr := range dh.services {
		if addr != from {
			targets = append(targets, addr)
		}
	}
	dh.mutex.Unlock()

	for _, to := range targets {
		dh.transmit(from, to, dg)
	}
}

// sent returns all recorded datagrams of a type to a recipient.
func (dh *dummyHub) sent(t HeaderType, to string) (dgs []Datagram) {
	dh.mutex.Lock()
	defer dh.mutex.Unlock()

	for _, dg := range dh.history {
		if dg.Type == t && dg.Peer == to {
			dgs = append(dgs, dg)
		}
	}
	return
}

// dummyService is a mocking Service used for testing.
type dummyService struct {
	address string
	params  Parameters
	hub     *dummyHub
	inChan  chan Datagram

	mutex     sync.Mutex
	bound     bool
	closedSyn chan struct{}
}

func newDummyService(address string, params Parameters, hub *dummyHub) *dummyService {
	ds := &dummyService{
		address: address,
		params:  params,
		hub:     hub,
		inChan:  make(chan Datagram, 1024),
	}
	hub.connect(ds)

	return ds
}

// deliver a datagram from the dummyHub. Datagrams are lost if nobody is
// listening or the buffer is full.
func (ds *dummyService) deliver(dg Datagram) {
	ds.mutex.Lock()
	bound := ds.bound
	ds.mutex.Unlock()

	if !bound {
		return
	}

	select {
	case ds.inChan <- dg:
	default:
	}
}

func (ds *dummyService) Bind() error {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	if ds.bound {
		return fmt.Errorf("%s is already bound", ds.address)
	}
	ds.bound = true
	ds.closedSyn = make(chan struct{})
	return nil
}

func (ds *dummyService) Shutdown() error {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	if ds.bound {
		ds.bound = false
		close(ds.closedSyn)
	}
	return nil
}

func (ds *dummyService) datagram(t HeaderType, f Flags, seqNo uint, payload []byte) Datagram {
	data := make([]byte, len(payload))
	copy(data, payload)

	return Datagram{Type: t, Flags: f, SeqNo: seqNo, Peer: ds.address, Payload: data}
}

func (ds *dummyService) Send(t HeaderType, f Flags, seqNo uint, peer string, payload []byte) error {
	ds.hub.transmit(ds.address, peer, ds.datagram(t, f, seqNo, payload))
	return nil
}

func (ds *dummyService) Broadcast(t HeaderType, f Flags, seqNo uint, payload []byte) error {
	ds.hub.broadcast(ds.address, ds.datagram(t, f, seqNo, payload))
	return nil
}

func (ds *dummyService) Receive() (Datagram, error) {
	ds.mutex.Lock()
	closedSyn := ds.closedSyn
	ds.mutex.Unlock()

	if closedSyn == nil {
		return Datagram{}, fmt.Errorf("%s is not bound", ds.address)
	}

	select {
	case dg := <-ds.inChan:
		return dg, nil
	case <-closedSyn:
		return Datagram{}, fmt.Errorf("%s was shut down", ds.address)
	}
}

func (ds *dummyService) Parameters() Parameters {
	return ds.params
}

func (ds *dummyService) Kind() ServiceKind {
	return KindUDP
}

func (ds *dummyService) Description() string {
	return ds.address
}
