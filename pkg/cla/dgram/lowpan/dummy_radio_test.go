// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package lowpan

import (
	"fmt"
	"sync"
)

// dummyAir connects multiple dummyRadios, each one receives every frame.
type dummyAir struct {
	mutex  sync.Mutex
	radios []*dummyRadio

	// mangle might alter or drop a frame by returning nil.
	mangle func(frame []byte) []byte
}

func newDummyAir() *dummyAir {
	return &dummyAir{}
}

func (da *dummyAir) connect(r *dummyRadio) {
	da.mutex.Lock()
	defer da.mutex.Unlock()

	da.radios = append(da.radios, r)
}

func (da *dummyAir) disconnect(r *dummyRadio) {
	da.mutex.Lock()
	defer da.mutex.Unlock()

	for i, other := range da.radios {
		if other == r {
			da.radios = append(da.radios[:i], da.radios[i+1:]...)
			return
		}
	}
}

func (da *dummyAir) transmit(from *dummyRadio, frame []byte) {
	da.mutex.Lock()
	defer da.mutex.Unlock()

	if da.mangle != nil {
		if frame = da.mangle(frame); frame == nil {
			return
		}
	}

	for _, r := range da.radios {
		if r != from {
			r.deliver(frame)
		}
	}
}

// opener returns a function creating new dummyRadios on this dummyAir.
func (da *dummyAir) opener(mtu int) func() (Radio, error) {
	return func() (Radio, error) {
		return newDummyRadio(mtu, da), nil
	}
}

// dummyRadio is a mocking Radio used for testing.
type dummyRadio struct {
	mtu    int
	air    *dummyAir
	inChan chan []byte

	closeOnce sync.Once
	closedSyn chan struct{}
}

func newDummyRadio(mtu int, air *dummyAir) *dummyRadio {
	r := &dummyRadio{
		mtu:    mtu,
		air:    air,
		inChan: make(chan []byte, 1024),

		closedSyn: make(chan struct{}),
	}
	air.connect(r)

	return r
}

func (r *dummyRadio) deliver(frame []byte) {
	data := make([]byte, len(frame))
	copy(data, frame)

	select {
	case r.inChan <- data:
	default:
	}
}

func (r *dummyRadio) MTU() int {
	return r.mtu
}

func (r *dummyRadio) Send(frame []byte) error {
	if len(frame) > r.mtu {
		return fmt.Errorf("frame of %d bytes exceeds MTU of %d", len(frame), r.mtu)
	}

	r.air.transmit(r, frame)
	return nil
}

func (r *dummyRadio) Receive() ([]byte, error) {
	select {
	case frame := <-r.inChan:
		return frame, nil
	case <-r.closedSyn:
		return nil, fmt.Errorf("radio was closed")
	}
}

func (r *dummyRadio) Close() error {
	r.closeOnce.Do(func() {
		r.air.disconnect(r)
		close(r.closedSyn)
	})
	return nil
}
