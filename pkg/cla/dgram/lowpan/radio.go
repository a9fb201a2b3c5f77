// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package lowpan

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rf95modem-go/rf95"
)

// Radio is a broadcast medium for frames, e.g., a LoRa modem.
type Radio interface {
	// MTU is the maximum frame size.
	MTU() int

	// Send a frame to all radios in range.
	Send(frame []byte) error

	// Receive blocks until the next frame arrives. After Close, an error
	// must be returned.
	Receive() ([]byte, error)

	// Close the Radio.
	Close() error
}

// Rf95Radio is a Radio using LoRa over a rf95modem.
type Rf95Radio struct {
	device string
	modem  *rf95.Modem
	mtu    int
}

// NewRf95Radio opens a serial connection to the given device, e.g.,
// /dev/ttyUSB0. The frequency in MHz and the modem mode are only changed if
// they are not zero.
func NewRf95Radio(device string, frequency float64, mode int) (radio *Rf95Radio, err error) {
	modem, err := rf95.OpenSerial(device)
	if err != nil {
		return nil, fmt.Errorf("opening rf95modem %s: %w", device, err)
	}

	radio = &Rf95Radio{
		device: device,
		modem:  modem,
	}

	if radio.mtu, err = modem.Mtu(); err != nil {
		_ = modem.Close()
		return nil, fmt.Errorf("fetching MTU of rf95modem %s: %w", device, err)
	}

	if frequency != 0 {
		log.WithFields(log.Fields{
			"radio":     device,
			"frequency": frequency,
		}).Debug("Shifting frequency")

		if err = modem.Frequency(frequency); err != nil {
			_ = modem.Close()
			return nil, err
		}
	}

	if mode != 0 {
		log.WithFields(log.Fields{
			"radio": device,
			"mode":  mode,
		}).Debug("Changing mode")

		if err = modem.Mode(rf95.ModemMode(mode)); err != nil {
			_ = modem.Close()
			return nil, err
		}
	}

	return radio, nil
}

func (r *Rf95Radio) MTU() int {
	return r.mtu
}

func (r *Rf95Radio) Send(frame []byte) (err error) {
	_, err = r.modem.Write(frame)
	return
}

func (r *Rf95Radio) Receive() ([]byte, error) {
	buf := make([]byte, r.mtu)
	n, err := r.modem.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (r *Rf95Radio) Close() error {
	return r.modem.Close()
}

func (r *Rf95Radio) String() string {
	status, err := r.modem.FetchStatus()
	if err != nil {
		return fmt.Sprintf("rf95modem%s", r.device)
	}

	return fmt.Sprintf("rf95modem%s?frequency=%f&mode=%d", r.device, status.Frequency, status.Mode)
}
