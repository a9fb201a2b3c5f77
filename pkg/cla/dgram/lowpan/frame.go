// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package lowpan

import (
	"encoding/binary"
	"fmt"

	"github.com/howeyc/crc16"

	"github.com/dtn7/dtn7-dgram/pkg/cla/dgram"
)

const (
	// BroadcastAddress addresses all nodes within a PAN.
	BroadcastAddress uint16 = 0xffff

	extendedMask = 0x40
	flagsMask    = 0x30
	seqNoMask    = 0x0f

	addressingLength = 6
	crcLength        = 2

	// frameOverhead is the maximum amount of bytes besides the payload.
	frameOverhead = addressingLength + 2 + crcLength
)

// frame is a radio frame, addressed within a PAN.
//
//	pan(2) dst(2) src(2) hdr(1) [type(1)] payload crc16(2)
//
// The header byte holds the extended bit, two bits of flags and the sequence
// number. Segments use the compact form. All other types are extended by a
// type byte, which carries the full flags in its upper nibble.
type frame struct {
	pan     uint16
	dst     uint16
	src     uint16
	t       dgram.HeaderType
	flags   dgram.Flags
	seqNo   uint
	payload []byte
}

func (f frame) String() string {
	return fmt.Sprintf("frame(pan: %#04x, %#04x -> %#04x, %v, %v, seqno: %d, len: %d)",
		f.pan, f.src, f.dst, f.t, f.flags, f.seqNo, len(f.payload))
}

func (f frame) extended() bool {
	return f.t != dgram.HeaderSegment
}

// marshal this frame into bytes, including its checksum.
func (f frame) marshal() []byte {
	hdrLen := 1
	if f.extended() {
		hdrLen = 2
	}

	buf := make([]byte, addressingLength+hdrLen+len(f.payload)+crcLength)
	binary.BigEndian.PutUint16(buf[0:], f.pan)
	binary.BigEndian.PutUint16(buf[2:], f.dst)
	binary.BigEndian.PutUint16(buf[4:], f.src)

	buf[6] = (byte(f.flags)<<4)&flagsMask | byte(f.seqNo)&seqNoMask
	if f.extended() {
		buf[6] |= extendedMask
		buf[7] = byte(f.flags)<<4 | byte(f.t)&0x0f
	}

	copy(buf[addressingLength+hdrLen:], f.payload)

	crcPos := len(buf) - crcLength
	binary.BigEndian.PutUint16(buf[crcPos:], crc16.ChecksumCCITT(buf[:crcPos]))
	return buf
}

// unmarshalFrame parses and verifies a frame.
func unmarshalFrame(data []byte) (f frame, err error) {
	if len(data) < addressingLength+1+crcLength {
		err = fmt.Errorf("frame of %d bytes is too short", len(data))
		return
	}

	crcPos := len(data) - crcLength
	if expected, actual := binary.BigEndian.Uint16(data[crcPos:]), crc16.ChecksumCCITT(data[:crcPos]); expected != actual {
		err = fmt.Errorf("frame checksum mismatch: expected %#04x, calculated %#04x", expected, actual)
		return
	}

	f.pan = binary.BigEndian.Uint16(data[0:])
	f.dst = binary.BigEndian.Uint16(data[2:])
	f.src = binary.BigEndian.Uint16(data[4:])

	hdr := data[6]
	f.seqNo = uint(hdr & seqNoMask)

	payloadPos := addressingLength + 1
	if hdr&extendedMask != 0 {
		if crcPos < payloadPos+1 {
			err = fmt.Errorf("extended frame lacks its type")
			return
		}

		f.t = dgram.HeaderType(data[7] & 0x0f)
		f.flags = dgram.Flags(data[7] >> 4)
		payloadPos++
	} else {
		f.t = dgram.HeaderSegment
		f.flags = dgram.Flags((hdr & flagsMask) >> 4)
	}

	f.payload = make([]byte, crcPos-payloadPos)
	copy(f.payload, data[payloadPos:crcPos])
	return
}
