package peripheral

import (
	"fmt"
)

// Link framing: START, byte-stuffed (payload || crc16), END.
const (
	frameStart  = 0x7E
	frameEnd    = 0x7F
	frameEsc    = 0x7D
	frameEscXor = 0x20

	maxFramePayload = 256

	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// crc16 computes CRC-16-CCITT over data.
func crc16(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeFrame wraps payload for the wire.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("%w: payload too large: %d bytes (max %d)", ErrFrame, len(payload), maxFramePayload)
	}

	crc := crc16(payload)
	data := make([]byte, 0, len(payload)+2)
	data = append(data, payload...)
	data = append(data, byte(crc>>8), byte(crc&0xFF))

	frame := make([]byte, 0, len(data)*2+2)
	frame = append(frame, frameStart)
	for _, b := range data {
		if b == frameStart || b == frameEnd || b == frameEsc {
			frame = append(frame, frameEsc, b^frameEscXor)
		} else {
			frame = append(frame, b)
		}
	}
	return append(frame, frameEnd), nil
}

// FrameDecoder reassembles frames from a byte stream.
type FrameDecoder struct {
	buf     []byte
	inFrame bool
	escape  bool
}

// Feed consumes one byte. It returns the payload when a frame completes
// with a valid CRC, and an error for a corrupt frame. Bytes outside a frame
// are ignored.
func (d *FrameDecoder) Feed(b byte) ([]byte, error) {
	switch {
	case b == frameStart:
		d.buf = d.buf[:0]
		d.inFrame, d.escape = true, false
		return nil, nil

	case !d.inFrame:
		return nil, nil

	case b == frameEnd:
		d.inFrame = false
		if d.escape {
			return nil, fmt.Errorf("%w: incomplete escape sequence", ErrFrame)
		}
		if len(d.buf) < 2 {
			return nil, fmt.Errorf("%w: frame too short", ErrFrame)
		}
		n := len(d.buf) - 2
		got := uint16(d.buf[n])<<8 | uint16(d.buf[n+1])
		if want := crc16(d.buf[:n]); got != want {
			return nil, fmt.Errorf("%w: CRC mismatch: expected 0x%04X, got 0x%04X", ErrFrame, want, got)
		}
		payload := make([]byte, n)
		copy(payload, d.buf[:n])
		return payload, nil

	case b == frameEsc:
		d.escape = true
		return nil, nil
	}

	if d.escape {
		b ^= frameEscXor
		d.escape = false
	}
	if len(d.buf) >= maxFramePayload+2 {
		d.inFrame = false
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrFrame, maxFramePayload)
	}
	d.buf = append(d.buf, b)
	return nil, nil
}
