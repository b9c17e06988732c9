// Package isotp implements the ISO 15765-2 transport protocol over a CAN
// bus: segmentation of payloads up to 4095 bytes into single, first and
// consecutive frames, flow-control handshakes with block-size and
// separation-time pacing, and reassembly with strict sequence checking.
package isotp

import (
	"errors"
	"fmt"
	"time"
)

// Protocol limits.
const (
	MaxPayload = 4095 // 12-bit first-frame length

	classicFrameLength = 8
	fdFrameLength      = 64
)

// Params holds the tunables for one side of an ISO-TP link. BlockSize and
// STmin describe what we advertise to the peer in our flow-control
// frames; the peer's own advertised values are learned from its FC and
// applied on the send path.
type Params struct {
	// BlockSize is the number of consecutive frames the peer may send
	// between our flow-control frames. 0 means no limit.
	BlockSize uint8

	// STmin is the minimum gap between consecutive frames we ask the
	// peer to keep. Encodable values are 0-127ms and 100-900µs.
	STmin time.Duration

	// WaitFrameMax is how many FC Wait frames we tolerate from the peer
	// during one send before giving up. 0 means wait frames are not
	// supported and abort the transfer.
	WaitFrameMax int

	// PaddingByte, when set, pads every transmitted frame to the full
	// frame length.
	PaddingByte *byte

	// FD selects CAN FD framing (up to 64 byte frames with escape
	// sequences for the larger lengths).
	FD bool

	// TxDataLength is the link frame size used for transmission, 8 for
	// classic CAN. In FD mode any valid CAN FD length up to 64.
	TxDataLength int

	// TimeoutFC bounds the wait for a flow-control frame after a first
	// frame or a completed block (N_Bs).
	TimeoutFC time.Duration

	// TimeoutCF bounds the wait for the next consecutive frame while
	// receiving (N_Cr).
	TimeoutCF time.Duration
}

// DefaultParams returns the ISO 15765-2 recommended defaults.
func DefaultParams() *Params {
	return &Params{
		BlockSize:    0,
		STmin:        0,
		WaitFrameMax: 0,
		TxDataLength: classicFrameLength,
		TimeoutFC:    1000 * time.Millisecond,
		TimeoutCF:    1000 * time.Millisecond,
	}
}

func (p *Params) Validate() error {
	if p.TxDataLength == 0 {
		p.TxDataLength = classicFrameLength
		if p.FD {
			p.TxDataLength = fdFrameLength
		}
	}
	if p.FD {
		if !validFDLength(p.TxDataLength) {
			return fmt.Errorf("isotp: invalid FD frame length %d", p.TxDataLength)
		}
	} else if p.TxDataLength != classicFrameLength {
		return fmt.Errorf("isotp: classic CAN frame length must be 8, got %d", p.TxDataLength)
	}
	if _, err := decodeSTmin(encodeSTmin(p.STmin)); err != nil {
		return fmt.Errorf("isotp: STmin %s is not encodable", p.STmin)
	}
	if p.TimeoutFC <= 0 {
		p.TimeoutFC = 1000 * time.Millisecond
	}
	if p.TimeoutCF <= 0 {
		p.TimeoutCF = 1000 * time.Millisecond
	}
	return nil
}

// errSTminReserved marks the reserved range of the STmin byte.
var errSTminReserved = errors.New("reserved STmin value")

// encodeSTmin converts a duration to the wire coding: 0x00-0x7F are
// milliseconds, 0xF1-0xF9 are 100-900 microseconds. Durations between
// encodable points round down; anything above 127ms clamps.
func encodeSTmin(d time.Duration) byte {
	if d <= 0 {
		return 0x00
	}
	if d < time.Millisecond {
		n := d / (100 * time.Microsecond)
		if n < 1 {
			n = 1
		}
		return 0xF0 | byte(n)
	}
	ms := d / time.Millisecond
	if ms > 127 {
		ms = 127
	}
	return byte(ms)
}

// decodeSTmin parses the wire coding. Values outside the defined ranges
// are reserved and rejected.
func decodeSTmin(b byte) (time.Duration, error) {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond, nil
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02X", errSTminReserved, b)
	}
}

// fdLengths are the payload sizes a CAN FD frame can carry.
var fdLengths = []int{8, 12, 16, 20, 24, 32, 48, 64}

func validFDLength(n int) bool {
	for _, l := range fdLengths {
		if n == l {
			return true
		}
	}
	return n > 0 && n <= classicFrameLength
}

// nearestFrameLength rounds a raw frame size up to the next length the
// link can actually carry. Classic CAN and short FD frames take any DLC
// up to 8; larger FD frames must land on one of the discrete lengths.
func nearestFrameLength(n int, fd bool) int {
	if n <= classicFrameLength {
		return n
	}
	if !fd {
		return classicFrameLength
	}
	for _, l := range fdLengths {
		if n <= l {
			return l
		}
	}
	return fdFrameLength
}
