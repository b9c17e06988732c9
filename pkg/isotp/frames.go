package isotp

import (
	"encoding/binary"
	"fmt"
)

// PCI frame types, upper nibble of the first payload byte.
const (
	pciSingleFrame      = 0x0
	pciFirstFrame       = 0x1
	pciConsecutiveFrame = 0x2
	pciFlowControl      = 0x3
)

// FlowStatus is the lower nibble of a flow-control frame.
type FlowStatus byte

const (
	FlowStatusContinue FlowStatus = 0x0
	FlowStatusWait     FlowStatus = 0x1
	FlowStatusOverflow FlowStatus = 0x2
)

func (s FlowStatus) String() string {
	switch s {
	case FlowStatusContinue:
		return "continue"
	case FlowStatusWait:
		return "wait"
	case FlowStatusOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("reserved(0x%X)", byte(s))
	}
}

// Frame is one parsed ISO-TP protocol data unit.
type Frame interface {
	isoTPFrame()
}

// SingleFrame carries a complete payload of up to 7 bytes, or up to 62
// bytes in the escape form on CAN FD.
type SingleFrame struct {
	Data []byte
}

// FirstFrame opens a segmented transfer and announces its total length.
type FirstFrame struct {
	Length int
	Data   []byte
}

// ConsecutiveFrame carries the next chunk of a segmented transfer. Seq
// wraps 0-15 and starts at 1 after the first frame.
type ConsecutiveFrame struct {
	Seq  uint8
	Data []byte
}

// FlowControlFrame is the receiver's pacing reply to a first frame or a
// completed block. STminByte is kept raw so the strict decode happens
// where the error can be attributed.
type FlowControlFrame struct {
	Status    FlowStatus
	BlockSize uint8
	STminByte byte
}

func (SingleFrame) isoTPFrame()      {}
func (FirstFrame) isoTPFrame()       {}
func (ConsecutiveFrame) isoTPFrame() {}
func (FlowControlFrame) isoTPFrame() {}

// ParseFrame decodes the ISO-TP PDU in a raw CAN payload. Padding past
// the announced data length is ignored; structural problems return a
// *FrameError.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, &FrameError{Reason: "empty frame", Data: data}
	}
	switch data[0] >> 4 {
	case pciSingleFrame:
		n := int(data[0] & 0x0F)
		if n == 0 {
			// Escape form: the real length lives in the second byte.
			// Used for zero-length payloads and FD frames above 7.
			if len(data) < 2 {
				return nil, &FrameError{Reason: "truncated single frame", Data: data}
			}
			n = int(data[1])
			if len(data) < 2+n {
				return nil, &FrameError{Reason: "single frame shorter than its length", Data: data}
			}
			return SingleFrame{Data: data[2 : 2+n]}, nil
		}
		if len(data) < 1+n {
			return nil, &FrameError{Reason: "single frame shorter than its length", Data: data}
		}
		return SingleFrame{Data: data[1 : 1+n]}, nil

	case pciFirstFrame:
		if len(data) < 2 {
			return nil, &FrameError{Reason: "truncated first frame", Data: data}
		}
		length := int(data[0]&0x0F)<<8 | int(data[1])
		payload := data[2:]
		if length == 0 {
			// 32-bit escape form for transfers above 4095 bytes. We
			// never emit it but must parse it to reject the transfer
			// with an overflow rather than garbage.
			if len(data) < 6 {
				return nil, &FrameError{Reason: "truncated first frame escape", Data: data}
			}
			length = int(binary.BigEndian.Uint32(data[2:6]))
			payload = data[6:]
		}
		if len(payload) == 0 {
			return nil, &FrameError{Reason: "first frame without data", Data: data}
		}
		return FirstFrame{Length: length, Data: payload}, nil

	case pciConsecutiveFrame:
		if len(data) < 2 {
			return nil, &FrameError{Reason: "consecutive frame without data", Data: data}
		}
		return ConsecutiveFrame{Seq: data[0] & 0x0F, Data: data[1:]}, nil

	case pciFlowControl:
		if len(data) < 3 {
			return nil, &FrameError{Reason: "truncated flow control", Data: data}
		}
		status := FlowStatus(data[0] & 0x0F)
		if status > FlowStatusOverflow {
			return nil, &FrameError{Reason: "reserved flow status", Data: data}
		}
		return FlowControlFrame{Status: status, BlockSize: data[1], STminByte: data[2]}, nil

	default:
		return nil, &FrameError{Reason: "unknown frame type", Data: data}
	}
}

// buildSingleFrame encodes payload as a single frame, choosing the
// escape form for zero-length payloads and FD payloads above 7 bytes.
func buildSingleFrame(payload []byte, p *Params) []byte {
	if len(payload) >= 1 && len(payload) <= 7 {
		buf := make([]byte, 1+len(payload))
		buf[0] = byte(len(payload))
		copy(buf[1:], payload)
		return padFrame(buf, p)
	}
	buf := make([]byte, 2+len(payload))
	buf[0] = 0x00
	buf[1] = byte(len(payload))
	copy(buf[2:], payload)
	return padFrame(buf, p)
}

// buildFirstFrame encodes the opening frame of a segmented transfer and
// returns it along with the number of payload bytes it consumed.
func buildFirstFrame(payload []byte, p *Params) ([]byte, int) {
	chunk := p.TxDataLength - 2
	buf := make([]byte, 2+chunk)
	buf[0] = 0x10 | byte(len(payload)>>8)
	buf[1] = byte(len(payload))
	copy(buf[2:], payload[:chunk])
	return buf, chunk
}

func buildConsecutiveFrame(seq uint8, chunk []byte, p *Params) []byte {
	buf := make([]byte, 1+len(chunk))
	buf[0] = 0x20 | seq&0x0F
	copy(buf[1:], chunk)
	return padFrame(buf, p)
}

func buildFlowControl(status FlowStatus, bs uint8, stmin byte, p *Params) []byte {
	return padFrame([]byte{0x30 | byte(status), bs, stmin}, p)
}

// fdFiller pads FD frames up to a valid DLC when no explicit padding
// byte is configured.
const fdFiller = 0xCC

// padFrame grows a raw frame to its final on-wire size. With an explicit
// padding byte every frame fills the full link length. Without one,
// classic frames go out as-is while FD frames still round up to the next
// valid DLC.
func padFrame(buf []byte, p *Params) []byte {
	if p.PaddingByte != nil {
		return fillTo(buf, p.TxDataLength, *p.PaddingByte)
	}
	if p.FD {
		return fillTo(buf, nearestFrameLength(len(buf), true), fdFiller)
	}
	return buf
}

func fillTo(buf []byte, size int, filler byte) []byte {
	for len(buf) < size {
		buf = append(buf, filler)
	}
	return buf
}
