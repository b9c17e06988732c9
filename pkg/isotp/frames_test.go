package isotp

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Frame
	}{
		{"single", []byte{0x02, 0x3E, 0x00}, SingleFrame{Data: []byte{0x3E, 0x00}}},
		{"single padded", []byte{0x03, 0x22, 0x12, 0x34, 0xAA, 0xAA, 0xAA, 0xAA}, SingleFrame{Data: []byte{0x22, 0x12, 0x34}}},
		{"single escape", []byte{0x00, 0x05, 0x01, 0x02, 0x03, 0x04, 0x05}, SingleFrame{Data: []byte{0x01, 0x02, 0x03, 0x04, 0x05}}},
		{"single zero length", []byte{0x00, 0x00}, SingleFrame{Data: []byte{}}},
		{"first", []byte{0x1F, 0xFF, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, FirstFrame{Length: 4095, Data: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}}},
		{"first escape", []byte{0x10, 0x00, 0x00, 0x00, 0x20, 0x00, 0xDE, 0xAD}, FirstFrame{Length: 8192, Data: []byte{0xDE, 0xAD}}},
		{"consecutive", []byte{0x21, 0x07, 0x08}, ConsecutiveFrame{Seq: 1, Data: []byte{0x07, 0x08}}},
		{"consecutive wrap", []byte{0x20, 0x09}, ConsecutiveFrame{Seq: 0, Data: []byte{0x09}}},
		{"flow control cts", []byte{0x30, 0x08, 0x14}, FlowControlFrame{Status: FlowStatusContinue, BlockSize: 8, STminByte: 0x14}},
		{"flow control wait", []byte{0x31, 0x00, 0x00}, FlowControlFrame{Status: FlowStatusWait}},
		{"flow control overflow", []byte{0x32, 0x00, 0x00}, FlowControlFrame{Status: FlowStatusOverflow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame(tt.data)
			if err != nil {
				t.Fatalf("ParseFrame(% X): %v", tt.data, err)
			}
			if !framesEqual(got, tt.want) {
				t.Fatalf("ParseFrame(% X) = %#v, want %#v", tt.data, got, tt.want)
			}
		})
	}
}

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single too short", []byte{0x05, 0x01}},
		{"single escape too short", []byte{0x00}},
		{"single escape length lies", []byte{0x00, 0x09, 0x01, 0x02}},
		{"first truncated", []byte{0x10}},
		{"first escape truncated", []byte{0x10, 0x00, 0x00, 0x01}},
		{"first without data", []byte{0x10, 0x14}},
		{"consecutive without data", []byte{0x21}},
		{"flow control truncated", []byte{0x30, 0x00}},
		{"flow control reserved status", []byte{0x3A, 0x00, 0x00}},
		{"unknown type", []byte{0x40, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(tt.data)
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("ParseFrame(% X) err = %v, want *FrameError", tt.data, err)
			}
		})
	}
}

func framesEqual(a, b Frame) bool {
	switch x := a.(type) {
	case SingleFrame:
		y, ok := b.(SingleFrame)
		return ok && bytes.Equal(x.Data, y.Data)
	case FirstFrame:
		y, ok := b.(FirstFrame)
		return ok && x.Length == y.Length && bytes.Equal(x.Data, y.Data)
	case ConsecutiveFrame:
		y, ok := b.(ConsecutiveFrame)
		return ok && x.Seq == y.Seq && bytes.Equal(x.Data, y.Data)
	case FlowControlFrame:
		y, ok := b.(FlowControlFrame)
		return ok && x == y
	default:
		return false
	}
}

func TestSTminCoding(t *testing.T) {
	enc := []struct {
		d    time.Duration
		want byte
	}{
		{0, 0x00},
		{time.Millisecond, 0x01},
		{20 * time.Millisecond, 0x14},
		{127 * time.Millisecond, 0x7F},
		{500 * time.Millisecond, 0x7F},
		{100 * time.Microsecond, 0xF1},
		{550 * time.Microsecond, 0xF5},
		{900 * time.Microsecond, 0xF9},
		{50 * time.Microsecond, 0xF1},
	}
	for _, tt := range enc {
		if got := encodeSTmin(tt.d); got != tt.want {
			t.Errorf("encodeSTmin(%s) = 0x%02X, want 0x%02X", tt.d, got, tt.want)
		}
	}

	dec := []struct {
		b    byte
		want time.Duration
	}{
		{0x00, 0},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
	}
	for _, tt := range dec {
		got, err := decodeSTmin(tt.b)
		if err != nil {
			t.Errorf("decodeSTmin(0x%02X): %v", tt.b, err)
			continue
		}
		if got != tt.want {
			t.Errorf("decodeSTmin(0x%02X) = %s, want %s", tt.b, got, tt.want)
		}
	}

	for _, b := range []byte{0x80, 0xF0, 0xFA, 0xFF} {
		if _, err := decodeSTmin(b); err == nil {
			t.Errorf("decodeSTmin(0x%02X) accepted a reserved value", b)
		}
	}
}

func TestBuildSingleFrame(t *testing.T) {
	pad := byte(0xAA)

	classic := DefaultParams()
	if got, want := buildSingleFrame([]byte{0x3E, 0x00}, classic), []byte{0x02, 0x3E, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("unpadded = % X, want % X", got, want)
	}

	padded := DefaultParams()
	padded.PaddingByte = &pad
	if got, want := buildSingleFrame([]byte{0x3E, 0x00}, padded), []byte{0x02, 0x3E, 0x00, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}; !bytes.Equal(got, want) {
		t.Errorf("padded = % X, want % X", got, want)
	}

	if got, want := buildSingleFrame(nil, classic), []byte{0x00, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("zero length = % X, want % X", got, want)
	}

	fd := DefaultParams()
	fd.FD = true
	fd.TxDataLength = 64
	if err := fd.Validate(); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	got := buildSingleFrame(payload, fd)
	if got[0] != 0x00 || got[1] != 20 {
		t.Fatalf("fd escape header = % X", got[:2])
	}
	if len(got) != 24 {
		t.Fatalf("fd frame length = %d, want DLC-aligned 24", len(got))
	}
	for _, b := range got[22:] {
		if b != 0xCC {
			t.Fatalf("fd filler = % X, want CC", got[22:])
		}
	}
}

func TestBuildFirstAndConsecutive(t *testing.T) {
	p := DefaultParams()
	payload := make([]byte, 4095)
	for i := range payload {
		payload[i] = byte(i)
	}

	first, consumed := buildFirstFrame(payload, p)
	if consumed != 6 {
		t.Fatalf("first frame consumed %d bytes, want 6", consumed)
	}
	want := append([]byte{0x1F, 0xFF}, payload[:6]...)
	if !bytes.Equal(first, want) {
		t.Fatalf("first frame = % X, want % X", first, want)
	}

	cf := buildConsecutiveFrame(5, payload[6:13], p)
	if cf[0] != 0x25 {
		t.Fatalf("consecutive header = 0x%02X, want 0x25", cf[0])
	}
	if !bytes.Equal(cf[1:], payload[6:13]) {
		t.Fatalf("consecutive data = % X", cf[1:])
	}

	fc := buildFlowControl(FlowStatusContinue, 8, 0x14, p)
	if !bytes.Equal(fc, []byte{0x30, 0x08, 0x14}) {
		t.Fatalf("flow control = % X", fc)
	}
}
