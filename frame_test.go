package vecu

import (
	"strings"
	"testing"
)

func TestNewFrameCopiesData(t *testing.T) {
	src := []byte{0x22, 0x12, 0x34}
	frame := NewFrame(0x7a1, src, Outgoing)
	src[0] = 0xFF
	if frame.Data[0] != 0x22 {
		t.Fatal("frame aliases the caller's slice")
	}
	if frame.DLC() != 3 {
		t.Fatalf("DLC = %d", frame.DLC())
	}
}

func TestFrameConstructors(t *testing.T) {
	if f := NewExtendedFrame(0x18DAF110, []byte{1}, Outgoing); !f.Extended {
		t.Fatal("extended flag not set")
	}
	if f := NewFDFrame(0x7a1, make([]byte, 64), Outgoing); !f.FD {
		t.Fatal("FD flag not set")
	}
}

func TestFrameString(t *testing.T) {
	f := NewFrame(0x7a1, []byte{0x41, 0x12, 0x42}, Outgoing)
	s := f.String()
	for _, want := range []string{"<o>", "0x7A1", "41 12 42", "A·B"} {
		if !strings.Contains(s, want) {
			t.Fatalf("%q missing from %q", want, s)
		}
	}
	in := NewFrame(0x7a9, []byte{1}, Incoming)
	if !strings.Contains(in.String(), "<i>") {
		t.Fatalf("direction marker missing from %q", in.String())
	}
}
