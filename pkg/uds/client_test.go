package uds

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// scriptTransport records what the client sends and plays back queued
// replies.
type scriptTransport struct {
	sent    [][]byte
	replies [][]byte
}

func (s *scriptTransport) Send(_ context.Context, payload []byte) error {
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *scriptTransport) Recv(_ context.Context) ([]byte, error) {
	if len(s.replies) == 0 {
		return nil, context.DeadlineExceeded
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func TestClientRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{{0x62, 0x12, 0x34, 0x01}}}
	resp, err := NewClient(tp).Request(ctx, []byte{0x22, 0x12, 0x34})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0x12, 0x34, 0x01}) {
		t.Fatalf("response = % X", resp)
	}
	if len(tp.sent) != 1 {
		t.Fatalf("request sent %d times", len(tp.sent))
	}
}

func TestClientSkipsReadiness(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{{ReadySignal}, {0x7E, 0x00}}}
	if err := NewClient(tp).TesterPresent(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestClientNegativeResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{{0x7F, 0x10, 0x33}}}
	_, err := NewClient(tp).Request(ctx, []byte{0x10, 0x01})
	var nr *NegativeResponseError
	if !errors.As(err, &nr) {
		t.Fatalf("err = %v, want *NegativeResponseError", err)
	}
	if nr.Service != 0x10 || nr.Code != 0x33 {
		t.Fatalf("negative response = %+v", nr)
	}
	if len(tp.sent) != 1 {
		t.Fatalf("hard rejection resent the request %d times", len(tp.sent))
	}
}

func TestClientResponsePendingExtendsWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{
		{0x7F, 0x22, NRCResponsePending},
		{0x7F, 0x22, NRCResponsePending},
		{0x62, 0x12, 0x34, 0x01},
	}}
	resp, err := NewClient(tp).Request(ctx, []byte{0x22, 0x12, 0x34})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0x12, 0x34, 0x01}) {
		t.Fatalf("response = % X", resp)
	}
	if len(tp.sent) != 1 {
		t.Fatalf("responsePending must not resend, sent %d times", len(tp.sent))
	}
}

func TestClientBusyRepeatRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{
		{0x7F, 0x22, NRCBusyRepeatRequest},
		{0x62, 0x12, 0x34, 0x01},
	}}
	cl := NewClient(tp)
	var retries int
	cl.OnRetry = func(uint, error) { retries++ }

	resp, err := cl.Request(ctx, []byte{0x22, 0x12, 0x34})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0x12, 0x34, 0x01}) {
		t.Fatalf("response = % X", resp)
	}
	if len(tp.sent) != 2 {
		t.Fatalf("busyRepeatRequest sent %d times, want 2", len(tp.sent))
	}
	if retries != 1 {
		t.Fatalf("observed %d retries, want 1", retries)
	}
}

func TestClientBusyGivesUpEventually(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{
		{0x7F, 0x22, NRCBusyRepeatRequest},
		{0x7F, 0x22, NRCBusyRepeatRequest},
	}}
	cl := NewClient(tp)
	cl.Attempts = 2

	_, err := cl.Request(ctx, []byte{0x22, 0x12, 0x34})
	var nr *NegativeResponseError
	if !errors.As(err, &nr) {
		t.Fatalf("err = %v, want *NegativeResponseError", err)
	}
	if nr.Code != NRCBusyRepeatRequest {
		t.Fatalf("code = %02X", nr.Code)
	}
	if len(tp.sent) != 2 {
		t.Fatalf("sent %d times, want 2", len(tp.sent))
	}
}

func TestClientRejectsMismatchedResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{{0x50, 0x01}}}
	if _, err := NewClient(tp).Request(ctx, []byte{0x22, 0x12, 0x34}); err == nil {
		t.Fatal("accepted a response for a different service")
	}
}

func TestClientReadDataByIdentifierEchoCheck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := &scriptTransport{replies: [][]byte{{0x62, 0xAB, 0xCD, 0x01}}}
	if _, err := NewClient(tp).ReadDataByIdentifier(ctx, 0x1234); err == nil {
		t.Fatal("accepted a record for a different identifier")
	}
}
