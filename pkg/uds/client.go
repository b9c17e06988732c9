package uds

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go"
)

// Client drives diagnostic requests against an ECU over any Transport.
type Client struct {
	tp Transport

	// Attempts bounds how often a request is resent when the ECU
	// answers busyRepeatRequest. Zero means 3.
	Attempts uint

	// OnRetry observes resends.
	OnRetry func(n uint, err error)
}

func NewClient(tp Transport) *Client {
	return &Client{tp: tp}
}

// Request sends one request and waits for its final response. A
// responsePending answer extends the wait, busyRepeatRequest triggers a
// resend, and any other negative response surfaces as a
// *NegativeResponseError.
func (c *Client) Request(ctx context.Context, request []byte) ([]byte, error) {
	if len(request) == 0 {
		return nil, errors.New("uds: empty request")
	}
	var response []byte
	err := retry.Do(
		func() error {
			r, err := c.exchange(ctx, request)
			if err != nil {
				return err
			}
			response = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts()),
		retry.RetryIf(func(err error) bool {
			var nr *NegativeResponseError
			return errors.As(err, &nr) && nr.Code == NRCBusyRepeatRequest
		}),
		retry.OnRetry(func(n uint, err error) {
			if c.OnRetry != nil {
				c.OnRetry(n, err)
			}
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Client) attempts() uint {
	if c.Attempts == 0 {
		return 3
	}
	return c.Attempts
}

func (c *Client) exchange(ctx context.Context, request []byte) ([]byte, error) {
	if err := c.tp.Send(ctx, request); err != nil {
		return nil, fmt.Errorf("uds: send: %w", err)
	}
	for {
		resp, err := c.tp.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("uds: receive: %w", err)
		}
		if len(resp) == 0 || (len(resp) == 1 && resp[0] == ReadySignal) {
			// Readiness announcements and empty messages are not
			// answers to anything.
			continue
		}
		if resp[0] == NegativeResponse {
			if len(resp) < 3 || resp[1] != request[0] {
				return nil, fmt.Errorf("uds: malformed negative response % X", resp)
			}
			if resp[2] == NRCResponsePending {
				continue
			}
			return nil, &NegativeResponseError{Service: resp[1], Code: resp[2]}
		}
		if resp[0] != request[0]+ResponseOffset {
			return nil, fmt.Errorf("uds: response %s does not answer request %s", hexByte(resp[0]), hexByte(request[0]))
		}
		return resp, nil
	}
}

// TesterPresent checks the ECU is still talking to us.
func (c *Client) TesterPresent(ctx context.Context) error {
	resp, err := c.Request(ctx, []byte{ServiceTesterPresent, 0x00})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != 0x00 {
		return fmt.Errorf("uds: tester present echoed % X", resp)
	}
	return nil
}

// DiagnosticSessionControl switches the ECU into a session.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte) error {
	resp, err := c.Request(ctx, []byte{ServiceDiagnosticSessionControl, session})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != session {
		return fmt.Errorf("uds: session control echoed % X, want %02X", resp[1:], session)
	}
	return nil
}

// ReadDataByIdentifier reads one identifier and returns its record.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.Request(ctx, []byte{ServiceReadDataByIdentifier, byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || uint16(resp[1])<<8|uint16(resp[2]) != did {
		return nil, fmt.Errorf("uds: read data response for wrong identifier % X", resp)
	}
	return resp[3:], nil
}
