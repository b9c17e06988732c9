package isotp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds the 4095
	// byte ISO-TP limit.
	ErrPayloadTooLarge = errors.New("payload exceeds 4095 bytes")

	// ErrSocketClosed is returned from operations on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrListenOnly is returned when sending on a listen-only socket
	// would require a flow-control reply we are not allowed to emit.
	ErrListenOnly = errors.New("listen-only socket")
)

// TimeoutError reports that a peer did not produce the expected frame in
// time. Wait names what we were waiting for.
type TimeoutError struct {
	Wait     string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Duration, e.Wait)
}

// Timeout implements the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// SequenceError reports a consecutive frame arriving out of order. The
// transfer it belonged to is discarded.
type SequenceError struct {
	Want uint8
	Got  uint8
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("wrong sequence number: want %d, got %d", e.Want, e.Got)
}

// FrameError reports a frame that could not be parsed as ISO-TP.
type FrameError struct {
	Reason string
	Data   []byte
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame (% X): %s", e.Data, e.Reason)
}

// OverflowError reports that the peer aborted our transfer with a
// flow-control overflow status, or that an announced transfer exceeds
// what the receiver accepts.
type OverflowError struct {
	Size int
}

func (e *OverflowError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("transfer of %d bytes rejected with overflow", e.Size)
	}
	return "transfer rejected with overflow"
}

// WaitFrameError reports that the peer sent more flow-control Wait
// frames than the socket tolerates.
type WaitFrameError struct {
	Max int
}

func (e *WaitFrameError) Error() string {
	return fmt.Sprintf("flow control wait limit exceeded (%d)", e.Max)
}
