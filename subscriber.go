package vecu

import (
	"context"
	"sync"
	"time"
)

type Subscriber struct {
	cl           *Client
	identifiers  map[uint32]struct{}
	filterCount  int
	errcount     uint16
	responseChan chan *CANFrame
	closeOnce    sync.Once
}

func newSubscriber(cl *Client, bufferSize int, identifiers ...uint32) *Subscriber {
	idmap := make(map[uint32]struct{}, len(identifiers))
	for _, id := range identifiers {
		idmap[id] = struct{}{}
	}
	return &Subscriber{
		cl:           cl,
		identifiers:  idmap,
		filterCount:  len(idmap),
		responseChan: make(chan *CANFrame, bufferSize),
	}
}

func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.cl.fh.unregisterSubscriber(s)
	})
}

func (s *Subscriber) Chan() <-chan *CANFrame {
	return s.responseChan
}

// Wait blocks until a frame is delivered, the timeout elapses or ctx is
// cancelled.
func (s *Subscriber) Wait(ctx context.Context, timeout time.Duration) (*CANFrame, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-s.responseChan:
		if !ok {
			return nil, ErrResponsechannelClosed
		}
		return frame, nil
	case <-t.C:
		return nil, &TimeoutError{Timeout: timeout, Frames: s.ids(), Type: "subscriber"}
	}
}

func (s *Subscriber) ids() []uint32 {
	out := make([]uint32, 0, len(s.identifiers))
	for id := range s.identifiers {
		out = append(out, id)
	}
	return out
}
