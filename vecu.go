package vecu

import (
	"context"
	"time"
)

// Client pairs an opened Adapter with a fan-out hub so multiple consumers
// can share one bus connection, each filtering on its own identifiers.
type Client struct {
	fh      *handler
	adapter Adapter
	closed  chan struct{}
}

// New creates the named adapter, opens it and starts the fan-out loop.
func New(ctx context.Context, adapterName string, cfg *AdapterConfig) (*Client, error) {
	adapter, err := NewAdapter(adapterName, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithAdapter(ctx, adapter)
}

// NewWithAdapter wraps an already constructed adapter. The adapter is
// opened if it has not been already.
func NewWithAdapter(ctx context.Context, adapter Adapter) (*Client, error) {
	if adapter == nil {
		return nil, ErrNilAdapter
	}
	if err := adapter.Open(ctx); err != nil {
		return nil, err
	}
	c := &Client{
		fh:      newHandler(adapter),
		adapter: adapter,
		closed:  make(chan struct{}),
	}
	go c.fh.run(ctx)
	return c, nil
}

func (c *Client) Adapter() Adapter {
	return c.adapter
}

// Err exposes the adapter's fatal error channel.
func (c *Client) Err() <-chan error {
	return c.adapter.Err()
}

// Event exposes the adapter's diagnostic event channel.
func (c *Client) Event() <-chan Event {
	return c.adapter.Event()
}

func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	c.fh.Close()
	return c.adapter.Close()
}

// Send a standard 11bit frame
func (c *Client) Send(identifier uint32, data []byte, frameType CANFrameType) error {
	return c.SendFrame(NewFrame(identifier, data, frameType))
}

// SendFrame queues a frame for transmission. Frames are handed to the
// adapter whole, so concurrent senders never interleave on the wire.
func (c *Client) SendFrame(frame *CANFrame) error {
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case c.adapter.Send() <- frame:
		return nil
	case <-c.closed:
		return ErrTransportClosed
	case <-time.After(5 * time.Second):
		return ErrSendTimeout
	}
}

// Subscribe returns a subscriber that receives frames matching the given
// identifiers. No identifiers means all frames.
func (c *Client) Subscribe(ctx context.Context, identifiers ...uint32) *Subscriber {
	sub := newSubscriber(c, 64, identifiers...)
	c.fh.registerSubscriber(sub)
	return sub
}

// SubscribeFunc calls fn for every matching frame until the subscription
// is closed or ctx is cancelled.
func (c *Client) SubscribeFunc(ctx context.Context, fn func(*CANFrame), identifiers ...uint32) *Subscriber {
	sub := c.Subscribe(ctx, identifiers...)
	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case frame, ok := <-sub.responseChan:
				if !ok {
					return
				}
				fn(frame)
			}
		}
	}()
	return sub
}

// SendAndWait sends a frame and waits for the first frame carrying one of
// the given response identifiers.
func (c *Client) SendAndWait(ctx context.Context, frame *CANFrame, timeout time.Duration, identifiers ...uint32) (*CANFrame, error) {
	sub := c.Subscribe(ctx, identifiers...)
	defer sub.Close()
	if err := c.SendFrame(frame); err != nil {
		return nil, err
	}
	return sub.Wait(ctx, timeout)
}
