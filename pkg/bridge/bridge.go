// Package bridge relays whole messages between two transport
// endpoints, optionally rewriting or dropping them per direction. With
// one endpoint shadowing the other on the same identifier pair it turns
// a single bus into a sniff-and-forward tap.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vecutools/vecu/pkg/isotp"
)

// Transform rewrites a relayed message. Returning false drops it,
// which is how the reverse direction of a tap avoids relay loops.
type Transform func(payload []byte) ([]byte, bool)

// Identity forwards messages untouched.
func Identity(payload []byte) ([]byte, bool) { return payload, true }

// Drop swallows every message.
func Drop([]byte) ([]byte, bool) { return nil, false }

// Endpoint is one side of the bridge. ISO-TP sockets satisfy it.
type Endpoint interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

type Config struct {
	// OneToTwo and TwoToOne transform each direction. Nil means
	// Identity.
	OneToTwo Transform
	TwoToOne Transform

	// IdleTimeout ends a direction cleanly once it has seen no traffic
	// for this long. 0 relays forever.
	IdleTimeout time.Duration

	// Stop ends the whole bridge cleanly when it returns true for a
	// received message, checked before the transform.
	Stop func(direction string, payload []byte) bool

	// OnMessage observes every received message before its transform,
	// tagged with the direction it traveled.
	OnMessage func(direction string, payload []byte)

	// OnError observes per-transfer failures that did not stop the
	// bridge.
	OnError func(error)
}

var errStopped = errors.New("bridge stopped")

// Run relays between the endpoints until both directions have been
// idle for the configured window or the context ends. Both count as a
// clean shutdown and return nil.
func Run(ctx context.Context, one, two Endpoint, cfg Config) error {
	if cfg.OneToTwo == nil {
		cfg.OneToTwo = Identity
	}
	if cfg.TwoToOne == nil {
		cfg.TwoToOne = Identity
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay(gctx, "1->2", one, two, cfg.OneToTwo, &cfg) })
	g.Go(func() error { return relay(gctx, "2->1", two, one, cfg.TwoToOne, &cfg) })
	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

func relay(ctx context.Context, direction string, src, dst Endpoint, xfrm Transform, cfg *Config) error {
	for {
		rctx := ctx
		cancel := func() {}
		if cfg.IdleTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, cfg.IdleTimeout)
		}
		payload, err := src.Recv(rctx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, context.DeadlineExceeded):
				return nil
			case errors.Is(err, isotp.ErrSocketClosed):
				return fmt.Errorf("bridge %s: %w", direction, err)
			default:
				if cfg.OnError != nil {
					cfg.OnError(fmt.Errorf("bridge %s: %w", direction, err))
				}
				continue
			}
		}
		if cfg.OnMessage != nil {
			cfg.OnMessage(direction, payload)
		}
		if cfg.Stop != nil && cfg.Stop(direction, payload) {
			// Killing the group context takes the other direction
			// down with us.
			return errStopped
		}
		out, ok := xfrm(payload)
		if !ok {
			continue
		}
		if err := dst.Send(ctx, out); err != nil {
			return fmt.Errorf("bridge %s: forward: %w", direction, err)
		}
	}
}
