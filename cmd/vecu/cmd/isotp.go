package cmd

import (
	"context"
	"errors"
	"log"

	"github.com/vecutools/vecu/pkg/bridge"
	"github.com/vecutools/vecu/pkg/isotp"
	"github.com/vecutools/vecu/pkg/uds"
)

// runTap relays every payload reassembled on the identifier pair back
// out unchanged. The second endpoint shadows in listen-only mode so the
// first one stays the only source of flow control on the bus.
func runTap(ctx context.Context) error {
	cfg, err := ecuSocketConfig()
	if err != nil {
		return err
	}
	listenCfg := cfg
	listenCfg.ListenOnly = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The relay re-emits through the listen-only endpoint. The kernel
	// module refuses sends in listen mode, so only the built-in
	// transport can drive a tap.
	if kernelISOTP {
		return errors.New("--kernel-isotp does not work in iso-tp mode, the kernel cannot send on a listen-only socket")
	}

	cl, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()
	go watchAdapter(cl, cancel)

	one, err := isotp.NewSocket(ctx, cl, cfg)
	if err != nil {
		return err
	}
	defer one.Close()
	two, err := isotp.NewSocket(ctx, cl, listenCfg)
	if err != nil {
		return err
	}
	defer two.Close()

	// Announce readiness before relaying anything.
	if err := one.Send(ctx, []byte{uds.ReadySignal}); err != nil {
		return err
	}

	log.Printf("tapping ISO-TP on %s, rx 0x%X tx 0x%X", iface, cfg.RxID, cfg.TxID)
	return bridge.Run(ctx, one, two, bridge.Config{
		TwoToOne:    bridge.Drop,
		IdleTimeout: idleTimeout,
		OnMessage: func(direction string, payload []byte) {
			log.Printf("%s % X", direction, payload)
		},
		OnError: func(err error) {
			log.Printf("transfer: %v", err)
		},
	})
}
