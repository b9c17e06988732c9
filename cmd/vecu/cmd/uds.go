package cmd

import (
	"context"
	"log"

	"github.com/vecutools/vecu/pkg/uds"
)

// runUDS answers diagnostic requests from the default rule table until
// the bus goes quiet for --timeout or --count requests are served.
func runUDS(ctx context.Context) error {
	cfg, err := ecuSocketConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tp, cleanup, err := openTransport(ctx, cfg, cancel)
	if err != nil {
		return err
	}
	defer cleanup()

	am := uds.NewAnsweringMachine(uds.DefaultRules()...)
	am.MaxRequests = maxRequests
	am.OnExchange = func(request []byte, responses [][]byte) {
		log.Printf("rx % X", request)
		for _, r := range responses {
			log.Printf("tx % X", r)
		}
	}
	am.OnError = func(err error) {
		log.Printf("transfer: %v", err)
	}

	log.Printf("answering UDS on %s, rx 0x%X tx 0x%X", iface, cfg.RxID, cfg.TxID)
	return am.Run(ctx, tp, idleTimeout)
}
