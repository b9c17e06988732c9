package cmd

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/vecutools/vecu"
	"github.com/vecutools/vecu/pkg/isotp"
)

// transport is the slice of the ISO-TP socket API the commands need.
// Both the built-in socket and the kernel CAN_ISOTP socket satisfy it.
type transport interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Request(ctx context.Context, payload []byte) ([]byte, error)
	Close() error
}

func parseCANID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CAN identifier %q", s)
	}
	if id > 0x1FFFFFFF {
		return 0, fmt.Errorf("CAN identifier %q exceeds 29 bits", s)
	}
	return uint32(id), nil
}

func transportParams() (*isotp.Params, error) {
	p := isotp.DefaultParams()
	p.BlockSize = blockSize
	p.STmin = stMin
	p.FD = useFD
	if useFD {
		p.TxDataLength = 64
	}
	if padding != "" {
		v, err := strconv.ParseUint(padding, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid padding byte %q", padding)
		}
		b := byte(v)
		p.PaddingByte = &b
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ecuSocketConfig binds the simulated ECU side: requests arrive on --rx
// and answers leave on --tx. Testers use the swapped pair.
func ecuSocketConfig() (isotp.SocketConfig, error) {
	var cfg isotp.SocketConfig
	params, err := transportParams()
	if err != nil {
		return cfg, err
	}
	rxID, err := parseCANID(rxFlag)
	if err != nil {
		return cfg, err
	}
	txID, err := parseCANID(txFlag)
	if err != nil {
		return cfg, err
	}
	cfg = isotp.SocketConfig{
		RxID:     rxID,
		TxID:     txID,
		Extended: rxID > 0x7FF || txID > 0x7FF,
		Params:   params,
		OnError: func(err error) {
			log.Printf("transport: %v", err)
		},
	}
	return cfg, nil
}

func openClient(ctx context.Context, filters ...uint32) (*vecu.Client, error) {
	cl, err := vecu.New(ctx, adapterName, &vecu.AdapterConfig{
		Debug:     debug,
		Interface: iface,
		CANFilter: filters,
		FD:        useFD,
		OnMessage: func(msg string) {
			log.Println(msg)
		},
		OnError: func(err error) {
			log.Println(err)
		},
	})
	if err != nil {
		return nil, err
	}
	go logEvents(cl)
	return cl, nil
}

func logEvents(cl *vecu.Client) {
	for evt := range cl.Event() {
		if evt.Type == vecu.EventTypeDebug && !debug {
			continue
		}
		log.Println(evt.String())
	}
}

// watchAdapter cancels the run when the adapter dies so commands do not
// sit in Recv until the idle timeout fires.
func watchAdapter(cl *vecu.Client, cancel context.CancelFunc) {
	if err, ok := <-cl.Err(); ok && err != nil {
		log.Printf("adapter: %v", err)
		cancel()
	}
}

// openTransport builds one ISO-TP endpoint from the shared flags, kernel
// backed when --kernel-isotp is set. The returned cleanup closes the
// socket and, for the built-in transport, the adapter behind it.
func openTransport(ctx context.Context, cfg isotp.SocketConfig, cancel context.CancelFunc) (transport, func(), error) {
	if kernelISOTP {
		tp, err := newKernelTransport(cfg)
		if err != nil {
			return nil, nil, err
		}
		return tp, func() { tp.Close() }, nil
	}
	cl, err := openClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	go watchAdapter(cl, cancel)
	sock, err := isotp.NewSocket(ctx, cl, cfg)
	if err != nil {
		cl.Close()
		return nil, nil, err
	}
	return sock, func() {
		sock.Close()
		cl.Close()
	}, nil
}
