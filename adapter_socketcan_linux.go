package vecu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
)

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:           "socketcan",
		Description:    "Linux SocketCAN",
		RequiresKernel: true,
		Capabilities: AdapterCapabilities{
			Classic: true,
			FD:      false,
		},
		New: NewSocketCAN,
	}); err != nil {
		panic(err)
	}
}

type SocketCAN struct {
	*BaseAdapter
	conn net.Conn
	tx   *socketcan.Transmitter
	rx   *socketcan.Receiver
}

func NewSocketCAN(cfg *AdapterConfig) (Adapter, error) {
	if cfg.FD {
		return nil, errors.New("socketcan adapter does not support CAN FD frames")
	}
	return &SocketCAN{
		BaseAdapter: NewBaseAdapter("socketcan", cfg),
	}, nil
}

func (a *SocketCAN) Open(ctx context.Context) error {
	// vcan interfaces carry no bitrate; only configure the device when a
	// rate was requested.
	if a.cfg.CANRate > 0 {
		d, err := candevice.New(a.cfg.Interface)
		if err != nil {
			return fmt.Errorf("socketcan: %w", err)
		}
		if err := d.SetBitrate(uint32(a.cfg.CANRate * 1000)); err != nil {
			return fmt.Errorf("socketcan: set bitrate: %w", err)
		}
		if err := d.SetUp(); err != nil {
			return fmt.Errorf("socketcan: link up: %w", err)
		}
	}

	conn, err := socketcan.DialContext(ctx, "can", a.cfg.Interface)
	if err != nil {
		if devs := FindCANInterfaces(); len(devs) > 0 {
			return fmt.Errorf("socketcan: dial %s (found %s): %w", a.cfg.Interface, strings.Join(devs, ", "), err)
		}
		return fmt.Errorf("socketcan: dial %s: %w", a.cfg.Interface, err)
	}
	a.conn = conn
	a.tx = socketcan.NewTransmitter(conn)
	a.rx = socketcan.NewReceiver(conn)

	go a.recvManager(ctx)
	go a.sendManager(ctx)
	return nil
}

func (a *SocketCAN) Close() error {
	a.BaseAdapter.Close()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *SocketCAN) recvManager(ctx context.Context) {
	for a.rx.Receive() {
		select {
		case <-ctx.Done():
			return
		case <-a.closeChan:
			return
		default:
		}
		f := a.rx.Frame()
		if len(a.cfg.CANFilter) > 0 && !idInFilter(f.ID, a.cfg.CANFilter) {
			continue
		}
		frame := NewFrame(f.ID, f.Data[:f.Length], Incoming)
		frame.Extended = f.IsExtended
		frame.RTR = f.IsRemote
		select {
		case a.recvChan <- frame:
		default:
			a.Error(ErrDroppedFrame)
		}
	}
	if err := a.rx.Err(); err != nil {
		select {
		case <-a.closeChan:
		default:
			a.Fatal(Unrecoverable(fmt.Errorf("socketcan: receive: %w", err)))
		}
	}
}

func (a *SocketCAN) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closeChan:
			return
		case f := <-a.sendChan:
			frame := can.Frame{
				ID:         f.Identifier,
				Length:     uint8(len(f.Data)),
				IsExtended: f.Extended,
			}
			copy(frame.Data[:], f.Data)
			if err := a.tx.TransmitFrame(ctx, frame); err != nil {
				a.cfg.OnError(fmt.Errorf("socketcan: send: %w", err))
			}
		}
	}
}

// FindCANInterfaces lists network interfaces that look like CAN devices.
func FindCANInterfaces() (dev []string) {
	iFaces, _ := net.Interfaces()
	for _, i := range iFaces {
		if strings.Contains(i.Name, "can") {
			dev = append(dev, i.Name)
		}
	}
	return
}
