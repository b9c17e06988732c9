package isotp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Socket options of the kernel ISO-TP protocol, from linux/can/isotp.h.
// x/sys/unix carries the address family plumbing but not these.
const (
	solCANISOTP = unix.SOL_CAN_BASE + unix.CAN_ISOTP

	canISOTPOpts   = 1
	canISOTPRecvFC = 2
	canISOTPLLOpts = 5

	isotpListenMode = 0x0001
	isotpTxPadding  = 0x0004
	isotpRxPadding  = 0x0008
	isotpWaitTxDone = 0x0400

	canMTU   = 16
	canFDMTU = 72
)

// KernelSocket is an ISO-TP endpoint backed by the kernel's CAN_ISOTP
// protocol module. Segmentation, flow control and timing all happen in
// the kernel; reads and writes move whole messages.
type KernelSocket struct {
	f          *os.File
	iface      string
	listenOnly bool
}

// NewKernelSocket opens a CAN_ISOTP socket on the interface and binds
// it to the identifier pair in cfg. Requires the can-isotp kernel
// module.
func NewKernelSocket(iface string, cfg SocketConfig) (*KernelSocket, error) {
	if cfg.Params == nil {
		cfg.Params = DefaultParams()
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("isotp: lookup %s: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, unix.CAN_ISOTP)
	if err != nil {
		return nil, fmt.Errorf("isotp: socket: %w", err)
	}

	p := cfg.Params
	flags := uint32(isotpWaitTxDone)
	var txpad, rxpad byte
	if cfg.ListenOnly {
		flags |= isotpListenMode
	}
	if p.PaddingByte != nil {
		flags |= isotpTxPadding | isotpRxPadding
		txpad = *p.PaddingByte
		rxpad = *p.PaddingByte
	}
	opts := make([]byte, 12)
	binary.NativeEndian.PutUint32(opts[0:], flags)
	binary.NativeEndian.PutUint32(opts[4:], 0) // frame_txtime
	opts[9] = txpad
	opts[10] = rxpad
	if err := unix.SetsockoptString(fd, solCANISOTP, canISOTPOpts, string(opts)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotp: set options: %w", err)
	}

	fc := []byte{p.BlockSize, encodeSTmin(p.STmin), byte(p.WaitFrameMax)}
	if err := unix.SetsockoptString(fd, solCANISOTP, canISOTPRecvFC, string(fc)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotp: set flow control: %w", err)
	}

	if p.FD {
		ll := []byte{canFDMTU, byte(p.TxDataLength), 0}
		if err := unix.SetsockoptString(fd, solCANISOTP, canISOTPLLOpts, string(ll)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("isotp: set link layer options: %w", err)
		}
	}

	rxID, txID := cfg.RxID, cfg.TxID
	if cfg.Extended {
		rxID |= unix.CAN_EFF_FLAG
		txID |= unix.CAN_EFF_FLAG
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index, RxID: rxID, TxID: txID}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotp: bind %s: %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotp: set nonblocking: %w", err)
	}
	return &KernelSocket{
		f:          os.NewFile(uintptr(fd), "isotp:"+iface),
		iface:      iface,
		listenOnly: cfg.ListenOnly,
	}, nil
}

func (k *KernelSocket) Close() error {
	return k.f.Close()
}

// Send writes one message. The call returns once the kernel has
// finished the transfer, including any flow-control exchange. The
// kernel rejects writes in listen mode, so that case is caught here.
func (k *KernelSocket) Send(ctx context.Context, payload []byte) error {
	if k.listenOnly {
		return ErrListenOnly
	}
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	defer k.interruptOn(ctx, k.f.SetWriteDeadline)()
	if _, err := k.f.Write(payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("isotp: write: %w", err)
	}
	return nil
}

// Recv blocks until the kernel hands over a complete message.
func (k *KernelSocket) Recv(ctx context.Context) ([]byte, error) {
	defer k.interruptOn(ctx, k.f.SetReadDeadline)()
	buf := make([]byte, MaxPayload)
	n, err := k.f.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("isotp: read: %w", err)
	}
	return buf[:n], nil
}

// interruptOn arranges for ctx cancellation to break a blocking file
// operation by expiring its deadline. The returned cleanup restores the
// deadline so a fired cancellation cannot poison the next call.
func (k *KernelSocket) interruptOn(ctx context.Context, setDeadline func(time.Time) error) func() {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		setDeadline(time.Unix(1, 0))
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			setDeadline(time.Time{})
		}
	}
}

// Request sends a payload and waits for the peer's next message.
func (k *KernelSocket) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if err := k.Send(ctx, payload); err != nil {
		return nil, err
	}
	return k.Recv(ctx)
}
