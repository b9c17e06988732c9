package isotp

import (
	"context"
	"sync"
	"time"

	"github.com/vecutools/vecu"
)

// SocketConfig binds a socket to a CAN ID pair. RxID is the identifier
// we receive requests on, TxID the one we answer on.
type SocketConfig struct {
	RxID     uint32
	TxID     uint32
	Extended bool

	// Params tunes the transport layer. Nil means DefaultParams.
	Params *Params

	// ListenOnly suppresses the automatic flow-control replies this
	// socket would emit as a receiver. Reassembly still happens, which
	// lets a second socket shadow a transfer another socket is pacing.
	ListenOnly bool

	// OnTx reports outbound progress during Send, once per frame.
	OnTx func(sent, total int)

	// OnError receives protocol anomalies that do not abort a transfer,
	// such as unparseable frames on our identifier.
	OnError func(error)
}

// rxResult is one reassembled message or the error that aborted it.
type rxResult struct {
	data []byte
	err  error
}

// Socket is one ISO-TP endpoint on a CAN bus. Frames destined for other
// identifiers never reach it; the client fans incoming traffic out per
// subscription.
type Socket struct {
	cl  *vecu.Client
	cfg SocketConfig
	p   *Params

	sub     *vecu.Subscriber
	fcChan  chan FlowControlFrame
	msgChan chan rxResult

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeChan chan struct{}
}

// NewSocket subscribes to cfg.RxID on the client and starts the receive
// pump. The socket stays usable until Close or until ctx ends.
func NewSocket(ctx context.Context, cl *vecu.Client, cfg SocketConfig) (*Socket, error) {
	if cfg.Params == nil {
		cfg.Params = DefaultParams()
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	sub := cl.Subscribe(ctx, cfg.RxID)
	s := &Socket{
		cl:        cl,
		cfg:       cfg,
		p:         cfg.Params,
		sub:       sub,
		fcChan:    make(chan FlowControlFrame, 8),
		msgChan:   make(chan rxResult, 16),
		closeChan: make(chan struct{}),
	}
	go s.pump(ctx)
	return s, nil
}

// Close releases the subscription and unblocks pending Send and Recv
// calls with ErrSocketClosed.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.sub.Close()
	})
	return nil
}

// Recv blocks until a complete message has been reassembled. A transfer
// aborted by a sequence error, a timeout or an oversized announcement
// surfaces here as the error that killed it.
func (s *Socket) Recv(ctx context.Context) ([]byte, error) {
	select {
	case r := <-s.msgChan:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closeChan:
		return nil, ErrSocketClosed
	}
}

// Send transmits a payload, segmenting it when it does not fit a single
// frame and honoring the peer's flow control. Concurrent calls are
// serialized so consecutive frames of two messages never interleave.
func (s *Socket) Send(ctx context.Context, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.closeChan:
		return ErrSocketClosed
	default:
	}

	if len(payload) <= s.singleFrameCapacity() {
		if err := s.emit(buildSingleFrame(payload, s.p)); err != nil {
			return err
		}
		s.reportTx(len(payload), len(payload))
		return nil
	}

	// Stale flow control from an earlier aborted transfer must not
	// satisfy this one.
	s.drainFlowControl()

	first, consumed := buildFirstFrame(payload, s.p)
	if err := s.emit(first); err != nil {
		return err
	}
	s.reportTx(consumed, len(payload))
	remaining := payload[consumed:]
	seq := uint8(1)
	chunkLen := s.p.TxDataLength - 1

	for len(remaining) > 0 {
		bs, gap, err := s.waitFlowControl(ctx)
		if err != nil {
			return err
		}
		for sent := 0; len(remaining) > 0 && (bs == 0 || sent < int(bs)); sent++ {
			n := chunkLen
			if n > len(remaining) {
				n = len(remaining)
			}
			if err := s.emit(buildConsecutiveFrame(seq, remaining[:n], s.p)); err != nil {
				return err
			}
			remaining = remaining[n:]
			s.reportTx(len(payload)-len(remaining), len(payload))
			seq = (seq + 1) & 0x0F
			if gap > 0 && len(remaining) > 0 {
				t := time.NewTimer(gap)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-s.closeChan:
					t.Stop()
					return ErrSocketClosed
				}
			}
		}
	}
	return nil
}

// Request sends a payload and waits for the peer's next message.
func (s *Socket) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if err := s.Send(ctx, payload); err != nil {
		return nil, err
	}
	return s.Recv(ctx)
}

func (s *Socket) singleFrameCapacity() int {
	if s.p.FD {
		return s.p.TxDataLength - 2
	}
	return 7
}

func (s *Socket) reportTx(sent, total int) {
	if s.cfg.OnTx != nil {
		s.cfg.OnTx(sent, total)
	}
}

func (s *Socket) emit(data []byte) error {
	return s.cl.SendFrame(&vecu.CANFrame{
		Identifier: s.cfg.TxID,
		Data:       data,
		Extended:   s.cfg.Extended,
		FD:         s.p.FD,
		FrameType:  vecu.Outgoing,
	})
}

func (s *Socket) drainFlowControl() {
	for {
		select {
		case <-s.fcChan:
		default:
			return
		}
	}
}

// waitFlowControl blocks until the peer clears us to send the next
// block. Wait frames re-arm the timeout up to the configured limit.
func (s *Socket) waitFlowControl(ctx context.Context) (uint8, time.Duration, error) {
	waits := 0
	timer := time.NewTimer(s.p.TimeoutFC)
	defer timer.Stop()
	for {
		select {
		case fc := <-s.fcChan:
			switch fc.Status {
			case FlowStatusContinue:
				gap, err := decodeSTmin(fc.STminByte)
				if err != nil {
					return 0, 0, &FrameError{Reason: err.Error(), Data: []byte{fc.STminByte}}
				}
				return fc.BlockSize, gap, nil
			case FlowStatusWait:
				waits++
				if waits > s.p.WaitFrameMax {
					return 0, 0, &WaitFrameError{Max: s.p.WaitFrameMax}
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.p.TimeoutFC)
			case FlowStatusOverflow:
				return 0, 0, &OverflowError{}
			}
		case <-timer.C:
			return 0, 0, &TimeoutError{Wait: "flow control", Duration: s.p.TimeoutFC}
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-s.closeChan:
			return 0, 0, ErrSocketClosed
		}
	}
}

// pump owns the reassembly state. It routes flow control to the send
// path and turns everything else into completed messages or aborts.
func (s *Socket) pump(ctx context.Context) {
	var (
		buf        []byte
		want       int
		seq        uint8
		blockCount int
	)
	cfTimer := time.NewTimer(time.Hour)
	stopTimer(cfTimer)
	defer cfTimer.Stop()

	reset := func() {
		buf, want, seq, blockCount = nil, 0, 0, 0
		stopTimer(cfTimer)
	}
	rearm := func() {
		stopTimer(cfTimer)
		cfTimer.Reset(s.p.TimeoutCF)
	}

	for {
		select {
		case frame, ok := <-s.sub.Chan():
			if !ok {
				// Subscription died with the client. Close so pending
				// Recv and Send calls fail instead of hanging.
				s.Close()
				return
			}
			parsed, err := ParseFrame(frame.Data)
			if err != nil {
				s.reportError(err)
				continue
			}
			switch f := parsed.(type) {
			case FlowControlFrame:
				select {
				case s.fcChan <- f:
				default:
				}

			case SingleFrame:
				reset()
				data := make([]byte, len(f.Data))
				copy(data, f.Data)
				if !s.deliver(ctx, rxResult{data: data}) {
					return
				}

			case FirstFrame:
				reset()
				if f.Length > MaxPayload {
					if !s.cfg.ListenOnly {
						if err := s.emit(buildFlowControl(FlowStatusOverflow, 0, 0, s.p)); err != nil {
							s.reportError(err)
						}
					}
					if !s.deliver(ctx, rxResult{err: &OverflowError{Size: f.Length}}) {
						return
					}
					continue
				}
				want = f.Length
				buf = make([]byte, 0, want)
				buf = appendCapped(buf, f.Data, want)
				if len(buf) >= want {
					// Degenerate transfer that fit the first frame.
					if !s.deliver(ctx, rxResult{data: buf}) {
						return
					}
					reset()
					continue
				}
				seq = 1
				blockCount = 0
				if !s.cfg.ListenOnly {
					if err := s.emit(buildFlowControl(FlowStatusContinue, s.p.BlockSize, encodeSTmin(s.p.STmin), s.p)); err != nil {
						s.reportError(err)
					}
				}
				rearm()

			case ConsecutiveFrame:
				if want == 0 {
					// No transfer in progress, stray frame.
					continue
				}
				if f.Seq != seq {
					err := &SequenceError{Want: seq, Got: f.Seq}
					reset()
					if !s.deliver(ctx, rxResult{err: err}) {
						return
					}
					continue
				}
				buf = appendCapped(buf, f.Data, want)
				seq = (seq + 1) & 0x0F
				blockCount++
				if len(buf) >= want {
					data := buf
					reset()
					if !s.deliver(ctx, rxResult{data: data}) {
						return
					}
					continue
				}
				if s.p.BlockSize > 0 && blockCount >= int(s.p.BlockSize) {
					blockCount = 0
					if !s.cfg.ListenOnly {
						if err := s.emit(buildFlowControl(FlowStatusContinue, s.p.BlockSize, encodeSTmin(s.p.STmin), s.p)); err != nil {
							s.reportError(err)
						}
					}
				}
				rearm()
			}

		case <-cfTimer.C:
			if want > 0 {
				reset()
				if !s.deliver(ctx, rxResult{err: &TimeoutError{Wait: "consecutive frame", Duration: s.p.TimeoutCF}}) {
					return
				}
			}

		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		}
	}
}

// deliver hands a result to Recv, blocking until someone takes it. The
// false return means the socket went away while we were blocked.
func (s *Socket) deliver(ctx context.Context, r rxResult) bool {
	select {
	case s.msgChan <- r:
		return true
	case <-ctx.Done():
		return false
	case <-s.closeChan:
		return false
	}
}

func (s *Socket) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func appendCapped(buf, data []byte, want int) []byte {
	if n := want - len(buf); len(data) > n {
		data = data[:n]
	}
	return append(buf, data...)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
