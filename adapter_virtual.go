package vecu

import (
	"context"
	"sync"
)

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:           "virtual",
		Description:    "In-process virtual bus",
		RequiresKernel: false,
		Capabilities: AdapterCapabilities{
			Classic: true,
			FD:      true,
		},
		New: NewVirtual,
	}); err != nil {
		panic(err)
	}
}

// virtualBus is a named broadcast domain. Every adapter attached to the
// same bus name sees every frame sent by the others, mirroring how
// multiple sockets on one SocketCAN interface observe each other.
type virtualBus struct {
	name    string
	mu      sync.RWMutex
	members map[*Virtual]struct{}
}

var (
	virtualBusesMu sync.Mutex
	virtualBuses   = make(map[string]*virtualBus)
)

func getVirtualBus(name string) *virtualBus {
	virtualBusesMu.Lock()
	defer virtualBusesMu.Unlock()
	if bus, ok := virtualBuses[name]; ok {
		return bus
	}
	bus := &virtualBus{
		name:    name,
		members: make(map[*Virtual]struct{}),
	}
	virtualBuses[name] = bus
	return bus
}

func (b *virtualBus) attach(v *Virtual) {
	b.mu.Lock()
	b.members[v] = struct{}{}
	b.mu.Unlock()
}

func (b *virtualBus) detach(v *Virtual) {
	b.mu.Lock()
	delete(b.members, v)
	b.mu.Unlock()
}

// broadcast delivers a frame to every member except the sender. The
// sender never receives its own traffic, matching kernel loopback
// behavior between distinct sockets.
func (b *virtualBus) broadcast(sender *Virtual, frame *CANFrame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for member := range b.members {
		if member == sender {
			continue
		}
		member.dispatch(frame)
	}
}

// Virtual is an adapter attached to a named in-process bus. It carries
// both classic and FD frames and needs no kernel support, so tests and
// the CLI can run anywhere.
type Virtual struct {
	*BaseAdapter
	bus *virtualBus
}

func NewVirtual(cfg *AdapterConfig) (Adapter, error) {
	return &Virtual{
		BaseAdapter: NewBaseAdapter("virtual", cfg),
	}, nil
}

func (v *Virtual) Open(ctx context.Context) error {
	v.bus = getVirtualBus(busName(v.cfg))
	v.bus.attach(v)
	go v.sendManager(ctx)
	return nil
}

func (v *Virtual) Close() error {
	if v.bus != nil {
		v.bus.detach(v)
	}
	v.BaseAdapter.Close()
	return nil
}

func (v *Virtual) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.closeChan:
			return
		case frame := <-v.sendChan:
			v.bus.broadcast(v, frame)
		}
	}
}

// dispatch hands a copy of the frame to this adapter's receive side.
func (v *Virtual) dispatch(frame *CANFrame) {
	if len(v.cfg.CANFilter) > 0 && !idInFilter(frame.Identifier, v.cfg.CANFilter) {
		return
	}
	in := NewFrame(frame.Identifier, frame.Data, Incoming)
	in.Extended = frame.Extended
	in.FD = frame.FD
	select {
	case v.recvChan <- in:
	default:
		v.Error(ErrDroppedFrame)
	}
}

func busName(cfg *AdapterConfig) string {
	if cfg.Interface == "" {
		return "vbus0"
	}
	return cfg.Interface
}

func idInFilter(id uint32, filter []uint32) bool {
	for _, f := range filter {
		if f == id {
			return true
		}
	}
	return false
}
