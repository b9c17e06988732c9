package vecu

import (
	"context"
	"sync"
)

// handler takes care of faning out incoming frames to any subscribers
type handler struct {
	adapter Adapter

	close     chan struct{}
	closeOnce sync.Once

	submap     map[uint32]map[*Subscriber]struct{}
	globalSubs []*Subscriber

	mu sync.RWMutex
}

func newHandler(adapter Adapter) *handler {
	return &handler{
		close:      make(chan struct{}),
		adapter:    adapter,
		submap:     make(map[uint32]map[*Subscriber]struct{}),
		globalSubs: make([]*Subscriber, 0, 16),
	}
}

func (h *handler) registerSubscriber(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.filterCount == 0 {
		h.globalSubs = append(h.globalSubs, sub)
		return
	}
	for id := range sub.identifiers {
		if _, ok := h.submap[id]; !ok {
			h.submap[id] = make(map[*Subscriber]struct{})
		}
		h.submap[id][sub] = struct{}{}
	}
}

func (h *handler) unregisterSubscriber(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSubscriber(sub)
}

// dropSubscriber must be called with h.mu held for writing.
func (h *handler) dropSubscriber(sub *Subscriber) {
	if sub.filterCount == 0 {
		for i, s := range h.globalSubs {
			if s == sub {
				h.globalSubs = append(h.globalSubs[:i], h.globalSubs[i+1:]...)
				close(sub.responseChan)
				return
			}
		}
		return
	}
	found := false
	for id := range sub.identifiers {
		if subs, ok := h.submap[id]; ok {
			if _, exists := subs[sub]; exists {
				found = true
				delete(subs, sub)
				if len(subs) == 0 {
					delete(h.submap, id)
				}
			}
		}
	}
	if found {
		close(sub.responseChan)
	}
}

func (h *handler) run(ctx context.Context) {
	recvChan := h.adapter.Recv()
	for {
		select {
		case <-h.close:
			return
		case <-ctx.Done():
			return
		case frame, ok := <-recvChan:
			if !ok {
				return
			}
			if frame == nil {
				continue
			}
			h.deliver(frame)
		}
	}
}

// deliver sends while holding RLock on h.mu. unregisterSubscriber takes the
// write lock before closing sub.responseChan, so the channel cannot be
// closed mid-send.
func (h *handler) deliver(frame *CANFrame) {
	var evict []*Subscriber
	h.mu.RLock()
	for _, sub := range h.globalSubs {
		if !h.send(sub, frame) {
			evict = append(evict, sub)
		}
	}
	if subs, ok := h.submap[frame.Identifier]; ok {
		for sub := range subs {
			if !h.send(sub, frame) {
				evict = append(evict, sub)
			}
		}
	}
	h.mu.RUnlock()
	if len(evict) != 0 {
		h.mu.Lock()
		for _, sub := range evict {
			h.dropSubscriber(sub)
		}
		h.mu.Unlock()
	}
}

// send reports false once a subscriber has fallen too far behind and
// should be evicted.
func (h *handler) send(sub *Subscriber, frame *CANFrame) bool {
	select {
	case sub.responseChan <- frame:
		sub.errcount = 0
	default:
		sub.errcount++
		if sub.errcount > 20 {
			return false
		}
	}
	return true
}

func (h *handler) Close() {
	h.closeOnce.Do(func() {
		close(h.close)
	})
}
