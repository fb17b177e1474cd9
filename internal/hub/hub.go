// Package hub fans captured requests out to live subscribers. Subscriptions
// are in-memory only; a viewer that reconnects fetches what it missed from
// the store, the hub keeps no replay buffer.
package hub

import (
	"sync"

	"github.com/PipeOpsHQ/hooktrap/internal/metrics"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

const defaultBufferSize = 32

// Hub maps endpoint IDs to their live subscribers. Publish and the
// subscriber set share one lock, which makes delivery order per endpoint
// identical for every subscriber; sends never block, so one stalled
// consumer cannot hold up the rest.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	bufSize int
}

func New(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		bufSize: bufSize,
	}
}

// Subscription is one connection's interest in an endpoint's stream.
type Subscription struct {
	hub        *Hub
	endpointID string
	ch         chan *store.Request
	closed     bool // guarded by hub.mu
}

func (h *Hub) Subscribe(endpointID string) *Subscription {
	sub := &Subscription{
		hub:        h,
		endpointID: endpointID,
		ch:         make(chan *store.Request, h.bufSize),
	}
	h.mu.Lock()
	set := h.subs[endpointID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[endpointID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	return sub
}

// C is the stream of captured requests. The hub closes it in Close.
func (s *Subscription) C() <-chan *store.Request { return s.ch }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return
	}
	s.closed = true
	if set, ok := h.subs[s.endpointID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.endpointID)
		}
	}
	close(s.ch)
	h.mu.Unlock()

	metrics.Subscribers.Dec()
}

// Publish delivers req to every current subscriber of the endpoint. When a
// buffer is full the oldest buffered event makes room, so a slow viewer
// keeps seeing the freshest captures instead of stalling the publisher.
func (h *Hub) Publish(endpointID string, req *store.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[endpointID] {
		select {
		case sub.ch <- req:
			metrics.FanoutPublished.Inc()
		default:
			// Publish is the only sender and holds the lock, so after one
			// receive the send cannot block.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- req
			metrics.FanoutPublished.Inc()
			metrics.FanoutDropped.Inc()
		}
	}
}

// CloseEndpoint disconnects every subscriber of the endpoint, used when
// the endpoint itself goes away. Subscribers observe it as a closed stream.
func (h *Hub) CloseEndpoint(endpointID string) {
	h.mu.Lock()
	set := h.subs[endpointID]
	delete(h.subs, endpointID)
	n := 0
	for sub := range set {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
			n++
		}
	}
	h.mu.Unlock()

	metrics.Subscribers.Sub(float64(n))
}

func (h *Hub) SubscriberCount(endpointID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[endpointID])
}
