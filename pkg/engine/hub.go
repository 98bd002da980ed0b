package engine

import (
	"context"
	"sync/atomic"

	"svlink/pkg/protocol"
)

// Hub fans pose samples out to recorders and bridges. Slow subscribers miss
// samples rather than stall the publisher.
type Hub struct {
	broadcast  chan protocol.PoseSample
	register   chan chan protocol.PoseSample
	unregister chan chan protocol.PoseSample
	clients    map[chan protocol.PoseSample]struct{}
	clientBuf  int
	dropped    atomic.Uint64
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.PoseSample, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.PoseSample, 256),
		register:   make(chan chan protocol.PoseSample),
		unregister: make(chan chan protocol.PoseSample),
		clients:    make(map[chan protocol.PoseSample]struct{}),
		clientBuf:  100,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case sample := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- sample:
				default:
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan protocol.PoseSample {
	return h.SubscribeWithBuffer(h.clientBuf)
}

func (h *Hub) SubscribeWithBuffer(size int) chan protocol.PoseSample {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.PoseSample, size)
	h.register <- ch
	return ch
}

func (h *Hub) Unsubscribe(ch chan protocol.PoseSample) {
	h.unregister <- ch
}

func (h *Hub) Publish(sample protocol.PoseSample) {
	h.broadcast <- sample
}

// TryPublish never blocks; it reports false when the broadcast buffer is full.
func (h *Hub) TryPublish(sample protocol.PoseSample) bool {
	select {
	case h.broadcast <- sample:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Dropped counts samples rejected by TryPublish.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
