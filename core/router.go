package core

import (
	"sync"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Routes stream events to handlers by kind
// ═══════════════════════════════════════════════════════════════════════════════

// Handler reacts to a stream event and may turn it into signals
type Handler func(ev types.StreamEvent) []*types.Signal

type Router struct {
	mu            sync.RWMutex
	subscriptions map[types.StreamEventKind][]Handler
	all           []Handler
}

// NewRouter creates a new event router
func NewRouter() *Router {
	return &Router{
		subscriptions: make(map[types.StreamEventKind][]Handler),
	}
}

// Subscribe registers a handler for one event kind
func (r *Router) Subscribe(kind types.StreamEventKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[kind] = append(r.subscriptions[kind], h)
}

// SubscribeAll registers a handler for every event
func (r *Router) SubscribeAll(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, h)
}

// Route sends an event to every matching handler and collects their signals
func (r *Router) Route(ev types.StreamEvent) []*types.Signal {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.all)+len(r.subscriptions[ev.Kind]))
	handlers = append(handlers, r.all...)
	handlers = append(handlers, r.subscriptions[ev.Kind]...)
	r.mu.RUnlock()

	var signals []*types.Signal
	for _, h := range handlers {
		signals = append(signals, h(ev)...)
	}
	return signals
}
