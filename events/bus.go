// Package events is the in-process pub/sub that connects pipeline stages to
// observers (notifier, persistence, HTTP stats).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigbot/types"
)

// Type identifies the kind of event
type Type string

const (
	SignalQueued           Type = "SIGNAL_QUEUED"
	SignalRejected         Type = "SIGNAL_REJECTED"
	TradeRejected          Type = "TRADE_REJECTED"
	TradeCompleted         Type = "TRADE_COMPLETED"
	TradeFailed            Type = "TRADE_FAILED"
	PositionOpened         Type = "POSITION_OPENED"
	PositionUpdated        Type = "POSITION_UPDATED"
	PositionClosed         Type = "POSITION_CLOSED"
	StatsUpdated           Type = "STATS_UPDATED"
	ConnectionStateChanged Type = "CONNECTION_STATE_CHANGED"
	StreamEventReceived    Type = "STREAM_EVENT"
)

// Event is a single bus message. Only the fields relevant to Type are set.
type Event struct {
	Type       Type
	Time       time.Time
	Reason     string
	Signal     *types.Signal
	Assessment *types.RiskAssessment
	Result     *types.ExecutionResult
	Position   *types.Position
	Closure    *types.Closure
	Trade      *types.TradeRecord // audit record, set on trade outcomes
	Snapshot   *types.Snapshot
	Stream     *types.StreamEvent
	State      types.ConnectionState
	Attempt    int
	Delay      time.Duration
}

// Publisher is what pipeline components depend on
type Publisher interface {
	Publish(Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(Event) {}

// Bus fans events out to subscribers without blocking the publisher
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe returns a channel with the given buffer and a cancel func.
// The channel is closed on cancel or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers to every subscriber with room; full subscribers miss the event
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				log.Warn().Str("type", string(e.Type)).Uint64("dropped", n).Msg("⚠️ Event bus subscriber full")
			}
		}
	}
}

// Dropped returns how many deliveries were skipped
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close releases every subscriber. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
