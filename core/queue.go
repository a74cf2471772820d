package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigbot/internal/config"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL QUEUE - Admission filter + bounded FIFO
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Stream / Ingress → Filter → Queue → drain tick → Risk Gate
//
// The filter is cheap and runs before enqueue. Rejections are expected
// outcomes: they are logged and returned as *types.SignalRejected, never
// treated as failures by the caller.
//
// ═══════════════════════════════════════════════════════════════════════════════

const maxRememberedIDs = 10000

// Filter applies the pre-queue admission rules
type Filter struct {
	cfg *config.Config
}

// NewFilter creates a filter over the immutable config
func NewFilter(cfg *config.Config) *Filter {
	return &Filter{cfg: cfg}
}

// Check returns nil if the signal may be queued
func (f *Filter) Check(sig *types.Signal, now time.Time) error {
	if sig == nil {
		return &types.SignalRejected{Reason: "nil signal"}
	}
	reject := func(format string, args ...interface{}) error {
		reason := fmt.Sprintf(format, args...)
		log.Debug().
			Str("signal", sig.ID).
			Str("token", sig.Label()).
			Str("source", sig.Source).
			Str("reason", reason).
			Msg("🚫 Signal filtered")
		return &types.SignalRejected{SignalID: sig.ID, Reason: reason}
	}

	if err := sig.Validate(); err != nil {
		return reject("malformed: %v", err)
	}
	if !f.cfg.SourceAllowed(sig.Source) {
		return reject("source %q not allowed", sig.Source)
	}
	if sig.Confidence < f.cfg.MinConfidenceThreshold {
		return reject("confidence %.2f below %.2f", sig.Confidence, f.cfg.MinConfidenceThreshold)
	}
	// Unknown liquidity passes; the risk gate prices it in
	if liq := sig.Metadata.Liquidity; liq != nil && liq.LessThan(f.cfg.MinLiquidity) {
		return reject("liquidity %s below %s", liq.StringFixed(0), f.cfg.MinLiquidity.StringFixed(0))
	}
	if rug := sig.Metadata.RugRisk; rug != nil && *rug > f.cfg.MaxRugRisk {
		return reject("rug risk %.2f above %.2f", *rug, f.cfg.MaxRugRisk)
	}
	if f.cfg.MaxSignalAge > 0 && !sig.Timestamp.IsZero() && now.Sub(sig.Timestamp) > f.cfg.MaxSignalAge {
		return reject("stale by %s", now.Sub(sig.Timestamp).Round(time.Second))
	}
	return nil
}

// SignalQueue is a bounded FIFO with duplicate suppression by signal id
type SignalQueue struct {
	mu       sync.Mutex
	items    []*types.Signal
	capacity int

	seen  map[string]struct{}
	order []string // seen ids, oldest first
}

// NewSignalQueue creates a queue holding at most capacity signals
func NewSignalQueue(capacity int) *SignalQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &SignalQueue{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// Offer enqueues a signal. Returns ErrQueueFull when at capacity and a
// *types.SignalRejected for an id that was already offered.
func (q *SignalQueue) Offer(sig *types.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[sig.ID]; dup {
		return &types.SignalRejected{SignalID: sig.ID, Reason: "duplicate signal"}
	}
	if len(q.items) >= q.capacity {
		return types.ErrQueueFull
	}

	q.items = append(q.items, sig)
	q.seen[sig.ID] = struct{}{}
	q.order = append(q.order, sig.ID)
	if len(q.order) > maxRememberedIDs {
		delete(q.seen, q.order[0])
		q.order = q.order[1:]
	}
	return nil
}

// Drain removes and returns up to max signals in arrival order
func (q *SignalQueue) Drain(max int) []*types.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]*types.Signal, n)
	copy(out, q.items[:n])
	// Shift rather than reslice so the backing array does not pin drained signals
	rest := copy(q.items, q.items[n:])
	for i := rest; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:rest]
	return out
}

// Len returns the number of queued signals
func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
