package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ASYNC WRITER - Best-effort persistence off the trading path
// ═══════════════════════════════════════════════════════════════════════════════
//
// The writer subscribes to the bus and persists trade records and position
// changes from its own goroutine. Failures are logged and dropped. Replays are
// harmless because CreateTrade is idempotent on the record id.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store is the subset of Database the writer needs
type Store interface {
	CreateTrade(ctx context.Context, rec types.TradeRecord) error
	UpsertPosition(ctx context.Context, pos *types.Position) error
}

type Writer struct {
	store   Store
	ch      <-chan events.Event
	cancel  func()
	timeout time.Duration
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  int
	failures int
}

// NewWriter subscribes to the bus. Call Start to begin writing.
func NewWriter(store Store, bus *events.Bus, buffer int) *Writer {
	ch, cancel := bus.Subscribe(buffer)
	return &Writer{
		store:   store,
		ch:      ch,
		cancel:  cancel,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Start launches the write loop
func (w *Writer) Start() {
	go w.run()
}

// Close unsubscribes and waits until everything already queued is written
func (w *Writer) Close() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Stats returns how many writes succeeded and failed
func (w *Writer) Stats() (written, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.failures
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.ch {
		w.handle(e)
	}
}

func (w *Writer) handle(e events.Event) {
	if e.Trade != nil {
		w.write("create trade", func(ctx context.Context) error {
			return w.store.CreateTrade(ctx, *e.Trade)
		})
	}

	switch e.Type {
	case events.PositionOpened, events.PositionUpdated:
		if e.Position != nil {
			w.write("upsert position", func(ctx context.Context) error {
				return w.store.UpsertPosition(ctx, e.Position)
			})
		}
	case events.PositionClosed:
		if e.Closure != nil && e.Closure.Closed {
			closed := &types.Position{
				TokenID:     e.Closure.TokenID,
				Symbol:      e.Closure.Symbol,
				Amount:      decimal.Zero,
				RealizedPnL: e.Closure.PnL,
				UpdatedAt:   e.Closure.Timestamp,
			}
			if e.Position != nil {
				closed = e.Position.Clone()
				closed.Amount = decimal.Zero
			}
			w.write("close position", func(ctx context.Context) error {
				return w.store.UpsertPosition(ctx, closed)
			})
		} else if e.Position != nil {
			w.write("upsert position", func(ctx context.Context) error {
				return w.store.UpsertPosition(ctx, e.Position)
			})
		}
	}
}

func (w *Writer) write(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
		w.mu.Lock()
		w.written++
		w.mu.Unlock()
	case errors.Is(err, types.ErrDuplicateTrade):
		log.Debug().Str("op", op).Msg("Duplicate record skipped")
	case errors.Is(err, types.ErrStoreDisabled):
	default:
		w.mu.Lock()
		w.failures++
		w.mu.Unlock()
		var perr *types.PersistenceError
		if !errors.As(err, &perr) {
			err = &types.PersistenceError{Op: op, Err: err}
		}
		log.Warn().Err(err).Msg("⚠️ Persistence failed")
	}
}
