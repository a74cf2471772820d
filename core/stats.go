package core

import (
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATS - Portfolio snapshots for observers
// ═══════════════════════════════════════════════════════════════════════════════

// Status is the operator view served over HTTP and Telegram
type Status struct {
	Mode          types.TradingMode
	AutoTrading   bool
	Paused        bool
	Queued        int
	Received      int64
	Accepted      int64
	Filtered      int64
	BreakerOpen   bool
	BreakerReason string
	Stream        string
	Snapshot      types.Snapshot
	Execution     map[string]interface{}
}

// UpdateStats recomputes the portfolio snapshot and publishes it. It only
// reads ledger state.
func (e *Engine) UpdateStats() types.Snapshot {
	snap := e.ledger.Snapshot()
	e.snapshot.Store(&snap)
	e.publish(events.Event{Type: events.StatsUpdated, Snapshot: &snap})

	log.Debug().
		Str("portfolio", snap.PortfolioValue.StringFixed(4)).
		Str("cash", snap.CashBalance.StringFixed(4)).
		Str("daily_pnl", snap.DailyPnL.StringFixed(4)).
		Str("total_pnl", snap.TotalPnL.StringFixed(4)).
		Float64("win_rate", snap.WinRate).
		Int("open", snap.OpenPositions).
		Msg("📊 Stats")
	return snap
}

// Snapshot returns the last published snapshot, computing one if none exists
func (e *Engine) Snapshot() types.Snapshot {
	if s := e.snapshot.Load(); s != nil {
		return *s
	}
	return e.ledger.Snapshot()
}

// Positions returns copies of every open position
func (e *Engine) Positions() []*types.Position {
	return e.ledger.Positions()
}

// Status assembles the operator view
func (e *Engine) Status() Status {
	_, _, tripped, reason := e.assessor.Breaker().GetStats()
	st := Status{
		Mode:          e.executor.Mode(),
		AutoTrading:   e.cfg.AutoTradingEnabled,
		Paused:        e.paused.Load(),
		Queued:        e.queue.Len(),
		Received:      e.received.Load(),
		Accepted:      e.queued.Load(),
		Filtered:      e.filtered.Load(),
		BreakerOpen:   tripped,
		BreakerReason: reason,
		Stream:        "NONE",
		Snapshot:      e.ledger.Snapshot(),
		Execution:     e.executor.GetMetrics(),
	}
	if e.stream != nil {
		st.Stream = e.stream.State().String()
	}
	return st
}
