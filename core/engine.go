package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/execution"
	"github.com/web3guy0/sigbot/feeds"
	"github.com/web3guy0/sigbot/internal/config"
	"github.com/web3guy0/sigbot/risk"
	"github.com/web3guy0/sigbot/storage"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Stream → Router → Filter → Queue → Risk Gate → Executor → Ledger
//                                                    ↑
//                               Exit Monitor (own tick)
//
// Four independent tickers drive the engine: drain (~100ms), exit monitor
// (~5s), price refresh (~30s) and stats (~10s). Each runs in its own
// goroutine so a slow broker or price call never delays the others. Shared
// state lives in the Ledger and the SignalQueue, both mutex guarded.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	priceTimeout   = 10 * time.Second
	balanceTimeout = 10 * time.Second
)

// Deps are the collaborators an Engine is built from. Stream, Prices,
// Registry and Reconciler are optional.
type Deps struct {
	Config     *config.Config
	Clock      clock.Clock
	Bus        *events.Bus
	Executor   *execution.Executor
	Assessor   *risk.Assessor
	Stream     feeds.Stream
	Prices     feeds.PriceSource
	Registry   *TokenRegistry
	Reconciler *execution.Reconciler
}

type Engine struct {
	mu sync.Mutex

	// Components
	cfg        *config.Config
	clk        clock.Clock
	bus        *events.Bus
	executor   *execution.Executor
	ledger     *execution.Ledger
	assessor   *risk.Assessor
	stream     feeds.Stream
	prices     feeds.PriceSource
	registry   *TokenRegistry
	reconciler *execution.Reconciler
	mapper     *feeds.SignalMapper
	router     *Router
	filter     *Filter
	queue      *SignalQueue

	// State
	paused   atomic.Bool
	running  bool
	stopped  bool
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	snapshot atomic.Pointer[types.Snapshot]

	// Stats
	received atomic.Int64
	queued   atomic.Int64
	filtered atomic.Int64
}

// NewEngine wires an engine. Config, Clock, Bus, Executor and Assessor are
// required.
func NewEngine(d Deps) (*Engine, error) {
	switch {
	case d.Config == nil:
		return nil, &types.ConfigurationError{Field: "config", Reason: "required"}
	case d.Executor == nil:
		return nil, &types.ConfigurationError{Field: "executor", Reason: "required"}
	case d.Assessor == nil:
		return nil, &types.ConfigurationError{Field: "assessor", Reason: "required"}
	case d.Bus == nil:
		return nil, &types.ConfigurationError{Field: "bus", Reason: "required"}
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Registry == nil {
		d.Registry = NewTokenRegistry(nil)
	}
	if d.Prices == nil {
		d.Prices = d.Registry
	}

	e := &Engine{
		cfg:        d.Config,
		clk:        d.Clock,
		bus:        d.Bus,
		executor:   d.Executor,
		ledger:     d.Executor.Ledger(),
		assessor:   d.Assessor,
		stream:     d.Stream,
		prices:     d.Prices,
		registry:   d.Registry,
		reconciler: d.Reconciler,
		mapper:     feeds.NewSignalMapper(d.Config.QuoteMints, d.Config.TrustFor),
		router:     NewRouter(),
		filter:     NewFilter(d.Config),
		queue:      NewSignalQueue(d.Config.QueueCapacity),
		stopCh:     make(chan struct{}),
	}

	e.router.SubscribeAll(e.publishStreamEvent)
	e.router.Subscribe(types.KindTokenSwap, e.onSwap)
	e.router.Subscribe(types.KindBalanceChange, e.onBalanceChange)

	return e, nil
}

// Ledger exposes the position ledger for read-only observers
func (e *Engine) Ledger() *execution.Ledger { return e.ledger }

// Registry exposes the token registry
func (e *Engine) Registry() *TokenRegistry { return e.registry }

// Router exposes the stream router so extra handlers can be attached
func (e *Engine) Router() *Router { return e.router }

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Start recovers persisted positions, then starts the stream and every loop
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.warmStart(ctx)

	if e.stream != nil {
		e.stream.Start(ctx)
		e.wg.Add(1)
		go e.streamLoop(e.stream.Events())
	}

	e.every("drain", e.cfg.DrainInterval, func() { e.DrainQueue(ctx) })
	e.every("monitor", e.cfg.MonitorInterval, func() { e.CheckExits(ctx) })
	e.every("prices", e.cfg.PriceInterval, func() { e.RefreshPrices(ctx) })
	e.every("stats", e.cfg.StatsInterval, func() { e.UpdateStats() })

	log.Info().
		Str("mode", string(e.executor.Mode())).
		Bool("auto_trading", e.cfg.AutoTradingEnabled).
		Int("positions", len(e.ledger.TokenIDs())).
		Msg("⚡ Engine started")
}

// Stop halts every loop, closes the stream and releases the bus. Safe to
// call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	wasRunning := e.running
	e.running = false
	close(e.stopCh)
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	if e.stream != nil && wasRunning {
		e.stream.Stop()
	}
	e.wg.Wait()
	e.bus.Close()

	log.Info().Msg("Engine stopped")
}

// warmStart loads open positions from the durable store and, in live mode,
// the broker balance
func (e *Engine) warmStart(ctx context.Context) {
	if e.reconciler != nil {
		if n, err := e.reconciler.RecoverPositions(ctx, storage.PositionFilter{}); err != nil {
			log.Warn().Err(err).Msg("⚠️ Warm start skipped")
		} else if n > 0 {
			log.Info().Int("positions", n).Msg("♻️ Positions recovered")
		}
	}
	if e.executor.Mode() == types.ModeLive {
		bctx, cancel := context.WithTimeout(ctx, balanceTimeout)
		defer cancel()
		if err := e.executor.RefreshBalance(bctx); err != nil {
			log.Warn().Err(err).Msg("⚠️ Broker balance unavailable")
		}
	}
}

// every runs fn on a ticker until Stop. A tick body never overlaps itself.
func (e *Engine) every(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		log.Warn().Str("task", name).Msg("⚠️ Task disabled, no interval")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := e.clk.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.safely(name, fn)
			}
		}
	}()
}

// safely keeps a panicking tick from taking the process down
func (e *Engine) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", name).Interface("panic", r).Msg("🔥 Task panicked")
		}
	}()
	fn()
}

func (e *Engine) streamLoop(ch <-chan types.StreamEvent) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				log.Warn().Msg("⚠️ Stream closed")
				return
			}
			e.Route(ev)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTROL
// ═══════════════════════════════════════════════════════════════════════════════

// Pause stops new signal-driven trades. Exit monitoring continues.
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		log.Warn().Msg("⏸️ Trading paused")
	}
}

// Resume re-enables signal-driven trades
func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		log.Info().Msg("▶️ Trading resumed")
	}
}

// IsPaused reports the runtime trading switch
func (e *Engine) IsPaused() bool { return e.paused.Load() }

// tradingBlocked returns why signal-driven trading is off, or ""
func (e *Engine) tradingBlocked() string {
	switch {
	case !e.cfg.AutoTradingEnabled:
		return "auto trading disabled"
	case e.paused.Load():
		return "trading paused"
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// INGESTION
// ═══════════════════════════════════════════════════════════════════════════════

// Route hands a stream event to the router and submits any resulting signals
func (e *Engine) Route(ev types.StreamEvent) {
	for _, sig := range e.router.Route(ev) {
		_ = e.Submit(sig)
	}
}

// Submit filters and enqueues a signal. Rejections come back as
// *types.SignalRejected, a full queue as ErrQueueFull; both are also
// published as SignalRejected events.
func (e *Engine) Submit(sig *types.Signal) error {
	e.received.Add(1)
	if sig != nil && sig.Symbol == "" {
		sig.Symbol = e.registry.Symbol(sig.TokenID)
	}

	if err := e.filter.Check(sig, e.clk.Now()); err != nil {
		e.filtered.Add(1)
		e.rejectSignal(sig, rejectionReason(err))
		return err
	}
	if err := e.queue.Offer(sig); err != nil {
		e.filtered.Add(1)
		if errors.Is(err, types.ErrQueueFull) {
			log.Warn().Str("signal", sig.ID).Int("queued", e.queue.Len()).Msg("⚠️ Signal queue full")
		}
		e.rejectSignal(sig, rejectionReason(err))
		return err
	}

	e.queued.Add(1)
	e.publish(events.Event{Type: events.SignalQueued, Signal: sig})
	log.Debug().
		Str("signal", sig.ID).
		Str("token", sig.Label()).
		Str("action", string(sig.Action)).
		Float64("confidence", sig.Confidence).
		Msg("📥 Signal queued")
	return nil
}

func rejectionReason(err error) string {
	var sr *types.SignalRejected
	if errors.As(err, &sr) {
		return sr.Reason
	}
	return err.Error()
}

// publishStreamEvent forwards raw stream traffic to observers
func (e *Engine) publishStreamEvent(ev types.StreamEvent) []*types.Signal {
	cp := ev
	e.publish(events.Event{Type: events.StreamEventReceived, Stream: &cp})
	return nil
}

// onSwap marks held tokens to the traded price and maps the swap to a signal
func (e *Engine) onSwap(ev types.StreamEvent) []*types.Signal {
	sig := e.mapper.Map(ev)
	if sig == nil {
		return nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = e.clk.Now()
	}
	e.registry.Observe(sig.TokenID, sig.Price, at)
	e.ledger.UpdatePrice(sig.TokenID, sig.Price)
	if sig.Metadata.PriceChange24h == nil {
		if chg, ok := e.registry.Change24h(sig.TokenID); ok {
			sig.Metadata.PriceChange24h = &chg
		}
	}
	return []*types.Signal{sig}
}

// onBalanceChange tracks the trading wallet's native quote balance as cash
func (e *Engine) onBalanceChange(ev types.StreamEvent) []*types.Signal {
	b := ev.Balance
	if b == nil || e.cfg.TradingWallet == "" || b.Account != e.cfg.TradingWallet {
		return nil
	}
	if b.Mint != "" && !e.mapper.IsQuote(b.Mint) {
		return nil
	}
	if b.Mint == "" && !e.mapper.IsQuote(feeds.WrappedSOLMint) {
		return nil
	}
	e.ledger.SetCash(b.After)
	log.Debug().Str("cash", b.After.String()).Msg("💰 Wallet balance updated")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// DRAIN
// ═══════════════════════════════════════════════════════════════════════════════

// DrainQueue processes up to DrainBatch queued signals and returns how many
// were taken off the queue
func (e *Engine) DrainQueue(ctx context.Context) int {
	batch := e.queue.Drain(e.cfg.DrainBatch)
	for _, sig := range batch {
		if ctx.Err() != nil {
			return len(batch)
		}
		e.process(ctx, sig)
	}
	return len(batch)
}

// process runs one signal through admission and execution
func (e *Engine) process(ctx context.Context, sig *types.Signal) {
	if reason := e.tradingBlocked(); reason != "" {
		e.rejectTrade(sig, nil, reason)
		return
	}
	// Signals can age in the queue
	if e.cfg.MaxSignalAge > 0 && !sig.Timestamp.IsZero() && e.clk.Since(sig.Timestamp) > e.cfg.MaxSignalAge {
		e.rejectSignal(sig, "stale in queue")
		return
	}

	if sig.Action == types.ActionSell {
		e.exitOnSignal(ctx, sig)
		return
	}

	ra, err := e.assessor.Assess(sig, e.ledger.PortfolioState(sig.TokenID))
	if err != nil || !ra.Approved {
		reason := ra.Reason
		if reason == "" && err != nil {
			reason = err.Error()
		}
		e.rejectTrade(sig, &ra, reason)
		return
	}

	log.Info().
		Str("signal", sig.ID).
		Str("token", sig.Label()).
		Str("source", sig.Source).
		Float64("confidence", sig.Confidence).
		Float64("risk_score", ra.RiskScore).
		Str("size", ra.AdjustedPositionSize.StringFixed(4)).
		Str("sl", ra.RecommendedStopLoss.String()).
		Msg("🎯 SIGNAL APPROVED")

	order, pos, opened, err := e.executor.Buy(ctx, sig, &ra)
	if err != nil {
		if errors.Is(err, types.ErrDuplicateTrade) {
			log.Debug().Str("signal", sig.ID).Msg("Fill already applied")
			return
		}
		e.failTrade(sig, order, types.ActionBuy, err)
		return
	}

	e.publish(events.Event{
		Type:       events.TradeCompleted,
		Signal:     sig,
		Assessment: &ra,
		Result:     orderResult(order),
		Trade: &types.TradeRecord{
			ID:        order.TxID,
			TxID:      order.TxID,
			SignalID:  sig.ID,
			TokenID:   sig.TokenID,
			Symbol:    sig.Symbol,
			Side:      types.ActionBuy,
			Amount:    order.FilledAmount,
			Price:     order.AvgFillPrice,
			Fee:       order.Fee,
			Status:    types.TradeFilled,
			Source:    sig.Source,
			RiskScore: ra.RiskScore,
			Timestamp: order.FillTime,
		},
	})

	evType := events.PositionUpdated
	if opened {
		evType = events.PositionOpened
	}
	e.publish(events.Event{Type: evType, Position: pos, Signal: sig})
}

// exitOnSignal closes the whole position when a source signals SELL
func (e *Engine) exitOnSignal(ctx context.Context, sig *types.Signal) {
	if _, held := e.ledger.Position(sig.TokenID); !held {
		e.rejectTrade(sig, nil, types.ErrNoPosition.Error())
		return
	}
	order, closure, err := e.executor.ClosePosition(ctx, sig.TokenID, types.ExitSignal)
	e.afterExit(sig, order, closure, err)
}

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOME EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) publish(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clk.Now()
	}
	e.bus.Publish(ev)
}

// rejectSignal reports a pre-queue or queue-time rejection
func (e *Engine) rejectSignal(sig *types.Signal, reason string) {
	ev := events.Event{Type: events.SignalRejected, Signal: sig, Reason: reason}
	if sig != nil && sig.ID != "" {
		ev.Trade = rejectionRecord(sig, reason, 0, e.clk.Now())
	}
	e.publish(ev)
}

// rejectTrade reports a risk gate or pipeline rejection
func (e *Engine) rejectTrade(sig *types.Signal, ra *types.RiskAssessment, reason string) {
	score := 0.0
	if ra != nil {
		score = ra.RiskScore
	}
	log.Info().
		Str("signal", sig.ID).
		Str("token", sig.Label()).
		Str("action", string(sig.Action)).
		Float64("risk_score", score).
		Str("reason", reason).
		Msg("🚫 Trade rejected")
	e.publish(events.Event{
		Type:       events.TradeRejected,
		Signal:     sig,
		Assessment: ra,
		Reason:     reason,
		Trade:      rejectionRecord(sig, reason, score, e.clk.Now()),
	})
}

// failTrade reports a broker or ledger failure. Failed trades are not retried.
func (e *Engine) failTrade(sig *types.Signal, order *execution.Order, side types.Action, err error) {
	rec := &types.TradeRecord{
		Side:      side,
		Status:    types.TradeFailed,
		Reason:    err.Error(),
		Timestamp: e.clk.Now(),
	}
	if order != nil {
		rec.ID = order.ClientID
		rec.TokenID = order.TokenID
		rec.Symbol = order.Symbol
		rec.Amount = order.Amount
		rec.Price = order.Price
		if order.Reason != "" {
			rec.Reason = fmt.Sprintf("%s: %v", order.Reason, err)
		}
	}
	if sig != nil {
		rec.SignalID = sig.ID
		rec.Source = sig.Source
		if rec.TokenID == "" {
			rec.TokenID = sig.TokenID
			rec.Symbol = sig.Symbol
		}
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("FAILED_%s_%d", rec.TokenID, rec.Timestamp.UnixNano())
	}

	log.Error().
		Err(err).
		Str("token", types.ShortID(rec.TokenID)).
		Str("side", string(side)).
		Msg("❌ Trade failed")

	e.publish(events.Event{
		Type:   events.TradeFailed,
		Signal: sig,
		Reason: err.Error(),
		Result: &types.ExecutionResult{Success: false, Error: err.Error()},
		Trade:  rec,
	})
}

// afterExit publishes the outcome of a closing order and feeds the breaker
func (e *Engine) afterExit(sig *types.Signal, order *execution.Order, closure types.Closure, err error) {
	if err != nil {
		e.failTrade(sig, order, types.ActionSell, err)
		return
	}

	e.assessor.Breaker().RecordResult(closure.PnL)

	emoji := "✅"
	if closure.PnL.IsNegative() {
		emoji = "❌"
	}
	log.Info().
		Str("token", closure.Symbol).
		Str("reason", string(closure.Reason)).
		Str("amount", closure.Amount.String()).
		Str("exit", closure.ExitPrice.String()).
		Str("pnl", closure.PnL.StringFixed(4)).
		Bool("closed", closure.Closed).
		Msg(emoji + " POSITION EXIT")

	rec := &types.TradeRecord{
		ID:        closure.TxID,
		TxID:      closure.TxID,
		TokenID:   closure.TokenID,
		Symbol:    closure.Symbol,
		Side:      types.ActionSell,
		Amount:    closure.Amount,
		Price:     closure.ExitPrice,
		PnL:       closure.PnL,
		Status:    types.TradeClosed,
		Reason:    string(closure.Reason),
		Timestamp: closure.Timestamp,
	}
	if order != nil {
		rec.Fee = order.Fee
	}
	if sig != nil {
		rec.SignalID = sig.ID
		rec.Source = sig.Source
	}

	e.publish(events.Event{
		Type:    events.TradeCompleted,
		Signal:  sig,
		Result:  orderResult(order),
		Closure: &closure,
		Trade:   rec,
	})

	if closure.Closed {
		e.publish(events.Event{Type: events.PositionClosed, Closure: &closure})
		return
	}
	if pos, ok := e.ledger.Position(closure.TokenID); ok {
		e.publish(events.Event{Type: events.PositionUpdated, Position: pos, Closure: &closure})
	}
}

func rejectionRecord(sig *types.Signal, reason string, score float64, at time.Time) *types.TradeRecord {
	return &types.TradeRecord{
		ID:        sig.ID,
		SignalID:  sig.ID,
		TokenID:   sig.TokenID,
		Symbol:    sig.Symbol,
		Side:      sig.Action,
		Price:     sig.Price,
		Status:    types.TradeRejected,
		Reason:    reason,
		Source:    sig.Source,
		RiskScore: score,
		Timestamp: at,
	}
}

func orderResult(o *execution.Order) *types.ExecutionResult {
	if o == nil {
		return nil
	}
	return &types.ExecutionResult{
		Success:        o.State == execution.OrderStateFilled,
		TxID:           o.TxID,
		ExecutionPrice: o.AvgFillPrice,
		Amount:         o.FilledAmount,
		Fee:            o.Fee,
		SlippageBps:    o.SlippageBps,
		Error:          o.ErrorMsg,
	}
}
