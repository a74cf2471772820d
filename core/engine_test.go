package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/exec"
	"github.com/web3guy0/sigbot/execution"
	"github.com/web3guy0/sigbot/feeds"
	"github.com/web3guy0/sigbot/internal/config"
	"github.com/web3guy0/sigbot/risk"
	"github.com/web3guy0/sigbot/types"
)

const bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	engine *Engine
	cfg    *config.Config
	clk    *clock.Mock
	bus    *events.Bus
	events <-chan events.Event
}

func newHarness(t *testing.T, mutate func(d *Deps)) *harness {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	broker := exec.NewPaperBroker(exec.PaperConfig{SuccessRate: 1, InitialBalance: d("1000")}, rand.New(rand.NewSource(1)))
	ledger := execution.NewLedger(clk, d("1000"))
	executor := execution.NewExecutor(broker, ledger, clk, 0)
	breaker := risk.NewCircuitBreaker(clk, cfg.MaxConsecutiveLosses, cfg.PortfolioCap.Mul(cfg.DailyDrawdownLimit), cfg.CircuitBreakerCooldown)
	bus := events.NewBus()
	ch, _ := bus.Subscribe(1024)

	deps := Deps{
		Config:   cfg,
		Clock:    clk,
		Bus:      bus,
		Executor: executor,
		Assessor: risk.NewAssessor(cfg, breaker, clk),
		Registry: NewTokenRegistry(map[string]string{bonk: "BONK"}),
	}
	if mutate != nil {
		mutate(&deps)
	}
	e, err := NewEngine(deps)
	require.NoError(t, err)
	return &harness{engine: e, cfg: deps.Config, clk: clk, bus: bus, events: ch}
}

// drained returns every event published so far
func (h *harness) drained() []events.Event {
	var out []events.Event
	for {
		select {
		case e, ok := <-h.events:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func ofType(evs []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func signalFor(id, token string, action types.Action, price string, now time.Time) *types.Signal {
	liq := decimal.NewFromInt(2_000_000)
	return &types.Signal{
		ID:         id,
		TokenID:    token,
		Action:     action,
		Confidence: 0.82,
		Price:      d(price),
		Source:     "ALPHA",
		Timestamp:  now,
		Metadata:   types.SignalMetadata{Liquidity: &liq},
	}
}

// open buys a position through the full pipeline
func (h *harness) open(t *testing.T, id, token, price string) {
	t.Helper()
	require.NoError(t, h.engine.Submit(signalFor(id, token, types.ActionBuy, price, h.clk.Now())))
	require.Equal(t, 1, h.engine.DrainQueue(context.Background()))
	_, held := h.engine.Ledger().Position(token)
	require.True(t, held, "position should be open")
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Deps{})
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSubmitFilters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *types.Signal)
		reason string
	}{
		{"source not allowed", func(s *types.Signal) { s.Source = "RANDO" }, "not allowed"},
		{"low confidence", func(s *types.Signal) { s.Confidence = 0.4 }, "confidence"},
		{"thin liquidity", func(s *types.Signal) { l := d("1000"); s.Metadata.Liquidity = &l }, "liquidity"},
		{"rug risk", func(s *types.Signal) { r := 0.9; s.Metadata.RugRisk = &r }, "rug risk"},
		{"stale", func(s *types.Signal) { s.Timestamp = s.Timestamp.Add(-10 * time.Minute) }, "stale"},
		{"malformed", func(s *types.Signal) { s.Price = decimal.Zero }, "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			sig := signalFor("s1", bonk, types.ActionBuy, "0.000012", h.clk.Now())
			tt.mutate(sig)

			err := h.engine.Submit(sig)
			var rejected *types.SignalRejected
			require.ErrorAs(t, err, &rejected)
			assert.Contains(t, rejected.Reason, tt.reason)
			assert.Equal(t, 0, h.engine.queue.Len())

			evs := ofType(h.drained(), events.SignalRejected)
			require.Len(t, evs, 1)
			require.NotNil(t, evs[0].Trade)
			assert.Equal(t, types.TradeRejected, evs[0].Trade.Status)
			assert.Equal(t, "s1", evs[0].Trade.ID)
		})
	}
}

func TestSubmitUnknownLiquidityPasses(t *testing.T) {
	h := newHarness(t, nil)
	sig := signalFor("s1", bonk, types.ActionBuy, "0.000012", h.clk.Now())
	sig.Metadata.Liquidity = nil
	require.NoError(t, h.engine.Submit(sig))
	assert.Equal(t, "BONK", sig.Symbol, "symbol filled from the registry")
}

func TestSubmitQueueBounds(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.QueueCapacity = 2 })
	now := h.clk.Now()

	require.NoError(t, h.engine.Submit(signalFor("a", bonk, types.ActionBuy, "0.000012", now)))
	err := h.engine.Submit(signalFor("a", bonk, types.ActionBuy, "0.000012", now))
	var rejected *types.SignalRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "duplicate signal", rejected.Reason)

	require.NoError(t, h.engine.Submit(signalFor("b", bonk, types.ActionBuy, "0.000012", now)))
	assert.ErrorIs(t, h.engine.Submit(signalFor("c", bonk, types.ActionBuy, "0.000012", now)), types.ErrQueueFull)

	evs := h.drained()
	assert.Len(t, ofType(evs, events.SignalQueued), 2)
	assert.Len(t, ofType(evs, events.SignalRejected), 2)
}

func TestDrainApprovesAndOpens(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "s1", bonk, "0.000012")

	pos, _ := h.engine.Ledger().Position(bonk)
	assert.Equal(t, "BONK", pos.Symbol)
	assert.True(t, pos.AveragePrice.Equal(d("0.000012")))
	assert.True(t, pos.StopLoss.Equal(d("0.00001104")))
	require.Len(t, pos.TakeProfits, 3)

	evs := h.drained()
	done := ofType(evs, events.TradeCompleted)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Trade)
	assert.Equal(t, types.TradeFilled, done[0].Trade.Status)
	assert.Equal(t, done[0].Result.TxID, done[0].Trade.ID)
	assert.True(t, done[0].Assessment.Approved)
	assert.True(t, done[0].Assessment.AdjustedPositionSize.LessThanOrEqual(h.cfg.MaxPositionSize))
	assert.Len(t, ofType(evs, events.PositionOpened), 1)

	// Paper cash follows the fill
	assert.True(t, h.engine.Ledger().Cash().LessThan(d("1000")))
}

func TestDrainRespectsBatch(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.DrainBatch = 2 })
	for i := 0; i < 5; i++ {
		token := fmt.Sprintf("token-%d", i)
		require.NoError(t, h.engine.Submit(signalFor(fmt.Sprintf("s%d", i), token, types.ActionBuy, "0.5", h.clk.Now())))
	}
	assert.Equal(t, 2, h.engine.DrainQueue(context.Background()))
	assert.Equal(t, 3, h.engine.queue.Len())
	assert.Equal(t, 2, h.engine.DrainQueue(context.Background()))
	assert.Equal(t, 1, h.engine.DrainQueue(context.Background()))
	assert.Equal(t, 0, h.engine.DrainQueue(context.Background()))
}

func TestPauseBlocksEntries(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Pause()
	assert.True(t, h.engine.IsPaused())

	require.NoError(t, h.engine.Submit(signalFor("s1", bonk, types.ActionBuy, "0.000012", h.clk.Now())))
	h.engine.DrainQueue(context.Background())

	_, held := h.engine.Ledger().Position(bonk)
	assert.False(t, held)
	rej := ofType(h.drained(), events.TradeRejected)
	require.Len(t, rej, 1)
	assert.Equal(t, "trading paused", rej[0].Reason)

	h.engine.Resume()
	h.open(t, "s2", bonk, "0.000012")
}

func TestAutoTradingDisabled(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.AutoTradingEnabled = false })
	require.NoError(t, h.engine.Submit(signalFor("s1", bonk, types.ActionBuy, "0.000012", h.clk.Now())))
	h.engine.DrainQueue(context.Background())

	rej := ofType(h.drained(), events.TradeRejected)
	require.Len(t, rej, 1)
	assert.Equal(t, "auto trading disabled", rej[0].Reason)
}

func TestRiskGateRejection(t *testing.T) {
	h := newHarness(t, nil)
	sig := signalFor("s1", bonk, types.ActionBuy, "0.000012", h.clk.Now())
	h.engine.assessor.Breaker().RecordResult(d("-1"))
	h.engine.assessor.Breaker().RecordResult(d("-1"))
	h.engine.assessor.Breaker().RecordResult(d("-1"))
	require.NoError(t, h.engine.Submit(sig))
	h.engine.DrainQueue(context.Background())

	rej := ofType(h.drained(), events.TradeRejected)
	require.Len(t, rej, 1)
	require.NotNil(t, rej[0].Assessment)
	assert.False(t, rej[0].Assessment.Approved)
	assert.Equal(t, types.TradeRejected, rej[0].Trade.Status)
}

func TestStopLossExit(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "s1", bonk, "0.000012")
	h.drained()

	assert.Equal(t, 0, h.engine.CheckExits(context.Background()), "no exit at entry")

	h.engine.Ledger().UpdatePrice(bonk, d("0.00001"))
	assert.Equal(t, 1, h.engine.CheckExits(context.Background()))

	_, held := h.engine.Ledger().Position(bonk)
	assert.False(t, held)

	evs := h.drained()
	closed := ofType(evs, events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitStopLoss, closed[0].Closure.Reason)
	assert.True(t, closed[0].Closure.PnL.IsNegative())

	done := ofType(evs, events.TradeCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, types.TradeClosed, done[0].Trade.Status)
	assert.Equal(t, string(types.ExitStopLoss), done[0].Trade.Reason)

	losses, _, _, _ := h.engine.assessor.Breaker().GetStats()
	assert.Equal(t, 1, losses)

	snap := h.engine.UpdateStats()
	assert.Equal(t, 1, snap.TotalTrades)
	assert.Equal(t, 0, snap.OpenPositions)
	assert.True(t, snap.TotalPnL.IsNegative())
}

func TestTakeProfitPartialExit(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "s1", bonk, "0.000012")
	before, _ := h.engine.Ledger().Position(bonk)
	h.drained()

	h.engine.Ledger().UpdatePrice(bonk, d("0.00001236"))
	assert.Equal(t, 1, h.engine.CheckExits(context.Background()))

	after, held := h.engine.Ledger().Position(bonk)
	require.True(t, held)
	assert.True(t, after.Amount.LessThan(before.Amount))
	assert.True(t, after.TakeProfits[0].Hit)

	updated := ofType(h.drained(), events.PositionUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, types.ExitTakeProfit, updated[0].Closure.Reason)
}

func TestSellSignal(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Submit(signalFor("sell-0", bonk, types.ActionSell, "0.000012", h.clk.Now())))
	h.engine.DrainQueue(context.Background())
	rej := ofType(h.drained(), events.TradeRejected)
	require.Len(t, rej, 1)
	assert.Equal(t, types.ErrNoPosition.Error(), rej[0].Reason)

	h.open(t, "buy-1", bonk, "0.000012")
	require.NoError(t, h.engine.Submit(signalFor("sell-1", bonk, types.ActionSell, "0.000013", h.clk.Now())))
	h.engine.DrainQueue(context.Background())

	_, held := h.engine.Ledger().Position(bonk)
	assert.False(t, held)
	closed := ofType(h.drained(), events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitSignal, closed[0].Closure.Reason)
}

func TestClosePositionManual(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.ClosePosition(context.Background(), bonk)
	assert.ErrorIs(t, err, types.ErrNoPosition)

	h.open(t, "s1", bonk, "0.000012")
	closure, err := h.engine.ClosePosition(context.Background(), bonk)
	require.NoError(t, err)
	assert.Equal(t, types.ExitManual, closure.Reason)
	assert.True(t, closure.Closed)
	assert.Empty(t, h.engine.Positions())
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fakePrices) Price(_ context.Context, token string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[token]
	if !ok {
		return decimal.Zero, errors.New("price API down")
	}
	return p, nil
}

func TestRefreshPrices(t *testing.T) {
	src := &fakePrices{prices: map[string]decimal.Decimal{"tokA": d("0.6")}}
	h := newHarness(t, func(d *Deps) { d.Prices = src })
	h.open(t, "a", "tokA", "0.5")
	h.open(t, "b", "tokB", "0.5")

	assert.Equal(t, 1, h.engine.RefreshPrices(context.Background()))

	a, _ := h.engine.Ledger().Position("tokA")
	assert.True(t, a.CurrentPrice.Equal(d("0.6")))
	assert.True(t, a.UnrealizedPnL.IsPositive())
	b, _ := h.engine.Ledger().Position("tokB")
	assert.True(t, b.CurrentPrice.Equal(d("0.5")), "failed lookup leaves the price alone")

	tok, ok := h.engine.Registry().Get("tokA")
	require.True(t, ok)
	assert.True(t, tok.LastPrice.Equal(d("0.6")))
}

func TestRouteSwap(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "s1", bonk, "0.000012")
	h.drained()

	h.engine.Route(types.StreamEvent{
		Kind:      types.KindTokenSwap,
		Signature: "sig9",
		Source:    "WHALE",
		Timestamp: h.clk.Now(),
		Swap: &types.Swap{
			Account:   "whale",
			InMint:    feeds.WrappedSOLMint,
			InAmount:  d("1.3"),
			OutMint:   bonk,
			OutAmount: d("100000"),
		},
	})

	evs := h.drained()
	assert.Len(t, ofType(evs, events.StreamEventReceived), 1)
	queued := ofType(evs, events.SignalQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, "sig9:whale", queued[0].Signal.ID)
	assert.Equal(t, "BONK", queued[0].Signal.Symbol)

	pos, _ := h.engine.Ledger().Position(bonk)
	assert.True(t, pos.CurrentPrice.Equal(d("0.000013")), "held token marked to the swap price")
	assert.Nil(t, queued[0].Signal.Metadata.PriceChange24h)

	// A later swap carries the move since the first observation
	h.clk.Add(time.Hour)
	h.engine.Route(types.StreamEvent{
		Kind:      types.KindTokenSwap,
		Signature: "sig10",
		Source:    "WHALE",
		Timestamp: h.clk.Now(),
		Swap: &types.Swap{
			Account:   "whale",
			InMint:    feeds.WrappedSOLMint,
			InAmount:  d("1.43"),
			OutMint:   bonk,
			OutAmount: d("100000"),
		},
	})
	queued = ofType(h.drained(), events.SignalQueued)
	require.Len(t, queued, 1)
	require.NotNil(t, queued[0].Signal.Metadata.PriceChange24h)
	assert.InDelta(t, 10.0, *queued[0].Signal.Metadata.PriceChange24h, 1e-9)
}

func TestRouteBalanceChange(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.TradingWallet = "me" })

	h.engine.Route(types.StreamEvent{
		Kind:    types.KindBalanceChange,
		Account: "someone",
		Balance: &types.BalanceChange{Account: "someone", After: d("5")},
	})
	assert.True(t, h.engine.Ledger().Cash().Equal(d("1000")))

	h.engine.Route(types.StreamEvent{
		Kind:    types.KindBalanceChange,
		Account: "me",
		Balance: &types.BalanceChange{Account: "me", Before: d("1000"), After: d("42")},
	})
	assert.True(t, h.engine.Ledger().Cash().Equal(d("42")))
}

type fakeStream struct {
	mu      sync.Mutex
	started bool
	stopped bool
	ch      chan types.StreamEvent
}

func (s *fakeStream) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeStream) Events() <-chan types.StreamEvent { return s.ch }

func (s *fakeStream) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.stopped {
		return types.StateConnected
	}
	return types.StateDisconnected
}

func TestEngineLoopsAndStop(t *testing.T) {
	stream := &fakeStream{ch: make(chan types.StreamEvent, 4)}
	h := newHarness(t, func(d *Deps) { d.Stream = stream })

	h.engine.Start(context.Background())
	assert.Equal(t, "CONNECTED", h.engine.Status().Stream)

	require.NoError(t, h.engine.Submit(signalFor("s1", bonk, types.ActionBuy, "0.000012", h.clk.Now())))
	assert.Eventually(t, func() bool {
		h.clk.Add(h.cfg.DrainInterval)
		_, held := h.engine.Ledger().Position(bonk)
		return held
	}, 2*time.Second, 5*time.Millisecond)

	stream.ch <- types.StreamEvent{Kind: types.KindTransaction, Signature: "t1", Source: "WHALE"}
	assert.Eventually(t, func() bool {
		for _, e := range h.drained() {
			if e.Type == events.StreamEventReceived {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		h.clk.Add(h.cfg.StatsInterval)
		for _, e := range h.drained() {
			if e.Type == events.StatsUpdated {
				return e.Snapshot.OpenPositions == 1
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	h.engine.Stop()
	h.engine.Stop()
	assert.True(t, stream.stopped)

	// Bus is closed: the subscription drains and ends
	for range h.events {
	}
	h.engine.Start(context.Background())
	assert.False(t, stream.started && !stream.stopped)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "s1", bonk, "0.000012")
	h.engine.Pause()

	st := h.engine.Status()
	assert.Equal(t, types.ModePaper, st.Mode)
	assert.True(t, st.Paused)
	assert.Equal(t, "NONE", st.Stream)
	assert.Equal(t, int64(1), st.Received)
	assert.Equal(t, int64(1), st.Accepted)
	assert.Equal(t, 1, st.Snapshot.OpenPositions)
	assert.Equal(t, int64(1), st.Execution["filled_orders"])
}
