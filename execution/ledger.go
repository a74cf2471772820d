package execution

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/risk"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION LEDGER - Single owner of open positions and realized PnL
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every mutation happens under mu. Readers get clones. A token with an exit
// order in flight is marked pending so the monitor never issues a second
// closing order for it before the first one resolves.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Fill is a confirmed execution applied to the ledger
type Fill struct {
	TxID    string
	TokenID string
	Symbol  string
	Source  string
	Amount  decimal.Decimal
	Price   decimal.Decimal
	Fee     decimal.Decimal
}

// EntryPlan carries the exit levels for a new position
type EntryPlan struct {
	StopLossPct decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfits []types.TakeProfitTier
	Trailing    types.TrailingStop
}

// PlanFromAssessment extracts the exit plan from an approved assessment
func PlanFromAssessment(ra *types.RiskAssessment) EntryPlan {
	tiers := make([]types.TakeProfitTier, len(ra.RecommendedTakeProfit))
	copy(tiers, ra.RecommendedTakeProfit)
	return EntryPlan{
		StopLossPct: ra.StopLossPct,
		StopLoss:    ra.RecommendedStopLoss,
		TakeProfits: tiers,
		Trailing:    ra.Trailing,
	}
}

// ExitOrder is a closing order the monitor should submit
type ExitOrder struct {
	TokenID string
	Symbol  string
	Amount  decimal.Decimal
	Price   decimal.Decimal
	Reason  types.ExitReason
	Tiers   []int
}

type Ledger struct {
	mu  sync.RWMutex
	clk clock.Clock

	positions   map[string]*types.Position
	pendingExit map[string]bool
	seenTx      map[string]struct{}

	cash             decimal.Decimal
	dailyPnL         decimal.Decimal
	totalPnL         decimal.Decimal
	totalTrades      int // closes
	successfulTrades int // closes with pnl > 0
	lastResetDay     int
}

// NewLedger creates an empty ledger with an initial cash balance
func NewLedger(clk clock.Clock, cash decimal.Decimal) *Ledger {
	return &Ledger{
		clk:          clk,
		positions:    make(map[string]*types.Position),
		pendingExit:  make(map[string]bool),
		seenTx:       make(map[string]struct{}),
		cash:         cash,
		lastResetDay: clk.Now().YearDay(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILLS
// ═══════════════════════════════════════════════════════════════════════════════

// ApplyBuy opens or adds to a position using the volume-weighted average rule.
// Returns ErrDuplicateTrade when the tx id was already applied.
func (l *Ledger) ApplyBuy(f Fill, plan EntryPlan) (*types.Position, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.markTx(f.TxID); err != nil {
		return nil, false, err
	}
	now := l.clk.Now()

	pos, exists := l.positions[f.TokenID]
	if !exists {
		pos = &types.Position{
			TokenID:     f.TokenID,
			Symbol:      f.Symbol,
			Source:      f.Source,
			StopLossPct: plan.StopLossPct,
			StopLoss:    plan.StopLoss,
			TakeProfits: plan.TakeProfits,
			Trailing:    plan.Trailing,
			OpenedAt:    now,
		}
		l.positions[f.TokenID] = pos
	}

	pos.CostBasis = pos.CostBasis.Add(f.Amount.Mul(f.Price))
	pos.Amount = pos.Amount.Add(f.Amount)
	if pos.Amount.IsPositive() {
		pos.AveragePrice = pos.CostBasis.Div(pos.Amount)
	}
	pos.Fills++

	// Keep stop < average < first unhit tier after the average moved
	if exists || !exitLevelsValid(pos) {
		pos.Rebase()
	}
	pos.MarkPrice(f.Price, now)

	log.Info().
		Str("token", pos.Label()).
		Str("amount", pos.Amount.String()).
		Str("avg_price", pos.AveragePrice.String()).
		Str("stop", pos.StopLoss.String()).
		Int("fills", pos.Fills).
		Msg("✅ Position updated")

	return pos.Clone(), !exists, nil
}

// Reduce closes amount of a position at price. Realized PnL is added to daily
// and total PnL. The position is removed once nothing remains.
func (l *Ledger) Reduce(tokenID string, amount, price decimal.Decimal, reason types.ExitReason, txID string, tiers []int) (types.Closure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.pendingExit, tokenID)

	pos, ok := l.positions[tokenID]
	if !ok {
		return types.Closure{}, types.ErrNoPosition
	}
	if err := l.markTx(txID); err != nil {
		return types.Closure{}, err
	}
	l.checkDayReset()

	if amount.GreaterThan(pos.Amount) {
		amount = pos.Amount
	}
	now := l.clk.Now()
	pnl := price.Sub(pos.AveragePrice).Mul(amount)

	pos.CostBasis = pos.CostBasis.Sub(pos.AveragePrice.Mul(amount))
	pos.Amount = pos.Amount.Sub(amount)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	for _, i := range tiers {
		if i >= 0 && i < len(pos.TakeProfits) {
			pos.TakeProfits[i].Hit = true
		}
	}
	pos.MarkPrice(price, now)

	l.dailyPnL = l.dailyPnL.Add(pnl)
	l.totalPnL = l.totalPnL.Add(pnl)
	l.totalTrades++
	if pnl.IsPositive() {
		l.successfulTrades++
	}

	closure := types.Closure{
		TokenID:   tokenID,
		Symbol:    pos.Symbol,
		Amount:    amount,
		ExitPrice: price,
		PnL:       pnl,
		Reason:    reason,
		TxID:      txID,
		Remaining: pos.Amount,
		Timestamp: now,
	}

	if !pos.Amount.IsPositive() {
		closure.Closed = true
		closure.Remaining = decimal.Zero
		delete(l.positions, tokenID)
	}

	log.Info().
		Str("token", closure.Symbol).
		Str("reason", string(reason)).
		Str("amount", amount.String()).
		Str("exit", price.String()).
		Str("pnl", pnl.StringFixed(4)).
		Bool("closed", closure.Closed).
		Msg("💰 Position reduced")

	return closure, nil
}

func (l *Ledger) markTx(txID string) error {
	if txID == "" {
		return nil
	}
	if _, dup := l.seenTx[txID]; dup {
		return types.ErrDuplicateTrade
	}
	l.seenTx[txID] = struct{}{}
	return nil
}

func exitLevelsValid(pos *types.Position) bool {
	if !pos.StopLoss.LessThan(pos.AveragePrice) {
		return false
	}
	for _, tp := range pos.TakeProfits {
		if !tp.Hit {
			return pos.AveragePrice.LessThan(tp.Price)
		}
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXITS
// ═══════════════════════════════════════════════════════════════════════════════

// CollectExits evaluates every position at its current price and returns the
// closing orders to submit. Positions with an exit in flight are skipped and
// returned tokens are marked pending until Reduce or ReleaseExit.
func (l *Ledger) CollectExits() []ExitOrder {
	l.mu.Lock()
	defer l.mu.Unlock()

	var orders []ExitOrder
	for token, pos := range l.positions {
		if l.pendingExit[token] || !pos.CurrentPrice.IsPositive() {
			continue
		}
		dec := risk.CheckExit(pos, pos.CurrentPrice)
		if !dec.Exit {
			continue
		}
		l.pendingExit[token] = true
		orders = append(orders, ExitOrder{
			TokenID: token,
			Symbol:  pos.Label(),
			Amount:  dec.Amount,
			Price:   dec.Price,
			Reason:  dec.Reason,
			Tiers:   dec.Tiers,
		})
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].TokenID < orders[j].TokenID })
	return orders
}

// ReserveExit marks a token as having an exit in flight. Returns false if it
// has no position or one is already pending.
func (l *Ledger) ReserveExit(tokenID string) (*types.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[tokenID]
	if !ok || l.pendingExit[tokenID] {
		return nil, false
	}
	l.pendingExit[tokenID] = true
	return pos.Clone(), true
}

// ReleaseExit clears the pending flag after a failed exit
func (l *Ledger) ReleaseExit(tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pendingExit, tokenID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRICES & CASH
// ═══════════════════════════════════════════════════════════════════════════════

// UpdatePrice marks a position to market. Returns false if not held.
func (l *Ledger) UpdatePrice(tokenID string, price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[tokenID]
	if !ok {
		return false
	}
	pos.MarkPrice(price, l.clk.Now())
	return true
}

// SetCash replaces the external cash balance
func (l *Ledger) SetCash(cash decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = cash
}

// Cash returns the external cash balance
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// ═══════════════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════════════

// Position returns a copy of the position for a token
func (l *Ledger) Position(tokenID string) (*types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[tokenID]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Positions returns copies of all open positions ordered by open time
func (l *Ledger) Positions() []*types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// TokenIDs returns the held tokens
func (l *Ledger) TokenIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PortfolioState builds the risk view for a candidate token
func (l *Ledger) PortfolioState(tokenID string) risk.PortfolioState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	exposure := decimal.Zero
	for _, pos := range l.positions {
		exposure = exposure.Add(pos.CostBasis)
	}
	_, held := l.positions[tokenID]
	return risk.PortfolioState{
		Exposure:      exposure,
		OpenPositions: len(l.positions),
		HoldsToken:    held,
		WinRate:       l.winRate(),
		ClosedTrades:  l.totalTrades,
	}
}

func (l *Ledger) winRate() float64 {
	if l.totalTrades == 0 {
		return 0
	}
	return float64(l.successfulTrades) / float64(l.totalTrades)
}

// Snapshot computes portfolio metrics from current state
func (l *Ledger) Snapshot() types.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkDayReset()

	positionsValue := decimal.Zero
	unrealized := decimal.Zero
	for _, pos := range l.positions {
		positionsValue = positionsValue.Add(pos.MarketValue())
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}

	return types.Snapshot{
		PortfolioValue:   l.cash.Add(positionsValue),
		CashBalance:      l.cash,
		PositionsValue:   positionsValue,
		UnrealizedPnL:    unrealized,
		DailyPnL:         l.dailyPnL,
		TotalPnL:         l.totalPnL,
		WinRate:          l.winRate(),
		TotalTrades:      l.totalTrades,
		SuccessfulTrades: l.successfulTrades,
		OpenPositions:    len(l.positions),
		Timestamp:        l.clk.Now(),
	}
}

// Load restores positions at warm start. Existing tokens are not replaced.
func (l *Ledger) Load(positions []*types.Position) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	loaded := 0
	for _, p := range positions {
		if p == nil || !p.Amount.IsPositive() {
			continue
		}
		if _, exists := l.positions[p.TokenID]; exists {
			continue
		}
		cp := p.Clone()
		if cp.CostBasis.IsZero() {
			cp.CostBasis = cp.Amount.Mul(cp.AveragePrice)
		}
		if !cp.CurrentPrice.IsPositive() {
			cp.MarkPrice(cp.AveragePrice, l.clk.Now())
		}
		l.positions[cp.TokenID] = cp
		loaded++
	}
	return loaded
}

// checkDayReset zeroes daily PnL on rollover; caller holds the write lock
func (l *Ledger) checkDayReset() {
	today := l.clk.Now().YearDay()
	if today == l.lastResetDay {
		return
	}
	log.Info().
		Str("yesterday_pnl", l.dailyPnL.StringFixed(2)).
		Msg("📅 Daily PnL reset")
	l.dailyPnL = decimal.Zero
	l.lastResetDay = today
}
