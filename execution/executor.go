package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/exec"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LAYER - Order state machine between the pipeline and a Broker
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order Flow:
//   Risk Gate → Executor → Broker (paper | live)
//                  ↓
//             State Machine
//              ↓        ↓
//          FILLED   REJECTED/FAILED
//                  ↓
//               Ledger
//
// Failed orders are reported and never retried.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	OrderStatePending  OrderState = "PENDING"  // Submitted, awaiting broker
	OrderStateFilled   OrderState = "FILLED"   // Fully filled
	OrderStateRejected OrderState = "REJECTED" // Rejected by broker
	OrderStateFailed   OrderState = "FAILED"   // Transport or internal failure
)

const maxTrackedOrders = 1000

// Order represents an order in the execution system
type Order struct {
	ClientID     string
	SignalID     string
	TokenID      string
	Symbol       string
	Side         types.Action
	Amount       decimal.Decimal
	Price        decimal.Decimal // reference
	State        OrderState
	TxID         string
	AvgFillPrice decimal.Decimal
	FilledAmount decimal.Decimal
	Fee          decimal.Decimal
	SlippageBps  decimal.Decimal
	Reason       types.ExitReason // exits only
	SubmitTime   time.Time
	FillTime     time.Time
	ErrorMsg     string
}

// Executor manages order execution and applies fills to the ledger
type Executor struct {
	mu             sync.RWMutex
	broker         exec.Broker
	ledger         *Ledger
	clk            clock.Clock
	maxSlippageBps int

	orders map[string]*Order
	recent []string // client ids, oldest first

	// Metrics
	totalOrders    int64
	filledOrders   int64
	rejectedOrders int64
	totalVolume    decimal.Decimal
}

// NewExecutor creates a new execution manager
func NewExecutor(broker exec.Broker, ledger *Ledger, clk clock.Clock, maxSlippageBps int) *Executor {
	log.Info().
		Str("mode", string(broker.Mode())).
		Int("max_slippage_bps", maxSlippageBps).
		Msg("⚡ Executor initialized")

	return &Executor{
		broker:         broker,
		ledger:         ledger,
		clk:            clk,
		maxSlippageBps: maxSlippageBps,
		orders:         make(map[string]*Order),
	}
}

// Ledger returns the ledger fills are applied to
func (e *Executor) Ledger() *Ledger { return e.ledger }

// Mode returns the broker mode
func (e *Executor) Mode() types.TradingMode { return e.broker.Mode() }

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRIES
// ═══════════════════════════════════════════════════════════════════════════════

// Buy executes an approved signal. The assessment's adjusted size is in quote
// units and converted to token units at the signal price.
func (e *Executor) Buy(ctx context.Context, sig *types.Signal, ra *types.RiskAssessment) (*Order, *types.Position, bool, error) {
	amount := ra.AdjustedPositionSize.Div(sig.Price)
	order := &Order{
		SignalID: sig.ID,
		TokenID:  sig.TokenID,
		Symbol:   sig.Symbol,
		Side:     types.ActionBuy,
		Amount:   amount,
		Price:    sig.Price,
	}

	if err := e.submit(ctx, order, 0); err != nil {
		return order, nil, false, err
	}

	pos, opened, err := e.ledger.ApplyBuy(Fill{
		TxID:    order.TxID,
		TokenID: order.TokenID,
		Symbol:  order.Symbol,
		Source:  sig.Source,
		Amount:  order.FilledAmount,
		Price:   order.AvgFillPrice,
		Fee:     order.Fee,
	}, PlanFromAssessment(ra))
	if err != nil {
		return order, nil, false, err
	}
	e.syncCash(ctx)
	return order, pos, opened, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXITS
// ═══════════════════════════════════════════════════════════════════════════════

// Sell closes amount of a position. The caller must have reserved the exit
// (CollectExits or ReserveExit); the reservation is released on failure.
func (e *Executor) Sell(ctx context.Context, x ExitOrder) (*Order, types.Closure, error) {
	order := &Order{
		TokenID: x.TokenID,
		Symbol:  x.Symbol,
		Side:    types.ActionSell,
		Amount:  x.Amount,
		Price:   x.Price,
		Reason:  x.Reason,
	}

	if err := e.submit(ctx, order, 1); err != nil {
		e.ledger.ReleaseExit(x.TokenID)
		return order, types.Closure{}, err
	}

	closure, err := e.ledger.Reduce(x.TokenID, order.FilledAmount, order.AvgFillPrice, x.Reason, order.TxID, x.Tiers)
	if err != nil {
		return order, types.Closure{}, err
	}
	e.syncCash(ctx)
	return order, closure, nil
}

// ClosePosition reserves and fully closes a position at its current price
func (e *Executor) ClosePosition(ctx context.Context, tokenID string, reason types.ExitReason) (*Order, types.Closure, error) {
	pos, ok := e.ledger.ReserveExit(tokenID)
	if !ok {
		if _, held := e.ledger.Position(tokenID); held {
			return nil, types.Closure{}, fmt.Errorf("exit already in flight for %s", types.ShortID(tokenID))
		}
		return nil, types.Closure{}, types.ErrNoPosition
	}
	price := pos.CurrentPrice
	if !price.IsPositive() {
		price = pos.AveragePrice
	}
	return e.Sell(ctx, ExitOrder{
		TokenID: tokenID,
		Symbol:  pos.Label(),
		Amount:  pos.Amount,
		Price:   price,
		Reason:  reason,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER SUBMISSION
// ═══════════════════════════════════════════════════════════════════════════════

// submit sends an order to the broker and records its final state
func (e *Executor) submit(ctx context.Context, order *Order, priority int) error {
	e.mu.Lock()
	order.ClientID = "SB_" + uuid.NewString()
	order.State = OrderStatePending
	order.SubmitTime = e.clk.Now()
	e.orders[order.ClientID] = order
	e.recent = append(e.recent, order.ClientID)
	if len(e.recent) > maxTrackedOrders {
		delete(e.orders, e.recent[0])
		e.recent = e.recent[1:]
	}
	e.totalOrders++
	e.mu.Unlock()

	log.Info().
		Str("client_id", order.ClientID).
		Str("token", order.Symbol).
		Str("side", string(order.Side)).
		Str("amount", order.Amount.String()).
		Str("price", order.Price.String()).
		Msg("📤 Order submitted")

	res, err := e.broker.ExecuteTrade(ctx, types.OrderRequest{
		ClientID:       order.ClientID,
		TokenID:        order.TokenID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Amount:         order.Amount,
		Notional:       order.Amount.Mul(order.Price),
		ReferencePrice: order.Price,
		MaxSlippageBps: e.maxSlippageBps,
		Priority:       priority,
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case err != nil:
		order.State = OrderStateFailed
		order.ErrorMsg = err.Error()
	case !res.Success:
		order.State = OrderStateRejected
		order.ErrorMsg = res.Error
	case !res.ExecutionPrice.IsPositive():
		order.State = OrderStateFailed
		order.ErrorMsg = "broker returned no execution price"
	}
	if order.State != OrderStatePending {
		e.rejectedOrders++
		log.Warn().
			Str("client_id", order.ClientID).
			Str("token", order.Symbol).
			Str("state", string(order.State)).
			Str("error", order.ErrorMsg).
			Msg("❌ Order not filled")
		cause := err
		if cause == nil {
			cause = errors.New(order.ErrorMsg)
		}
		return &types.ExecutionError{Token: order.TokenID, Err: cause}
	}

	order.State = OrderStateFilled
	order.TxID = res.TxID
	if order.TxID == "" {
		order.TxID = order.ClientID
	}
	order.AvgFillPrice = res.ExecutionPrice
	order.FilledAmount = res.Amount
	if !order.FilledAmount.IsPositive() {
		order.FilledAmount = order.Amount
	}
	order.Fee = res.Fee
	order.SlippageBps = res.SlippageBps
	order.FillTime = e.clk.Now()

	e.filledOrders++
	e.totalVolume = e.totalVolume.Add(order.AvgFillPrice.Mul(order.FilledAmount))

	log.Info().
		Str("client_id", order.ClientID).
		Str("tx", order.TxID).
		Str("token", order.Symbol).
		Str("fill_price", order.AvgFillPrice.String()).
		Str("amount", order.FilledAmount.String()).
		Msg("✅ Order filled")

	return nil
}

// syncCash refreshes the ledger's cash from the broker. Live balances are
// fetched by the price task instead, so only the paper broker is queried here.
func (e *Executor) syncCash(ctx context.Context) {
	if e.broker.Mode() != types.ModePaper {
		return
	}
	if bal, err := e.broker.Balance(ctx); err == nil {
		e.ledger.SetCash(bal)
	}
}

// RefreshBalance pulls the broker's cash balance into the ledger
func (e *Executor) RefreshBalance(ctx context.Context) error {
	bal, err := e.broker.Balance(ctx)
	if err != nil {
		return err
	}
	e.ledger.SetCash(bal)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS
// ═══════════════════════════════════════════════════════════════════════════════

// GetMetrics returns execution metrics
func (e *Executor) GetMetrics() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fillRate := float64(0)
	if e.totalOrders > 0 {
		fillRate = float64(e.filledOrders) / float64(e.totalOrders) * 100
	}

	return map[string]interface{}{
		"total_orders":    e.totalOrders,
		"filled_orders":   e.filledOrders,
		"rejected_orders": e.rejectedOrders,
		"fill_rate":       fillRate,
		"total_volume":    e.totalVolume.StringFixed(2),
	}
}

// GetOrder retrieves an order by client ID
func (e *Executor) GetOrder(clientID string) *Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders[clientID]
}
