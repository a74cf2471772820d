package exec

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER - Execution strategy selected once at startup
// ═══════════════════════════════════════════════════════════════════════════════

// Broker executes orders. A non-nil error is a transport failure; a result
// with Success=false is a broker-side rejection. Neither is retried.
type Broker interface {
	ExecuteTrade(ctx context.Context, req types.OrderRequest) (types.ExecutionResult, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	Mode() types.TradingMode
}

// PaperConfig tunes the simulated fills
type PaperConfig struct {
	SuccessRate    float64
	MaxSlippageBps int
	FeeRate        decimal.Decimal
	InitialBalance decimal.Decimal
}

// PaperBroker simulates fills with bounded random slippage and a flat fee
type PaperBroker struct {
	mu   sync.Mutex
	cfg  PaperConfig
	rng  *rand.Rand
	cash decimal.Decimal

	// Metrics
	filled   int
	rejected int
}

// NewPaperBroker creates a paper broker. rng may be nil.
func NewPaperBroker(cfg PaperConfig, rng *rand.Rand) *PaperBroker {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	log.Info().
		Float64("success_rate", cfg.SuccessRate).
		Int("max_slippage_bps", cfg.MaxSlippageBps).
		Str("balance", cfg.InitialBalance.StringFixed(2)).
		Msg("📝 Paper broker initialized")
	return &PaperBroker{cfg: cfg, rng: rng, cash: cfg.InitialBalance}
}

// Mode returns PAPER
func (b *PaperBroker) Mode() types.TradingMode { return types.ModePaper }

// Balance returns simulated cash
func (b *PaperBroker) Balance(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash, nil
}

// ExecuteTrade simulates a fill
func (b *PaperBroker) ExecuteTrade(ctx context.Context, req types.OrderRequest) (types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecutionResult{}, err
	}
	if !req.Amount.IsPositive() || !req.ReferencePrice.IsPositive() {
		return types.ExecutionResult{}, fmt.Errorf("invalid order: amount %s price %s", req.Amount, req.ReferencePrice)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fail := func(msg string) (types.ExecutionResult, error) {
		b.rejected++
		return types.ExecutionResult{Success: false, Error: msg}, nil
	}

	if b.rng.Float64() >= b.cfg.SuccessRate {
		return fail("simulated fill failure")
	}

	// Adverse slippage bounded by the order and broker limits
	maxBps := b.cfg.MaxSlippageBps
	if req.MaxSlippageBps > 0 && req.MaxSlippageBps < maxBps {
		maxBps = req.MaxSlippageBps
	}
	bps := 0
	if maxBps > 0 {
		bps = b.rng.Intn(maxBps + 1)
	}
	slip := decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(10000))

	one := decimal.NewFromInt(1)
	price := req.ReferencePrice
	if req.Side == types.ActionBuy {
		price = price.Mul(one.Add(slip))
	} else {
		price = price.Mul(one.Sub(slip))
	}

	notional := req.Amount.Mul(price)
	fee := notional.Mul(b.cfg.FeeRate)

	switch req.Side {
	case types.ActionBuy:
		cost := notional.Add(fee)
		if cost.GreaterThan(b.cash) {
			return fail(fmt.Sprintf("insufficient simulated balance: need %s have %s", cost.StringFixed(2), b.cash.StringFixed(2)))
		}
		b.cash = b.cash.Sub(cost)
	case types.ActionSell:
		b.cash = b.cash.Add(notional.Sub(fee))
	default:
		return fail(fmt.Sprintf("unknown side %q", req.Side))
	}
	b.filled++

	res := types.ExecutionResult{
		Success:        true,
		TxID:           "PAPER_" + uuid.NewString(),
		ExecutionPrice: price,
		Amount:         req.Amount,
		Fee:            fee,
		SlippageBps:    decimal.NewFromInt(int64(bps)),
	}

	log.Debug().
		Str("tx", res.TxID).
		Str("token", req.Symbol).
		Str("side", string(req.Side)).
		Str("amount", req.Amount.String()).
		Str("price", price.String()).
		Int("slippage_bps", bps).
		Msg("📝 Paper fill")

	return res, nil
}

// GetMetrics returns fill counters
func (b *PaperBroker) GetMetrics() (filled, rejected int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled, b.rejected
}
