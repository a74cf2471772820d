package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION - One open long per token
// ═══════════════════════════════════════════════════════════════════════════════

// TakeProfitTier is one rung of the take-profit ladder. Offset is the distance
// above the average price, so the trigger can be rebased after another fill.
type TakeProfitTier struct {
	Level    int
	Offset   decimal.Decimal // 0.03 = +3% over average price
	Price    decimal.Decimal // trigger
	ClosePct decimal.Decimal // fraction of the remaining amount to close
	Trailing bool
	Hit      bool
	Armed    bool            // trailing tier reached, now following the peak
	Peak     decimal.Decimal // highest price since the trailing tier armed
}

// TrailingStop follows favorable movement once price crosses ArmPrice
type TrailingStop struct {
	Enabled     bool
	Armed       bool
	ArmOffset   decimal.Decimal
	ArmPrice    decimal.Decimal
	Distance    decimal.Decimal
	CurrentStop decimal.Decimal
	Peak        decimal.Decimal
}

// Position represents an open position keyed by token
type Position struct {
	TokenID       string
	Symbol        string
	Source        string
	Amount        decimal.Decimal
	AveragePrice  decimal.Decimal
	CostBasis     decimal.Decimal // Σ amount·price of the open amount
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	StopLossPct   decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfits   []TakeProfitTier
	Trailing      TrailingStop
	Fills         int
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Label returns the symbol if known, otherwise a shortened token id
func (p *Position) Label() string {
	if p.Symbol != "" {
		return p.Symbol
	}
	return ShortID(p.TokenID)
}

// MarketValue is amount × current price
func (p *Position) MarketValue() decimal.Decimal {
	return p.Amount.Mul(p.CurrentPrice)
}

// Clone returns a deep copy safe to hand to readers outside the ledger lock
func (p *Position) Clone() *Position {
	cp := *p
	cp.TakeProfits = make([]TakeProfitTier, len(p.TakeProfits))
	copy(cp.TakeProfits, p.TakeProfits)
	return &cp
}

// Rebase recomputes the stop and unhit take-profit triggers from the current
// average price. Trailing state that has already armed is left alone.
func (p *Position) Rebase() {
	one := decimal.NewFromInt(1)
	if p.StopLossPct.IsPositive() {
		p.StopLoss = p.AveragePrice.Mul(one.Sub(p.StopLossPct))
	}
	for i := range p.TakeProfits {
		tp := &p.TakeProfits[i]
		if tp.Hit || tp.Armed {
			continue
		}
		tp.Price = p.AveragePrice.Mul(one.Add(tp.Offset))
	}
	if p.Trailing.Enabled && !p.Trailing.Armed {
		p.Trailing.ArmPrice = p.AveragePrice.Mul(one.Add(p.Trailing.ArmOffset))
	}
}

// MarkPrice updates the current price and unrealized PnL
func (p *Position) MarkPrice(price decimal.Decimal, now time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL = price.Sub(p.AveragePrice).Mul(p.Amount)
	p.UpdatedAt = now
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK ASSESSMENT
// ═══════════════════════════════════════════════════════════════════════════════

// RiskFactors are the individual components of the composite score, each in [0,1]
type RiskFactors struct {
	PortfolioHeat float64
	TokenRisk     float64
	Volatility    float64
	Correlation   float64
	Liquidity     float64
	Timing        float64
	Confidence    float64
}

// RiskAssessment is the admission decision for one signal
type RiskAssessment struct {
	Approved              bool
	RiskScore             float64
	RequestedSize         decimal.Decimal // quote units
	AdjustedPositionSize  decimal.Decimal // quote units
	RecommendedStopLoss   decimal.Decimal
	RecommendedTakeProfit []TakeProfitTier
	Trailing              TrailingStop
	StopLossPct           decimal.Decimal
	Factors               RiskFactors
	Warnings              []string
	Recommendations       []string
	Reason                string // set when rejected
}

// Reject marks the assessment rejected with a reason
func (a *RiskAssessment) Reject(reason string) {
	a.Approved = false
	a.AdjustedPositionSize = decimal.Zero
	a.Reason = reason
}
