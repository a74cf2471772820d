package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/internal/config"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Confidence and risk weighted, in quote units
// ═══════════════════════════════════════════════════════════════════════════════

// size computes the quote amount for an approved signal. notes explain any
// scaling applied. An error means no tradeable size remains.
func (a *Assessor) size(confidence, score float64, state PortfolioState) (decimal.Decimal, []string, error) {
	cfg := a.cfg
	base := cfg.MaxPositionSize
	var notes []string

	size := base.
		Mul(decimal.NewFromFloat(confidence)).
		Mul(decimal.NewFromFloat(1 - score))

	// Utilization above threshold
	utilization := portfolioHeat(state.Exposure, cfg.PortfolioCap)
	if utilization > cfg.UtilizationThreshold {
		size = size.Mul(cfg.UtilizationScale)
		notes = append(notes, fmt.Sprintf("size scaled by %s: utilization %.0f%%", cfg.UtilizationScale.String(), utilization*100))
	}

	// Poor recent win rate
	if state.ClosedTrades >= cfg.MinTradesForWinRate && state.WinRate < cfg.LowWinRateThreshold {
		size = size.Mul(cfg.LowWinRateScale)
		notes = append(notes, fmt.Sprintf("size scaled by %s: win rate %.0f%%", cfg.LowWinRateScale.String(), state.WinRate*100))
	}

	// Floor
	if size.LessThan(cfg.MinOrderSize) {
		size = cfg.MinOrderSize
		notes = append(notes, "size raised to minimum order")
	}

	// Caps
	if size.GreaterThan(base) {
		size = base
	}
	remaining := cfg.PortfolioCap.Sub(state.Exposure)
	if remaining.LessThan(cfg.MinOrderSize) || !remaining.IsPositive() {
		return decimal.Zero, nil, fmt.Errorf("portfolio cap reached (remaining %s)", remaining.StringFixed(2))
	}
	if size.GreaterThan(remaining) {
		size = remaining
		notes = append(notes, "size capped to remaining portfolio capacity")
	}

	return size.Truncate(6), notes, nil
}

// ExitPlan derives the initial stop, take-profit ladder and trailing stop
// from an entry price
func ExitPlan(cfg *config.Config, entry decimal.Decimal) (decimal.Decimal, []types.TakeProfitTier, types.TrailingStop) {
	one := decimal.NewFromInt(1)
	stop := entry.Mul(one.Sub(cfg.StopLossPct))

	tiers := make([]types.TakeProfitTier, 0, len(cfg.TakeProfits))
	for i, lvl := range cfg.TakeProfits {
		tiers = append(tiers, types.TakeProfitTier{
			Level:    i + 1,
			Offset:   lvl.Offset,
			Price:    entry.Mul(one.Add(lvl.Offset)),
			ClosePct: lvl.ClosePct,
			Trailing: lvl.Trailing,
		})
	}

	trailing := types.TrailingStop{
		Enabled:   cfg.TrailingEnabled,
		ArmOffset: cfg.TrailingArmPct,
		ArmPrice:  entry.Mul(one.Add(cfg.TrailingArmPct)),
		Distance:  cfg.TrailingDistancePct,
	}
	return stop, tiers, trailing
}
