package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK FACTORS - Each returns a value in [0,1], higher is riskier
// ═══════════════════════════════════════════════════════════════════════════════

// Neutral values used when a source omits the metric
const (
	unknownTokenRisk  = 0.5
	unknownVolatility = 0.5
	unknownLiquidity  = 0.7

	holderSafeCount     = 1000.0
	volatilityFullSwing = 50.0 // percent move over 24h treated as maximal
	maxCorrelatedCount  = 10.0
	heldCorrelation     = 0.8
)

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// portfolioHeat is aggregate exposure relative to the cap
func portfolioHeat(exposure, limit decimal.Decimal) float64 {
	if !limit.IsPositive() {
		return 1
	}
	return clamp01(exposure.Div(limit).InexactFloat64())
}

// tokenRisk blends rug risk with holder concentration when known
func tokenRisk(m types.SignalMetadata) float64 {
	var sum float64
	var n int
	if m.RugRisk != nil {
		sum += clamp01(*m.RugRisk)
		n++
	}
	if m.HolderCount != nil {
		sum += 1 - clamp01(float64(*m.HolderCount)/holderSafeCount)
		n++
	}
	if n == 0 {
		return unknownTokenRisk
	}
	return sum / float64(n)
}

func volatilityRisk(m types.SignalMetadata) float64 {
	if m.PriceChange24h == nil {
		return unknownVolatility
	}
	return clamp01(math.Abs(*m.PriceChange24h) / volatilityFullSwing)
}

// correlationRisk is high when adding to an existing holding
func correlationRisk(held bool, openPositions int) float64 {
	if held {
		return heldCorrelation
	}
	return clamp01(float64(openPositions)/maxCorrelatedCount) * 0.5
}

// liquidityRisk is inverted liquidity against a reference depth
func liquidityRisk(m types.SignalMetadata, reference decimal.Decimal) float64 {
	if m.Liquidity == nil || !reference.IsPositive() {
		return unknownLiquidity
	}
	return 1 - clamp01(m.Liquidity.Div(reference).InexactFloat64())
}

// timingRisk mixes source distrust with signal staleness
func timingRisk(trust float64, age, maxAge time.Duration) float64 {
	staleness := 0.0
	if maxAge > 0 && age > 0 {
		staleness = clamp01(float64(age) / float64(maxAge))
	}
	return clamp01(0.7*(1-clamp01(trust)) + 0.3*staleness)
}

func confidenceRisk(confidence float64) float64 {
	return 1 - clamp01(confidence)
}
