package risk

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/internal/config"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Composite admission control for every BUY signal
// ═══════════════════════════════════════════════════════════════════════════════
//
// Hard blocks (circuit breaker, drawdown, confidence floor) reject outright.
// Otherwise seven weighted factors are combined into a score in [0,1]; the
// trade is approved only below the approval threshold, then sized as
//
//     size = base × confidence × (1 − score)
//
// scaled down on high utilization or a poor recent win rate, floored at the
// minimum order size and capped by the base and the remaining capacity.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PortfolioState is the read-only view the gate scores against
type PortfolioState struct {
	Exposure      decimal.Decimal // Σ open position cost
	OpenPositions int
	HoldsToken    bool
	WinRate       float64
	ClosedTrades  int
}

// Assessor scores signals against portfolio state
type Assessor struct {
	cfg     *config.Config
	breaker *CircuitBreaker
	clk     clock.Clock
}

// NewAssessor creates a new risk assessor
func NewAssessor(cfg *config.Config, breaker *CircuitBreaker, clk clock.Clock) *Assessor {
	log.Info().
		Float64("approval_threshold", cfg.ApprovalThreshold).
		Float64("min_confidence", cfg.MinConfidenceThreshold).
		Str("max_position", cfg.MaxPositionSize.StringFixed(2)).
		Str("portfolio_cap", cfg.PortfolioCap.StringFixed(2)).
		Msg("🛡️ Risk Gate initialized")

	return &Assessor{cfg: cfg, breaker: breaker, clk: clk}
}

// Breaker exposes the circuit breaker so closes can be recorded
func (a *Assessor) Breaker() *CircuitBreaker {
	return a.breaker
}

// Assess never returns an approved assessment alongside an error. Panics and
// errors inside scoring are converted to a rejection.
func (a *Assessor) Assess(sig *types.Signal, state PortfolioState) (ra types.RiskAssessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			var rae *types.RiskAssessmentError
			if !errors.As(err, &rae) {
				err = &types.RiskAssessmentError{Err: err}
			}
			ra = types.RiskAssessment{
				RiskScore: 1,
				Warnings:  []string{"risk assessment failed, trade rejected"},
			}
			ra.Reject(err.Error())
			log.Warn().Err(err).Msg("⚠️ Risk assessment failed closed")
		}
	}()
	return a.assess(sig, state)
}

func (a *Assessor) assess(sig *types.Signal, state PortfolioState) (types.RiskAssessment, error) {
	if sig == nil {
		return types.RiskAssessment{}, fmt.Errorf("nil signal")
	}
	if err := sig.Validate(); err != nil {
		return types.RiskAssessment{}, fmt.Errorf("invalid signal: %w", err)
	}
	if sig.Action != types.ActionBuy {
		return types.RiskAssessment{}, fmt.Errorf("admission applies to BUY signals, got %s", sig.Action)
	}

	cfg := a.cfg
	ra := types.RiskAssessment{RequestedSize: cfg.MaxPositionSize}

	// Build rejection helper
	reject := func(msg string) (types.RiskAssessment, error) {
		ra.Reject(msg)
		log.Debug().
			Str("signal", sig.ID).
			Str("token", sig.Label()).
			Float64("risk_score", ra.RiskScore).
			Str("reason", msg).
			Msg("🚫 Trade rejected")
		return ra, nil
	}

	// ══════════════════════════════════════════════════════════════════════════
	// RISK SCORE
	// ══════════════════════════════════════════════════════════════════════════

	age := a.clk.Since(sig.Timestamp)
	if sig.Timestamp.IsZero() {
		age = 0
	}
	f := types.RiskFactors{
		PortfolioHeat: portfolioHeat(state.Exposure, cfg.PortfolioCap),
		TokenRisk:     tokenRisk(sig.Metadata),
		Volatility:    volatilityRisk(sig.Metadata),
		Correlation:   correlationRisk(state.HoldsToken, state.OpenPositions),
		Liquidity:     liquidityRisk(sig.Metadata, cfg.ReferenceLiquidity),
		Timing:        timingRisk(cfg.TrustFor(sig.Source), age, cfg.MaxSignalAge),
		Confidence:    confidenceRisk(sig.Confidence),
	}
	ra.Factors = f
	ra.RiskScore = compositeScore(f, cfg.Weights)
	ra.Warnings = warningsFor(sig, f)

	// ══════════════════════════════════════════════════════════════════════════
	// HARD BLOCKS
	// ══════════════════════════════════════════════════════════════════════════

	if a.breaker != nil {
		if ok, reason := a.breaker.Allow(); !ok {
			return reject("circuit breaker: " + reason)
		}
	}
	if sig.Confidence < cfg.MinConfidenceThreshold {
		return reject(fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, cfg.MinConfidenceThreshold))
	}
	if ra.RiskScore >= cfg.ApprovalThreshold {
		return reject(fmt.Sprintf("risk score %.3f at or above threshold %.2f", ra.RiskScore, cfg.ApprovalThreshold))
	}

	// ══════════════════════════════════════════════════════════════════════════
	// SIZE
	// ══════════════════════════════════════════════════════════════════════════

	size, notes, err := a.size(sig.Confidence, ra.RiskScore, state)
	if err != nil {
		return reject(err.Error())
	}
	ra.Recommendations = append(ra.Recommendations, notes...)
	ra.AdjustedPositionSize = size

	// ══════════════════════════════════════════════════════════════════════════
	// EXITS
	// ══════════════════════════════════════════════════════════════════════════

	ra.StopLossPct = cfg.StopLossPct
	ra.RecommendedStopLoss, ra.RecommendedTakeProfit, ra.Trailing = ExitPlan(cfg, sig.Price)
	ra.Approved = true

	log.Info().
		Str("signal", sig.ID).
		Str("token", sig.Label()).
		Str("size", size.StringFixed(2)).
		Float64("confidence", sig.Confidence).
		Float64("risk_score", ra.RiskScore).
		Msg("✅ Trade approved by Risk Gate")

	return ra, nil
}

// compositeScore is the weight-normalized mean of all factors
func compositeScore(f types.RiskFactors, w config.RiskWeights) float64 {
	total := w.Sum()
	if total <= 0 {
		return 1
	}
	score := w.PortfolioHeat*f.PortfolioHeat +
		w.TokenRisk*f.TokenRisk +
		w.Volatility*f.Volatility +
		w.Correlation*f.Correlation +
		w.Liquidity*f.Liquidity +
		w.Timing*f.Timing +
		w.Confidence*f.Confidence
	return clamp01(score / total)
}

func warningsFor(sig *types.Signal, f types.RiskFactors) []string {
	var w []string
	if !sig.Metadata.HasLiquidity() {
		w = append(w, "liquidity unknown")
	} else if f.Liquidity > 0.9 {
		w = append(w, "thin liquidity")
	}
	if f.Volatility > 0.8 {
		w = append(w, "high 24h volatility")
	}
	if f.TokenRisk > 0.6 {
		w = append(w, "elevated token risk")
	}
	if f.Correlation >= heldCorrelation {
		w = append(w, "adding to existing position")
	}
	if f.PortfolioHeat > 0.8 {
		w = append(w, "portfolio heat above 80%")
	}
	return w
}
