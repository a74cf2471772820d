package risk

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against consecutive losses and daily drawdown
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu  sync.RWMutex
	clk clock.Clock

	// Configuration
	maxConsecutiveLosses int
	maxDailyLoss         decimal.Decimal // absolute, quote units
	cooldownDuration     time.Duration

	// State
	consecutiveLosses int
	dailyPnL          decimal.Decimal
	tripped           bool
	trippedAt         time.Time
	reason            string

	// Tracking
	lastResetDate string
}

// NewCircuitBreaker creates a new circuit breaker. maxDailyLoss of zero
// disables the drawdown check.
func NewCircuitBreaker(clk clock.Clock, maxLosses int, maxDailyLoss decimal.Decimal, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		clk:                  clk,
		maxConsecutiveLosses: maxLosses,
		maxDailyLoss:         maxDailyLoss,
		cooldownDuration:     cooldown,
		lastResetDate:        clk.Now().Format("2006-01-02"),
	}
}

// Allow returns false with a reason while trading should be halted
func (cb *CircuitBreaker) Allow() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkDayReset()

	if cb.tripped {
		if cb.reason == reasonConsecutive && cb.clk.Since(cb.trippedAt) > cb.cooldownDuration {
			cb.tripped = false
			cb.consecutiveLosses = 0
			cb.reason = ""
			log.Info().Msg("✅ Circuit breaker reset after cooldown")
			return true, ""
		}
		return false, cb.reason
	}
	return true, ""
}

const (
	reasonConsecutive = "max consecutive losses"
	reasonDrawdown    = "daily drawdown limit hit"
)

// RecordResult feeds one realized close into the breaker
func (cb *CircuitBreaker) RecordResult(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkDayReset()
	cb.dailyPnL = cb.dailyPnL.Add(pnl)

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}

	if cb.tripped {
		return
	}
	if cb.maxDailyLoss.IsPositive() && cb.dailyPnL.LessThanOrEqual(cb.maxDailyLoss.Neg()) {
		cb.trip(reasonDrawdown)
		return
	}
	if cb.maxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.maxConsecutiveLosses {
		cb.trip(reasonConsecutive)
	}
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = cb.clk.Now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_losses", cb.consecutiveLosses).
		Str("daily_pnl", cb.dailyPnL.StringFixed(2)).
		Dur("cooldown", cb.cooldownDuration).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// checkDayReset clears daily state on rollover; caller holds the lock
func (cb *CircuitBreaker) checkDayReset() {
	today := cb.clk.Now().Format("2006-01-02")
	if cb.lastResetDate == today {
		return
	}
	cb.lastResetDate = today
	cb.dailyPnL = decimal.Zero
	if cb.reason == reasonDrawdown {
		cb.tripped = false
		cb.reason = ""
	}
	log.Info().Msg("📅 Daily risk stats reset")
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (consecutiveLosses int, dailyPnL decimal.Decimal, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveLosses, cb.dailyPnL, cb.tripped, cb.reason
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveLosses = 0
	cb.tripped = false
	cb.reason = ""
	log.Info().Msg("Circuit breaker manually reset")
}
