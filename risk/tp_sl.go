package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL - Exit evaluation for one position at one price
// ═══════════════════════════════════════════════════════════════════════════════
//
// Priority per tick: stop-loss, trailing stop, then take-profit tiers in
// order. Tier closes compound on the remaining amount and are combined into a
// single exit order. Hit flags are committed by the ledger only after the
// exit fills, so a failed order is re-evaluated next tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExitDecision is the outcome of CheckExit
type ExitDecision struct {
	Exit   bool
	Reason types.ExitReason
	Amount decimal.Decimal
	Price  decimal.Decimal
	Tiers  []int // indexes of tiers this exit fills
	Full   bool
}

// CheckExit updates price-tracking state (peaks, trailing arms) on pos and
// returns what, if anything, should be closed. pos must be owned by the caller.
func CheckExit(pos *types.Position, price decimal.Decimal) ExitDecision {
	if !price.IsPositive() || !pos.Amount.IsPositive() {
		return ExitDecision{}
	}
	full := func(reason types.ExitReason) ExitDecision {
		return ExitDecision{Exit: true, Reason: reason, Amount: pos.Amount, Price: price, Full: true}
	}

	updateTrailingStop(pos, price)

	// Stop loss
	if price.LessThanOrEqual(pos.StopLoss) {
		return full(types.ExitStopLoss)
	}

	// Trailing stop
	if pos.Trailing.Armed && price.LessThanOrEqual(pos.Trailing.CurrentStop) {
		return full(types.ExitTrailingStop)
	}

	// Take profit ladder
	one := decimal.NewFromInt(1)
	remaining := pos.Amount
	closing := decimal.Zero
	var tiers []int
	for i := range pos.TakeProfits {
		tp := &pos.TakeProfits[i]
		if tp.Hit {
			continue
		}

		if tp.Trailing {
			if !tp.Armed {
				if price.LessThan(tp.Price) {
					break
				}
				tp.Armed = true
				tp.Peak = price
				log.Debug().
					Str("token", pos.Label()).
					Int("tier", tp.Level).
					Str("price", price.String()).
					Msg("📈 Trailing take-profit armed")
				continue
			}
			if price.GreaterThan(tp.Peak) {
				tp.Peak = price
			}
			exitAt := tp.Peak.Mul(one.Sub(pos.Trailing.Distance))
			if price.GreaterThan(exitAt) {
				continue
			}
		} else if price.LessThan(tp.Price) {
			break
		}

		amt := remaining.Mul(tp.ClosePct)
		if amt.GreaterThan(remaining) {
			amt = remaining
		}
		closing = closing.Add(amt)
		remaining = remaining.Sub(amt)
		tiers = append(tiers, i)
		if !remaining.IsPositive() {
			break
		}
	}

	if len(tiers) == 0 || !closing.IsPositive() {
		return ExitDecision{}
	}
	return ExitDecision{
		Exit:   true,
		Reason: types.ExitTakeProfit,
		Amount: closing,
		Price:  price,
		Tiers:  tiers,
		Full:   !remaining.IsPositive(),
	}
}

// updateTrailingStop tracks the peak and ratchets the stop upward only
func updateTrailingStop(pos *types.Position, price decimal.Decimal) {
	ts := &pos.Trailing
	if !ts.Enabled {
		return
	}
	if price.GreaterThan(ts.Peak) {
		ts.Peak = price
	}
	if !ts.Armed {
		if ts.ArmPrice.IsZero() || price.LessThan(ts.ArmPrice) {
			return
		}
		ts.Armed = true
		log.Debug().
			Str("token", pos.Label()).
			Str("arm_price", ts.ArmPrice.String()).
			Msg("📈 Trailing stop armed")
	}

	candidate := ts.Peak.Mul(decimal.NewFromInt(1).Sub(ts.Distance))
	if candidate.GreaterThan(ts.CurrentStop) {
		ts.CurrentStop = candidate
		log.Debug().
			Str("token", pos.Label()).
			Str("new_stop", candidate.String()).
			Msg("Trailing stop updated")
	}
}
