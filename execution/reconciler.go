package execution

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigbot/storage"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup position recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// On startup, we need to:
// 1. Load any persisted open positions from the durable store
// 2. Drop records that cannot be traded (no amount, no price)
// 3. Rebuild exit levels that no longer satisfy stop < average < take-profit
//
// A store that is down or disabled never blocks startup.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PositionFinder is the read side of the durable store
type PositionFinder interface {
	FindOpenPositions(ctx context.Context, filter storage.PositionFilter) ([]*types.Position, error)
}

// Reconciler handles startup position recovery
type Reconciler struct {
	ledger *Ledger
	store  PositionFinder
}

// NewReconciler creates a position reconciler
func NewReconciler(ledger *Ledger, store PositionFinder) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		store:  store,
	}
}

// RecoverPositions loads persisted open positions into the ledger
func (r *Reconciler) RecoverPositions(ctx context.Context, filter storage.PositionFilter) (int, error) {
	if r.store == nil {
		log.Info().Msg("📦 No database - skipping position recovery")
		return 0, nil
	}

	persisted, err := r.store.FindOpenPositions(ctx, filter)
	if errors.Is(err, types.ErrStoreDisabled) {
		log.Info().Msg("📦 No database - skipping position recovery")
		return 0, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load persisted positions")
		return 0, err
	}

	if len(persisted) == 0 {
		log.Info().Msg("📦 No persisted positions to recover")
		return 0, nil
	}

	log.Warn().
		Int("count", len(persisted)).
		Msg("⚠️ Found persisted positions from previous session")

	valid := make([]*types.Position, 0, len(persisted))
	for _, pos := range persisted {
		if !pos.Amount.IsPositive() || !pos.AveragePrice.IsPositive() {
			log.Warn().Str("token", pos.Label()).Msg("⚠️ Skipping unusable persisted position")
			continue
		}
		if !exitLevelsValid(pos) {
			pos.Rebase()
		}
		valid = append(valid, pos)

		log.Warn().
			Str("token", pos.Label()).
			Str("amount", pos.Amount.String()).
			Str("avg_price", pos.AveragePrice.String()).
			Time("opened_at", pos.OpenedAt).
			Msg("📥 Recovered position")
	}

	recovered := r.ledger.Load(valid)

	log.Info().
		Int("recovered", recovered).
		Msg("✅ Position recovery complete")

	return recovered, nil
}
