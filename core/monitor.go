package core

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT MONITOR - Stop-loss, take-profit tiers and trailing stops
// ═══════════════════════════════════════════════════════════════════════════════

// CheckExits evaluates every open position at its current price and submits
// the resulting closing orders. Returns the number of exits attempted.
func (e *Engine) CheckExits(ctx context.Context) int {
	orders := e.ledger.CollectExits()
	for _, x := range orders {
		log.Info().
			Str("token", x.Symbol).
			Str("reason", string(x.Reason)).
			Str("price", x.Price.String()).
			Str("amount", x.Amount.String()).
			Msg("🔔 Exit triggered")

		order, closure, err := e.executor.Sell(ctx, x)
		e.afterExit(nil, order, closure, err)
	}
	return len(orders)
}

// ClosePosition closes a whole position on operator request
func (e *Engine) ClosePosition(ctx context.Context, tokenID string) (types.Closure, error) {
	order, closure, err := e.executor.ClosePosition(ctx, tokenID, types.ExitManual)
	if err != nil && order == nil {
		// Nothing was submitted: no position or an exit already in flight
		return types.Closure{}, err
	}
	e.afterExit(nil, order, closure, err)
	return closure, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE REFRESH
// ═══════════════════════════════════════════════════════════════════════════════

// RefreshPrices marks every open position to the market data source. A
// failing lookup is logged and skipped. Returns how many prices updated.
func (e *Engine) RefreshPrices(ctx context.Context) int {
	updated := 0
	for _, token := range e.ledger.TokenIDs() {
		if ctx.Err() != nil {
			break
		}
		pctx, cancel := context.WithTimeout(ctx, priceTimeout)
		price, err := e.prices.Price(pctx, token)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("token", types.ShortID(token)).Msg("Price refresh skipped")
			continue
		}
		if !price.IsPositive() {
			continue
		}
		if e.ledger.UpdatePrice(token, price) {
			e.registry.Observe(token, price, e.clk.Now())
			updated++
		}
	}

	if e.executor.Mode() == types.ModeLive && ctx.Err() == nil {
		bctx, cancel := context.WithTimeout(ctx, balanceTimeout)
		if err := e.executor.RefreshBalance(bctx); err != nil {
			log.Warn().Err(err).Msg("⚠️ Balance refresh failed")
		}
		cancel()
	}
	return updated
}
