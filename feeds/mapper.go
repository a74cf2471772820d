package feeds

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL MAPPER - Token swaps by watched wallets become trade signals
// ═══════════════════════════════════════════════════════════════════════════════
//
// A wallet paying a quote mint for a token is a BUY of that token at
// quoteAmount / tokenAmount. Selling a token for a quote mint is a SELL.
// Token-for-token swaps and failed transactions produce nothing.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Well-known quote mints
const (
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
	USDCMint       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// TrustFunc returns the default confidence for a source
type TrustFunc func(source string) float64

type SignalMapper struct {
	quotes map[string]bool
	trust  TrustFunc
}

// NewSignalMapper creates a mapper for the given quote mints
func NewSignalMapper(quoteMints []string, trust TrustFunc) *SignalMapper {
	quotes := make(map[string]bool, len(quoteMints))
	for _, m := range quoteMints {
		quotes[strings.TrimSpace(m)] = true
	}
	if trust == nil {
		trust = func(string) float64 { return 0.5 }
	}
	return &SignalMapper{quotes: quotes, trust: trust}
}

// IsQuote reports whether mint is a quote currency
func (sm *SignalMapper) IsQuote(mint string) bool {
	return sm.quotes[mint]
}

// Map returns a signal for a swap event, or nil if the event is not tradable
func (sm *SignalMapper) Map(ev types.StreamEvent) *types.Signal {
	if ev.Kind != types.KindTokenSwap || ev.Swap == nil || ev.Error != "" {
		return nil
	}
	s := ev.Swap

	var (
		action      types.Action
		token       string
		tokenAmount decimal.Decimal
		quoteAmount decimal.Decimal
	)
	switch {
	case sm.quotes[s.InMint] && !sm.quotes[s.OutMint]:
		action, token = types.ActionBuy, s.OutMint
		tokenAmount, quoteAmount = s.OutAmount, s.InAmount
	case sm.quotes[s.OutMint] && !sm.quotes[s.InMint]:
		action, token = types.ActionSell, s.InMint
		tokenAmount, quoteAmount = s.InAmount, s.OutAmount
	default:
		return nil
	}
	if !tokenAmount.IsPositive() || !quoteAmount.IsPositive() {
		return nil
	}

	id := ev.Signature
	if id == "" {
		return nil
	}
	if s.Account != "" {
		id += ":" + s.Account
	}

	return &types.Signal{
		ID:         id,
		TokenID:    token,
		Action:     action,
		Confidence: sm.trust(ev.Source),
		Price:      quoteAmount.Div(tokenAmount),
		Volume:     quoteAmount,
		Source:     ev.Source,
		Timestamp:  ev.Timestamp,
	}
}
