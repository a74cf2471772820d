package types

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL - Externally sourced trade suggestion
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signals arrive from heterogeneous sources. Units are normalized exactly once,
// at the ingestion boundary (NormalizeUnit), so nothing downstream has to guess
// whether 82 means 82% or 0.82.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SignalMetadata holds optional per-signal market context. A nil field means
// the source did not report it.
type SignalMetadata struct {
	Liquidity      *decimal.Decimal // quote units
	HolderCount    *int
	PriceChange24h *float64 // percent, e.g. -12.5
	RugRisk        *float64 // [0,1]
}

// HasLiquidity reports whether liquidity was provided
func (m SignalMetadata) HasLiquidity() bool { return m.Liquidity != nil }

// HasRugRisk reports whether a rug-risk metric was provided
func (m SignalMetadata) HasRugRisk() bool { return m.RugRisk != nil }

// Signal represents a trade suggestion from an external source
type Signal struct {
	ID         string
	Symbol     string
	TokenID    string
	Action     Action
	Confidence float64 // [0,1] after normalization
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Source     string
	Timestamp  time.Time
	Metadata   SignalMetadata
}

// Validate checks if a signal is well-formed
func (s *Signal) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("signal id is required")
	case s.TokenID == "":
		return fmt.Errorf("token id is required")
	case s.Action != ActionBuy && s.Action != ActionSell:
		return fmt.Errorf("invalid action %q", s.Action)
	case math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1:
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	case !s.Price.IsPositive():
		return fmt.Errorf("price must be positive")
	case s.Volume.IsNegative():
		return fmt.Errorf("volume must not be negative")
	}
	if s.Metadata.RugRisk != nil {
		r := *s.Metadata.RugRisk
		if math.IsNaN(r) || r < 0 || r > 1 {
			return fmt.Errorf("rug risk %v outside [0,1]", r)
		}
	}
	return nil
}

// Label returns the symbol if known, otherwise a shortened token id
func (s *Signal) Label() string {
	if s.Symbol != "" {
		return s.Symbol
	}
	return ShortID(s.TokenID)
}

// NormalizeUnit converts a confidence-like value to [0,1]. Values in (1,100]
// are percentages. Anything else outside [0,1] is an error.
func NormalizeUnit(v float64) (float64, error) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return 0, fmt.Errorf("value is not a number")
	case v < 0:
		return 0, fmt.Errorf("value %v is negative", v)
	case v <= 1:
		return v, nil
	case v <= 100:
		return v / 100, nil
	default:
		return 0, fmt.Errorf("value %v exceeds 100", v)
	}
}

// ParseAction accepts BUY/SELL in any case plus the LONG/SHORT aliases
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return ActionBuy, nil
	case "SELL", "SHORT":
		return ActionSell, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// ShortID trims long chain identifiers for logs
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "…" + id[len(id)-4:]
}
