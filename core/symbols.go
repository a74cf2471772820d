package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/feeds"
	"github.com/web3guy0/sigbot/types"
)

const (
	changeSpan    = 24 * time.Hour
	windowSamples = 512
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Token metadata and last observed prices
// ═══════════════════════════════════════════════════════════════════════════════

// Token is what the registry knows about a mint
type Token struct {
	ID        string
	Symbol    string
	LastPrice decimal.Decimal
	LastSeen  time.Time
}

// TokenRegistry maps token ids to symbols and remembers the prices seen on
// the stream. It doubles as the fallback price source when no market data
// API is configured.
type TokenRegistry struct {
	mu      sync.RWMutex
	tokens  map[string]*Token
	windows map[string]*feeds.PriceWindow
}

// NewTokenRegistry creates a registry seeded with known symbols
func NewTokenRegistry(symbols map[string]string) *TokenRegistry {
	r := &TokenRegistry{
		tokens:  make(map[string]*Token, len(symbols)),
		windows: make(map[string]*feeds.PriceWindow),
	}
	for id, sym := range symbols {
		r.Add(id, sym)
	}
	return r
}

// Add adds or renames a token
func (r *TokenRegistry) Add(id, symbol string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[id]; ok {
		if symbol != "" {
			t.Symbol = symbol
		}
		return
	}
	r.tokens[id] = &Token{ID: id, Symbol: symbol}
}

// Symbol returns the symbol for a token, or "" if unknown
func (r *TokenRegistry) Symbol(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tokens[id]; ok {
		return t.Symbol
	}
	return ""
}

// Observe records a traded price for a token
func (r *TokenRegistry) Observe(id string, price decimal.Decimal, at time.Time) {
	if id == "" || !price.IsPositive() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		t = &Token{ID: id}
		r.tokens[id] = t
	}
	t.LastPrice = price
	t.LastSeen = at

	w, ok := r.windows[id]
	if !ok {
		w = feeds.NewPriceWindow(changeSpan, windowSamples)
		r.windows[id] = w
	}
	w.Add(price, at)
}

// Change24h returns the percent move across the observed trailing day
func (r *TokenRegistry) Change24h(id string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[id]
	if !ok {
		return 0, false
	}
	return w.ChangePct()
}

// Price implements feeds.PriceSource from observed swaps
func (r *TokenRegistry) Price(_ context.Context, id string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok || !t.LastPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("no observed price for %s", types.ShortID(id))
	}
	return t.LastPrice, nil
}

// Get returns a copy of a token entry
func (r *TokenRegistry) Get(id string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return Token{}, false
	}
	return *t, true
}

// Count returns the number of known tokens
func (r *TokenRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
