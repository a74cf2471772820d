package feeds

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYNTHETIC FEED - Well-formed swap stream when no live feed is configured
// ═══════════════════════════════════════════════════════════════════════════════
//
// Prices follow a bounded random walk. Each tick a random token is swapped
// against the quote mint by a synthetic wallet, so the mapper, queue, risk
// gate and monitor all see realistic traffic. The same walk backs Price so
// open positions are marked consistently.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SyntheticToken seeds the random walk
type SyntheticToken struct {
	TokenID string
	Symbol  string
	Price   decimal.Decimal // in quote units
}

// DefaultSyntheticTokens are used when none are given
func DefaultSyntheticTokens() []SyntheticToken {
	return []SyntheticToken{
		{TokenID: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Symbol: "BONK", Price: decimal.RequireFromString("0.000012")},
		{TokenID: "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm", Symbol: "WIF", Price: decimal.RequireFromString("0.0125")},
		{TokenID: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Symbol: "JUP", Price: decimal.RequireFromString("0.0062")},
	}
}

const (
	SyntheticWallet = "SyntheticWa11et111111111111111111111111111"
	SyntheticSource = "SYNTHETIC"
	maxStepPct      = 0.02
)

// SyntheticConfig configures a SyntheticFeed
type SyntheticConfig struct {
	Tokens    []SyntheticToken
	QuoteMint string
	Interval  time.Duration
	BuyBias   float64 // probability a generated swap buys the token
}

type SyntheticFeed struct {
	cfg SyntheticConfig
	clk clock.Clock
	pub events.Publisher

	mu      sync.Mutex
	rng     *rand.Rand
	prices  map[string]decimal.Decimal
	state   types.ConnectionState
	started bool
	seq     uint64

	events   chan types.StreamEvent
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewSyntheticFeed creates a feed. rng may be nil.
func NewSyntheticFeed(cfg SyntheticConfig, clk clock.Clock, pub events.Publisher, rng *rand.Rand) *SyntheticFeed {
	if len(cfg.Tokens) == 0 {
		cfg.Tokens = DefaultSyntheticTokens()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BuyBias <= 0 || cfg.BuyBias > 1 {
		cfg.BuyBias = 0.7
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	if pub == nil {
		pub = events.Nop{}
	}

	prices := make(map[string]decimal.Decimal, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		prices[t.TokenID] = t.Price
	}

	return &SyntheticFeed{
		cfg:    cfg,
		clk:    clk,
		pub:    pub,
		rng:    rng,
		prices: prices,
		state:  types.StateDisconnected,
		events: make(chan types.StreamEvent, eventBufferSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Events implements Stream
func (f *SyntheticFeed) Events() <-chan types.StreamEvent { return f.events }

// State implements Stream
func (f *SyntheticFeed) State() types.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Start implements Stream
func (f *SyntheticFeed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	f.setState(types.StateConnected)
	go f.run(ctx)
	log.Info().Int("tokens", len(f.cfg.Tokens)).Dur("interval", f.cfg.Interval).Msg("🧪 Synthetic feed started")
}

// Stop implements Stream. Safe to call twice.
func (f *SyntheticFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.mu.Lock()
		started := f.started
		f.mu.Unlock()
		if started {
			<-f.done
		} else {
			close(f.events)
		}
		f.setState(types.StateDisconnected)
	})
}

// Price implements PriceSource from the walk
func (f *SyntheticFeed) Price(_ context.Context, tokenID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[tokenID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no synthetic price for %s", types.ShortID(tokenID))
	}
	return p, nil
}

// Symbols returns token id → symbol for the registry
func (f *SyntheticFeed) Symbols() map[string]string {
	out := make(map[string]string, len(f.cfg.Tokens))
	for _, t := range f.cfg.Tokens {
		out[t.TokenID] = t.Symbol
	}
	return out
}

func (f *SyntheticFeed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.events)

	ticker := f.clk.Ticker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := f.Next()
			select {
			case f.events <- ev:
			default:
				log.Warn().Msg("⚠️ Synthetic consumer full, dropping event")
			}
		}
	}
}

// Next advances every price one step and returns a swap on a random token
func (f *SyntheticFeed) Next() types.StreamEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	one := decimal.NewFromInt(1)
	for _, t := range f.cfg.Tokens {
		step := (f.rng.Float64()*2 - 1) * maxStepPct
		next := f.prices[t.TokenID].Mul(one.Add(decimal.NewFromFloat(step)))
		// Never walk below 1% of the seed
		if floor := t.Price.Div(decimal.NewFromInt(100)); next.LessThan(floor) {
			next = floor
		}
		f.prices[t.TokenID] = next
	}

	tok := f.cfg.Tokens[f.rng.Intn(len(f.cfg.Tokens))]
	price := f.prices[tok.TokenID]
	quoteAmount := decimal.NewFromFloat(0.5 + f.rng.Float64()*9.5).Round(4)
	tokenAmount := quoteAmount.Div(price).Round(6)

	f.seq++
	swap := &types.Swap{Account: SyntheticWallet, Program: SyntheticSource}
	if f.rng.Float64() < f.cfg.BuyBias {
		swap.InMint, swap.InAmount = f.cfg.QuoteMint, quoteAmount
		swap.OutMint, swap.OutAmount = tok.TokenID, tokenAmount
	} else {
		swap.InMint, swap.InAmount = tok.TokenID, tokenAmount
		swap.OutMint, swap.OutAmount = f.cfg.QuoteMint, quoteAmount
	}

	return types.StreamEvent{
		Kind:      types.KindTokenSwap,
		Signature: "synthetic-" + uuid.NewString(),
		Slot:      f.seq,
		Timestamp: f.clk.Now(),
		Account:   SyntheticWallet,
		Source:    SyntheticSource,
		Synthetic: true,
		Swap:      swap,
	}
}

func (f *SyntheticFeed) setState(s types.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.pub.Publish(events.Event{Type: events.ConnectionStateChanged, Time: f.clk.Now(), State: s})
}
