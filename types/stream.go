package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STREAM - Connection state and normalized chain events
// ═══════════════════════════════════════════════════════════════════════════════

// ConnectionState is the single source of truth for a streaming connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// StreamEventKind classifies a normalized stream event
type StreamEventKind string

const (
	KindTransaction   StreamEventKind = "TRANSACTION"
	KindBalanceChange StreamEventKind = "BALANCE_CHANGE"
	KindTokenSwap     StreamEventKind = "TOKEN_SWAP"
)

// Transfer is a single native or token movement inside a transaction
type Transfer struct {
	From    string
	To      string
	Mint    string // empty for the native currency
	Amount  decimal.Decimal
	Success bool
}

// BalanceChange is an account balance update
type BalanceChange struct {
	Account string
	Mint    string
	Before  decimal.Decimal
	After   decimal.Decimal
}

// Delta returns after - before
func (b BalanceChange) Delta() decimal.Decimal { return b.After.Sub(b.Before) }

// Swap is a token exchange as seen from the initiating account
type Swap struct {
	Account   string
	InMint    string // what the account paid
	InAmount  decimal.Decimal
	OutMint   string // what the account received
	OutAmount decimal.Decimal
	Program   string
}

// StreamEvent is the typed output of the connection manager and webhook ingress
type StreamEvent struct {
	Kind      StreamEventKind
	Signature string
	Slot      uint64
	Timestamp time.Time
	Account   string
	Source    string
	Synthetic bool
	Error     string
	Transfer  *Transfer
	Balance   *BalanceChange
	Swap      *Swap
}
