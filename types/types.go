package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Action is the trade direction carried by a signal or order
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// TradingMode selects the execution path once at construction
type TradingMode string

const (
	ModePaper TradingMode = "PAPER"
	ModeLive  TradingMode = "LIVE"
)

// ExitReason explains why (part of) a position was closed
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitSignal       ExitReason = "SIGNAL"
	ExitManual       ExitReason = "MANUAL"
)

// TradeStatus is the audit status of a trade record
type TradeStatus string

const (
	TradeRejected TradeStatus = "REJECTED"
	TradeFailed   TradeStatus = "FAILED"
	TradeFilled   TradeStatus = "FILLED"
	TradeClosed   TradeStatus = "CLOSED"
)

// OrderRequest is what the pipeline hands to an execution broker
type OrderRequest struct {
	ClientID       string
	TokenID        string
	Symbol         string
	Side           Action
	Amount         decimal.Decimal // token units
	Notional       decimal.Decimal // quote units at the reference price
	ReferencePrice decimal.Decimal
	MaxSlippageBps int
	Priority       int // 0 normal, higher = more urgent (exits)
}

// ExecutionResult is the broker's answer to an OrderRequest
type ExecutionResult struct {
	Success        bool
	TxID           string
	ExecutionPrice decimal.Decimal
	Amount         decimal.Decimal // filled token units
	Fee            decimal.Decimal
	SlippageBps    decimal.Decimal
	Error          string
}

// TradeRecord is the audit trail entry written to the durable store
type TradeRecord struct {
	ID        string // tx id for fills, signal id for rejections
	TxID      string
	SignalID  string
	TokenID   string
	Symbol    string
	Side      Action
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	PnL       decimal.Decimal
	Status    TradeStatus
	Reason    string
	Source    string
	RiskScore float64
	Timestamp time.Time
}

// Closure describes a realized (partial or full) exit
type Closure struct {
	TokenID   string
	Symbol    string
	Amount    decimal.Decimal
	ExitPrice decimal.Decimal
	PnL       decimal.Decimal
	Reason    ExitReason
	TxID      string
	Remaining decimal.Decimal
	Closed    bool // true when the position was removed
	Timestamp time.Time
}

// Snapshot is the portfolio view emitted by the stats aggregator
type Snapshot struct {
	PortfolioValue   decimal.Decimal
	CashBalance      decimal.Decimal
	PositionsValue   decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	DailyPnL         decimal.Decimal
	TotalPnL         decimal.Decimal
	WinRate          float64
	TotalTrades      int
	SuccessfulTrades int
	OpenPositions    int
	Timestamp        time.Time
}
