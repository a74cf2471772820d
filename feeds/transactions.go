package feeds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENHANCED TRANSACTIONS - Parsed chain transactions from webhooks and streams
// ═══════════════════════════════════════════════════════════════════════════════
//
// Webhook deliveries and transaction notifications share one payload shape.
// Normalization rules:
//   TRANSFER                   → transaction event
//   SWAP with ≥2 token legs    → token-swap event
//   anything else              → transaction event
//   transactionError present   → transaction event carrying the error
//
// ═══════════════════════════════════════════════════════════════════════════════

const lamportsPerSOL = 1_000_000_000

// EnhancedTransaction is one delivered transaction
type EnhancedTransaction struct {
	Signature        string           `json:"signature"`
	Type             string           `json:"type"`
	Source           string           `json:"source"`
	Slot             uint64           `json:"slot"`
	Timestamp        int64            `json:"timestamp"`
	FeePayer         string           `json:"feePayer"`
	AccountData      []AccountData    `json:"accountData"`
	TokenTransfers   []TokenTransfer  `json:"tokenTransfers"`
	NativeTransfers  []NativeTransfer `json:"nativeTransfers"`
	Instructions     []Instruction    `json:"instructions"`
	TransactionError json.RawMessage  `json:"transactionError,omitempty"`
}

// AccountData is the per-account balance effect of a transaction
type AccountData struct {
	Account             string `json:"account"`
	NativeBalanceChange int64  `json:"nativeBalanceChange"`
}

// TokenTransfer is an SPL token movement
type TokenTransfer struct {
	FromUserAccount string          `json:"fromUserAccount"`
	ToUserAccount   string          `json:"toUserAccount"`
	Mint            string          `json:"mint"`
	TokenAmount     decimal.Decimal `json:"tokenAmount"`
}

// NativeTransfer is a SOL movement in lamports
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}

// Instruction is a top-level program invocation
type Instruction struct {
	ProgramID string   `json:"programId"`
	Accounts  []string `json:"accounts"`
	Data      string   `json:"data"`
}

// Failed reports whether the transaction carries an error
func (tx *EnhancedTransaction) Failed() bool {
	raw := bytes.TrimSpace(tx.TransactionError)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// ErrorText returns the transaction error as a string
func (tx *EnhancedTransaction) ErrorText() string {
	if !tx.Failed() {
		return ""
	}
	var s string
	if err := json.Unmarshal(tx.TransactionError, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(tx.TransactionError))
}

// ParseTransactions accepts a JSON array or a single object
func ParseTransactions(data []byte) ([]EnhancedTransaction, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if data[0] == '[' {
		var txs []EnhancedTransaction
		if err := json.Unmarshal(data, &txs); err != nil {
			return nil, fmt.Errorf("parse transactions: %w", err)
		}
		return txs, nil
	}

	var tx EnhancedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("parse transaction: %w", err)
	}
	return []EnhancedTransaction{tx}, nil
}

// NormalizeTransaction converts one transaction into a stream event.
// now is used when the payload has no timestamp.
func NormalizeTransaction(tx EnhancedTransaction, source string, now time.Time) types.StreamEvent {
	ev := types.StreamEvent{
		Kind:      types.KindTransaction,
		Signature: tx.Signature,
		Slot:      tx.Slot,
		Timestamp: now,
		Account:   tx.FeePayer,
		Source:    source,
	}
	if tx.Timestamp > 0 {
		ev.Timestamp = time.Unix(tx.Timestamp, 0).UTC()
	}

	if tx.Failed() {
		ev.Error = tx.ErrorText()
		return ev
	}

	switch strings.ToUpper(tx.Type) {
	case "SWAP":
		if swap := swapFrom(tx); swap != nil {
			ev.Kind = types.KindTokenSwap
			ev.Swap = swap
			ev.Account = swap.Account
			return ev
		}
	case "TRANSFER":
		ev.Transfer = transferFrom(tx)
		if ev.Account == "" && ev.Transfer != nil {
			ev.Account = ev.Transfer.From
		}
		return ev
	}

	ev.Transfer = transferFrom(tx)
	return ev
}

// NormalizeTransactions converts every transaction in a delivery
func NormalizeTransactions(txs []EnhancedTransaction, source string, now time.Time) []types.StreamEvent {
	out := make([]types.StreamEvent, 0, len(txs))
	for _, tx := range txs {
		out = append(out, NormalizeTransaction(tx, source, now))
	}
	return out
}

// swapFrom needs at least two token legs. The swapping account is the fee
// payer, falling back to the sender of the first leg.
func swapFrom(tx EnhancedTransaction) *types.Swap {
	if len(tx.TokenTransfers) < 2 {
		return nil
	}

	account := tx.FeePayer
	if account == "" {
		account = tx.TokenTransfers[0].FromUserAccount
	}

	var in, out *TokenTransfer
	for i := range tx.TokenTransfers {
		tt := &tx.TokenTransfers[i]
		if in == nil && tt.FromUserAccount == account {
			in = tt
		}
		if tt.ToUserAccount == account {
			out = tt
		}
	}
	if in == nil {
		in = &tx.TokenTransfers[0]
	}
	if out == nil || out == in {
		out = &tx.TokenTransfers[len(tx.TokenTransfers)-1]
	}
	if in.Mint == out.Mint {
		return nil
	}

	program := tx.Source
	if program == "" && len(tx.Instructions) > 0 {
		program = tx.Instructions[0].ProgramID
	}

	return &types.Swap{
		Account:   account,
		InMint:    in.Mint,
		InAmount:  in.TokenAmount,
		OutMint:   out.Mint,
		OutAmount: out.TokenAmount,
		Program:   program,
	}
}

func transferFrom(tx EnhancedTransaction) *types.Transfer {
	if len(tx.TokenTransfers) > 0 {
		tt := tx.TokenTransfers[0]
		return &types.Transfer{
			From:    tt.FromUserAccount,
			To:      tt.ToUserAccount,
			Mint:    tt.Mint,
			Amount:  tt.TokenAmount,
			Success: true,
		}
	}
	if len(tx.NativeTransfers) > 0 {
		nt := tx.NativeTransfers[0]
		return &types.Transfer{
			From:    nt.FromUserAccount,
			To:      nt.ToUserAccount,
			Amount:  decimal.New(nt.Amount, 0).Div(decimal.New(lamportsPerSOL, 0)),
			Success: true,
		}
	}
	return nil
}
