package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// signalRequest is the wire shape of POST /signals. Confidence and rugRisk
// may be fractions or percentages; they are normalized here and nowhere else.
type signalRequest struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	TokenID    string          `json:"tokenId"`
	Action     string          `json:"action"`
	Confidence *float64        `json:"confidence"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Source     string          `json:"source"`
	Timestamp  int64           `json:"timestamp"` // unix seconds or milliseconds
	Metadata   *signalMetadata `json:"metadata"`
}

type signalMetadata struct {
	Liquidity      *decimal.Decimal `json:"liquidity"`
	HolderCount    *int             `json:"holderCount"`
	PriceChange24h *float64         `json:"priceChange24h"`
	RugRisk        *float64         `json:"rugRisk"`
}

// parseSignalRequests accepts one object or an array of them
func parseSignalRequests(data []byte) ([]signalRequest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	if trimmed[0] == '[' {
		var reqs []signalRequest
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, fmt.Errorf("parse signals: %w", err)
		}
		return reqs, nil
	}
	var req signalRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("parse signal: %w", err)
	}
	return []signalRequest{req}, nil
}

// toSignal validates and normalizes a request at the ingestion boundary
func (r signalRequest) toSignal(now time.Time) (*types.Signal, error) {
	action, err := types.ParseAction(r.Action)
	if err != nil {
		return nil, err
	}
	if r.Confidence == nil {
		return nil, fmt.Errorf("confidence is required")
	}
	confidence, err := types.NormalizeUnit(*r.Confidence)
	if err != nil {
		return nil, fmt.Errorf("confidence: %w", err)
	}

	sig := &types.Signal{
		ID:         strings.TrimSpace(r.ID),
		Symbol:     strings.ToUpper(strings.TrimSpace(r.Symbol)),
		TokenID:    strings.TrimSpace(r.TokenID),
		Action:     action,
		Confidence: confidence,
		Price:      r.Price,
		Volume:     r.Volume,
		Source:     strings.ToUpper(strings.TrimSpace(r.Source)),
		Timestamp:  unixTime(r.Timestamp, now),
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Source == "" {
		sig.Source = webhookSource
	}

	if m := r.Metadata; m != nil {
		sig.Metadata.Liquidity = m.Liquidity
		sig.Metadata.HolderCount = m.HolderCount
		sig.Metadata.PriceChange24h = m.PriceChange24h
		if m.RugRisk != nil {
			rug, err := types.NormalizeUnit(*m.RugRisk)
			if err != nil {
				return nil, fmt.Errorf("rugRisk: %w", err)
			}
			sig.Metadata.RugRisk = &rug
		}
	}

	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}

// unixTime reads seconds, or milliseconds for values above 1e12
func unixTime(v int64, now time.Time) time.Time {
	switch {
	case v <= 0:
		return now
	case v > 1e12:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}
