package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE BROKER - Delegates orders to the external execution service
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every request carries a Keccak256 digest of its body. When a signing key is
// configured the digest is also signed so the service can authenticate us.
//
// ═══════════════════════════════════════════════════════════════════════════════

// LiveConfig configures the HTTP broker
type LiveConfig struct {
	BaseURL    string
	APIKey     string
	SigningKey string // hex secp256k1 key, optional
	Timeout    time.Duration
}

type LiveBroker struct {
	baseURL    string
	apiKey     string
	privateKey *ecdsa.PrivateKey
	address    string
	httpClient *http.Client
}

// NewLiveBroker creates a new execution client
func NewLiveBroker(cfg LiveConfig) (*LiveBroker, error) {
	if cfg.BaseURL == "" {
		return nil, &types.ConfigurationError{Field: "BROKER_URL", Reason: "required for live trading"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &LiveBroker{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}

	// Load signing key
	if pkHex := strings.TrimPrefix(cfg.SigningKey, "0x"); pkHex != "" {
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, &types.ConfigurationError{Field: "BROKER_SIGNING_KEY", Reason: err.Error()}
		}
		b.privateKey = pk
		b.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	log.Info().
		Str("url", b.baseURL).
		Str("signer", b.address).
		Msg("🚀 Live broker initialized")

	return b, nil
}

// Mode returns LIVE
func (b *LiveBroker) Mode() types.TradingMode { return types.ModeLive }

type tradeRequest struct {
	ClientID       string `json:"clientId"`
	TokenID        string `json:"tokenId"`
	Side           string `json:"side"`
	Amount         string `json:"amount"`
	ReferencePrice string `json:"referencePrice"`
	MaxSlippageBps int    `json:"maxSlippageBps"`
	Priority       int    `json:"priority"`
}

type tradeResponse struct {
	Success        bool            `json:"success"`
	TxID           string          `json:"txId"`
	ExecutionPrice decimal.Decimal `json:"executionPrice"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Slippage       decimal.Decimal `json:"slippage"`
	Error          string          `json:"error"`
}

// ExecuteTrade submits an order to the broker service
func (b *LiveBroker) ExecuteTrade(ctx context.Context, req types.OrderRequest) (types.ExecutionResult, error) {
	body := tradeRequest{
		ClientID:       req.ClientID,
		TokenID:        req.TokenID,
		Side:           string(req.Side),
		Amount:         req.Amount.String(),
		ReferencePrice: req.ReferencePrice.String(),
		MaxSlippageBps: req.MaxSlippageBps,
		Priority:       req.Priority,
	}

	resp, err := b.post(ctx, "/trade", body)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	var result tradeResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return types.ExecutionResult{}, fmt.Errorf("parse response: %w", err)
	}
	if !result.Success {
		if result.Error == "" {
			result.Error = "broker rejected order"
		}
		return types.ExecutionResult{Success: false, Error: result.Error}, nil
	}
	if result.Amount.IsZero() {
		result.Amount = req.Amount
	}

	log.Info().
		Str("tx", result.TxID).
		Str("token", types.ShortID(req.TokenID)).
		Str("side", string(req.Side)).
		Str("price", result.ExecutionPrice.String()).
		Msg("✅ Order filled")

	return types.ExecutionResult{
		Success:        true,
		TxID:           result.TxID,
		ExecutionPrice: result.ExecutionPrice,
		Amount:         result.Amount,
		Fee:            result.Fee,
		SlippageBps:    result.Slippage,
	}, nil
}

// Balance returns the quote balance held at the broker
func (b *LiveBroker) Balance(ctx context.Context) (decimal.Decimal, error) {
	resp, err := b.get(ctx, "/balance")
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return result.Balance, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *LiveBroker) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := b.addHeaders(req, nil); err != nil {
		return nil, err
	}
	return b.doRequest(req)
}

func (b *LiveBroker) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := b.addHeaders(req, jsonBody); err != nil {
		return nil, err
	}
	return b.doRequest(req)
}

func (b *LiveBroker) addHeaders(req *http.Request, body []byte) error {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	digest := RequestDigest(timestamp, req.Method, req.URL.Path, body)

	req.Header.Set("X-API-Key", b.apiKey)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Digest", hexutil.Encode(digest))

	if b.privateKey != nil {
		sig, err := crypto.Sign(digest, b.privateKey)
		if err != nil {
			return fmt.Errorf("signing failed: %w", err)
		}
		req.Header.Set("X-Signature", hexutil.Encode(sig))
		req.Header.Set("X-Signer", b.address)
	}
	return nil
}

func (b *LiveBroker) doRequest(req *http.Request) ([]byte, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

// RequestDigest is Keccak256(timestamp | method | path | body)
func RequestDigest(timestamp, method, path string, body []byte) []byte {
	return crypto.Keccak256([]byte(timestamp), []byte(method), []byte(path), body)
}
