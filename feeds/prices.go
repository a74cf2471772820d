package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA - Token prices in quote units
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSource returns the latest price for a token
type PriceSource interface {
	Price(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// HTTPPriceSource queries a Jupiter-style price endpoint:
//
//	GET <base>?ids=<mint>[&vsToken=<quote>]
//	{"data": {"<mint>": {"id": "<mint>", "price": "0.0000123"}}}
type HTTPPriceSource struct {
	baseURL    string
	vsToken    string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewHTTPPriceSource creates a rate-limited price client. perMinute <= 0
// disables limiting.
func NewHTTPPriceSource(baseURL, vsToken string, perMinute float64, burst int) (*HTTPPriceSource, error) {
	if baseURL == "" {
		return nil, &types.ConfigurationError{Field: "PRICE_API_URL", Reason: "required"}
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &HTTPPriceSource{
		baseURL:    baseURL,
		vsToken:    vsToken,
		limiter:    rate.NewLimiter(limit, burst),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type priceResponse struct {
	Data map[string]*struct {
		ID    string          `json:"id"`
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

// Price fetches a single token price
func (s *HTTPPriceSource) Price(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	prices, err := s.Prices(ctx, []string{tokenID})
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := prices[tokenID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", types.ShortID(tokenID))
	}
	return p, nil
}

// Prices fetches several tokens in one request. Tokens without a price are
// missing from the result.
func (s *HTTPPriceSource) Prices(ctx context.Context, tokenIDs []string) (map[string]decimal.Decimal, error) {
	if len(tokenIDs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("ids", strings.Join(tokenIDs, ","))
	if s.vsToken != "" {
		q.Set("vsToken", s.vsToken)
	}
	sep := "?"
	if strings.Contains(s.baseURL, "?") {
		sep = "&"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+sep+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
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

	var result priceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse prices: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(result.Data))
	for id, entry := range result.Data {
		if entry != nil && entry.Price.IsPositive() {
			out[id] = entry.Price
		}
	}
	return out, nil
}
