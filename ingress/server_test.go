package ingress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sigbot/core"
	"github.com/web3guy0/sigbot/types"
)

type fakePipeline struct {
	mu      sync.Mutex
	routed  []types.StreamEvent
	signals []*types.Signal
	reject  string
}

func (p *fakePipeline) Route(ev types.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routed = append(p.routed, ev)
}

func (p *fakePipeline) Submit(sig *types.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject != "" && sig.Source == p.reject {
		return &types.SignalRejected{SignalID: sig.ID, Reason: "source not allowed"}
	}
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakePipeline) Status() core.Status {
	return core.Status{
		Mode:     types.ModePaper,
		Stream:   "CONNECTED",
		Queued:   2,
		Snapshot: types.Snapshot{PortfolioValue: decimal.NewFromInt(1040), OpenPositions: 1},
	}
}

func (p *fakePipeline) Positions() []*types.Position {
	return []*types.Position{{TokenID: "tok", Symbol: "TOK", Amount: decimal.NewFromInt(10)}}
}

func newTestServer(t *testing.T, cfg Config) (*fakePipeline, http.Handler) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	p := &fakePipeline{}
	return p, NewServer(cfg, p, clk).Handler()
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const webhookBody = `[{
	"signature": "5xSwap", "type": "SWAP", "slot": 1, "timestamp": 1709294400, "feePayer": "whale1",
	"tokenTransfers": [
		{"fromUserAccount": "whale1", "toUserAccount": "pool", "mint": "So11111111111111111111111111111111111111112", "tokenAmount": 1.5},
		{"fromUserAccount": "pool", "toUserAccount": "whale1", "mint": "tok", "tokenAmount": 1000}
	]
}, {
	"signature": "5xTransfer", "type": "TRANSFER", "slot": 2, "timestamp": 1709294401,
	"nativeTransfers": [{"fromUserAccount": "a", "toUserAccount": "b", "amount": 1000000000}]
}]`

func TestWebhookRoutesEvents(t *testing.T) {
	p, h := newTestServer(t, Config{})

	rec := do(h, http.MethodPost, "/webhook", webhookBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, p.routed, 2)
	assert.Equal(t, types.KindTokenSwap, p.routed[0].Kind)
	assert.Equal(t, "WEBHOOK", p.routed[0].Source)
	assert.Equal(t, types.KindTransaction, p.routed[1].Kind)

	var resp struct {
		Received int            `json:"received"`
		Events   map[string]int `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Received)
	assert.Equal(t, 1, resp.Events["TOKEN_SWAP"])

	rec = do(h, http.MethodPost, "/webhook", "{broken", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/webhook", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSignalsNormalizeAtBoundary(t *testing.T) {
	p, h := newTestServer(t, Config{})

	body := `[
		{"id": "a", "symbol": "bonk", "tokenId": "tokA", "action": "long", "confidence": 82, "price": "0.000012", "source": "alpha",
		 "metadata": {"liquidity": "2000000", "rugRisk": 15, "priceChange24h": -12.5}},
		{"tokenId": "tokB", "action": "SELL", "confidence": 0.7, "price": 1.5, "timestamp": 1709294400000},
		{"id": "bad-action", "tokenId": "tokC", "action": "HOLD", "confidence": 0.9, "price": 1},
		{"id": "bad-conf", "tokenId": "tokC", "action": "BUY", "confidence": 250, "price": 1},
		{"id": "no-price", "tokenId": "tokC", "action": "BUY", "confidence": 0.9}
	]`
	rec := do(h, http.MethodPost, "/signals", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Accepted int `json:"accepted"`
		Rejected []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	require.Len(t, resp.Rejected, 3)
	assert.Equal(t, "bad-action", resp.Rejected[0].ID)
	assert.Contains(t, resp.Rejected[1].Reason, "exceeds 100")

	require.Len(t, p.signals, 2)
	a := p.signals[0]
	assert.Equal(t, types.ActionBuy, a.Action)
	assert.InDelta(t, 0.82, a.Confidence, 1e-9)
	assert.Equal(t, "BONK", a.Symbol)
	assert.Equal(t, "ALPHA", a.Source)
	require.NotNil(t, a.Metadata.RugRisk)
	assert.InDelta(t, 0.15, *a.Metadata.RugRisk, 1e-9)
	require.NotNil(t, a.Metadata.PriceChange24h)
	assert.InDelta(t, -12.5, *a.Metadata.PriceChange24h, 1e-9, "percent fields stay in percent")
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), a.Timestamp, "missing timestamp defaults to now")

	b := p.signals[1]
	assert.NotEmpty(t, b.ID, "id generated")
	assert.Equal(t, "WEBHOOK", b.Source)
	assert.Equal(t, time.Unix(1709294400, 0).UTC(), b.Timestamp)
}

func TestSignalsSingleObjectAndRejection(t *testing.T) {
	p, h := newTestServer(t, Config{})
	p.reject = "SPAM"

	rec := do(h, http.MethodPost, "/signals", `{"id": "x", "tokenId": "t", "action": "buy", "confidence": 0.9, "price": 2, "source": "spam"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "source not allowed")
	assert.Empty(t, p.signals)

	rec = do(h, http.MethodPost, "/signals", "   ", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecretAndHealth(t *testing.T) {
	_, h := newTestServer(t, Config{Secret: "s3cret"})

	rec := do(h, http.MethodPost, "/webhook", webhookBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodPost, "/webhook", webhookBody, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPost, "/webhook", webhookBody, map[string]string{"Authorization": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/stats", "", map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open for probes
	rec = do(h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stream":"CONNECTED"`)
}

func TestStatsAndPositions(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := do(h, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	portfolio := stats["portfolio"].(map[string]interface{})
	assert.Equal(t, "1040", portfolio["value"])
	assert.Equal(t, float64(2), stats["queue"].(map[string]interface{})["queued"])

	rec = do(h, http.MethodGet, "/positions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"TOK"`)
}

func TestRateLimit(t *testing.T) {
	_, h := newTestServer(t, Config{RatePerMin: 1})
	codes := map[int]int{}
	for i := 0; i < 15; i++ {
		codes[do(h, http.MethodGet, "/stats", "", nil).Code]++
	}
	assert.Equal(t, 10, codes[http.StatusOK])
	assert.Equal(t, 5, codes[http.StatusTooManyRequests])
}
