package exec

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sigbot/types"
)

func paperOrder(side types.Action) types.OrderRequest {
	return types.OrderRequest{
		ClientID:       "c1",
		TokenID:        "tok",
		Symbol:         "TOK",
		Side:           side,
		Amount:         decimal.NewFromInt(10),
		ReferencePrice: decimal.NewFromInt(2),
		MaxSlippageBps: 50,
	}
}

func TestPaperBrokerFillBounds(t *testing.T) {
	b := NewPaperBroker(PaperConfig{
		SuccessRate:    1,
		MaxSlippageBps: 100,
		FeeRate:        decimal.NewFromFloat(0.0025),
		InitialBalance: decimal.NewFromInt(10_000),
	}, rand.New(rand.NewSource(7)))

	for i := 0; i < 50; i++ {
		res, err := b.ExecuteTrade(context.Background(), paperOrder(types.ActionBuy))
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.True(t, strings.HasPrefix(res.TxID, "PAPER_"))

		// Order cap of 50bps applies
		assert.True(t, res.SlippageBps.LessThanOrEqual(decimal.NewFromInt(50)))
		assert.True(t, res.ExecutionPrice.GreaterThanOrEqual(decimal.NewFromInt(2)))
		assert.True(t, res.ExecutionPrice.LessThanOrEqual(decimal.RequireFromString("2.01")))
		expectedFee := res.ExecutionPrice.Mul(decimal.NewFromInt(10)).Mul(decimal.NewFromFloat(0.0025))
		assert.True(t, res.Fee.Equal(expectedFee))
	}

	filled, rejected := b.GetMetrics()
	assert.Equal(t, 50, filled)
	assert.Zero(t, rejected)
}

func TestPaperBrokerSellSlipsDown(t *testing.T) {
	b := NewPaperBroker(PaperConfig{SuccessRate: 1, MaxSlippageBps: 100, InitialBalance: decimal.Zero}, rand.New(rand.NewSource(1)))

	res, err := b.ExecuteTrade(context.Background(), paperOrder(types.ActionSell))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.ExecutionPrice.LessThanOrEqual(decimal.NewFromInt(2)))

	bal, err := b.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.IsPositive())
}

func TestPaperBrokerFailures(t *testing.T) {
	never := NewPaperBroker(PaperConfig{SuccessRate: 0, InitialBalance: decimal.NewFromInt(100)}, nil)
	res, err := never.ExecuteTrade(context.Background(), paperOrder(types.ActionBuy))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	broke := NewPaperBroker(PaperConfig{SuccessRate: 1, InitialBalance: decimal.NewFromInt(1)}, nil)
	res, err = broke.ExecuteTrade(context.Background(), paperOrder(types.ActionBuy))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "insufficient")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = broke.ExecuteTrade(ctx, paperOrder(types.ActionBuy))
	assert.Error(t, err)
}

func TestLiveBrokerSignsAndParses(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		digest := RequestDigest(r.Header.Get("X-Timestamp"), r.Method, r.URL.Path, body)
		assert.Equal(t, hexutil.Encode(digest), r.Header.Get("X-Digest"))
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))

		sig, err := hexutil.Decode(r.Header.Get("X-Signature"))
		if !assert.NoError(t, err) {
			return
		}
		pub, err := crypto.SigToPub(digest, sig)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, signer, crypto.PubkeyToAddress(*pub).Hex())

		switch r.URL.Path {
		case "/trade":
			var req tradeRequest
			assert.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "BUY", req.Side)
			_, _ = w.Write([]byte(`{"success":true,"txId":"0xabc","executionPrice":"2.01","fee":"0.05","slippage":"50"}`))
		case "/balance":
			_, _ = w.Write([]byte(`{"balance":"123.45"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b, err := NewLiveBroker(LiveConfig{BaseURL: srv.URL + "/", APIKey: "k", SigningKey: hexutil.Encode(crypto.FromECDSA(key))})
	require.NoError(t, err)
	assert.Equal(t, types.ModeLive, b.Mode())

	res, err := b.ExecuteTrade(context.Background(), paperOrder(types.ActionBuy))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xabc", res.TxID)
	assert.True(t, res.ExecutionPrice.Equal(decimal.RequireFromString("2.01")))
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(10)))

	bal, err := b.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("123.45")))
}

func TestLiveBrokerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Signature"))
		_, _ = w.Write([]byte(`{"success":false,"error":"no route"}`))
	}))
	defer srv.Close()

	b, err := NewLiveBroker(LiveConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := b.ExecuteTrade(context.Background(), paperOrder(types.ActionBuy))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no route", res.Error)

	_, err = NewLiveBroker(LiveConfig{})
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewLiveBroker(LiveConfig{BaseURL: srv.URL, SigningKey: "zz"})
	assert.ErrorAs(t, err, &cfgErr)
}
