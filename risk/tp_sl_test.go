package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sigbot/internal/config"
	"github.com/web3guy0/sigbot/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPosition(trailingStop bool) *types.Position {
	cfg := config.Default()
	cfg.TrailingEnabled = trailingStop
	stop, tiers, trailing := ExitPlan(cfg, d("1"))
	return &types.Position{
		TokenID:      "tok",
		Amount:       d("100"),
		AveragePrice: d("1"),
		StopLossPct:  cfg.StopLossPct,
		StopLoss:     stop,
		TakeProfits:  tiers,
		Trailing:     trailing,
	}
}

func TestCheckExitStopLoss(t *testing.T) {
	pos := testPosition(true)

	dec := CheckExit(pos, d("0.92"))
	require.True(t, dec.Exit)
	assert.Equal(t, types.ExitStopLoss, dec.Reason)
	assert.True(t, dec.Amount.Equal(d("100")))
	assert.True(t, dec.Full)
}

func TestCheckExitNoTrigger(t *testing.T) {
	pos := testPosition(true)
	dec := CheckExit(pos, d("1.01"))
	assert.False(t, dec.Exit)
}

func TestCheckExitTakeProfitTiers(t *testing.T) {
	tests := []struct {
		name   string
		price  string
		amount string
		tiers  []int
	}{
		{"first tier", "1.04", "33", []int{0}},
		{"first two tiers compound", "1.08", "66.5", []int{0, 1}},
		{"third tier arms without closing", "1.13", "66.5", []int{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := testPosition(false)
			dec := CheckExit(pos, d(tt.price))
			require.True(t, dec.Exit)
			assert.Equal(t, types.ExitTakeProfit, dec.Reason)
			assert.True(t, dec.Amount.Equal(d(tt.amount)), "amount %s", dec.Amount)
			assert.Equal(t, tt.tiers, dec.Tiers)
			assert.False(t, dec.Full)
			for _, i := range dec.Tiers {
				assert.False(t, pos.TakeProfits[i].Hit, "hit flags are committed by the ledger")
			}
		})
	}
}

func TestCheckExitTrailingTakeProfit(t *testing.T) {
	pos := testPosition(false)
	pos.TakeProfits[0].Hit = true
	pos.TakeProfits[1].Hit = true
	pos.Amount = d("33.5")

	dec := CheckExit(pos, d("1.13"))
	assert.False(t, dec.Exit)
	assert.True(t, pos.TakeProfits[2].Armed)

	dec = CheckExit(pos, d("1.25"))
	assert.False(t, dec.Exit)
	assert.True(t, pos.TakeProfits[2].Peak.Equal(d("1.25")))

	// 1.25 × 0.97 = 1.2125
	dec = CheckExit(pos, d("1.22"))
	assert.False(t, dec.Exit)

	dec = CheckExit(pos, d("1.21"))
	require.True(t, dec.Exit)
	assert.Equal(t, types.ExitTakeProfit, dec.Reason)
	assert.True(t, dec.Amount.Equal(d("33.5")))
	assert.Equal(t, []int{2}, dec.Tiers)
	assert.True(t, dec.Full)
}

func TestTrailingStopRatchets(t *testing.T) {
	pos := testPosition(true)

	CheckExit(pos, d("1.04"))
	assert.False(t, pos.Trailing.Armed)

	pos.TakeProfits[0].Hit = true
	CheckExit(pos, d("1.06"))
	require.True(t, pos.Trailing.Armed)
	assert.True(t, pos.Trailing.CurrentStop.Equal(d("1.06").Mul(d("0.97"))))

	pos.TakeProfits[1].Hit = true
	CheckExit(pos, d("1.10"))
	high := pos.Trailing.CurrentStop
	assert.True(t, high.Equal(d("1.067")))

	// Price retreats but stays above the stop; stop never moves down
	dec := CheckExit(pos, d("1.08"))
	assert.False(t, dec.Exit)
	assert.True(t, pos.Trailing.CurrentStop.Equal(high))

	dec = CheckExit(pos, d("1.06"))
	require.True(t, dec.Exit)
	assert.Equal(t, types.ExitTrailingStop, dec.Reason)
	assert.True(t, dec.Full)
}

func TestCheckExitIgnoresEmpty(t *testing.T) {
	pos := testPosition(true)
	pos.Amount = decimal.Zero
	assert.False(t, CheckExit(pos, d("0.5")).Exit)

	pos = testPosition(true)
	assert.False(t, CheckExit(pos, decimal.Zero).Exit)
}
