package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/types"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestDisabledDatabase(t *testing.T) {
	db, err := New("")
	require.NoError(t, err)
	assert.False(t, db.IsEnabled())

	err = db.CreateTrade(context.Background(), types.TradeRecord{ID: "x"})
	assert.ErrorIs(t, err, types.ErrStoreDisabled)
	assert.True(t, IsDisabled(err))

	_, err = db.FindOpenPositions(context.Background(), PositionFilter{})
	assert.ErrorIs(t, err, types.ErrStoreDisabled)
}

func TestCreateTradeIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := types.TradeRecord{
		ID:        "tx-1",
		TxID:      "tx-1",
		SignalID:  "sig-1",
		TokenID:   "tok",
		Side:      types.ActionBuy,
		Amount:    decimal.NewFromInt(10),
		Price:     decimal.RequireFromString("0.000012"),
		Status:    types.TradeFilled,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, db.CreateTrade(ctx, rec))
	assert.ErrorIs(t, db.CreateTrade(ctx, rec), types.ErrDuplicateTrade)

	trades, err := db.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.TradeFilled, trades[0].Status)
	assert.True(t, trades[0].Price.Equal(rec.Price))
}

func TestPositionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	pos := &types.Position{
		TokenID:      "tok",
		Symbol:       "TOK",
		Source:       "ALPHA",
		Amount:       decimal.NewFromInt(10),
		AveragePrice: decimal.NewFromInt(2),
		StopLoss:     decimal.RequireFromString("1.84"),
		TakeProfits: []types.TakeProfitTier{
			{Level: 1, Offset: decimal.RequireFromString("0.03"), Price: decimal.RequireFromString("2.06"), ClosePct: decimal.RequireFromString("0.33")},
			{Level: 2, Offset: decimal.RequireFromString("0.12"), Price: decimal.RequireFromString("2.24"), ClosePct: decimal.NewFromInt(1), Trailing: true},
		},
		Trailing: types.TrailingStop{Enabled: true, ArmPrice: decimal.RequireFromString("2.1")},
		OpenedAt: now,
	}
	require.NoError(t, db.UpsertPosition(ctx, pos))
	require.NoError(t, db.UpsertPosition(ctx, &types.Position{TokenID: "other", Source: "WHALE", Amount: decimal.NewFromInt(1), AveragePrice: decimal.NewFromInt(1), OpenedAt: now.Add(time.Minute)}))

	open, err := db.FindOpenPositions(ctx, PositionFilter{})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "tok", open[0].TokenID)
	require.Len(t, open[0].TakeProfits, 2)
	assert.True(t, open[0].TakeProfits[1].Trailing)
	assert.True(t, open[0].Trailing.ArmPrice.Equal(decimal.RequireFromString("2.1")))

	filtered, err := db.FindOpenPositions(ctx, PositionFilter{Source: "WHALE"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "other", filtered[0].TokenID)

	pos.Amount = decimal.Zero
	require.NoError(t, db.UpsertPosition(ctx, pos))
	open, err = db.FindOpenPositions(ctx, PositionFilter{TokenIDs: []string{"tok", "other"}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "other", open[0].TokenID)
}

func TestWriterPersistsBusEvents(t *testing.T) {
	db := openTestDB(t)
	bus := events.NewBus()
	w := NewWriter(db, bus, 16)
	w.Start()

	pos := &types.Position{TokenID: "tok", Amount: decimal.NewFromInt(3), AveragePrice: decimal.NewFromInt(1)}
	trade := &types.TradeRecord{ID: "tx-9", TxID: "tx-9", TokenID: "tok", Status: types.TradeFilled}
	bus.Publish(events.Event{Type: events.TradeCompleted, Trade: trade})
	bus.Publish(events.Event{Type: events.TradeCompleted, Trade: trade})
	bus.Publish(events.Event{Type: events.PositionOpened, Position: pos})
	bus.Publish(events.Event{Type: events.PositionClosed, Closure: &types.Closure{TokenID: "tok", Closed: true}})
	w.Close()

	written, failures := w.Stats()
	assert.Equal(t, 3, written)
	assert.Zero(t, failures)

	trades, err := db.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	open, err := db.FindOpenPositions(context.Background(), PositionFilter{})
	require.NoError(t, err)
	assert.Empty(t, open)
}
