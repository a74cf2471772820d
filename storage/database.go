package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Audit trail and position persistence
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db      *gorm.DB
	enabled bool
}

// Models

// Trade is one audit trail entry. ID is the tx id for fills and the signal id
// for rejections, so replays collapse onto the same row.
type Trade struct {
	ID        string          `gorm:"primaryKey"`
	TxID      string          `gorm:"index"`
	SignalID  string          `gorm:"index"`
	TokenID   string          `gorm:"index"`
	Symbol    string
	Side      string
	Amount    decimal.Decimal `gorm:"type:decimal(38,12)"`
	Price     decimal.Decimal `gorm:"type:decimal(38,18)"`
	Fee       decimal.Decimal `gorm:"type:decimal(38,12)"`
	PnL       decimal.Decimal `gorm:"type:decimal(38,12)"`
	Status    string          `gorm:"index"`
	Reason    string
	Source    string
	RiskScore float64
	Timestamp time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Position is the persisted form of an open (or last seen) position
type Position struct {
	TokenID      string          `gorm:"primaryKey"`
	Symbol       string
	Source       string          `gorm:"index"`
	Status       string          `gorm:"index"` // open, closed
	Amount       decimal.Decimal `gorm:"type:decimal(38,12)"`
	AveragePrice decimal.Decimal `gorm:"type:decimal(38,18)"`
	CostBasis    decimal.Decimal `gorm:"type:decimal(38,12)"`
	CurrentPrice decimal.Decimal `gorm:"type:decimal(38,18)"`
	RealizedPnL  decimal.Decimal `gorm:"type:decimal(38,12)"`
	StopLossPct  decimal.Decimal `gorm:"type:decimal(10,6)"`
	StopLoss     decimal.Decimal `gorm:"type:decimal(38,18)"`
	TakeProfits  []types.TakeProfitTier `gorm:"serializer:json"`
	Trailing     types.TrailingStop     `gorm:"serializer:json"`
	Fills        int
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

const (
	positionOpen   = "open"
	positionClosed = "closed"
)

// PositionFilter narrows FindOpenPositions
type PositionFilter struct {
	Source   string
	TokenIDs []string
}

// New opens postgres for postgres:// URLs and sqlite for anything else.
// An empty url returns a disabled database.
func New(url string) (*Database, error) {
	if url == "" || url == "none" {
		log.Warn().Msg("DATABASE_URL not set, running without persistence")
		return &Database{enabled: false}, nil
	}

	var db *gorm.DB
	var err error
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = gorm.Open(postgres.Open(url), cfg)
		if err != nil {
			return nil, &types.PersistenceError{Op: "open", Err: err}
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		// SQLite fallback
		if dir := filepath.Dir(url); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, &types.PersistenceError{Op: "open", Err: err}
			}
		}
		db, err = gorm.Open(sqlite.Open(url), cfg)
		if err != nil {
			return nil, &types.PersistenceError{Op: "open", Err: err}
		}
		log.Info().Str("path", url).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Trade{}, &Position{}); err != nil {
		return nil, &types.PersistenceError{Op: "migrate", Err: err}
	}

	return &Database{db: db, enabled: true}, nil
}

// IsEnabled returns if database is enabled
func (d *Database) IsEnabled() bool {
	return d != nil && d.enabled
}

// Close releases the connection pool
func (d *Database) Close() {
	if !d.IsEnabled() {
		return
	}
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES
// ═══════════════════════════════════════════════════════════════════════════════

// CreateTrade inserts an audit record. Returns ErrDuplicateTrade if the id exists.
func (d *Database) CreateTrade(ctx context.Context, rec types.TradeRecord) error {
	if !d.IsEnabled() {
		return types.ErrStoreDisabled
	}

	row := Trade{
		ID:        rec.ID,
		TxID:      rec.TxID,
		SignalID:  rec.SignalID,
		TokenID:   rec.TokenID,
		Symbol:    rec.Symbol,
		Side:      string(rec.Side),
		Amount:    rec.Amount,
		Price:     rec.Price,
		Fee:       rec.Fee,
		PnL:       rec.PnL,
		Status:    string(rec.Status),
		Reason:    rec.Reason,
		Source:    rec.Source,
		RiskScore: rec.RiskScore,
		Timestamp: rec.Timestamp,
	}
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return &types.PersistenceError{Op: "create trade", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return types.ErrDuplicateTrade
	}
	return nil
}

// RecentTrades returns the latest audit records, newest first
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	if !d.IsEnabled() {
		return nil, types.ErrStoreDisabled
	}

	var rows []Trade
	if err := d.db.WithContext(ctx).Order("timestamp desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, &types.PersistenceError{Op: "recent trades", Err: err}
	}

	out := make([]types.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.TradeRecord{
			ID:        r.ID,
			TxID:      r.TxID,
			SignalID:  r.SignalID,
			TokenID:   r.TokenID,
			Symbol:    r.Symbol,
			Side:      types.Action(r.Side),
			Amount:    r.Amount,
			Price:     r.Price,
			Fee:       r.Fee,
			PnL:       r.PnL,
			Status:    types.TradeStatus(r.Status),
			Reason:    r.Reason,
			Source:    r.Source,
			RiskScore: r.RiskScore,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS - Persist active positions for crash recovery
// ═══════════════════════════════════════════════════════════════════════════════

// UpsertPosition saves a position. Positions with no amount are marked closed.
func (d *Database) UpsertPosition(ctx context.Context, pos *types.Position) error {
	if !d.IsEnabled() {
		return types.ErrStoreDisabled
	}

	status := positionOpen
	if !pos.Amount.IsPositive() {
		status = positionClosed
	}
	row := Position{
		TokenID:      pos.TokenID,
		Symbol:       pos.Symbol,
		Source:       pos.Source,
		Status:       status,
		Amount:       pos.Amount,
		AveragePrice: pos.AveragePrice,
		CostBasis:    pos.CostBasis,
		CurrentPrice: pos.CurrentPrice,
		RealizedPnL:  pos.RealizedPnL,
		StopLossPct:  pos.StopLossPct,
		StopLoss:     pos.StopLoss,
		TakeProfits:  pos.TakeProfits,
		Trailing:     pos.Trailing,
		Fills:        pos.Fills,
		OpenedAt:     pos.OpenedAt,
		UpdatedAt:    pos.UpdatedAt,
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return &types.PersistenceError{Op: "upsert position", Err: err}
	}
	return nil
}

// FindOpenPositions loads open positions for warm start
func (d *Database) FindOpenPositions(ctx context.Context, filter PositionFilter) ([]*types.Position, error) {
	if !d.IsEnabled() {
		return nil, types.ErrStoreDisabled
	}

	q := d.db.WithContext(ctx).Where("status = ?", positionOpen)
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if len(filter.TokenIDs) > 0 {
		q = q.Where("token_id IN ?", filter.TokenIDs)
	}

	var rows []Position
	if err := q.Order("opened_at asc").Find(&rows).Error; err != nil {
		return nil, &types.PersistenceError{Op: "find positions", Err: err}
	}

	out := make([]*types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.Position{
			TokenID:      r.TokenID,
			Symbol:       r.Symbol,
			Source:       r.Source,
			Amount:       r.Amount,
			AveragePrice: r.AveragePrice,
			CostBasis:    r.CostBasis,
			CurrentPrice: r.CurrentPrice,
			RealizedPnL:  r.RealizedPnL,
			StopLossPct:  r.StopLossPct,
			StopLoss:     r.StopLoss,
			TakeProfits:  r.TakeProfits,
			Trailing:     r.Trailing,
			Fills:        r.Fills,
			OpenedAt:     r.OpenedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out, nil
}

// IsDisabled reports whether err means persistence is switched off
func IsDisabled(err error) bool {
	return errors.Is(err, types.ErrStoreDisabled)
}
