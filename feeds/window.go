package feeds

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE WINDOW - Rolling traded prices per token
// ═══════════════════════════════════════════════════════════════════════════════

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// PriceWindow keeps the prices observed within a trailing time span, capped
// at maxSize samples. Not safe for concurrent use.
type PriceWindow struct {
	span    time.Duration
	maxSize int
	points  []pricePoint
}

// NewPriceWindow creates a new price window
func NewPriceWindow(span time.Duration, maxSize int) *PriceWindow {
	if maxSize < 2 {
		maxSize = 2
	}
	return &PriceWindow{
		span:    span,
		maxSize: maxSize,
		points:  make([]pricePoint, 0, maxSize),
	}
}

// Add records a price. Out-of-order samples are dropped.
func (pw *PriceWindow) Add(price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	if n := len(pw.points); n > 0 && at.Before(pw.points[n-1].at) {
		return
	}

	pw.points = append(pw.points, pricePoint{price: price, at: at})
	pw.trim(at)
}

// trim drops samples older than span and enforces the size cap
func (pw *PriceWindow) trim(now time.Time) {
	drop := 0
	if pw.span > 0 {
		cutoff := now.Add(-pw.span)
		for drop < len(pw.points)-1 && pw.points[drop].at.Before(cutoff) {
			drop++
		}
	}
	if over := len(pw.points) - drop - pw.maxSize; over > 0 {
		drop += over
	}
	if drop > 0 {
		n := copy(pw.points, pw.points[drop:])
		pw.points = pw.points[:n]
	}
}

// Open returns the oldest price in the window
func (pw *PriceWindow) Open() decimal.Decimal {
	if len(pw.points) == 0 {
		return decimal.Zero
	}
	return pw.points[0].price
}

// Close returns the latest price
func (pw *PriceWindow) Close() decimal.Decimal {
	if len(pw.points) == 0 {
		return decimal.Zero
	}
	return pw.points[len(pw.points)-1].price
}

// High returns the highest price in window
func (pw *PriceWindow) High() decimal.Decimal {
	high := decimal.Zero
	for _, p := range pw.points {
		if p.price.GreaterThan(high) {
			high = p.price
		}
	}
	return high
}

// Low returns the lowest price in window
func (pw *PriceWindow) Low() decimal.Decimal {
	if len(pw.points) == 0 {
		return decimal.Zero
	}
	low := pw.points[0].price
	for _, p := range pw.points[1:] {
		if p.price.LessThan(low) {
			low = p.price
		}
	}
	return low
}

// Range returns high - low
func (pw *PriceWindow) Range() decimal.Decimal {
	return pw.High().Sub(pw.Low())
}

// ChangePct is the percent move from the oldest to the latest price. False
// until two samples exist.
func (pw *PriceWindow) ChangePct() (float64, bool) {
	if len(pw.points) < 2 {
		return 0, false
	}
	open := pw.Open()
	pct, _ := pw.Close().Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Float64()
	return pct, true
}

// Size returns number of prices in window
func (pw *PriceWindow) Size() int {
	return len(pw.points)
}
