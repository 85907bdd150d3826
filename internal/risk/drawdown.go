package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/money"
)

// DrawdownTracker maintains the peak-equity high-water mark and the
// day-start equity baseline the circuit breaker and arbiter size against.
// Peak equity only advances on a closed one-minute bar, per spec.md §4.3,
// so a single intra-bar equity spike cannot itself reset the high-water
// mark before the bar closes.
type DrawdownTracker struct {
	mu               sync.Mutex
	peakEquity       money.Money
	lastSnapshotMin  int64
	dayStartEquity   money.Money
	dayResetAt       time.Time
	resetHourUTC     int
	realizedPnLToday money.Money
}

// NewDrawdownTracker seeds the tracker from a starting equity value,
// typically loaded from the portfolio snapshot at startup.
func NewDrawdownTracker(startEquity money.Money, resetHourUTC int) *DrawdownTracker {
	now := time.Now().UTC()
	return &DrawdownTracker{
		peakEquity:       startEquity,
		lastSnapshotMin:  now.Unix() / 60,
		dayStartEquity:   startEquity,
		dayResetAt:       nextResetBoundary(now, resetHourUTC),
		resetHourUTC:     resetHourUTC,
		realizedPnLToday: money.Zero(startEquity.Asset()),
	}
}

func nextResetBoundary(from time.Time, hourUTC int) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// Update folds a fresh equity reading into the tracker and returns the
// current drawdown fraction (0 when equity is at or above the peak) and
// the fraction of the day-start equity lost so far today (0 when flat or
// up). Both are fed into CircuitBreaker.Evaluate every tick.
func (t *DrawdownTracker) Update(now time.Time, equity money.Money) (drawdown, dailyLossPct decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now = now.UTC()

	if !now.Before(t.dayResetAt) {
		t.dayStartEquity = equity
		t.realizedPnLToday = money.Zero(equity.Asset())
		t.dayResetAt = nextResetBoundary(now, t.resetHourUTC)
	}

	minute := now.Unix() / 60
	if minute > t.lastSnapshotMin {
		t.lastSnapshotMin = minute
		if equity.GreaterThan(t.peakEquity) {
			t.peakEquity = equity
		}
	}

	drawdown = decimal.Zero
	if diff, err := t.peakEquity.Sub(equity); err == nil && !diff.IsNegative() && t.peakEquity.GreaterThan(money.Zero(t.peakEquity.Asset())) {
		if frac, ferr := diff.Ratio(t.peakEquity); ferr == nil {
			drawdown = frac
		}
	}

	dailyLossPct = decimal.Zero
	if loss, err := t.dayStartEquity.Sub(equity); err == nil && !loss.IsNegative() && t.dayStartEquity.GreaterThan(money.Zero(t.dayStartEquity.Asset())) {
		if frac, ferr := loss.Ratio(t.dayStartEquity); ferr == nil {
			dailyLossPct = frac
		}
	}

	return drawdown, dailyLossPct
}

// PeakEquity returns the current high-water mark.
func (t *DrawdownTracker) PeakEquity() money.Money {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakEquity
}

// Seed forcibly resets the peak and day-start baselines, used by the
// reconciler when it recomputes peak_equity from persisted history.
func (t *DrawdownTracker) Seed(peak, dayStart money.Money) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peakEquity = peak
	t.dayStartEquity = dayStart
}
