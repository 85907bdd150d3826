package risk

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"tradeengine/internal/core"
)

// returnSeries keeps a bounded rolling window of daily close-to-close
// returns for one symbol, used only for the pairwise correlation gate.
type returnSeries struct {
	returns []float64
}

func (s *returnSeries) push(r float64, window int) {
	s.returns = append(s.returns, r)
	if len(s.returns) > window {
		s.returns = s.returns[len(s.returns)-window:]
	}
}

// CorrelationGate rejects a new directional position when it would push the
// portfolio past three positions whose pairwise 30-day return correlation
// exceeds the configured maximum. With fewer than 14 days of data for a
// symbol the gate is skipped (and logged at debug) rather than blocking.
type CorrelationGate struct {
	mu        sync.Mutex
	window    int
	minPoints int
	maxCorr   decimal.Decimal
	series    map[string]*returnSeries
	lastPrice map[string]decimal.Decimal
	logger    core.ILogger
}

func NewCorrelationGate(windowDays int, maxCorr decimal.Decimal, logger core.ILogger) *CorrelationGate {
	return &CorrelationGate{
		window:    windowDays,
		minPoints: 14,
		maxCorr:   maxCorr,
		series:    make(map[string]*returnSeries),
		lastPrice: make(map[string]decimal.Decimal),
		logger:    logger.WithField("component", "correlation_gate"),
	}
}

// RecordDailyClose feeds one day's closing price for a symbol. Call once
// per symbol per day (e.g. from the scheduler's daily cadence).
func (g *CorrelationGate) RecordDailyClose(symbol string, close decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.lastPrice[symbol]
	g.lastPrice[symbol] = close
	if !ok || prev.IsZero() {
		return
	}

	ret, _ := close.Sub(prev).Div(prev).Float64()
	s, ok := g.series[symbol]
	if !ok {
		s = &returnSeries{}
		g.series[symbol] = s
	}
	s.push(ret, g.window)
}

// Allows reports whether opening a new directional position in `symbol`
// is permitted given the symbols already held in openSymbols. It returns
// true (permit) whenever fewer than 14 days of history exist for the
// candidate; an open symbol with fewer than 14 days of history is left out
// of the correlated-position count rather than permitting outright.
func (g *CorrelationGate) Allows(symbol string, openSymbols []string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	candidate, ok := g.series[symbol]
	if !ok || len(candidate.returns) < g.minPoints {
		g.logger.Debug("correlation gate skipped: insufficient history", "symbol", symbol)
		return true, ""
	}

	highCorrCount := 0
	for _, other := range openSymbols {
		if other == symbol {
			continue
		}
		os, ok := g.series[other]
		if !ok || len(os.returns) < g.minPoints {
			continue
		}
		c := pearson(candidate.returns, os.returns)
		if decimal.NewFromFloat(c).Abs().GreaterThan(g.maxCorr) {
			highCorrCount++
		}
	}

	if highCorrCount >= 3 {
		return false, "would exceed 3 highly correlated open positions"
	}
	return true, ""
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	denom := math.Sqrt(varA * varB)
	if denom == 0 {
		return 0
	}
	return cov / denom
}
