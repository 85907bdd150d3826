package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
	"tradeengine/pkg/clientid"
)

// trailingStopPct is the distance behind the running favorable extreme a
// TREND position's stop trails at.
var trailingStopPct = decimal.NewFromFloat(0.08)

// initialStopPct is the distance below (long) or above (short) entry price
// the required stop on a fresh open is placed at, per spec.md §4.6 ("on
// signal it emits an open with a required stop").
var initialStopPct = decimal.NewFromFloat(0.08)

// fastMAPeriod/slowMAPeriod define the moving-average crossover signal.
const (
	fastMAPeriod = 20
	slowMAPeriod = 50
)

// Trend is the directional trend-following strategy: at most one position
// per symbol, opened on a fast/slow moving-average crossover and managed
// with a trailing stop thereafter. Duplicate-open suppression is left to
// the Arbiter's idempotency gate rather than re-implemented here.
type Trend struct {
	mu          sync.Mutex
	symbols     []domain.Symbol
	allocation  money.Money
	minReaction time.Duration
	closes      map[string][]decimal.Decimal
	extremes    map[string]decimal.Decimal // favorable excursion since entry, per symbol
	logger      core.ILogger
}

func NewTrend(symbols []domain.Symbol, allocation money.Money, minReaction time.Duration, logger core.ILogger) *Trend {
	return &Trend{
		symbols:     symbols,
		allocation:  allocation,
		minReaction: minReaction,
		closes:      make(map[string][]decimal.Decimal),
		extremes:    make(map[string]decimal.Decimal),
		logger:      logger.WithField("component", "strategy").WithField("strategy", "TREND"),
	}
}

func (s *Trend) Name() string                    { return "TREND" }
func (s *Trend) Cadence() core.Cadence           { return core.Cadence{Interval: 4 * time.Hour} }
func (s *Trend) AllocationWeight() money.Money   { return s.allocation }
func (s *Trend) MinReactionInterval(string) time.Duration { return s.minReaction }

func (s *Trend) OnTick(ctx core.Ctx) ([]domain.ProposedAction, error) {
	var actions []domain.ProposedAction
	openBySymbol := make(map[string]domain.Position)
	for _, p := range ctx.Positions() {
		if p.Owner == s.Name() {
			openBySymbol[p.Symbol.Name] = p
		}
	}

	for _, sym := range s.symbols {
		snap, ok := ctx.Snapshot(sym)
		if !ok {
			continue
		}
		fast, slow, ready := s.updateAndMA(sym.Name, snap.Last.Decimal())

		pos, hasPosition := openBySymbol[sym.Name]
		switch {
		case !hasPosition && ready && fast.GreaterThan(slow):
			entry := snap.Last.Decimal()
			qty := s.sizeOpen(ctx.Portfolio, entry, sym.Base)
			if qty.IsZero() {
				continue
			}
			stop := money.MustFromString(entry.Mul(decimal.NewFromInt(1).Sub(initialStopPct)).String(), sym.Quote)
			actions = append(actions, domain.ProposedAction{
				ClientID: clientid.New(), Owner: s.Name(), Symbol: sym, Side: domain.SideBuy,
				Qty: qty, Kind: domain.OrderKindMarket, StopPrice: &stop,
				LimitPrice: &snap.Last, Intent: domain.IntentOpen, ProposedAt: ctx.Now,
			})
		case hasPosition:
			if action, ok := s.trailingStopAmend(sym, pos, snap.Last.Decimal()); ok {
				actions = append(actions, action)
			}
		}
	}

	return actions, nil
}

// sizeOpen converts the strategy's target allocation of equity into a base
// asset quantity at the given entry price. The Arbiter's sizing/leverage
// gates are the binding caps; this is just the strategy's own opening bid.
func (s *Trend) sizeOpen(pf domain.Portfolio, entry decimal.Decimal, base string) money.Money {
	if entry.IsZero() || pf.EquityUSD.IsZero() {
		return money.Zero(base)
	}
	targetUSD := pf.EquityUSD.Decimal().Mul(s.allocation.Decimal())
	qty := targetUSD.Div(entry)
	return money.MustFromString(qty.String(), base)
}

func (s *Trend) updateAndMA(symbol string, price decimal.Decimal) (fast, slow decimal.Decimal, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := append(s.closes[symbol], price)
	if len(series) > slowMAPeriod {
		series = series[len(series)-slowMAPeriod:]
	}
	s.closes[symbol] = series

	if len(series) < slowMAPeriod {
		return decimal.Zero, decimal.Zero, false
	}

	fast = average(series[len(series)-fastMAPeriod:])
	slow = average(series)
	return fast, slow, true
}

func average(xs []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	return sum.Div(decimal.NewFromInt(int64(len(xs))))
}

func (s *Trend) trailingStopAmend(sym domain.Symbol, pos domain.Position, price decimal.Decimal) (domain.ProposedAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	extreme, ok := s.extremes[sym.Name]
	if !ok || (pos.Side == domain.SideLong && price.GreaterThan(extreme)) || (pos.Side == domain.SideShort && price.LessThan(extreme)) {
		s.extremes[sym.Name] = price
		extreme = price
	}

	var stop decimal.Decimal
	if pos.Side == domain.SideLong {
		stop = extreme.Mul(decimal.NewFromInt(1).Sub(trailingStopPct))
		if price.GreaterThan(stop) {
			return domain.ProposedAction{}, false
		}
	} else {
		stop = extreme.Mul(decimal.NewFromInt(1).Add(trailingStopPct))
		if price.LessThan(stop) {
			return domain.ProposedAction{}, false
		}
	}

	closeSide := domain.SideSell
	if pos.Side == domain.SideShort {
		closeSide = domain.SideBuy
	}
	return domain.ProposedAction{
		ClientID: clientid.New(), Owner: s.Name(), Symbol: sym, Side: closeSide,
		Qty: pos.Size, Kind: domain.OrderKindMarket, ReduceOnly: true, Intent: domain.IntentClose,
	}, true
}

func (s *Trend) OnFill(ctx core.Ctx, fill domain.Fill) {
	s.logger.Info("fill applied", "symbol", fill.Symbol.Name, "side", fill.Side, "qty", fill.Qty.String())
}

var _ core.Strategy = (*Trend)(nil)
