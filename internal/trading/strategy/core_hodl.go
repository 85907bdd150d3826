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

// athDropFloor is the fraction below all-time-high a symbol must stay
// above for CORE-HODL to ever sell it during a rebalance; spec.md §4.6
// forbids realizing a loss more than 30% off the high purely to rebalance.
var athDropFloor = decimal.NewFromFloat(0.70)

// CoreHodl is the buy-and-hold, DCA-and-rebalance strategy: daily cadence,
// the largest allocation slice, never shorts, never sells at a deep
// drawdown from its own all-time high.
type CoreHodl struct {
	mu           sync.RWMutex
	symbols      []domain.Symbol
	allocation   money.Money
	dcaUSD       money.Money
	minReaction  time.Duration
	athBySymbol  map[string]decimal.Decimal
	logger       core.ILogger
}

func NewCoreHodl(symbols []domain.Symbol, allocation, dcaUSD money.Money, minReaction time.Duration, logger core.ILogger) *CoreHodl {
	return &CoreHodl{
		symbols:     symbols,
		allocation:  allocation,
		dcaUSD:      dcaUSD,
		minReaction: minReaction,
		athBySymbol: make(map[string]decimal.Decimal),
		logger:      logger.WithField("component", "strategy").WithField("strategy", "CORE-HODL"),
	}
}

func (s *CoreHodl) Name() string                    { return "CORE-HODL" }
func (s *CoreHodl) Cadence() core.Cadence           { return core.Cadence{Interval: 24 * time.Hour} }
func (s *CoreHodl) AllocationWeight() money.Money   { return s.allocation }
func (s *CoreHodl) MinReactionInterval(string) time.Duration { return s.minReaction }

func (s *CoreHodl) OnTick(ctx core.Ctx) ([]domain.ProposedAction, error) {
	var actions []domain.ProposedAction

	for _, sym := range s.symbols {
		snap, ok := ctx.Snapshot(sym)
		if !ok {
			continue
		}
		s.trackATH(sym.Name, snap.Last.Decimal())

		meta, found := ctx.Meta(sym.Name, string(domain.IntentDCA))
		if found && ctx.Now.Sub(meta.LastActionAt) < s.minReaction {
			continue
		}

		// dcaUSD is USD-denominated while snap.Last carries the symbol's own
		// quote asset tag (e.g. USDT); per spec.md §4.3's stablecoin-at-1:1
		// treatment this is a deliberate cross-asset conversion, so it goes
		// through raw decimals rather than Money.Ratio's same-asset check.
		if snap.Last.IsZero() {
			continue
		}
		qty := s.dcaUSD.Decimal().Div(snap.Last.Decimal())
		if qty.IsZero() {
			continue
		}
		actions = append(actions, domain.ProposedAction{
			ClientID:   clientid.New(),
			Owner:      s.Name(),
			Symbol:     sym,
			Side:       domain.SideBuy,
			Qty:        money.MustFromString(qty.StringFixed(money.FractionalDigits), sym.Base),
			Kind:       domain.OrderKindMarket,
			Intent:     domain.IntentDCA,
			ProposedAt: ctx.Now,
		})
	}

	return actions, nil
}

// CanSell reports whether symbol may be sold for rebalancing purposes
// given its current price: never more than athDropFloor below its
// observed all-time high.
func (s *CoreHodl) CanSell(symbol string, price decimal.Decimal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ath, ok := s.athBySymbol[symbol]
	if !ok || ath.IsZero() {
		return true
	}
	floor := ath.Mul(athDropFloor)
	return price.GreaterThanOrEqual(floor)
}

func (s *CoreHodl) trackATH(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ath, ok := s.athBySymbol[symbol]; !ok || price.GreaterThan(ath) {
		s.athBySymbol[symbol] = price
	}
}

func (s *CoreHodl) OnFill(ctx core.Ctx, fill domain.Fill) {
	s.logger.Info("fill applied", "symbol", fill.Symbol.Name, "side", fill.Side, "qty", fill.Qty.String())
}

var _ core.Strategy = (*CoreHodl)(nil)
