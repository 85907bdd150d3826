package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
	"tradeengine/pkg/clientid"
)

// FearIndexSource supplies the sentiment reading TACTICAL deploys
// opportunistic capital against. spec.md §9 leaves the real data
// provider out of scope; StaticFearIndex below is the only shipped
// implementation, suitable for tests and as a placeholder until a real
// source is wired in.
type FearIndexSource interface {
	Reading(ctx core.Ctx) (decimal.Decimal, error)
}

// StaticFearIndex always returns the same configured value.
type StaticFearIndex struct{ Value decimal.Decimal }

func (f StaticFearIndex) Reading(core.Ctx) (decimal.Decimal, error) { return f.Value, nil }

// fearDeployThreshold is the (0-100) fear-index reading below which
// TACTICAL treats the market as oversold enough to deploy capital.
var fearDeployThreshold = decimal.NewFromInt(20)

// Tactical is the opportunistic strategy: a small allocation deployed on
// extreme-fear or deep-drawdown signals, at most once every 30 days, and
// inactive outright while the circuit breaker is at Alert or above.
type Tactical struct {
	symbols     []domain.Symbol
	allocation  money.Money
	minReaction time.Duration
	fearSource  FearIndexSource
	breaker     core.CircuitBreaker
	logger      core.ILogger
}

func NewTactical(symbols []domain.Symbol, allocation money.Money, minReaction time.Duration, fearSource FearIndexSource, breaker core.CircuitBreaker, logger core.ILogger) *Tactical {
	return &Tactical{
		symbols:     symbols,
		allocation:  allocation,
		minReaction: minReaction,
		fearSource:  fearSource,
		breaker:     breaker,
		logger:      logger.WithField("component", "strategy").WithField("strategy", "TACTICAL"),
	}
}

func (s *Tactical) Name() string                  { return "TACTICAL" }
func (s *Tactical) Cadence() core.Cadence         { return core.Cadence{Interval: 24 * time.Hour, EventTriggered: true} }
func (s *Tactical) AllocationWeight() money.Money { return s.allocation }
func (s *Tactical) MinReactionInterval(string) time.Duration { return s.minReaction }

func (s *Tactical) OnTick(ctx core.Ctx) ([]domain.ProposedAction, error) {
	state := s.breaker.State()
	if state.Level >= domain.CircuitAlert {
		return nil, nil
	}

	fear, err := s.fearSource.Reading(ctx)
	if err != nil {
		return nil, nil
	}
	if fear.GreaterThan(fearDeployThreshold) {
		return nil, nil
	}

	var actions []domain.ProposedAction
	for _, sym := range s.symbols {
		meta, found := ctx.Meta(sym.Name, string(domain.IntentDeploy))
		if found && ctx.Now.Sub(meta.LastActionAt) < s.minReaction {
			continue
		}
		snap, ok := ctx.Snapshot(sym)
		if !ok || snap.Last.IsZero() {
			continue
		}
		deployUSD := ctx.Portfolio.EquityUSD.Decimal().Mul(s.allocation.Decimal())
		if deployUSD.LessThanOrEqual(decimal.Zero) {
			continue
		}
		qty := money.MustFromString(deployUSD.Div(snap.Last.Decimal()).String(), sym.Base)
		actions = append(actions, domain.ProposedAction{
			ClientID: clientid.New(), Owner: s.Name(), Symbol: sym, Side: domain.SideBuy, Qty: qty,
			Kind: domain.OrderKindMarket, Intent: domain.IntentDeploy, ProposedAt: ctx.Now,
		})
	}

	return actions, nil
}

func (s *Tactical) OnFill(ctx core.Ctx, fill domain.Fill) {
	s.logger.Info("fill applied", "symbol", fill.Symbol.Name, "side", fill.Side, "qty", fill.Qty.String())
}

var _ core.Strategy = (*Tactical)(nil)
