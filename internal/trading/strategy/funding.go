package strategy

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/google/uuid"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
	"tradeengine/pkg/clientid"
)

// basisExitPct is the spot/perp basis beyond which FUNDING exits even if
// the funding rate itself is still favorable — the carry no longer
// justifies the basis risk.
var basisExitPct = decimal.NewFromFloat(0.02)

// Funding runs a cash-and-carry: long the spot leg, short the
// perpetual leg, collecting the funding rate. Both legs are proposed
// together under one GroupID so the Arbiter accepts or rejects the pair
// atomically — a one-legged carry trade is a naked directional bet, not
// the strategy this engine is meant to run.
type Funding struct {
	pairs       []Pair
	allocation  money.Money
	minReaction time.Duration
	logger      core.ILogger
}

// Pair names the spot and perp symbols that form one carry trade.
type Pair struct {
	Spot domain.Symbol
	Perp domain.Symbol
}

func NewFunding(pairs []Pair, allocation money.Money, minReaction time.Duration, logger core.ILogger) *Funding {
	return &Funding{
		pairs:       pairs,
		allocation:  allocation,
		minReaction: minReaction,
		logger:      logger.WithField("component", "strategy").WithField("strategy", "FUNDING"),
	}
}

func (s *Funding) Name() string                  { return "FUNDING" }
func (s *Funding) Cadence() core.Cadence         { return core.Cadence{Interval: time.Hour, EventTriggered: true} }
func (s *Funding) AllocationWeight() money.Money { return s.allocation }
func (s *Funding) MinReactionInterval(string) time.Duration { return s.minReaction }

func (s *Funding) OnTick(ctx core.Ctx) ([]domain.ProposedAction, error) {
	var actions []domain.ProposedAction
	open := make(map[string]domain.Position)
	for _, p := range ctx.Positions() {
		if p.Owner == s.Name() {
			open[p.Symbol.Name] = p
		}
	}

	for _, pair := range s.pairs {
		funding, ok := ctx.Funding(pair.Perp)
		if !ok {
			continue
		}
		spotSnap, ok1 := ctx.Snapshot(pair.Spot)
		perpSnap, ok2 := ctx.Snapshot(pair.Perp)
		if !ok1 || !ok2 {
			continue
		}

		_, hasSpot := open[pair.Spot.Name]
		_, hasPerp := open[pair.Perp.Name]
		holding := hasSpot && hasPerp

		basis := decimal.Zero
		if !spotSnap.Last.IsZero() {
			diff, _ := perpSnap.Last.Sub(spotSnap.Last)
			ratio, err := diff.Abs().Ratio(spotSnap.Last)
			if err == nil {
				basis = ratio
			}
		}

		shouldExit := funding.Rate.Decimal().LessThanOrEqual(decimal.Zero) || basis.GreaterThan(basisExitPct)

		switch {
		case holding && shouldExit:
			groupID := uuid.New().String()
			actions = append(actions,
				domain.ProposedAction{ClientID: clientid.New(), GroupID: groupID, Owner: s.Name(), Symbol: pair.Spot, Side: domain.SideSell, Qty: open[pair.Spot.Name].Size, Kind: domain.OrderKindMarket, ReduceOnly: true, Intent: domain.IntentClose, ProposedAt: ctx.Now},
				domain.ProposedAction{ClientID: clientid.New(), GroupID: groupID, Owner: s.Name(), Symbol: pair.Perp, Side: domain.SideBuy, Qty: open[pair.Perp.Name].Size, Kind: domain.OrderKindMarket, ReduceOnly: true, Intent: domain.IntentClose, ProposedAt: ctx.Now},
			)
		case !holding && !shouldExit:
			legNotionalUSD := ctx.Portfolio.EquityUSD.Decimal().Mul(s.allocation.Decimal()).Div(decimal.NewFromInt(int64(len(s.pairs))))
			if legNotionalUSD.LessThanOrEqual(decimal.Zero) || spotSnap.Last.IsZero() || perpSnap.Last.IsZero() {
				continue
			}
			spotQty := money.MustFromString(legNotionalUSD.Div(spotSnap.Last.Decimal()).String(), pair.Spot.Base)
			perpQty := money.MustFromString(legNotionalUSD.Div(perpSnap.Last.Decimal()).String(), pair.Perp.Base)
			groupID := uuid.New().String()
			actions = append(actions,
				domain.ProposedAction{ClientID: clientid.New(), GroupID: groupID, Owner: s.Name(), Symbol: pair.Spot, Side: domain.SideBuy, Qty: spotQty, Kind: domain.OrderKindMarket, Intent: domain.IntentOpen, ProposedAt: ctx.Now},
				domain.ProposedAction{ClientID: clientid.New(), GroupID: groupID, Owner: s.Name(), Symbol: pair.Perp, Side: domain.SideSell, Qty: perpQty, Kind: domain.OrderKindMarket, Intent: domain.IntentOpen, ProposedAt: ctx.Now},
			)
		}
	}

	return actions, nil
}

func (s *Funding) OnFill(ctx core.Ctx, fill domain.Fill) {
	s.logger.Info("fill applied", "symbol", fill.Symbol.Name, "side", fill.Side, "qty", fill.Qty.String())
}

var _ core.Strategy = (*Funding)(nil)
