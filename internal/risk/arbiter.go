package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "tradeengine/pkg/errors"
	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
)

// SizeMultiplier returns the new-position sizing multiplier the circuit
// level imposes, per spec.md §4.3's matrix (Normal 1x, Caution 0.75x,
// Warning 0.50x, Alert/Emergency 0 — those levels block new directional
// risk outright rather than merely shrinking it).
func SizeMultiplier(level domain.CircuitLevel) decimal.Decimal {
	switch level {
	case domain.CircuitNormal:
		return decimal.NewFromInt(1)
	case domain.CircuitCaution:
		return decimal.NewFromFloat(0.75)
	case domain.CircuitWarning:
		return decimal.NewFromFloat(0.50)
	default:
		return decimal.Zero
	}
}

// ArbiterConfig carries the per-trade risk caps from spec.md §4.3.
type ArbiterConfig struct {
	MaxPositionPct  decimal.Decimal
	RiskPerTradePct decimal.Decimal
	SymbolOwners    map[string]string // symbol -> engine name
}

// Arbiter is the pre-trade validation gate sequence every ProposedAction
// must clear before it reaches the Venue: owner, circuit, idempotency,
// sizing, per-trade risk, leverage, correlation, in that order, short-circuiting on the
// first failure (spec.md §4.3).
type Arbiter struct {
	cfg         ArbiterConfig
	leverage    *LeverageGate
	correlation *CorrelationGate
	breaker     core.CircuitBreaker
	store       core.StateStore
	logger      core.ILogger
}

func NewArbiter(cfg ArbiterConfig, leverage *LeverageGate, correlation *CorrelationGate, breaker core.CircuitBreaker, store core.StateStore, logger core.ILogger) *Arbiter {
	return &Arbiter{
		cfg:         cfg,
		leverage:    leverage,
		correlation: correlation,
		breaker:     breaker,
		store:       store,
		logger:      logger.WithField("component", "arbiter"),
	}
}

// ValidationInput bundles the portfolio/market context a single
// ProposedAction is validated against.
type ValidationInput struct {
	Action               domain.ProposedAction
	Portfolio            domain.Portfolio
	NotionalUSD          money.Money
	ExistingOwnerNotional decimal.Decimal
	OpenSymbols          []string
	MinReactionInterval  time.Duration
}

// Validate runs the full gate sequence and returns the first failure, or
// nil if the action may proceed. Callers that receive a nil error must
// still apply SizeMultiplier(arbiter's current circuit level) to the
// action's quantity before submission — the arbiter does not mutate the
// action itself.
func (a *Arbiter) Validate(ctx context.Context, in ValidationInput) error {
	if err := a.ownerGate(in.Action); err != nil {
		return err
	}
	if err := a.circuitGate(in.Action); err != nil {
		return err
	}
	if err := a.idempotencyGate(ctx, in.Action, in.MinReactionInterval); err != nil {
		return err
	}
	if err := a.sizingGate(in.Action, in.Portfolio, in.NotionalUSD); err != nil {
		return err
	}
	if err := a.perTradeRiskGate(in.Action, in.Portfolio); err != nil {
		return err
	}
	if err := a.leverageGate(in.Action, in.Portfolio, in.NotionalUSD, in.ExistingOwnerNotional); err != nil {
		return err
	}
	if err := a.correlationGate(in.Action, in.OpenSymbols); err != nil {
		return err
	}
	return nil
}

func (a *Arbiter) ownerGate(action domain.ProposedAction) error {
	owner, ok := a.cfg.SymbolOwners[action.Symbol.Name]
	if !ok {
		return fmt.Errorf("%w: %s has no configured owner", apperrors.ErrInvalidSymbol, action.Symbol.Name)
	}
	if owner != action.Owner {
		return fmt.Errorf("owner gate: %s is owned by %s, not %s", action.Symbol.Name, owner, action.Owner)
	}
	return nil
}

func (a *Arbiter) circuitGate(action domain.ProposedAction) error {
	state := a.breaker.State()
	if state.KillFlag {
		return fmt.Errorf("%w", apperrors.ErrKillFlagSet)
	}

	isNewDirectional := !action.ReduceOnly && (action.Intent == domain.IntentOpen || action.Intent == domain.IntentDCA)

	switch state.Level {
	case domain.CircuitEmergency:
		return fmt.Errorf("%w: emergency halt", apperrors.ErrCircuitTripped)
	case domain.CircuitAlert:
		if isNewDirectional && (action.Owner == "TREND" || action.Owner == "FUNDING") {
			return fmt.Errorf("%w: alert level blocks new TREND/FUNDING actions", apperrors.ErrCircuitTripped)
		}
	case domain.CircuitWarning:
		if isNewDirectional && action.Owner == "TREND" {
			return fmt.Errorf("%w: warning level blocks new TREND positions", apperrors.ErrCircuitTripped)
		}
	case domain.CircuitCaution:
		if isNewDirectional && action.Owner == "TACTICAL" {
			return fmt.Errorf("%w: caution level pauses TACTICAL", apperrors.ErrCircuitTripped)
		}
	}
	return nil
}

func (a *Arbiter) idempotencyGate(ctx context.Context, action domain.ProposedAction, minInterval time.Duration) error {
	meta, found, err := a.store.GetStrategyMeta(ctx, action.Owner, action.Symbol.Name, string(action.Intent))
	if err != nil {
		return fmt.Errorf("idempotency gate: %w", err)
	}
	if !found {
		return nil
	}
	if minInterval <= 0 {
		return nil
	}
	if action.ProposedAt.Sub(meta.LastActionAt) < minInterval {
		return fmt.Errorf("%w: %s/%s within min reaction interval", apperrors.ErrDuplicateSuppressed, action.Owner, action.Intent)
	}
	return nil
}

func (a *Arbiter) sizingGate(action domain.ProposedAction, portfolio domain.Portfolio, notionalUSD money.Money) error {
	if portfolio.EquityUSD.IsZero() {
		return fmt.Errorf("sizing gate: zero equity")
	}
	ratio, err := notionalUSD.Ratio(portfolio.EquityUSD)
	if err != nil {
		return fmt.Errorf("sizing gate: %w", err)
	}
	if ratio.GreaterThan(a.cfg.MaxPositionPct) {
		return fmt.Errorf("sizing gate: notional %s exceeds max_position_pct of equity (%s > %s)", notionalUSD, ratio.StringFixed(4), a.cfg.MaxPositionPct.StringFixed(4))
	}
	return nil
}

// perTradeRiskGate rejects an action that declares both an entry and a stop
// if the dollar risk to that stop exceeds risk_per_trade_pct of equity
// (spec.md §4.3 gate 3). Actions without a stop, or without a limit price to
// measure entry distance from, are not subject to this gate.
func (a *Arbiter) perTradeRiskGate(action domain.ProposedAction, portfolio domain.Portfolio) error {
	if action.StopPrice == nil || action.LimitPrice == nil {
		return nil
	}
	if a.cfg.RiskPerTradePct.IsZero() {
		return nil
	}
	entryToStop := action.LimitPrice.Decimal().Sub(action.StopPrice.Decimal()).Abs()
	riskUSD := entryToStop.Mul(action.Qty.Decimal())
	maxRiskUSD := a.cfg.RiskPerTradePct.Mul(portfolio.EquityUSD.Decimal())
	if riskUSD.GreaterThan(maxRiskUSD) {
		return fmt.Errorf("per-trade risk gate: stop risk %s exceeds risk_per_trade_pct of equity (%s > %s)", riskUSD.StringFixed(2), riskUSD.StringFixed(2), maxRiskUSD.StringFixed(2))
	}
	return nil
}

func (a *Arbiter) leverageGate(action domain.ProposedAction, portfolio domain.Portfolio, notionalUSD money.Money, existingOwnerNotional decimal.Decimal) error {
	if a.leverage == nil {
		return nil
	}
	return a.leverage.Check(action.Owner, existingOwnerNotional, notionalUSD.Decimal(), portfolio.EquityUSD.Decimal())
}

func (a *Arbiter) correlationGate(action domain.ProposedAction, openSymbols []string) error {
	if a.correlation == nil || action.ReduceOnly {
		return nil
	}
	if action.Intent != domain.IntentOpen {
		return nil
	}
	ok, reason := a.correlation.Allows(action.Symbol.Name, openSymbols)
	if !ok {
		return fmt.Errorf("correlation gate: %s", reason)
	}
	return nil
}
