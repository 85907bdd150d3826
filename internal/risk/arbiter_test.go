package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/alert"
	"tradeengine/internal/domain"
	"tradeengine/internal/logging"
	"tradeengine/internal/money"
	"tradeengine/internal/statestore"
	apperrors "tradeengine/pkg/errors"
)

var trendBTC = domain.Symbol{Name: "BTC/USD", Category: domain.CategoryLinearPerp, Base: "BTC", Quote: "USD"}

func newTestArbiter(t *testing.T) (*Arbiter, *CircuitBreaker) {
	t.Helper()
	logger, err := logging.NewLoggerFromString("WARN", nil)
	require.NoError(t, err)
	store, err := statestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	breaker, err := NewCircuitBreaker(context.Background(), testThresholds(), store, logger, alert.NewAlertManager(logger))
	require.NoError(t, err)

	leverage := NewLeverageGate(map[string]decimal.Decimal{"TREND": decimal.NewFromFloat(2.0)})
	correlation := NewCorrelationGate(30, decimal.NewFromFloat(0.70), logger)

	arb := NewArbiter(ArbiterConfig{
		MaxPositionPct:  decimal.NewFromFloat(0.05),
		RiskPerTradePct: decimal.NewFromFloat(0.01),
		SymbolOwners:    map[string]string{trendBTC.Name: "TREND"},
	}, leverage, correlation, breaker, store, logger)

	return arb, breaker
}

func basePortfolio() domain.Portfolio {
	return domain.Portfolio{EquityUSD: money.New(100000, "USD"), AvailableUSD: money.New(100000, "USD")}
}

func TestArbiter_OwnerGateRejectsWrongOwner(t *testing.T) {
	arb, _ := newTestArbiter(t)
	action := domain.ProposedAction{Owner: "TACTICAL", Symbol: trendBTC, Qty: money.New(1, "BTC"), Intent: domain.IntentOpen, ProposedAt: time.Now()}
	err := arb.Validate(context.Background(), ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD"),
	})
	require.Error(t, err)
}

func TestArbiter_OwnerGateRejectsUnconfiguredSymbol(t *testing.T) {
	arb, _ := newTestArbiter(t)
	unknown := domain.Symbol{Name: "ETH/USD", Category: domain.CategorySpot, Base: "ETH", Quote: "USD"}
	action := domain.ProposedAction{Owner: "TREND", Symbol: unknown, Qty: money.New(1, "ETH"), Intent: domain.IntentOpen, ProposedAt: time.Now()}
	err := arb.Validate(context.Background(), ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD"),
	})
	require.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestArbiter_CircuitGateBlocksOnKillFlag(t *testing.T) {
	arb, breaker := newTestArbiter(t)
	ctx := context.Background()
	require.NoError(t, breaker.TripEmergency(ctx, "test"))

	action := domain.ProposedAction{Owner: "TREND", Symbol: trendBTC, Qty: money.New(1, "BTC"), Intent: domain.IntentOpen, ProposedAt: time.Now()}
	err := arb.Validate(ctx, ValidationInput{Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD")})
	require.ErrorIs(t, err, apperrors.ErrKillFlagSet)
}

func TestArbiter_CircuitGateBlocksNewTrendAtWarning(t *testing.T) {
	arb, breaker := newTestArbiter(t)
	ctx := context.Background()
	require.NoError(t, breaker.Evaluate(ctx, money.MustFromString("0.16", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitWarning, breaker.State().Level)

	action := domain.ProposedAction{Owner: "TREND", Symbol: trendBTC, Qty: money.New(1, "BTC"), Intent: domain.IntentOpen, ProposedAt: time.Now()}
	err := arb.Validate(ctx, ValidationInput{Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD")})
	require.ErrorIs(t, err, apperrors.ErrCircuitTripped)

	// A reduce-only close is not a "new directional" action and must still clear.
	closeAction := domain.ProposedAction{Owner: "TREND", Symbol: trendBTC, Qty: money.New(1, "BTC"), Intent: domain.IntentClose, ReduceOnly: true, ProposedAt: time.Now()}
	require.NoError(t, arb.Validate(ctx, ValidationInput{Action: closeAction, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD")}))
}

func TestArbiter_IdempotencyGateSuppressesDuplicate(t *testing.T) {
	arb, _ := newTestArbiter(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, arb.store.SetStrategyMeta(ctx, domain.StrategyMeta{
		Owner: "TREND", Symbol: trendBTC.Name, Intent: string(domain.IntentOpen), LastActionAt: now,
	}))

	action := domain.ProposedAction{Owner: "TREND", Symbol: trendBTC, Qty: money.New(1, "BTC"), Intent: domain.IntentOpen, ProposedAt: now.Add(time.Minute)}
	err := arb.Validate(ctx, ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD"), MinReactionInterval: time.Hour,
	})
	require.ErrorIs(t, err, apperrors.ErrDuplicateSuppressed)

	// Past the window, the same intent clears again.
	action.ProposedAt = now.Add(2 * time.Hour)
	err = arb.Validate(ctx, ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD"), MinReactionInterval: time.Hour,
	})
	require.NoError(t, err)
}

func TestArbiter_SizingGateRejectsOversizedNotional(t *testing.T) {
	arb, _ := newTestArbiter(t)
	action := domain.ProposedAction{Owner: "TREND", Symbol: trendBTC, Qty: money.New(1, "BTC"), Intent: domain.IntentOpen, ProposedAt: time.Now()}
	// 10% of equity against a 5% cap.
	err := arb.Validate(context.Background(), ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(10000, "USD"),
	})
	require.Error(t, err)
}

func TestArbiter_PerTradeRiskGateRejectsWideStop(t *testing.T) {
	arb, _ := newTestArbiter(t)
	entry := money.New(25000, "USD")
	stop := money.New(22000, "USD") // $3000 * 2 BTC = $6000 risk, vs 1% of $100k = $1000 cap
	action := domain.ProposedAction{
		Owner: "TREND", Symbol: trendBTC, Qty: money.New(2, "BTC"),
		LimitPrice: &entry, StopPrice: &stop, Intent: domain.IntentOpen, ProposedAt: time.Now(),
	}
	err := arb.Validate(context.Background(), ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(2000, "USD"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "per-trade risk gate")
}

func TestArbiter_PerTradeRiskGateAllowsTightStop(t *testing.T) {
	arb, _ := newTestArbiter(t)
	entry := money.New(25000, "USD")
	stop := money.New(24990, "USD") // $10 * 0.01 BTC = $0.10 risk, well under 1% of equity
	action := domain.ProposedAction{
		Owner: "TREND", Symbol: trendBTC, Qty: money.MustFromString("0.01", "BTC"),
		LimitPrice: &entry, StopPrice: &stop, Intent: domain.IntentOpen, ProposedAt: time.Now(),
	}
	err := arb.Validate(context.Background(), ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(250, "USD"),
	})
	require.NoError(t, err)
}

func TestArbiter_LeverageGateRejectsOverCap(t *testing.T) {
	arb, _ := newTestArbiter(t)
	action := domain.ProposedAction{Owner: "TREND", Symbol: trendBTC, Qty: money.New(1, "BTC"), Intent: domain.IntentOpen, ProposedAt: time.Now()}
	// Existing notional already at the 2.0x cap; any more must be rejected.
	err := arb.Validate(context.Background(), ValidationInput{
		Action: action, Portfolio: basePortfolio(), NotionalUSD: money.New(1000, "USD"),
		ExistingOwnerNotional: decimal.NewFromInt(200000),
	})
	require.Error(t, err)
}
