package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/alert"
	"tradeengine/internal/domain"
	"tradeengine/internal/logging"
	"tradeengine/internal/money"
	"tradeengine/internal/statestore"
)

func testThresholds() Thresholds {
	return Thresholds{
		CautionDD:    decimal.NewFromFloat(0.10),
		WarningDD:    decimal.NewFromFloat(0.15),
		AlertDD:      decimal.NewFromFloat(0.20),
		EmergencyDD:  decimal.NewFromFloat(0.25),
		DailyLossCap: decimal.NewFromFloat(0.05),
	}
}

func newTestBreaker(t *testing.T) *CircuitBreaker {
	t.Helper()
	logger, err := logging.NewLoggerFromString("WARN", nil)
	require.NoError(t, err)
	store, err := statestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cb, err := NewCircuitBreaker(context.Background(), testThresholds(), store, logger, alert.NewAlertManager(logger))
	require.NoError(t, err)
	return cb
}

func TestCircuitBreaker_EscalatesMonotonically(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.Evaluate(ctx, money.Zero("USD"), money.Zero("USD")))
	require.Equal(t, domain.CircuitNormal, cb.State().Level)

	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.12", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitCaution, cb.State().Level)

	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.16", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitWarning, cb.State().Level)

	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.26", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitEmergency, cb.State().Level)
	require.True(t, cb.State().KillFlag)
}

func TestCircuitBreaker_CautionClearsAutomatically(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.12", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitCaution, cb.State().Level)

	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.01", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitNormal, cb.State().Level)
}

func TestCircuitBreaker_WarningRequiresAckToClear(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.16", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitWarning, cb.State().Level)

	// Drawdown recovers below the warning-exit threshold, but without an
	// acknowledgement the level must hold.
	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.02", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitWarning, cb.State().Level)

	require.NoError(t, cb.AcknowledgeRecovery(ctx, domain.CircuitWarning))
	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.02", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitCaution, cb.State().Level)
}

func TestCircuitBreaker_EmergencyKillFlagSurvivesAck(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.30", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitEmergency, cb.State().Level)
	require.True(t, cb.State().KillFlag)

	require.NoError(t, cb.AcknowledgeRecovery(ctx, domain.CircuitEmergency))
	require.Equal(t, domain.CircuitAlert, cb.State().Level)
	require.True(t, cb.State().KillFlag, "kill flag must persist until explicitly cleared")

	require.NoError(t, cb.ClearKillFlag(ctx))
	require.False(t, cb.State().KillFlag)
}

func TestCircuitBreaker_DailyLossCapForcesCaution(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.Evaluate(ctx, money.Zero("USD"), money.MustFromString("0.06", "FRAC")))
	require.Equal(t, domain.CircuitCaution, cb.State().Level)
}

func TestCircuitBreaker_TripEmergencyIsImmediate(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, cb.TripEmergency(ctx, "reconciliation mismatch"))
	require.Equal(t, domain.CircuitEmergency, cb.State().Level)
	require.True(t, cb.State().KillFlag)
}

func TestCircuitBreaker_RestoresPersistedState(t *testing.T) {
	logger, err := logging.NewLoggerFromString("WARN", nil)
	require.NoError(t, err)
	store, err := statestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	cb, err := NewCircuitBreaker(ctx, testThresholds(), store, logger, alert.NewAlertManager(logger))
	require.NoError(t, err)
	require.NoError(t, cb.Evaluate(ctx, money.MustFromString("0.16", "FRAC"), money.Zero("USD")))
	require.Equal(t, domain.CircuitWarning, cb.State().Level)

	reloaded, err := NewCircuitBreaker(ctx, testThresholds(), store, logger, alert.NewAlertManager(logger))
	require.NoError(t, err)
	require.Equal(t, domain.CircuitWarning, reloaded.State().Level)
}
