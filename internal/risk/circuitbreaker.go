// Package risk implements the Risk Arbiter: pre-trade validation, the
// four-level circuit breaker, drawdown tracking, correlation and leverage
// gates, and startup/periodic reconciliation against the venue.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/alert"
	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
)

// Thresholds carries the drawdown fractions that separate the five circuit
// levels, plus the daily-loss cap that can force an immediate Caution trip
// independent of drawdown.
type Thresholds struct {
	CautionDD    decimal.Decimal
	WarningDD    decimal.Decimal
	AlertDD      decimal.Decimal
	EmergencyDD  decimal.Decimal
	DailyLossCap decimal.Decimal
}

// CautionExitDD is the drawdown below which Caution clears automatically,
// without an operator ack, once the level has been at Caution.
var CautionExitDD = decimal.NewFromFloat(0.05)

// WarningExitDD is the drawdown below which Warning may clear, but only
// once an operator has also called AcknowledgeRecovery(CircuitWarning).
var WarningExitDD = decimal.NewFromFloat(0.10)

// CircuitBreaker implements core.CircuitBreaker. Escalation is automatic
// and monotonic; de-escalation below Caution requires nothing but a
// recovered drawdown, but every level at or above Warning requires an
// explicit operator acknowledgement before the level can drop, and the
// kill flag set at Emergency never clears itself.
type CircuitBreaker struct {
	mu         sync.Mutex
	thresholds Thresholds
	state      domain.CircuitState
	store      core.StateStore
	logger     core.ILogger
	alerts     *alert.AlertManager
}

// NewCircuitBreaker restores persisted state from the store if present,
// otherwise starts Normal.
func NewCircuitBreaker(ctx context.Context, thresholds Thresholds, store core.StateStore, logger core.ILogger, alerts *alert.AlertManager) (*CircuitBreaker, error) {
	cb := &CircuitBreaker{
		thresholds: thresholds,
		store:      store,
		logger:     logger.WithField("component", "circuit_breaker"),
		alerts:     alerts,
		state: domain.CircuitState{
			Level: domain.CircuitNormal,
			Since: time.Now(),
		},
	}
	loaded, err := store.GetCircuitState(ctx)
	if err == nil && loaded.Since.After(time.Time{}) {
		cb.state = loaded
	}
	return cb, nil
}

func (cb *CircuitBreaker) targetLevel(drawdown, dailyLossPct decimal.Decimal) domain.CircuitLevel {
	level := domain.CircuitNormal
	switch {
	case drawdown.GreaterThanOrEqual(cb.thresholds.EmergencyDD):
		level = domain.CircuitEmergency
	case drawdown.GreaterThanOrEqual(cb.thresholds.AlertDD):
		level = domain.CircuitAlert
	case drawdown.GreaterThanOrEqual(cb.thresholds.WarningDD):
		level = domain.CircuitWarning
	case drawdown.GreaterThanOrEqual(cb.thresholds.CautionDD):
		level = domain.CircuitCaution
	}
	if dailyLossPct.GreaterThanOrEqual(cb.thresholds.DailyLossCap) && level < domain.CircuitCaution {
		level = domain.CircuitCaution
	}
	return level
}

// Evaluate recomputes the target level from the current drawdown and daily
// loss, escalating immediately if the target is more severe than the
// current level. It also performs the two forms of automatic/gated
// de-escalation spec.md's matrix allows: Caution clears on its own once
// drawdown recovers below CautionExitDD; Warning clears only once drawdown
// is below WarningExitDD AND an operator has acknowledged recovery for
// CircuitWarning. Alert and Emergency never clear here — only
// AcknowledgeRecovery can move the level down from those.
func (cb *CircuitBreaker) Evaluate(ctx context.Context, drawdown money.Money, dailyLossPct money.Money) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	dd := drawdown.Decimal()
	dl := dailyLossPct.Decimal()
	target := cb.targetLevel(dd, dl)
	current := cb.state.Level

	cb.state.Drawdown = drawdown

	switch {
	case target > current:
		cb.transitionLocked(ctx, target, fmt.Sprintf("drawdown %s crossed threshold", drawdown.String()))
	case current == domain.CircuitCaution && dd.LessThan(CautionExitDD):
		cb.transitionLocked(ctx, domain.CircuitNormal, "drawdown recovered below caution-exit threshold")
	case current == domain.CircuitWarning && dd.LessThan(WarningExitDD) && cb.state.AckedForLevel >= domain.CircuitWarning:
		cb.transitionLocked(ctx, domain.CircuitCaution, "operator-acknowledged recovery from warning")
	}

	return cb.persistLocked(ctx)
}

// AcknowledgeRecovery records that an operator has approved stepping down
// from the given level. For Alert/Emergency this is the only mechanism
// that can move the level down (Evaluate never auto-clears those).
func (cb *CircuitBreaker) AcknowledgeRecovery(ctx context.Context, level domain.CircuitLevel) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if level > cb.state.AckedForLevel {
		cb.state.AckedForLevel = level
	}

	switch {
	case cb.state.Level == domain.CircuitAlert && level == domain.CircuitAlert:
		// Operator-approved restart at reduced sizing; caller is
		// responsible for applying the 25% sizing multiplier.
		cb.transitionLocked(ctx, domain.CircuitWarning, "operator-approved restart from alert")
	case cb.state.Level == domain.CircuitEmergency && level == domain.CircuitEmergency:
		cb.transitionLocked(ctx, domain.CircuitAlert, "operator-approved restart from emergency (kill flag remains until explicitly cleared)")
	}

	return cb.persistLocked(ctx)
}

// TripEmergency forces an immediate Emergency trip and sets the permanent
// kill flag, independent of the drawdown computed by Evaluate. The
// reconciler and the safety pre-flight do not call it: they halt startup by
// returning an error instead.
func (cb *CircuitBreaker) TripEmergency(ctx context.Context, reason string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(ctx, domain.CircuitEmergency, reason)
	return cb.persistLocked(ctx)
}

// ClearKillFlag is the one operator action that can clear a kill flag set
// by an Emergency trip. It does not by itself change the circuit level.
func (cb *CircuitBreaker) ClearKillFlag(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.KillFlag = false
	cb.logger.Warn("kill flag cleared by operator")
	return cb.persistLocked(ctx)
}

func (cb *CircuitBreaker) State() domain.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(ctx context.Context, to domain.CircuitLevel, reason string) {
	from := cb.state.Level
	if from == to {
		return
	}
	cb.state.Level = to
	cb.state.Since = time.Now()
	if to == domain.CircuitEmergency {
		cb.state.KillFlag = true
	}

	cb.logger.Warn("circuit level transition", "from", from.String(), "to", to.String(), "reason", reason)
	if cb.alerts != nil {
		level := alert.Warning
		if to >= domain.CircuitAlert {
			level = alert.Critical
		}
		cb.alerts.Alert(ctx, "circuit breaker: "+to.String(), reason, level, map[string]string{
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

func (cb *CircuitBreaker) persistLocked(ctx context.Context) error {
	if cb.store == nil {
		return nil
	}
	if err := cb.store.SetCircuitState(ctx, cb.state); err != nil {
		return fmt.Errorf("persist circuit state: %w", err)
	}
	return nil
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)
