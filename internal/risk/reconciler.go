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
	"tradeengine/pkg/concurrency"
	apperrors "tradeengine/pkg/errors"
)

// HaltDivergencePct is the fraction of equity above which a balance
// mismatch between the StateStore and the venue halts startup rather than
// being silently auto-corrected. spec.md §4.6 sets this at 1% of equity.
var HaltDivergencePct = decimal.NewFromFloat(0.01)

// Reconciler aligns persisted state with the venue's truth; cmd/engine runs
// it once at startup and nothing schedules it after that. Implements
// core.Reconciler.
type Reconciler struct {
	venue        core.Venue
	store        core.StateStore
	breaker      core.CircuitBreaker
	drawdown     *DrawdownTracker
	symbolOwners map[string]string
	logger       core.ILogger
	alerts       *alert.AlertManager
	pool         *concurrency.WorkerPool
}

func NewReconciler(venue core.Venue, store core.StateStore, breaker core.CircuitBreaker, drawdown *DrawdownTracker, symbolOwners map[string]string, logger core.ILogger, alerts *alert.AlertManager) *Reconciler {
	return &Reconciler{
		venue:        venue,
		store:        store,
		breaker:      breaker,
		drawdown:     drawdown,
		symbolOwners: symbolOwners,
		logger:       logger.WithField("component", "reconciler"),
		alerts:       alerts,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "reconciler",
			MaxWorkers:  8,
			MaxCapacity: 256,
		}, logger),
	}
}

// Reconcile implements core.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context) (core.ReconcileReport, error) {
	var report core.ReconcileReport

	if r.breaker.State().KillFlag {
		report.Halted = true
		report.HaltReason = "kill flag is set"
		return report, fmt.Errorf("%w", apperrors.ErrKillFlagSet)
	}

	if err := r.reconcilePositions(ctx, &report); err != nil {
		return report, fmt.Errorf("reconcile positions: %w", err)
	}
	if err := r.reconcileOrders(ctx, &report); err != nil {
		return report, fmt.Errorf("reconcile orders: %w", err)
	}
	if err := r.reconcileEquity(ctx, &report); err != nil {
		return report, fmt.Errorf("reconcile equity: %w", err)
	}

	return report, nil
}

func (r *Reconciler) reconcilePositions(ctx context.Context, report *core.ReconcileReport) error {
	persisted, err := r.store.LoadAllPositions(ctx)
	if err != nil {
		return err
	}
	venuePositions, err := r.venue.Positions(ctx)
	if err != nil {
		return err
	}

	type key struct {
		symbol string
		side   domain.Side
	}
	onVenue := make(map[key]domain.Position, len(venuePositions))
	for _, p := range venuePositions {
		onVenue[key{p.Symbol.Name, p.Side}] = p
	}

	seen := make(map[key]bool, len(persisted))
	for _, p := range persisted {
		k := key{p.Symbol.Name, p.Side}
		seen[k] = true
		if _, stillOpen := onVenue[k]; !stillOpen {
			if err := r.store.DeletePosition(ctx, p.Symbol, p.Owner, p.Side); err != nil {
				return err
			}
			report.DeletedPositions++
		}
	}

	// Each position's dust check, upsert, and StrategyMeta seed is
	// independent of every other one, so the per-symbol sweep fans out
	// across the worker pool rather than running strictly inline.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for k, p := range onVenue {
		if seen[k] {
			continue
		}
		p := p
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			if err := r.importVenuePosition(ctx, p, report, &mu); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	return firstErr
}

// importVenuePosition adopts one venue-only position into the persisted
// book: dust-filtered, tagged with its configured owner (or "unknown" for
// an unrecognized symbol), and seeded with a StrategyMeta entry so the
// owning strategy doesn't treat it as brand new on its very next tick.
func (r *Reconciler) importVenuePosition(ctx context.Context, p domain.Position, report *core.ReconcileReport, mu *sync.Mutex) error {
	notionalUSD := p.Size.Abs().MulFrac(p.AvgEntryPrice.Decimal())
	if money.IsDust(notionalUSD) {
		mu.Lock()
		report.DustSkipped++
		mu.Unlock()
		return nil
	}

	owner, ok := r.symbolOwners[p.Symbol.Name]
	if !ok {
		owner = "unknown"
	}
	p.Owner = owner
	p.UpdatedAt = time.Now()
	if err := r.store.UpsertPosition(ctx, p); err != nil {
		return err
	}

	mu.Lock()
	report.ImportedPositions++
	mu.Unlock()

	// An imported position is treated as an existing one: seed
	// last_action_at under every intent key the owning strategy (and
	// the Arbiter's idempotency gate) might check on its very next
	// tick, so a restart into a non-empty portfolio doesn't immediately
	// re-DCA or re-open it.
	for _, intent := range ownerSeedIntents(owner) {
		_ = r.store.SetStrategyMeta(ctx, domain.StrategyMeta{
			Owner:        owner,
			Symbol:       p.Symbol.Name,
			Intent:       intent,
			LastActionAt: time.Now(),
		})
	}
	return nil
}

// ownerSeedIntents returns the ActionIntent keys the named strategy (and
// the Arbiter's idempotency gate, keyed identically) consult via Ctx.Meta
// before proposing a new action for a symbol it already owns a position
// in. CORE-HODL checks IntentDCA and TACTICAL checks IntentDeploy; TREND
// and FUNDING gate re-opens off live position state rather than Meta, but
// still propose IntentOpen, so seeding it keeps the idempotency gate
// consistent with whichever strategy eventually owns the symbol.
func ownerSeedIntents(owner string) []string {
	switch owner {
	case "CORE-HODL":
		return []string{string(domain.IntentDCA)}
	case "TACTICAL":
		return []string{string(domain.IntentDeploy)}
	default:
		return []string{string(domain.IntentOpen)}
	}
}

func (r *Reconciler) reconcileOrders(ctx context.Context, report *core.ReconcileReport) error {
	persisted, err := r.store.LoadOpenOrders(ctx)
	if err != nil {
		return err
	}
	venueOrders, err := r.venue.OpenOrders(ctx, nil)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(persisted))
	for _, o := range persisted {
		known[o.ClientID] = true
	}

	for _, o := range venueOrders {
		if known[o.ClientID] {
			continue
		}
		// Foreign/ghost order: per spec.md's open-question resolution,
		// adopt and track it rather than cancel it.
		o.Owner = "unknown"
		if err := r.store.RecordOrder(ctx, o); err != nil {
			return err
		}
		report.AdoptedOrders++
	}

	return nil
}

func (r *Reconciler) reconcileEquity(ctx context.Context, report *core.ReconcileReport) error {
	balances, err := r.venue.Balances(ctx)
	if err != nil {
		return err
	}
	venueEquity := money.Zero("USD")
	for _, b := range balances {
		if summed, err := venueEquity.Add(b.Total); err == nil {
			venueEquity = summed
		}
	}

	snapshot, err := r.store.GetPortfolioSnapshot(ctx)
	if err != nil {
		// No prior snapshot; seed from venue truth and stop.
		snapshot = domain.Portfolio{EquityUSD: venueEquity, AvailableUSD: venueEquity, DayStartEquityUSD: venueEquity, PeakEquityUSD: venueEquity}
		return r.store.SetPortfolioSnapshot(ctx, snapshot)
	}

	diff, err := snapshot.EquityUSD.Sub(venueEquity)
	if err != nil {
		return err
	}
	var divergence decimal.Decimal
	if !snapshot.EquityUSD.IsZero() {
		ratio, rerr := diff.Abs().Ratio(snapshot.EquityUSD)
		if rerr == nil {
			divergence = ratio
		}
	}

	if divergence.GreaterThan(HaltDivergencePct) {
		report.Halted = true
		report.HaltReason = fmt.Sprintf("equity divergence %s exceeds halt threshold %s", divergence.StringFixed(4), HaltDivergencePct.StringFixed(4))
		r.logger.Error("reconciliation halt", "divergence", divergence.String(), "persisted", snapshot.EquityUSD.String(), "venue", venueEquity.String())
		if r.alerts != nil {
			r.alerts.Alert(ctx, "reconciliation halted", report.HaltReason, alert.Critical, nil)
		}
		return fmt.Errorf("%w: %s", apperrors.ErrReconcileMismatch, report.HaltReason)
	}

	// Auto-correct: small divergence, trust the venue.
	snapshot.EquityUSD = venueEquity
	if venueEquity.GreaterThan(snapshot.PeakEquityUSD) {
		snapshot.PeakEquityUSD = venueEquity
	}
	if r.drawdown != nil {
		r.drawdown.Seed(snapshot.PeakEquityUSD, snapshot.DayStartEquityUSD)
	}

	return r.store.SetPortfolioSnapshot(ctx, snapshot)
}
