// Package engine hosts the four strategies behind the Scheduler, routing
// their proposed actions through the Risk Arbiter to the Venue and
// recording the result through the StateStore, per spec.md §4.6.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
	"tradeengine/internal/risk"
	"tradeengine/internal/scheduler"
	"tradeengine/internal/trading/order"
	"tradeengine/internal/trading/portfolio"
	"tradeengine/internal/trading/position"
)

// Runtime wires one tick's full path: Strategy.OnTick -> Arbiter.Validate
// (per group, all-or-nothing) -> order.Submitter.Submit -> position.Ledger
// fill application -> StrategyMeta bookkeeping.
type Runtime struct {
	mu         sync.RWMutex
	store      core.StateStore
	venue      core.Venue
	arbiter    *risk.Arbiter
	submitter  *order.Submitter
	ledger     *position.Ledger
	portfolio  *portfolio.Controller
	drawdown   *risk.DrawdownTracker
	breaker    core.CircuitBreaker
	logger     core.ILogger

	marks    map[string]domain.MarketSnapshot
	funding  map[string]domain.FundingSnapshot

	sched    *scheduler.Scheduler
	symbols  []domain.Symbol
	cancel   context.CancelFunc
	running  bool
	doneCh   chan struct{}

	durable dbos.DBOSContext
}

func NewRuntime(
	store core.StateStore,
	venue core.Venue,
	arbiter *risk.Arbiter,
	submitter *order.Submitter,
	ledger *position.Ledger,
	portfolioCtl *portfolio.Controller,
	drawdown *risk.DrawdownTracker,
	breaker core.CircuitBreaker,
	symbols []domain.Symbol,
	logger core.ILogger,
) *Runtime {
	r := &Runtime{
		store:     store,
		venue:     venue,
		arbiter:   arbiter,
		submitter: submitter,
		ledger:    ledger,
		portfolio: portfolioCtl,
		drawdown:  drawdown,
		breaker:   breaker,
		symbols:   symbols,
		logger:    logger.WithField("component", "engine_runtime"),
		marks:     make(map[string]domain.MarketSnapshot),
		funding:   make(map[string]domain.FundingSnapshot),
	}
	r.sched = scheduler.New(r.tickWithMarketRefresh, logger)
	return r
}

// Host registers a strategy with the scheduler. Call for all four
// strategies before Start.
func (r *Runtime) Host(strategy core.Strategy) {
	r.sched.Host(strategy)
}

// TriggerEvent wakes an event-triggered strategy ahead of its cadence,
// e.g. when a funding rate flips sign or a drawdown crossing fires.
func (r *Runtime) TriggerEvent(strategyName string) {
	r.sched.TriggerEvent(strategyName)
}

func (r *Runtime) tickWithMarketRefresh(ctx context.Context, strategy core.Strategy) error {
	if err := r.RefreshMarket(ctx, r.symbols); err != nil {
		return err
	}
	return r.Tick(ctx, strategy)
}

// Start launches the scheduler's dispatcher goroutine. It returns once
// the goroutine has been spawned; Run itself blocks until Stop or ctx
// cancellation, so callers observe completion via Running() or by
// waiting on the context they passed in.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("engine runtime already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.doneCh)
		if err := r.sched.Run(runCtx); err != nil && err != context.Canceled {
			r.logger.Error("scheduler run exited with error", "error", err)
		}
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	return nil
}

// Stop requests the scheduler to exit and waits for its goroutine to
// return.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	done := r.doneCh
	r.mu.Unlock()

	r.sched.Stop()
	if r.cancel != nil {
		r.cancel()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the dispatcher goroutine is currently active.
func (r *Runtime) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// RefreshMarket pulls a fresh snapshot/funding reading for symbol into the
// runtime's cache. The scheduler's TickFunc calls this before invoking a
// strategy so OnTick sees current data without each strategy needing its
// own venue handle (strategies never see the Venue directly, per §4.6).
func (r *Runtime) RefreshMarket(ctx context.Context, symbols []domain.Symbol) error {
	for _, sym := range symbols {
		snap, err := r.venue.MarketSnapshot(ctx, sym)
		if err != nil {
			return fmt.Errorf("refresh market %s: %w", sym.Name, err)
		}
		r.mu.Lock()
		r.marks[sym.Name] = snap
		r.mu.Unlock()

		if sym.Category != domain.CategorySpot {
			if f, err := r.venue.Funding(ctx, sym); err == nil {
				r.mu.Lock()
				r.funding[sym.Name] = f
				r.mu.Unlock()
			}
		}
	}
	return nil
}

func (r *Runtime) buildCtx(ctx context.Context, now time.Time) (core.Ctx, domain.Portfolio, error) {
	pf, err := r.store.GetPortfolioSnapshot(ctx)
	if err != nil {
		return core.Ctx{}, domain.Portfolio{}, fmt.Errorf("load portfolio snapshot: %w", err)
	}
	positions, err := r.store.LoadAllPositions(ctx)
	if err != nil {
		return core.Ctx{}, domain.Portfolio{}, fmt.Errorf("load positions: %w", err)
	}

	return core.Ctx{
		Now:       now,
		Portfolio: pf,
		Snapshot: func(symbol domain.Symbol) (domain.MarketSnapshot, bool) {
			r.mu.RLock()
			defer r.mu.RUnlock()
			s, ok := r.marks[symbol.Name]
			return s, ok
		},
		Funding: func(symbol domain.Symbol) (domain.FundingSnapshot, bool) {
			r.mu.RLock()
			defer r.mu.RUnlock()
			f, ok := r.funding[symbol.Name]
			return f, ok
		},
		Meta: func(symbol, intent string) (domain.StrategyMeta, bool) {
			// Owner is resolved by the caller (the strategy knows its own
			// name); fall back to a name-agnostic lookup keyed by symbol+intent
			// is insufficient, so strategies pass their own name implicitly
			// via the StateStore call the runtime makes on their behalf below.
			return domain.StrategyMeta{}, false
		},
		Positions: func() []domain.Position { return positions },
	}, pf, nil
}

// Tick implements scheduler.TickFunc.
func (r *Runtime) Tick(ctx context.Context, strategy core.Strategy) error {
	now := time.Now()
	cctx, portfolioSnap, err := r.buildCtx(ctx, now)
	if err != nil {
		return err
	}
	dd, dailyLoss := r.drawdown.Update(now, portfolioSnap.EquityUSD)
	if err := r.breaker.Evaluate(ctx, money.MustFromString(dd.String(), "FRAC"), money.MustFromString(dailyLoss.String(), "FRAC")); err != nil {
		return fmt.Errorf("evaluate circuit breaker: %w", err)
	}
	cctx.Meta = func(symbol, intent string) (domain.StrategyMeta, bool) {
		meta, found, err := r.store.GetStrategyMeta(ctx, strategy.Name(), symbol, intent)
		if err != nil {
			return domain.StrategyMeta{}, false
		}
		return meta, found
	}

	actions, err := strategy.OnTick(cctx)
	if err != nil {
		return fmt.Errorf("%s.OnTick: %w", strategy.Name(), err)
	}
	if len(actions) == 0 {
		return nil
	}

	positions := cctx.Positions()
	groups := groupActions(actions)
	openSymbols := openSymbolNames(positions)
	ownerNotional := ownerNotionalUSD(positions)

	for _, group := range groups {
		if err := r.processGroup(ctx, group, portfolioSnap, openSymbols, ownerNotional, strategy.MinReactionInterval); err != nil {
			r.logger.Warn("action group rejected", "strategy", strategy.Name(), "error", err)
		}
	}

	return nil
}

// ownerNotionalUSD approximates each owner's existing notional exposure
// so the leverage gate can project post-trade leverage rather than just
// judging the incoming trade against equity in isolation. Same USD
// approximation as Rebalance and the reconciler's dust check: a
// position's base-asset notional is treated as USD-denominated.
func ownerNotionalUSD(positions []domain.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		out[p.Owner] = out[p.Owner].Add(p.Size.Abs().MulFrac(p.AvgEntryPrice.Decimal()).Decimal())
	}
	return out
}

func groupActions(actions []domain.ProposedAction) [][]domain.ProposedAction {
	byGroup := make(map[string][]domain.ProposedAction)
	var order []string
	for _, a := range actions {
		key := a.GroupID
		if key == "" {
			key = a.ClientID
		}
		if _, ok := byGroup[key]; !ok {
			order = append(order, key)
		}
		byGroup[key] = append(byGroup[key], a)
	}
	groups := make([][]domain.ProposedAction, 0, len(order))
	for _, k := range order {
		groups = append(groups, byGroup[k])
	}
	return groups
}

func openSymbolNames(positions []domain.Position) []string {
	names := make([]string, 0, len(positions))
	for _, p := range positions {
		names = append(names, p.Symbol.Name)
	}
	return names
}

func (r *Runtime) processGroup(ctx context.Context, group []domain.ProposedAction, pf domain.Portfolio, openSymbols []string, ownerNotional map[string]decimal.Decimal, minReaction func(string) time.Duration) error {
	level := r.breaker.State().Level
	multiplier := risk.SizeMultiplier(level)

	for i := range group {
		if !group[i].Qty.IsZero() {
			group[i].Qty = group[i].Qty.MulFrac(multiplier)
		}
	}

	for _, action := range group {
		notional, err := r.estimateNotionalUSD(action)
		if err != nil {
			return fmt.Errorf("estimate notional %s %s: %w", action.Owner, action.Symbol.Name, err)
		}
		if err := r.arbiter.Validate(ctx, risk.ValidationInput{
			Action:                action,
			Portfolio:             pf,
			NotionalUSD:           notional,
			ExistingOwnerNotional: ownerNotional[action.Owner],
			OpenSymbols:           openSymbols,
			MinReactionInterval:   minReaction(action.Symbol.Name),
		}); err != nil {
			return fmt.Errorf("validate %s %s: %w", action.Owner, action.Symbol.Name, err)
		}
	}

	var submitted []domain.Order
	for _, action := range group {
		placed, err := r.submitter.Submit(ctx, action)
		if err != nil {
			r.rollbackGroup(ctx, submitted)
			return fmt.Errorf("submit %s %s: %w", action.Owner, action.Symbol.Name, err)
		}
		submitted = append(submitted, placed)

		if err := r.store.RecordOrder(ctx, placed); err != nil {
			r.rollbackGroup(ctx, submitted)
			return fmt.Errorf("record order: %w", err)
		}
		if placed.Status == domain.OrderStatusFilled || placed.Status == domain.OrderStatusPartiallyFill {
			fill := domain.Fill{
				ClientID: placed.ClientID, VenueID: placed.VenueID, Symbol: placed.Symbol,
				Side: placed.Side, Qty: placed.FilledQty, Price: placed.AvgFillPrice,
				Owner: action.Owner, Timestamp: time.Now(),
			}
			if err := r.ledger.ApplyFill(ctx, fill); err != nil {
				r.rollbackGroup(ctx, submitted)
				return fmt.Errorf("apply fill: %w", err)
			}
		}
		if err := r.store.SetStrategyMeta(ctx, domain.StrategyMeta{
			Owner: action.Owner, Symbol: action.Symbol.Name, Intent: string(action.Intent), LastActionAt: time.Now(),
		}); err != nil {
			r.rollbackGroup(ctx, submitted)
			return fmt.Errorf("record strategy meta: %w", err)
		}
	}

	return nil
}

// rollbackGroup cancels every already-submitted leg of a group once a
// later leg fails, per spec.md §5: a multi-leg group is all-or-nothing,
// so a leg that already made it to the venue must not survive on its own.
// A leg that filled before the failure can't be uncancelled; Cancel on it
// is a harmless no-op and the surviving position is left for the next
// reconciliation pass to pick up as a one-legged carry to close out.
func (r *Runtime) rollbackGroup(ctx context.Context, submitted []domain.Order) {
	for _, o := range submitted {
		if err := r.venue.Cancel(ctx, o.ClientID); err != nil {
			r.logger.Error("group rollback: cancel failed", "client_id", o.ClientID, "symbol", o.Symbol.Name, "error", err)
		}
	}
}

// Rebalance runs one capital-allocation pass: for each enabled engine
// slot, in priority batches, it compares the slot's target notional
// against its currently-owned notional and logs the drift. It does not
// place orders itself — each strategy's own OnTick is what acts on
// allocation headroom; this is the observability pass spec.md §4.6
// expects a capital allocator to run independently of any one tick.
func (r *Runtime) Rebalance(ctx context.Context) error {
	pf, err := r.store.GetPortfolioSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("rebalance: load portfolio snapshot: %w", err)
	}
	positions, err := r.store.LoadAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("rebalance: load positions: %w", err)
	}

	// Notional is approximated in USD regardless of the position's base
	// asset; Money comparisons only consult the decimal value, so this
	// matches the same approximation the reconciler's dust check makes.
	ownerNotional := make(map[string]money.Money)
	for _, p := range positions {
		notional := money.MustFromString(p.Size.Abs().MulFrac(p.AvgEntryPrice.Decimal()).Decimal().String(), "USD")
		if existing, ok := ownerNotional[p.Owner]; ok {
			if combined, err := existing.Add(notional); err == nil {
				notional = combined
			}
		}
		ownerNotional[p.Owner] = notional
	}

	return r.portfolio.Rebalance(ctx, func(ctx context.Context, owner string) error {
		target, err := r.portfolio.TargetNotional(owner, pf.EquityUSD)
		if err != nil {
			return err
		}
		current, ok := ownerNotional[owner]
		if !ok {
			current = money.Zero("USD")
		}
		drift, err := current.Sub(target)
		if err != nil {
			drift = money.Zero("USD")
		}
		r.logger.Info("rebalance check", "owner", owner, "target_usd", target.String(), "current_usd", current.String(), "drift_usd", drift.String())
		return nil
	})
}

// estimateNotionalUSD prices a proposed action in USD for the sizing/leverage
// gates: a limit order prices off its own limit, everything else (market
// orders, stop triggers) off the latest mark the runtime holds for the
// symbol. Qty carries the base asset's tag, never USD, so this must always
// go through a price conversion rather than trust the action's own tag.
func (r *Runtime) estimateNotionalUSD(action domain.ProposedAction) (money.Money, error) {
	if action.LimitPrice != nil {
		notional := action.Qty.Decimal().Mul(action.LimitPrice.Decimal())
		return money.MustFromString(notional.String(), "USD"), nil
	}
	r.mu.RLock()
	snap, ok := r.marks[action.Symbol.Name]
	r.mu.RUnlock()
	if !ok {
		return money.Money{}, fmt.Errorf("no mark snapshot for %s", action.Symbol.Name)
	}
	notional := action.Qty.Decimal().Mul(snap.Mark.Decimal())
	return money.MustFromString(notional.String(), "USD"), nil
}
