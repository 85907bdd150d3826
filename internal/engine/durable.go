package engine

import (
	"context"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"tradeengine/internal/core"
)

// SetDurable attaches a DBOS workflow context the runtime can use for
// DurableTick. Left nil, the runtime never touches DBOS and Tick runs
// directly off the scheduler goroutine, as it always has.
func (r *Runtime) SetDurable(dctx dbos.DBOSContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durable = dctx
}

// DurableTick runs one strategy tick as a DBOS workflow, so a process
// crash between order submission and StrategyMeta bookkeeping resumes
// from the last completed step instead of silently losing it. This
// mirrors the teacher's TradingWorkflows.OnPriceUpdate: the whole tick
// is one workflow, the market refresh and the per-group submission
// pass are each a step. Optional per spec.md §4.5 — most deployments
// tick directly through Runtime.Tick and only reach for this when the
// StateStore itself sits behind a Postgres-backed DBOS instance rather
// than the default SQLite store.
func (r *Runtime) DurableTick(strategy core.Strategy) error {
	r.mu.RLock()
	dctx := r.durable
	r.mu.RUnlock()
	if dctx == nil {
		return r.tickWithMarketRefresh(context.Background(), strategy)
	}

	handle, err := dctx.RunWorkflow(dctx, func(wctx dbos.DBOSContext, name any) (any, error) {
		return nil, r.tickAsWorkflow(wctx, strategy)
	}, strategy.Name())
	if err != nil {
		return err
	}
	_, err = handle.GetResult()
	return err
}

func (r *Runtime) tickAsWorkflow(dctx dbos.DBOSContext, strategy core.Strategy) error {
	_, err := dctx.RunAsStep(dctx, func(ctx context.Context) (any, error) {
		return nil, r.RefreshMarket(ctx, r.symbols)
	})
	if err != nil {
		return err
	}

	_, err = dctx.RunAsStep(dctx, func(ctx context.Context) (any, error) {
		return nil, r.Tick(ctx, strategy)
	})
	return err
}
