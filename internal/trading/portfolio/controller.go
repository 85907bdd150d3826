// Package portfolio allocates equity across the four EngineSlots and
// drives priority-ordered, batched rebalance execution.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
)

// Controller owns the EngineSlot allocation table and the batched
// rebalance fan-out. Slots are rebalanced in priority batches: engines in
// the same batch run concurrently via errgroup, batches run one after
// another so a higher-priority engine's rebalance result is visible to
// later batches' sizing decisions.
type Controller struct {
	mu     sync.RWMutex
	slots  map[string]domain.EngineSlot
	batches [][]string
	logger core.ILogger
}

// defaultPriority orders CORE-HODL ahead of TREND ahead of FUNDING ahead
// of TACTICAL, each in its own batch; any other configured engine runs in
// one final batch.
var defaultPriority = []string{"CORE-HODL", "TREND", "FUNDING", "TACTICAL"}

func NewController(engines map[string]config.EngineCfg, logger core.ILogger) *Controller {
	slots := make(map[string]domain.EngineSlot, len(engines))
	for name, cfg := range engines {
		slots[name] = domain.EngineSlot{
			Name:             name,
			TargetAllocation: money.MustFromString(fmt.Sprintf("%v", cfg.AllocationWeight), "FRAC"),
			Enabled:          cfg.Enabled,
		}
	}

	var batches [][]string
	seen := make(map[string]bool)
	for _, name := range defaultPriority {
		if _, ok := slots[name]; ok {
			batches = append(batches, []string{name})
			seen[name] = true
		}
	}
	var rest []string
	for name := range slots {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	if len(rest) > 0 {
		batches = append(batches, rest)
	}

	return &Controller{slots: slots, batches: batches, logger: logger.WithField("component", "portfolio_controller")}
}

// Slot returns the current allocation record for owner.
func (c *Controller) Slot(owner string) (domain.EngineSlot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.slots[owner]
	return s, ok
}

// TargetNotional computes owner's target capital given total equity.
func (c *Controller) TargetNotional(owner string, equity money.Money) (money.Money, error) {
	c.mu.RLock()
	slot, ok := c.slots[owner]
	c.mu.RUnlock()
	if !ok {
		return money.Money{}, fmt.Errorf("portfolio: no slot for engine %q", owner)
	}
	return equity.MulFrac(slot.TargetAllocation.Decimal()), nil
}

// RebalanceFunc is invoked once per enabled engine slot during a batch.
type RebalanceFunc func(ctx context.Context, owner string) error

// Rebalance runs fn for every enabled slot, respecting priority batches:
// within a batch engines run concurrently, batches run sequentially.
func (c *Controller) Rebalance(ctx context.Context, fn RebalanceFunc) error {
	c.mu.RLock()
	batches := make([][]string, len(c.batches))
	copy(batches, c.batches)
	slots := make(map[string]domain.EngineSlot, len(c.slots))
	for k, v := range c.slots {
		slots[k] = v
	}
	c.mu.RUnlock()

	for _, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range batch {
			name := name
			slot := slots[name]
			if !slot.Enabled {
				continue
			}
			g.Go(func() error {
				return fn(gctx, name)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("portfolio rebalance batch failed: %w", err)
		}
	}
	return nil
}

// SetEnabled toggles whether an engine slot participates in rebalance.
func (c *Controller) SetEnabled(owner string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[owner]; ok {
		s.Enabled = enabled
		c.slots[owner] = s
	}
}
