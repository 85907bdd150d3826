// Package safety runs the one-time startup pre-flight gate: is the venue
// account in a state the engine can safely begin trading against at all,
// before reconciliation and the first tick.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeengine/internal/core"
)

// Config carries the minimum balance and leverage sanity bounds checked at
// startup.
type Config struct {
	MinEquityUSD   decimal.Decimal
	MaxAccountLeverage decimal.Decimal
}

// Checker runs the portfolio-wide pre-flight check.
type Checker struct {
	venue  core.Venue
	cfg    Config
	logger core.ILogger
}

func NewChecker(venue core.Venue, cfg Config, logger core.ILogger) *Checker {
	return &Checker{venue: venue, cfg: cfg, logger: logger.WithField("component", "safety_checker")}
}

// Run queries balances and positions and fails closed: any error here
// should prevent the engine from reconciling or ticking at all.
func (c *Checker) Run(ctx context.Context) error {
	balances, err := c.venue.Balances(ctx)
	if err != nil {
		return fmt.Errorf("safety check: fetch balances: %w", err)
	}

	total := decimal.Zero
	var usedMargin decimal.Decimal
	for _, b := range balances {
		total = total.Add(b.Total.Decimal())
		usedMargin = usedMargin.Add(b.UsedMargin.Decimal())
	}

	if total.LessThan(c.cfg.MinEquityUSD) {
		return fmt.Errorf("safety check: account equity %s below minimum %s", total.StringFixed(2), c.cfg.MinEquityUSD.StringFixed(2))
	}

	if !total.IsZero() {
		leverage := usedMargin.Div(total)
		if leverage.GreaterThan(c.cfg.MaxAccountLeverage) {
			return fmt.Errorf("safety check: account leverage %s exceeds sanity cap %s", leverage.StringFixed(2), c.cfg.MaxAccountLeverage.StringFixed(2))
		}
	}

	positions, err := c.venue.Positions(ctx)
	if err != nil {
		return fmt.Errorf("safety check: fetch positions: %w", err)
	}
	c.logger.Info("safety pre-flight passed", "equity_usd", total.StringFixed(2), "open_positions", len(positions))

	return nil
}
