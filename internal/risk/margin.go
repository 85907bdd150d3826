package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LeverageGate enforces the fixed per-engine maximum leverage named in
// spec.md §4.3: CORE-HODL and TACTICAL never use leverage, TREND and
// FUNDING's short leg are capped at 2x notional-to-equity.
type LeverageGate struct {
	maxByOwner map[string]decimal.Decimal
}

func NewLeverageGate(maxByOwner map[string]decimal.Decimal) *LeverageGate {
	return &LeverageGate{maxByOwner: maxByOwner}
}

// Check reports whether adding notional to owner's existing notional would
// exceed its configured leverage cap given current equity.
func (g *LeverageGate) Check(owner string, existingNotional, addNotional, equity decimal.Decimal) error {
	max, ok := g.maxByOwner[owner]
	if !ok {
		return fmt.Errorf("leverage gate: no cap configured for engine %q", owner)
	}
	if equity.IsZero() {
		return fmt.Errorf("leverage gate: equity is zero")
	}
	projected := existingNotional.Add(addNotional).Div(equity)
	if projected.GreaterThan(max) {
		return fmt.Errorf("leverage gate: %s projected leverage %s exceeds cap %s", owner, projected.StringFixed(4), max.StringFixed(4))
	}
	return nil
}
