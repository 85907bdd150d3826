package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeengine/internal/money"
)

func TestDrawdownTracker_PeakOnlyAdvancesOnClosedMinute(t *testing.T) {
	tr := NewDrawdownTracker(money.New(10000, "USD"), 0)
	// Advance past the constructor's own snapshot minute so this test's
	// first Update is guaranteed to land on a new bar.
	now := time.Now().UTC().Add(2 * time.Minute)

	dd, _ := tr.Update(now, money.New(12000, "USD"))
	require.True(t, dd.IsZero())
	require.True(t, tr.PeakEquity().Equal(money.New(12000, "USD")))

	// Same minute: a later spike within the same bar must not move the peak.
	dd, _ = tr.Update(now, money.New(15000, "USD"))
	require.True(t, dd.IsZero())
	require.True(t, tr.PeakEquity().Equal(money.New(12000, "USD")))

	next := now.Add(2 * time.Minute)
	dd, _ = tr.Update(next, money.New(9000, "USD"))
	require.False(t, dd.IsZero())
	require.True(t, tr.PeakEquity().Equal(money.New(12000, "USD")))
}

func TestDrawdownTracker_DailyResetClearsBaseline(t *testing.T) {
	tr := NewDrawdownTracker(money.New(10000, "USD"), 0)
	now := time.Now().UTC()

	_, dailyLoss := tr.Update(now, money.New(9000, "USD"))
	require.False(t, dailyLoss.IsZero(), "equity dropped below the seeded day-start baseline")

	// resetHourUTC=0 guarantees the next reset boundary falls within 24h
	// of construction, so now+25h is always past it.
	afterReset := now.Add(25 * time.Hour)
	_, dailyLoss = tr.Update(afterReset, money.New(9000, "USD"))
	require.True(t, dailyLoss.IsZero(), "the reset boundary rebases day-start to the current equity")
}

func TestDrawdownTracker_SeedOverridesBaselines(t *testing.T) {
	tr := NewDrawdownTracker(money.New(10000, "USD"), 0)
	tr.Seed(money.New(20000, "USD"), money.New(18000, "USD"))
	require.True(t, tr.PeakEquity().Equal(money.New(20000, "USD")))
}
