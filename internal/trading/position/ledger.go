// Package position maintains the position ledger: applying venue fills to
// the persisted position book with idempotent, weighted-average entry
// price updates.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
)

// dedupTTL bounds how long a fill's key (client_id, qty, timestamp) is
// remembered to short-circuit a duplicate delivery, e.g. from the venue's
// stream reconnecting and replaying. This in-memory map is the ledger's only
// duplicate check: a duplicate arriving after the TTL, or after a restart,
// is applied again.
const dedupTTL = 10 * time.Minute

// Ledger applies fills to positions. One Ledger instance owns the full
// write path for every symbol; it does not shard by symbol because the
// scheduler is already single-threaded per spec.md §5.
type Ledger struct {
	mu        sync.Mutex
	store     core.StateStore
	processed map[string]time.Time
	logger    core.ILogger
}

func NewLedger(store core.StateStore, logger core.ILogger) *Ledger {
	return &Ledger{
		store:     store,
		processed: make(map[string]time.Time),
		logger:    logger.WithField("component", "position_ledger"),
	}
}

func fillKey(f domain.Fill) string {
	return fmt.Sprintf("%s|%s|%s", f.ClientID, f.Qty.String(), f.Timestamp.Format(time.RFC3339Nano))
}

// ApplyFill updates the position book for one fill. A second call with the
// same fill within dedupTTL is a no-op.
func (l *Ledger) ApplyFill(ctx context.Context, fill domain.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictExpiredLocked()

	key := fillKey(fill)
	if _, seen := l.processed[key]; seen {
		l.logger.Debug("duplicate fill suppressed", "client_id", fill.ClientID)
		return nil
	}

	side := positionSide(fill.Side)
	positions, err := l.store.LoadAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("apply fill: load positions: %w", err)
	}

	var current *domain.Position
	for i := range positions {
		p := positions[i]
		if p.Symbol.Name == fill.Symbol.Name && p.Owner == fill.Owner {
			current = &p
			break
		}
	}

	updated := applyFillToPosition(current, fill, side)

	if current != nil && (updated.IsZero() || updated.Side != current.Side) {
		if err := l.store.DeletePosition(ctx, fill.Symbol, fill.Owner, current.Side); err != nil {
			return fmt.Errorf("apply fill: delete position: %w", err)
		}
	}
	if !updated.IsZero() {
		if err := l.store.UpsertPosition(ctx, updated); err != nil {
			return fmt.Errorf("apply fill: upsert position: %w", err)
		}
	}

	if err := l.store.RecordFill(ctx, fill); err != nil {
		return fmt.Errorf("apply fill: record fill: %w", err)
	}

	l.processed[key] = time.Now()
	return nil
}

// applyFillToPosition computes the new position from a fill using a
// weighted-average entry price. A fill whose side opposes the held
// position reduces size first, and only flips side once size crosses
// zero with the remainder opening the other direction.
func applyFillToPosition(current *domain.Position, fill domain.Fill, side domain.Side) domain.Position {
	if current == nil {
		return domain.Position{
			Symbol: fill.Symbol, Side: side, Size: fill.Qty, AvgEntryPrice: fill.Price,
			Owner: fill.Owner, UpdatedAt: fill.Timestamp,
		}
	}

	if current.Side == side {
		totalNotional := current.Size.MulFrac(current.AvgEntryPrice.Decimal())
		fillNotional := fill.Qty.MulFrac(fill.Price.Decimal())
		combinedNotional, _ := totalNotional.Add(fillNotional)
		newSize, _ := current.Size.Add(fill.Qty)
		var avgEntry money.Money
		if !newSize.IsZero() {
			ratio, err := combinedNotional.Ratio(newSize)
			if err == nil {
				avgEntry = money.MustFromString(ratio.StringFixed(money.FractionalDigits), current.AvgEntryPrice.Asset())
			} else {
				avgEntry = current.AvgEntryPrice
			}
		} else {
			avgEntry = current.AvgEntryPrice
		}
		return domain.Position{Symbol: current.Symbol, Side: side, Size: newSize, AvgEntryPrice: avgEntry, Owner: current.Owner, UpdatedAt: fill.Timestamp}
	}

	// Opposing fill: reduces existing size.
	remaining, _ := current.Size.Sub(fill.Qty)
	if !remaining.IsNegative() {
		return domain.Position{Symbol: current.Symbol, Side: current.Side, Size: remaining, AvgEntryPrice: current.AvgEntryPrice, Owner: current.Owner, UpdatedAt: fill.Timestamp}
	}
	// Flipped through zero: the excess opens the opposite side at the fill price.
	flipped := remaining.Abs()
	return domain.Position{Symbol: current.Symbol, Side: side, Size: flipped, AvgEntryPrice: fill.Price, Owner: current.Owner, UpdatedAt: fill.Timestamp}
}

func positionSide(orderSide domain.Side) domain.Side {
	if orderSide == domain.SideBuy {
		return domain.SideLong
	}
	if orderSide == domain.SideSell {
		return domain.SideShort
	}
	return orderSide
}

func (l *Ledger) evictExpiredLocked() {
	cutoff := time.Now().Add(-dedupTTL)
	for k, t := range l.processed {
		if t.Before(cutoff) {
			delete(l.processed, k)
		}
	}
}
