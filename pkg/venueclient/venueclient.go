// Package venueclient wraps a core.Venue with the retry and circuit-breaker
// policy spec.md §4.4 requires of every venue call: retryable failures
// retry with backoff, and five consecutive failures open the breaker for
// 60 seconds before probing again.
package venueclient

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
)

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	ve, ok := err.(*core.VenueError)
	if !ok {
		return true // unclassified errors (network, context) are treated as transient
	}
	return ve.Kind == core.VenueRetryable || ve.Kind == core.VenueRateLimited
}

func execute[T any](fn func() (T, error)) (T, error) {
	retryPolicy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return isRetryable(err) }).
		WithBackoff(500*time.Millisecond, 60*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return isRetryable(err) }).
		WithFailureThreshold(5).
		WithDelay(60 * time.Second).
		Build()

	pipeline := failsafe.With[T](retryPolicy, breaker)
	return pipeline.GetWithExecution(func(exec failsafe.Execution[T]) (T, error) {
		return fn()
	})
}

// Wrapper implements core.Venue, delegating to an inner Venue through the
// retry/circuit-breaker pipeline.
type Wrapper struct {
	inner core.Venue
}

func Wrap(inner core.Venue) *Wrapper { return &Wrapper{inner: inner} }

func (w *Wrapper) MarketSnapshot(ctx context.Context, symbol domain.Symbol) (domain.MarketSnapshot, error) {
	return execute(func() (domain.MarketSnapshot, error) { return w.inner.MarketSnapshot(ctx, symbol) })
}

func (w *Wrapper) Funding(ctx context.Context, symbol domain.Symbol) (domain.FundingSnapshot, error) {
	return execute(func() (domain.FundingSnapshot, error) { return w.inner.Funding(ctx, symbol) })
}

func (w *Wrapper) Balances(ctx context.Context) ([]core.Balance, error) {
	return execute(func() ([]core.Balance, error) { return w.inner.Balances(ctx) })
}

func (w *Wrapper) Positions(ctx context.Context) ([]domain.Position, error) {
	return execute(func() ([]domain.Position, error) { return w.inner.Positions(ctx) })
}

func (w *Wrapper) OpenOrders(ctx context.Context, symbol *domain.Symbol) ([]domain.Order, error) {
	return execute(func() ([]domain.Order, error) { return w.inner.OpenOrders(ctx, symbol) })
}

func (w *Wrapper) Place(ctx context.Context, req core.OrderRequest) (domain.Order, error) {
	return execute(func() (domain.Order, error) { return w.inner.Place(ctx, req) })
}

func (w *Wrapper) Amend(ctx context.Context, req core.AmendRequest) (domain.Order, error) {
	return execute(func() (domain.Order, error) { return w.inner.Amend(ctx, req) })
}

func (w *Wrapper) Cancel(ctx context.Context, clientID string) error {
	_, err := execute(func() (struct{}, error) { return struct{}{}, w.inner.Cancel(ctx, clientID) })
	return err
}

func (w *Wrapper) CancelAll(ctx context.Context, symbol *domain.Symbol) error {
	_, err := execute(func() (struct{}, error) { return struct{}{}, w.inner.CancelAll(ctx, symbol) })
	return err
}

func (w *Wrapper) History(ctx context.Context, symbol domain.Symbol, since time.Time) ([]domain.Fill, error) {
	return execute(func() ([]domain.Fill, error) { return w.inner.History(ctx, symbol, since) })
}

// Subscribe is not retried: the caller owns the reconnect loop for a
// streaming subscription, a retry policy around a channel handshake would
// silently duplicate subscriptions on transient errors.
func (w *Wrapper) Subscribe(ctx context.Context) (<-chan core.StreamEvent, error) {
	return w.inner.Subscribe(ctx)
}

var _ core.Venue = (*Wrapper)(nil)
