// Package order turns a strategy's ProposedAction into a venue
// OrderRequest and submits it under an outbound rate budget.
package order

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/pkg/clientid"
)

// Submitter rate-limits outbound order calls per spec.md §5's backpressure
// requirement. Strategies set a client_id when they propose an action; an
// action that arrives without one gets a fresh client_id at submission.
type Submitter struct {
	venue   core.Venue
	limiter *rate.Limiter
	logger  core.ILogger
}

// NewSubmitter builds a Submitter allowing ratePerSec requests/second with
// a burst of ratePerSec requests (callers beyond the burst queue behind
// limiter.Wait).
func NewSubmitter(venue core.Venue, ratePerSec int, logger core.ILogger) *Submitter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Submitter{
		venue:   venue,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:  logger.WithField("component", "order_submitter"),
	}
}

// ToOrderRequest converts a ProposedAction into the Venue's OrderRequest
// shape, generating a client_id if the action doesn't already carry one.
func ToOrderRequest(action domain.ProposedAction) core.OrderRequest {
	id := action.ClientID
	if id == "" {
		id = clientid.New()
	}
	return core.OrderRequest{
		ClientID:     id,
		Symbol:       action.Symbol,
		Side:         action.Side,
		Kind:         action.Kind,
		Qty:          action.Qty,
		LimitPrice:   action.LimitPrice,
		TriggerPrice: action.StopPrice,
		ReduceOnly:   action.ReduceOnly,
	}
}

// Submit blocks on the rate limiter, then places the order. The limiter
// wait respects ctx cancellation so a shutdown in progress doesn't hang.
func (s *Submitter) Submit(ctx context.Context, action domain.ProposedAction) (domain.Order, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("order submit: rate limiter: %w", err)
	}
	req := ToOrderRequest(action)
	order, err := s.venue.Place(ctx, req)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order submit: %w", err)
	}
	return order, nil
}
