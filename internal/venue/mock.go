// Package venue provides an in-memory implementation of core.Venue used in
// tests and local development. It is not a simulator of any real
// exchange's matching engine — it fills market orders immediately at the
// Last price of the most recently seeded snapshot and tracks limit/stop
// orders as resting; nothing in the mock fills a resting order, which stays
// live until it is cancelled.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/core"
	"tradeengine/internal/domain"
	"tradeengine/internal/money"
)

// Mock is a deterministic, goroutine-safe in-memory Venue.
type Mock struct {
	mu          sync.Mutex
	marks       map[string]domain.MarketSnapshot
	funding     map[string]domain.FundingSnapshot
	balances    map[string]core.Balance
	positions   map[string]domain.Position // key symbol|side
	orders      map[string]domain.Order    // key client_id
	fills       []domain.Fill
	subscribers []chan core.StreamEvent
}

func NewMock() *Mock {
	return &Mock{
		marks:     make(map[string]domain.MarketSnapshot),
		funding:   make(map[string]domain.FundingSnapshot),
		balances:  make(map[string]core.Balance),
		positions: make(map[string]domain.Position),
		orders:    make(map[string]domain.Order),
	}
}

// SeedMark sets the current market snapshot a symbol fills market orders
// against.
func (m *Mock) SeedMark(snap domain.MarketSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[snap.Symbol.Name] = snap
}

// SeedFunding sets the current funding-rate reading for a symbol.
func (m *Mock) SeedFunding(f domain.FundingSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[f.Symbol.Name] = f
}

// SeedBalance sets an account balance.
func (m *Mock) SeedBalance(b core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.Asset] = b
}

func (m *Mock) MarketSnapshot(ctx context.Context, symbol domain.Symbol) (domain.MarketSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.marks[symbol.Name]
	if !ok {
		return domain.MarketSnapshot{}, &core.VenueError{Kind: core.VenueNotFound, Message: "no mark seeded for " + symbol.Name}
	}
	return snap, nil
}

func (m *Mock) Funding(ctx context.Context, symbol domain.Symbol) (domain.FundingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.funding[symbol.Name]
	if !ok {
		return domain.FundingSnapshot{}, &core.VenueError{Kind: core.VenueNotFound, Message: "no funding seeded for " + symbol.Name}
	}
	return f, nil
}

func (m *Mock) Balances(ctx context.Context) ([]core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	return out, nil
}

func (m *Mock) Positions(ctx context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Mock) OpenOrders(ctx context.Context, symbol *domain.Symbol) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status != domain.OrderStatusLive && o.Status != domain.OrderStatusPending && o.Status != domain.OrderStatusPartiallyFill {
			continue
		}
		if symbol != nil && o.Symbol.Name != symbol.Name {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Place is idempotent by ClientID: placing the same client_id twice
// returns the original order rather than creating a second one, per
// spec.md §4.4.
func (m *Mock) Place(ctx context.Context, req core.OrderRequest) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[req.ClientID]; ok {
		return existing, nil
	}

	now := time.Now()
	order := domain.Order{
		ClientID:     req.ClientID,
		VenueID:      fmt.Sprintf("mock-%d", len(m.orders)+1),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Kind:         req.Kind,
		Qty:          req.Qty,
		LimitPrice:   req.LimitPrice,
		TriggerPrice: req.TriggerPrice,
		ReduceOnly:   req.ReduceOnly,
		PostOnly:     req.PostOnly,
		Status:       domain.OrderStatusLive,
		FilledQty:    money.Zero(req.Qty.Asset()),
		AvgFillPrice: money.Zero(req.Qty.Asset()),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.Kind == domain.OrderKindMarket {
		snap, ok := m.marks[req.Symbol.Name]
		if !ok {
			return domain.Order{}, &core.VenueError{Kind: core.VenueBadRequest, Message: "no mark seeded for " + req.Symbol.Name}
		}
		order.Status = domain.OrderStatusFilled
		order.FilledQty = req.Qty
		order.AvgFillPrice = snap.Last
		m.applyFillLocked(order, snap.Last)
	}

	m.orders[req.ClientID] = order
	m.broadcastLocked(core.StreamEvent{OrderUpdate: &order})
	return order, nil
}

func (m *Mock) applyFillLocked(o domain.Order, price money.Money) {
	key := o.Symbol.Name + "|" + string(positionSide(o.Side))
	pos, ok := m.positions[key]
	if !ok {
		pos = domain.Position{Symbol: o.Symbol, Side: positionSide(o.Side), Size: money.Zero(o.Qty.Asset()), AvgEntryPrice: price, Owner: o.Owner}
	}
	newSize, _ := pos.Size.Add(o.Qty)
	pos.Size = newSize
	pos.AvgEntryPrice = price
	pos.UpdatedAt = time.Now()
	m.positions[key] = pos

	m.fills = append(m.fills, domain.Fill{
		ClientID: o.ClientID, VenueID: o.VenueID, Symbol: o.Symbol, Side: o.Side,
		Qty: o.Qty, Price: price, Owner: o.Owner, Timestamp: time.Now(),
	})
}

func positionSide(orderSide domain.Side) domain.Side {
	if orderSide == domain.SideBuy {
		return domain.SideLong
	}
	return domain.SideShort
}

func (m *Mock) Amend(ctx context.Context, req core.AmendRequest) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[req.ClientID]
	if !ok {
		return domain.Order{}, &core.VenueError{Kind: core.VenueNotFound, Message: "no order " + req.ClientID}
	}
	if req.Price != nil {
		o.LimitPrice = req.Price
	}
	if req.Qty != nil {
		o.Qty = *req.Qty
	}
	if req.TriggerPrice != nil {
		o.TriggerPrice = req.TriggerPrice
	}
	o.UpdatedAt = time.Now()
	m.orders[req.ClientID] = o
	return o, nil
}

func (m *Mock) Cancel(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	if !ok {
		return &core.VenueError{Kind: core.VenueNotFound, Message: "no order " + clientID}
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	m.orders[clientID] = o
	return nil
}

func (m *Mock) CancelAll(ctx context.Context, symbol *domain.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.orders {
		if symbol != nil && o.Symbol.Name != symbol.Name {
			continue
		}
		if o.Status == domain.OrderStatusFilled || o.Status == domain.OrderStatusCancelled {
			continue
		}
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = time.Now()
		m.orders[id] = o
	}
	return nil
}

func (m *Mock) History(ctx context.Context, symbol domain.Symbol, since time.Time) ([]domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Fill
	for _, f := range m.fills {
		if f.Symbol.Name == symbol.Name && !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Mock) Subscribe(ctx context.Context) (<-chan core.StreamEvent, error) {
	ch := make(chan core.StreamEvent, 64)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *Mock) broadcastLocked(ev core.StreamEvent) {
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

var _ core.Venue = (*Mock)(nil)
