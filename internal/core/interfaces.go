// Package core defines the ports the rest of the engine programs against:
// Venue (the exchange), StateStore (durable persistence), Strategy (the
// four hosted engines), and the cross-cutting Logger contract. Nothing in
// this package depends on a concrete exchange client, database driver, or
// logging library — those live behind adapters in internal/venue,
// internal/statestore, pkg/logging.
package core

import (
	"context"
	"time"

	"tradeengine/internal/domain"
	"tradeengine/internal/money"
)

// ILogger is the structured logging contract every component depends on.
// Implementations: pkg/logging (zap-backed) and internal/logging (plain,
// dependency-free, used in unit tests).
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// VenueErrorKind classifies a Venue-call failure per spec.md §4.4.
type VenueErrorKind string

const (
	VenueRetryable         VenueErrorKind = "Retryable"
	VenueFatalAuth         VenueErrorKind = "FatalAuth"
	VenueBadRequest        VenueErrorKind = "BadRequest"
	VenueInsufficientFunds VenueErrorKind = "InsufficientFunds"
	VenueRateLimited       VenueErrorKind = "RateLimited"
	VenueNotFound          VenueErrorKind = "NotFound"
)

// VenueError is the typed error every Venue method must return on failure.
type VenueError struct {
	Kind       VenueErrorKind
	Message    string
	RetryAfter time.Duration
}

func (e *VenueError) Error() string { return string(e.Kind) + ": " + e.Message }

// OrderRequest is what the runtime hands the Venue to place an order. The
// ClientID is generated by the caller at proposal time (spec.md §9), never
// by the Venue, so it must already be populated here.
type OrderRequest struct {
	ClientID     string
	Symbol       domain.Symbol
	Side         domain.Side
	Kind         domain.OrderKind
	Qty          money.Money
	LimitPrice   *money.Money
	TriggerPrice *money.Money
	ReduceOnly   bool
	PostOnly     bool
}

// AmendRequest carries an optional price/qty/trigger change for an order.
type AmendRequest struct {
	ClientID     string
	Price        *money.Money
	Qty          *money.Money
	TriggerPrice *money.Money
}

// Balance is one asset's account balance.
type Balance struct {
	Asset      string
	Total      money.Money
	Available  money.Money
	UsedMargin money.Money
}

// StreamEvent is the tagged union the Venue's subscription stream emits.
type StreamEvent struct {
	OrderUpdate    *domain.Order
	PositionUpdate *domain.Position
	BalanceUpdate  *Balance
	Disconnected   bool
}

// Venue is the abstraction of the exchange: market data, order
// placement/cancel/amend, balance and position queries. Implementors MUST
// be idempotent on Place by ClientID and MUST report partial fills
// monotonically (spec.md §4.4).
type Venue interface {
	MarketSnapshot(ctx context.Context, symbol domain.Symbol) (domain.MarketSnapshot, error)
	Funding(ctx context.Context, symbol domain.Symbol) (domain.FundingSnapshot, error)
	Balances(ctx context.Context) ([]Balance, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	OpenOrders(ctx context.Context, symbol *domain.Symbol) ([]domain.Order, error)
	Place(ctx context.Context, req OrderRequest) (domain.Order, error)
	Amend(ctx context.Context, req AmendRequest) (domain.Order, error)
	Cancel(ctx context.Context, clientID string) error
	CancelAll(ctx context.Context, symbol *domain.Symbol) error
	History(ctx context.Context, symbol domain.Symbol, since time.Time) ([]domain.Fill, error)
	Subscribe(ctx context.Context) (<-chan StreamEvent, error)
}

// StateStore is the durable record of positions, orders, fills, the
// portfolio snapshot, circuit state, and per-strategy metadata. All
// operations are idempotent by key (spec.md §4.5).
type StateStore interface {
	UpsertPosition(ctx context.Context, p domain.Position) error
	DeletePosition(ctx context.Context, symbol domain.Symbol, owner string, side domain.Side) error
	LoadAllPositions(ctx context.Context) ([]domain.Position, error)

	RecordOrder(ctx context.Context, o domain.Order) error
	UpdateOrderStatus(ctx context.Context, clientID string, status domain.OrderStatus, filledQty, avgFillPrice money.Money) error
	LoadOpenOrders(ctx context.Context) ([]domain.Order, error)

	RecordFill(ctx context.Context, f domain.Fill) error

	SetPortfolioSnapshot(ctx context.Context, p domain.Portfolio) error
	GetPortfolioSnapshot(ctx context.Context) (domain.Portfolio, error)

	SetCircuitState(ctx context.Context, s domain.CircuitState) error
	GetCircuitState(ctx context.Context) (domain.CircuitState, error)

	SetStrategyMeta(ctx context.Context, m domain.StrategyMeta) error
	GetStrategyMeta(ctx context.Context, owner, symbol, intent string) (domain.StrategyMeta, bool, error)

	// RecordTick atomically applies everything one strategy tick produced
	// (order writes, fill writes, position deltas) as a single transaction,
	// per spec.md §4.5's "atomic unit" requirement.
	RecordTick(ctx context.Context, fn func(tx StateStoreTx) error) error

	Close() error
}

// StateStoreTx is the transactional view RecordTick hands its callback.
// It exposes the same write surface as StateStore so a tick's writes are
// all-or-nothing.
type StateStoreTx interface {
	UpsertPosition(p domain.Position) error
	DeletePosition(symbol domain.Symbol, owner string, side domain.Side) error
	RecordOrder(o domain.Order) error
	UpdateOrderStatus(clientID string, status domain.OrderStatus, filledQty, avgFillPrice money.Money) error
	RecordFill(f domain.Fill) error
	SetStrategyMeta(m domain.StrategyMeta) error
}

// Cadence is how a Strategy declares when it wants to be ticked.
type Cadence struct {
	Interval       time.Duration // zero means event-triggered only
	EventTriggered bool
}

// Ctx is the read-only view a Strategy's OnTick receives. It deliberately
// does not expose the Venue: only the Arbiter may submit.
type Ctx struct {
	Now       time.Time
	Portfolio domain.Portfolio
	Snapshot  func(symbol domain.Symbol) (domain.MarketSnapshot, bool)
	Funding   func(symbol domain.Symbol) (domain.FundingSnapshot, bool)
	Meta      func(symbol, intent string) (domain.StrategyMeta, bool)
	Positions func() []domain.Position
}

// Strategy is the uniform contract the Engine Runtime hosts the four
// strategies behind (spec.md §4.6).
type Strategy interface {
	Name() string
	Cadence() Cadence
	AllocationWeight() money.Money
	OnTick(ctx Ctx) ([]domain.ProposedAction, error)
	OnFill(ctx Ctx, fill domain.Fill)
	MinReactionInterval(symbol string) time.Duration
}

// CircuitBreaker owns the four-level circuit-breaker state machine.
type CircuitBreaker interface {
	Evaluate(ctx context.Context, drawdown money.Money, dailyLossPct money.Money) error
	State() domain.CircuitState
	AcknowledgeRecovery(ctx context.Context, level domain.CircuitLevel) error
	TripEmergency(ctx context.Context, reason string) error
	ClearKillFlag(ctx context.Context) error
}

// Reconciler aligns StateStore with the Venue's truth at startup and
// periodically thereafter.
type Reconciler interface {
	Reconcile(ctx context.Context) (ReconcileReport, error)
}

// ReconcileReport summarizes one reconciliation pass for observability.
type ReconcileReport struct {
	ImportedPositions int
	DeletedPositions  int
	AdoptedOrders     int
	DustSkipped       int
	Halted            bool
	HaltReason        string
}
