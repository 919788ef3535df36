// Package store defines the persistence interface for the perpetual engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every write is individually atomic;
// nothing here is transactional across a whole tick.
type Store interface {
	// --- Users ---

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, u *model.User) error

	// AdjustBalance applies a signed delta to a user's cash balance as an
	// atomic increment, never read-then-write.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by id.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketProbability flushes a market's current probability.
	UpdateMarketProbability(ctx context.Context, id string, probability decimal.Decimal) error

	// --- Positions ---

	// CreatePosition persists a new open position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListOpenPositions returns every open position.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// ListOpenPositionsByUser returns one user's open positions.
	ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// ClosePosition transitions an open position to closed with realized pnl.
	ClosePosition(ctx context.Context, id string, pnl decimal.Decimal) error

	// LiquidatePosition transitions a position to liquidated only if it is
	// still open, reporting whether this call won the transition. A false
	// return with nil error means another liquidation got there first.
	LiquidatePosition(ctx context.Context, id string, pnl decimal.Decimal) (bool, error)

	// --- Orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListActiveOrders returns orders with status pending, active, or
	// partial and remaining size > 0.
	ListActiveOrders(ctx context.Context) ([]model.Order, error)

	// UpdateOrderFill persists an order's fill progress: filled/remaining
	// size, status, and next-execute pacing.
	UpdateOrderFill(ctx context.Context, o *model.Order) error

	// SetOrderStatus sets an order's status (cancellation, expiry).
	SetOrderStatus(ctx context.Context, id, status string) error

	// --- Immutable receipts ---

	// CreateTrade appends an immutable trade record.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// CreateOrderExecution appends an immutable execution receipt.
	CreateOrderExecution(ctx context.Context, e *model.OrderExecution) error
}
