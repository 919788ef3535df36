package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot reads on the tick path: users and markets. Writes go to
// the primary store and invalidate the cache. Positions and orders change
// every tick and are not cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }
func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

// --- Users ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	if err := s.primary.AdjustBalance(ctx, userID, delta); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the incremented balance.
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) UpdateMarketProbability(ctx context.Context, id string, probability decimal.Decimal) error {
	if err := s.primary.UpdateMarketProbability(ctx, id, probability); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	return s.primary.CreatePosition(ctx, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx)
}

func (s *CachedStore) ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListOpenPositionsByUser(ctx, userID)
}

func (s *CachedStore) ClosePosition(ctx context.Context, id string, pnl decimal.Decimal) error {
	return s.primary.ClosePosition(ctx, id, pnl)
}

func (s *CachedStore) LiquidatePosition(ctx context.Context, id string, pnl decimal.Decimal) (bool, error) {
	return s.primary.LiquidatePosition(ctx, id, pnl)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListActiveOrders(ctx)
}

func (s *CachedStore) UpdateOrderFill(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrderFill(ctx, o)
}

func (s *CachedStore) SetOrderStatus(ctx context.Context, id, status string) error {
	return s.primary.SetOrderStatus(ctx, id, status)
}

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.CreateTrade(ctx, t)
}

func (s *CachedStore) CreateOrderExecution(ctx context.Context, e *model.OrderExecution) error {
	return s.primary.CreateOrderExecution(ctx, e)
}
