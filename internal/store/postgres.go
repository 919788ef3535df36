package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFoundOr(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, address, display_name, balance::TEXT, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Address, &u.DisplayName, &balance, &u.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "user", id)
	}

	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, address, display_name, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		u.ID, u.Address, u.DisplayName, u.Balance.String(), u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		userID, delta.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, category, probability, is_exotic, has_jumped, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		m.ID, m.Question, m.Category, m.Probability.String(), m.IsExotic, m.HasJumped, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	var probability string

	err := s.pool.QueryRow(ctx,
		`SELECT id, question, category, probability::TEXT, is_exotic, has_jumped, created_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Question, &m.Category, &probability, &m.IsExotic, &m.HasJumped, &m.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "market", id)
	}

	m.Probability, _ = decimal.NewFromString(probability)
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, category, probability::TEXT, is_exotic, has_jumped, created_at
		 FROM markets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var probability string
		if err := rows.Scan(&m.ID, &m.Question, &m.Category, &probability,
			&m.IsExotic, &m.HasJumped, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Probability, _ = decimal.NewFromString(probability)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketProbability(ctx context.Context, id string, probability decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET probability = $2::NUMERIC WHERE id = $1`,
		id, probability.String(),
	)
	return err
}

// --- Positions ---

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions
		 (id, user_id, market_id, side, size, leverage, entry_probability,
		  liquidation_probability, status, pnl, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11)`,
		p.ID, p.UserID, p.MarketID, p.Side, p.Size.String(), p.Leverage,
		p.EntryProbability.String(), p.LiquidationProbability.String(),
		p.Status, p.PnL.String(), p.CreatedAt,
	)
	return err
}

const positionColumns = `id, user_id, market_id, side, size::TEXT, leverage,
	entry_probability::TEXT, liquidation_probability::TEXT, status, pnl::TEXT,
	created_at, closed_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var size, entry, liq, pnl string

	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.Side, &size, &p.Leverage,
		&entry, &liq, &p.Status, &pnl, &p.CreatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}

	p.Size, _ = decimal.NewFromString(size)
	p.EntryProbability, _ = decimal.NewFromString(entry)
	p.LiquidationProbability, _ = decimal.NewFromString(liq)
	p.PnL, _ = decimal.NewFromString(pnl)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "position", id)
	}
	return p, nil
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY created_at`)
}

func (s *PostgresStore) ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = 'open' AND user_id = $1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) ClosePosition(ctx context.Context, id string, pnl decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'closed', pnl = $2::NUMERIC, closed_at = $3
		 WHERE id = $1 AND status = 'open'`,
		id, pnl.String(), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s is not open", id)
	}
	return nil
}

// LiquidatePosition uses a conditional UPDATE so that concurrent liquidation
// attempts resolve in the database: only the statement that still sees
// status = 'open' transitions the row.
func (s *PostgresStore) LiquidatePosition(ctx context.Context, id string, pnl decimal.Decimal) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'liquidated', pnl = $2::NUMERIC, closed_at = $3
		 WHERE id = $1 AND status = 'open'`,
		id, pnl.String(), time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	var limitPrice, visibleSize *string
	if o.LimitPrice != nil {
		v := o.LimitPrice.String()
		limitPrice = &v
	}
	if o.VisibleSize != nil {
		v := o.VisibleSize.String()
		visibleSize = &v
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders
		 (id, user_id, market_id, side, type, leverage, total_size, remaining_size,
		  filled_size, limit_price, visible_size, twap_duration_ms, twap_interval_ms,
		  twap_next_execute_at, expires_at, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.UserID, o.MarketID, o.Side, o.Type, o.Leverage,
		o.TotalSize.String(), o.RemainingSize.String(), o.FilledSize.String(),
		limitPrice, visibleSize,
		o.TwapDuration.Milliseconds(), o.TwapInterval.Milliseconds(),
		o.NextExecuteAt, o.ExpiresAt, o.Status, o.CreatedAt,
	)
	return err
}

const orderColumns = `id, user_id, market_id, side, type, leverage,
	total_size::TEXT, remaining_size::TEXT, filled_size::TEXT,
	limit_price::TEXT, visible_size::TEXT, twap_duration_ms, twap_interval_ms,
	twap_next_execute_at, expires_at, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var total, remaining, filled string
	var limitPrice, visibleSize *string
	var durationMs, intervalMs int64

	if err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Side, &o.Type, &o.Leverage,
		&total, &remaining, &filled, &limitPrice, &visibleSize,
		&durationMs, &intervalMs, &o.NextExecuteAt, &o.ExpiresAt,
		&o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}

	o.TotalSize, _ = decimal.NewFromString(total)
	o.RemainingSize, _ = decimal.NewFromString(remaining)
	o.FilledSize, _ = decimal.NewFromString(filled)
	if limitPrice != nil {
		v, _ := decimal.NewFromString(*limitPrice)
		o.LimitPrice = &v
	}
	if visibleSize != nil {
		v, _ := decimal.NewFromString(*visibleSize)
		o.VisibleSize = &v
	}
	o.TwapDuration = time.Duration(durationMs) * time.Millisecond
	o.TwapInterval = time.Duration(intervalMs) * time.Millisecond
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "order", id)
	}
	return o, nil
}

func (s *PostgresStore) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('pending', 'active', 'partial') AND remaining_size > 0
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateOrderFill(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET filled_size = $2::NUMERIC, remaining_size = $3::NUMERIC,
		     status = $4, twap_next_execute_at = $5
		 WHERE id = $1`,
		o.ID, o.FilledSize.String(), o.RemainingSize.String(), o.Status, o.NextExecuteAt,
	)
	return err
}

func (s *PostgresStore) SetOrderStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`, id, status)
	return err
}

// --- Immutable receipts ---

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, side, size, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		t.ID, t.UserID, t.MarketID, t.Side, t.Size.String(), t.Price.String(), t.Timestamp,
	)
	return err
}

func (s *PostgresStore) CreateOrderExecution(ctx context.Context, e *model.OrderExecution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_executions (id, order_id, size, price, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		e.ID, e.OrderID, e.Size.String(), e.Price.String(), e.Timestamp,
	)
	return err
}
