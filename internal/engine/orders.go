// Package engine drives the venue: the order execution engine, the
// liquidation supervisor, and the tick scheduler that sequences them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

// PriceFeed is the slice of the simulator the engine reads prices from.
type PriceFeed interface {
	Probability(marketID string) (decimal.Decimal, bool)
}

// defaultClipInterval paces iceberg clips (and TWAP slices with no interval
// set) when the order carries no interval of its own.
const defaultClipInterval = 30 * time.Second

// OrderEngine evaluates all pending orders against current prices, once per
// tick. Each order type has its own processor; all three share the single
// ExecuteOrder primitive.
type OrderEngine struct {
	store store.Store
	feed  PriceFeed

	// Serializes executions: order placement calls ExecuteOrder from HTTP
	// goroutines concurrently with the tick loop, and the balance check
	// must not interleave with another execution's margin debit.
	mu sync.Mutex

	now func() time.Time
}

// NewOrderEngine creates an order engine reading prices from feed.
func NewOrderEngine(st store.Store, feed PriceFeed) *OrderEngine {
	return &OrderEngine{
		store: st,
		feed:  feed,
		now:   time.Now,
	}
}

// Tick scans all active orders and runs the per-type processors in a fixed
// sequence: market retries, then limit, then iceberg, then TWAP. The
// sequence is arbitrary but deterministic so test runs are reproducible.
// Per-order failures are logged and do not stop the pass.
func (e *OrderEngine) Tick(ctx context.Context) error {
	orders, err := e.store.ListActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}

	for _, orderType := range []string{
		model.OrderTypeMarket,
		model.OrderTypeLimit,
		model.OrderTypeIceberg,
		model.OrderTypeTWAP,
	} {
		for i := range orders {
			o := &orders[i]
			if o.Type != orderType || !o.Active() {
				continue
			}
			if err := e.process(ctx, o); err != nil {
				slog.Error("order processing failed",
					"order_id", o.ID, "type", o.Type, "err", err)
			}
		}
	}
	return nil
}

func (e *OrderEngine) process(ctx context.Context, o *model.Order) error {
	expired, err := e.expireIfStale(ctx, o)
	if err != nil || expired {
		return err
	}

	price, ok := e.feed.Probability(o.MarketID)
	if !ok {
		// Market not simulated (yet); nothing to price against.
		return nil
	}

	switch o.Type {
	case model.OrderTypeMarket:
		// Retry path: market orders normally fill at placement and only
		// reach the scan when the user lookup was transiently failing.
		return e.ExecuteOrder(ctx, o, o.RemainingSize, price)
	case model.OrderTypeLimit:
		return e.processLimit(ctx, o, price)
	case model.OrderTypeIceberg:
		return e.processIceberg(ctx, o, price)
	case model.OrderTypeTWAP:
		return e.processTWAP(ctx, o, price)
	}
	return fmt.Errorf("unknown order type %q", o.Type)
}

// expireIfStale transitions the order to expired when its deadline has
// passed. Terminal: the order is not processed further this tick or ever.
func (e *OrderEngine) expireIfStale(ctx context.Context, o *model.Order) (bool, error) {
	if o.ExpiresAt == nil || e.now().Before(*o.ExpiresAt) {
		return false, nil
	}
	if err := e.store.SetOrderStatus(ctx, o.ID, model.OrderStatusExpired); err != nil {
		return false, err
	}
	o.Status = model.OrderStatusExpired
	slog.Info("order expired", "order_id", o.ID, "type", o.Type)
	return true, nil
}

// limitSatisfied is the directional execution condition: a YES order fills
// when the price has come down to the limit, a NO order when it has risen.
func limitSatisfied(side string, limitPrice, currentPrice decimal.Decimal) bool {
	if side == model.SideYes {
		return currentPrice.LessThanOrEqual(limitPrice)
	}
	return currentPrice.GreaterThanOrEqual(limitPrice)
}

// processLimit executes the entire remaining size in one shot once the
// price condition holds.
func (e *OrderEngine) processLimit(ctx context.Context, o *model.Order, price decimal.Decimal) error {
	if o.LimitPrice == nil || !limitSatisfied(o.Side, *o.LimitPrice, price) {
		return nil
	}
	return e.ExecuteOrder(ctx, o, o.RemainingSize, price)
}

// processIceberg executes one visible clip per pacing interval. With a limit
// price set the clip is gated by the same directional condition as limit
// orders; without one the order executes unconditionally (legacy permissive
// mode, kept deliberately).
func (e *OrderEngine) processIceberg(ctx context.Context, o *model.Order, price decimal.Decimal) error {
	now := e.now()
	if now.Before(o.NextExecuteAt) {
		return nil
	}
	if o.LimitPrice != nil && !limitSatisfied(o.Side, *o.LimitPrice, price) {
		return nil
	}

	size := o.RemainingSize
	if o.VisibleSize != nil && o.VisibleSize.LessThan(size) {
		size = *o.VisibleSize
	}

	interval := o.TwapInterval
	if interval <= 0 {
		interval = defaultClipInterval
	}
	o.NextExecuteAt = now.Add(interval)

	return e.ExecuteOrder(ctx, o, size, price)
}

// processTWAP executes one fixed-size slice per interval at the current
// price, with no directional gating. The slice count is fixed at
// order-creation time by duration/interval; it is not recomputed as the
// order drains.
func (e *OrderEngine) processTWAP(ctx context.Context, o *model.Order, price decimal.Decimal) error {
	now := e.now()
	if now.Before(o.NextExecuteAt) {
		return nil
	}

	interval := o.TwapInterval
	if interval <= 0 {
		interval = defaultClipInterval
	}

	slices := int64(o.TwapDuration / interval)
	if slices < 1 {
		slices = 1
	}
	size := o.TotalSize.Div(decimal.NewFromInt(slices)).Floor()
	if size.LessThan(decimal.NewFromInt(1)) {
		size = decimal.NewFromInt(1)
	}
	if size.GreaterThan(o.RemainingSize) {
		size = o.RemainingSize
	}

	o.NextExecuteAt = now.Add(interval)

	return e.ExecuteOrder(ctx, o, size, price)
}

// ExecuteOrder is the single execution primitive used by every processor
// and by market-order placement. It verifies the user, charges margin,
// opens a position, records the trade and the execution receipt, and
// advances the order's fill state.
//
// A missing user is presumed transient: the execution is skipped and the
// order left for the next tick. Insufficient balance cancels the order
// outright — the cost of an execution is never split.
func (e *OrderEngine) ExecuteOrder(ctx context.Context, o *model.Order, size, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	user, err := e.store.GetUser(ctx, o.UserID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("order user missing, leaving order for next tick",
			"order_id", o.ID, "user_id", o.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get user %s: %w", o.UserID, err)
	}

	margin := risk.RequiredMargin(size, o.Leverage)
	if user.Balance.LessThan(margin) {
		if err := e.store.SetOrderStatus(ctx, o.ID, model.OrderStatusCancelled); err != nil {
			return fmt.Errorf("cancel order %s: %w", o.ID, err)
		}
		o.Status = model.OrderStatusCancelled
		metrics.OrdersCancelledTotal.Inc()
		slog.Info("order cancelled, insufficient margin",
			"order_id", o.ID, "user_id", o.UserID,
			"required", margin.String(), "balance", user.Balance.String())
		return nil
	}

	now := e.now()
	position := &model.Position{
		ID:                     uuid.New().String(),
		UserID:                 o.UserID,
		MarketID:               o.MarketID,
		Side:                   o.Side,
		Size:                   size,
		Leverage:               o.Leverage,
		EntryProbability:       price,
		LiquidationProbability: risk.LiquidationPrice(o.Side, price, size, o.Leverage),
		Status:                 model.PositionStatusOpen,
		PnL:                    decimal.Zero,
		CreatedAt:              now,
	}
	if err := e.store.CreatePosition(ctx, position); err != nil {
		return fmt.Errorf("create position: %w", err)
	}

	if err := e.store.CreateTrade(ctx, &model.Trade{
		ID:        uuid.New().String(),
		UserID:    o.UserID,
		MarketID:  o.MarketID,
		Side:      o.Side,
		Size:      size,
		Price:     price,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("create trade: %w", err)
	}

	if err := e.store.CreateOrderExecution(ctx, &model.OrderExecution{
		ID:        uuid.New().String(),
		OrderID:   o.ID,
		Size:      size,
		Price:     price,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("create execution receipt: %w", err)
	}

	if err := e.store.AdjustBalance(ctx, o.UserID, margin.Neg()); err != nil {
		return fmt.Errorf("debit margin: %w", err)
	}

	o.FilledSize = o.FilledSize.Add(size)
	o.RemainingSize = o.RemainingSize.Sub(size)
	if o.RemainingSize.IsPositive() {
		o.Status = model.OrderStatusPartial
	} else {
		o.Status = model.OrderStatusFilled
	}
	if err := e.store.UpdateOrderFill(ctx, o); err != nil {
		return fmt.Errorf("update order fill: %w", err)
	}

	metrics.OrderExecutionsTotal.WithLabelValues(o.Type).Inc()
	slog.Info("order executed",
		"order_id", o.ID,
		"type", o.Type,
		"user_id", o.UserID,
		"market_id", o.MarketID,
		"side", o.Side,
		"size", size.String(),
		"price", price.String(),
		"margin", margin.String(),
		"status", o.Status,
	)
	return nil
}
