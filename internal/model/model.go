// Package model defines the core domain types shared across the perpetual
// engine. All monetary values and probabilities use shopspring/decimal —
// never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideYes = "YES"
	SideNo  = "NO"
)

// Order types.
const (
	OrderTypeMarket  = "market"
	OrderTypeLimit   = "limit"
	OrderTypeIceberg = "iceberg"
	OrderTypeTWAP    = "twap"
)

// Order statuses. Filled, cancelled, and expired are terminal.
const (
	OrderStatusPending   = "pending"
	OrderStatusActive    = "active"
	OrderStatusPartial   = "partial"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"
)

// Position statuses. Closed and liquidated are terminal.
const (
	PositionStatusOpen       = "open"
	PositionStatusClosed     = "closed"
	PositionStatusLiquidated = "liquidated"
)

// User holds the cash balance that margin is debited from and credited to.
type User struct {
	ID          string          `json:"id" db:"id"`
	Address     string          `json:"address" db:"address"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Market is a binary-outcome market priced 0–100 ("will event X happen").
// Probability is the YES price. IsExotic selects the long-shot walk regime;
// HasJumped records the irreversible exotic jump to the high band.
type Market struct {
	ID          string          `json:"id" db:"id"`
	Question    string          `json:"question" db:"question"`
	Category    string          `json:"category" db:"category"`
	Probability decimal.Decimal `json:"probability" db:"probability"`
	IsExotic    bool            `json:"is_exotic" db:"is_exotic"`
	HasJumped   bool            `json:"has_jumped" db:"has_jumped"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// OrderBookLevel is one synthetic depth level. Ephemeral: regenerated every
// tick from the current probability, never persisted.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is the synthetic depth for one market.
type OrderBook struct {
	Bids []OrderBookLevel `json:"bids"`
	Asks []OrderBookLevel `json:"asks"`
}

// MarketState is the live view of one market: probability plus depth.
type MarketState struct {
	MarketID           string          `json:"marketId"`
	CurrentProbability decimal.Decimal `json:"currentProbability"`
	OrderBook          OrderBook       `json:"orderBook"`
}

// Order is an advanced order pending execution by the order engine.
// Invariant: FilledSize + RemainingSize == TotalSize at all times, and
// RemainingSize only decreases.
//
// NextExecuteAt is the next eligible execution instant. TWAP orders use it
// for slice pacing; iceberg orders reuse it for clip pacing.
type Order struct {
	ID            string           `json:"id" db:"id"`
	UserID        string           `json:"user_id" db:"user_id"`
	MarketID      string           `json:"market_id" db:"market_id"`
	Side          string           `json:"side" db:"side"`
	Type          string           `json:"type" db:"type"`
	Leverage      int64            `json:"leverage" db:"leverage"`
	TotalSize     decimal.Decimal  `json:"total_size" db:"total_size"`
	RemainingSize decimal.Decimal  `json:"remaining_size" db:"remaining_size"`
	FilledSize    decimal.Decimal  `json:"filled_size" db:"filled_size"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	VisibleSize   *decimal.Decimal `json:"visible_size,omitempty" db:"visible_size"`
	TwapDuration  time.Duration    `json:"twap_duration_ms,omitempty" db:"twap_duration_ms"`
	TwapInterval  time.Duration    `json:"twap_interval_ms,omitempty" db:"twap_interval_ms"`
	NextExecuteAt time.Time        `json:"twap_next_execute_at" db:"twap_next_execute_at"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	Status        string           `json:"status" db:"status"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// Active reports whether the order engine should still evaluate this order.
func (o *Order) Active() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusActive, OrderStatusPartial:
		return o.RemainingSize.IsPositive()
	}
	return false
}

// Position is a leveraged holding in one market. Size is notional
// (already leverage-scaled). LiquidationProbability is informational only —
// real liquidation is decided at portfolio level by the risk engine.
// PnL is set only at close or liquidation.
type Position struct {
	ID                     string          `json:"id" db:"id"`
	UserID                 string          `json:"user_id" db:"user_id"`
	MarketID               string          `json:"market_id" db:"market_id"`
	Side                   string          `json:"side" db:"side"`
	Size                   decimal.Decimal `json:"size" db:"size"`
	Leverage               int64           `json:"leverage" db:"leverage"`
	EntryProbability       decimal.Decimal `json:"entry_probability" db:"entry_probability"`
	LiquidationProbability decimal.Decimal `json:"liquidation_probability" db:"liquidation_probability"`
	Status                 string          `json:"status" db:"status"`
	PnL                    decimal.Decimal `json:"pnl" db:"pnl"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	ClosedAt               *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Trade is an immutable record of one execution. Never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      string          `json:"side" db:"side"`
	Size      decimal.Decimal `json:"size" db:"size"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// OrderExecution is an immutable receipt linking a fill back to its order.
type OrderExecution struct {
	ID        string          `json:"id" db:"id"`
	OrderID   string          `json:"order_id" db:"order_id"`
	Size      decimal.Decimal `json:"size" db:"size"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// ComboLeg is one (market, side) leg of a combo.
type ComboLeg struct {
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
}

// Combo is a synthetic multi-leg market whose probability is the product of
// its legs' effective probabilities. State is derived, recomputed every tick.
type Combo struct {
	ID   string     `json:"id"`
	Legs []ComboLeg `json:"legs"`
}

// ComboQuote is the live derived pricing of a combo.
type ComboQuote struct {
	ComboID     string          `json:"combo_id"`
	Probability decimal.Decimal `json:"probability"` // 0–100 scale
	Multiplier  decimal.Decimal `json:"multiplier"`  // 1/impliedProbability, capped
}

// CrossMarginMetrics is the derived margin health of one user's portfolio.
// Never stored; recomputed from cash + open positions + current prices.
type CrossMarginMetrics struct {
	CashBalance       decimal.Decimal `json:"cash_balance"`
	UsedMargin        decimal.Decimal `json:"used_margin"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	Equity            decimal.Decimal `json:"equity"`
	FreeMargin        decimal.Decimal `json:"free_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	MarginRatio       decimal.Decimal `json:"margin_ratio"`
	IsAtRisk          bool            `json:"is_at_risk"`
}

// LiquidationUser is the user payload carried on liquidation events.
type LiquidationUser struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
}

// LiquidationMarket is the market payload carried on liquidation events.
type LiquidationMarket struct {
	ID       string `json:"id"`
	Question string `json:"question"`
}

// LiquidationEvent is broadcast immediately when a position is force-closed.
type LiquidationEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	User      LiquidationUser   `json:"user"`
	Market    LiquidationMarket `json:"market"`
	Size      decimal.Decimal   `json:"size"`
	Side      string            `json:"side"`
}
