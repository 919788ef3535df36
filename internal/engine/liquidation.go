package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

// Broadcaster receives liquidation events for immediate push to clients.
type Broadcaster interface {
	PublishLiquidation(ev model.LiquidationEvent)
}

// LiquidationSupervisor checks every user's margin health each tick and
// force-closes positions when a portfolio is underwater.
type LiquidationSupervisor struct {
	store store.Store
	feed  PriceFeed
	hub   Broadcaster // nil disables event publishing
	now   func() time.Time
}

// NewLiquidationSupervisor creates a supervisor. Pass nil for hub if no
// broadcast sink is wired.
func NewLiquidationSupervisor(st store.Store, feed PriceFeed, hub Broadcaster) *LiquidationSupervisor {
	return &LiquidationSupervisor{
		store: st,
		feed:  feed,
		hub:   hub,
		now:   time.Now,
	}
}

// Tick groups open positions by user, computes cross-margin metrics at
// current prices, and liquidates the selected candidates of any user whose
// margin ratio is below 1. Per-user failures are logged and do not stop
// the pass.
func (s *LiquidationSupervisor) Tick(ctx context.Context) error {
	positions, err := s.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	byUser := make(map[string][]model.Position)
	for _, p := range positions {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	one := decimal.NewFromInt(1)
	for userID, userPositions := range byUser {
		user, err := s.store.GetUser(ctx, userID)
		if err != nil {
			slog.Warn("margin check skipped, user lookup failed",
				"user_id", userID, "err", err)
			continue
		}

		m := risk.Metrics(user.Balance, userPositions, s.feed.Probability)
		if m.MarginRatio.GreaterThanOrEqual(one) {
			continue
		}

		candidates := risk.Candidates(userPositions, m.Equity, m.MaintenanceMargin, s.feed.Probability)
		slog.Info("portfolio underwater, liquidating",
			"user_id", userID,
			"equity", m.Equity.String(),
			"maintenance_margin", m.MaintenanceMargin.String(),
			"margin_ratio", m.MarginRatio.String(),
			"candidates", len(candidates),
		)

		for _, p := range candidates {
			if err := s.liquidate(ctx, user, p); err != nil {
				slog.Error("liquidation failed",
					"position_id", p.ID, "user_id", userID, "err", err)
			}
		}
	}
	return nil
}

// liquidate force-closes one position. Realized losses are capped at the
// position's own margin — the insurance-fund concept absorbs any gap — and
// margin plus pnl is credited back to the user. A lost race against another
// liquidation attempt is success-no-op, not an error.
func (s *LiquidationSupervisor) liquidate(ctx context.Context, user *model.User, p model.Position) error {
	price, ok := s.feed.Probability(p.MarketID)
	if !ok {
		price = p.EntryProbability
	}

	margin := risk.PositionMargin(p)
	pnl := risk.PositionPnL(p, price).Round(2)
	if pnl.LessThan(margin.Neg()) {
		pnl = margin.Neg()
	}

	won, err := s.store.LiquidatePosition(ctx, p.ID, pnl)
	if err != nil {
		return fmt.Errorf("liquidate position %s: %w", p.ID, err)
	}
	if !won {
		// Another attempt already transitioned the row.
		return nil
	}

	if err := s.store.AdjustBalance(ctx, user.ID, margin.Add(pnl)); err != nil {
		return fmt.Errorf("credit liquidation proceeds: %w", err)
	}

	metrics.LiquidationsTotal.Inc()
	slog.Info("position liquidated",
		"position_id", p.ID,
		"user_id", user.ID,
		"market_id", p.MarketID,
		"side", p.Side,
		"size", p.Size.String(),
		"pnl", pnl.String(),
		"price", price.String(),
	)

	if s.hub == nil {
		return nil
	}

	question := ""
	if market, err := s.store.GetMarket(ctx, p.MarketID); err == nil {
		question = market.Question
	}
	s.hub.PublishLiquidation(model.LiquidationEvent{
		ID:        uuid.New().String(),
		Timestamp: s.now().UTC(),
		User: model.LiquidationUser{
			Address:     user.Address,
			DisplayName: user.DisplayName,
		},
		Market: model.LiquidationMarket{
			ID:       p.MarketID,
			Question: question,
		},
		Size: p.Size,
		Side: p.Side,
	})
	return nil
}
