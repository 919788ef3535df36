// Package trade provides the HTTP handlers for placing and cancelling
// orders, closing positions, and querying markets, portfolios, and combos.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/sim"
	"github.com/atmx/perp-engine/internal/store"
)

// Service handles the trading API. Order execution goes through the same
// engine primitive the tick loop uses.
type Service struct {
	store  store.Store
	sim    *sim.Simulator
	combos *sim.ComboPricer
	orders *engine.OrderEngine
}

// NewService creates a new trade service.
func NewService(st store.Store, s *sim.Simulator, combos *sim.ComboPricer, orders *engine.OrderEngine) *Service {
	return &Service{
		store:  st,
		sim:    s,
		combos: combos,
		orders: orders,
	}
}

// --- Request types ---

// CreateUserRequest is the JSON body for user creation.
type CreateUserRequest struct {
	Address     string          `json:"address"`
	DisplayName string          `json:"display_name"`
	Balance     decimal.Decimal `json:"balance"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question    string          `json:"question"`
	Category    string          `json:"category"`
	Probability decimal.Decimal `json:"probability"`
	IsExotic    bool            `json:"is_exotic"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID       string           `json:"user_id"`
	MarketID     string           `json:"market_id"`
	Side         string           `json:"side"`
	Type         string           `json:"type"`
	Leverage     int64            `json:"leverage"`
	TotalSize    decimal.Decimal  `json:"total_size"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	VisibleSize  *decimal.Decimal `json:"visible_size,omitempty"`
	TwapDuration int64            `json:"twap_duration_ms,omitempty"`
	TwapInterval int64            `json:"twap_interval_ms,omitempty"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
}

// RegisterComboRequest is the JSON body for POST /combos.
type RegisterComboRequest struct {
	ID   string           `json:"id"`
	Legs []model.ComboLeg `json:"legs"`
}

// PortfolioResponse is the JSON body for GET /portfolio/{userID}.
type PortfolioResponse struct {
	UserID    string                   `json:"user_id"`
	Metrics   model.CrossMarginMetrics `json:"metrics"`
	Positions []model.Position         `json:"positions"`
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}

	user := &model.User{
		ID:          uuid.New().String(),
		Address:     req.Address,
		DisplayName: req.DisplayName,
		Balance:     req.Balance,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}
	if req.Probability.IsNegative() || req.Probability.GreaterThan(decimal.NewFromInt(100)) {
		writeError(w, "probability must be in [0, 100]", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		Question:    req.Question,
		Category:    req.Category,
		Probability: req.Probability,
		IsExotic:    req.IsExotic,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	s.sim.AddMarket(*market)
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"id", market.ID,
		"question", market.Question,
		"probability", market.Probability.String(),
		"is_exotic", market.IsExotic,
	)

	writeJSON(w, http.StatusCreated, market)
}

// ListMarkets handles GET /api/v1/markets
// Returns the live state of every simulated market.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.AllStates())
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	state, ok := s.sim.CurrentState(marketID)
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders
// Market orders execute immediately at the current probability; all other
// types are picked up by the order engine on the next tick.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideYes && req.Side != model.SideNo {
		writeError(w, "side must be YES or NO", http.StatusBadRequest)
		return
	}
	if !req.TotalSize.IsPositive() {
		writeError(w, "total_size must be positive", http.StatusBadRequest)
		return
	}
	if req.Leverage < 1 {
		req.Leverage = 1
	}

	switch req.Type {
	case model.OrderTypeMarket:
	case model.OrderTypeLimit:
		if req.LimitPrice == nil {
			writeError(w, "limit orders require limit_price", http.StatusBadRequest)
			return
		}
	case model.OrderTypeIceberg:
		if req.VisibleSize != nil && !req.VisibleSize.IsPositive() {
			writeError(w, "visible_size must be positive", http.StatusBadRequest)
			return
		}
	case model.OrderTypeTWAP:
		if req.TwapDuration <= 0 {
			writeError(w, "twap orders require twap_duration_ms", http.StatusBadRequest)
			return
		}
	default:
		writeError(w, "type must be market, limit, iceberg, or twap", http.StatusBadRequest)
		return
	}

	price, ok := s.sim.Probability(req.MarketID)
	if !ok {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}

	order := &model.Order{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		MarketID:      req.MarketID,
		Side:          req.Side,
		Type:          req.Type,
		Leverage:      req.Leverage,
		TotalSize:     req.TotalSize,
		RemainingSize: req.TotalSize,
		FilledSize:    decimal.Zero,
		LimitPrice:    req.LimitPrice,
		VisibleSize:   req.VisibleSize,
		TwapDuration:  time.Duration(req.TwapDuration) * time.Millisecond,
		TwapInterval:  time.Duration(req.TwapInterval) * time.Millisecond,
		ExpiresAt:     req.ExpiresAt,
		Status:        model.OrderStatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.store.CreateOrder(ctx, order); err != nil {
		writeError(w, "failed to create order", http.StatusInternalServerError)
		return
	}

	if order.Type == model.OrderTypeMarket {
		if err := s.orders.ExecuteOrder(ctx, order, order.RemainingSize, price); err != nil {
			writeError(w, "order execution failed", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("order placed",
		"order_id", order.ID,
		"user_id", order.UserID,
		"market_id", order.MarketID,
		"type", order.Type,
		"side", order.Side,
		"size", order.TotalSize.String(),
		"leverage", order.Leverage,
		"status", order.Status,
	)

	writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ctx := r.Context()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	switch order.Status {
	case model.OrderStatusFilled, model.OrderStatusCancelled, model.OrderStatusExpired:
		writeError(w, "order is already terminal", http.StatusConflict)
		return
	}

	if err := s.store.SetOrderStatus(ctx, orderID, model.OrderStatusCancelled); err != nil {
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}
	order.Status = model.OrderStatusCancelled

	slog.Info("order cancelled by user", "order_id", orderID)
	writeJSON(w, http.StatusOK, order)
}

// --- Positions ---

// ClosePosition handles POST /api/v1/positions/{positionID}/close
// Realized losses are capped at the position's margin, same as liquidation.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	ctx := r.Context()

	position, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if position.Status != model.PositionStatusOpen {
		writeError(w, "position is not open", http.StatusConflict)
		return
	}

	price, ok := s.sim.Probability(position.MarketID)
	if !ok {
		price = position.EntryProbability
	}

	margin := risk.PositionMargin(*position)
	pnl := risk.PositionPnL(*position, price).Round(2)
	if pnl.LessThan(margin.Neg()) {
		pnl = margin.Neg()
	}

	if err := s.store.ClosePosition(ctx, positionID, pnl); err != nil {
		writeError(w, "failed to close position", http.StatusConflict)
		return
	}
	if err := s.store.AdjustBalance(ctx, position.UserID, margin.Add(pnl)); err != nil {
		writeError(w, "failed to credit proceeds", http.StatusInternalServerError)
		return
	}

	slog.Info("position closed",
		"position_id", positionID,
		"user_id", position.UserID,
		"pnl", pnl.String(),
		"price", price.String(),
	)

	position.Status = model.PositionStatusClosed
	position.PnL = pnl
	writeJSON(w, http.StatusOK, position)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns cross-margin metrics and open positions at current prices.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load user", http.StatusInternalServerError)
		return
	}

	positions, err := s.store.ListOpenPositionsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	writeJSON(w, http.StatusOK, PortfolioResponse{
		UserID:    userID,
		Metrics:   risk.Metrics(user.Balance, positions, s.sim.Probability),
		Positions: positions,
	})
}

// --- Combos ---

// RegisterCombo handles POST /api/v1/combos
func (s *Service) RegisterCombo(w http.ResponseWriter, r *http.Request) {
	var req RegisterComboRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || len(req.Legs) == 0 {
		writeError(w, "id and legs are required", http.StatusBadRequest)
		return
	}
	for _, leg := range req.Legs {
		if leg.Side != model.SideYes && leg.Side != model.SideNo {
			writeError(w, "leg side must be YES or NO", http.StatusBadRequest)
			return
		}
		if _, ok := s.sim.Probability(leg.MarketID); !ok {
			writeError(w, "unknown leg market: "+leg.MarketID, http.StatusBadRequest)
			return
		}
	}

	s.combos.Register(model.Combo{ID: req.ID, Legs: req.Legs})
	quote, _ := s.combos.Get(req.ID)
	writeJSON(w, http.StatusCreated, quote)
}

// GetCombo handles GET /api/v1/combos/{comboID}
func (s *Service) GetCombo(w http.ResponseWriter, r *http.Request) {
	quote, ok := s.combos.Get(chi.URLParam(r, "comboID"))
	if !ok {
		writeError(w, "combo not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// UnregisterCombo handles DELETE /api/v1/combos/{comboID}
func (s *Service) UnregisterCombo(w http.ResponseWriter, r *http.Request) {
	s.combos.Unregister(chi.URLParam(r, "comboID"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
