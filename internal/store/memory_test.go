package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, s *MemoryStore, balance float64) {
	t.Helper()
	if err := s.CreateUser(context.Background(), &model.User{
		ID:      "u1",
		Balance: d(balance),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_GetUserNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetUser(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_CopyOnRead(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, 100)

	u, err := s.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	u.Balance = d(999999)

	again, _ := s.GetUser(context.Background(), "u1")
	if !again.Balance.Equal(d(100)) {
		t.Errorf("mutating a returned copy leaked into the store: %s", again.Balance)
	}
}

func TestMemoryStore_AdjustBalanceConcurrent(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AdjustBalance(ctx, "u1", d(1)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(100)) {
		t.Errorf("balance = %s, want 100 after 100 unit credits", u.Balance)
	}
}

func TestMemoryStore_LiquidatePositionExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreatePosition(ctx, &model.Position{
		ID:     "p1",
		UserID: "u1",
		Status: model.PositionStatusOpen,
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.LiquidatePosition(ctx, "p1", d(-20))
			if err != nil {
				t.Error(err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("got %d winners, want exactly 1", winners)
	}

	p, _ := s.GetPosition(ctx, "p1")
	if p.Status != model.PositionStatusLiquidated {
		t.Errorf("status = %s, want liquidated", p.Status)
	}
	if !p.PnL.Equal(d(-20)) {
		t.Errorf("pnl = %s, want -20", p.PnL)
	}
	if p.ClosedAt == nil {
		t.Error("closed_at not set")
	}
}

func TestMemoryStore_ClosePositionRejectsNonOpen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreatePosition(ctx, &model.Position{
		ID:     "p1",
		Status: model.PositionStatusOpen,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.ClosePosition(ctx, "p1", d(5)); err != nil {
		t.Fatal(err)
	}
	if err := s.ClosePosition(ctx, "p1", d(10)); err == nil {
		t.Error("closing a closed position must fail")
	}

	p, _ := s.GetPosition(ctx, "p1")
	if !p.PnL.Equal(d(5)) {
		t.Errorf("pnl = %s, want the first close's 5", p.PnL)
	}
}

func TestMemoryStore_ListActiveOrdersFiltersTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	orders := []*model.Order{
		{ID: "o1", Status: model.OrderStatusPending, TotalSize: d(100), RemainingSize: d(100)},
		{ID: "o2", Status: model.OrderStatusPartial, TotalSize: d(100), RemainingSize: d(40)},
		{ID: "o3", Status: model.OrderStatusFilled, TotalSize: d(100), RemainingSize: d(0)},
		{ID: "o4", Status: model.OrderStatusCancelled, TotalSize: d(100), RemainingSize: d(100)},
		{ID: "o5", Status: model.OrderStatusExpired, TotalSize: d(100), RemainingSize: d(100)},
	}
	for _, o := range orders {
		if err := s.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.ListActiveOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active orders, want 2", len(active))
	}
	for _, o := range active {
		if o.ID != "o1" && o.ID != "o2" {
			t.Errorf("unexpected active order %s (%s)", o.ID, o.Status)
		}
	}
}

func TestMemoryStore_UpdateOrderFill(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	o := &model.Order{
		ID:            "o1",
		Status:        model.OrderStatusPending,
		TotalSize:     d(1000),
		RemainingSize: d(1000),
	}
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	o.FilledSize = d(400)
	o.RemainingSize = d(600)
	o.Status = model.OrderStatusPartial
	if err := s.UpdateOrderFill(ctx, o); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetOrder(ctx, "o1")
	if !got.FilledSize.Equal(d(400)) || !got.RemainingSize.Equal(d(600)) {
		t.Errorf("fill = %s/%s, want 400/600", got.FilledSize, got.RemainingSize)
	}
	if got.Status != model.OrderStatusPartial {
		t.Errorf("status = %s, want partial", got.Status)
	}
}

func TestMemoryStore_ListOpenPositionsByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seed := []*model.Position{
		{ID: "p1", UserID: "u1", Status: model.PositionStatusOpen},
		{ID: "p2", UserID: "u1", Status: model.PositionStatusClosed},
		{ID: "p3", UserID: "u2", Status: model.PositionStatusOpen},
	}
	for _, p := range seed {
		if err := s.CreatePosition(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListOpenPositionsByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("got %d positions, want just p1", len(got))
	}
}
