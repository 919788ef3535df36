package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

type captureBroadcaster struct {
	mu     sync.Mutex
	events []model.LiquidationEvent
}

func (b *captureBroadcaster) PublishLiquidation(ev model.LiquidationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *captureBroadcaster) all() []model.LiquidationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.LiquidationEvent, len(b.events))
	copy(out, b.events)
	return out
}

func newLiquidationFixture(t *testing.T, balance float64) (*LiquidationSupervisor, *store.MemoryStore, *stubFeed, *captureBroadcaster) {
	t.Helper()
	st := store.NewMemoryStore()
	feed := newStubFeed()
	hub := &captureBroadcaster{}
	ctx := context.Background()

	if err := st.CreateUser(ctx, &model.User{
		ID:          "u1",
		Address:     "0xabc",
		DisplayName: "doomed",
		Balance:     d(balance),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateMarket(ctx, &model.Market{
		ID:       "m1",
		Question: "will it rain tomorrow",
	}); err != nil {
		t.Fatal(err)
	}

	s := NewLiquidationSupervisor(st, feed, hub)
	s.now = newFakeClock().Now
	return s, st, feed, hub
}

func openPosition(t *testing.T, st *store.MemoryStore, marketID string, entry, size float64, leverage int64) string {
	t.Helper()
	id := uuid.New().String()
	if err := st.CreatePosition(context.Background(), &model.Position{
		ID:               id,
		UserID:           "u1",
		MarketID:         marketID,
		Side:             model.SideYes,
		Size:             d(size),
		Leverage:         leverage,
		EntryProbability: d(entry),
		Status:           model.PositionStatusOpen,
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSupervisor_LiquidatesUnderwaterPortfolio(t *testing.T) {
	s, st, feed, _ := newLiquidationFixture(t, 0)
	ctx := context.Background()

	// 1000 at 50x: margin 20, maintenance 10. At price 48 the pnl of -20
	// wipes the equity.
	id := openPosition(t, st, "m1", 50, 1000, 50)
	feed.set("m1", 48)

	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	p, err := st.GetPosition(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PositionStatusLiquidated {
		t.Fatalf("status = %s, want liquidated", p.Status)
	}
	if !p.PnL.Equal(d(-20)) {
		t.Errorf("pnl = %s, want -20", p.PnL)
	}

	// Margin 20 plus pnl -20 credits nothing back.
	user, _ := st.GetUser(ctx, "u1")
	if !user.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", user.Balance)
	}
}

func TestSupervisor_LossCappedAtMargin(t *testing.T) {
	s, st, feed, _ := newLiquidationFixture(t, 0)
	ctx := context.Background()

	id := openPosition(t, st, "m1", 50, 1000, 50)
	// Raw pnl at 45 is -50, far past the 20 margin.
	feed.set("m1", 45)

	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	p, _ := st.GetPosition(ctx, id)
	if !p.PnL.Equal(d(-20)) {
		t.Errorf("pnl = %s, want capped at -20", p.PnL)
	}
	user, _ := st.GetUser(ctx, "u1")
	if user.Balance.IsNegative() {
		t.Errorf("balance went negative: %s", user.Balance)
	}
}

func TestSupervisor_SkipsHealthyAndAtRiskPortfolios(t *testing.T) {
	s, st, feed, _ := newLiquidationFixture(t, 0)
	ctx := context.Background()

	id := openPosition(t, st, "m1", 50, 1000, 50)

	// Ratio 1.05: inside the warning band, above the liquidation line.
	feed.set("m1", 49.05)
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := st.GetPosition(ctx, id); p.Status != model.PositionStatusOpen {
		t.Errorf("at-risk position was liquidated (status %s)", p.Status)
	}

	// Ratio exactly 1 still holds.
	feed.set("m1", 49)
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := st.GetPosition(ctx, id); p.Status != model.PositionStatusOpen {
		t.Errorf("boundary position was liquidated (status %s)", p.Status)
	}
}

func TestSupervisor_PartialLiquidationSparesHealthyPositions(t *testing.T) {
	s, st, feed, _ := newLiquidationFixture(t, 0)
	ctx := context.Background()

	if err := st.CreateMarket(ctx, &model.Market{ID: "m2", Question: "second market"}); err != nil {
		t.Fatal(err)
	}

	// Loser: margin 20, pnl -100 raw. Winner: margin 100, pnl +30.
	// Equity 50 against maintenance 60; closing the loser alone re-covers.
	loser := openPosition(t, st, "m1", 50, 1000, 50)
	winner := openPosition(t, st, "m2", 50, 1000, 10)
	feed.set("m1", 40)
	feed.set("m2", 53)

	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	if p, _ := st.GetPosition(ctx, loser); p.Status != model.PositionStatusLiquidated {
		t.Errorf("loser status = %s, want liquidated", p.Status)
	}
	if p, _ := st.GetPosition(ctx, winner); p.Status != model.PositionStatusOpen {
		t.Errorf("winner status = %s, want still open", p.Status)
	}
}

func TestSupervisor_PublishesEvent(t *testing.T) {
	s, st, feed, hub := newLiquidationFixture(t, 0)
	ctx := context.Background()

	openPosition(t, st, "m1", 50, 1000, 50)
	feed.set("m1", 45)

	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	events := hub.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.User.Address != "0xabc" || ev.User.DisplayName != "doomed" {
		t.Errorf("event user = %+v", ev.User)
	}
	if ev.Market.ID != "m1" || ev.Market.Question != "will it rain tomorrow" {
		t.Errorf("event market = %+v", ev.Market)
	}
	if !ev.Size.Equal(d(1000)) || ev.Side != model.SideYes {
		t.Errorf("event size/side = %s/%s", ev.Size, ev.Side)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("event missing id or timestamp")
	}
}

func TestSupervisor_LiquidateLostRaceIsNoOp(t *testing.T) {
	s, st, feed, hub := newLiquidationFixture(t, 0)
	ctx := context.Background()

	id := openPosition(t, st, "m1", 50, 1000, 50)
	feed.set("m1", 45)

	user, _ := st.GetUser(ctx, "u1")
	p, _ := st.GetPosition(ctx, id)

	if err := s.liquidate(ctx, user, *p); err != nil {
		t.Fatal(err)
	}
	// Second attempt sees the row already transitioned: no error, no credit,
	// no duplicate event.
	if err := s.liquidate(ctx, user, *p); err != nil {
		t.Fatal(err)
	}

	after, _ := st.GetUser(ctx, "u1")
	if !after.Balance.IsZero() {
		t.Errorf("balance = %s, want single 0 net credit", after.Balance)
	}
	if events := hub.all(); len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}
