package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

type stubSource struct {
	states []model.MarketState
}

func (s *stubSource) AllStates() []model.MarketState {
	return s.states
}

func testEvent(i int) model.LiquidationEvent {
	return model.LiquidationEvent{
		ID:        fmt.Sprintf("ev-%d", i),
		Timestamp: time.Now().UTC(),
		User:      model.LiquidationUser{Address: "0xabc"},
		Market:    model.LiquidationMarket{ID: "m1", Question: "test"},
		Size:      decimal.NewFromInt(1000),
		Side:      model.SideYes,
	}
}

// dialHub serves the hub's upgrade handler and connects a client to it.
func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_ReplayRingKeepsNewest(t *testing.T) {
	h := NewHub(&stubSource{})

	for i := 1; i <= 15; i++ {
		h.PublishLiquidation(testEvent(i))
	}

	recent := h.RecentLiquidations()
	if len(recent) != replayDepth {
		t.Fatalf("got %d events, want %d", len(recent), replayDepth)
	}
	if recent[0].ID != "ev-6" {
		t.Errorf("oldest retained = %s, want ev-6", recent[0].ID)
	}
	if recent[len(recent)-1].ID != "ev-15" {
		t.Errorf("newest retained = %s, want ev-15", recent[len(recent)-1].ID)
	}
}

func TestHub_BroadcastsLiquidations(t *testing.T) {
	h := NewHub(&stubSource{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)

	// Give the register handoff a moment before publishing.
	time.Sleep(100 * time.Millisecond)
	h.PublishLiquidation(testEvent(1))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg liquidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "liquidation" {
		t.Errorf("type = %s, want liquidation", msg.Type)
	}
	if msg.ID != "ev-1" {
		t.Errorf("event id = %s, want ev-1", msg.ID)
	}
}

func TestHub_PingsClientsFromRunLoop(t *testing.T) {
	h := NewHub(&stubSource{})
	h.pingInterval = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)

	pings := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})

	// Control frames are delivered during reads; keep the read loop running.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(3 * time.Second):
		t.Fatal("no ping received from the hub")
	}
}

func TestHub_ReplaysOnConnect(t *testing.T) {
	h := NewHub(&stubSource{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.PublishLiquidation(testEvent(1))
	h.PublishLiquidation(testEvent(2))
	// Drain the broadcast queue so nobody-connected publishes don't linger.
	time.Sleep(100 * time.Millisecond)

	conn := dialHub(t, h)

	for _, want := range []string{"ev-1", "ev-2"} {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read replay %s: %v", want, err)
		}
		var msg liquidationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.ID != want {
			t.Errorf("replayed id = %s, want %s", msg.ID, want)
		}
	}
}

func TestHub_SnapshotIncludesAllMarkets(t *testing.T) {
	src := &stubSource{states: []model.MarketState{
		{MarketID: "m1", CurrentProbability: decimal.NewFromInt(60)},
		{MarketID: "m2", CurrentProbability: decimal.NewFromInt(40)},
	}}
	h := NewHub(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)

	// Snapshots arrive on the ticker; wait out at most two periods.
	deadline := time.Now().Add(2*snapshotInterval + time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg snapshotMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "market_snapshot" {
			continue
		}
		if len(msg.Markets) != 2 {
			t.Fatalf("snapshot carries %d markets, want 2", len(msg.Markets))
		}
		return
	}
	t.Fatal("no snapshot received")
}
