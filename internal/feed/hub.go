// Package feed pushes live market state to WebSocket clients: all market
// states roughly every two seconds, and liquidation events immediately,
// with the last few liquidations replayed to new subscribers on connect.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// snapshotInterval is how often all market states are pushed.
const snapshotInterval = 2 * time.Second

// defaultPingInterval is how often clients are pinged to keep connections
// alive through proxies.
const defaultPingInterval = 30 * time.Second

// replayDepth is how many recent liquidation events new subscribers get.
const replayDepth = 10

// StateSource is the slice of the simulator the hub snapshots from.
type StateSource interface {
	AllStates() []model.MarketState
}

// snapshotMessage carries all current market states.
type snapshotMessage struct {
	Type    string              `json:"type"`
	Markets []model.MarketState `json:"markets"`
}

// liquidationMessage carries one liquidation event.
type liquidationMessage struct {
	Type string `json:"type"`
	model.LiquidationEvent
}

// Hub manages WebSocket connections and broadcasts market snapshots and
// liquidation events to all connected clients.
type Hub struct {
	source StateSource

	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	// All connection writes happen on the Run goroutine: snapshots,
	// broadcasts, replays, and pings. Concurrent writers on one websocket
	// connection are not allowed.
	pingInterval time.Duration

	mu     sync.RWMutex
	replay []model.LiquidationEvent
}

// NewHub creates a hub snapshotting from source.
func NewHub(source StateSource) *Hub {
	return &Hub{
		source:       source,
		clients:      make(map[*websocket.Conn]bool),
		broadcast:    make(chan []byte, 256),
		register:     make(chan *websocket.Conn),
		unregister:   make(chan *websocket.Conn),
		pingInterval: defaultPingInterval,
	}
}

// Run starts the hub's event loop and the snapshot ticker. Must be called
// in a goroutine; returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(h.pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			replay := make([]model.LiquidationEvent, len(h.replay))
			copy(replay, h.replay)
			h.mu.Unlock()

			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

			// Replay recent liquidations to the new subscriber only.
			for _, ev := range replay {
				data, err := json.Marshal(liquidationMessage{Type: "liquidation", LiquidationEvent: ev})
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					break
				}
			}

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.writeAll(websocket.TextMessage, msg)

		case <-ticker.C:
			data, err := json.Marshal(snapshotMessage{
				Type:    "market_snapshot",
				Markets: h.source.AllStates(),
			})
			if err != nil {
				continue
			}
			h.writeAll(websocket.TextMessage, data)

		case <-pinger.C:
			h.writeAll(websocket.PingMessage, nil)
		}
	}
}

func (h *Hub) writeAll(messageType int, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(messageType, msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// PublishLiquidation pushes a liquidation event to all clients immediately
// and records it for replay to future subscribers.
func (h *Hub) PublishLiquidation(ev model.LiquidationEvent) {
	h.mu.Lock()
	h.replay = append(h.replay, ev)
	if len(h.replay) > replayDepth {
		h.replay = h.replay[len(h.replay)-replayDepth:]
	}
	h.mu.Unlock()

	data, err := json.Marshal(liquidationMessage{Type: "liquidation", LiquidationEvent: ev})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the liquidation pass.
	}
}

// RecentLiquidations returns the replay buffer, oldest first.
func (h *Hub) RecentLiquidations() []model.LiquidationEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.LiquidationEvent, len(h.replay))
	copy(out, h.replay)
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
