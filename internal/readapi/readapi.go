// Package readapi exposes the core's computed state to external callers:
// an HTTP surface for point-in-time queries and a WebSocket broadcast
// hub for live signal/whale-alert push. The hub's connection lifecycle,
// heartbeat, and broadcast-and-prune-dead-clients loop are adapted from
// the teacher's Hub/PriceThrottler.
package readapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"whaleradar/internal/bus"
	"whaleradar/internal/types"
)

// Accessor is the read boundary the core exposes; it never mutates state.
type Accessor interface {
	LatestSignal(symbol string) (types.Signal, bool)
	ActiveAlerts(now time.Time) []types.WhaleAlert
	CurrentPositions(types.TraderAddress) (types.PositionSnapshot, bool)
	PositionHistory(types.TraderAddress) []types.PositionSnapshot
	PoolStats() (total, connected int)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Hub maintains connected WebSocket clients and broadcasts pushed events.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	upgrader  websocket.Upgrader
}

// NewHub constructs an empty Hub that accepts connections from any origin.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the request and keeps the connection alive
// until the client disconnects or a write fails.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("readapi: upgrade error: %v", err)
		return
	}

	h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, conn)
}

// Broadcast sends msg to every connected client, dropping any that fail.
func (h *Hub) Broadcast(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("readapi: broadcast marshal error: %v", err)
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

// pushMessage is the envelope broadcast to WebSocket clients.
type pushMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Server wires the Accessor and Hub together behind an http.Handler.
type Server struct {
	accessor Accessor
	hub      *Hub
	mux      *http.ServeMux
}

// NewServer builds a Server and its routes.
func NewServer(accessor Accessor, hub *Hub) *Server {
	s := &Server{accessor: accessor, hub: hub, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	s.mux.HandleFunc("/api/signal", s.handleSignal)
	s.mux.HandleFunc("/api/alerts", s.handleAlerts)
	s.mux.HandleFunc("/api/trader", s.handleTrader)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, connected := s.accessor.PoolStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"pool_total": total,
		"pool_connected": connected,
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = "BTC"
	}
	sig, ok := s.accessor.LatestSignal(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no signal yet"})
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accessor.ActiveAlerts(time.Now()))
}

func (s *Server) handleTrader(w http.ResponseWriter, r *http.Request) {
	address := types.TraderAddress(r.URL.Query().Get("address")).Normalize()
	if address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address required"})
		return
	}

	current, ok := s.accessor.CurrentPositions(address)
	resp := map[string]interface{}{
		"history": s.accessor.PositionHistory(address),
	}
	if ok {
		resp["current"] = current
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("readapi: encode error: %v", err)
	}
}

// PushSubscriber wires a Hub to broadcast signal.update and whale_alert
// events as they are published.
type PushSubscriber struct {
	hub *Hub
}

// NewPushSubscriber builds a PushSubscriber for hub.
func NewPushSubscriber(hub *Hub) *PushSubscriber {
	return &PushSubscriber{hub: hub}
}

// Subscribe registers the subscriber's handlers on b.
func (p *PushSubscriber) Subscribe(b *bus.Bus) {
	b.Subscribe("signal.update", func(e bus.Event) {
		p.hub.Broadcast(pushMessage{Type: "signal", Data: e.Payload})
	})
	b.Subscribe("whale_alert", func(e bus.Event) {
		p.hub.Broadcast(pushMessage{Type: "whale_alert", Data: e.Payload})
	})
}
