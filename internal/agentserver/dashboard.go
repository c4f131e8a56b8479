package agentserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// BroadcastFrame is what dashboard subscribers receive: telemetry,
// miner status, and command results as they flow through the server.
type BroadcastFrame struct {
	Type  string      `json:"type"`
	RigID string      `json:"rigId"`
	Data  interface{} `json:"data,omitempty"`
}

type dashboardConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (d *dashboardConn) send(v interface{}) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.ws.WriteJSON(v)
}

// Hub fans telemetry and command-result frames out to authenticated
// dashboard WebSocket subscribers. Delivery is best effort: a
// subscriber that fails a write is dropped, never retried.
type Hub struct {
	jwt      *JWTManager
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*dashboardConn]struct{}
}

// NewHub creates a dashboard hub validating subscribers against jwt.
func NewHub(jwt *JWTManager) *Hub {
	return &Hub{
		jwt: jwt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[*dashboardConn]struct{}),
	}
}

// ServeHTTP upgrades a dashboard subscriber after JWT validation. The
// token comes from the Authorization header or a token query parameter
// (browsers cannot set headers on WebSocket upgrades).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := h.jwt.ValidateToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Dashboard WebSocket upgrade failed")
		return
	}

	sub := &dashboardConn{ws: ws}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	log.Info().Str("user_id", userID).Msg("Dashboard subscriber connected")

	// Subscribers only receive; the read loop exists to detect close.
	go func() {
		defer h.drop(sub)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a frame to every subscriber, dropping any that fail.
func (h *Hub) Broadcast(frame BroadcastFrame) {
	h.mu.Lock()
	subs := make([]*dashboardConn, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if err := sub.send(frame); err != nil {
			h.drop(sub)
		}
	}
}

// SubscriberCount returns the number of live dashboard sockets.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) drop(sub *dashboardConn) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if present {
		deadline := time.Now().Add(time.Second)
		_ = sub.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = sub.ws.Close()
	}
}
