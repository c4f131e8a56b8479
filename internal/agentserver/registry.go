package agentserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bokiko/bloxos-sub000/internal/metrics"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Connection is the runtime state of one authenticated agent socket.
// Never persisted; exists only while the socket is open.
type Connection struct {
	RigID       string
	FarmID      string
	ConnectedAt time.Time

	ws      *websocket.Conn
	writeMu sync.Mutex

	beatMu        sync.Mutex
	lastHeartbeat time.Time
}

func newConnection(ws *websocket.Conn, rig *models.Rig) *Connection {
	now := time.Now()
	return &Connection{
		RigID:         rig.ID,
		FarmID:        rig.FarmID,
		ConnectedAt:   now,
		ws:            ws,
		lastHeartbeat: now,
	}
}

// Send writes one JSON frame. gorilla permits a single concurrent
// writer, so sends from the handler, SendCommand, and the queue flush
// are serialized here.
func (c *Connection) Send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// CloseWith sends a close frame with the given status code and drops
// the socket. Best effort; the peer may already be gone.
func (c *Connection) CloseWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

func (c *Connection) touch() {
	c.beatMu.Lock()
	c.lastHeartbeat = time.Now()
	c.beatMu.Unlock()
}

// LastHeartbeat returns the time of the last liveness signal.
func (c *Connection) LastHeartbeat() time.Time {
	c.beatMu.Lock()
	defer c.beatMu.Unlock()
	return c.lastHeartbeat
}

// Registry holds the live agent connections and the per-rig command
// queues. Shared by every connection handler plus the heartbeat sweep,
// so all access goes through the mutex.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	queues map[string][]*models.Command
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		queues: make(map[string][]*models.Command),
	}
}

// Register installs conn as the sole connection for its rig and returns
// the connection it displaced, if any. The caller closes the displaced
// connection outside the lock.
func (r *Registry) Register(conn *Connection) (prev *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.conns[conn.RigID]
	r.conns[conn.RigID] = conn
	metrics.AgentsConnected.Set(float64(len(r.conns)))
	return prev
}

// Remove drops the registry entry for rigID, but only if conn is still
// the current entry. A connection superseded by a newer one must not
// remove its successor on the way out.
func (r *Registry) Remove(rigID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[rigID] != conn {
		return false
	}
	delete(r.conns, rigID)
	metrics.AgentsConnected.Set(float64(len(r.conns)))
	return true
}

// Get returns the live connection for rigID, or nil.
func (r *Registry) Get(rigID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[rigID]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stale returns connections whose last heartbeat is older than timeout.
func (r *Registry) Stale(timeout time.Duration) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-timeout)
	var stale []*Connection
	for _, conn := range r.conns {
		if conn.LastHeartbeat().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	return stale
}

// Enqueue appends a command to the rig's offline queue.
func (r *Registry) Enqueue(rigID string, cmd *models.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[rigID] = append(r.queues[rigID], cmd)
	metrics.CommandQueueDepth.Set(float64(r.totalQueuedLocked()))
}

// Drain removes and returns the rig's queued commands in FIFO order.
func (r *Registry) Drain(rigID string) []*models.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.queues[rigID]
	delete(r.queues, rigID)
	metrics.CommandQueueDepth.Set(float64(r.totalQueuedLocked()))
	return queued
}

// QueueDepth returns the number of commands waiting for rigID.
func (r *Registry) QueueDepth(rigID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues[rigID])
}

func (r *Registry) totalQueuedLocked() int {
	total := 0
	for _, q := range r.queues {
		total += len(q)
	}
	return total
}

// Snapshot reports the registry state for the /status endpoint.
type Snapshot struct {
	Connected   []SnapshotConn `json:"connected"`
	QueueDepths map[string]int `json:"queue_depths,omitempty"`
}

// SnapshotConn is one live connection in a Snapshot.
type SnapshotConn struct {
	RigID         string    `json:"rig_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Snapshot copies the current connections and queue depths.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{Connected: make([]SnapshotConn, 0, len(r.conns))}
	for _, conn := range r.conns {
		snap.Connected = append(snap.Connected, SnapshotConn{
			RigID:         conn.RigID,
			ConnectedAt:   conn.ConnectedAt,
			LastHeartbeat: conn.LastHeartbeat(),
		})
	}
	if len(r.queues) > 0 {
		snap.QueueDepths = make(map[string]int, len(r.queues))
		for rigID, q := range r.queues {
			snap.QueueDepths[rigID] = len(q)
		}
	}
	return snap
}
