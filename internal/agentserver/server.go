package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bokiko/bloxos-sub000/internal/alert"
	"github.com/bokiko/bloxos-sub000/internal/metrics"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/internal/telemetry"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

const (
	defaultAuthTimeout      = 10 * time.Second
	defaultHeartbeatTimeout = 60 * time.Second
)

// Server is the agent protocol endpoint. Each socket's handling is
// independent; the registry and command queues are the only shared
// state.
type Server struct {
	store    store.Store
	registry *Registry
	alerts   *alert.Engine
	hub      *Hub
	upgrader websocket.Upgrader

	authTimeout      time.Duration
	heartbeatTimeout time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithAuthTimeout overrides the unauthenticated-socket deadline.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) { s.authTimeout = d }
}

// WithHeartbeatTimeout overrides the sweep liveness threshold.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Server) { s.heartbeatTimeout = d }
}

// NewServer creates an agent protocol server. alerts and hub may be
// nil; telemetry is then persisted without evaluation or broadcast.
func NewServer(st store.Store, alerts *alert.Engine, hub *Hub, opts ...Option) *Server {
	s := &Server{
		store:    st,
		registry: NewRegistry(),
		alerts:   alerts,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		authTimeout:      defaultAuthTimeout,
		heartbeatTimeout: defaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the connection registry for status reporting.
func (s *Server) Registry() *Registry { return s.registry }

// HandleAgent upgrades an agent socket and runs its session. The
// socket must authenticate within the auth timeout, via either a token
// query parameter or an auth frame as the first message.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Agent WebSocket upgrade failed")
		return
	}

	ctx := context.Background()

	authTimer := time.AfterFunc(s.authTimeout, func() {
		closeSocket(ws, CloseAuthTimeout, "authentication timeout")
	})
	defer authTimer.Stop()

	var conn *Connection
	if token := r.URL.Query().Get("token"); token != "" {
		conn = s.authenticate(ctx, ws, Envelope{Token: token}, authTimer)
		if conn == nil {
			return
		}
	}

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			break
		}
		metrics.AgentMessagesTotal.WithLabelValues(env.Type).Inc()

		if conn == nil {
			if env.Type != MsgAuth {
				closeSocket(ws, CloseAuthFailure, "authentication required")
				return
			}
			conn = s.authenticate(ctx, ws, env, authTimer)
			if conn == nil {
				return
			}
			continue
		}

		s.dispatch(ctx, conn, env)
	}

	if conn != nil && s.registry.Remove(conn.RigID, conn) {
		// A superseded connection must not mark the rig offline on the
		// way out; only the current registry entry does.
		s.markOffline(ctx, conn.RigID)
		log.Info().Str("rig_id", conn.RigID).Msg("Agent disconnected")
	}
	_ = ws.Close()
}

// authenticate validates the presented token against the store and, on
// success, installs the connection in the registry, marks the rig
// online, acks, and flushes any queued commands in FIFO order. Returns
// nil after closing the socket on any failure.
func (s *Server) authenticate(ctx context.Context, ws *websocket.Conn, env Envelope, authTimer *time.Timer) *Connection {
	if env.Token == "" {
		closeSocket(ws, CloseAuthFailure, "missing token")
		return nil
	}

	var rig *models.Rig
	var err error
	if env.RigID != "" {
		rig, err = s.store.GetRig(ctx, env.RigID)
		if errors.Is(err, store.ErrNotFound) {
			closeSocket(ws, CloseRigNotFound, "rig not found")
			return nil
		}
	} else {
		rig, err = s.store.GetRigByToken(ctx, env.Token)
		if errors.Is(err, store.ErrNotFound) {
			closeSocket(ws, CloseInvalidToken, "invalid token")
			return nil
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Agent auth lookup failed")
		closeSocket(ws, CloseAuthFailure, "authentication failed")
		return nil
	}
	if rig.AgentToken == "" || rig.AgentToken != env.Token {
		closeSocket(ws, CloseInvalidToken, "invalid token")
		return nil
	}

	if !authTimer.Stop() {
		// The timer already fired and closed the socket; registering
		// now would leave a dead connection marked online until the
		// sweep reaps it.
		return nil
	}

	conn := newConnection(ws, rig)
	if prev := s.registry.Register(conn); prev != nil {
		prev.CloseWith(CloseSuperseded, "superseded by newer connection")
	}

	s.markOnline(ctx, rig.ID)
	log.Info().Str("rig_id", rig.ID).Str("rig_name", rig.Name).Msg("Agent authenticated")

	if err := conn.Send(&Envelope{Type: MsgAuthenticated, RigID: rig.ID, RigName: rig.Name}); err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Failed to send auth ack")
	}

	s.flushQueue(conn)
	return conn
}

// flushQueue delivers the rig's queued commands in creation order. A
// failed send re-queues the remaining commands; they are never dropped.
func (s *Server) flushQueue(conn *Connection) {
	queued := s.registry.Drain(conn.RigID)
	for i, cmd := range queued {
		if err := conn.Send(&Envelope{Type: MsgCommand, Command: cmd}); err != nil {
			log.Warn().Err(err).Str("rig_id", conn.RigID).Msg("Queue flush interrupted, re-queueing")
			for _, rest := range queued[i:] {
				s.registry.Enqueue(conn.RigID, rest)
			}
			return
		}
	}
	if len(queued) > 0 {
		log.Info().Str("rig_id", conn.RigID).Int("count", len(queued)).Msg("Flushed queued commands")
	}
}

func (s *Server) dispatch(ctx context.Context, conn *Connection, env Envelope) {
	switch env.Type {
	case MsgHeartbeat:
		conn.touch()
		s.markOnline(ctx, conn.RigID)
		now := time.Now().UTC()
		if err := conn.Send(&Envelope{Type: MsgHeartbeatAck, Timestamp: &now}); err != nil {
			log.Warn().Err(err).Str("rig_id", conn.RigID).Msg("Failed to ack heartbeat")
		}

	case MsgStats:
		conn.touch()
		s.handleStats(ctx, conn, env.Data)

	case MsgMinerStatus:
		conn.touch()
		s.handleMinerStatus(ctx, conn, env.Data)

	case MsgCommandResult:
		conn.touch()
		s.handleCommandResult(ctx, conn, env)

	case MsgAuth:
		// Re-auth on a live session is a no-op.

	default:
		if err := conn.Send(errorFrame(fmt.Sprintf("unknown message type %q", env.Type))); err != nil {
			log.Warn().Err(err).Str("rig_id", conn.RigID).Msg("Failed to send error reply")
		}
	}
}

func (s *Server) handleStats(ctx context.Context, conn *Connection, raw json.RawMessage) {
	var data StatsData
	if err := json.Unmarshal(raw, &data); err != nil {
		if err := conn.Send(errorFrame("malformed stats payload")); err != nil {
			log.Warn().Err(err).Str("rig_id", conn.RigID).Msg("Failed to send error reply")
		}
		return
	}

	now := time.Now().UTC()
	gpus := make([]*models.GPU, 0, len(data.GPUs))
	for _, g := range data.GPUs {
		vendor := models.GPUVendor(g.Vendor)
		if vendor == "" {
			vendor = telemetry.InferVendor(g.Name)
		}
		gpu := &models.GPU{
			RigID:       conn.RigID,
			Index:       g.Index,
			Name:        g.Name,
			Vendor:      vendor,
			VRAMMB:      g.VRAMMB,
			Temperature: g.Temperature,
			MemTemp:     g.MemTemp,
			FanSpeed:    g.FanSpeed,
			PowerDraw:   g.PowerDraw,
			CoreClock:   g.CoreClock,
			MemoryClock: g.MemoryClock,
			Utilization: g.Utilization,
			Hashrate:    g.Hashrate,
			UpdatedAt:   now,
		}
		if err := s.store.UpsertGPU(ctx, gpu); err != nil {
			log.Error().Err(err).Str("rig_id", conn.RigID).Int("gpu", g.Index).Msg("Failed to upsert GPU stats")
			continue
		}
		gpus = append(gpus, gpu)
	}

	var cpu *models.CPU
	if data.CPU != nil {
		cpu = &models.CPU{
			RigID:        conn.RigID,
			Model:        data.CPU.Model,
			Cores:        data.CPU.Cores,
			Temperature:  data.CPU.Temperature,
			PowerDraw:    data.CPU.PowerDraw,
			FrequencyMHz: data.CPU.FrequencyMHz,
			Utilization:  data.CPU.Utilization,
			Hashrate:     data.CPU.Hashrate,
			UpdatedAt:    now,
		}
		if err := s.store.UpsertCPU(ctx, cpu); err != nil {
			log.Error().Err(err).Str("rig_id", conn.RigID).Msg("Failed to upsert CPU stats")
			cpu = nil
		}
	}

	s.markOnline(ctx, conn.RigID)

	if s.alerts != nil {
		if rig, err := s.store.GetRig(ctx, conn.RigID); err == nil {
			s.alerts.EvaluateSnapshot(ctx, rig, gpus, cpu)
		}
	}

	s.broadcast(BroadcastFrame{Type: MsgStats, RigID: conn.RigID, Data: data})
}

func (s *Server) handleMinerStatus(ctx context.Context, conn *Connection, raw json.RawMessage) {
	var data MinerStatusData
	if err := json.Unmarshal(raw, &data); err != nil || data.MinerName == "" {
		if err := conn.Send(errorFrame("malformed miner_status payload")); err != nil {
			log.Warn().Err(err).Str("rig_id", conn.RigID).Msg("Failed to send error reply")
		}
		return
	}

	status := models.MinerStatusStopped
	if data.Status == string(models.MinerStatusRunning) {
		status = models.MinerStatusRunning
	}
	inst := &models.MinerInstance{
		RigID:     conn.RigID,
		MinerName: data.MinerName,
		Status:    status,
		PID:       data.PID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertMinerInstance(ctx, inst); err != nil {
		log.Error().Err(err).Str("rig_id", conn.RigID).Str("miner", data.MinerName).Msg("Failed to upsert miner status")
		return
	}

	s.broadcast(BroadcastFrame{Type: MsgMinerStatus, RigID: conn.RigID, Data: data})
}

func (s *Server) handleCommandResult(ctx context.Context, conn *Connection, env Envelope) {
	detail := fmt.Sprintf("command=%s success=%t", env.CommandID, env.Success)
	if env.Error != "" {
		detail += " error=" + env.Error
	}
	if err := s.store.AppendEvent(ctx, models.NewEvent(conn.RigID, "command_result", detail)); err != nil {
		log.Warn().Err(err).Str("rig_id", conn.RigID).Msg("Failed to record command result")
	}

	s.broadcast(BroadcastFrame{Type: MsgCommandResult, RigID: conn.RigID, Data: map[string]interface{}{
		"commandId": env.CommandID,
		"success":   env.Success,
		"error":     env.Error,
	}})
}

// SendCommand delivers a command to the rig's live connection, or
// queues it for delivery on the next (re)connection. Returns the
// command ID for correlation with a later command_result.
func (s *Server) SendCommand(rigID string, cmd *models.Command) string {
	if conn := s.registry.Get(rigID); conn != nil {
		if err := conn.Send(&Envelope{Type: MsgCommand, Command: cmd}); err == nil {
			log.Debug().Str("rig_id", rigID).Str("command_id", cmd.ID).Msg("Command pushed to agent")
			return cmd.ID
		}
		log.Warn().Str("rig_id", rigID).Str("command_id", cmd.ID).Msg("Push failed, queueing command")
	}
	s.registry.Enqueue(rigID, cmd)
	return cmd.ID
}

// SweepOnce force-closes every connection whose last heartbeat exceeds
// the heartbeat timeout and marks those rigs offline. Driven by the
// daemon's scheduler, independent of any one connection.
func (s *Server) SweepOnce(ctx context.Context) error {
	for _, conn := range s.registry.Stale(s.heartbeatTimeout) {
		log.Warn().Str("rig_id", conn.RigID).
			Time("last_heartbeat", conn.LastHeartbeat()).
			Msg("Agent heartbeat timeout, closing connection")
		conn.CloseWith(CloseHeartbeatTimeout, "heartbeat timeout")
		if s.registry.Remove(conn.RigID, conn) {
			s.markOffline(ctx, conn.RigID)
		}
	}
	return s.checkOfflineRigs(ctx)
}

// checkOfflineRigs re-evaluates the offline alert for push-mode rigs
// that went OFFLINE in an earlier sweep or disconnect. The alert fires
// once the silence exceeds the rig's threshold, not at disconnect time,
// so already-offline rigs must be revisited every sweep.
func (s *Server) checkOfflineRigs(ctx context.Context) error {
	if s.alerts == nil {
		return nil
	}
	rigs, err := s.store.ListRigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rigs for offline check: %w", err)
	}
	for _, rig := range rigs {
		if rig.Status != models.RigStatusOffline {
			continue
		}
		polled, err := s.store.RigHasCredentials(ctx, rig.ID)
		if err != nil || polled {
			continue
		}
		s.alerts.CheckOffline(ctx, rig)
	}
	return nil
}

// markOnline updates rig status from the push path. Skipped when the
// rig has stored SSH credentials: the poll path is then authoritative
// for status, and the two transports must not fight over it.
func (s *Server) markOnline(ctx context.Context, rigID string) {
	polled, err := s.store.RigHasCredentials(ctx, rigID)
	if err != nil || polled {
		return
	}
	if err := s.store.UpdateRigStatus(ctx, rigID, models.RigStatusOnline, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("rig_id", rigID).Msg("Failed to mark rig online")
	}
}

// markOffline flips a push-mode rig to OFFLINE, preserving lastSeen so
// the offline alert threshold counts from the last successful contact.
func (s *Server) markOffline(ctx context.Context, rigID string) {
	polled, err := s.store.RigHasCredentials(ctx, rigID)
	if err != nil || polled {
		return
	}
	rig, err := s.store.GetRig(ctx, rigID)
	if err != nil {
		log.Warn().Err(err).Str("rig_id", rigID).Msg("Failed to load rig for offline transition")
		return
	}
	if err := s.store.UpdateRigStatus(ctx, rigID, models.RigStatusOffline, rig.LastSeen); err != nil {
		log.Warn().Err(err).Str("rig_id", rigID).Msg("Failed to mark rig offline")
		return
	}
	if s.alerts != nil {
		rig.Status = models.RigStatusOffline
		s.alerts.CheckOffline(ctx, rig)
	}
}

func (s *Server) broadcast(frame BroadcastFrame) {
	if s.hub != nil {
		s.hub.Broadcast(frame)
	}
}

func closeSocket(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
