// Package agentserver implements the push-mode agent protocol: an
// authenticated WebSocket session per rig with heartbeat liveness, a
// connection registry enforcing at most one connection per rig, and a
// per-rig FIFO command queue flushed on (re)connection. A dashboard hub
// rebroadcasts telemetry and command results to JWT-authenticated
// subscribers.
package agentserver

import (
	"encoding/json"
	"time"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Inbound message types (agent to server).
const (
	MsgAuth          = "auth"
	MsgHeartbeat     = "heartbeat"
	MsgStats         = "stats"
	MsgMinerStatus   = "miner_status"
	MsgCommandResult = "command_result"
)

// Outbound message types (server to agent).
const (
	MsgAuthenticated = "authenticated"
	MsgCommand       = "command"
	MsgError         = "error"
	MsgHeartbeatAck  = "heartbeat_ack"
)

// WebSocket close codes, distinct per cause so agents can diagnose
// disconnects without server logs.
const (
	CloseAuthTimeout      = 4001
	CloseInvalidToken     = 4002
	CloseRigNotFound      = 4003
	CloseSuperseded       = 4004
	CloseAuthFailure      = 4005
	CloseHeartbeatTimeout = 4008
)

// Envelope is the single JSON frame shape in both directions. Fields
// are populated per message type; unused fields are omitted.
type Envelope struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`
	RigID string `json:"rigId,omitempty"`

	// stats / miner_status
	Data json.RawMessage `json:"data,omitempty"`

	// command_result
	CommandID string `json:"commandId,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`

	// authenticated
	RigName string `json:"rigName,omitempty"`

	// command
	Command *models.Command `json:"command,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// heartbeat_ack
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// GPUStats is one device's telemetry as reported by an agent. Nil
// fields mean the agent could not read that metric.
type GPUStats struct {
	Index       int      `json:"index"`
	Name        string   `json:"name,omitempty"`
	Vendor      string   `json:"vendor,omitempty"`
	VRAMMB      int      `json:"vramMb,omitempty"`
	Temperature *float64 `json:"temperature"`
	MemTemp     *float64 `json:"memTemp"`
	FanSpeed    *float64 `json:"fanSpeed"`
	PowerDraw   *float64 `json:"powerDraw"`
	CoreClock   *float64 `json:"coreClock"`
	MemoryClock *float64 `json:"memoryClock"`
	Utilization *float64 `json:"utilization"`
	Hashrate    *float64 `json:"hashrate"`
}

// CPUStats is the rig processor telemetry as reported by an agent.
type CPUStats struct {
	Model        string   `json:"model,omitempty"`
	Cores        int      `json:"cores,omitempty"`
	Temperature  *float64 `json:"temperature"`
	PowerDraw    *float64 `json:"powerDraw"`
	FrequencyMHz *float64 `json:"frequencyMhz"`
	Utilization  *float64 `json:"utilization"`
	Hashrate     *float64 `json:"hashrate"`
}

// StatsData is the payload of a stats frame.
type StatsData struct {
	GPUs []GPUStats `json:"gpus,omitempty"`
	CPU  *CPUStats  `json:"cpu,omitempty"`
}

// MinerStatusData is the payload of a miner_status frame.
type MinerStatusData struct {
	MinerName string `json:"minerName"`
	Status    string `json:"status"`
	PID       int    `json:"pid,omitempty"`
}

func errorFrame(message string) *Envelope {
	return &Envelope{Type: MsgError, Message: message}
}
