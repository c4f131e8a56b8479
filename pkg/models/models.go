package models

import (
	"time"

	"github.com/google/uuid"
)

// RigStatus is the connectivity/health state of a rig.
type RigStatus string

const (
	RigStatusOffline   RigStatus = "OFFLINE"
	RigStatusOnline    RigStatus = "ONLINE"
	RigStatusWarning   RigStatus = "WARNING"
	RigStatusError     RigStatus = "ERROR"
	RigStatusRebooting RigStatus = "REBOOTING"
)

// GPUVendor identifies the GPU hardware vendor.
type GPUVendor string

const (
	GPUVendorNvidia GPUVendor = "NVIDIA"
	GPUVendorAMD    GPUVendor = "AMD"
	GPUVendorIntel  GPUVendor = "INTEL"
)

// Rig represents a mining host under management.
type Rig struct {
	ID       string    `json:"id" db:"id"`
	FarmID   string    `json:"farm_id" db:"farm_id"`
	Name     string    `json:"name" db:"name"`
	Hostname string    `json:"hostname" db:"hostname"`
	Status   RigStatus `json:"status" db:"status"`
	LastSeen time.Time `json:"last_seen" db:"last_seen"`

	// Capability flags toggled per rig.
	SSHEnabled       bool `json:"ssh_enabled" db:"ssh_enabled"`
	MiningEnabled    bool `json:"mining_enabled" db:"mining_enabled"`
	OverclockEnabled bool `json:"overclock_enabled" db:"overclock_enabled"`

	// AgentToken authenticates push-mode agents. Opaque to the core;
	// compared for exact equality during the WebSocket handshake.
	AgentToken string `json:"-" db:"agent_token"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Credential holds SSH access parameters for a rig. Password and
// PrivateKey are stored encrypted (vault packed format); they are
// decrypted only inside the execution gateway for the duration of a
// single call.
type Credential struct {
	RigID      string    `json:"rig_id" db:"rig_id"`
	Host       string    `json:"host" db:"host"`
	Port       int       `json:"port" db:"port"`
	Username   string    `json:"username" db:"username"`
	Password   string    `json:"-" db:"password"`    // packed ciphertext, may be empty
	PrivateKey string    `json:"-" db:"private_key"` // packed ciphertext, may be empty
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// GPU is the per-device hardware record plus its latest telemetry.
// Nil pointer fields mean the metric was unavailable in the last sample.
type GPU struct {
	RigID       string    `json:"rig_id" db:"rig_id"`
	Index       int       `json:"index" db:"idx"`
	Name        string    `json:"name" db:"name"`
	Vendor      GPUVendor `json:"vendor" db:"vendor"`
	VRAMMB      int       `json:"vram_mb" db:"vram_mb"`
	Temperature *float64  `json:"temperature" db:"temperature"`
	MemTemp     *float64  `json:"mem_temp" db:"mem_temp"`
	FanSpeed    *float64  `json:"fan_speed" db:"fan_speed"`
	PowerDraw   *float64  `json:"power_draw" db:"power_draw"`
	CoreClock   *float64  `json:"core_clock" db:"core_clock"`
	MemoryClock *float64  `json:"memory_clock" db:"memory_clock"`
	Utilization *float64  `json:"utilization" db:"utilization"`
	Hashrate    *float64  `json:"hashrate" db:"hashrate"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// CPU is the per-rig processor record plus its latest telemetry.
type CPU struct {
	RigID        string    `json:"rig_id" db:"rig_id"`
	Model        string    `json:"model" db:"model"`
	Cores        int       `json:"cores" db:"cores"`
	Temperature  *float64  `json:"temperature" db:"temperature"`
	PowerDraw    *float64  `json:"power_draw" db:"power_draw"`
	FrequencyMHz *float64  `json:"frequency_mhz" db:"frequency_mhz"`
	Utilization  *float64  `json:"utilization" db:"utilization"`
	Hashrate     *float64  `json:"hashrate" db:"hashrate"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// MinerStatus is the lifecycle state of a miner process on a rig.
type MinerStatus string

const (
	MinerStatusRunning MinerStatus = "RUNNING"
	MinerStatusStopped MinerStatus = "STOPPED"
)

// MinerInstance tracks one miner process per (rig, miner name).
type MinerInstance struct {
	RigID     string      `json:"rig_id" db:"rig_id"`
	MinerName string      `json:"miner_name" db:"miner_name"`
	Status    MinerStatus `json:"status" db:"status"`
	PID       int         `json:"pid" db:"pid"`
	StartedAt time.Time   `json:"started_at" db:"started_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// CommandType enumerates control actions deliverable to an agent.
type CommandType string

const (
	CommandStartMiner     CommandType = "start_miner"
	CommandStopMiner      CommandType = "stop_miner"
	CommandApplyOverclock CommandType = "apply_overclock"
	CommandResetOverclock CommandType = "reset_overclock"
	CommandReboot         CommandType = "reboot"
)

// Command is an ephemeral control action. It is either pushed to a
// connected agent immediately or held in the per-rig FIFO queue until
// the agent reconnects.
type Command struct {
	ID        string                 `json:"id"`
	Type      CommandType            `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// NewCommand builds a Command with a fresh ID and timestamp.
func NewCommand(cmdType CommandType, payload map[string]interface{}) *Command {
	return &Command{
		ID:        uuid.New().String(),
		Type:      cmdType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// AlertType enumerates alert causes.
type AlertType string

const (
	AlertHighTemperature AlertType = "high_temperature"
	AlertRigOffline      AlertType = "rig_offline"
	AlertHashrateDrop    AlertType = "hashrate_drop"
)

// AlertSeverity grades alert urgency for the notifier.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertConfig holds per-rig alert thresholds. Zero values fall back to
// fleet defaults at evaluation time.
type AlertConfig struct {
	RigID               string  `json:"rig_id" db:"rig_id"`
	MaxTemperature      float64 `json:"max_temperature" db:"max_temperature"`
	OfflineSeconds      int     `json:"offline_seconds" db:"offline_seconds"`
	HashrateDropPercent float64 `json:"hashrate_drop_percent" db:"hashrate_drop_percent"`
}

// Alert is a persisted record of a fired alert.
type Alert struct {
	ID        string        `json:"id" db:"id"`
	RigID     string        `json:"rig_id" db:"rig_id"`
	Type      AlertType     `json:"type" db:"type"`
	Severity  AlertSeverity `json:"severity" db:"severity"`
	Message   string        `json:"message" db:"message"`
	GPUIndex  *int          `json:"gpu_index,omitempty" db:"gpu_index"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// Event is an append-only audit record of a control action.
type Event struct {
	ID        string    `json:"id" db:"id"`
	RigID     string    `json:"rig_id" db:"rig_id"`
	Action    string    `json:"action" db:"action"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewEvent builds an audit event with a fresh ID and timestamp.
func NewEvent(rigID, action, detail string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		RigID:     rigID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}
