// Package control routes fleet control actions to the right transport:
// rigs with stored SSH credentials are driven directly through the
// execution gateway, push-mode rigs receive a queued command over the
// agent protocol.
package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bokiko/bloxos-sub000/internal/agentserver"
	"github.com/bokiko/bloxos-sub000/internal/miner"
	"github.com/bokiko/bloxos-sub000/internal/overclock"
	"github.com/bokiko/bloxos-sub000/internal/sshexec"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/internal/validate"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// StartMinerPayload is the payload of a start_miner command.
type StartMinerPayload struct {
	MinerName     string   `json:"minerName"`
	Algorithm     string   `json:"algorithm"`
	PoolURL       string   `json:"poolUrl"`
	WalletAddress string   `json:"walletAddress"`
	WorkerName    string   `json:"workerName"`
	ExtraArgs     []string `json:"extraArgs,omitempty"`
}

// StopMinerPayload is the payload of a stop_miner command.
type StopMinerPayload struct {
	MinerName string `json:"minerName"`
}

// OverclockPayload is the payload of apply_overclock and
// reset_overclock commands. Clock fields are NVIDIA offsets or AMD
// performance levels depending on the vendor.
type OverclockPayload struct {
	Vendor          string `json:"vendor"`
	GPUIndex        int    `json:"gpuIndex"`
	ProfileName     string `json:"profileName,omitempty"`
	PowerLimitW     *int   `json:"powerLimitW,omitempty"`
	CoreClock       *int   `json:"coreClock,omitempty"`
	MemClock        *int   `json:"memClock,omitempty"`
	FanSpeedPercent *int   `json:"fanSpeedPercent,omitempty"`
}

// Dispatcher executes control commands against SSH rigs and queues
// them for agent rigs.
type Dispatcher struct {
	store  store.Store
	exec   sshexec.Executor
	miners *miner.Controller
	oc     *overclock.Controller
	agents *agentserver.Server
}

// NewDispatcher wires the controllers behind one dispatch surface.
// agents may be nil when the agent protocol server is disabled.
func NewDispatcher(st store.Store, exec sshexec.Executor, miners *miner.Controller, oc *overclock.Controller, agents *agentserver.Server) *Dispatcher {
	return &Dispatcher{store: st, exec: exec, miners: miners, oc: oc, agents: agents}
}

// Dispatch runs (or queues) one control command for a rig and returns
// the command ID for correlation.
func (d *Dispatcher) Dispatch(ctx context.Context, rigID string, cmdType models.CommandType, payload map[string]interface{}) (string, error) {
	rig, err := d.store.GetRig(ctx, rigID)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %w", cmdType, err)
	}

	direct, err := d.store.RigHasCredentials(ctx, rigID)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %w", cmdType, err)
	}

	cmd := models.NewCommand(cmdType, payload)
	if !direct {
		if d.agents == nil {
			return "", fmt.Errorf("%w: rig %s has no SSH credentials and the agent server is disabled", validate.ErrValidation, rigID)
		}
		d.agents.SendCommand(rigID, cmd)
		log.Info().Str("rig_id", rigID).Str("command_id", cmd.ID).Str("type", string(cmdType)).
			Msg("Command routed to agent")
		return cmd.ID, nil
	}

	cred, err := d.store.GetCredential(ctx, rigID)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %w", cmdType, err)
	}

	if err := d.executeDirect(ctx, rig, cred, cmdType, payload); err != nil {
		return cmd.ID, err
	}
	return cmd.ID, nil
}

func (d *Dispatcher) executeDirect(ctx context.Context, rig *models.Rig, cred *models.Credential, cmdType models.CommandType, payload map[string]interface{}) error {
	switch cmdType {
	case models.CommandStartMiner:
		var p StartMinerPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		_, err := d.miners.Start(ctx, rig, cred, miner.StartRequest{
			MinerName:     p.MinerName,
			Algorithm:     p.Algorithm,
			PoolURL:       p.PoolURL,
			WalletAddress: p.WalletAddress,
			WorkerName:    p.WorkerName,
			ExtraArgs:     p.ExtraArgs,
		})
		return err

	case models.CommandStopMiner:
		var p StopMinerPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		return d.miners.Stop(ctx, rig, cred, p.MinerName)

	case models.CommandApplyOverclock:
		var p OverclockPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		profile, err := p.profile()
		if err != nil {
			return err
		}
		return d.oc.Apply(ctx, rig, cred, p.GPUIndex, profile)

	case models.CommandResetOverclock:
		var p OverclockPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		return d.oc.Reset(ctx, rig, cred, p.GPUIndex, models.GPUVendor(p.Vendor))

	case models.CommandReboot:
		return d.reboot(ctx, rig, cred)

	default:
		return fmt.Errorf("%w: unknown command type %q", validate.ErrValidation, cmdType)
	}
}

// reboot issues a remote reboot and flips the rig to REBOOTING. The
// poller will bring it back ONLINE once it answers again.
func (d *Dispatcher) reboot(ctx context.Context, rig *models.Rig, cred *models.Credential) error {
	if _, err := d.exec.ExecuteSudo(ctx, cred, "reboot"); err != nil {
		// The SSH session often dies as the host goes down; only an
		// unreachable rig is a real failure.
		if sshexec.IsConnectionError(err) {
			return err
		}
	}

	if err := d.store.UpdateRigStatus(ctx, rig.ID, models.RigStatusRebooting, rig.LastSeen); err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Failed to mark rig rebooting")
	}
	if err := d.store.AppendEvent(ctx, models.NewEvent(rig.ID, "reboot", "remote reboot issued")); err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Failed to record reboot event")
	}
	return nil
}

func (p OverclockPayload) profile() (overclock.Profile, error) {
	switch models.GPUVendor(p.Vendor) {
	case models.GPUVendorNvidia:
		return overclock.NvidiaProfile{
			Name:            p.ProfileName,
			PowerLimitW:     p.PowerLimitW,
			CoreClockOffset: p.CoreClock,
			MemClockOffset:  p.MemClock,
			FanSpeedPercent: p.FanSpeedPercent,
		}, nil
	case models.GPUVendorAMD:
		return overclock.AmdProfile{
			Name:            p.ProfileName,
			PowerLimitW:     p.PowerLimitW,
			CoreClockLevel:  p.CoreClock,
			MemClockLevel:   p.MemClock,
			FanSpeedPercent: p.FanSpeedPercent,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported overclock vendor %q", validate.ErrValidation, p.Vendor)
	}
}

// decodePayload maps the loosely typed command payload onto a typed
// struct via a JSON round trip.
func decodePayload(payload map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", validate.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", validate.ErrValidation, err)
	}
	return nil
}
