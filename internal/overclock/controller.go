// Package overclock applies and resets vendor-specific GPU settings
// through the execution gateway. Each setting maps to one command,
// executed independently and sequentially: partial application is
// preferable to none, so a failed setting is logged and the rest
// proceed (best-effort semantics).
package overclock

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bokiko/bloxos-sub000/internal/sshexec"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/internal/validate"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Controller drives overclock changes on rigs.
type Controller struct {
	exec  sshexec.Executor
	store store.Store
}

// NewController creates an overclock controller.
func NewController(exec sshexec.Executor, st store.Store) *Controller {
	return &Controller{exec: exec, store: st}
}

// Apply pushes the profile's settings to one GPU. Individual setting
// failures do not abort the remaining settings; the returned error is
// non-nil only when the rig was unreachable or every setting failed.
func (c *Controller) Apply(ctx context.Context, rig *models.Rig, cred *models.Credential, gpuIndex int, profile Profile) error {
	if !rig.OverclockEnabled {
		return fmt.Errorf("%w: overclocking disabled for rig %s", validate.ErrValidation, rig.ID)
	}
	if err := validate.IntInRange("gpu_index", gpuIndex, 0, 15); err != nil {
		return err
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	commands := buildApplyCommands(gpuIndex, profile)
	if len(commands) == 0 {
		return fmt.Errorf("%w: profile has no settings", validate.ErrValidation)
	}

	failed, err := c.runSequence(ctx, rig, cred, commands)
	if err != nil {
		return err
	}

	detail := fmt.Sprintf("profile=%s gpu=%d vendor=%s commands=[%s] failed=%d",
		profileName(profile), gpuIndex, profile.Vendor(), strings.Join(commands, "; "), failed)
	c.audit(ctx, rig.ID, "overclock_apply", detail)

	if failed == len(commands) {
		return fmt.Errorf("%w: all %d overclock settings failed", sshexec.ErrExec, failed)
	}
	return nil
}

// Reset restores vendor default clocks/power/fans on one GPU.
func (c *Controller) Reset(ctx context.Context, rig *models.Rig, cred *models.Credential, gpuIndex int, vendor models.GPUVendor) error {
	if !rig.OverclockEnabled {
		return fmt.Errorf("%w: overclocking disabled for rig %s", validate.ErrValidation, rig.ID)
	}
	if err := validate.IntInRange("gpu_index", gpuIndex, 0, 15); err != nil {
		return err
	}

	commands := buildResetCommands(gpuIndex, vendor)
	if len(commands) == 0 {
		return fmt.Errorf("%w: no reset commands for vendor %s", validate.ErrValidation, vendor)
	}

	failed, err := c.runSequence(ctx, rig, cred, commands)
	if err != nil {
		return err
	}

	detail := fmt.Sprintf("gpu=%d vendor=%s commands=[%s] failed=%d",
		gpuIndex, vendor, strings.Join(commands, "; "), failed)
	c.audit(ctx, rig.ID, "overclock_reset", detail)

	if failed == len(commands) {
		return fmt.Errorf("%w: all %d reset commands failed", sshexec.ErrExec, failed)
	}
	return nil
}

// runSequence executes commands one at a time, counting failures. An
// unreachable rig aborts immediately; command failures do not.
func (c *Controller) runSequence(ctx context.Context, rig *models.Rig, cred *models.Credential, commands []string) (failed int, err error) {
	for _, command := range commands {
		if _, err := c.exec.ExecuteSudoScript(ctx, cred, command); err != nil {
			if sshexec.IsConnectionError(err) {
				return failed, err
			}
			failed++
			log.Warn().Err(err).Str("rig_id", rig.ID).Str("command", command).
				Msg("Overclock command failed, continuing with remaining settings")
		}
	}
	return failed, nil
}

func (c *Controller) audit(ctx context.Context, rigID, action, detail string) {
	if err := c.store.AppendEvent(ctx, models.NewEvent(rigID, action, detail)); err != nil {
		log.Warn().Err(err).Str("rig_id", rigID).Msg("Failed to record overclock event")
	}
}

// buildApplyCommands maps each set profile field to one vendor command.
// Fields were range-checked by Validate; the templates are trusted.
func buildApplyCommands(gpuIndex int, profile Profile) []string {
	var commands []string
	switch p := profile.(type) {
	case NvidiaProfile:
		if p.PowerLimitW != nil {
			commands = append(commands, fmt.Sprintf("nvidia-smi -i %d -pl %d", gpuIndex, *p.PowerLimitW))
		}
		if p.CoreClockOffset != nil {
			commands = append(commands, fmt.Sprintf("nvidia-settings -a [gpu:%d]/GPUGraphicsClockOffset[3]=%d", gpuIndex, *p.CoreClockOffset))
		}
		if p.MemClockOffset != nil {
			commands = append(commands, fmt.Sprintf("nvidia-settings -a [gpu:%d]/GPUMemoryTransferRateOffset[3]=%d", gpuIndex, *p.MemClockOffset))
		}
		if p.FanSpeedPercent != nil {
			commands = append(commands,
				fmt.Sprintf("nvidia-settings -a [gpu:%d]/GPUFanControlState=1", gpuIndex),
				fmt.Sprintf("nvidia-settings -a [fan:%d]/GPUTargetFanSpeed=%d", gpuIndex, *p.FanSpeedPercent))
		}
	case AmdProfile:
		if p.PowerLimitW != nil {
			commands = append(commands, fmt.Sprintf("rocm-smi -d %d --setpoweroverdrive %d", gpuIndex, *p.PowerLimitW))
		}
		if p.CoreClockLevel != nil {
			commands = append(commands, fmt.Sprintf("rocm-smi -d %d --setsclk %d", gpuIndex, *p.CoreClockLevel))
		}
		if p.MemClockLevel != nil {
			commands = append(commands, fmt.Sprintf("rocm-smi -d %d --setmclk %d", gpuIndex, *p.MemClockLevel))
		}
		if p.FanSpeedPercent != nil {
			commands = append(commands, fmt.Sprintf("rocm-smi -d %d --setfan %d%%", gpuIndex, *p.FanSpeedPercent))
		}
	}
	return commands
}

// buildResetCommands returns the vendor's restore-defaults sequence.
func buildResetCommands(gpuIndex int, vendor models.GPUVendor) []string {
	switch vendor {
	case models.GPUVendorNvidia:
		return []string{
			fmt.Sprintf("nvidia-smi -i %d -rgc", gpuIndex),
			fmt.Sprintf("nvidia-smi -i %d -rmc", gpuIndex),
			fmt.Sprintf("nvidia-settings -a [gpu:%d]/GPUFanControlState=0", gpuIndex),
		}
	case models.GPUVendorAMD:
		return []string{
			fmt.Sprintf("rocm-smi -d %d --resetclocks", gpuIndex),
			fmt.Sprintf("rocm-smi -d %d --resetfans", gpuIndex),
			fmt.Sprintf("rocm-smi -d %d --resetpoweroverdrive", gpuIndex),
		}
	default:
		return nil
	}
}

func profileName(profile Profile) string {
	switch p := profile.(type) {
	case NvidiaProfile:
		return p.Name
	case AmdProfile:
		return p.Name
	}
	return ""
}
