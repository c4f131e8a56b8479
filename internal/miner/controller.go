// Package miner builds miner command lines from validated fields and
// manages the remote miner process lifecycle through the execution
// gateway. Command construction is array-based: every field is
// validated on its own and appended as a discrete argument token, never
// interpolated into a format string.
package miner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bokiko/bloxos-sub000/internal/sshexec"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/internal/validate"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

var (
	// ErrUnknownMiner means the miner name is not in the catalog.
	ErrUnknownMiner = errors.New("unknown miner")

	// ErrAlreadyRunning means a live process for that miner was found.
	ErrAlreadyRunning = errors.New("miner already running")
)

// StartRequest carries the validated-on-use fields for a miner launch.
type StartRequest struct {
	MinerName     string
	Algorithm     string
	PoolURL       string
	WalletAddress string
	WorkerName    string
	ExtraArgs     []string
}

// Controller owns MinerInstance state and drives the remote process.
type Controller struct {
	exec    sshexec.Executor
	store   store.Store
	catalog map[string]Spec
}

// NewController creates a miner controller over the given catalog.
func NewController(exec sshexec.Executor, st store.Store, catalog map[string]Spec) *Controller {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Controller{exec: exec, store: st, catalog: catalog}
}

// BuildCommand validates every field of req and assembles the argument
// vector for the miner binary. Any invalid field is a hard error before
// a command string exists.
func (c *Controller) BuildCommand(req StartRequest) ([]string, error) {
	if err := validate.MinerName(req.MinerName); err != nil {
		return nil, err
	}
	spec, ok := c.catalog[req.MinerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMiner, req.MinerName)
	}

	if err := validate.Algorithm(req.Algorithm); err != nil {
		return nil, err
	}
	if !spec.supportsAlgorithm(req.Algorithm) {
		return nil, fmt.Errorf("%w: algorithm %q not allowed for %s", validate.ErrValidation, req.Algorithm, spec.Name)
	}
	if err := validate.PoolURL(req.PoolURL); err != nil {
		return nil, err
	}
	if err := validate.WalletAddress(req.WalletAddress); err != nil {
		return nil, err
	}
	if err := validate.WorkerName(req.WorkerName); err != nil {
		return nil, err
	}
	for _, arg := range req.ExtraArgs {
		if err := validate.ArgToken(arg); err != nil {
			return nil, err
		}
	}

	user := req.WalletAddress + "." + req.WorkerName

	var args []string
	switch spec.Name {
	case "xmrig":
		args = []string{spec.BinaryPath, "-a", req.Algorithm, "-o", req.PoolURL, "-u", user, "--no-color"}
	case "lolminer":
		args = []string{spec.BinaryPath, "--algo", req.Algorithm, "--pool", req.PoolURL, "--user", user}
	default:
		args = []string{spec.BinaryPath, "-a", req.Algorithm, "-o", req.PoolURL, "-u", user}
	}
	args = append(args, req.ExtraArgs...)
	return args, nil
}

// Start launches the miner detached on the rig and records a RUNNING
// instance with the captured PID.
func (c *Controller) Start(ctx context.Context, rig *models.Rig, cred *models.Credential, req StartRequest) (*models.MinerInstance, error) {
	if !rig.MiningEnabled {
		return nil, fmt.Errorf("%w: mining disabled for rig %s", validate.ErrValidation, rig.ID)
	}

	args, err := c.BuildCommand(req)
	if err != nil {
		return nil, err
	}
	spec := c.catalog[req.MinerName]

	// Refuse a second process for the same miner binary.
	out, err := c.exec.ExecuteScript(ctx, cred, "pgrep -f "+processPattern(spec.BinaryPath))
	if err == nil && strings.TrimSpace(out) != "" {
		return nil, fmt.Errorf("%w: %s (pid %s)", ErrAlreadyRunning, spec.Name, strings.Fields(out)[0])
	}
	if err != nil && sshexec.IsConnectionError(err) {
		return nil, err
	}

	// Detached launch; the trailing echo surfaces the PID. Template is
	// trusted; every dynamic token was validated in BuildCommand.
	script := fmt.Sprintf("mkdir -p /var/log/miners; nohup %s > %s 2>&1 & echo $!",
		strings.Join(args, " "), spec.LogPath)
	out, err = c.exec.ExecuteScript(ctx, cred, script)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", spec.Name, err)
	}

	pid, err := parsePID(out)
	if err != nil {
		return nil, err
	}

	inst := &models.MinerInstance{
		RigID:     rig.ID,
		MinerName: spec.Name,
		Status:    models.MinerStatusRunning,
		PID:       pid,
		StartedAt: time.Now().UTC(),
	}
	if err := c.store.UpsertMinerInstance(ctx, inst); err != nil {
		return nil, err
	}

	detail := fmt.Sprintf("%s %s %s pid=%d", spec.Name, req.Algorithm, req.PoolURL, pid)
	if err := c.store.AppendEvent(ctx, models.NewEvent(rig.ID, "miner_start", detail)); err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Failed to record miner start event")
	}

	log.Info().Str("rig_id", rig.ID).Str("miner", spec.Name).Int("pid", pid).Msg("Miner started")
	return inst, nil
}

// Stop terminates the miner process. The instance always transitions to
// STOPPED, even when no process was found (idempotent stop).
func (c *Controller) Stop(ctx context.Context, rig *models.Rig, cred *models.Credential, minerName string) error {
	if err := validate.MinerName(minerName); err != nil {
		return err
	}
	spec, ok := c.catalog[minerName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMiner, minerName)
	}

	inst, err := c.store.GetMinerInstance(ctx, rig.ID, minerName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Kill by tracked PID first, then by exact binary path. Failures
	// here mean the process is already gone.
	if inst != nil && inst.PID > 0 {
		if _, err := c.exec.Execute(ctx, cred, "kill "+strconv.Itoa(inst.PID)); err != nil {
			log.Debug().Err(err).Int("pid", inst.PID).Msg("Kill by PID failed, falling back to pkill")
		}
	}
	if _, err := c.exec.ExecuteScript(ctx, cred, "pkill -f "+processPattern(spec.BinaryPath)); err != nil {
		log.Debug().Err(err).Str("miner", minerName).Msg("pkill found no process")
	}

	stopped := &models.MinerInstance{
		RigID:     rig.ID,
		MinerName: minerName,
		Status:    models.MinerStatusStopped,
		PID:       0,
	}
	if inst != nil {
		stopped.StartedAt = inst.StartedAt
	}
	if err := c.store.UpsertMinerInstance(ctx, stopped); err != nil {
		return err
	}

	if err := c.store.AppendEvent(ctx, models.NewEvent(rig.ID, "miner_stop", minerName)); err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Failed to record miner stop event")
	}
	return nil
}

// Status returns the tracked instance after reconciling it against a
// live-process check. A dead PID forces a STOPPED transition as a side
// effect of the read.
func (c *Controller) Status(ctx context.Context, rig *models.Rig, cred *models.Credential, minerName string) (*models.MinerInstance, error) {
	inst, err := c.store.GetMinerInstance(ctx, rig.ID, minerName)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.MinerStatusRunning || inst.PID <= 0 {
		return inst, nil
	}

	_, err = c.exec.Execute(ctx, cred, "ps -p "+strconv.Itoa(inst.PID))
	if err == nil {
		return inst, nil
	}
	if sshexec.IsConnectionError(err) {
		// Can't verify; report last known state alongside the error.
		return inst, err
	}

	// PID is dead: self-heal to STOPPED.
	inst.Status = models.MinerStatusStopped
	inst.PID = 0
	if err := c.store.UpsertMinerInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// processPattern anchors a pgrep/pkill -f match to the exact binary
// path. An unanchored path is a substring match: a command line that
// merely mentions the path (a tail on its log file) would hit. The
// path comes from the catalog, never from user input.
func processPattern(binaryPath string) string {
	return validate.ShellQuote("^" + binaryPath + "( |$)")
}

// parsePID extracts the launcher's echoed PID from command output.
func parsePID(output string) (int, error) {
	lines := strings.Fields(strings.TrimSpace(output))
	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: launcher produced no PID", sshexec.ErrExec)
	}
	pid, err := strconv.Atoi(lines[len(lines)-1])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: bad PID %q", sshexec.ErrExec, lines[len(lines)-1])
	}
	return pid, nil
}
