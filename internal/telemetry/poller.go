package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bokiko/bloxos-sub000/internal/alert"
	"github.com/bokiko/bloxos-sub000/internal/metrics"
	"github.com/bokiko/bloxos-sub000/internal/sshexec"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Query commands run on each rig per cycle. Dynamic values never enter
// these strings.
const (
	gpuQueryCommand = "nvidia-smi --query-gpu=temperature.gpu,temperature.memory,fan.speed,power.draw,clocks.sm,clocks.mem,utilization.gpu --format=csv,noheader,nounits"
	gpuNamesCommand = "nvidia-smi --query-gpu=index,name --format=csv,noheader"
	procStatCommand = "cat /proc/stat"
	cpuInfoCommand  = "cat /proc/cpuinfo"

	defaultHwmonPath = "/sys/class/hwmon/hwmon0/temp1_input"
	defaultRAPLPath  = "/sys/class/powercap/intel-rapl:0/energy_uj"
)

// rigSample is the per-rig state carried between cycles for delta
// computation.
type rigSample struct {
	stat      CPUStat
	hasStat   bool
	energyUJ  uint64
	hasEnergy bool
	energyAt  time.Time
}

// Poller runs the periodic telemetry cycle over every rig with stored
// SSH credentials. Rigs are polled concurrently; one rig's failure
// never blocks or delays the others.
type Poller struct {
	store  store.Store
	exec   sshexec.Executor
	alerts *alert.Engine

	hwmonPath string
	raplPath  string

	runMu   sync.Mutex
	running bool

	stateMu sync.Mutex
	prev    map[string]*rigSample
}

// PollerOption customizes a Poller.
type PollerOption func(*Poller)

// WithHwmonPath overrides the CPU temperature sysfs file.
func WithHwmonPath(path string) PollerOption {
	return func(p *Poller) { p.hwmonPath = path }
}

// WithRAPLPath overrides the energy counter sysfs file.
func WithRAPLPath(path string) PollerOption {
	return func(p *Poller) { p.raplPath = path }
}

// NewPoller creates a telemetry poller. alerts may be nil.
func NewPoller(st store.Store, exec sshexec.Executor, alerts *alert.Engine, opts ...PollerOption) *Poller {
	p := &Poller{
		store:     st,
		exec:      exec,
		alerts:    alerts,
		hwmonPath: defaultHwmonPath,
		raplPath:  defaultRAPLPath,
		prev:      make(map[string]*rigSample),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunCycle polls every pollable rig once. If a previous cycle is still
// in flight the new one is skipped, not queued.
func (p *Poller) RunCycle(ctx context.Context) {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		log.Warn().Msg("Previous poll cycle still running, skipping")
		metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
		return
	}
	p.running = true
	p.runMu.Unlock()
	defer func() {
		p.runMu.Lock()
		p.running = false
		p.runMu.Unlock()
	}()

	start := time.Now()

	rigs, err := p.store.ListRigs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Poll cycle failed to list rigs")
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		return
	}

	var wg sync.WaitGroup
	polled := 0
	for _, rig := range rigs {
		if !rig.SSHEnabled {
			continue
		}
		cred, err := p.store.GetCredential(ctx, rig.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue // push-mode rig, the agent server owns it
		}
		if err != nil {
			log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Credential lookup failed, skipping rig this cycle")
			metrics.RigPollErrorsTotal.WithLabelValues("credential").Inc()
			continue
		}
		polled++
		wg.Add(1)
		go func(rig *models.Rig, cred *models.Credential) {
			defer wg.Done()
			p.pollRig(ctx, rig, cred)
		}(rig, cred)
	}
	wg.Wait()

	metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
	metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	log.Debug().Int("rigs", polled).Dur("elapsed", time.Since(start)).Msg("Poll cycle complete")
}

// pollRig gathers one rig's snapshot. An unreachable rig goes OFFLINE;
// per-metric failures leave that metric nil and keep going.
func (p *Poller) pollRig(ctx context.Context, rig *models.Rig, cred *models.Credential) {
	gpus, err := p.pollGPUs(ctx, rig, cred)
	if err != nil && sshexec.IsConnectionError(err) {
		p.markOffline(ctx, rig)
		return
	}

	cpu, err := p.pollCPU(ctx, rig, cred)
	if err != nil && sshexec.IsConnectionError(err) {
		p.markOffline(ctx, rig)
		return
	}

	now := time.Now().UTC()
	if err := p.store.UpdateRigStatus(ctx, rig.ID, models.RigStatusOnline, now); err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Failed to mark rig online")
	}
	rig.Status = models.RigStatusOnline
	rig.LastSeen = now

	if p.alerts != nil {
		p.alerts.EvaluateSnapshot(ctx, rig, gpus, cpu)
	}
}

// pollGPUs runs the vendor CSV query plus the device discovery query
// and upserts one GPU row per device, matched by stable index.
func (p *Poller) pollGPUs(ctx context.Context, rig *models.Rig, cred *models.Credential) ([]*models.GPU, error) {
	csvOut, err := p.exec.Execute(ctx, cred, gpuQueryCommand)
	if err != nil {
		if !sshexec.IsConnectionError(err) {
			// No GPU tooling on this rig is not a poll failure.
			log.Debug().Err(err).Str("rig_id", rig.ID).Msg("GPU query failed, skipping GPU telemetry")
			metrics.RigPollErrorsTotal.WithLabelValues("gpu_query").Inc()
			return nil, nil
		}
		return nil, err
	}

	samples, err := ParseGPUCSV(csvOut)
	if err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Unparseable GPU query output")
		metrics.RigPollErrorsTotal.WithLabelValues("gpu_parse").Inc()
		return nil, nil
	}

	names := map[int]string{}
	if namesOut, err := p.exec.Execute(ctx, cred, gpuNamesCommand); err == nil {
		if parsed, err := ParseGPUNames(namesOut); err == nil {
			names = parsed
		}
	}

	existing := map[int]*models.GPU{}
	if rows, err := p.store.ListGPUs(ctx, rig.ID); err == nil {
		for _, gpu := range rows {
			existing[gpu.Index] = gpu
		}
	}

	now := time.Now().UTC()
	var gpus []*models.GPU
	for idx, sample := range samples {
		gpu, known := existing[idx]
		if !known {
			name := names[idx]
			if name == "" {
				// Unknown device with no identity: nothing to record.
				continue
			}
			gpu = &models.GPU{
				RigID:  rig.ID,
				Index:  idx,
				Name:   name,
				Vendor: InferVendor(name),
			}
		}
		gpu.Temperature = sample.Temperature
		gpu.MemTemp = sample.MemTemp
		gpu.FanSpeed = sample.FanSpeed
		gpu.PowerDraw = sample.PowerDraw
		gpu.CoreClock = sample.CoreClock
		gpu.MemoryClock = sample.MemoryClock
		gpu.Utilization = sample.Utilization
		gpu.UpdatedAt = now

		if err := p.store.UpsertGPU(ctx, gpu); err != nil {
			log.Error().Err(err).Str("rig_id", rig.ID).Int("gpu", idx).Msg("Failed to upsert GPU snapshot")
			continue
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}

// cpuReads holds the raw output of the four CPU source commands, which
// run in parallel since each pays a full SSH handshake.
type cpuReads struct {
	procStat string
	cpuInfo  string
	hwmon    string
	energy   string

	procStatErr error
	cpuInfoErr  error
	hwmonErr    error
	energyErr   error
}

func (p *Poller) pollCPU(ctx context.Context, rig *models.Rig, cred *models.Credential) (*models.CPU, error) {
	var reads cpuReads
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		reads.procStat, reads.procStatErr = p.exec.Execute(ctx, cred, procStatCommand)
	}()
	go func() {
		defer wg.Done()
		reads.cpuInfo, reads.cpuInfoErr = p.exec.Execute(ctx, cred, cpuInfoCommand)
	}()
	go func() {
		defer wg.Done()
		reads.hwmon, reads.hwmonErr = p.exec.Execute(ctx, cred, "cat "+p.hwmonPath)
	}()
	go func() {
		defer wg.Done()
		// RAPL counters are root-readable only.
		reads.energy, reads.energyErr = p.exec.ExecuteSudo(ctx, cred, "cat "+p.raplPath)
	}()
	wg.Wait()

	for _, err := range []error{reads.procStatErr, reads.cpuInfoErr, reads.hwmonErr, reads.energyErr} {
		if err != nil && sshexec.IsConnectionError(err) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	cpu := &models.CPU{RigID: rig.ID, UpdatedAt: now}

	prev := p.prevSample(rig.ID)

	if reads.procStatErr == nil {
		if stat, err := ParseProcStat(reads.procStat); err == nil {
			if prev.hasStat {
				cpu.Utilization = CPUUsagePercent(prev.stat, stat)
			}
			prev.stat = stat
			prev.hasStat = true
		} else {
			metrics.RigPollErrorsTotal.WithLabelValues("proc_stat_parse").Inc()
		}
	}

	if reads.cpuInfoErr == nil {
		if mhz, err := ParseCPUInfoMHz(reads.cpuInfo); err == nil {
			cpu.FrequencyMHz = mhz
		}
		cpu.Model, cpu.Cores = parseCPUIdentity(reads.cpuInfo)
	}

	if reads.hwmonErr == nil {
		if temp, err := ParseMillidegrees(reads.hwmon); err == nil {
			cpu.Temperature = temp
		} else {
			metrics.RigPollErrorsTotal.WithLabelValues("hwmon_parse").Inc()
		}
	}

	if reads.energyErr == nil {
		if uj, err := ParseEnergyCounter(reads.energy); err == nil {
			if prev.hasEnergy {
				cpu.PowerDraw = PowerFromEnergy(prev.energyUJ, uj, now.Sub(prev.energyAt))
			}
			prev.energyUJ = uj
			prev.hasEnergy = true
			prev.energyAt = now
		} else {
			metrics.RigPollErrorsTotal.WithLabelValues("rapl_parse").Inc()
		}
	}

	if err := p.store.UpsertCPU(ctx, cpu); err != nil {
		log.Error().Err(err).Str("rig_id", rig.ID).Msg("Failed to upsert CPU snapshot")
	}
	return cpu, nil
}

func (p *Poller) prevSample(rigID string) *rigSample {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	sample, ok := p.prev[rigID]
	if !ok {
		sample = &rigSample{}
		p.prev[rigID] = sample
	}
	return sample
}

func (p *Poller) markOffline(ctx context.Context, rig *models.Rig) {
	metrics.RigPollErrorsTotal.WithLabelValues("connection").Inc()
	log.Warn().Str("rig_id", rig.ID).Msg("Rig unreachable, marking offline")
	if err := p.store.UpdateRigStatus(ctx, rig.ID, models.RigStatusOffline, rig.LastSeen); err != nil {
		log.Warn().Err(err).Str("rig_id", rig.ID).Msg("Failed to mark rig offline")
	}
	if p.alerts != nil {
		rig.Status = models.RigStatusOffline
		p.alerts.CheckOffline(ctx, rig)
	}
}

// parseCPUIdentity extracts the model name and logical core count from
// /proc/cpuinfo output.
func parseCPUIdentity(output string) (model string, cores int) {
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "processor"):
			cores++
		case model == "" && strings.HasPrefix(line, "model name"):
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				model = strings.TrimSpace(parts[1])
			}
		}
	}
	return model, cores
}

