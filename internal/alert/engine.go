// Package alert evaluates telemetry against per-rig thresholds and
// fires notifications with a per-alert cooldown. The engine is
// transport-agnostic: polled and agent-pushed snapshots go through the
// same evaluation path.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bokiko/bloxos-sub000/internal/metrics"
	"github.com/bokiko/bloxos-sub000/internal/notify"
	"github.com/bokiko/bloxos-sub000/internal/store"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Fleet-wide defaults applied when a rig has no AlertConfig row or a
// zero-valued field.
const (
	DefaultMaxTemperature      = 85.0
	DefaultOfflineSeconds      = 300
	DefaultHashrateDropPercent = 30.0
	DefaultCooldown            = 15 * time.Minute
)

// Engine evaluates snapshots and fires alerts. Cooldown state is
// runtime-only, keyed by (alertType, rigID[, gpuIndex]).
type Engine struct {
	store    store.Store
	notifier notify.Notifier
	cooldown time.Duration
	now      func() time.Time

	mu           sync.Mutex
	lastFired    map[string]time.Time
	prevHashrate map[string]float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithCooldown overrides the per-alert cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(e *Engine) { e.cooldown = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an alert engine.
func NewEngine(st store.Store, notifier notify.Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		notifier:     notifier,
		cooldown:     DefaultCooldown,
		now:          time.Now,
		lastFired:    make(map[string]time.Time),
		prevHashrate: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateSnapshot checks a fresh telemetry snapshot for a rig.
func (e *Engine) EvaluateSnapshot(ctx context.Context, rig *models.Rig, gpus []*models.GPU, cpu *models.CPU) {
	cfg := e.configFor(ctx, rig.ID)

	var totalHashrate float64
	for _, gpu := range gpus {
		if gpu.Temperature != nil && *gpu.Temperature > cfg.MaxTemperature {
			idx := gpu.Index
			e.fire(ctx, rig, models.AlertHighTemperature, models.SeverityCritical, &idx,
				fmt.Sprintf("GPU %d on %s at %.0f°C (limit %.0f°C)", gpu.Index, rig.Name, *gpu.Temperature, cfg.MaxTemperature))
		}
		if gpu.Hashrate != nil {
			totalHashrate += *gpu.Hashrate
		}
	}

	if cpu != nil && cpu.Temperature != nil && *cpu.Temperature > cfg.MaxTemperature {
		e.fire(ctx, rig, models.AlertHighTemperature, models.SeverityWarning, nil,
			fmt.Sprintf("CPU on %s at %.0f°C (limit %.0f°C)", rig.Name, *cpu.Temperature, cfg.MaxTemperature))
	}
	if cpu != nil && cpu.Hashrate != nil {
		totalHashrate += *cpu.Hashrate
	}

	e.checkHashrateDrop(ctx, rig, cfg, totalHashrate)
}

// CheckOffline fires an offline alert when the rig has been out of
// contact longer than its configured threshold.
func (e *Engine) CheckOffline(ctx context.Context, rig *models.Rig) {
	if rig.Status != models.RigStatusOffline || rig.LastSeen.IsZero() {
		return
	}
	cfg := e.configFor(ctx, rig.ID)
	offline := e.now().Sub(rig.LastSeen)
	if offline < time.Duration(cfg.OfflineSeconds)*time.Second {
		return
	}
	e.fire(ctx, rig, models.AlertRigOffline, models.SeverityCritical, nil,
		fmt.Sprintf("%s offline for %s", rig.Name, offline.Round(time.Second)))
}

func (e *Engine) checkHashrateDrop(ctx context.Context, rig *models.Rig, cfg models.AlertConfig, current float64) {
	e.mu.Lock()
	prev, seen := e.prevHashrate[rig.ID]
	if current > 0 {
		e.prevHashrate[rig.ID] = current
	}
	e.mu.Unlock()

	if !seen || prev <= 0 {
		return
	}
	dropPct := 100 * (prev - current) / prev
	if dropPct < cfg.HashrateDropPercent {
		return
	}
	e.fire(ctx, rig, models.AlertHashrateDrop, models.SeverityWarning, nil,
		fmt.Sprintf("%s hashrate dropped %.0f%% (%.2f -> %.2f)", rig.Name, dropPct, prev, current))
}

func (e *Engine) configFor(ctx context.Context, rigID string) models.AlertConfig {
	cfg, err := e.store.GetAlertConfig(ctx, rigID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("rig_id", rigID).Msg("Failed to load alert config, using defaults")
		}
		cfg = &models.AlertConfig{RigID: rigID}
	}
	if cfg.MaxTemperature <= 0 {
		cfg.MaxTemperature = DefaultMaxTemperature
	}
	if cfg.OfflineSeconds <= 0 {
		cfg.OfflineSeconds = DefaultOfflineSeconds
	}
	if cfg.HashrateDropPercent <= 0 {
		cfg.HashrateDropPercent = DefaultHashrateDropPercent
	}
	return *cfg
}

// fire records and delivers one alert, subject to the cooldown window.
func (e *Engine) fire(ctx context.Context, rig *models.Rig, alertType models.AlertType, severity models.AlertSeverity, gpuIndex *int, message string) {
	key := cooldownKey(alertType, rig.ID, gpuIndex)

	e.mu.Lock()
	last, seen := e.lastFired[key]
	now := e.now()
	if seen && now.Sub(last) < e.cooldown {
		e.mu.Unlock()
		return
	}
	e.lastFired[key] = now
	e.mu.Unlock()

	alert := &models.Alert{
		ID:        uuid.New().String(),
		RigID:     rig.ID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		GPUIndex:  gpuIndex,
		CreatedAt: now.UTC(),
	}
	if err := e.store.AppendAlert(ctx, alert); err != nil {
		log.Error().Err(err).Str("rig_id", rig.ID).Msg("Failed to persist alert")
	}
	metrics.AlertsFiredTotal.WithLabelValues(string(alertType)).Inc()

	log.Warn().Str("rig_id", rig.ID).Str("type", string(alertType)).Msg(message)

	// Fire-and-forget delivery; never blocks evaluation.
	go e.notifier.Notify(rig.FarmID, notify.Notification{
		Title:    string(alertType),
		Message:  message,
		Severity: severity,
		RigID:    rig.ID,
	})
}

func cooldownKey(alertType models.AlertType, rigID string, gpuIndex *int) string {
	if gpuIndex != nil {
		return fmt.Sprintf("%s|%s|%d", alertType, rigID, *gpuIndex)
	}
	return fmt.Sprintf("%s|%s", alertType, rigID)
}
