// Package metrics defines the Prometheus collectors for the control
// plane, exposed on /metrics by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Telemetry poller

	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_poll_cycles_total",
			Help: "Total number of telemetry poll cycle runs",
		},
		[]string{"status"},
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_poll_cycle_duration_seconds",
			Help:    "Telemetry poll cycle duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	RigPollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_rig_poll_errors_total",
			Help: "Total number of per-rig poll failures",
		},
		[]string{"error_type"},
	)

	// Agent protocol server

	AgentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_agents_connected",
			Help: "Number of rigs with a live agent connection",
		},
	)

	AgentMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_messages_total",
			Help: "Total number of agent protocol messages received",
		},
		[]string{"type"},
	)

	CommandQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_command_queue_depth",
			Help: "Total number of commands queued for offline rigs",
		},
	)

	// Alert engine

	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_alerts_fired_total",
			Help: "Total number of alerts fired",
		},
		[]string{"type"},
	)
)
