// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the daemon's Prometheus registry. The packet path
// never touches Prometheus directly; the filter core keeps plain atomics and
// the collector exports them on an interval.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the daemon.
type Registry struct {
	reg *prometheus.Registry

	PacketsAllowed  *prometheus.CounterVec // labels: adapter, direction
	PacketsDropped  *prometheus.CounterVec // labels: adapter, direction
	PacketsCaptured *prometheus.CounterVec // labels: adapter, direction
	PacketsBypassed *prometheus.CounterVec // labels: adapter, direction
	CaptureDrops    prometheus.Counter
	RuleEvalErrors  prometheus.Counter

	PendingPackets *prometheus.GaugeVec // labels: adapter, direction
	InstanceState  *prometheus.GaugeVec // labels: adapter

	RingUsedBytes     prometheus.Gauge
	RingCapacityBytes prometheus.Gauge

	ControlSessions  prometheus.Counter
	ControlBusy      prometheus.Counter
	ControlRequests  *prometheus.CounterVec // labels: opcode, status
	RuleSetVersion   prometheus.Gauge
	RuleSetReload    *prometheus.CounterVec // labels: status
	Uptime           prometheus.Gauge
}

var (
	once     sync.Once
	instance *Registry
)

// Get returns the process-wide metrics registry.
func Get() *Registry {
	once.Do(func() {
		instance = newRegistry()
	})
	return instance
}

func newRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{reg: reg}

	r.PacketsAllowed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptables", Name: "packets_allowed_total",
		Help: "Packets forwarded by rule verdict.",
	}, []string{"adapter", "direction"})
	r.PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptables", Name: "packets_dropped_total",
		Help: "Packets dropped by rule verdict or fail-closed classification.",
	}, []string{"adapter", "direction"})
	r.PacketsCaptured = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptables", Name: "packets_captured_total",
		Help: "Packets forwarded with a capture record emitted.",
	}, []string{"adapter", "direction"})
	r.PacketsBypassed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptables", Name: "packets_bypassed_total",
		Help: "Packets passed through uncounted because the instance was not running.",
	}, []string{"adapter", "direction"})
	r.CaptureDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ptables", Name: "capture_drops_total",
		Help: "Capture records lost because the ring channel was full.",
	})
	r.RuleEvalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ptables", Name: "rule_eval_errors_total",
		Help: "Classification failures mapped to drop.",
	})

	r.PendingPackets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ptables", Name: "pending_packets",
		Help: "Packets accepted but not yet completed.",
	}, []string{"adapter", "direction"})
	r.InstanceState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ptables", Name: "instance_state",
		Help: "Filter instance lifecycle state (numeric).",
	}, []string{"adapter"})

	r.RingUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ptables", Name: "ring_used_bytes",
		Help: "Unread bytes in the capture ring.",
	})
	r.RingCapacityBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ptables", Name: "ring_capacity_bytes",
		Help: "Capacity of the capture ring.",
	})

	r.ControlSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ptables", Name: "control_sessions_total",
		Help: "Control sessions accepted.",
	})
	r.ControlBusy = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ptables", Name: "control_busy_rejections_total",
		Help: "Control session opens rejected because a session was active.",
	})
	r.ControlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptables", Name: "control_requests_total",
		Help: "Control requests by opcode and status.",
	}, []string{"opcode", "status"})
	r.RuleSetVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ptables", Name: "ruleset_version",
		Help: "Version of the active rule set.",
	})
	r.RuleSetReload = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ptables", Name: "ruleset_reload_total",
		Help: "Rule set updates by status.",
	}, []string{"status"})
	r.Uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ptables", Name: "uptime_seconds",
		Help: "Daemon uptime.",
	})

	reg.MustRegister(
		r.PacketsAllowed, r.PacketsDropped, r.PacketsCaptured, r.PacketsBypassed,
		r.CaptureDrops, r.RuleEvalErrors,
		r.PendingPackets, r.InstanceState,
		r.RingUsedBytes, r.RingCapacityBytes,
		r.ControlSessions, r.ControlBusy, r.ControlRequests,
		r.RuleSetVersion, r.RuleSetReload, r.Uptime,
	)
	return r
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
