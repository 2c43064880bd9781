// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"
	"time"

	"grimm.is/ptables/internal/clock"
	"grimm.is/ptables/internal/logging"
)

// AdapterSample is one adapter's counters at a sampling instant. Values are
// cumulative since attach.
type AdapterSample struct {
	Adapter        string
	State          string
	StateCode      int
	PendingSend    int64
	PendingReceive int64
	Allowed        uint64
	Dropped        uint64
	Captured       uint64
	Bypassed       uint64
}

// Snapshot is a full view of the filter core's counters.
type Snapshot struct {
	Adapters       []AdapterSample
	RingUsed       uint64
	RingCapacity   uint64
	CaptureDrops   uint64
	RuleEvalErrors uint64
	RuleSetVersion uint64
}

// Source provides counter snapshots. Implemented by the control-plane server
// over the filter core; the collector never reaches into the hot path.
type Source interface {
	Sample() Snapshot
}

// AdapterStats is the API-facing per-adapter view, with computed rates.
type AdapterStats struct {
	Adapter        string  `json:"adapter"`
	State          string  `json:"state"`
	PendingSend    int64   `json:"pending_send"`
	PendingReceive int64   `json:"pending_receive"`
	Allowed        uint64  `json:"allowed"`
	Dropped        uint64  `json:"dropped"`
	Captured       uint64  `json:"captured"`
	Bypassed       uint64  `json:"bypassed"`
	AllowedPS      float64 `json:"allowed_per_sec"`
	DroppedPS      float64 `json:"dropped_per_sec"`

	// Previous values for rate calculation (not exported to JSON)
	prevAllowed   uint64
	prevDropped   uint64
	prevTimestamp time.Time
}

// Collector samples the filter core and updates the Prometheus registry.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	interval time.Duration
	source   Source
	stopCh   chan struct{}

	mu           sync.RWMutex
	lastUpdate   time.Time
	adapterStats map[string]*AdapterStats

	// Previous cumulative values for counter export
	prevPerAdapter map[string]AdapterSample
	prevCapDrops   uint64
	prevEvalErrs   uint64
}

// NewCollector creates a metrics collector sampling source every interval.
func NewCollector(logger *logging.Logger, interval time.Duration) *Collector {
	return &Collector{
		registry:       Get(),
		logger:         logger,
		interval:       interval,
		stopCh:         make(chan struct{}),
		adapterStats:   make(map[string]*AdapterStats),
		prevPerAdapter: make(map[string]AdapterSample),
	}
}

// SetSource sets the snapshot source. Call before Start.
func (c *Collector) SetSource(s Source) {
	c.source = s
}

// Start begins the collection loop. It blocks until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect samples the source and updates the registry and cached stats.
func (c *Collector) collect() {
	if c.source == nil {
		return
	}
	snap := c.source.Sample()
	now := clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range snap.Adapters {
		stats, ok := c.adapterStats[a.Adapter]
		if !ok {
			stats = &AdapterStats{Adapter: a.Adapter}
			c.adapterStats[a.Adapter] = stats
		}

		if !stats.prevTimestamp.IsZero() {
			elapsed := now.Sub(stats.prevTimestamp).Seconds()
			if elapsed > 0 {
				stats.AllowedPS = c.calculateRate(a.Allowed, stats.prevAllowed, elapsed)
				stats.DroppedPS = c.calculateRate(a.Dropped, stats.prevDropped, elapsed)
			}
		}
		stats.prevAllowed = a.Allowed
		stats.prevDropped = a.Dropped
		stats.prevTimestamp = now

		stats.State = a.State
		stats.PendingSend = a.PendingSend
		stats.PendingReceive = a.PendingReceive
		stats.Allowed = a.Allowed
		stats.Dropped = a.Dropped
		stats.Captured = a.Captured
		stats.Bypassed = a.Bypassed

		// Export counter deltas; a smaller cumulative value means the
		// adapter re-attached, so the current value is the delta.
		prev := c.prevPerAdapter[a.Adapter]
		c.registry.PacketsAllowed.WithLabelValues(a.Adapter, "all").Add(delta(a.Allowed, prev.Allowed))
		c.registry.PacketsDropped.WithLabelValues(a.Adapter, "all").Add(delta(a.Dropped, prev.Dropped))
		c.registry.PacketsCaptured.WithLabelValues(a.Adapter, "all").Add(delta(a.Captured, prev.Captured))
		c.registry.PacketsBypassed.WithLabelValues(a.Adapter, "all").Add(delta(a.Bypassed, prev.Bypassed))
		c.prevPerAdapter[a.Adapter] = a

		c.registry.PendingPackets.WithLabelValues(a.Adapter, "send").Set(float64(a.PendingSend))
		c.registry.PendingPackets.WithLabelValues(a.Adapter, "receive").Set(float64(a.PendingReceive))
		c.registry.InstanceState.WithLabelValues(a.Adapter).Set(float64(a.StateCode))
	}

	c.registry.CaptureDrops.Add(delta(snap.CaptureDrops, c.prevCapDrops))
	c.prevCapDrops = snap.CaptureDrops
	c.registry.RuleEvalErrors.Add(delta(snap.RuleEvalErrors, c.prevEvalErrs))
	c.prevEvalErrs = snap.RuleEvalErrors

	c.registry.RingUsedBytes.Set(float64(snap.RingUsed))
	c.registry.RingCapacityBytes.Set(float64(snap.RingCapacity))
	c.registry.RuleSetVersion.Set(float64(snap.RuleSetVersion))

	c.lastUpdate = now
}

func delta(current, previous uint64) float64 {
	if current < previous {
		return float64(current)
	}
	return float64(current - previous)
}

// calculateRate computes the rate between two counter values, handling resets.
// If current < previous (counter reset), treats current as the delta from zero.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var d uint64
	if current < previous {
		d = current
		c.logger.Debug("Counter reset detected", "current", current, "previous", previous)
	} else {
		d = current - previous
	}

	return float64(d) / elapsedSeconds
}

// GetAdapterStats returns a copy of the current per-adapter statistics.
func (c *Collector) GetAdapterStats() map[string]*AdapterStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*AdapterStats, len(c.adapterStats))
	for k, v := range c.adapterStats {
		copy := *v
		result[k] = &copy
	}
	return result
}

// GetLastUpdate returns the timestamp of the last collection.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// UpdateUptime updates the uptime gauge.
func (c *Collector) UpdateUptime(uptime time.Duration) {
	c.registry.Uptime.Set(uptime.Seconds())
}
