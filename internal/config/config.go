// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the daemon's HCL configuration.
package config

import (
	"grimm.is/ptables/internal/ctlplane"
	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/logging"
	"grimm.is/ptables/internal/ring"
)

// Config is the daemon's full configuration.
type Config struct {
	LogLevel   string `hcl:"log_level,optional"`
	SocketPath string `hcl:"socket_path,optional"`

	Ring     *RingConfig           `hcl:"ring,block"`
	API      *APIConfig            `hcl:"api,block"`
	Filter   *FilterConfig         `hcl:"filter,block"`
	Audit    *AuditConfig          `hcl:"audit,block"`
	Syslog   *logging.SyslogConfig `hcl:"syslog,block"`
	Adapters []AdapterConfig       `hcl:"adapter,block"`
}

// RingConfig sizes the capture ring channel.
type RingConfig struct {
	// CapacityExp is the power-of-two exponent of the ring size in bytes.
	CapacityExp int `hcl:"capacity_exp,optional"`
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Listen  string `hcl:"listen,optional"`
}

// FilterConfig tunes the filter core.
type FilterConfig struct {
	MaxInstances  int    `hcl:"max_instances,optional"`
	DefaultAction string `hcl:"default_action,optional"`
	SnapLen       int    `hcl:"snap_len,optional"`
}

// AuditConfig locates the persistent audit trail.
type AuditConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Path    string `hcl:"path,optional"`
}

// AdapterConfig attaches the filter to one interface.
type AdapterConfig struct {
	Name          string `hcl:"name,label"`
	Mode          string `hcl:"mode,optional"` // "nfqueue" or "sim"
	InboundQueue  int    `hcl:"inbound_queue,optional"`
	OutboundQueue int    `hcl:"outbound_queue,optional"`
}

// DefaultConfig returns a runnable configuration: simulator-less, API off,
// default ring and socket.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		SocketPath: ctlplane.DefaultSocketPath,
		Ring:       &RingConfig{CapacityExp: ring.DefaultCapacityExp},
		API:        &APIConfig{Enabled: false, Listen: "127.0.0.1:8642"},
		Filter: &FilterConfig{
			MaxInstances:  filter.DefaultMaxInstances,
			DefaultAction: "allow",
			SnapLen:       filter.DefaultSnapLen,
		},
		Audit: &AuditConfig{Enabled: true, Path: "/var/log/ptables/audit.log"},
	}
}

// applyDefaults fills unset fields after decode.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.SocketPath == "" {
		c.SocketPath = def.SocketPath
	}
	if c.Ring == nil {
		c.Ring = def.Ring
	} else if c.Ring.CapacityExp == 0 {
		c.Ring.CapacityExp = ring.DefaultCapacityExp
	}
	if c.API == nil {
		c.API = def.API
	} else if c.API.Listen == "" {
		c.API.Listen = def.API.Listen
	}
	if c.Filter == nil {
		c.Filter = def.Filter
	} else {
		if c.Filter.MaxInstances == 0 {
			c.Filter.MaxInstances = filter.DefaultMaxInstances
		}
		if c.Filter.DefaultAction == "" {
			c.Filter.DefaultAction = "allow"
		}
		if c.Filter.SnapLen == 0 {
			c.Filter.SnapLen = filter.DefaultSnapLen
		}
	}
	if c.Audit == nil {
		c.Audit = def.Audit
	} else if c.Audit.Path == "" {
		c.Audit.Path = def.Audit.Path
	}
	for i := range c.Adapters {
		a := &c.Adapters[i]
		if a.Mode == "" {
			a.Mode = "nfqueue"
		}
		if a.InboundQueue == 0 {
			a.InboundQueue = 100 + 2*i
		}
		if a.OutboundQueue == 0 {
			a.OutboundQueue = a.InboundQueue + 1
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf(errors.KindValidation, "unknown log_level %q", c.LogLevel)
	}

	if c.Ring.CapacityExp < ring.MinCapacityExp || c.Ring.CapacityExp > ring.MaxCapacityExp {
		return errors.Errorf(errors.KindValidation,
			"ring capacity_exp %d outside [%d, %d]",
			c.Ring.CapacityExp, ring.MinCapacityExp, ring.MaxCapacityExp)
	}

	if c.Filter.MaxInstances <= 0 {
		return errors.Errorf(errors.KindValidation,
			"filter max_instances must be positive, got %d", c.Filter.MaxInstances)
	}
	switch c.Filter.DefaultAction {
	case "allow", "accept", "drop", "reject", "capture":
	default:
		return errors.Errorf(errors.KindValidation,
			"unknown filter default_action %q", c.Filter.DefaultAction)
	}
	if c.Filter.SnapLen <= 0 {
		return errors.Errorf(errors.KindValidation,
			"filter snap_len must be positive, got %d", c.Filter.SnapLen)
	}

	seen := make(map[string]bool)
	for _, a := range c.Adapters {
		if a.Name == "" {
			return errors.New(errors.KindValidation, "adapter block needs a name label")
		}
		if seen[a.Name] {
			return errors.Errorf(errors.KindValidation, "adapter %q configured twice", a.Name)
		}
		seen[a.Name] = true
		switch a.Mode {
		case "nfqueue", "sim":
		default:
			return errors.Errorf(errors.KindValidation,
				"adapter %q has unknown mode %q", a.Name, a.Mode)
		}
		if a.InboundQueue < 0 || a.InboundQueue > 0xFFFF ||
			a.OutboundQueue < 0 || a.OutboundQueue > 0xFFFF {
			return errors.Errorf(errors.KindValidation,
				"adapter %q queue numbers must fit in 16 bits", a.Name)
		}
		if a.InboundQueue == a.OutboundQueue {
			return errors.Errorf(errors.KindValidation,
				"adapter %q uses the same queue for both directions", a.Name)
		}
	}

	if c.Syslog != nil && c.Syslog.Enabled && c.Syslog.Host == "" {
		return errors.New(errors.KindValidation, "syslog enabled without a host")
	}

	return nil
}
