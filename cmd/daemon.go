// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd holds the entry points behind the ptablesd subcommands.
package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/ptables/internal/api"
	"grimm.is/ptables/internal/audit"
	"grimm.is/ptables/internal/config"
	"grimm.is/ptables/internal/ctlplane"
	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/host"
	"grimm.is/ptables/internal/logging"
	"grimm.is/ptables/internal/metrics"
	"grimm.is/ptables/internal/ring"
	"grimm.is/ptables/internal/rules"
	"grimm.is/ptables/internal/supervisor"
)

// collectInterval is how often counters are exported to Prometheus.
const collectInterval = 10 * time.Second

// RunDaemon runs the filter daemon in the foreground until SIGTERM/SIGINT.
func RunDaemon(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	setupLogging(cfg)
	log := logging.WithComponent("daemon")

	// Crash-loop detection: after repeated crashes the daemon comes up in
	// bypass mode, attached but paused, so traffic keeps flowing.
	sup := supervisor.New(stateDir(), supervisor.DefaultConfig())
	bypass := false
	if !supervisor.ShouldSkipDetection() && sup.ShouldEnterBypassMode() {
		bypass = true
		log.Warn("Crash threshold reached, starting in bypass mode")
	}
	sup.StartStabilityTimer()

	// Core plumbing.
	engine := rules.NewEngine()
	if _, err := engine.Load(rules.RuleSet{DefaultAction: cfg.Filter.DefaultAction}); err != nil {
		return err
	}
	ringBuf, err := ring.New(uint(cfg.Ring.CapacityExp))
	if err != nil {
		return err
	}
	registry := filter.NewRegistry(cfg.Filter.MaxInstances)
	pipeline := filter.NewPipeline(registry, engine, ringBuf,
		filter.WithSnapLen(cfg.Filter.SnapLen))
	pipeline.SetRuleSetVersion(engine.Version())

	auditLog, auditClose, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer auditClose()
	auditLog.Success(context.Background(), audit.EventSystemStart, "daemon start",
		map[string]any{"device": host.GetDeviceID(), "bypass": bypass})
	if bypass {
		auditLog.LogEvent(context.Background(), audit.Event{
			EventType: audit.EventBypassEngage,
			Severity:  audit.SeverityWarn,
			Action:    "enter bypass mode",
			Success:   true,
		})
	}

	// Control plane.
	ctl := ctlplane.NewServer(pipeline, engine, ringBuf, auditLog, cfg.SocketPath)
	if err := ctl.Start(); err != nil {
		return err
	}
	defer ctl.Stop()

	// Metrics export.
	collector := metrics.NewCollector(logging.WithComponent("metrics"), collectInterval)
	collector.SetSource(ctl)
	go collector.Start()
	defer collector.Stop()

	startTime := time.Now()
	uptimeTicker := time.NewTicker(collectInterval)
	defer uptimeTicker.Stop()
	go func() {
		for range uptimeTicker.C {
			collector.UpdateUptime(time.Since(startTime))
		}
	}()

	// HTTP API.
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(ctl, collector, nil)
		go func() {
			if err := apiServer.Start(cfg.API.Listen); err != nil {
				log.WithError(err).Error("API server failed")
			}
		}()
	}

	// Adapters.
	adapters, err := startAdapters(cfg, pipeline, bypass, auditLog)
	if err != nil {
		return err
	}

	sysUp, _ := host.SystemUptime()
	log.Info("ptables running",
		"adapters", len(adapters),
		"socket", cfg.SocketPath,
		"ring_bytes", ringBuf.Capacity(),
		"system_uptime", sysUp.String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	got := <-sig
	log.Info("Shutting down", "signal", got.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopAdapters(shutdownCtx, adapters, auditLog)
	if apiServer != nil {
		apiServer.Shutdown(shutdownCtx)
	}

	auditLog.Success(context.Background(), audit.EventSystemStop, "daemon stop", nil)
	return nil
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configFile)
}

func setupLogging(cfg *config.Config) {
	var w io.Writer = os.Stderr
	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		if sw, err := logging.NewSyslogWriter(*cfg.Syslog); err == nil {
			w = io.MultiWriter(os.Stderr, sw)
		} else {
			logging.Default().WithError(err).Warn("Syslog unavailable, logging to stderr only")
		}
	}
	logging.Init(w, cfg.LogLevel)
}

func openAudit(cfg *config.Config) (*audit.Logger, func(), error) {
	if cfg.Audit == nil || !cfg.Audit.Enabled {
		return audit.NewLogger(nil, nil), func() {}, nil
	}
	store, err := audit.OpenStore(cfg.Audit.Path)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewLogger(store, nil), func() { store.Close() }, nil
}

// verifyIntercept is swapped out by tests.
var verifyIntercept = host.VerifyInterceptSupport

// startAdapters attaches every configured adapter. In bypass mode instances
// are attached but never restarted, so every hook takes the pass-through
// path.
func startAdapters(cfg *config.Config, pipeline *filter.Pipeline, bypass bool, auditLog *audit.Logger) ([]host.Adapter, error) {
	log := logging.WithComponent("daemon")
	var adapters []host.Adapter

	verified := false
	for _, ac := range cfg.Adapters {
		var (
			adapter host.Adapter
			err     error
		)
		switch ac.Mode {
		case "sim":
			adapter = host.NewSimAdapter(ac.Name, pipeline)
		default:
			// Live interception gets one system preflight before the first
			// adapter is constructed.
			if !verified {
				verified = true
				for _, req := range verifyIntercept() {
					if req.Fatal {
						return nil, errors.Wrap(&req, errors.KindResource, "live interception unavailable")
					}
					log.Warn("System requirement not met", "feature", req.Feature, "detail", req.Message)
				}
			}
			adapter, err = newLiveAdapter(ac, pipeline)
		}
		if err != nil {
			return nil, err
		}

		if bypass {
			// Attach only: the instance stays paused and bypasses.
			if _, err := pipeline.Attach(ac.Name); err != nil {
				return nil, err
			}
			auditLog.Success(context.Background(), audit.EventInstanceAttach,
				"attach (bypass)", map[string]any{"adapter": ac.Name})
			auditLog.LogEvent(context.Background(), audit.Event{
				EventType: audit.EventInstancePause,
				Severity:  audit.SeverityWarn,
				Adapter:   ac.Name,
				Action:    "hold paused (bypass)",
				Success:   true,
			})
			continue
		}

		if err := adapter.Start(context.Background()); err != nil {
			return nil, errors.Wrapf(err, errors.KindResource, "starting adapter %s", ac.Name)
		}
		auditLog.Success(context.Background(), audit.EventInstanceAttach,
			"attach", map[string]any{"adapter": ac.Name})
		auditLog.LogEvent(context.Background(), audit.Event{
			EventType: audit.EventInstanceRestart,
			Adapter:   ac.Name,
			Action:    "start filtering",
			Success:   true,
		})
		log.Info("Adapter started", "adapter", ac.Name, "mode", ac.Mode)
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// stopAdapters stops every adapter and records the detach outcome.
func stopAdapters(ctx context.Context, adapters []host.Adapter, auditLog *audit.Logger) {
	log := logging.WithComponent("daemon")
	for _, a := range adapters {
		if err := a.Stop(ctx); err != nil {
			log.WithError(err).Warn("Adapter stop failed", "adapter", a.Name())
			auditLog.LogEvent(ctx, audit.Event{
				EventType:    audit.EventInstanceDetach,
				Severity:     audit.SeverityWarn,
				Adapter:      a.Name(),
				Action:       "detach",
				ErrorMessage: err.Error(),
			})
			continue
		}
		auditLog.LogEvent(ctx, audit.Event{
			EventType: audit.EventInstanceDetach,
			Adapter:   a.Name(),
			Action:    "detach",
			Success:   true,
		})
	}
}

func newLiveAdapter(ac config.AdapterConfig, pipeline *filter.Pipeline) (host.Adapter, error) {
	qcfg := host.DefaultNFQueueConfig()
	qcfg.InboundQueue = uint16(ac.InboundQueue)
	qcfg.OutboundQueue = uint16(ac.OutboundQueue)
	return host.NewNFQueueAdapter(ac.Name, pipeline, qcfg)
}

func stateDir() string {
	if d := os.Getenv("PTABLES_STATE_DIR"); d != "" {
		return d
	}
	return "/var/lib/ptables"
}
