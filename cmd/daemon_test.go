// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ptables/internal/audit"
	"grimm.is/ptables/internal/config"
	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/host"
	"grimm.is/ptables/internal/ring"
	"grimm.is/ptables/internal/rules"
)

func newTestPipeline(t *testing.T) *filter.Pipeline {
	t.Helper()
	engine := rules.NewEngine()
	_, err := engine.Load(rules.RuleSet{DefaultAction: "allow"})
	require.NoError(t, err)
	ringBuf, err := ring.New(10)
	require.NoError(t, err)
	return filter.NewPipeline(filter.NewRegistry(0), engine, ringBuf)
}

func newTestAudit(t *testing.T) (*audit.Logger, *audit.Store) {
	t.Helper()
	store, err := audit.OpenStore(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return audit.NewLogger(store, nil), store
}

func auditedTypes(t *testing.T, store *audit.Store) []audit.EventType {
	t.Helper()
	events, err := store.Events()
	require.NoError(t, err)
	types := make([]audit.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func simConfig(name string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Adapters = []config.AdapterConfig{{Name: name, Mode: "sim"}}
	return cfg
}

func TestAdapterLifecycleIsAudited(t *testing.T) {
	pipeline := newTestPipeline(t)
	auditLog, store := newTestAudit(t)

	adapters, err := startAdapters(simConfig("sim0"), pipeline, false, auditLog)
	require.NoError(t, err)
	require.Len(t, adapters, 1)

	stopAdapters(context.Background(), adapters, auditLog)

	types := auditedTypes(t, store)
	assert.Contains(t, types, audit.EventInstanceAttach)
	assert.Contains(t, types, audit.EventInstanceRestart)
	assert.Contains(t, types, audit.EventInstanceDetach)
}

func TestBypassHoldsInstancePaused(t *testing.T) {
	pipeline := newTestPipeline(t)
	auditLog, store := newTestAudit(t)

	adapters, err := startAdapters(simConfig("sim0"), pipeline, true, auditLog)
	require.NoError(t, err)
	assert.Empty(t, adapters)

	inst, ok := pipeline.Registry().Lookup("sim0")
	require.True(t, ok)
	assert.Equal(t, filter.StatePaused, inst.State())

	assert.Contains(t, auditedTypes(t, store), audit.EventInstancePause)
}

func TestFatalPreflightBlocksLiveAdapters(t *testing.T) {
	pipeline := newTestPipeline(t)
	auditLog, _ := newTestAudit(t)

	orig := verifyIntercept
	verifyIntercept = func() []host.SystemRequirementError {
		return []host.SystemRequirementError{{
			Feature: "NFQUEUE",
			Message: "kernel lacks nfnetlink_queue support",
			Fatal:   true,
		}}
	}
	t.Cleanup(func() { verifyIntercept = orig })

	cfg := config.DefaultConfig()
	cfg.Adapters = []config.AdapterConfig{{Name: "eth0", Mode: "nfqueue"}}

	_, err := startAdapters(cfg, pipeline, false, auditLog)
	require.Error(t, err)
	assert.Equal(t, errors.KindResource, errors.GetKind(err))
	assert.Contains(t, err.Error(), "live interception unavailable")
}

func TestNonFatalPreflightOnlyWarns(t *testing.T) {
	pipeline := newTestPipeline(t)
	auditLog, _ := newTestAudit(t)

	called := false
	orig := verifyIntercept
	verifyIntercept = func() []host.SystemRequirementError {
		called = true
		return []host.SystemRequirementError{{
			Feature: "Memory",
			Message: "low available memory",
		}}
	}
	t.Cleanup(func() { verifyIntercept = orig })

	// Bypass mode so no live queue is ever bound; the preflight still runs
	// because a live adapter is configured.
	cfg := config.DefaultConfig()
	cfg.Adapters = []config.AdapterConfig{{Name: "lo", Mode: "nfqueue", InboundQueue: 100, OutboundQueue: 101}}

	_, err := startAdapters(cfg, pipeline, true, auditLog)
	assert.True(t, called, "preflight was not consulted")
	if err != nil {
		// Constructing the live adapter may fail on hosts without the
		// interface; the preflight itself must not be the failure.
		assert.NotContains(t, err.Error(), "live interception unavailable")
	}
}
