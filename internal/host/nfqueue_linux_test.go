// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/ring"
	"grimm.is/ptables/internal/rules"
	"grimm.is/ptables/internal/testutil"
)

// Requires root, the nfnetlink_queue module and a loopback interface.
func TestNFQueueAdapterLifecycleLive(t *testing.T) {
	testutil.RequireLive(t)

	engine := rules.NewEngine()
	_, err := engine.Load(rules.RuleSet{DefaultAction: "allow"})
	require.NoError(t, err)

	ringBuf, err := ring.New(12)
	require.NoError(t, err)
	pipeline := filter.NewPipeline(filter.NewRegistry(0), engine, ringBuf)

	adapter, err := NewNFQueueAdapter("lo", pipeline, DefaultNFQueueConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))

	inst, ok := pipeline.Registry().Get(adapter.InstanceID())
	require.True(t, ok)
	require.Equal(t, filter.StateRunning, inst.State())

	require.NoError(t, adapter.Stop(ctx))
	_, ok = pipeline.Registry().Get(adapter.InstanceID())
	require.False(t, ok)
}

func TestInterceptSupportReport(t *testing.T) {
	testutil.RequireLive(t)
	for _, e := range VerifyInterceptSupport() {
		if e.Fatal {
			t.Fatalf("intercept support missing: %v", &e)
		}
	}
}
