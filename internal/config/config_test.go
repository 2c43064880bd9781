// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/ring"
)

func TestLoadBytesFull(t *testing.T) {
	src := `
log_level   = "debug"
socket_path = "/tmp/ptables.sock"

ring {
  capacity_exp = 16
}

api {
  enabled = true
  listen  = "127.0.0.1:9000"
}

filter {
  max_instances  = 8
  default_action = "drop"
  snap_len       = 256
}

adapter "eth0" {
  mode           = "nfqueue"
  inbound_queue  = 200
  outbound_queue = 201
}

adapter "sim0" {
  mode = "sim"
}
`
	cfg, err := LoadBytes("test.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/ptables.sock", cfg.SocketPath)
	assert.Equal(t, 16, cfg.Ring.CapacityExp)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "drop", cfg.Filter.DefaultAction)
	assert.Equal(t, 256, cfg.Filter.SnapLen)

	require.Len(t, cfg.Adapters, 2)
	assert.Equal(t, "eth0", cfg.Adapters[0].Name)
	assert.Equal(t, 200, cfg.Adapters[0].InboundQueue)
	assert.Equal(t, "sim", cfg.Adapters[1].Mode)
	// Unset queues get distinct defaults.
	assert.NotEqual(t, cfg.Adapters[1].InboundQueue, cfg.Adapters[1].OutboundQueue)
}

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes("empty.hcl", []byte(""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ring.DefaultCapacityExp, cfg.Ring.CapacityExp)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "allow", cfg.Filter.DefaultAction)
	assert.Empty(t, cfg.Adapters)
	require.NoError(t, cfg.Validate())
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("PTABLES_TEST_SOCKET", "/tmp/from-env.sock")

	src := `
socket_path = env("PTABLES_TEST_SOCKET")
log_level   = env_or("PTABLES_TEST_MISSING", "warn")
`
	cfg, err := LoadBytes("env.hcl", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.sock", cfg.SocketPath)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"bad log level", `log_level = "loud"`},
		{"ring too small", "ring {\n capacity_exp = 2 \n}"},
		{"bad action", "filter {\n default_action = \"explode\" \n}"},
		{"duplicate adapter", `
adapter "eth0" {}
adapter "eth0" {}
`},
		{"queue collision", `
adapter "eth0" {
  inbound_queue  = 5
  outbound_queue = 5
}
`},
		{"bad adapter mode", `
adapter "eth0" {
  mode = "magic"
}
`},
		{"syslog without host", "syslog {\n enabled = true \n}"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadBytes("bad.hcl", []byte(tc.src))
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/ptables.hcl")
	require.Error(t, err)
	assert.Equal(t, errors.KindResource, errors.GetKind(err))
}
