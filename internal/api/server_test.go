// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ptables/internal/metrics"
)

type staticSource struct {
	snap metrics.Snapshot
}

func (s staticSource) Sample() metrics.Snapshot { return s.snap }

func testServer() *Server {
	return NewServer(staticSource{snap: metrics.Snapshot{
		Adapters: []metrics.AdapterSample{
			{Adapter: "eth0", State: "running", Allowed: 10, Dropped: 2},
			{Adapter: "eth1", State: "paused", Bypassed: 5},
		},
		RingUsed:       100,
		RingCapacity:   1 << 20,
		RuleSetVersion: 3,
	}}, nil, nil)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := get(t, testServer(), "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStats(t *testing.T) {
	rec := get(t, testServer(), "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 100, body["ring_used"])
	assert.EqualValues(t, 3, body["ruleset_version"])
}

func TestInstances(t *testing.T) {
	rec := get(t, testServer(), "/api/v1/instances")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "eth0", body[0]["Adapter"])
}

func TestInstanceByAdapter(t *testing.T) {
	s := testServer()

	rec := get(t, s, "/api/v1/instances/eth1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "paused", body["State"])

	rec = get(t, s, "/api/v1/instances/wlan9")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, testServer(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text")
}

func TestMutationRejected(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
