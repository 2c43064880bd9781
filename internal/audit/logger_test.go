// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	logger := NewLogger(store, nil)
	logger.Success(context.Background(), EventRuleSetUpdate, "load rule set",
		map[string]any{"version": 3})
	logger.Failure(context.Background(), EventSessionDenied, "open control session", nil)

	events, err := store.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, EventRuleSetUpdate, events[0].EventType)
	assert.True(t, events[0].Success)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.EqualValues(t, 3, events[0].Metadata["version"])

	assert.Equal(t, EventSessionDenied, events[1].EventType)
	assert.Equal(t, SeverityError, events[1].Severity)
	assert.False(t, events[1].Success)
}

func TestEventsOnEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	events, err := store.Events()
	require.NoError(t, err)
	assert.Empty(t, events)
}
