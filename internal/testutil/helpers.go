// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireLive skips the test if the PTABLES_LIVE_TEST environment variable is
// not set. This keeps tests that need real kernel capabilities (NFQUEUE,
// interface enumeration) out of ordinary unit runs.
func RequireLive(t *testing.T) {
	t.Helper()
	if os.Getenv("PTABLES_LIVE_TEST") == "" {
		t.Skip("Skipping test: requires PTABLES_LIVE_TEST environment")
	}
}
