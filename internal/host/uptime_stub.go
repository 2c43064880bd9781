// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package host

import "time"

// SystemUptime is only meaningful on Linux.
func SystemUptime() (time.Duration, error) {
	return 0, nil
}
