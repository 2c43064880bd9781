// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package host binds the filter core to a packet source: the kernel's
// nfqueue on Linux, or an in-memory simulator elsewhere and in tests. An
// adapter owns exactly one filter instance and drives the core's hooks from
// the source's dispatch context.
package host

import (
	"context"

	"grimm.is/ptables/internal/filter"
)

// Adapter moves packets between one network interface and the filter core.
type Adapter interface {
	// Name returns the adapter's interface name.
	Name() string
	// Start attaches to the filter core and begins dispatching packets.
	// It returns once the instance is running; dispatch continues until
	// ctx is cancelled or Stop is called.
	Start(ctx context.Context) error
	// Stop pauses the instance, waits for in-flight packets and detaches.
	Stop(ctx context.Context) error
	// InstanceID returns the attached filter instance, zero before Start.
	InstanceID() filter.InstanceID
}
