// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package host

import (
	"context"
	"sync"
	"time"

	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/logging"
	"grimm.is/ptables/internal/rules"
)

// SimAdapter is an in-memory adapter for replay and tests. Packets are
// injected explicitly; forwarded packets land in a delivered list and are
// completed either immediately or under the test's control.
type SimAdapter struct {
	name string
	core filter.Core
	log  *logging.Logger

	// AutoComplete completes forwarded packets inside Inject, matching a
	// stack that consumes synchronously. Tests that exercise deferred
	// completion turn it off and call Complete themselves.
	AutoComplete bool

	mu        sync.Mutex
	id        filter.InstanceID
	started   bool
	delivered []*filter.Packet
	sent      []*filter.Packet
}

// NewSimAdapter creates a simulator adapter over the core. AutoComplete
// defaults to on.
func NewSimAdapter(name string, core filter.Core) *SimAdapter {
	return &SimAdapter{
		name:         name,
		core:         core,
		log:          logging.WithComponent("host.sim"),
		AutoComplete: true,
	}
}

// Name returns the simulated interface name.
func (a *SimAdapter) Name() string { return a.name }

// InstanceID returns the attached filter instance.
func (a *SimAdapter) InstanceID() filter.InstanceID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Start attaches to the core and moves the instance to running.
func (a *SimAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.Errorf(errors.KindState, "adapter %s already started", a.name)
	}

	id, err := a.core.Attach(a.name)
	if err != nil {
		return err
	}
	if err := a.core.Restart(id); err != nil {
		a.core.Detach(id)
		return err
	}
	a.id = id
	a.started = true
	return nil
}

// Stop pauses, waits for the drain and detaches.
func (a *SimAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	id, started := a.id, a.started
	a.started = false
	a.mu.Unlock()
	if !started {
		return nil
	}

	done, err := a.core.Pause(id)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindState, "pause did not drain")
	case <-time.After(30 * time.Second):
		return errors.New(errors.KindState, "pause did not drain")
	}
	return a.core.Detach(id)
}

// InjectInbound pushes one raw packet up through the filter, as if received
// from the wire. It returns how many packets survived classification.
func (a *SimAdapter) InjectInbound(raw []byte) (int, error) {
	return a.inject(raw, rules.DirectionInbound)
}

// InjectOutbound pushes one raw packet down through the filter, as if sent
// by the local stack.
func (a *SimAdapter) InjectOutbound(raw []byte) (int, error) {
	return a.inject(raw, rules.DirectionOutbound)
}

func (a *SimAdapter) inject(raw []byte, dir rules.Direction) (int, error) {
	a.mu.Lock()
	id, started := a.id, a.started
	a.mu.Unlock()
	if !started {
		return 0, errors.Errorf(errors.KindState, "adapter %s not started", a.name)
	}

	meta := rules.DecodeMetadata(raw, a.name, dir)
	batch := filter.Batch{filter.NewPacket(raw, meta)}

	var (
		out filter.Batch
		err error
	)
	if dir == rules.DirectionInbound {
		out, err = a.core.InboundAccept(id, batch)
	} else {
		out, err = a.core.OutboundAccept(id, batch)
	}
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	if dir == rules.DirectionInbound {
		a.delivered = append(a.delivered, out...)
	} else {
		a.sent = append(a.sent, out...)
	}
	auto := a.AutoComplete
	a.mu.Unlock()

	if auto {
		if err := a.Complete(dir); err != nil {
			return len(out), err
		}
	}
	return len(out), nil
}

// Complete acknowledges every forwarded-but-uncompleted packet in the given
// direction, as the consuming layer would.
func (a *SimAdapter) Complete(dir rules.Direction) error {
	a.mu.Lock()
	id := a.id
	var batch filter.Batch
	if dir == rules.DirectionInbound {
		batch, a.delivered = a.delivered, nil
	} else {
		batch, a.sent = a.sent, nil
	}
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if dir == rules.DirectionInbound {
		return a.core.InboundComplete(id, batch)
	}
	return a.core.OutboundComplete(id, batch)
}

// Pending returns how many forwarded packets await completion.
func (a *SimAdapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.delivered) + len(a.sent)
}
