// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package host

import (
	"context"
	"sync"
	"time"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/vishvananda/netlink"

	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/logging"
	"grimm.is/ptables/internal/rules"
)

// NFQueueConfig selects the kernel queues an adapter binds. The inbound
// queue is expected to be fed from PREROUTING/INPUT and the outbound queue
// from OUTPUT for the adapter's interface.
type NFQueueConfig struct {
	InboundQueue  uint16
	OutboundQueue uint16
	MaxPacketLen  uint32
	MaxQueueLen   uint32
}

// DefaultNFQueueConfig returns queue settings matching a single-interface
// deployment.
func DefaultNFQueueConfig() NFQueueConfig {
	return NFQueueConfig{
		InboundQueue:  100,
		OutboundQueue: 101,
		MaxPacketLen:  0xFFFF,
		MaxQueueLen:   1024,
	}
}

// NFQueueAdapter drives the filter core from two NFQUEUE bindings. The
// kernel holds each packet until the verdict; accept-then-complete happens
// inside the callback because the handoff back to the kernel is synchronous.
type NFQueueAdapter struct {
	name string
	core filter.Core
	cfg  NFQueueConfig
	log  *logging.Logger

	mu      sync.Mutex
	id      filter.InstanceID
	started bool
	cancel  context.CancelFunc
	queues  []*nfqueue.Nfqueue
}

// NewNFQueueAdapter creates a live adapter for the named interface. The
// interface must exist; a missing link is a resource error.
func NewNFQueueAdapter(name string, core filter.Core, cfg NFQueueConfig) (*NFQueueAdapter, error) {
	if _, err := netlink.LinkByName(name); err != nil {
		return nil, errors.Wrapf(err, errors.KindResource, "interface %s not found", name)
	}
	return &NFQueueAdapter{
		name: name,
		core: core,
		cfg:  cfg,
		log:  logging.WithComponent("host.nfqueue").With("adapter", name),
	}, nil
}

// Name returns the interface name.
func (a *NFQueueAdapter) Name() string { return a.name }

// InstanceID returns the attached filter instance.
func (a *NFQueueAdapter) InstanceID() filter.InstanceID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Start attaches to the core, binds both queues and begins dispatching.
func (a *NFQueueAdapter) Start(ctx context.Context) error {
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

	runCtx, cancel := context.WithCancel(ctx)
	if err := a.bindQueue(runCtx, a.cfg.InboundQueue, rules.DirectionInbound); err != nil {
		cancel()
		a.teardown(id)
		return err
	}
	if err := a.bindQueue(runCtx, a.cfg.OutboundQueue, rules.DirectionOutbound); err != nil {
		cancel()
		a.teardown(id)
		return err
	}

	a.id = id
	a.cancel = cancel
	a.started = true
	a.log.Info("NFQUEUE adapter started",
		"inbound_queue", a.cfg.InboundQueue, "outbound_queue", a.cfg.OutboundQueue)
	return nil
}

func (a *NFQueueAdapter) bindQueue(ctx context.Context, queueNum uint16, dir rules.Direction) error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      queueNum,
		MaxPacketLen: a.cfg.MaxPacketLen,
		MaxQueueLen:  a.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindResource, "opening queue %d", queueNum)
	}

	fn := func(attr nfqueue.Attribute) int {
		if attr.PacketID == nil || attr.Payload == nil {
			return 0
		}
		verdict := a.classify(*attr.Payload, dir)
		if err := nf.SetVerdict(*attr.PacketID, verdict); err != nil {
			a.log.WithError(err).Warn("Verdict delivery failed", "packet_id", *attr.PacketID)
		}
		return 0
	}
	errFn := func(err error) int {
		a.log.WithError(err).Warn("Queue receive error", "queue", queueNum)
		return 0
	}

	if err := nf.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		nf.Close()
		return errors.Wrapf(err, errors.KindResource, "binding queue %d", queueNum)
	}
	a.queues = append(a.queues, nf)
	return nil
}

// classify runs one packet through the core. The kernel keeps ownership of
// the payload, so forwarded packets are completed immediately after the
// accept hook returns.
func (a *NFQueueAdapter) classify(payload []byte, dir rules.Direction) int {
	a.mu.Lock()
	id := a.id
	a.mu.Unlock()

	meta := rules.DecodeMetadata(payload, a.name, dir)
	batch := filter.Batch{filter.NewPacket(payload, meta)}

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
		a.log.WithError(err).Error("Accept hook failed")
		return nfqueue.NfDrop
	}
	if len(out) == 0 {
		return nfqueue.NfDrop
	}

	if dir == rules.DirectionInbound {
		err = a.core.InboundComplete(id, out)
	} else {
		err = a.core.OutboundComplete(id, out)
	}
	if err != nil {
		a.log.WithError(err).Error("Complete hook failed")
	}
	return nfqueue.NfAccept
}

// Stop unbinds the queues, pauses the instance and detaches.
func (a *NFQueueAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	id := a.id
	cancel := a.cancel
	queues := a.queues
	a.queues = nil
	a.mu.Unlock()

	cancel()
	for _, nf := range queues {
		nf.Close()
	}

	done, err := a.core.Pause(id)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindState, "pause did not drain")
	}
	return a.core.Detach(id)
}

func (a *NFQueueAdapter) teardown(id filter.InstanceID) {
	for _, nf := range a.queues {
		nf.Close()
	}
	a.queues = nil
	if done, err := a.core.Pause(id); err == nil {
		<-done
	}
	a.core.Detach(id)
}
