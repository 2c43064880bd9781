// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filter implements the packet interception core: the per-adapter
// instance lifecycle, the registry that owns instances, and the four-hook
// data path that classifies, forwards, drops and captures packets.
//
// The hooks run on the host framework's dispatch context. They never block,
// never allocate beyond the capture record, and account for every accepted
// packet exactly once: drop-then-immediate-decrement or
// forward-then-later-decrement.
package filter

import (
	"encoding/binary"
	"encoding/json"
	"sync/atomic"
	"time"

	"grimm.is/ptables/internal/clock"
	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/logging"
	"grimm.is/ptables/internal/rules"
)

// RuleEngine classifies packets. It is an external capability as far as this
// package is concerned: the pipeline only understands the three outcomes and
// treats an evaluation error as a drop.
type RuleEngine interface {
	Evaluate(meta rules.PacketMetadata, version uint64) (rules.Verdict, error)
}

// CaptureSink receives encoded capture records, best effort. A sink write
// must never block; a full sink returns KindBufferFull.
type CaptureSink interface {
	Write(p []byte) error
}

// Core is the surface the host adapter layer drives: the four hook entry
// points plus the lifecycle operations. The host calls Attach before any
// hook for an instance and stops calling hooks before requesting Detach;
// violations are rejected rather than trusted.
type Core interface {
	Attach(adapter string) (InstanceID, error)
	Restart(id InstanceID) error
	Pause(id InstanceID) (<-chan struct{}, error)
	Detach(id InstanceID) error

	InboundAccept(id InstanceID, batch Batch) (Batch, error)
	InboundComplete(id InstanceID, batch Batch) error
	OutboundAccept(id InstanceID, batch Batch) (Batch, error)
	OutboundComplete(id InstanceID, batch Batch) error
}

// DefaultSnapLen bounds how many payload bytes a capture record carries.
const DefaultSnapLen = 128

// Pipeline is the concrete Core. One pipeline serves all instances.
type Pipeline struct {
	registry *Registry
	engine   RuleEngine
	capture  CaptureSink
	log      *logging.Logger
	snapLen  int

	captureDrops   atomic.Uint64
	ruleEvalErrors atomic.Uint64
}

// Option adjusts pipeline construction.
type Option func(*Pipeline)

// WithSnapLen overrides the capture snapshot length.
func WithSnapLen(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.snapLen = n
		}
	}
}

// NewPipeline wires a pipeline over its registry, rule engine and capture
// sink. The sink may be nil, in which case Capture degrades to Allow.
func NewPipeline(reg *Registry, engine RuleEngine, capture CaptureSink, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		engine:   engine,
		capture:  capture,
		log:      logging.WithComponent("filter"),
		snapLen:  DefaultSnapLen,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Registry exposes the instance registry for the control path.
func (p *Pipeline) Registry() *Registry { return p.registry }

// CaptureDrops returns the count of capture records lost to a full sink.
func (p *Pipeline) CaptureDrops() uint64 { return p.captureDrops.Load() }

// RuleEvalErrors returns the count of classifications that failed closed.
func (p *Pipeline) RuleEvalErrors() uint64 { return p.ruleEvalErrors.Load() }

// Attach allocates and registers an instance for adapter, leaving it Paused.
// Registration failure is rolled back completely before the error surfaces.
func (p *Pipeline) Attach(adapter string) (InstanceID, error) {
	inst := &Instance{adapter: adapter}
	inst.state.Store(int32(StateAttaching))

	id, err := p.registry.Register(inst)
	if err != nil {
		// Nothing registered; the instance is garbage as soon as we return.
		return 0, err
	}
	inst.state.Store(int32(StatePaused))
	p.log.Info("Attached filter instance", "adapter", adapter, "id", uint64(id))
	return id, nil
}

// Restart moves a Paused instance to Running, enabling packet acceptance.
func (p *Pipeline) Restart(id InstanceID) error {
	inst, ok := p.registry.Get(id)
	if !ok {
		return errors.Errorf(errors.KindState, "unknown instance %d", id)
	}
	if !inst.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		return errors.Errorf(errors.KindState,
			"restart requires paused, instance %d is %s", id, inst.State())
	}
	p.log.Info("Instance running", "adapter", inst.adapter, "id", uint64(id))
	return nil
}

// Pause stops acceptance of new packets immediately and completes once both
// pending counters reach zero. The returned channel closes when the pause
// completes; when no packets are outstanding that has already happened by
// the time Pause returns.
func (p *Pipeline) Pause(id InstanceID) (<-chan struct{}, error) {
	inst, ok := p.registry.Get(id)
	if !ok {
		return nil, errors.Errorf(errors.KindState, "unknown instance %d", id)
	}

	// Lifecycle operations are serialized by the host, so the state cannot
	// change under us here; the check keeps a stray Pause from clobbering an
	// in-flight pause's signal.
	if inst.State() != StateRunning {
		return nil, errors.Errorf(errors.KindState,
			"pause requires running, instance %d is %s", id, inst.State())
	}

	sig := &pauseSignal{ch: make(chan struct{})}
	inst.pause.Store(sig)

	if !inst.state.CompareAndSwap(int32(StateRunning), int32(StatePausing)) {
		return nil, errors.Errorf(errors.KindState,
			"pause requires running, instance %d is %s", id, inst.State())
	}

	// If nothing is in flight the completion hooks will never run again for
	// this instance, so the zero check happens here.
	inst.maybeCompletePause()
	if inst.State() == StatePausing {
		p.log.Info("Pause deferred until in-flight packets drain",
			"adapter", inst.adapter, "id", uint64(id),
			"pending_send", inst.PendingSend(), "pending_receive", inst.PendingReceive())
	}
	return sig.ch, nil
}

// Detach removes a Paused instance from the registry. Detaching while
// Running or Pausing is rejected: packets may still reference the instance.
func (p *Pipeline) Detach(id InstanceID) error {
	inst, ok := p.registry.Get(id)
	if !ok {
		return errors.Errorf(errors.KindState, "unknown instance %d", id)
	}
	if !inst.state.CompareAndSwap(int32(StatePaused), int32(StateDetaching)) {
		return errors.Errorf(errors.KindState,
			"detach requires paused, instance %d is %s", id, inst.State())
	}

	if err := p.registry.Unregister(id); err != nil {
		// Outstanding packets mean the caller broke the pause contract.
		// Leave the instance attached and report it.
		inst.state.Store(int32(StatePaused))
		return err
	}
	inst.state.Store(int32(StateDetached))
	p.log.Info("Detached filter instance", "adapter", inst.adapter, "id", uint64(id))
	return nil
}

// InboundAccept processes a batch delivered upward by the adapter. It
// returns the surviving batch the adapter must forward to the upper layer;
// completion for those packets arrives later via InboundComplete.
func (p *Pipeline) InboundAccept(id InstanceID, batch Batch) (Batch, error) {
	return p.accept(id, batch, rules.DirectionInbound)
}

// InboundComplete acknowledges packets the upper layer has finished with.
func (p *Pipeline) InboundComplete(id InstanceID, batch Batch) error {
	return p.complete(id, batch, rules.DirectionInbound)
}

// OutboundAccept processes a batch sent downward by the upper layer.
func (p *Pipeline) OutboundAccept(id InstanceID, batch Batch) (Batch, error) {
	return p.accept(id, batch, rules.DirectionOutbound)
}

// OutboundComplete acknowledges packets the adapter has finished sending.
func (p *Pipeline) OutboundComplete(id InstanceID, batch Batch) error {
	return p.complete(id, batch, rules.DirectionOutbound)
}

func (p *Pipeline) accept(id InstanceID, batch Batch, dir rules.Direction) (Batch, error) {
	inst, ok := p.registry.Get(id)
	if !ok {
		return nil, errors.Errorf(errors.KindState, "unknown instance %d", id)
	}

	// Fast bypass: not running means pass through unmodified and uncounted.
	if inst.State() != StateRunning {
		inst.bypassed.Add(uint64(len(batch)))
		return batch, nil
	}

	pending := inst.pending(dir)
	forwarded := batch[:0]

	for _, pkt := range batch {
		pending.Add(1)

		// Re-check after the increment: a pause that won the race may have
		// already observed zero and completed, so this packet must not be
		// counted or classified.
		if inst.State() != StateRunning {
			pending.Add(-1)
			inst.maybeCompletePause()
			inst.bypassed.Add(1)
			forwarded = append(forwarded, pkt)
			continue
		}

		verdict, err := p.engine.Evaluate(pkt.Meta, inst.ruleSetVersion.Load())
		if err != nil {
			// Fail closed: a corrupted rule table drops, never allows.
			p.ruleEvalErrors.Add(1)
			verdict = rules.VerdictDrop
		}

		switch verdict {
		case rules.VerdictDrop:
			pkt.finish()
			pending.Add(-1)
			inst.dropped.Add(1)
			inst.maybeCompletePause()
		case rules.VerdictCapture:
			pkt.counted = true
			inst.captured.Add(1)
			p.writeCapture(pkt)
			forwarded = append(forwarded, pkt)
		default:
			pkt.counted = true
			inst.allowed.Add(1)
			forwarded = append(forwarded, pkt)
		}
	}

	return forwarded, nil
}

func (p *Pipeline) complete(id InstanceID, batch Batch, dir rules.Direction) error {
	inst, ok := p.registry.Get(id)
	if !ok {
		return errors.Errorf(errors.KindState, "unknown instance %d", id)
	}

	pending := inst.pending(dir)
	for _, pkt := range batch {
		if !pkt.finish() {
			// Double completion is a framework contract violation; the
			// counter must not go negative because of it.
			p.log.Error("Packet completed twice", "adapter", inst.adapter)
			continue
		}
		if !pkt.counted {
			// Bypassed: forwarded without being charged to a counter.
			continue
		}
		pending.Add(-1)
		inst.maybeCompletePause()
	}
	return nil
}

// CaptureRecord is the decoded form of one ring channel entry.
type CaptureRecord struct {
	Time time.Time            `json:"time"`
	Meta rules.PacketMetadata `json:"meta"`
	Snap []byte               `json:"snap,omitempty"`
}

// writeCapture emits a capture record, best effort. Allocation or ring
// failure here only bumps a counter; the packet is forwarded regardless.
func (p *Pipeline) writeCapture(pkt *Packet) {
	if p.capture == nil {
		return
	}

	snap := pkt.Data
	if len(snap) > p.snapLen {
		snap = snap[:p.snapLen]
	}
	rec := CaptureRecord{Time: clock.Now(), Meta: pkt.Meta, Snap: snap}

	body, err := json.Marshal(rec)
	if err != nil {
		p.captureDrops.Add(1)
		return
	}

	framed := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(framed, uint32(len(body)))
	copy(framed[4:], body)

	if err := p.capture.Write(framed); err != nil {
		p.captureDrops.Add(1)
	}
}

// SetRuleSetVersion publishes a new rule set version to every instance.
// Called by the control path after a successful rule engine load.
func (p *Pipeline) SetRuleSetVersion(version uint64) {
	p.registry.ForEach(func(inst *Instance) {
		inst.ruleSetVersion.Store(version)
	})
}

// Snapshot copies per-instance stats in registry order.
func (p *Pipeline) Snapshot() []Stats {
	var out []Stats
	p.registry.ForEach(func(inst *Instance) {
		out = append(out, inst.Snapshot())
	})
	return out
}
