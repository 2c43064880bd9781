// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"sync"
	"sync/atomic"

	"grimm.is/ptables/internal/rules"
)

// State is a filter instance's lifecycle state. Transitions follow
// Attaching → Paused → Running ⇄ Pausing → Paused → Detaching → Detached;
// everything else is rejected.
type State int32

const (
	StateAttaching State = iota
	StatePaused
	StateRunning
	StatePausing
	StateDetaching
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StatePaused:
		return "paused"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StateDetaching:
		return "detaching"
	case StateDetached:
		return "detached"
	default:
		return "invalid"
	}
}

// InstanceID identifies an instance in the registry. Everything outside the
// registry refers to instances by ID, never by a stored pointer.
type InstanceID uint64

// pauseSignal fires exactly once when a pause drains.
type pauseSignal struct {
	ch   chan struct{}
	once sync.Once
}

func (s *pauseSignal) fire() {
	s.once.Do(func() { close(s.ch) })
}

// Instance is one adapter's attachment of the filter. The pending counters
// are the complete set of mutable state shared between the lifecycle machine
// and the packet path; everything on the packet path touches them with
// atomics only.
type Instance struct {
	id      InstanceID
	adapter string

	state          atomic.Int32
	pendingSend    atomic.Int64
	pendingReceive atomic.Int64
	ruleSetVersion atomic.Uint64

	pause atomic.Pointer[pauseSignal]

	// Cumulative accounting, exported by the collector.
	allowed  atomic.Uint64
	dropped  atomic.Uint64
	captured atomic.Uint64
	bypassed atomic.Uint64
}

// ID returns the instance's registry identifier.
func (i *Instance) ID() InstanceID { return i.id }

// Adapter returns the adapter name this instance is attached to.
func (i *Instance) Adapter() string { return i.adapter }

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// RuleSetVersion returns the rule set version this instance evaluates against.
func (i *Instance) RuleSetVersion() uint64 { return i.ruleSetVersion.Load() }

// PendingSend returns the count of outbound packets accepted but not completed.
func (i *Instance) PendingSend() int64 { return i.pendingSend.Load() }

// PendingReceive returns the count of inbound packets accepted but not completed.
func (i *Instance) PendingReceive() int64 { return i.pendingReceive.Load() }

func (i *Instance) pendingTotal() int64 {
	return i.pendingSend.Load() + i.pendingReceive.Load()
}

func (i *Instance) pending(dir rules.Direction) *atomic.Int64 {
	if dir == rules.DirectionOutbound {
		return &i.pendingSend
	}
	return &i.pendingReceive
}

// maybeCompletePause finishes a deferred pause once both counters are zero
// while the state is Pausing. The CAS picks exactly one winner, so the
// completion signal fires once no matter how many hooks observe the zero
// crossing.
func (i *Instance) maybeCompletePause() {
	if State(i.state.Load()) != StatePausing {
		return
	}
	if i.pendingTotal() != 0 {
		return
	}
	if i.state.CompareAndSwap(int32(StatePausing), int32(StatePaused)) {
		if sig := i.pause.Load(); sig != nil {
			sig.fire()
		}
	}
}

// Stats is a point-in-time copy of an instance's counters.
type Stats struct {
	ID             InstanceID `json:"id"`
	Adapter        string     `json:"adapter"`
	State          string     `json:"state"`
	StateCode      int        `json:"state_code"`
	PendingSend    int64      `json:"pending_send"`
	PendingReceive int64      `json:"pending_receive"`
	RuleSetVersion uint64     `json:"ruleset_version"`
	Allowed        uint64     `json:"allowed"`
	Dropped        uint64     `json:"dropped"`
	Captured       uint64     `json:"captured"`
	Bypassed       uint64     `json:"bypassed"`
}

// Snapshot copies the instance's counters.
func (i *Instance) Snapshot() Stats {
	st := i.State()
	return Stats{
		ID:             i.id,
		Adapter:        i.adapter,
		State:          st.String(),
		StateCode:      int(st),
		PendingSend:    i.pendingSend.Load(),
		PendingReceive: i.pendingReceive.Load(),
		RuleSetVersion: i.ruleSetVersion.Load(),
		Allowed:        i.allowed.Load(),
		Dropped:        i.dropped.Load(),
		Captured:       i.captured.Load(),
		Bypassed:       i.bypassed.Load(),
	}
}
