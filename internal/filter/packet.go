// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"sync/atomic"

	"grimm.is/ptables/internal/rules"
)

// Packet is an opaque handle with a single transferable ownership token.
// The adapter owns it until an accept hook takes it; the hook either releases
// it (drop) or hands it to the next layer (forward); the matching complete
// hook returns it. A packet is never referenced after completion.
type Packet struct {
	Data []byte
	Meta rules.PacketMetadata

	// completed flips exactly once, at drop or at completion. It exists to
	// detect double-complete contract violations, not to allow them.
	completed atomic.Bool

	// counted records that an accept hook charged this packet to a pending
	// counter. Bypassed packets are forwarded uncounted, and their later
	// completion must not decrement.
	counted bool
}

// NewPacket builds a packet handle from raw bytes and its classification view.
func NewPacket(data []byte, meta rules.PacketMetadata) *Packet {
	return &Packet{Data: data, Meta: meta}
}

// finish consumes the ownership token. It returns false if the token was
// already consumed.
func (p *Packet) finish() bool {
	return p.completed.CompareAndSwap(false, true)
}

// Completed reports whether the packet's disposition is final.
func (p *Packet) Completed() bool {
	return p.completed.Load()
}

// Batch is an ordered group of packets delivered together. Hooks may shrink
// a batch (dropping members) but never reorder survivors.
type Batch []*Packet
