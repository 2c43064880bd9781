// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ring implements the fixed-capacity byte channel that moves capture
// and telemetry records from the filter core to the control session. It is a
// single-producer/single-consumer ring: the packet path writes, the control
// session reads, and neither side ever takes a lock. The single-writer and
// single-reader discipline is enforced by the control plane admitting one
// session at a time.
package ring

import (
	"context"
	"sync/atomic"

	"grimm.is/ptables/internal/errors"
)

// DefaultCapacityExp yields a 1 MiB arena, matching the channel this design
// descends from.
const DefaultCapacityExp = 20

// Accepted bounds for the capacity exponent.
const (
	MinCapacityExp = 4
	MaxCapacityExp = 30
)

// Buffer is a power-of-two byte ring. Head and tail are monotonically
// increasing counters; positions in the arena are taken modulo capacity.
// tail-head never exceeds capacity.
type Buffer struct {
	capacity uint64
	mask     uint64
	storage  []byte

	head atomic.Uint64 // advanced only by the reader
	tail atomic.Uint64 // advanced only by the writer

	notify chan struct{}
}

// New allocates a ring of 1<<exp bytes.
func New(exp uint) (*Buffer, error) {
	if exp < MinCapacityExp || exp > MaxCapacityExp {
		return nil, errors.Errorf(errors.KindValidation,
			"ring capacity exponent %d out of range [%d,%d]", exp, MinCapacityExp, MaxCapacityExp)
	}
	capacity := uint64(1) << exp
	return &Buffer{
		capacity: capacity,
		mask:     capacity - 1,
		storage:  make([]byte, capacity),
		notify:   make(chan struct{}, 1),
	}, nil
}

// Capacity returns the arena size in bytes.
func (b *Buffer) Capacity() uint64 { return b.capacity }

// Len returns the number of unread bytes.
func (b *Buffer) Len() uint64 {
	return b.tail.Load() - b.head.Load()
}

// Free returns the number of bytes a Write can currently accept.
func (b *Buffer) Free() uint64 {
	return b.capacity - b.Len()
}

// Write appends p to the ring. The write is all-or-nothing: if free space is
// insufficient the ring is left untouched and KindBufferFull is returned.
// Write never blocks and never retries; hot-path callers treat failure as a
// silent drop with a counter bump.
func (b *Buffer) Write(p []byte) error {
	n := uint64(len(p))
	if n == 0 {
		return nil
	}
	if n > b.Free() {
		return errors.Errorf(errors.KindBufferFull,
			"ring full: need %d bytes, %d free", n, b.Free())
	}

	tail := b.tail.Load()
	off := tail & b.mask
	first := n
	if rem := b.capacity - off; rem < first {
		first = rem
	}
	copy(b.storage[off:off+first], p[:first])
	copy(b.storage[:n-first], p[first:])

	// The store must complete before the tail advance publishes the bytes.
	b.tail.Add(n)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Read drains up to len(p) bytes into p and returns the count, possibly
// zero. It never blocks.
func (b *Buffer) Read(p []byte) int {
	avail := b.Len()
	if avail == 0 || len(p) == 0 {
		return 0
	}
	n := uint64(len(p))
	if n > avail {
		n = avail
	}

	head := b.head.Load()
	off := head & b.mask
	first := n
	if rem := b.capacity - off; rem < first {
		first = rem
	}
	copy(p[:first], b.storage[off:off+first])
	copy(p[first:n], b.storage[:n-first])

	b.head.Add(n)
	return int(n)
}

// ReadWait behaves like Read but suspends until at least one byte is
// available or ctx is cancelled. It must only be called from the control
// session context, never from the packet path.
func (b *Buffer) ReadWait(ctx context.Context, p []byte) (int, error) {
	for {
		if n := b.Read(p); n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), errors.KindUnavailable, "ring read cancelled")
		case <-b.notify:
		}
	}
}
