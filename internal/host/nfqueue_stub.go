// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package host

import (
	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
)

// NFQueueConfig selects the kernel queues an adapter binds.
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

// NewNFQueueAdapter is unavailable off Linux; use the simulator instead.
func NewNFQueueAdapter(name string, core filter.Core, cfg NFQueueConfig) (Adapter, error) {
	return nil, errors.New(errors.KindResource, "NFQUEUE interception requires Linux")
}
