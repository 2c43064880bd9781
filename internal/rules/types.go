// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules implements packet classification behind the three-outcome
// contract the pipeline consumes: every evaluation ends in Allow, Drop or
// Capture. The matching language here is deliberately small; the pipeline
// depends only on the verdict.
package rules

// Verdict is the outcome of classifying one packet.
type Verdict int

const (
	// VerdictDrop releases the packet immediately; no completion follows.
	VerdictDrop Verdict = iota
	// VerdictAllow forwards the packet; completion arrives later.
	VerdictAllow
	// VerdictCapture forwards like Allow and additionally emits a capture
	// record on the ring channel, best effort.
	VerdictCapture
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDrop:
		return "drop"
	case VerdictCapture:
		return "capture"
	default:
		return "unknown"
	}
}

// Direction tells which way a packet is moving through the filter.
type Direction int

const (
	// DirectionInbound: adapter toward the upper protocol stack.
	DirectionInbound Direction = iota
	// DirectionOutbound: upper protocol stack toward the adapter.
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// PacketMetadata is the classification view of a packet. The pipeline hands
// this to Evaluate; payload bytes stay in the packet handle.
type PacketMetadata struct {
	Adapter   string    `json:"adapter"`
	Direction Direction `json:"direction"`
	SrcIP     string    `json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	SrcPort   int       `json:"src_port,omitempty"`
	DstPort   int       `json:"dst_port,omitempty"`
	Protocol  string    `json:"protocol,omitempty"` // "tcp", "udp", "icmp"
	Length    int       `json:"length"`
}

// Rule is one predicate in a rule set. Empty fields match anything.
type Rule struct {
	Name      string `json:"name,omitempty"`
	Action    string `json:"action"` // "allow", "drop" or "capture"
	Direction string `json:"direction,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	SrcIP     string `json:"src_ip,omitempty"` // single IP or CIDR
	DstIP     string `json:"dst_ip,omitempty"`
	SrcPort   int    `json:"src_port,omitempty"`
	DstPort   int    `json:"dst_port,omitempty"`
	SrcPorts  []int  `json:"src_ports,omitempty"`
	DstPorts  []int  `json:"dst_ports,omitempty"`
	Adapter   string `json:"adapter,omitempty"`
}

// RuleSet is the unit of replacement: Load swaps the whole set atomically.
type RuleSet struct {
	DefaultAction string `json:"default_action,omitempty"` // defaults to "allow"
	Rules         []Rule `json:"rules"`
}
