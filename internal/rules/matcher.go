// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"net"
	"strings"
)

// compiledRule carries a Rule with its IP predicates parsed once at load.
type compiledRule struct {
	Rule
	verdict Verdict
	srcNet  *net.IPNet // nil when SrcIP is empty or a single address
	dstNet  *net.IPNet
}

// match checks if a packet matches a compiled rule.
func (r *compiledRule) match(meta PacketMetadata) bool {
	if r.Direction != "" && r.Direction != meta.Direction.String() {
		return false
	}
	if r.Adapter != "" && r.Adapter != meta.Adapter {
		return false
	}
	if !matchProtocol(r.Protocol, meta.Protocol) {
		return false
	}
	if !matchIP(r.SrcIP, r.srcNet, meta.SrcIP) {
		return false
	}
	if !matchIP(r.DstIP, r.dstNet, meta.DstIP) {
		return false
	}
	if !matchPort(r.SrcPort, r.SrcPorts, meta.SrcPort) {
		return false
	}
	if !matchPort(r.DstPort, r.DstPorts, meta.DstPort) {
		return false
	}
	return true
}

// matchProtocol checks if protocols match (case insensitive).
func matchProtocol(ruleProto, pktProto string) bool {
	if ruleProto == "" {
		return true // Any protocol
	}
	return strings.EqualFold(ruleProto, pktProto)
}

// matchIP checks if an IP belongs to a pre-parsed CIDR or equals a specific IP.
func matchIP(ruleIP string, ruleNet *net.IPNet, pktIP string) bool {
	if ruleIP == "" {
		return true
	}
	if ruleNet != nil {
		parsed := net.ParseIP(pktIP)
		if parsed == nil {
			return false
		}
		return ruleNet.Contains(parsed)
	}
	// Single IP match
	return ruleIP == pktIP
}

// matchPort checks if a packet port matches rule port(s).
func matchPort(single int, multiple []int, packetPort int) bool {
	// If no ports specified, match all
	if single == 0 && len(multiple) == 0 {
		return true
	}

	if single != 0 && single == packetPort {
		return true
	}

	for _, p := range multiple {
		if p == packetPort {
			return true
		}
	}

	return false
}
