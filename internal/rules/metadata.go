// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// MetadataFromPacket extracts the classification view from a decoded packet.
// Non-IP packets yield metadata with an empty protocol; the default table
// action decides their fate.
func MetadataFromPacket(pkt gopacket.Packet, adapter string, dir Direction) PacketMetadata {
	meta := PacketMetadata{
		Adapter:   adapter,
		Direction: dir,
		Length:    len(pkt.Data()),
	}

	if ipv4 := pkt.Layer(layers.LayerTypeIPv4); ipv4 != nil {
		ip := ipv4.(*layers.IPv4)
		meta.SrcIP = ip.SrcIP.String()
		meta.DstIP = ip.DstIP.String()
	} else if ipv6 := pkt.Layer(layers.LayerTypeIPv6); ipv6 != nil {
		ip := ipv6.(*layers.IPv6)
		meta.SrcIP = ip.SrcIP.String()
		meta.DstIP = ip.DstIP.String()
	} else {
		return meta
	}

	if tcp := pkt.Layer(layers.LayerTypeTCP); tcp != nil {
		t := tcp.(*layers.TCP)
		meta.SrcPort = int(t.SrcPort)
		meta.DstPort = int(t.DstPort)
		meta.Protocol = "tcp"
	} else if udp := pkt.Layer(layers.LayerTypeUDP); udp != nil {
		u := udp.(*layers.UDP)
		meta.SrcPort = int(u.SrcPort)
		meta.DstPort = int(u.DstPort)
		meta.Protocol = "udp"
	} else if pkt.Layer(layers.LayerTypeICMPv4) != nil || pkt.Layer(layers.LayerTypeICMPv6) != nil {
		meta.Protocol = "icmp"
	}

	return meta
}

// DecodeMetadata decodes raw bytes starting at the IP layer and extracts
// metadata. Used by adapters that deliver bare IP packets (NFQUEUE).
func DecodeMetadata(data []byte, adapter string, dir Direction) PacketMetadata {
	if len(data) == 0 {
		return PacketMetadata{Adapter: adapter, Direction: dir}
	}
	var first gopacket.LayerType = layers.LayerTypeIPv4
	if data[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Lazy)
	return MetadataFromPacket(pkt, adapter, dir)
}
