// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"testing"

	"grimm.is/ptables/internal/errors"
)

func tcpMeta(src, dst string, dstPort int) PacketMetadata {
	return PacketMetadata{
		Adapter:   "eth0",
		Direction: DirectionInbound,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   40000,
		DstPort:   dstPort,
		Protocol:  "tcp",
		Length:    60,
	}
}

func TestEvaluateNoTableFailsClosed(t *testing.T) {
	e := NewEngine()

	v, err := e.Evaluate(tcpMeta("10.0.0.1", "10.0.0.2", 80), 0)
	if errors.GetKind(err) != errors.KindRuleEval {
		t.Fatalf("expected KindRuleEval, got %v", err)
	}
	if v != VerdictDrop {
		t.Errorf("fail-closed verdict must be drop, got %v", v)
	}
}

func TestFirstMatchWins(t *testing.T) {
	e := NewEngine()
	version, err := e.Load(RuleSet{
		DefaultAction: "drop",
		Rules: []Rule{
			{Name: "ssh-capture", Action: "capture", Protocol: "tcp", DstPort: 22},
			{Name: "lan-allow", Action: "allow", SrcIP: "192.168.0.0/16"},
			{Name: "ssh-drop", Action: "drop", Protocol: "tcp", DstPort: 22},
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if version != 1 {
		t.Errorf("first load version = %d, want 1", version)
	}

	// First rule matches before the later drop rule.
	v, err := e.Evaluate(tcpMeta("192.168.1.5", "192.168.1.1", 22), version)
	if err != nil {
		t.Fatal(err)
	}
	if v != VerdictCapture {
		t.Errorf("expected capture (first match), got %v", v)
	}

	v, _ = e.Evaluate(tcpMeta("192.168.1.5", "192.168.1.1", 443), version)
	if v != VerdictAllow {
		t.Errorf("expected allow via CIDR rule, got %v", v)
	}

	v, _ = e.Evaluate(tcpMeta("8.8.8.8", "192.168.1.1", 443), version)
	if v != VerdictDrop {
		t.Errorf("expected default drop, got %v", v)
	}
}

func TestLoadRejectsBadRuleSet(t *testing.T) {
	e := NewEngine()
	if _, err := e.Load(RuleSet{Rules: []Rule{{Action: "explode"}}}); errors.GetKind(err) != errors.KindValidation {
		t.Errorf("expected KindValidation for unknown action, got %v", err)
	}
	if _, err := e.Load(RuleSet{Rules: []Rule{{Action: "drop", SrcIP: "10.0.0.0/99"}}}); errors.GetKind(err) != errors.KindValidation {
		t.Errorf("expected KindValidation for bad CIDR, got %v", err)
	}
	if _, err := e.Load(RuleSet{Rules: []Rule{{Action: "drop", Direction: "sideways"}}}); errors.GetKind(err) != errors.KindValidation {
		t.Errorf("expected KindValidation for bad direction, got %v", err)
	}

	// Failed loads must not install a table or burn a visible version.
	if e.table.Load() != nil {
		t.Error("failed load installed a table")
	}
}

func TestLoadBumpsVersion(t *testing.T) {
	e := NewEngine()
	v1, _ := e.Load(RuleSet{})
	v2, _ := e.Load(RuleSet{DefaultAction: "drop"})
	if v2 <= v1 {
		t.Errorf("version must increase: %d then %d", v1, v2)
	}
	if e.Version() != v2 {
		t.Errorf("Version() = %d, want %d", e.Version(), v2)
	}

	// New table observed immediately.
	v, err := e.Evaluate(tcpMeta("1.1.1.1", "2.2.2.2", 80), v2)
	if err != nil {
		t.Fatal(err)
	}
	if v != VerdictDrop {
		t.Errorf("expected new default drop, got %v", v)
	}
}

func TestEvaluateStaleTableFailsClosed(t *testing.T) {
	e := NewEngine()
	v1, _ := e.Load(RuleSet{})

	// A caller holding a version newer than the installed table indicates a
	// torn update; must drop.
	v, err := e.Evaluate(tcpMeta("1.1.1.1", "2.2.2.2", 80), v1+5)
	if errors.GetKind(err) != errors.KindRuleEval {
		t.Fatalf("expected KindRuleEval, got %v", err)
	}
	if v != VerdictDrop {
		t.Errorf("expected drop, got %v", v)
	}
}

func TestLoadJSON(t *testing.T) {
	e := NewEngine()
	payload := []byte(`{"default_action":"allow","rules":[{"name":"no-telnet","action":"drop","protocol":"tcp","dst_port":23}]}`)
	version, err := e.LoadJSON(payload)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}

	v, _ := e.Evaluate(tcpMeta("10.1.1.1", "10.1.1.2", 23), version)
	if v != VerdictDrop {
		t.Errorf("expected drop for telnet, got %v", v)
	}

	if _, err := e.LoadJSON([]byte(`{"rules":[{"bogus_field":1}]}`)); errors.GetKind(err) != errors.KindValidation {
		t.Errorf("expected KindValidation for unknown field, got %v", err)
	}
	if _, err := e.LoadJSON([]byte(`not json`)); errors.GetKind(err) != errors.KindValidation {
		t.Errorf("expected KindValidation for garbage payload, got %v", err)
	}
}

func TestDirectionAndAdapterMatch(t *testing.T) {
	e := NewEngine()
	version, err := e.Load(RuleSet{
		DefaultAction: "allow",
		Rules: []Rule{
			{Name: "out-only", Action: "drop", Direction: "outbound", Adapter: "eth1"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	meta := tcpMeta("10.0.0.1", "10.0.0.2", 80)
	meta.Direction = DirectionOutbound
	meta.Adapter = "eth1"
	if v, _ := e.Evaluate(meta, version); v != VerdictDrop {
		t.Errorf("expected drop for outbound eth1, got %v", v)
	}

	meta.Adapter = "eth0"
	if v, _ := e.Evaluate(meta, version); v != VerdictAllow {
		t.Errorf("expected allow for other adapter, got %v", v)
	}

	meta.Adapter = "eth1"
	meta.Direction = DirectionInbound
	if v, _ := e.Evaluate(meta, version); v != VerdictAllow {
		t.Errorf("expected allow for inbound, got %v", v)
	}
}
