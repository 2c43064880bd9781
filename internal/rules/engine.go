// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"bytes"
	"encoding/json"
	"net"
	"strings"
	"sync/atomic"

	"grimm.is/ptables/internal/errors"
)

// Engine evaluates packets against the active rule table. The table is an
// immutable snapshot behind an atomic pointer: Load builds and swaps a new
// one, Evaluate only ever reads. Rules are first match wins.
type Engine struct {
	table   atomic.Pointer[ruleTable]
	version atomic.Uint64
}

type ruleTable struct {
	version        uint64
	rules          []compiledRule
	defaultVerdict Verdict
}

// NewEngine creates an engine with no table loaded. Evaluate fails closed
// until the first Load.
func NewEngine() *Engine {
	return &Engine{}
}

// Load validates, compiles and atomically installs a rule set, returning the
// new version. On any validation error the active table is left unchanged.
func (e *Engine) Load(rs RuleSet) (uint64, error) {
	defaultVerdict := VerdictAllow
	if rs.DefaultAction != "" {
		v, err := parseAction(rs.DefaultAction)
		if err != nil {
			return 0, err
		}
		defaultVerdict = v
	}

	compiled := make([]compiledRule, 0, len(rs.Rules))
	for i, r := range rs.Rules {
		cr, err := compileRule(r)
		if err != nil {
			return 0, errors.Wrapf(err, errors.KindValidation, "rule %d (%s)", i, r.Name)
		}
		compiled = append(compiled, cr)
	}

	version := e.version.Add(1)
	e.table.Store(&ruleTable{
		version:        version,
		rules:          compiled,
		defaultVerdict: defaultVerdict,
	})
	return version, nil
}

// LoadJSON decodes a JSON rule set payload and installs it.
func (e *Engine) LoadJSON(payload []byte) (uint64, error) {
	var rs RuleSet
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rs); err != nil {
		return 0, errors.Wrap(err, errors.KindValidation, "malformed rule set payload")
	}
	return e.Load(rs)
}

// Version returns the version of the active table, zero when none is loaded.
func (e *Engine) Version() uint64 {
	if t := e.table.Load(); t != nil {
		return t.version
	}
	return 0
}

// Evaluate classifies one packet. The version argument is the caller's view
// of the rule set; evaluation always uses the newest installed table, which
// is never older than any version a caller can hold. A missing or torn table
// is a RuleEval error — the pipeline maps that to drop, never allow.
func (e *Engine) Evaluate(meta PacketMetadata, version uint64) (Verdict, error) {
	t := e.table.Load()
	if t == nil {
		return VerdictDrop, errors.New(errors.KindRuleEval, "no rule table loaded")
	}
	if t.version < version {
		return VerdictDrop, errors.Errorf(errors.KindRuleEval,
			"rule table version %d older than caller's %d", t.version, version)
	}

	for i := range t.rules {
		if t.rules[i].match(meta) {
			return t.rules[i].verdict, nil
		}
	}
	return t.defaultVerdict, nil
}

func compileRule(r Rule) (compiledRule, error) {
	verdict, err := parseAction(r.Action)
	if err != nil {
		return compiledRule{}, err
	}

	cr := compiledRule{Rule: r, verdict: verdict}

	switch r.Direction {
	case "", "inbound", "outbound":
	default:
		return compiledRule{}, errors.Errorf(errors.KindValidation, "unknown direction %q", r.Direction)
	}

	if strings.Contains(r.SrcIP, "/") {
		_, ipNet, err := net.ParseCIDR(r.SrcIP)
		if err != nil {
			return compiledRule{}, errors.Wrapf(err, errors.KindValidation, "invalid src CIDR %q", r.SrcIP)
		}
		cr.srcNet = ipNet
	}
	if strings.Contains(r.DstIP, "/") {
		_, ipNet, err := net.ParseCIDR(r.DstIP)
		if err != nil {
			return compiledRule{}, errors.Wrapf(err, errors.KindValidation, "invalid dst CIDR %q", r.DstIP)
		}
		cr.dstNet = ipNet
	}

	return cr, nil
}

func parseAction(action string) (Verdict, error) {
	switch strings.ToLower(action) {
	case "allow", "accept":
		return VerdictAllow, nil
	case "drop", "reject": // Reject is treated as drop at this layer
		return VerdictDrop, nil
	case "capture":
		return VerdictCapture, nil
	default:
		return 0, errors.Errorf(errors.KindValidation, "unknown action %q", action)
	}
}
