// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane implements the control channel between the filter core
// and its single management client. The wire protocol is a framed binary
// exchange over a unix domain socket: each request is an opcode, a payload
// length and a payload; each response is a status, a length and a payload.
// Only one session may be open at a time.
package ctlplane

import (
	"encoding/binary"
	"io"

	"grimm.is/ptables/internal/errors"
)

// DefaultSocketPath is where the daemon listens unless configured otherwise.
const DefaultSocketPath = "/var/run/ptables/control.sock"

// Opcode identifies a control request.
type Opcode uint32

const (
	OpPing          Opcode = 1
	OpRuleSetUpdate Opcode = 2
	OpStatsQuery    Opcode = 3
	OpRingDrain     Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpPing:
		return "ping"
	case OpRuleSetUpdate:
		return "ruleset_update"
	case OpStatsQuery:
		return "stats_query"
	case OpRingDrain:
		return "ring_drain"
	default:
		return "unknown"
	}
}

// Status is the first word of every response frame.
type Status uint32

const (
	StatusOK         Status = 0
	StatusInternal   Status = 1
	StatusState      Status = 2
	StatusResource   Status = 3
	StatusBufferFull Status = 4
	StatusBusy       Status = 5
	StatusRuleEval   Status = 6
	StatusValidation Status = 7
)

// MaxPayload bounds a single frame's payload. Rule sets and drain chunks are
// both far below this; anything larger is a corrupt or hostile frame.
const MaxPayload = 16 << 20

// statusFor maps an error to its wire status.
func statusFor(err error) Status {
	switch errors.GetKind(err) {
	case errors.KindState:
		return StatusState
	case errors.KindResource:
		return StatusResource
	case errors.KindBufferFull:
		return StatusBufferFull
	case errors.KindBusy:
		return StatusBusy
	case errors.KindRuleEval:
		return StatusRuleEval
	case errors.KindValidation:
		return StatusValidation
	default:
		return StatusInternal
	}
}

// errorFor maps a non-OK wire status back to an error carrying the message.
func errorFor(st Status, msg string) error {
	kind := errors.KindInternal
	switch st {
	case StatusState:
		kind = errors.KindState
	case StatusResource:
		kind = errors.KindResource
	case StatusBufferFull:
		kind = errors.KindBufferFull
	case StatusBusy:
		kind = errors.KindBusy
	case StatusRuleEval:
		kind = errors.KindRuleEval
	case StatusValidation:
		kind = errors.KindValidation
	}
	if msg == "" {
		msg = "control request failed"
	}
	return errors.New(kind, msg)
}

// writeFrame emits one {word, length, payload} frame. Both header words are
// little-endian.
func writeFrame(w io.Writer, word uint32, payload []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], word)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame, enforcing the payload bound.
func readFrame(r io.Reader) (word uint32, payload []byte, err error) {
	var hdr [8]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	word = binary.LittleEndian.Uint32(hdr[0:4])
	n := binary.LittleEndian.Uint32(hdr[4:8])
	if n > MaxPayload {
		return 0, nil, errors.Errorf(errors.KindValidation,
			"frame payload %d exceeds limit", n)
	}
	if n > 0 {
		payload = make([]byte, n)
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return word, payload, nil
}

// RuleSetUpdateReply is the JSON payload of a successful rule set update.
type RuleSetUpdateReply struct {
	Version uint64 `json:"version"`
}

// StatsReply is the JSON payload of a stats query.
type StatsReply struct {
	Instances      []InstanceStats `json:"instances"`
	RingUsed       uint64          `json:"ring_used"`
	RingCapacity   uint64          `json:"ring_capacity"`
	CaptureDrops   uint64          `json:"capture_drops"`
	RuleEvalErrors uint64          `json:"rule_eval_errors"`
	RuleSetVersion uint64          `json:"ruleset_version"`
}

// InstanceStats mirrors the filter core's per-instance counters on the wire.
type InstanceStats struct {
	ID             uint64 `json:"id"`
	Adapter        string `json:"adapter"`
	State          string `json:"state"`
	StateCode      int    `json:"state_code"`
	PendingSend    int64  `json:"pending_send"`
	PendingReceive int64  `json:"pending_receive"`
	RuleSetVersion uint64 `json:"ruleset_version"`
	Allowed        uint64 `json:"allowed"`
	Dropped        uint64 `json:"dropped"`
	Captured       uint64 `json:"captured"`
	Bypassed       uint64 `json:"bypassed"`
}
