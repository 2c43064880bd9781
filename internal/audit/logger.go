// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit records control-plane actions: rule set changes, instance
// lifecycle transitions and control session activity. Events go to the
// structured log immediately and to a persistent store when one is attached.
package audit

import (
	"context"
	"time"

	"grimm.is/ptables/internal/clock"
	"grimm.is/ptables/internal/logging"
)

// EventType defines the type of audit event.
type EventType string

const (
	// Control session events
	EventSessionOpen   EventType = "session_open"
	EventSessionClose  EventType = "session_close"
	EventSessionDenied EventType = "session_denied"

	// Rule set events
	EventRuleSetUpdate EventType = "ruleset_update"
	EventRuleSetReject EventType = "ruleset_reject"

	// Instance lifecycle events
	EventInstanceAttach  EventType = "instance_attach"
	EventInstanceDetach  EventType = "instance_detach"
	EventInstancePause   EventType = "instance_pause"
	EventInstanceRestart EventType = "instance_restart"

	// System events
	EventSystemStart  EventType = "system_start"
	EventSystemStop   EventType = "system_stop"
	EventBypassEngage EventType = "bypass_engage"
)

// Severity defines the severity level of an audit event.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one audit log entry.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	Severity     Severity       `json:"severity"`
	SessionID    string         `json:"session_id,omitempty"`
	Adapter      string         `json:"adapter,omitempty"`
	Action       string         `json:"action"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger writes audit events to the structured log and an optional store.
type Logger struct {
	store  *Store
	logger *logging.Logger
}

// NewLogger creates an audit logger. store may be nil; events then go only
// to the structured log.
func NewLogger(store *Store, logger *logging.Logger) *Logger {
	if logger == nil {
		logger = logging.WithComponent("audit")
	}
	return &Logger{store: store, logger: logger}
}

// LogEvent records one event. Store failures are logged, never propagated:
// an audit outage must not take the control plane down with it.
func (l *Logger) LogEvent(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = clock.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	log := l.logger.With(
		"event_type", string(event.EventType),
		"action", event.Action,
		"success", event.Success,
	)
	if event.Adapter != "" {
		log = log.With("adapter", event.Adapter)
	}
	if event.SessionID != "" {
		log = log.With("session_id", event.SessionID)
	}

	switch event.Severity {
	case SeverityError:
		log.Error("Audit event", "error_message", event.ErrorMessage)
	case SeverityWarn:
		log.Warn("Audit event")
	default:
		log.Info("Audit event")
	}

	if l.store != nil {
		if err := l.store.Append(event); err != nil {
			l.logger.WithError(err).Error("Failed to persist audit event")
		}
	}
}

// Success is shorthand for a successful info-level event.
func (l *Logger) Success(ctx context.Context, et EventType, action string, md map[string]any) {
	l.LogEvent(ctx, Event{EventType: et, Action: action, Success: true, Metadata: md})
}

// Failure is shorthand for a failed error-level event.
func (l *Logger) Failure(ctx context.Context, et EventType, action string, err error) {
	ev := Event{EventType: et, Action: action, Severity: SeverityError}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	l.LogEvent(ctx, ev)
}
