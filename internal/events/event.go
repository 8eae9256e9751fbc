// Package events delivers run events to clients and guarantees that every run ends
// with exactly one terminal event.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types.
const (
	TypeThinking               = "thinking"
	TypePhase                  = "phase"
	TypeTool                   = "tool"
	TypeVerificationItem       = "verification_item"
	TypeConversationCreated    = "conversation_created"
	TypeGovernanceDenied       = "governance_denied"
	TypePromptInjectionBlocked = "prompt_injection_blocked"
	TypeToken                  = "token"
	TypeComplete               = "complete"
	TypeError                  = "error"
)

// Phase statuses carried by phase events.
const (
	StatusStarting   = "starting"
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

var (
	// ErrTerminalAlreadySent matches every *TerminalAlreadySentError.
	ErrTerminalAlreadySent = errors.New("terminal event already sent")
	// ErrInvalidEvent matches every *InvalidEventError.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrRunNotFound is returned when a run has no recorded events.
	ErrRunNotFound = errors.New("run not found")
)

// TerminalAlreadySentError is returned when a second terminal event is attempted.
type TerminalAlreadySentError struct {
	RunID     string
	Attempted string
	Previous  string
}

func (e *TerminalAlreadySentError) Error() string {
	return fmt.Sprintf("terminal event already sent for run %s (previous %s, attempted %s)", e.RunID, e.Previous, e.Attempted)
}

func (e *TerminalAlreadySentError) Is(target error) bool {
	return target == ErrTerminalAlreadySent
}

// InvalidEventError reports a payload that fails strict validation.
type InvalidEventError struct {
	Type   string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid %s event: %s", e.Type, e.Reason)
}

func (e *InvalidEventError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// Event is the wire shape of every event sent to clients.
type Event struct {
	Type          string                 `json:"type"`
	RunID         string                 `json:"run_id"`
	Timestamp     time.Time              `json:"-"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Seq           int64                  `json:"seq"`
	Data          map[string]interface{} `json:"data"`
}

type wireEvent struct {
	Type          string                 `json:"type"`
	RunID         string                 `json:"run_id"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Seq           int64                  `json:"seq"`
	Data          map[string]interface{} `json:"data"`
}

// TimestampFormat is ISO-8601 UTC with a literal Z.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

// MarshalJSON renders the timestamp in UTC with a Z suffix.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return json.Marshal(wireEvent{
		Type:          e.Type,
		RunID:         e.RunID,
		Timestamp:     e.Timestamp.UTC().Format(TimestampFormat),
		CorrelationID: e.CorrelationID,
		Seq:           e.Seq,
		Data:          data,
	})
}

// UnmarshalJSON accepts any RFC 3339 timestamp.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("bad timestamp %q: %w", w.Timestamp, err)
	}
	*e = Event{
		Type:          w.Type,
		RunID:         w.RunID,
		Timestamp:     ts.UTC(),
		CorrelationID: w.CorrelationID,
		Seq:           w.Seq,
		Data:          w.Data,
	}
	return nil
}

// IsTerminal reports whether eventType ends a run.
func IsTerminal(eventType string) bool {
	return eventType == TypeComplete || eventType == TypeError
}

var knownTypes = map[string]bool{
	TypeThinking:               true,
	TypePhase:                  true,
	TypeTool:                   true,
	TypeVerificationItem:       true,
	TypeConversationCreated:    true,
	TypeGovernanceDenied:       true,
	TypePromptInjectionBlocked: true,
	TypeToken:                  true,
	TypeComplete:               true,
	TypeError:                  true,
}

var validPhases = map[string]bool{
	"spec": true, "plan": true, "execute": true, "verify": true,
	"repair": true, "complete": true, "failed": true,
}

var validStatuses = map[string]bool{
	StatusStarting: true, StatusInProgress: true, StatusComplete: true, StatusFailed: true,
}

// Validate checks the data payload required for eventType. Token events are exempt.
func Validate(eventType string, data map[string]interface{}) error {
	if !knownTypes[eventType] {
		return &InvalidEventError{Type: eventType, Reason: "unknown event type"}
	}
	switch eventType {
	case TypeToken:
		return nil
	case TypeThinking:
		return requireString(eventType, data, "message")
	case TypePhase:
		if err := requireString(eventType, data, "phase"); err != nil {
			return err
		}
		if err := requireString(eventType, data, "status"); err != nil {
			return err
		}
		if p := data["phase"].(string); !validPhases[p] {
			return &InvalidEventError{Type: eventType, Reason: fmt.Sprintf("unknown phase %q", p)}
		}
		if s := data["status"].(string); !validStatuses[s] {
			return &InvalidEventError{Type: eventType, Reason: fmt.Sprintf("unknown status %q", s)}
		}
	case TypeTool:
		if err := requireString(eventType, data, "tool"); err != nil {
			return err
		}
		return requireString(eventType, data, "status")
	case TypeVerificationItem:
		if err := requireString(eventType, data, "name"); err != nil {
			return err
		}
		if _, ok := data["passed"].(bool); !ok {
			return &InvalidEventError{Type: eventType, Reason: "passed must be a boolean"}
		}
	case TypeConversationCreated:
		return requireString(eventType, data, "conversation_id")
	case TypeError:
		return requireString(eventType, data, "message")
	case TypeComplete:
		if _, ok := data["response"]; !ok {
			return &InvalidEventError{Type: eventType, Reason: "missing response"}
		}
	}
	return nil
}

func requireString(eventType string, data map[string]interface{}, key string) error {
	v, ok := data[key]
	if !ok {
		return &InvalidEventError{Type: eventType, Reason: "missing " + key}
	}
	if _, ok := v.(string); !ok {
		return &InvalidEventError{Type: eventType, Reason: key + " must be a string"}
	}
	return nil
}
