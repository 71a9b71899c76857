package activation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/redact"
)

// EventVersion is bumped when the Event wire shape changes.
const EventVersion = "1"

// Kind names what happened to the alert.
type Kind string

const (
	KindAlertRaised   Kind = "alert.raised"
	KindAlertResolved Kind = "alert.resolved"
)

// Event is the payload delivered to every sink.
type Event struct {
	Version   string       `json:"version"`
	EventID   string       `json:"event_id"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      Kind         `json:"kind"`
	Alert     alerts.Alert `json:"alert"`
}

// NewAlertEvent wraps a copy of the alert so later mutations never reach queued events.
func NewAlertEvent(kind Kind, a *alerts.Alert) *Event {
	if a == nil {
		return nil
	}
	snapshot := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		snapshot.ResolvedAt = &t
	}
	return &Event{
		Version:   EventVersion,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Alert:     snapshot,
	}
}

// LogEvent prints a redacted JSON representation of the event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		redact.Logf("activation: failed to marshal event: %v", err)
		return
	}
	redact.Logf("activation: %s", string(data))
}
