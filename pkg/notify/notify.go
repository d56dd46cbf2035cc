package notify

import (
	"context"
	"time"

	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/utils/logging"
)

// EventType is a session lifecycle event kind
type EventType string

const (
	EventStarted       EventType = "started"
	EventProcessing    EventType = "processing"
	EventResponseReady EventType = "response_ready"
	EventCompleted     EventType = "completed"
	EventError         EventType = "error"
)

// Event is one lifecycle notification for UI subscribers
type Event struct {
	Type      EventType       `json:"type"`
	SessionID model.SessionID `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`

	// Response is set on response_ready events
	Response *model.AIResponse `json:"response,omitempty"`
	// Transcription is set on response_ready events for voice input
	Transcription string `json:"transcription,omitempty"`
	// Summary is set on completed events
	Summary string `json:"summary,omitempty"`
	// Message carries a human-readable note, mainly on error events
	Message string `json:"message,omitempty"`
}

// Sink receives lifecycle events. Publication is fire-and-forget from the
// orchestrator's point of view: a sink error is logged, never propagated
// into the session flow.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
}

// SlogSink writes events to the structured log. The default sink when no
// transport-layer subscriber is attached.
type SlogSink struct{}

func (SlogSink) Publish(ctx context.Context, event *Event) error {
	logging.From(ctx).Info("session event",
		"type", event.Type,
		"session_id", event.SessionID,
		"message", event.Message)
	return nil
}
