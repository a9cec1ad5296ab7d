package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted by the thought bus.
const (
	EventPublished = "thought.published"
	EventExpired   = "thought.expired"
)

// ThoughtEvent is a real-time notification about a bus entry.
type ThoughtEvent struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Agent     string          `json:"agent"`
	Published time.Time       `json:"published"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero values match everything.
type EventFilter struct {
	Agent string   `json:"agent,omitempty"`
	Types []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for live bus activity.
type EventHub interface {
	Publish(ctx context.Context, event ThoughtEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ThoughtEvent, func(), error)
}
