package core

import (
	"context"
	"time"
)

// EventTypeName is a string alias for event type identifiers (e.g., "relay_shutdown")
type EventTypeName string

// Event types published by relay modules.
const (
	EventShutdown        EventTypeName = "relay_shutdown"
	EventIssueNotified   EventTypeName = "notify_issue"
	EventPushNotified    EventTypeName = "notify_push"
	EventControlNotified EventTypeName = "notify_control"
)

// EventTypeDesc defines the "class" for an event type (registered dynamically)
type EventTypeDesc struct {
	Name        EventTypeName           // Unique ID, e.g., "relay_shutdown"
	Description string                  // Human-readable
	PayloadSpec map[string]PayloadField // Optional: Expected fields in event.Details (for validation/docs)
}

// PayloadField describes a field in the event payload
type PayloadField struct {
	Type        string // e.g., "string", "int"
	Description string
	Required    bool
}

// InternalEvent is the payload sent over the bus
type InternalEvent struct {
	Type      EventTypeName  `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"` // "command", "webhook", "issues", etc.
	Repo      string         `json:"repo,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	String    string         `json:"string,omitempty"`
}

// Listener is a handler func for subscribers
type Listener func(ctx context.Context, event InternalEvent)
