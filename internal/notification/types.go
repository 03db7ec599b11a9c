// Package notification delivers migration job lifecycle events to external
// services through shoutrrr.
package notification

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Type represents the type of notification
type Type string

const (
	// TypeError indicates a job failed
	TypeError Type = "error"
	// TypeWarning indicates a job needs operator attention
	TypeWarning Type = "warning"
	// TypeInfo indicates a routine lifecycle event
	TypeInfo Type = "info"
)

// Notification represents a single notification event
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewNotification creates a new notification with a unique ID and timestamp
func NewNotification(notifType Type, title, message string) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Type:      notifType,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// WithComponent sets the component that generated the notification
func (n *Notification) WithComponent(component string) *Notification {
	n.Component = component
	return n
}

// WithMetadata adds metadata to the notification
func (n *Notification) WithMetadata(key string, value any) *Notification {
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	n.Metadata[key] = value
	return n
}

// Clone returns a copy that shares no maps with n.
func (n *Notification) Clone() *Notification {
	c := *n
	c.Metadata = maps.Clone(n.Metadata)
	return &c
}
