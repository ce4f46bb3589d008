// Package mqtt publishes companion state and lifecycle events, with an
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// TopicPrefix is the root of every companion topic.
const TopicPrefix = "companion"

// StateTopic is the topic receiving a state notification on every change.
func StateTopic(name string) string {
	return TopicPrefix + "/" + name + "/state"
}

// SystemTopic is the topic for retained lifecycle events.
func SystemTopic(name string) string {
	return TopicPrefix + "/" + name + "/system"
}

// Lifecycle event names.
const (
	EventStartup     = "STARTUP"
	EventHeartbeat   = "HEARTBEAT"
	EventShutdown    = "SHUTDOWN"
	EventReconnected = "RECONNECTED"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishState sends a companion state change to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishState(event StateEvent) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// StateEvent is a companion state change.
type StateEvent struct {
	Timestamp  time.Time
	Emotion    string
	Score      int
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatStatePayload returns it directly
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// StatePayload is the minimal state payload used when no status snapshot is attached.
type StatePayload struct {
	State StatePayloadInner `json:"state"`
}

// StatePayloadInner contains the state details.
type StatePayloadInner struct {
	Timestamp string `json:"timestamp"`
	Emotion   string `json:"emotion"`
	Wellbeing int    `json:"wellbeing"`
}

// FormatStatePayload creates the JSON payload for a state event.
func FormatStatePayload(event StateEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(StatePayload{
		State: StatePayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Emotion:   event.Emotion,
			Wellbeing: event.Score,
		},
	})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
