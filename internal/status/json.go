package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event           string         `json:"event,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Name            string         `json:"name"`
	Ready           bool           `json:"ready"`
	Emotion         string         `json:"emotion"`
	BaseEmotion     string         `json:"base_emotion"`
	Sticky          bool           `json:"sticky"`
	ExpiresInMs     int64          `json:"expires_in_ms,omitempty"`
	Message         string         `json:"message,omitempty"`
	MessageCategory string         `json:"message_category,omitempty"`
	Asleep          bool           `json:"asleep"`
	Attributes      AttributesJSON `json:"attributes"`
	Ceiling         int            `json:"happiness_ceiling"`
	HygieneEvents   int            `json:"hygiene_events"`
	Wellbeing       WellbeingJSON  `json:"wellbeing"`
	AgeSeconds      int64          `json:"age_seconds"`
	Birth           string         `json:"birth,omitempty"`
	SessionID       string         `json:"session_id"`
	UptimeSeconds   int64          `json:"uptime_seconds"`
	StartTime       string         `json:"start_time"`
	Timestamp       string         `json:"timestamp"`
	MQTT            MQTTStatus     `json:"mqtt"`
	Activity        ActivityJSON   `json:"activity"`
	Config          *ConfigJSON    `json:"config,omitempty"`
}

// AttributesJSON is the JSON representation of the companion attributes.
type AttributesJSON struct {
	Hunger    int `json:"hunger"`
	Happiness int `json:"happiness"`
	Energy    int `json:"energy"`
	Hygiene   int `json:"hygiene"`
}

// WellbeingJSON is the JSON representation of the wellbeing summary.
type WellbeingJSON struct {
	Score int    `json:"score"`
	Trend string `json:"trend"`
	Day   string `json:"day"`
	Week  string `json:"week"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Broker    string `json:"broker,omitempty"`
}

// ActivityJSON is the JSON representation of the tailing summary.
type ActivityJSON struct {
	TrackedFiles int            `json:"tracked_files"`
	Chunks       int            `json:"chunks"`
	Events       map[string]int `json:"events"`
	LastEvent    string         `json:"last_event,omitempty"`
	LastEventAt  string         `json:"last_event_at,omitempty"`
	Watching     bool           `json:"watching"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	LogRoot         string `json:"log_root"`
	PollMs          int64  `json:"poll_ms"`
	CheckMs         int64  `json:"check_ms"`
	DecayMs         int64  `json:"decay_ms"`
	IdleThresholdMs int64  `json:"idle_threshold_ms"`
	SampleMs        int64  `json:"sample_ms"`
	HeartbeatMs     int64  `json:"heartbeat_ms"`
	HTTPAddr        string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Companion
	inner := StatusInner{
		Name:            snap.Config.Name,
		Ready:           snap.Ready,
		Emotion:         string(c.Emotion),
		BaseEmotion:     string(c.Base),
		Sticky:          c.Sticky(),
		Message:         c.Message,
		MessageCategory: c.MessageCategory,
		Asleep:          c.Asleep,
		Attributes: AttributesJSON{
			Hunger:    c.Attributes.Hunger,
			Happiness: c.Attributes.Happiness,
			Energy:    c.Attributes.Energy,
			Hygiene:   c.Attributes.Hygiene,
		},
		Ceiling:       c.Ceiling,
		HygieneEvents: c.HygieneEvents,
		Wellbeing: WellbeingJSON{
			Score: snap.Wellbeing.Score,
			Trend: snap.Wellbeing.Trend,
			Day:   snap.Wellbeing.Day,
			Week:  snap.Wellbeing.Week,
		},
		AgeSeconds:    int64(snap.Age().Truncate(time.Second).Seconds()),
		SessionID:     snap.SessionID,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Enabled:   snap.Config.MQTTEnabled,
			Connected: snap.MQTTConnected,
			Broker:    snap.Config.Broker,
		},
		Activity: ActivityJSON{
			TrackedFiles: snap.Activity.TrackedFiles,
			Chunks:       snap.Activity.Chunks,
			Events:       snap.Activity.Events,
			LastEvent:    snap.Activity.LastEvent,
			Watching:     snap.Activity.Watching,
		},
	}
	if inner.Emotion == "" {
		inner.Emotion = "UNKNOWN"
	}
	if inner.Activity.Events == nil {
		inner.Activity.Events = map[string]int{}
	}
	if !c.Sticky() && c.ExpiresAt.After(snap.Now) {
		inner.ExpiresInMs = c.ExpiresAt.Sub(snap.Now).Milliseconds()
	}
	if !snap.Birth.IsZero() {
		inner.Birth = snap.Birth.UTC().Format(time.RFC3339)
	}
	if !snap.Activity.LastEventAt.IsZero() {
		inner.Activity.LastEventAt = snap.Activity.LastEventAt.UTC().Format(time.RFC3339)
	}
	return inner
}

func buildConfig(snap Snapshot) *ConfigJSON {
	return &ConfigJSON{
		LogRoot:         snap.Config.LogRoot,
		PollMs:          snap.Config.PollMs,
		CheckMs:         snap.Config.CheckMs,
		DecayMs:         snap.Config.DecayMs,
		IdleThresholdMs: snap.Config.IdleThresholdMs,
		SampleMs:        snap.Config.SampleMs,
		HeartbeatMs:     snap.Config.HeartbeatMs,
		HTTPAddr:        snap.Config.HTTPAddr,
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	inner.Config = buildConfig(snap)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatState returns the compact JSON status pushed on every state change
// (websocket frames and the MQTT state topic).
func FormatState(snap Snapshot) []byte {
	data, _ := json.Marshal(StatusJSON{Status: buildInner(snap)})
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
// Startup events carry the config.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	if event == "STARTUP" {
		inner.Config = buildConfig(snap)
	}

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
