package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTopics(t *testing.T) {
	if got := StateTopic("desk"); got != "companion/desk/state" {
		t.Errorf("StateTopic: got %q", got)
	}
	if got := SystemTopic("desk"); got != "companion/desk/system" {
		t.Errorf("SystemTopic: got %q", got)
	}
}

func TestClientIDUnique(t *testing.T) {
	a, b := ClientID("desk"), ClientID("desk")
	if a == b {
		t.Errorf("expected distinct client ids, got %q twice", a)
	}
	if !strings.HasPrefix(a, "companion-desk-") {
		t.Errorf("unexpected client id %q", a)
	}
}

func TestFormatStatePayload(t *testing.T) {
	event := StateEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Emotion:   "happy",
		Score:     72,
	}

	payload, err := FormatStatePayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"state":{"timestamp":"2026-02-10T08:30:00Z","emotion":"happy","wellbeing":72}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatStatePayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"emotion":"sad"}}`)
	payload, err := FormatStatePayload(StateEvent{Emotion: "happy", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("expected raw payload, got %s", payload)
	}
}

func TestFormatSystemPayload(t *testing.T) {
	tests := []struct {
		name  string
		event SystemEvent
		want  string
	}{
		{
			name:  "startup",
			event: SystemEvent{Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC), Event: EventStartup},
			want:  `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"STARTUP"}}`,
		},
		{
			name:  "shutdown with reason",
			event: SystemEvent{Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC), Event: EventShutdown, Reason: "SIGTERM"},
			want:  `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"SIGTERM"}}`,
		},
		{
			name:  "will",
			event: SystemEvent{Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC), Event: EventShutdown, Reason: "MQTT_DISCONNECT"},
			want:  `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`,
		},
		{
			name:  "converts to UTC",
			event: SystemEvent{Timestamp: time.Date(2026, 2, 10, 9, 30, 0, 0, time.FixedZone("CET", 3600)), Event: EventReconnected},
			want:  `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"RECONNECTED"}}`,
		},
		{
			name:  "raw payload wins",
			event: SystemEvent{Event: EventHeartbeat, RawPayload: []byte(`{"status":{"event":"HEARTBEAT"}}`)},
			want:  `{"status":{"event":"HEARTBEAT"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := FormatSystemPayload(tt.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(payload) != tt.want {
				t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, tt.want)
			}
			if !json.Valid(payload) {
				t.Error("payload is not valid JSON")
			}
		})
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	if err := f.PublishState(StateEvent{Emotion: "happy", Score: 80}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishSystem(SystemEvent{Event: EventStartup, Retained: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishSystem(SystemEvent{Event: EventShutdown, Reason: "SIGINT", Retained: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.StateCount() != 1 || len(f.StatePayloads) != 1 {
		t.Errorf("expected 1 state event, got %d", f.StateCount())
	}
	names := f.SystemEventNames()
	if strings.Join(names, ",") != "STARTUP,SHUTDOWN" {
		t.Errorf("system events: got %v", names)
	}
	if !f.SystemEvents[0].Retained {
		t.Error("expected retained flag to be recorded")
	}
	if f.SystemEvents[1].Reason != "SIGINT" {
		t.Errorf("reason: got %q", f.SystemEvents[1].Reason)
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("state down")
	f.PublishSystemError = errors.New("system down")

	if err := f.PublishState(StateEvent{}); err == nil {
		t.Error("expected state error")
	}
	if err := f.PublishSystem(SystemEvent{}); err == nil {
		t.Error("expected system error")
	}
	if f.StateCount() != 0 || len(f.SystemEvents) != 0 {
		t.Error("failed publishes must not be recorded")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.PublishState(StateEvent{})
	f.PublishSystem(SystemEvent{Event: EventStartup})
	f.Close()
	f.Connected = true
	f.PublishError = errors.New("x")

	f.Reset()

	if f.StateCount() != 0 || len(f.SystemEvents) != 0 || f.Closed || f.Connected || f.PublishError != nil {
		t.Errorf("expected clean fake after Reset: %+v", f)
	}
	if err := f.PublishState(StateEvent{}); err != nil {
		t.Errorf("fake should be reusable after Reset: %v", err)
	}
}

func TestFakePublisherConcurrent(t *testing.T) {
	f := NewFakePublisher()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f.PublishState(StateEvent{Score: j})
				_ = f.IsConnected()
				_ = f.SystemEventNames()
			}
		}()
	}
	wg.Wait()
	if f.StateCount() != 400 {
		t.Errorf("expected 400 events, got %d", f.StateCount())
	}
}

var (
	_ Publisher        = (*FakePublisher)(nil)
	_ ConnectionStatus = (*FakePublisher)(nil)
	_ Publisher        = (*RealPublisher)(nil)
	_ ConnectionStatus = (*RealPublisher)(nil)
)
