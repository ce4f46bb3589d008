package mqtt

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func payloads(msgs []pendingMsg) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, m.payload[0])
	}
	return out
}

func system(b byte) pendingMsg {
	return pendingMsg{topic: SystemTopic("desk"), payload: []byte{b}, qos: 1, retained: true}
}

func state(b byte) pendingMsg {
	return pendingMsg{topic: StateTopic("desk"), payload: []byte{b}, latest: true}
}

func TestOutboxEmptyDrain(t *testing.T) {
	o := newOutbox(10, nil)
	msgs, dropped := o.drain()
	if msgs != nil || dropped != 0 {
		t.Errorf("expected empty drain, got %d items, %d dropped", len(msgs), dropped)
	}
}

func TestOutboxKeepsNewest(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushes   int
		want     []byte
		dropped  int
	}{
		{"under capacity", 10, 3, []byte{0, 1, 2}, 0},
		{"at capacity", 4, 4, []byte{0, 1, 2, 3}, 0},
		{"overflow", 5, 8, []byte{3, 4, 5, 6, 7}, 3},
		{"zero capacity clamps to one", 0, 3, []byte{2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOutbox(tt.capacity, nil)
			for i := 0; i < tt.pushes; i++ {
				o.push(system(byte(i)))
			}
			msgs, dropped := o.drain()
			if dropped != tt.dropped {
				t.Errorf("dropped: got %d, want %d", dropped, tt.dropped)
			}
			if got := payloads(msgs); string(got) != string(tt.want) {
				t.Errorf("payloads: got %v, want %v", got, tt.want)
			}
			if o.len() != 0 {
				t.Errorf("expected empty outbox after drain, len %d", o.len())
			}
		})
	}
}

func TestOutboxSupersedesStaleState(t *testing.T) {
	o := newOutbox(10, nil)
	o.push(state(0))
	o.push(system(1))
	o.push(state(2))
	o.push(state(3))
	o.push(system(4))

	msgs, dropped := o.drain()
	if got := payloads(msgs); string(got) != string([]byte{1, 3, 4}) {
		t.Errorf("payloads: got %v, want [1 3 4]", got)
	}
	if dropped != 0 {
		t.Errorf("superseded state is not counted as dropped, got %d", dropped)
	}
}

func TestOutboxStateDoesNotEvictLifecycleEvents(t *testing.T) {
	o := newOutbox(2, nil)
	o.push(system(0))
	o.push(state(1))
	for i := 2; i < 10; i++ {
		o.push(state(byte(i)))
	}

	msgs, dropped := o.drain()
	if got := payloads(msgs); string(got) != string([]byte{0, 9}) {
		t.Errorf("payloads: got %v, want [0 9]", got)
	}
	if dropped != 0 {
		t.Errorf("dropped: got %d, want 0", dropped)
	}
}

func TestOutboxDropCountResetsOnDrain(t *testing.T) {
	o := newOutbox(5, nil)
	for i := 0; i < 7; i++ {
		o.push(system(byte(i)))
	}
	if _, dropped := o.drain(); dropped != 2 {
		t.Fatalf("cycle 1: dropped %d, want 2", dropped)
	}

	for i := 10; i < 14; i++ {
		o.push(system(byte(i)))
	}
	msgs, dropped := o.drain()
	if got := payloads(msgs); string(got) != string([]byte{10, 11, 12, 13}) {
		t.Errorf("cycle 2: got %v", got)
	}
	if dropped != 0 {
		t.Errorf("cycle 2: dropped %d, want 0", dropped)
	}
}

func TestOutboxWarnsOncePerOverflow(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	o := newOutbox(2, zap.New(core))

	for i := 0; i < 6; i++ {
		o.push(system(byte(i)))
	}
	if logs.Len() != 1 {
		t.Fatalf("expected 1 warning, got %d", logs.Len())
	}

	o.drain()
	for i := 0; i < 3; i++ {
		o.push(system(byte(i)))
	}
	if logs.Len() != 2 {
		t.Errorf("expected a second warning after drain, got %d", logs.Len())
	}
}

func TestOutboxPreservesFields(t *testing.T) {
	o := newOutbox(10, nil)
	o.push(pendingMsg{
		topic:    SystemTopic("desk"),
		payload:  []byte(`{"test":true}`),
		qos:      1,
		retained: true,
	})

	got, _ := o.drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].topic != "companion/desk/system" {
		t.Errorf("topic: got %s, want companion/desk/system", got[0].topic)
	}
	if string(got[0].payload) != `{"test":true}` {
		t.Errorf("payload: got %s", got[0].payload)
	}
	if got[0].qos != 1 || !got[0].retained {
		t.Errorf("qos/retained: got %d/%v", got[0].qos, got[0].retained)
	}
}
