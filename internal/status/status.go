// Package status provides a thread-safe status tracker for the companion daemon.
// It is written by the daemon loop and read by HTTP handlers, the websocket
// feed and MQTT publishing.
package status

import (
	"maps"
	"sync"
	"time"

	"github.com/sweeney/companion/internal/companion"
)

// Config contains daemon configuration for display.
type Config struct {
	Name            string
	LogRoot         string
	PollMs          int64
	CheckMs         int64
	DecayMs         int64
	IdleThresholdMs int64
	SampleMs        int64
	HeartbeatMs     int64
	MQTTEnabled     bool
	Broker          string
	HTTPAddr        string
}

// Wellbeing is the aggregated wellbeing summary.
type Wellbeing struct {
	Score int
	Trend string
	Day   string // 24 hourly buckets
	Week  string // 7 daily buckets
}

// Activity summarizes log tailing and classification.
type Activity struct {
	TrackedFiles int
	Chunks       int
	Events       map[string]int
	LastEvent    string
	LastEventAt  time.Time
	Watching     bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Companion     companion.Snapshot
	Ready         bool
	Wellbeing     Wellbeing
	Birth         time.Time
	Activity      Activity
	SessionID     string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Age returns how long the companion has existed.
func (s Snapshot) Age() time.Duration {
	if s.Birth.IsZero() || s.Now.Before(s.Birth) {
		return 0
	}
	return s.Now.Sub(s.Birth)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu       sync.RWMutex
	snap     Snapshot
	watchers map[chan Snapshot]struct{}
	now      func() time.Time
}

// NewTracker creates a Tracker with the given start time, session and config.
func NewTracker(startTime time.Time, sessionID string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			SessionID: sessionID,
			Config:    cfg,
		},
		watchers: make(map[chan Snapshot]struct{}),
		now:      time.Now,
	}
}

// Update records a new companion state and wellbeing summary and notifies
// watchers.
func (t *Tracker) Update(c companion.Snapshot, w Wellbeing) {
	t.mu.Lock()
	t.snap.Companion = c
	t.snap.Wellbeing = w
	t.snap.Ready = true
	t.broadcastLocked()
	t.mu.Unlock()
}

// SetBirth sets the companion's birth time.
func (t *Tracker) SetBirth(birth time.Time) {
	t.mu.Lock()
	t.snap.Birth = birth
	t.mu.Unlock()
}

// SetActivity replaces the tailing and classification summary.
func (t *Tracker) SetActivity(a Activity) {
	a.Events = maps.Clone(a.Events)
	t.mu.Lock()
	t.snap.Activity = a
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.copyLocked()
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}

// Watch returns a channel that receives a snapshot after every Update, and a
// function that stops the watch and closes the channel. A slow watcher only
// ever sees the most recent snapshot.
func (t *Tracker) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	t.mu.Lock()
	t.watchers[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, ch)
			close(ch)
			t.mu.Unlock()
		})
	}
	return ch, cancel
}

// Watchers returns the number of active watchers.
func (t *Tracker) Watchers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.watchers)
}

func (t *Tracker) copyLocked() Snapshot {
	s := t.snap
	s.Activity.Events = maps.Clone(s.Activity.Events)
	return s
}

func (t *Tracker) broadcastLocked() {
	if len(t.watchers) == 0 {
		return
	}
	s := t.copyLocked()
	s.Now = t.now()
	for ch := range t.watchers {
		select {
		case ch <- s:
			continue
		default:
		}
		// Replace the stale snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
