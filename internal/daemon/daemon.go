// Package daemon runs the companion's single cooperative loop. The loop owns
// the engine, the wellbeing aggregator, the classifier and every timer; other
// goroutines reach the engine only through Do.
package daemon

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/companion/internal/classify"
	"github.com/sweeney/companion/internal/companion"
	"github.com/sweeney/companion/internal/mqtt"
	"github.com/sweeney/companion/internal/status"
	"github.com/sweeney/companion/internal/tail"
	"github.com/sweeney/companion/internal/wellbeing"
)

// Sparkline shapes for the status surface.
const (
	DayHours    = 24
	DayBuckets  = 24
	WeekHours   = 168
	WeekBuckets = 7
)

// StopReason is a context cancellation cause that names why the daemon is
// stopping. It is reported in the SHUTDOWN event.
type StopReason string

func (r StopReason) Error() string { return string(r) }

// ReasonCanceled is reported when the context ends without a StopReason.
const ReasonCanceled = "CONTEXT_CANCELED"

// Notifier wakes the loop early when log files change.
type Notifier interface {
	Wake() <-chan struct{}
	Sync()
	Close() error
}

// Options configures the loop.
type Options struct {
	PollInterval   time.Duration
	CheckInterval  time.Duration
	DecayInterval  time.Duration
	SampleInterval time.Duration
	Heartbeat      time.Duration // 0 disables

	// Notifier is optional. The loop closes it on exit.
	Notifier Notifier

	// Publisher is optional. When it also implements mqtt.ConnectionStatus the
	// tracker reports the broker connection.
	Publisher mqtt.Publisher

	Now func() time.Time
	Log *zap.Logger
}

// timers are the loop's time sources. Tests substitute manual channels.
type timers struct {
	poll      <-chan time.Time
	check     <-chan time.Time
	decay     <-chan time.Time
	sample    <-chan time.Time
	heartbeat <-chan time.Time
	// hygiene arms the one-shot hygiene timer and returns its channel.
	hygiene func(d time.Duration) <-chan time.Time
	stop    func()
}

// Daemon wires tailing, classification, the companion engine and wellbeing
// aggregation to the status tracker and the publisher.
type Daemon struct {
	engine     *companion.Engine
	aggregator *wellbeing.Aggregator
	classifier *classify.Classifier
	poller     tail.Poller
	tracker    *status.Tracker
	opts       Options
	log        *zap.Logger
	now        func() time.Time
	newTimers  func() timers

	requests chan request
	done     chan struct{}

	activity status.Activity
}

// New creates a Daemon. The engine's change notifications are routed to the
// tracker and the publisher from here on.
func New(engine *companion.Engine, aggregator *wellbeing.Aggregator, classifier *classify.Classifier,
	poller tail.Poller, tracker *status.Tracker, opts Options) *Daemon {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	d := &Daemon{
		engine:     engine,
		aggregator: aggregator,
		classifier: classifier,
		poller:     poller,
		tracker:    tracker,
		opts:       opts,
		log:        opts.Log.Named("daemon"),
		now:        opts.Now,
		requests:   make(chan request),
		done:       make(chan struct{}),
		activity: status.Activity{
			Events:   make(map[string]int),
			Watching: opts.Notifier != nil,
		},
	}
	d.newTimers = d.realTimers
	engine.Subscribe(d.onChange)
	return d
}

func (d *Daemon) realTimers() timers {
	poll := time.NewTicker(d.opts.PollInterval)
	check := time.NewTicker(d.opts.CheckInterval)
	decay := time.NewTicker(d.opts.DecayInterval)
	sample := time.NewTicker(d.opts.SampleInterval)
	hygiene := time.NewTimer(time.Hour)
	hygiene.Stop()

	t := timers{
		poll:   poll.C,
		check:  check.C,
		decay:  decay.C,
		sample: sample.C,
		hygiene: func(dur time.Duration) <-chan time.Time {
			hygiene.Reset(dur)
			return hygiene.C
		},
	}
	var heartbeat *time.Ticker
	if d.opts.Heartbeat > 0 {
		heartbeat = time.NewTicker(d.opts.Heartbeat)
		t.heartbeat = heartbeat.C
	}
	t.stop = func() {
		poll.Stop()
		check.Stop()
		decay.Stop()
		sample.Stop()
		hygiene.Stop()
		if heartbeat != nil {
			heartbeat.Stop()
		}
	}
	return t
}

// Do runs a command on the loop and waits for the result.
func (d *Daemon) Do(ctx context.Context, cmd Command) (Reply, error) {
	if err := cmd.Validate(); err != nil {
		return Reply{}, err
	}
	req := request{cmd: cmd, reply: make(chan Reply, 1)}
	select {
	case d.requests <- req:
	case <-d.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-d.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Done is closed once Run has returned.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Run drives the loop until ctx is canceled. Use context.WithCancelCause and
// a StopReason to name the shutdown reason.
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.done)

	t := d.newTimers()
	defer t.stop()

	var wake <-chan struct{}
	if d.opts.Notifier != nil {
		wake = d.opts.Notifier.Wake()
	}

	d.startup()
	hygiene := t.hygiene(d.engine.NextHygieneDelay())

	for {
		select {
		case <-ctx.Done():
			d.shutdown(stopReason(ctx))
			return nil

		case <-t.poll:
			d.poll()

		case <-wake:
			d.poll()

		case <-t.check:
			d.engine.CheckOverlay(d.now())
			d.refreshConnection()

		case <-t.decay:
			d.engine.Decay(d.now())

		case <-hygiene:
			now := d.now()
			d.engine.HygieneEvent(now)
			d.log.Debug("hygiene event", zap.Int("hygiene", d.engine.Snapshot(now).Attributes.Hygiene))
			hygiene = t.hygiene(d.engine.NextHygieneDelay())

		case <-t.sample:
			now := d.now()
			s := d.aggregator.Record(d.engine, now)
			d.log.Debug("wellbeing sample", zap.Int("score", s.Score))
			d.onChange(d.engine.Snapshot(now))

		case <-t.heartbeat:
			d.refreshConnection()
			d.publishSystem(mqtt.EventHeartbeat, "", false)

		case req := <-d.requests:
			req.reply <- d.handle(req.cmd)
		}
	}
}

func stopReason(ctx context.Context) string {
	var r StopReason
	if errors.As(context.Cause(ctx), &r) {
		return string(r)
	}
	return ReasonCanceled
}

func (d *Daemon) startup() {
	now := d.now()
	d.aggregator.Record(d.engine, now)
	d.tracker.SetBirth(d.aggregator.Birth())
	d.tracker.SetActivity(d.activity)
	d.refreshConnection()
	d.onChange(d.engine.Snapshot(now))

	d.publishSystem(mqtt.EventStartup, "", true)
	d.log.Info("started",
		zap.Duration("poll", d.opts.PollInterval),
		zap.Duration("decay", d.opts.DecayInterval),
		zap.Duration("age", d.aggregator.Age(now)),
		zap.Bool("watching", d.opts.Notifier != nil))
}

func (d *Daemon) shutdown(reason string) {
	now := d.now()
	if d.opts.Notifier != nil {
		if err := d.opts.Notifier.Close(); err != nil {
			d.log.Warn("close notifier", zap.Error(err))
		}
	}
	if err := d.engine.Close(now); err != nil {
		d.log.Error("final companion save", zap.Error(err))
	}
	if err := d.aggregator.Flush(); err != nil {
		d.log.Error("final lifetime save", zap.Error(err))
	}
	d.refreshConnection()
	d.publishSystem(mqtt.EventShutdown, reason, true)
	d.log.Info("stopped", zap.String("reason", reason))
}

// poll reads appended log data and feeds each chunk through the classifier
// in path order.
func (d *Daemon) poll() {
	if d.opts.Notifier != nil {
		d.opts.Notifier.Sync()
	}
	chunks := d.poller.Poll()
	slices.SortStableFunc(chunks, func(a, b tail.Chunk) int { return cmp.Compare(a.Path, b.Path) })

	changed := false
	for _, chunk := range chunks {
		now := d.now()
		if chunk.Skipped > 0 {
			d.log.Debug("chunk exceeded cap, leading bytes skipped",
				zap.String("path", chunk.Path),
				zap.Int64("skipped", chunk.Skipped))
		}
		res := d.classifier.Classify(chunk, now)
		d.activity.Chunks++
		if res.Event != nil {
			kind := string(res.Event.Kind)
			d.activity.Events[kind]++
			d.activity.LastEvent = kind
			d.activity.LastEventAt = now
			d.log.Debug("activity",
				zap.String("kind", kind),
				zap.String("rule", res.Event.RuleID),
				zap.Bool("escalated", res.Event.Escalated),
				zap.String("path", chunk.Path))
		}
		if d.engine.Apply(res, now) {
			changed = true
		}
	}

	if t, ok := d.poller.(interface{ Tracked() int }); ok {
		if n := t.Tracked(); n != d.activity.TrackedFiles {
			d.activity.TrackedFiles = n
			changed = true
		}
	}
	if changed {
		d.tracker.SetActivity(d.activity)
	}
}

func (d *Daemon) handle(cmd Command) Reply {
	now := d.now()
	var result string
	switch cmd.Op {
	case OpFeed:
		result = string(d.engine.Feed(now))
	case OpPet:
		d.engine.Pet(now)
	case OpClean:
		d.engine.Clean(now)
	case OpScrub:
		result = "scrubbing"
		if d.engine.Scrub(now) {
			result = "clean"
		}
	case OpEmotion:
		d.engine.SetEmotion(cmd.Emotion, cmd.Duration, true, now)
	}
	d.log.Info("command", zap.String("op", string(cmd.Op)), zap.String("result", result))
	return Reply{Result: result, Snapshot: d.engine.Snapshot(now)}
}

// onChange receives every engine snapshot.
func (d *Daemon) onChange(c companion.Snapshot) {
	now := c.Now
	d.tracker.Update(c, status.Wellbeing{
		Score: c.Score(),
		Trend: d.aggregator.Trend(now),
		Day:   d.aggregator.Sparkline(DayHours, DayBuckets, now),
		Week:  d.aggregator.Sparkline(WeekHours, WeekBuckets, now),
	})

	if d.opts.Publisher == nil {
		return
	}
	err := d.opts.Publisher.PublishState(mqtt.StateEvent{
		Timestamp:  now,
		Emotion:    string(c.Emotion),
		Score:      c.Score(),
		RawPayload: status.FormatState(d.tracker.Snapshot()),
	})
	switch {
	case errors.Is(err, mqtt.ErrBuffered):
		d.log.Debug("state buffered until broker reconnects")
	case err != nil:
		// Don't crash on publish failure
		d.log.Warn("publish state", zap.Error(err))
	}
}

func (d *Daemon) refreshConnection() {
	if cs, ok := d.opts.Publisher.(mqtt.ConnectionStatus); ok {
		d.tracker.SetMQTTConnected(cs.IsConnected())
	}
}

func (d *Daemon) publishSystem(event, reason string, retained bool) {
	if d.opts.Publisher == nil {
		return
	}
	snap := d.tracker.Snapshot()
	err := d.opts.Publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	switch {
	case errors.Is(err, mqtt.ErrBuffered):
		d.log.Debug("system event buffered", zap.String("event", event))
	case err != nil:
		d.log.Warn("publish system event", zap.String("event", event), zap.Error(err))
	default:
		d.log.Debug("published system event", zap.String("event", event))
	}
}
