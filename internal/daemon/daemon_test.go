package daemon

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sweeney/companion/internal/classify"
	"github.com/sweeney/companion/internal/companion"
	"github.com/sweeney/companion/internal/mqtt"
	"github.com/sweeney/companion/internal/status"
	"github.com/sweeney/companion/internal/store"
	"github.com/sweeney/companion/internal/tail"
	"github.com/sweeney/companion/internal/wellbeing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeNotifier struct {
	wake   chan struct{}
	syncs  int
	closed bool
}

func (n *fakeNotifier) Wake() <-chan struct{} { return n.wake }
func (n *fakeNotifier) Sync()                 { n.syncs++ }
func (n *fakeNotifier) Close() error {
	n.closed = true
	return nil
}

type harness struct {
	d       *Daemon
	kv      *store.FakeKV
	poller  *tail.FakePoller
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	agg     *wellbeing.Aggregator
	clock   *clock

	poll, check, decay, sample, heartbeat chan time.Time
	hygiene                               chan time.Time
	arms                                  chan time.Duration
	timersStopped                         bool

	cancel context.CancelCauseFunc
	errc   chan error
}

func newHarness(t *testing.T, opts Options, batches ...[]tail.Chunk) *harness {
	t.Helper()
	h := &harness{
		kv:        store.NewFakeKV(),
		poller:    tail.NewFakePoller(batches...),
		pub:       mqtt.NewFakePublisher(),
		clock:     &clock{t: t0},
		poll:      make(chan time.Time),
		check:     make(chan time.Time),
		decay:     make(chan time.Time),
		sample:    make(chan time.Time),
		heartbeat: make(chan time.Time),
		hygiene:   make(chan time.Time),
		arms:      make(chan time.Duration, 16),
		errc:      make(chan error, 1),
	}
	h.pub.Connected = true

	engine := companion.New(h.kv, rand.New(rand.NewPCG(1, 2)), t0, companion.Options{})
	h.agg = wellbeing.New(h.kv, t0, nil)
	rules, errs := classify.Compile(classify.DefaultRules())
	require.Empty(t, errs)
	classifier := classify.New(rules, "")
	h.tracker = status.NewTracker(t0, "session-1", status.Config{Name: "desk"})

	opts.Publisher = h.pub
	opts.Now = h.clock.Now
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	h.d = New(engine, h.agg, classifier, h.poller, h.tracker, opts)
	h.d.newTimers = func() timers {
		return timers{
			poll:      h.poll,
			check:     h.check,
			decay:     h.decay,
			sample:    h.sample,
			heartbeat: h.heartbeat,
			hygiene: func(d time.Duration) <-chan time.Time {
				h.arms <- d
				return h.hygiene
			},
			stop: func() { h.timersStopped = true },
		}
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.d.Run(ctx) }()
	t.Cleanup(func() { h.stop(t, nil) })
	h.sync()
}

func (h *harness) stop(t *testing.T, cause error) {
	t.Helper()
	h.cancel(cause)
	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-h.d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
	<-h.d.Done()
}

// sync waits until the loop has finished handling everything sent so far.
func (h *harness) sync() {
	reply := make(chan Reply, 1)
	h.d.requests <- request{reply: reply}
	<-reply
}

func (h *harness) send(ch chan time.Time, at time.Time) {
	h.clock.Set(at)
	ch <- at
	h.sync()
}

func (h *harness) snapshot() status.Snapshot {
	return h.tracker.Snapshot()
}

func TestStartup(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	assert.Equal(t, []string{mqtt.EventStartup}, h.pub.SystemEventNames())
	assert.True(t, h.pub.SystemEvents[0].Retained)
	assert.Contains(t, string(h.pub.SystemPayloads[0]), `"event":"STARTUP"`)
	assert.GreaterOrEqual(t, h.pub.StateCount(), 1)

	snap := h.snapshot()
	assert.True(t, snap.Ready)
	assert.True(t, snap.MQTTConnected)
	assert.Equal(t, t0, snap.Birth)
	assert.Equal(t, companion.EmotionNeutral, snap.Companion.Emotion)
	assert.Equal(t, companion.DefaultAttributes().Score(), snap.Wellbeing.Score)
	assert.Len(t, []rune(snap.Wellbeing.Day), DayBuckets)
	assert.Len(t, []rune(snap.Wellbeing.Week), WeekBuckets)

	assert.Len(t, h.agg.History(), 1, "startup sample")

	select {
	case d := <-h.arms:
		assert.GreaterOrEqual(t, d, companion.DefaultHygieneMin)
		assert.Less(t, d, companion.DefaultHygieneMax)
	default:
		t.Fatal("hygiene timer not armed")
	}
}

func TestPollProcessesChunksInPathOrder(t *testing.T) {
	h := newHarness(t, Options{}, []tail.Chunk{
		{Path: "/logs/b.jsonl", Data: []byte(`{"type":"tool_result","content":"all tests pass"}`)},
		{Path: "/logs/a.jsonl", Data: []byte(`{"type":"assistant","message":"hi"}`)},
	})
	h.start(t)

	h.send(h.poll, t0.Add(time.Second))

	snap := h.snapshot()
	assert.Equal(t, companion.EmotionExcited, snap.Companion.Emotion, "b.jsonl is processed last")
	assert.Equal(t, "Yay!", snap.Companion.Message)
	assert.Equal(t, 85, snap.Companion.Attributes.Happiness)
	assert.Equal(t, 2, snap.Activity.Chunks)
	assert.Equal(t, map[string]int{"reply": 1, "success": 1}, snap.Activity.Events)
	assert.Equal(t, "success", snap.Activity.LastEvent)
	assert.Equal(t, t0.Add(time.Second), snap.Activity.LastEventAt)
}

func TestCooldownIsSharedAcrossSources(t *testing.T) {
	h := newHarness(t, Options{}, []tail.Chunk{
		{Path: "/logs/a.jsonl", Data: []byte("all tests pass")},
		{Path: "/logs/b.jsonl", Data: []byte("all tests pass")},
	})
	h.start(t)

	h.send(h.poll, t0.Add(time.Second))

	snap := h.snapshot()
	assert.Equal(t, 2, snap.Activity.Chunks)
	assert.Equal(t, 1, snap.Activity.Events["success"])
}

func TestEmptyPollLeavesActivityAlone(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	before := h.pub.StateCount()

	h.send(h.poll, t0.Add(time.Second))

	assert.Equal(t, 1, h.poller.Polls)
	assert.Equal(t, 0, h.snapshot().Activity.Chunks)
	assert.Equal(t, before, h.pub.StateCount(), "nothing changed, nothing published")
}

func TestUnclassifiedChunkPushesNoActivity(t *testing.T) {
	h := newHarness(t, Options{},
		[]tail.Chunk{{Path: "/logs/a.jsonl", Data: []byte("plain text, nothing to see")}},
		[]tail.Chunk{{Path: "/logs/a.jsonl", Data: []byte(`{"type":"assistant"}`)}},
	)
	h.start(t)
	before := h.pub.StateCount()

	h.send(h.poll, t0.Add(time.Second))
	assert.Equal(t, 0, h.snapshot().Activity.Chunks, "no state change, no activity update")
	assert.Equal(t, before, h.pub.StateCount())

	h.send(h.poll, t0.Add(2*time.Second))
	assert.Equal(t, 2, h.snapshot().Activity.Chunks)
	assert.Equal(t, 1, h.snapshot().Activity.Events["reply"])
}

func TestSkippedBytesAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, Options{Log: zap.New(core)}, []tail.Chunk{
		{Path: "/logs/a.jsonl", Data: []byte(`{"type":"assistant"}`), Skipped: 4096},
	})
	h.start(t)

	h.send(h.poll, t0.Add(time.Second))

	entries := logs.FilterMessage("chunk exceeded cap, leading bytes skipped").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4096), entries[0].ContextMap()["skipped"])
	assert.Equal(t, companion.EmotionHappy, h.snapshot().Companion.Emotion)
}

func TestWakeTriggersPoll(t *testing.T) {
	n := &fakeNotifier{wake: make(chan struct{})}
	h := newHarness(t, Options{Notifier: n}, []tail.Chunk{
		{Path: "/logs/a.jsonl", Data: []byte(`{"type":"thinking"}`)},
	})
	h.start(t)

	n.wake <- struct{}{}
	h.sync()

	assert.Equal(t, 1, h.poller.Polls)
	assert.Equal(t, 1, n.syncs)
	snap := h.snapshot()
	assert.True(t, snap.Activity.Watching)
	assert.Equal(t, companion.EmotionThinking, snap.Companion.Emotion)
}

func TestCheckForcesTiredWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.send(h.check, t0.Add(5*time.Minute))
	assert.False(t, h.snapshot().Companion.Asleep)

	h.send(h.check, t0.Add(companion.DefaultIdleThreshold))
	snap := h.snapshot()
	assert.True(t, snap.Companion.Asleep)
	assert.Equal(t, companion.EmotionTired, snap.Companion.Emotion)
	assert.True(t, snap.Companion.Sticky())
}

func TestCheckExpiresOverlay(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	_, err := h.d.Do(context.Background(), Command{Op: OpEmotion, Emotion: companion.EmotionAngry, Duration: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, companion.EmotionAngry, h.snapshot().Companion.Emotion)

	h.send(h.check, t0.Add(3*time.Second))
	assert.Equal(t, companion.EmotionNeutral, h.snapshot().Companion.Emotion)
}

func TestDecayTick(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.send(h.decay, t0.Add(time.Minute))

	a := h.snapshot().Companion.Attributes
	assert.Equal(t, 79, a.Hunger)
	assert.Equal(t, 79, a.Happiness)
}

func TestHygieneTimerRearms(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	<-h.arms

	h.send(h.hygiene, t0.Add(30*time.Minute))

	snap := h.snapshot()
	assert.Equal(t, 85, snap.Companion.Attributes.Hygiene)
	assert.Equal(t, 1, snap.Companion.HygieneEvents)
	select {
	case d := <-h.arms:
		assert.GreaterOrEqual(t, d, companion.DefaultHygieneMin)
	default:
		t.Fatal("hygiene timer not re-armed")
	}
}

func TestSampleRecordsWellbeing(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	before := h.pub.StateCount()

	h.send(h.sample, t0.Add(time.Hour))

	history := h.agg.History()
	require.Len(t, history, 2)
	assert.Equal(t, t0.Add(time.Hour), history[1].Time)
	assert.Greater(t, h.pub.StateCount(), before, "sample refreshes the published state")
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, Options{Heartbeat: 15 * time.Minute})
	h.start(t)

	h.send(h.heartbeat, t0.Add(15*time.Minute))

	assert.Equal(t, []string{mqtt.EventStartup, mqtt.EventHeartbeat}, h.pub.SystemEventNames())
	assert.False(t, h.pub.SystemEvents[1].Retained)
	payload := string(h.pub.SystemPayloads[1])
	assert.Contains(t, payload, `"event":"HEARTBEAT"`)
	assert.NotContains(t, payload, `"config"`)
}

func TestCommands(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	ctx := context.Background()

	reply, err := h.d.Do(ctx, Command{Op: OpFeed})
	require.NoError(t, err)
	assert.Equal(t, string(companion.FeedOverfed), reply.Result, "newborn hunger is above the overfeed threshold")
	assert.Equal(t, 1, reply.Snapshot.HygieneEvents)

	reply, err = h.d.Do(ctx, Command{Op: OpClean})
	require.NoError(t, err)
	assert.Equal(t, 100, reply.Snapshot.Attributes.Hygiene)
	assert.Equal(t, 0, reply.Snapshot.HygieneEvents)

	reply, err = h.d.Do(ctx, Command{Op: OpScrub})
	require.NoError(t, err)
	assert.Equal(t, "clean", reply.Result)

	reply, err = h.d.Do(ctx, Command{Op: OpPet})
	require.NoError(t, err)
	assert.Contains(t, []companion.Emotion{companion.EmotionLove, companion.EmotionBlush}, reply.Snapshot.Emotion)

	reply, err = h.d.Do(ctx, Command{Op: OpEmotion, Emotion: companion.EmotionSurprised})
	require.NoError(t, err)
	assert.Equal(t, companion.EmotionSurprised, reply.Snapshot.Emotion)
	assert.True(t, reply.Snapshot.Sticky())

	assert.Equal(t, companion.EmotionSurprised, h.snapshot().Companion.Emotion)
}

func TestScrubReportsProgress(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	<-h.arms
	h.send(h.hygiene, t0.Add(time.Minute))
	h.send(h.hygiene, t0.Add(2*time.Minute))

	reply, err := h.d.Do(context.Background(), Command{Op: OpScrub})
	require.NoError(t, err)
	assert.Equal(t, "scrubbing", reply.Result)
	assert.Equal(t, 95, reply.Snapshot.Attributes.Hygiene)
	assert.Equal(t, 2, reply.Snapshot.HygieneEvents)

	reply, err = h.d.Do(context.Background(), Command{Op: OpScrub})
	require.NoError(t, err)
	assert.Equal(t, "clean", reply.Result)
	assert.Equal(t, 0, reply.Snapshot.HygieneEvents)
}

func TestDoRejectsInvalidCommands(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.d.Do(context.Background(), Command{Op: "dance"})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = h.d.Do(context.Background(), Command{Op: OpEmotion, Emotion: "smug"})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestDoHonorsContext(t *testing.T) {
	h := newHarness(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.d.Do(ctx, Command{Op: OpPet})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoAfterStop(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	h.stop(t, nil)

	_, err := h.d.Do(context.Background(), Command{Op: OpPet})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestShutdown(t *testing.T) {
	n := &fakeNotifier{wake: make(chan struct{})}
	h := newHarness(t, Options{Notifier: n})
	h.start(t)
	statePuts := h.kv.Puts[store.KeyState]
	lifetimePuts := h.kv.Puts[store.KeyLifetime]

	h.stop(t, StopReason("SIGTERM"))

	assert.True(t, n.closed)
	assert.True(t, h.timersStopped)
	assert.Greater(t, h.kv.Puts[store.KeyState], statePuts, "final companion save")
	assert.Greater(t, h.kv.Puts[store.KeyLifetime], lifetimePuts, "final lifetime save")

	names := h.pub.SystemEventNames()
	require.Equal(t, []string{mqtt.EventStartup, mqtt.EventShutdown}, names)
	last := h.pub.SystemEvents[1]
	assert.Equal(t, "SIGTERM", last.Reason)
	assert.True(t, last.Retained)
	assert.Contains(t, string(h.pub.SystemPayloads[1]), `"reason":"SIGTERM"`)
}

func TestShutdownDefaultReason(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	h.stop(t, nil)

	require.Len(t, h.pub.SystemEvents, 2)
	assert.Equal(t, ReasonCanceled, h.pub.SystemEvents[1].Reason)
}

func TestPublishFailuresAreNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, Options{Log: zap.New(core)}, []tail.Chunk{
		{Path: "/logs/a.jsonl", Data: []byte(`{"type":"assistant"}`)},
	})
	h.pub.PublishError = errors.New("broker down")
	h.start(t)

	h.send(h.poll, t0.Add(time.Second))
	_, err := h.d.Do(context.Background(), Command{Op: OpPet})
	require.NoError(t, err)

	assert.Equal(t, 0, h.pub.StateCount())
	assert.NotZero(t, logs.FilterMessage("publish state").Len())
	assert.NotEqual(t, companion.EmotionNeutral, h.snapshot().Companion.Emotion)
}

func TestStoreFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.kv.PutError = errors.New("disk full")
	h.start(t)

	reply, err := h.d.Do(context.Background(), Command{Op: OpClean})
	require.NoError(t, err)
	assert.Equal(t, companion.EmotionHappy, reply.Snapshot.Emotion)
}

func TestRunWithRealTimers(t *testing.T) {
	kv := store.NewFakeKV()
	poller := tail.NewFakePoller([]tail.Chunk{{Path: "/logs/a.jsonl", Data: []byte(`{"type":"user","message":"hi"}`)}})
	engine := companion.New(kv, nil, time.Now(), companion.Options{})
	agg := wellbeing.New(kv, time.Now(), nil)
	rules, _ := classify.Compile(classify.DefaultRules())
	tracker := status.NewTracker(time.Now(), "s", status.Config{})

	d := New(engine, agg, classify.New(rules, ""), poller, tracker, Options{
		PollInterval:   5 * time.Millisecond,
		CheckInterval:  time.Hour,
		DecayInterval:  time.Hour,
		SampleInterval: time.Hour,
		Heartbeat:      time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return tracker.Snapshot().Activity.Chunks == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, companion.EmotionCurious, tracker.Snapshot().Companion.Emotion)

	cancel()
	require.NoError(t, <-errc)
}

func TestStopReasonFromCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(StopReason("SIGINT"))
	assert.Equal(t, "SIGINT", stopReason(ctx))

	ctx, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.Equal(t, ReasonCanceled, stopReason(ctx))
	assert.True(t, strings.HasPrefix(ReasonCanceled, "CONTEXT"))
}
