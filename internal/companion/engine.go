package companion

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/companion/internal/classify"
	"github.com/sweeney/companion/internal/store"
)

// Simulation rates and thresholds.
const (
	HungerDecay       = 1
	HappinessDecay    = 1
	LowHygienePenalty = 1
	EnergyRecovery    = 2

	HygienePenalty = 15

	StuffedThreshold  = 90 // feeding refused above this hunger
	OverfeedThreshold = 70 // feeding above this hunger causes a hygiene event
	FeedMin           = 15
	FeedMax           = 25

	PetHappinessMin = 5
	PetHappinessMax = 15
	PetEnergyMin    = 1
	PetEnergyMax    = 5

	ScrubAmount = 25
)

// Default timings.
const (
	DefaultDecayInterval = time.Minute
	DefaultIdleThreshold = 10 * time.Minute
	DefaultHygieneMin    = 20 * time.Minute
	DefaultHygieneMax    = 45 * time.Minute
)

// FeedResult is the outcome of Feed.
type FeedResult string

const (
	FeedNormal  FeedResult = "normal"
	FeedOverfed FeedResult = "overfed"
	FeedStuffed FeedResult = "stuffed"
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	DecayInterval time.Duration
	IdleThreshold time.Duration
	HygieneMin    time.Duration
	HygieneMax    time.Duration
	Log           *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DecayInterval <= 0 {
		o.DecayInterval = DefaultDecayInterval
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.HygieneMin <= 0 {
		o.HygieneMin = DefaultHygieneMin
	}
	if o.HygieneMax <= o.HygieneMin {
		o.HygieneMax = o.HygieneMin + time.Minute
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Snapshot is a point-in-time view of the engine. It is a value type and safe
// to keep after the engine changes.
type Snapshot struct {
	Attributes      Attributes
	Emotion         Emotion
	ExpiresAt       time.Time // zero = sticky
	Message         string
	MessageCategory string
	HygieneEvents   int
	Base            Emotion
	Ceiling         int
	Asleep          bool
	LastActivity    time.Time
	Now             time.Time
}

// Sticky reports whether the current emotion never expires on its own.
func (s Snapshot) Sticky() bool {
	return s.ExpiresAt.IsZero()
}

// Score is the wellbeing score of the snapshot.
func (s Snapshot) Score() int {
	return s.Attributes.Score()
}

// Engine owns the companion state. It is driven by a single caller (the
// daemon loop) and is not safe for concurrent use.
type Engine struct {
	kv   store.KV
	rng  *rand.Rand
	opts Options
	log  *zap.Logger

	attrs         Attributes
	emotion       Emotion
	expiresAt     time.Time
	atBase        bool
	message       string
	category      string
	hygieneEvents int
	asleep        bool
	lastActivity  time.Time
	lastDecay     time.Time

	subscribers []func(Snapshot)

	saveErr error
	saves   int
}

// New loads the engine state from kv, or starts a newborn companion when
// nothing was stored or the stored record is unreadable.
func New(kv store.KV, rng *rand.Rand, now time.Time, opts Options) *Engine {
	opts = opts.withDefaults()
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(now.UnixNano()), 0x636f6d70))
	}
	e := &Engine{
		kv:           kv,
		rng:          rng,
		opts:         opts,
		log:          opts.Log,
		attrs:        DefaultAttributes(),
		emotion:      EmotionNeutral,
		atBase:       true,
		lastActivity: wall(now),
		lastDecay:    wall(now),
	}
	e.load(now)
	return e
}

func (e *Engine) load(now time.Time) {
	data, found, err := e.kv.Get(store.KeyState)
	if err != nil {
		e.log.Warn("load companion state", zap.Error(err))
		return
	}
	if !found {
		return
	}
	rec, err := decodeRecord(data)
	if err != nil {
		e.log.Warn("discarding unreadable companion state", zap.Error(err))
		return
	}

	e.attrs = rec.Attributes
	e.attrs.Clamp()
	e.hygieneEvents = max(rec.HygieneEvents, 0)
	e.emotion = rec.Emotion
	if !e.emotion.Valid() {
		e.emotion = e.attrs.BaseEmotion()
	}
	e.expiresAt = fromMs(rec.ExpiresAtMs)
	e.atBase = false
	e.asleep = rec.Asleep
	if t := fromMs(rec.LastActivityMs); !t.IsZero() && !t.After(now) {
		e.lastActivity = t
	}
	if t := fromMs(rec.LastDecayMs); !t.IsZero() && !t.After(now) {
		e.lastDecay = t
	}
}

// Subscribe registers fn to receive a snapshot after every mutation.
// Subscribers run synchronously on the caller's goroutine.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.subscribers = append(e.subscribers, fn)
}

// Snapshot returns the current state.
func (e *Engine) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Attributes:      e.attrs,
		Emotion:         e.emotion,
		ExpiresAt:       e.expiresAt,
		Message:         e.message,
		MessageCategory: e.category,
		HygieneEvents:   e.hygieneEvents,
		Base:            e.attrs.BaseEmotion(),
		Ceiling:         e.attrs.Ceiling(),
		Asleep:          e.asleep,
		LastActivity:    e.lastActivity,
		Now:             now,
	}
}

// WellbeingScore returns the composite score of the current attributes.
func (e *Engine) WellbeingScore() int {
	return e.attrs.Score()
}

// LastSaveError returns the error from the most recent save, or nil.
func (e *Engine) LastSaveError() error {
	return e.saveErr
}

// Saves returns the number of successful saves.
func (e *Engine) Saves() int {
	return e.saves
}

// SetEmotion overwrites the overlay. A zero duration makes it sticky.
// When resetsIdle is set the idle clock restarts and any sleep override ends.
func (e *Engine) SetEmotion(tag Emotion, d time.Duration, resetsIdle bool, now time.Time) {
	e.setEmotion(tag, d, resetsIdle, now)
	e.setMessage("", "")
	e.commit(now)
}

// CheckOverlay applies the idle override and overlay expiry. It reports
// whether anything changed.
func (e *Engine) CheckOverlay(now time.Time) bool {
	switch {
	case !e.asleep && now.Sub(e.lastActivity) >= e.opts.IdleThreshold:
		e.asleep = true
		e.emotion = EmotionTired
		e.expiresAt = time.Time{}
		e.atBase = false
		e.setMessage("", "")
	case !e.expiresAt.IsZero() && !now.Before(e.expiresAt):
		e.revertToBase()
	default:
		return false
	}
	e.commit(now)
	return true
}

// Decay applies one passive decay tick.
func (e *Engine) Decay(now time.Time) {
	gap := now.Sub(e.lastDecay)
	e.lastDecay = wall(now)

	e.attrs.Hunger -= HungerDecay
	e.attrs.Happiness -= HappinessDecay
	if e.attrs.Hygiene < LowHygieneThreshold {
		e.attrs.Happiness -= LowHygienePenalty
	}

	// A gap of several intervals means the host was suspended or the daemon
	// was down; recover energy for every interval missed.
	if missed := int(gap / e.opts.DecayInterval); missed > 1 {
		e.attrs.Energy += EnergyRecovery * missed
	} else if e.asleep || now.Sub(e.lastActivity) >= e.opts.IdleThreshold {
		e.attrs.Energy += EnergyRecovery
	}
	e.attrs.Clamp()

	if !e.asleep {
		if crit := e.attrs.BaseEmotion(); crit != EmotionNeutral {
			e.setEmotion(crit, e.opts.DecayInterval, false, now)
			e.setMessage("", "")
		} else if e.atBase {
			e.emotion = crit
		}
	}
	e.commit(now)
}

// HygieneEvent records an uncleaned event and lowers hygiene.
func (e *Engine) HygieneEvent(now time.Time) {
	e.hygieneEvent()
	e.setMessage("Oops...", CategoryHygiene)
	e.commit(now)
}

// NextHygieneDelay draws the delay until the next hygiene event.
func (e *Engine) NextHygieneDelay() time.Duration {
	span := int64(e.opts.HygieneMax - e.opts.HygieneMin)
	return e.opts.HygieneMin + time.Duration(e.rng.Int64N(span))
}

// Feed feeds the companion.
func (e *Engine) Feed(now time.Time) FeedResult {
	if e.attrs.Hunger > StuffedThreshold {
		e.setEmotion(EmotionSurprised, 3*time.Second, true, now)
		e.setMessage("I'm stuffed!", CategoryFeed)
		e.commit(now)
		return FeedStuffed
	}

	before := e.attrs.Hunger
	e.attrs.Hunger += e.between(FeedMin, FeedMax)

	result := FeedNormal
	if before > OverfeedThreshold {
		e.hygieneEvent()
		e.setEmotion(EmotionSad, 4*time.Second, true, now)
		e.setMessage("Ugh, too much", CategoryFeed)
		result = FeedOverfed
	} else {
		e.setEmotion(EmotionHappy, 4*time.Second, true, now)
		e.setMessage("Yum!", CategoryFeed)
	}
	e.commit(now)
	return result
}

// Pet boosts happiness and energy by a random amount.
func (e *Engine) Pet(now time.Time) {
	e.attrs.Happiness += e.between(PetHappinessMin, PetHappinessMax)
	e.attrs.Energy += e.between(PetEnergyMin, PetEnergyMax)
	e.attrs.Clamp()

	tag := EmotionLove
	if e.attrs.Happiness >= e.attrs.Ceiling() {
		tag = EmotionBlush
	}
	e.setEmotion(tag, 4*time.Second, true, now)
	e.setMessage("♥", CategoryPet)
	e.commit(now)
}

// Clean fully restores hygiene.
func (e *Engine) Clean(now time.Time) {
	e.attrs.Hygiene = MaxAttribute
	e.hygieneEvents = 0
	e.setEmotion(EmotionHappy, 3*time.Second, true, now)
	e.setMessage("Squeaky clean!", CategoryClean)
	e.commit(now)
}

// Scrub restores some hygiene and reports whether the companion is now fully
// clean. The hygiene event counter only resets once hygiene reaches maximum.
func (e *Engine) Scrub(now time.Time) bool {
	e.attrs.Hygiene += ScrubAmount
	e.attrs.Clamp()

	clean := e.attrs.Hygiene >= MaxAttribute
	if clean {
		e.hygieneEvents = 0
		e.setEmotion(EmotionHappy, 3*time.Second, true, now)
		e.setMessage("All clean!", CategoryClean)
	} else {
		e.setEmotion(EmotionCurious, 2*time.Second, true, now)
		e.setMessage("scrub scrub", CategoryClean)
	}
	e.commit(now)
	return clean
}

// Apply feeds a classification result into the simulation. It reports whether
// the result changed anything.
func (e *Engine) Apply(res classify.Result, now time.Time) bool {
	if res.Empty() {
		return false
	}

	e.markActivity(now)
	if res.Event != nil {
		r := ReactionFor(res.Event.Kind)
		e.attrs.Happiness += r.Happiness
		e.setEmotion(r.Emotion, r.Duration, true, now)
		if r.Message != "" {
			e.setMessage(r.Message, CategoryActivity)
		} else {
			e.setMessage("", "")
		}
	}
	if res.Drain > 0 {
		e.attrs.Energy -= res.Drain
	}
	e.commit(now)
	return true
}

// Close performs the final save.
func (e *Engine) Close(now time.Time) error {
	e.save(now)
	return e.saveErr
}

func (e *Engine) setEmotion(tag Emotion, d time.Duration, resetsIdle bool, now time.Time) {
	if !tag.Valid() {
		tag = EmotionNeutral
	}
	e.emotion = tag
	e.atBase = false
	if d <= 0 {
		e.expiresAt = time.Time{}
	} else {
		e.expiresAt = wall(now).Add(d)
	}
	if resetsIdle {
		e.lastActivity = wall(now)
		e.asleep = false
	}
}

func (e *Engine) setMessage(msg, category string) {
	e.message = msg
	e.category = category
}

// markActivity restarts the idle clock, waking the companion if needed.
func (e *Engine) markActivity(now time.Time) {
	e.lastActivity = wall(now)
	if e.asleep {
		e.asleep = false
		e.revertToBase()
	}
}

func (e *Engine) revertToBase() {
	e.emotion = e.attrs.BaseEmotion()
	e.expiresAt = time.Time{}
	e.atBase = true
	e.setMessage("", "")
}

func (e *Engine) hygieneEvent() {
	e.hygieneEvents++
	e.attrs.Hygiene -= HygienePenalty
}

// between returns a uniform integer in [lo, hi].
func (e *Engine) between(lo, hi int) int {
	return lo + e.rng.IntN(hi-lo+1)
}

func (e *Engine) commit(now time.Time) {
	e.attrs.Clamp()
	e.save(now)
	e.notify(now)
}

func (e *Engine) save(now time.Time) {
	data, err := encodeRecord(record{
		Attributes:     e.attrs,
		HygieneEvents:  e.hygieneEvents,
		Emotion:        e.emotion,
		ExpiresAtMs:    toMs(e.expiresAt),
		Asleep:         e.asleep,
		LastActivityMs: toMs(e.lastActivity),
		LastDecayMs:    toMs(e.lastDecay),
		SavedAtMs:      toMs(now),
	})
	if err == nil {
		err = e.kv.Put(store.KeyState, data)
	}
	if err != nil {
		if e.saveErr == nil {
			e.log.Warn("save companion state", zap.Error(err))
		}
		e.saveErr = err
		return
	}
	if e.saveErr != nil {
		e.log.Info("companion state saved after earlier failure")
	}
	e.saveErr = nil
	e.saves++
}

func (e *Engine) notify(now time.Time) {
	if len(e.subscribers) == 0 {
		return
	}
	snap := e.Snapshot(now)
	for _, fn := range e.subscribers {
		fn(snap)
	}
}

// wall strips the monotonic clock reading. The monotonic clock stops while the
// host is suspended, so durations measured against stored times must use the
// wall clock to see the suspended interval.
func wall(t time.Time) time.Time {
	return t.Round(0)
}
