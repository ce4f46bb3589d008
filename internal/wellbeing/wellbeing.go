// Package wellbeing samples the companion's composite score over time and
// summarizes the history as sparklines and a trend.
package wellbeing

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/companion/internal/store"
)

const (
	// HistoryCap is one week of hourly samples.
	HistoryCap = 168

	// NeutralScore seeds a leading empty sparkline bucket.
	NeutralScore = 50

	// TrendDeadband is the mean difference required to report up or down.
	TrendDeadband = 5

	// RecentWindow and BaselineWindow bound the two trend windows.
	RecentWindow   = 6 * time.Hour
	BaselineWindow = 24 * time.Hour
)

// Glyphs are the sparkline intensity levels, lowest first.
var Glyphs = []rune("▁▂▃▄▅▆▇█")

// Trend directions.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// Source provides the current score.
type Source interface {
	WellbeingScore() int
}

// Sample is one recorded score.
type Sample struct {
	Time  time.Time
	Score int
}

type sampleRecord struct {
	TimeMs int64 `json:"t"`
	Score  int   `json:"score"`
}

type lifetimeRecord struct {
	BirthMs int64          `json:"birth_ms"`
	History []sampleRecord `json:"history"`
}

// Aggregator holds the lifetime record. Like the engine it is owned by a
// single goroutine.
type Aggregator struct {
	kv      store.KV
	log     *zap.Logger
	birth   time.Time
	history []Sample
	saveErr error
}

// New loads the lifetime record from kv. A missing or unreadable record starts
// a new lifetime born at now.
func New(kv store.KV, now time.Time, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{kv: kv, log: log}

	data, found, err := kv.Get(store.KeyLifetime)
	switch {
	case err != nil:
		log.Warn("load lifetime record", zap.Error(err))
	case found:
		var rec lifetimeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn("discarding unreadable lifetime record", zap.Error(err))
			break
		}
		if rec.BirthMs != 0 {
			a.birth = time.UnixMilli(rec.BirthMs)
		}
		for _, s := range rec.History {
			a.history = append(a.history, Sample{Time: time.UnixMilli(s.TimeMs), Score: s.Score})
		}
		a.trim()
	}

	if a.birth.IsZero() {
		a.birth = now
		a.save()
	}
	return a
}

// Record appends the current score of src and persists the lifetime record.
func (a *Aggregator) Record(src Source, now time.Time) Sample {
	s := Sample{Time: now, Score: src.WellbeingScore()}
	a.history = append(a.history, s)
	a.trim()
	a.save()
	return s
}

// Birth returns when the companion was first created.
func (a *Aggregator) Birth() time.Time {
	return a.birth
}

// Age returns how long the companion has existed.
func (a *Aggregator) Age(now time.Time) time.Duration {
	if now.Before(a.birth) {
		return 0
	}
	return now.Sub(a.birth)
}

// Latest returns the most recent sample.
func (a *Aggregator) Latest() (Sample, bool) {
	if len(a.history) == 0 {
		return Sample{}, false
	}
	return a.history[len(a.history)-1], true
}

// History returns a copy of the recorded samples, oldest first.
func (a *Aggregator) History() []Sample {
	out := make([]Sample, len(a.history))
	copy(out, a.history)
	return out
}

// LastSaveError returns the error from the most recent save, or nil.
func (a *Aggregator) LastSaveError() error {
	return a.saveErr
}

// Flush persists the lifetime record.
func (a *Aggregator) Flush() error {
	a.save()
	return a.saveErr
}

// Sparkline renders the last windowHours as buckets glyphs. Each bucket shows
// the mean of its samples; an empty bucket repeats its predecessor, and a
// leading empty bucket shows NeutralScore.
func (a *Aggregator) Sparkline(windowHours, buckets int, now time.Time) string {
	if windowHours <= 0 || buckets <= 0 {
		return ""
	}
	window := time.Duration(windowHours) * time.Hour
	start := now.Add(-window)
	width := window / time.Duration(buckets)

	sums := make([]int, buckets)
	counts := make([]int, buckets)
	for _, s := range a.history {
		if s.Time.Before(start) || s.Time.After(now) {
			continue
		}
		i := buckets - 1
		if width > 0 {
			i = min(int(s.Time.Sub(start)/width), buckets-1)
		}
		sums[i] += s.Score
		counts[i]++
	}

	var b strings.Builder
	prev := float64(NeutralScore)
	for i := range buckets {
		if counts[i] > 0 {
			prev = float64(sums[i]) / float64(counts[i])
		}
		b.WriteRune(Glyph(prev))
	}
	return b.String()
}

// Glyph maps a score in [0,100] to a sparkline glyph.
func Glyph(score float64) rune {
	i := int(math.Floor(score * float64(len(Glyphs)) / 100))
	i = max(0, min(len(Glyphs)-1, i))
	return Glyphs[i]
}

// Trend compares the mean score of the recent window (now-6h, now] against the
// baseline window (now-24h, now-6h].
func (a *Aggregator) Trend(now time.Time) string {
	recentStart := now.Add(-RecentWindow)
	baselineStart := now.Add(-BaselineWindow)

	var recentSum, recentN, baseSum, baseN int
	for _, s := range a.history {
		switch {
		case s.Time.After(now):
		case s.Time.After(recentStart):
			recentSum += s.Score
			recentN++
		case s.Time.After(baselineStart):
			baseSum += s.Score
			baseN++
		}
	}
	if recentN == 0 || baseN == 0 {
		return TrendStable
	}

	diff := float64(recentSum)/float64(recentN) - float64(baseSum)/float64(baseN)
	switch {
	case diff > TrendDeadband:
		return TrendUp
	case diff < -TrendDeadband:
		return TrendDown
	default:
		return TrendStable
	}
}

func (a *Aggregator) trim() {
	if n := len(a.history) - HistoryCap; n > 0 {
		a.history = append([]Sample(nil), a.history[n:]...)
	}
}

func (a *Aggregator) save() {
	rec := lifetimeRecord{BirthMs: a.birth.UnixMilli()}
	for _, s := range a.history {
		rec.History = append(rec.History, sampleRecord{TimeMs: s.Time.UnixMilli(), Score: s.Score})
	}
	data, err := json.Marshal(rec)
	if err == nil {
		err = a.kv.Put(store.KeyLifetime, data)
	}
	if err != nil {
		if a.saveErr == nil {
			a.log.Warn("save lifetime record", zap.Error(err))
		}
		a.saveErr = fmt.Errorf("save lifetime record: %w", err)
		return
	}
	a.saveErr = nil
}
