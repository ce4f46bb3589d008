package classify

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"time"

	"github.com/sweeney/companion/internal/tail"
)

// Drain constants for the signals detected outside the rule table.
const (
	ToolDrain         = 1
	UsageDrainDivisor = 5000
	MaxUsageDrain     = 6

	DefaultUsageField = "input_tokens"
)

var toolMarker = regexp.MustCompile(`"type":\s*"tool_use"`)

// Classifier evaluates an ordered rule table against chunks.
// Cooldowns and escalation counters are keyed by rule ID and shared across
// all log sources. Not safe for concurrent use.
type Classifier struct {
	rules      []*Rule
	usageField string

	lastFired map[string]time.Time
	counters  map[string]int
	counts    map[EventKind]int
}

// New creates a Classifier over compiled rules. An empty usageField means
// DefaultUsageField.
func New(rules []*Rule, usageField string) *Classifier {
	if usageField == "" {
		usageField = DefaultUsageField
	}
	return &Classifier{
		rules:      rules,
		usageField: usageField,
		lastFired:  make(map[string]time.Time),
		counters:   make(map[string]int),
		counts:     make(map[EventKind]int),
	}
}

// Rules returns the compiled rule table in evaluation order.
func (c *Classifier) Rules() []*Rule {
	return c.rules
}

// Counter returns the escalation counter for a rule.
func (c *Classifier) Counter(ruleID string) int {
	return c.counters[ruleID]
}

// Counts returns a copy of the number of events fired per kind.
func (c *Classifier) Counts() map[EventKind]int {
	out := make(map[EventKind]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Classify evaluates a chunk at time now. At most one rule fires.
func (c *Classifier) Classify(chunk tail.Chunk, now time.Time) Result {
	var res Result

	if toolMarker.Match(chunk.Data) {
		res.ToolActivity = true
		res.Drain += ToolDrain
	}
	res.Drain += c.usageDrain(chunk.Data)

	for _, r := range c.rules {
		if !r.Match(chunk.Data) {
			continue
		}
		if last, ok := c.lastFired[r.ID]; ok && now.Sub(last) < r.Cooldown {
			continue
		}
		res.Event = c.fire(r, chunk.Path, now)
		break
	}
	return res
}

func (c *Classifier) fire(r *Rule, path string, now time.Time) *Event {
	c.lastFired[r.ID] = now

	ev := &Event{Kind: r.Event, RuleID: r.ID, Path: path, Time: now}
	if r.Escalates() {
		c.counters[r.ID]++
		if c.counters[r.ID] >= r.EscalateAfter {
			ev.Kind = r.EscalateTo
			ev.Escalated = true
			c.counters[r.ID] = 0
		}
	}

	if r.Polarity != PolarityNeutral {
		for _, other := range c.rules {
			if other.Polarity.Opposes(r.Polarity) {
				c.counters[other.ID] = 0
			}
		}
	}

	c.counts[ev.Kind]++
	return ev
}

// usageDrain sums the per-line drain from usage records. Lines that are not
// valid JSON, or carry no numeric usage field, contribute nothing.
func (c *Classifier) usageDrain(data []byte) int {
	field := []byte(`"` + c.usageField + `"`)
	total := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.Contains(line, field) {
			continue
		}
		v, ok := UsageValue(line, c.usageField)
		if !ok {
			continue
		}
		total += UsageDrain(v)
	}
	return total
}

// UsageDrain maps a usage value to an energy drain: min(6, floor(v/5000)).
// NaN and values below the divisor drain nothing.
func UsageDrain(v float64) int {
	switch {
	case math.IsNaN(v) || v < UsageDrainDivisor:
		return 0
	case v >= MaxUsageDrain*UsageDrainDivisor:
		return MaxUsageDrain
	}
	return int(math.Floor(v / UsageDrainDivisor))
}

type usageRecord struct {
	Usage   map[string]json.RawMessage `json:"usage"`
	Message json.RawMessage            `json:"message"`
}

// UsageValue extracts usage.<field> or message.usage.<field> from one JSON line.
func UsageValue(line []byte, field string) (float64, bool) {
	var rec usageRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, false
	}
	if v, ok := numberField(rec.Usage, field); ok {
		return v, true
	}
	if len(rec.Message) == 0 || rec.Message[0] != '{' {
		return 0, false
	}
	var msg struct {
		Usage map[string]json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(rec.Message, &msg); err != nil {
		return 0, false
	}
	return numberField(msg.Usage, field)
}

func numberField(m map[string]json.RawMessage, field string) (float64, bool) {
	raw, ok := m[field]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}
