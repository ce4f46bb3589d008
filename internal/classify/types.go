// Package classify turns appended log text into discrete activity events.
// It has no I/O; time is always passed in by the caller.
package classify

import (
	"regexp"
	"time"
)

// EventKind identifies a classified activity.
type EventKind string

const (
	EventUserPrompt  EventKind = "user_prompt"
	EventThinking    EventKind = "thinking"
	EventReply       EventKind = "reply"
	EventToolError   EventKind = "tool_error"
	EventFrustrated  EventKind = "frustrated" // escalated tool errors
	EventFailure     EventKind = "failure"
	EventSuccess     EventKind = "success"
	EventPraise      EventKind = "praise"
	EventInterrupted EventKind = "interrupted"
	EventCompacted   EventKind = "compacted"
)

// Polarity groups events whose escalation counters cancel each other.
type Polarity string

const (
	PolarityNeutral  Polarity = ""
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
)

// Opposes reports whether p and q are opposite non-neutral polarities.
func (p Polarity) Opposes(q Polarity) bool {
	return (p == PolarityPositive && q == PolarityNegative) ||
		(p == PolarityNegative && q == PolarityPositive)
}

// RuleSpec is the uncompiled, data form of a classification rule.
type RuleSpec struct {
	ID       string
	Pattern  string
	Cooldown time.Duration
	Event    EventKind
	Polarity Polarity

	// EscalateAfter, when > 0, makes every EscalateAfter-th firing emit
	// EscalateTo instead of Event.
	EscalateAfter int
	EscalateTo    EventKind
}

// Rule is a compiled RuleSpec.
type Rule struct {
	RuleSpec
	re *regexp.Regexp
}

// Match reports whether the rule's pattern matches text.
func (r *Rule) Match(text []byte) bool {
	return r.re.Match(text)
}

// Escalates reports whether the rule carries escalation state.
func (r *Rule) Escalates() bool {
	return r.EscalateAfter > 0 && r.EscalateTo != ""
}

// Event is a fired classification.
type Event struct {
	Kind      EventKind
	RuleID    string
	Path      string
	Escalated bool
	Time      time.Time
}

// Result is everything extracted from one chunk.
type Result struct {
	// Event is the single rule that fired, or nil.
	Event *Event

	// ToolActivity is set when the chunk carried a tool-use marker.
	ToolActivity bool

	// Drain is the total energy drain from tool activity and usage records.
	Drain int
}

// Empty reports whether the result carries nothing for the engine.
func (r Result) Empty() bool {
	return r.Event == nil && r.Drain == 0 && !r.ToolActivity
}
