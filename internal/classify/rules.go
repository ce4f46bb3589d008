package classify

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultRules is the built-in rule table, highest priority first.
func DefaultRules() []RuleSpec {
	return []RuleSpec{
		{
			ID:       "interrupted",
			Pattern:  `\[Request interrupted by user`,
			Cooldown: 5 * time.Second,
			Event:    EventInterrupted,
		},
		{
			ID:            "tool_error",
			Pattern:       `"is_error":\s*true`,
			Cooldown:      3 * time.Second,
			Event:         EventToolError,
			Polarity:      PolarityNegative,
			EscalateAfter: 3,
			EscalateTo:    EventFrustrated,
		},
		{
			ID:       "failure",
			Pattern:  `(?i:\d+ failed|tests? failed|build failed)|\bFAIL\b`,
			Cooldown: 10 * time.Second,
			Event:    EventFailure,
			Polarity: PolarityNegative,
		},
		{
			ID:       "success",
			Pattern:  `(?i:all tests pass|tests? passed|build succeeded)|\bPASS\b|\bok\s+\S+\s+[\d.]+s\b`,
			Cooldown: 10 * time.Second,
			Event:    EventSuccess,
			Polarity: PolarityPositive,
		},
		{
			ID:       "praise",
			Pattern:  `(?i)"type":\s*"user".*\b(thank(s| you)|great job|well done|awesome|perfect|love it)\b`,
			Cooldown: 30 * time.Second,
			Event:    EventPraise,
			Polarity: PolarityPositive,
		},
		{
			ID:       "compacted",
			Pattern:  `"isCompactSummary":\s*true|compact_boundary`,
			Cooldown: time.Minute,
			Event:    EventCompacted,
		},
		{
			ID:       "thinking",
			Pattern:  `"type":\s*"thinking"`,
			Cooldown: 5 * time.Second,
			Event:    EventThinking,
		},
		{
			ID:       "user_prompt",
			Pattern:  `"type":\s*"user"`,
			Cooldown: 5 * time.Second,
			Event:    EventUserPrompt,
		},
		{
			ID:       "reply",
			Pattern:  `"type":\s*"assistant"`,
			Cooldown: 15 * time.Second,
			Event:    EventReply,
		},
	}
}

// Compile validates and compiles specs in order. Invalid specs are skipped and
// reported; they never abort compilation of the rest.
func Compile(specs []RuleSpec) ([]*Rule, []error) {
	var rules []*Rule
	var errs []error
	seen := make(map[string]bool)

	for i, spec := range specs {
		if spec.ID == "" {
			errs = append(errs, fmt.Errorf("rule %d: missing id", i))
			continue
		}
		if seen[spec.ID] {
			errs = append(errs, fmt.Errorf("rule %q: duplicate id", spec.ID))
			continue
		}
		if spec.Event == "" {
			errs = append(errs, fmt.Errorf("rule %q: missing event", spec.ID))
			continue
		}
		if spec.Pattern == "" {
			errs = append(errs, fmt.Errorf("rule %q: missing pattern", spec.ID))
			continue
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", spec.ID, err))
			continue
		}
		if spec.Cooldown < 0 {
			spec.Cooldown = 0
		}
		if spec.EscalateAfter < 0 {
			spec.EscalateAfter = 0
		}
		switch spec.Polarity {
		case PolarityNeutral, PolarityPositive, PolarityNegative:
		default:
			spec.Polarity = PolarityNeutral
		}

		seen[spec.ID] = true
		rules = append(rules, &Rule{RuleSpec: spec, re: re})
	}
	return rules, errs
}
