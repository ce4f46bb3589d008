// Package companion implements the companion simulation: bounded attributes,
// an expiring emotion overlay, passive decay and randomized hygiene events.
//
// Like the classifier, the engine never reads the clock itself; every
// operation takes the current time from its caller.
package companion

import "math"

// Attribute bounds and thresholds.
const (
	MinAttribute = 0
	MaxAttribute = 100

	// CriticalThreshold is the level below which an attribute forces its emotion.
	CriticalThreshold = 20

	// LowHygieneThreshold adds an extra happiness penalty per decay tick.
	LowHygieneThreshold = 30
)

// Attributes are the four simulated needs, each in [0,100].
type Attributes struct {
	Hunger    int `json:"hunger"`
	Happiness int `json:"happiness"`
	Energy    int `json:"energy"`
	Hygiene   int `json:"hygiene"`
}

// DefaultAttributes is the state of a newborn companion.
func DefaultAttributes() Attributes {
	return Attributes{Hunger: 80, Happiness: 80, Energy: 100, Hygiene: 100}
}

// HappinessCeiling returns the maximum happiness allowed for the given hygiene
// and energy levels.
func HappinessCeiling(hygiene, energy int) int {
	var c int
	switch {
	case hygiene >= 80:
		c = 100
	case hygiene >= 60:
		c = 85
	case hygiene >= 40:
		c = 70
	case hygiene >= 20:
		c = 50
	default:
		c = 30
	}
	switch {
	case energy <= 0:
		c -= 30
	case energy < CriticalThreshold:
		c -= 15
	}
	if c < 10 {
		c = 10
	}
	return c
}

// Ceiling returns the happiness ceiling for the current attributes.
func (a Attributes) Ceiling() int {
	return HappinessCeiling(a.Hygiene, a.Energy)
}

// Clamp bounds every attribute to [0,100] and happiness to its ceiling.
func (a *Attributes) Clamp() {
	a.Hunger = clamp(a.Hunger)
	a.Energy = clamp(a.Energy)
	a.Hygiene = clamp(a.Hygiene)
	a.Happiness = clamp(a.Happiness)
	if ceiling := a.Ceiling(); a.Happiness > ceiling {
		a.Happiness = ceiling
	}
}

// BaseEmotion derives the default emotion from attribute thresholds,
// checked in priority order hunger, energy, happiness.
func (a Attributes) BaseEmotion() Emotion {
	switch {
	case a.Hunger < CriticalThreshold:
		return EmotionHungry
	case a.Energy < CriticalThreshold:
		return EmotionTired
	case a.Happiness < CriticalThreshold:
		return EmotionSad
	default:
		return EmotionNeutral
	}
}

// Score is the rounded mean of the four attributes.
func (a Attributes) Score() int {
	sum := a.Hunger + a.Happiness + a.Energy + a.Hygiene
	return int(math.Round(float64(sum) / 4))
}

func clamp(v int) int {
	if v < MinAttribute {
		return MinAttribute
	}
	if v > MaxAttribute {
		return MaxAttribute
	}
	return v
}
