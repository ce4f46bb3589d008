package companion

import (
	"time"

	"github.com/sweeney/companion/internal/classify"
)

// Emotion is the displayed emotion tag.
type Emotion string

const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionExcited   Emotion = "excited"
	EmotionCurious   Emotion = "curious"
	EmotionThinking  Emotion = "thinking"
	EmotionSad       Emotion = "sad"
	EmotionTired     Emotion = "tired"
	EmotionHungry    Emotion = "hungry"
	EmotionAngry     Emotion = "angry"
	EmotionSurprised Emotion = "surprised"
	EmotionLove      Emotion = "love"
	EmotionBlush     Emotion = "blush"
)

// Emotions lists every valid emotion.
var Emotions = []Emotion{
	EmotionNeutral, EmotionHappy, EmotionExcited, EmotionCurious,
	EmotionThinking, EmotionSad, EmotionTired, EmotionHungry,
	EmotionAngry, EmotionSurprised, EmotionLove, EmotionBlush,
}

// Valid reports whether e is a known emotion.
func (e Emotion) Valid() bool {
	for _, v := range Emotions {
		if e == v {
			return true
		}
	}
	return false
}

// Message categories shown alongside an emotion.
const (
	CategoryFeed     = "feed"
	CategoryPet      = "pet"
	CategoryClean    = "clean"
	CategoryHygiene  = "hygiene"
	CategoryActivity = "activity"
)

// Reaction is how the companion responds to a classified activity.
type Reaction struct {
	Emotion   Emotion
	Duration  time.Duration
	Happiness int
	Message   string
}

var reactions = map[classify.EventKind]Reaction{
	classify.EventUserPrompt:  {EmotionCurious, 5 * time.Second, 0, ""},
	classify.EventThinking:    {EmotionThinking, 8 * time.Second, 0, ""},
	classify.EventReply:       {EmotionHappy, 4 * time.Second, 0, ""},
	classify.EventToolError:   {EmotionSad, 6 * time.Second, -2, "Oops"},
	classify.EventFrustrated:  {EmotionAngry, 8 * time.Second, -5, "Grr!"},
	classify.EventFailure:     {EmotionSad, 6 * time.Second, -3, ""},
	classify.EventSuccess:     {EmotionExcited, 6 * time.Second, 5, "Yay!"},
	classify.EventPraise:      {EmotionLove, 8 * time.Second, 10, "♥"},
	classify.EventInterrupted: {EmotionSurprised, 4 * time.Second, 0, "!"},
	classify.EventCompacted:   {EmotionTired, 6 * time.Second, 0, "phew"},
}

// ReactionFor returns the reaction to an event kind. Kinds from user-supplied
// rules that have no reaction make the companion briefly curious.
func ReactionFor(kind classify.EventKind) Reaction {
	if r, ok := reactions[kind]; ok {
		return r
	}
	return Reaction{Emotion: EmotionCurious, Duration: 3 * time.Second}
}
