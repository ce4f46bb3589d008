package daemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/companion/internal/companion"
)

// Op names a user command.
type Op string

const (
	OpFeed    Op = "feed"
	OpPet     Op = "pet"
	OpClean   Op = "clean"
	OpScrub   Op = "scrub"
	OpEmotion Op = "emotion"
)

// Ops lists the commands that take no arguments.
var Ops = []Op{OpFeed, OpPet, OpClean, OpScrub}

var (
	// ErrStopped is returned by Do once the loop has exited.
	ErrStopped = errors.New("daemon stopped")

	// ErrInvalidCommand is returned for unknown ops or bad arguments.
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is a request for the loop to run one engine operation.
type Command struct {
	Op       Op
	Emotion  companion.Emotion // OpEmotion only
	Duration time.Duration     // OpEmotion only; 0 = sticky
}

// Validate checks the command before it is sent to the loop.
func (c Command) Validate() error {
	switch c.Op {
	case OpFeed, OpPet, OpClean, OpScrub:
		return nil
	case OpEmotion:
		if !c.Emotion.Valid() {
			return fmt.Errorf("%w: unknown emotion %q", ErrInvalidCommand, c.Emotion)
		}
		if c.Duration < 0 {
			return fmt.Errorf("%w: negative duration", ErrInvalidCommand)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, c.Op)
	}
}

// Reply is the outcome of a command.
type Reply struct {
	// Result is the op-specific outcome: the feed result, "clean" or
	// "scrubbing" for scrub, empty otherwise.
	Result   string
	Snapshot companion.Snapshot
}

type request struct {
	cmd   Command
	reply chan Reply
}
