package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/tools"
)

// ErrInvalidTransition is returned when a turn is moved along an edge the
// state machine does not have.
var ErrInvalidTransition = errors.New("orchestrator: invalid turn transition")

// TurnState is the lifecycle state of a Turn.
type TurnState int

const (
	Listening TurnState = iota
	Thinking
	Speaking
	Interrupted
	Complete
	Failed
)

func (s TurnState) String() string {
	switch s {
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Interrupted:
		return "interrupted"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s TurnState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether no further transition is possible.
func (s TurnState) Terminal() bool {
	return s == Interrupted || s == Complete || s == Failed
}

// CanTransition reports whether a turn in s may move to next.
func (s TurnState) CanTransition(next TurnState) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case Failed:
		return true
	case Thinking:
		return s == Listening
	case Speaking:
		return s == Thinking
	case Interrupted:
		return s == Thinking || s == Speaking
	case Complete:
		return s == Speaking
	}
	return false
}

// ToolCall records one tool invocation made during a turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments string         `json:"arguments"`
	Result    tools.Result   `json:"result"`
	Refused   bool           `json:"refused,omitempty"`
	Failed    bool           `json:"failed,omitempty"`
	Handoff   *handoff.Event `json:"handoff,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Turn is one listen, think, speak cycle.
type Turn struct {
	ID    int64     `json:"id"`
	State TurnState `json:"state"`
	Agent string    `json:"agent"`

	Transcript string `json:"transcript"`
	// FinalSeq is the recognizer sequence of the transcript, zero for
	// typed input.
	FinalSeq int64 `json:"final_seq,omitempty"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Reply     string     `json:"reply,omitempty"`

	// Generation is the session generation captured at creation.
	Generation uint64 `json:"generation"`

	// Truncated is set when the tool loop hit its cap or the reply hit
	// the synthesis ceiling.
	Truncated bool `json:"truncated,omitempty"`

	Handoff *handoff.Event `json:"handoff,omitempty"`
	Error   string         `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

func (t *Turn) transition(next TurnState, now time.Time) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("%w: turn %d %v -> %v", ErrInvalidTransition, t.ID, t.State, next)
	}
	t.State = next
	if next.Terminal() {
		t.EndedAt = now
	}
	return nil
}
