package orchestrator

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TurnState
		want     bool
	}{
		{Listening, Thinking, true},
		{Listening, Speaking, false},
		{Thinking, Speaking, true},
		{Thinking, Interrupted, true},
		{Thinking, Complete, false},
		{Speaking, Complete, true},
		{Speaking, Interrupted, true},
		{Speaking, Thinking, false},
		{Listening, Failed, true},
		{Speaking, Failed, true},
		{Complete, Failed, false},
		{Interrupted, Speaking, false},
		{Failed, Interrupted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%v -> %v = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionStampsEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	turn := &Turn{ID: 7, State: Listening}

	if err := turn.transition(Thinking, now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !turn.EndedAt.IsZero() {
		t.Fatal("EndedAt set on non-terminal state")
	}
	if err := turn.transition(Interrupted, now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !turn.EndedAt.Equal(now) {
		t.Fatalf("EndedAt = %v, want %v", turn.EndedAt, now)
	}

	err := turn.transition(Speaking, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transition from terminal = %v, want ErrInvalidTransition", err)
	}
	if turn.State != Interrupted {
		t.Fatalf("state = %v, want interrupted", turn.State)
	}
}

func TestTurnStateJSON(t *testing.T) {
	b, err := Speaking.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(b) != `"speaking"` {
		t.Fatalf("MarshalJSON = %s, want \"speaking\"", b)
	}
}
