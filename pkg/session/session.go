// Package session holds the live context of one voice call: its identity,
// current agent, turn counter, cancellation generation and tool slots.
//
// A Session is owned by exactly one orchestrator. Other components read the
// Generation concurrently; everything else is guarded by the session mutex.
package session

import (
	"maps"
	"sync"
	"time"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/sessionstore"
)

// Session is the typed context of a live call.
type Session struct {
	ID   string
	Kind Kind

	gen Generation

	mu        sync.Mutex
	agent     string
	turns     int64
	version   uint64
	slots     map[string]any
	handoffs  []handoff.Event
	lifecycle Lifecycle
	textOnly  bool
	startedAt time.Time
}

// New creates an active session that starts on agent.
func New(id string, kind Kind, agent string) *Session {
	return &Session{
		ID:        id,
		Kind:      kind,
		agent:     agent,
		slots:     make(map[string]any),
		startedAt: time.Now(),
	}
}

// Restore rebuilds a session from a stored snapshot. The generation restarts
// at zero because no synthesis survives a reattach.
func Restore(snap sessionstore.Snapshot, kind Kind) *Session {
	s := New(snap.SessionID, kind, snap.Agent)
	s.turns = snap.TurnCounter
	s.version = snap.Version
	if snap.Slots != nil {
		s.slots = sessionstore.NormalizeSlots(snap.Slots)
	}
	return s
}

// Generation returns the session's cancellation counter.
func (s *Session) Generation() *Generation {
	return &s.gen
}

// Agent returns the name of the agent currently handling the call.
func (s *Session) Agent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// StartedAt returns when the session was created in this process.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// NextTurn advances the turn counter and returns the new turn id.
func (s *Session) NextTurn() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	s.version++
	return s.turns
}

// TurnCounter returns the id of the most recently started turn.
func (s *Session) TurnCounter() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Slot returns the value stored under key.
func (s *Session) Slot(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.slots[key]
	return v, ok
}

// Slots returns a copy of the slot bag.
func (s *Session) Slots() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.slots)
}

// MergeSlots copies kv into the slot bag in the form the session store
// persists (see sessionstore.NormalizeSlots). It reports whether anything
// was written.
func (s *Session) MergeSlots(kv map[string]any) bool {
	if len(kv) == 0 {
		return false
	}
	kv = sessionstore.NormalizeSlots(kv)
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.slots, kv)
	s.version++
	return true
}

// ApplyHandoff appends ev to the handoff history and moves the session to
// the event's target agent.
func (s *Session) ApplyHandoff(ev handoff.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs = append(s.handoffs, ev)
	s.agent = ev.Target
	s.version++
}

// Handoffs returns the handoff history in the order it happened.
func (s *Session) Handoffs() []handoff.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]handoff.Event, len(s.handoffs))
	copy(out, s.handoffs)
	return out
}

// Lifecycle returns the session lifecycle.
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// SetLifecycle moves the session forward to l. Moving backwards is ignored.
func (s *Session) SetLifecycle(l Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l > s.lifecycle {
		s.lifecycle = l
	}
}

// TextOnly reports whether the session has degraded to text input.
func (s *Session) TextOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textOnly
}

// SetTextOnly marks the session as degraded to text input.
func (s *Session) SetTextOnly() {
	s.mu.Lock()
	s.textOnly = true
	s.mu.Unlock()
}

// Snapshot returns the durable part of the session.
func (s *Session) Snapshot() sessionstore.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionstore.Snapshot{
		SessionID:   s.ID,
		Version:     s.version,
		TurnCounter: s.turns,
		Agent:       s.agent,
		Slots:       maps.Clone(s.slots),
		UpdatedAt:   time.Now().UTC(),
	}
}
