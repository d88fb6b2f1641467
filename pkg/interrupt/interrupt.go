// Package interrupt detects barge-in and cancels the reply that is playing.
//
// The controller is armed while a turn's reply is being synthesized. A
// speech onset reported by the recognizer while armed advances the
// session's cancellation generation, stops the playback, and marks the turn
// interrupted. Cancellation never waits on the components it cancels: the
// generation bump alone is enough for every in-flight producer to discard
// its output. Teardown confirmation from the dispatcher only closes the
// BargeInEvent.
package interrupt

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBudget is the cancellation latency budget used when none is set.
const DefaultBudget = 200 * time.Millisecond

// State is the controller state.
type State int

const (
	Idle State = iota
	Armed
	Triggered
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Generation is the session's cancellation counter.
type Generation interface {
	Load() uint64
	Advance() uint64
}

// Stopper tears down the playback of a turn. The returned channel is closed
// once no further audio will be emitted for it.
type Stopper interface {
	Stop(turnID int64) <-chan struct{}
}

// Triggers name what caused a barge-in.
const (
	TriggerSpeechStart = "speech_start"
	// TriggerUserMessage is typed input arriving while a reply plays.
	TriggerUserMessage = "user_message"
)

// BargeInEvent records one barge-in.
type BargeInEvent struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	TurnID     int64     `json:"turn_id"`
	Generation uint64    `json:"generation"`
	Trigger    string    `json:"trigger"`
	DetectedAt time.Time `json:"detected_at"`
	IssuedAt   time.Time `json:"issued_at"`
	ClearedAt  time.Time `json:"cleared_at,omitzero"`
}

// IssueLatency is the time from detection to cancellation.
func (e BargeInEvent) IssueLatency() time.Duration {
	return e.IssuedAt.Sub(e.DetectedAt)
}

// ClearLatency is the time from detection to confirmed teardown.
func (e BargeInEvent) ClearLatency() time.Duration {
	if e.ClearedAt.IsZero() {
		return 0
	}
	return e.ClearedAt.Sub(e.DetectedAt)
}

// Config configures a Controller.
type Config struct {
	SessionID string

	// Generation is advanced exactly once per barge-in. Required.
	Generation Generation

	// Stopper is the session's synthesis dispatcher. Required.
	Stopper Stopper

	// Budget is the allowed time from detection to confirmed teardown.
	// Exceeding it is logged. Defaults to DefaultBudget.
	Budget time.Duration

	// OnTrigger is called synchronously when a barge-in fires, after the
	// generation has advanced. The orchestrator marks the turn interrupted
	// here.
	OnTrigger func(BargeInEvent)

	// OnCleared is called once teardown is confirmed, from a separate
	// goroutine.
	OnCleared func(BargeInEvent)

	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Controller is the per-session interruption state machine. It is safe for
// concurrent use.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
	turn  int64
	// epoch identifies the current trigger so a late teardown confirmation
	// does not reset a controller that has since been re-armed.
	epoch   uint64
	history []BargeInEvent
}

// New creates a controller in the Idle state.
func New(cfg Config) *Controller {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:    cfg,
		logger: logger.With("component", "interrupt", "session", cfg.SessionID),
		now:    now,
	}
}

// State returns the current state and the turn it refers to.
func (c *Controller) State() (State, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.turn
}

// Arm is called when synthesis starts playing for turnID.
func (c *Controller) Arm(turnID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Armed
	c.turn = turnID
	c.epoch++
	c.logger.Debug("interrupt: armed", "turn", turnID)
}

// Disarm returns to Idle if the controller is armed for turnID. It is called
// when the turn's playback finishes on its own.
func (c *Controller) Disarm(turnID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Armed && c.turn == turnID {
		c.state = Idle
		c.epoch++
		c.logger.Debug("interrupt: disarmed", "turn", turnID)
	}
}

// OnSpeechStart reports a speech onset detected at detectedAt. If the
// controller is armed, the barge-in fires and the event is returned with ok
// set. Onsets while Idle or already Triggered are ignored.
func (c *Controller) OnSpeechStart(detectedAt time.Time) (BargeInEvent, bool) {
	return c.Interrupt(TriggerSpeechStart, detectedAt)
}

// Interrupt fires a barge-in for any trigger if the controller is armed.
func (c *Controller) Interrupt(trigger string, detectedAt time.Time) (ev BargeInEvent, ok bool) {
	c.mu.Lock()
	if c.state != Armed {
		c.mu.Unlock()
		return BargeInEvent{}, false
	}
	c.state = Triggered
	c.epoch++
	epoch := c.epoch
	turn := c.turn

	gen := c.cfg.Generation.Advance()
	ev = BargeInEvent{
		ID:         uuid.NewString(),
		SessionID:  c.cfg.SessionID,
		TurnID:     turn,
		Generation: gen,
		Trigger:    trigger,
		DetectedAt: detectedAt,
	}
	done := c.cfg.Stopper.Stop(turn)
	ev.IssuedAt = c.now()
	c.history = append(c.history, ev)
	idx := len(c.history) - 1
	c.mu.Unlock()

	if c.cfg.OnTrigger != nil {
		c.cfg.OnTrigger(ev)
	}
	c.logger.Info("interrupt: barge-in", "turn", turn, "gen", gen, "issue_latency", ev.IssueLatency())

	go c.awaitTeardown(done, epoch, idx)
	return ev, true
}

func (c *Controller) awaitTeardown(done <-chan struct{}, epoch uint64, idx int) {
	<-done
	cleared := c.now()

	c.mu.Lock()
	c.history[idx].ClearedAt = cleared
	ev := c.history[idx]
	if c.epoch == epoch {
		c.state = Idle
	}
	c.mu.Unlock()

	if lat := ev.ClearLatency(); lat > c.cfg.Budget {
		c.logger.Warn("interrupt: cancellation over budget",
			"turn", ev.TurnID, "latency", lat, "budget", c.cfg.Budget)
	} else {
		c.logger.Debug("interrupt: cleared", "turn", ev.TurnID, "latency", lat)
	}
	if c.cfg.OnCleared != nil {
		c.cfg.OnCleared(ev)
	}
}

// History returns a copy of every barge-in recorded so far.
func (c *Controller) History() []BargeInEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BargeInEvent(nil), c.history...)
}
