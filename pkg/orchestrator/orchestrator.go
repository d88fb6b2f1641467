// Package orchestrator runs the turns of one live call.
//
// An Orchestrator owns a Session and composes the recognizer supervisor,
// the synthesis dispatcher, the interruption controller, the model, the
// tool pipeline, and the handoff resolver. Its event loop is the only
// goroutine that mutates turns; model and tool work runs in a separate
// goroutine per turn and reports back over a channel, and playback
// completion does the same.
//
// A turn moves listening -> thinking -> speaking -> complete. A barge-in
// while speaking, or a new final transcript while thinking, ends it as
// interrupted; an unrecoverable error ends it as failed. At most one turn
// is non-terminal at any time.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/interrupt"
	"github.com/haivivi/parley/pkg/model"
	"github.com/haivivi/parley/pkg/protocol"
	"github.com/haivivi/parley/pkg/recognizer"
	"github.com/haivivi/parley/pkg/session"
	"github.com/haivivi/parley/pkg/sessionstore"
	"github.com/haivivi/parley/pkg/synth"
	"github.com/haivivi/parley/pkg/tools"
	"github.com/haivivi/parley/pkg/transport"
)

// Defaults applied by New.
const (
	DefaultMaxToolCalls     = 5
	DefaultFallbackReply    = "I'm sorry, I'm having trouble answering right now. Could you say that again?"
	DefaultHoldMessage      = "Please hold on, I can't hear you at the moment. You can keep going by text."
	DefaultTruncationNotice = "Tool call limit reached for this turn. Answer the caller with what you have."
)

// Toolbox executes tools and describes them to the model.
type Toolbox interface {
	tools.Executor
	Specs(names []string) []tools.Spec
}

// Archiver stores the record of a closed call.
type Archiver interface {
	Save(ctx context.Context, sessionID string, record any) error
}

// Config wires an Orchestrator.
type Config struct {
	Session  *session.Session
	Resolver *handoff.Resolver
	Tools    Toolbox
	Model    model.Model

	// ModelRetry bounds model retries within thinking.
	ModelRetry model.RetryConfig

	// Recognizer may be nil, in which case the session takes typed input
	// only.
	Recognizer *recognizer.Supervisor
	Dispatcher *synth.Dispatcher
	Transport  transport.Transport

	// Syncer persists session snapshots. Optional.
	Syncer *sessionstore.Syncer
	// Archive receives the call record on close. Optional.
	Archive Archiver

	// MaxToolCalls caps tool executions per turn.
	MaxToolCalls int

	// InterruptBudget is the barge-in cancellation budget.
	InterruptBudget time.Duration

	// Greet speaks the current agent's greeting when a new session starts.
	Greet bool

	FallbackReply    string
	HoldMessage      string
	TruncationNotice string

	// SendTimeout bounds each outbound envelope. Defaults to 2s.
	SendTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator drives one session.
type Orchestrator struct {
	cfg    Config
	sess   *session.Session
	model  model.Model
	ctrl   *interrupt.Controller
	pipe   *pipeline
	logger *slog.Logger
	now    func() time.Time

	thoughts chan thought
	played   chan played
	cleared  chan interrupt.BargeInEvent
	stop     chan struct{}
	workers  sync.WaitGroup

	// Owned by the loop goroutine.
	history     []model.Message
	lastSeq     int64
	lastTextSeq int64
	thinkCancel context.CancelFunc
	holdSpoken  bool
	frames      <-chan []byte

	// mu guards turns for readers outside the loop.
	mu    sync.Mutex
	turns []*Turn
}

// New validates cfg and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Session == nil:
		return nil, errors.New("orchestrator: session is required")
	case cfg.Resolver == nil:
		return nil, errors.New("orchestrator: resolver is required")
	case cfg.Tools == nil:
		return nil, errors.New("orchestrator: tools are required")
	case cfg.Model == nil:
		return nil, errors.New("orchestrator: model is required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case cfg.Transport == nil:
		return nil, errors.New("orchestrator: transport is required")
	}
	if _, ok := cfg.Resolver.Registry().Lookup(cfg.Session.Agent()); !ok {
		return nil, errors.New("orchestrator: unknown starting agent " + cfg.Session.Agent())
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	if cfg.HoldMessage == "" {
		cfg.HoldMessage = DefaultHoldMessage
	}
	if cfg.TruncationNotice == "" {
		cfg.TruncationNotice = DefaultTruncationNotice
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", cfg.Session.ID)

	retry := cfg.ModelRetry
	if retry.Logger == nil {
		retry.Logger = logger
	}
	o := &Orchestrator{
		cfg:      cfg,
		sess:     cfg.Session,
		model:    model.WithRetry(cfg.Model, retry),
		logger:   logger,
		now:      time.Now,
		thoughts: make(chan thought, 1),
		played:   make(chan played, 1),
		cleared:  make(chan interrupt.BargeInEvent, 4),
		stop:     make(chan struct{}),
	}
	o.ctrl = interrupt.New(interrupt.Config{
		SessionID:  cfg.Session.ID,
		Generation: cfg.Session.Generation(),
		Stopper:    cfg.Dispatcher,
		Budget:     cfg.InterruptBudget,
		Logger:     logger,
		OnCleared: func(ev interrupt.BargeInEvent) {
			select {
			case o.cleared <- ev:
			case <-o.stop:
			}
		},
	})
	o.pipe = &pipeline{
		session:  cfg.Session,
		executor: cfg.Tools,
		resolver: cfg.Resolver,
		syncer:   cfg.Syncer,
		send:     o.send,
		logger:   logger,
		now:      o.now,
	}
	return o, nil
}

// Session returns the session being orchestrated.
func (o *Orchestrator) Session() *session.Session {
	return o.sess
}

// Turns returns copies of every turn so far, oldest first.
func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Turn, len(o.turns))
	for i, t := range o.turns {
		out[i] = *t
		out[i].ToolCalls = slices.Clone(t.ToolCalls)
	}
	return out
}

// BargeIns returns every barge-in recorded so far.
func (o *Orchestrator) BargeIns() []interrupt.BargeInEvent {
	return o.ctrl.History()
}

type played struct {
	turnID int64
	result synth.Result
}

// Run drives the session until ctx is done or the transport ends. The
// session is drained, persisted, and archived before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		recEvents <-chan recognizer.Event
		recDone   = make(chan error, 1)
	)
	if rec := o.cfg.Recognizer; rec != nil && !o.sess.TextOnly() {
		recEvents = rec.Events()
		go func() { recDone <- rec.Run(ctx, o.cfg.Transport.Frames()) }()
	} else {
		close(recDone)
		o.frames = o.cfg.Transport.Frames()
	}

	o.start(ctx)

	var reason string
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "canceled"
			break loop
		case <-o.cfg.Transport.Done():
			reason = "transport closed"
			break loop
		case ev, ok := <-recEvents:
			if !ok {
				recEvents = nil
				o.frames = o.cfg.Transport.Frames()
				continue
			}
			o.onRecognizer(ctx, ev)
		case env, ok := <-o.cfg.Transport.Messages():
			if !ok {
				reason = "transport closed"
				break loop
			}
			if o.onMessage(ctx, env) {
				reason = "closed by caller"
				break loop
			}
		case <-o.frames:
			// Recognition is down; audio is dropped.
		case th := <-o.thoughts:
			o.onThought(ctx, th)
		case p := <-o.played:
			o.onPlayed(ctx, p)
		case ev := <-o.cleared:
			o.event(ctx, protocol.EventBargeIn, ev)
		}
	}

	cancel()
	if err := <-recDone; err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Debug("orchestrator: recognizer stopped", "error", err)
	}
	o.shutdown(reason)
	return nil
}

func (o *Orchestrator) start(ctx context.Context) {
	agent := o.agent(o.sess.Agent())
	o.configureAgent(agent)
	resumed := o.sess.TurnCounter() > 0
	o.event(ctx, protocol.EventSessionStarted, map[string]any{
		"agent":        agent.Name,
		"kind":         o.sess.Kind,
		"turn_counter": o.sess.TurnCounter(),
		"resumed":      resumed,
		"text_only":    o.cfg.Recognizer == nil || o.sess.TextOnly(),
	})
	o.logger.Info("orchestrator: session started", "agent", agent.Name, "resumed", resumed)
	if o.cfg.Greet && !resumed && agent.Greeting != "" {
		o.speakUntracked(ctx, agent.Greeting)
	}
}

func (o *Orchestrator) onRecognizer(ctx context.Context, ev recognizer.Event) {
	switch ev.Kind {
	case recognizer.Partial:
		o.logger.Debug("orchestrator: partial", "text", ev.Text)
	case recognizer.SpeechStart:
		if bi, ok := o.ctrl.OnSpeechStart(ev.At); ok {
			o.onBargeIn(ctx, bi)
		}
	case recognizer.SpeechEnd:
	case recognizer.Final:
		if ev.Seq <= o.lastSeq {
			o.logger.Debug("orchestrator: duplicate final dropped", "seq", ev.Seq)
			return
		}
		o.lastSeq = ev.Seq
		o.onFinal(ctx, ev.Text, ev.Seq, ev.At, interrupt.TriggerSpeechStart)
	case recognizer.Unavailable:
		o.onUnavailable(ctx, ev.Err)
	}
}

// onMessage handles an inbound envelope. It reports whether the caller
// asked to end the session.
func (o *Orchestrator) onMessage(ctx context.Context, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.MsgUserMessage:
		p, err := protocol.UnmarshalPayload[protocol.TextPayload](env.Payload)
		if err != nil {
			o.logger.Warn("orchestrator: bad user_message", "error", err)
			return false
		}
		if p.Seq > 0 {
			if p.Seq <= o.lastTextSeq {
				o.logger.Debug("orchestrator: duplicate user_message dropped", "seq", p.Seq)
				return false
			}
			o.lastTextSeq = p.Seq
		}
		o.onFinal(ctx, p.Text, 0, o.now(), interrupt.TriggerUserMessage)
	case protocol.MsgEvent:
		p, err := protocol.UnmarshalPayload[protocol.EventPayload](env.Payload)
		if err != nil {
			o.logger.Warn("orchestrator: bad event", "error", err)
			return false
		}
		if p.EventType == protocol.EventSessionClosed {
			return true
		}
		o.logger.Debug("orchestrator: ignoring event", "event_type", p.EventType)
	default:
		o.logger.Debug("orchestrator: ignoring message", "type", env.Type)
	}
	return false
}

// onFinal starts a turn for a final transcript, preempting whatever the
// previous turn was doing.
func (o *Orchestrator) onFinal(ctx context.Context, text string, seq int64, at time.Time, trigger string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if o.sess.Lifecycle() != session.Active {
		return
	}

	if bi, ok := o.ctrl.Interrupt(trigger, at); ok {
		o.onBargeIn(ctx, bi)
	}
	if cur := o.current(); cur != nil && !cur.State.Terminal() {
		if cur.State == Thinking {
			o.supersede(ctx, cur)
		} else {
			o.setState(ctx, cur, Failed, "preempted")
		}
	}

	agent := o.agent(o.sess.Agent())
	t := &Turn{
		ID:         o.sess.NextTurn(),
		State:      Listening,
		Agent:      agent.Name,
		Transcript: text,
		FinalSeq:   seq,
		Generation: o.sess.Generation().Load(),
		StartedAt:  o.now(),
	}
	o.mu.Lock()
	o.turns = append(o.turns, t)
	o.mu.Unlock()

	if env, err := protocol.New(protocol.MsgUserMessage, protocol.SenderUser, o.sess.ID,
		protocol.TextPayload{Text: text, Final: true, TurnID: t.ID, Agent: agent.Name}); err == nil {
		o.send(ctx, env)
	}
	o.setState(ctx, t, Thinking, "")

	tctx, cancel := context.WithCancel(ctx)
	o.thinkCancel = cancel
	job := thinkJob{turnID: t.ID, agent: agent, transcript: text, history: slices.Clone(o.history)}
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		defer cancel()
		th := o.think(tctx, job)
		select {
		case o.thoughts <- th:
		case <-o.stop:
		}
	}()
}

func (o *Orchestrator) supersede(ctx context.Context, t *Turn) {
	if o.thinkCancel != nil {
		o.thinkCancel()
	}
	o.logger.Info("orchestrator: turn superseded by new input", "turn", t.ID)
	o.setState(ctx, t, Interrupted, "superseded")
}

func (o *Orchestrator) onBargeIn(ctx context.Context, ev interrupt.BargeInEvent) {
	dropped := o.cfg.Transport.Clear()
	if t := o.turn(ev.TurnID); t != nil && t.State == Speaking {
		o.setState(ctx, t, Interrupted, "")
	}
	o.event(ctx, protocol.EventClearAudio, map[string]any{
		"turn_id":    ev.TurnID,
		"generation": ev.Generation,
		"dropped":    dropped,
	})
}

func (o *Orchestrator) onUnavailable(ctx context.Context, err error) {
	o.sess.SetTextOnly()
	o.logger.Warn("orchestrator: recognition unavailable, degrading to text", "error", err)
	o.event(ctx, protocol.EventRecognitionUnavailable, map[string]any{"error": errString(err), "text_only": true})
	if o.holdSpoken {
		return
	}
	o.holdSpoken = true
	if env, err := protocol.New(protocol.MsgAssistant, protocol.SenderAssistant, o.sess.ID,
		protocol.TextPayload{Text: o.cfg.HoldMessage, Agent: o.sess.Agent()}); err == nil {
		o.send(ctx, env)
	}
	if o.cfg.Dispatcher.Active() == nil {
		o.speakUntracked(ctx, o.cfg.HoldMessage)
	}
}

func (o *Orchestrator) onThought(ctx context.Context, th thought) {
	t := o.turn(th.turnID)
	if t == nil {
		return
	}
	if th.handoff != nil {
		o.applyHandoff(ctx, *th.handoff)
	}
	o.mu.Lock()
	t.ToolCalls = th.calls
	t.Truncated = t.Truncated || th.truncated
	t.Handoff = th.handoff
	o.mu.Unlock()

	if t.State != Thinking {
		// A later turn may already have extended the history.
		o.logger.Debug("orchestrator: dropping reply of finished turn",
			"turn", t.ID, "state", t.State, "messages", len(th.messages))
		o.persist(ctx)
		return
	}
	o.history = append(o.history, th.messages...)
	o.persist(ctx)

	if th.truncated {
		o.event(ctx, protocol.EventTruncated, map[string]any{"turn_id": t.ID, "reason": "tool_call_limit"})
	}

	if th.err != nil {
		o.logger.Error("orchestrator: model unavailable, using fallback reply", "turn", t.ID, "error", th.err)
		o.mu.Lock()
		t.Error = th.err.Error()
		t.Reply = o.cfg.FallbackReply
		o.mu.Unlock()
		o.setState(ctx, t, Failed, th.err.Error())
		o.speak(ctx, t, o.cfg.FallbackReply)
		return
	}

	reply := strings.TrimSpace(th.reply)
	if ev := th.handoff; ev != nil && ev.Type == handoff.Announced {
		if g := o.agent(ev.Target).Greeting; g != "" {
			reply = strings.TrimSpace(reply + " " + g)
		}
	}
	o.mu.Lock()
	t.Reply = reply
	o.mu.Unlock()
	o.speak(ctx, t, reply)
}

// speak plays reply for t. A turn that is still thinking moves to
// speaking; a failed turn plays its fallback without changing state.
func (o *Orchestrator) speak(ctx context.Context, t *Turn, reply string) {
	if t.State == Thinking {
		o.setState(ctx, t, Speaking, "")
	}
	if reply == "" {
		if t.State == Speaking {
			o.setState(ctx, t, Complete, "")
		}
		return
	}
	if env, err := protocol.New(protocol.MsgAssistant, protocol.SenderAssistant, o.sess.ID,
		protocol.TextPayload{Text: reply, Final: true, TurnID: t.ID, Agent: o.sess.Agent()}); err == nil {
		o.send(ctx, env)
	}
	pb, err := o.cfg.Dispatcher.Speak(ctx, reply, t.ID, t.Generation)
	if err != nil {
		o.logger.Error("orchestrator: speak", "turn", t.ID, "error", err)
		o.setState(ctx, t, Failed, err.Error())
		return
	}
	o.ctrl.Arm(t.ID)
	o.watch(pb)
}

// speakUntracked plays text that belongs to no turn, such as a greeting or
// the hold message.
func (o *Orchestrator) speakUntracked(ctx context.Context, text string) {
	pb, err := o.cfg.Dispatcher.Speak(ctx, text, 0, o.sess.Generation().Load())
	if err != nil {
		o.logger.Warn("orchestrator: speak", "error", err)
		return
	}
	o.watch(pb)
}

func (o *Orchestrator) watch(pb *synth.Playback) {
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		select {
		case <-pb.Done():
		case <-o.stop:
			return
		}
		select {
		case o.played <- played{turnID: pb.TurnID, result: pb.Result()}:
		case <-o.stop:
		}
	}()
}

func (o *Orchestrator) onPlayed(ctx context.Context, p played) {
	o.ctrl.Disarm(p.turnID)
	if len(p.result.Skipped) > 0 {
		o.logger.Warn("orchestrator: reply units skipped", "turn", p.turnID, "skipped", p.result.Skipped)
	}
	if p.result.Outcome == synth.Exhausted {
		o.onExhausted(ctx, p)
	}
	t := o.turn(p.turnID)
	if t == nil || t.State != Speaking {
		return
	}
	switch p.result.Outcome {
	case synth.Completed:
		o.setState(ctx, t, Complete, "")
	case synth.Truncated:
		o.mu.Lock()
		t.Truncated = true
		o.mu.Unlock()
		o.event(ctx, protocol.EventTruncated, map[string]any{"turn_id": t.ID, "reason": "synthesis_ceiling"})
		o.setState(ctx, t, Complete, "")
	case synth.Canceled:
		o.setState(ctx, t, Interrupted, "")
	case synth.Exhausted:
		o.mu.Lock()
		t.Error = errString(p.result.Err)
		o.mu.Unlock()
		o.setState(ctx, t, Failed, "synthesis_capacity")
	}
}

// onExhausted tells the caller that the reply could not be voiced because
// no synthesis connection was free. The reply text has already been sent.
func (o *Orchestrator) onExhausted(ctx context.Context, p played) {
	o.logger.Warn("orchestrator: synthesis capacity exhausted", "turn", p.turnID, "error", p.result.Err)
	o.event(ctx, protocol.EventCapacity, map[string]any{
		"turn_id":  p.turnID,
		"resource": "synthesizer",
		"error":    errString(p.result.Err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (o *Orchestrator) applyHandoff(ctx context.Context, ev handoff.Event) {
	o.sess.ApplyHandoff(ev)
	o.configureAgent(o.agent(ev.Target))
	o.logger.Info("orchestrator: handoff", "from", ev.Source, "to", ev.Target, "type", ev.Type, "tool", ev.Tool, "drift", ev.Drift)
	o.event(ctx, protocol.EventHandoff, ev)
}

// configureAgent points recognition and synthesis at agent's profiles.
func (o *Orchestrator) configureAgent(agent *handoff.Agent) {
	if rec := o.cfg.Recognizer; rec != nil {
		if agent.SilenceTimeout > 0 {
			rec.SetSilenceTimeout(agent.SilenceTimeout)
		}
		if agent.RecognitionProfile != "" {
			rec.SetProfile(agent.RecognitionProfile)
		}
	}
	if agent.VoiceProfile != "" {
		o.cfg.Dispatcher.SetVoice(agent.VoiceProfile)
	}
}

func (o *Orchestrator) persist(ctx context.Context) {
	if o.cfg.Syncer == nil {
		return
	}
	if err := o.cfg.Syncer.Save(ctx, o.sess.Snapshot()); err != nil {
		o.logger.Warn("orchestrator: save snapshot", "error", err)
	}
}

// setState moves t to next and announces it. Invalid transitions are
// logged and ignored.
func (o *Orchestrator) setState(ctx context.Context, t *Turn, next TurnState, reason string) {
	o.mu.Lock()
	prev := t.State
	err := t.transition(next, o.now())
	o.mu.Unlock()
	if err != nil {
		o.logger.Debug("orchestrator: transition ignored", "error", err)
		return
	}
	o.logger.Debug("orchestrator: turn state", "turn", t.ID, "from", prev, "to", next, "reason", reason)
	data := map[string]any{"turn_id": t.ID, "state": next, "agent": t.Agent}
	if reason != "" {
		data["reason"] = reason
	}
	o.event(ctx, protocol.EventTurnState, data)
}

func (o *Orchestrator) current() *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.turns) == 0 {
		return nil
	}
	return o.turns[len(o.turns)-1]
}

func (o *Orchestrator) turn(id int64) *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.turns) - 1; i >= 0; i-- {
		if o.turns[i].ID == id {
			return o.turns[i]
		}
	}
	return nil
}

// agent returns the named agent, falling back to the first registered one
// if the name is unknown.
func (o *Orchestrator) agent(name string) *handoff.Agent {
	reg := o.cfg.Resolver.Registry()
	if a, ok := reg.Lookup(name); ok {
		return a
	}
	o.logger.Warn("orchestrator: unknown agent", "agent", name)
	return reg.Agents()[0]
}

func (o *Orchestrator) event(ctx context.Context, eventType string, data any) {
	env, err := protocol.NewEvent(o.sess.ID, eventType, data)
	if err != nil {
		o.logger.Warn("orchestrator: encode event", "event", eventType, "error", err)
		return
	}
	o.send(ctx, env)
}

// send delivers env, bounded by SendTimeout. It keeps working after ctx
// is canceled so close notices still go out.
func (o *Orchestrator) send(ctx context.Context, env protocol.Envelope) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SendTimeout)
	defer cancel()
	if err := o.cfg.Transport.Send(sctx, env); err != nil && !errors.Is(err, transport.ErrClosed) {
		o.logger.Warn("orchestrator: send", "type", env.Type, "error", err)
	}
}
