package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gax "github.com/googleapis/gax-go/v2"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/model"
	"github.com/haivivi/parley/pkg/orchestrator"
	"github.com/haivivi/parley/pkg/pool"
	"github.com/haivivi/parley/pkg/protocol"
	"github.com/haivivi/parley/pkg/recognizer"
	"github.com/haivivi/parley/pkg/session"
	"github.com/haivivi/parley/pkg/sessionstore"
	"github.com/haivivi/parley/pkg/synth"
	"github.com/haivivi/parley/pkg/tools"
	"github.com/haivivi/parley/pkg/transport"
)

// scriptModel answers with fn, where n counts calls from zero.
type scriptModel struct {
	fn func(ctx context.Context, n int, req *model.Request) (*model.Response, error)

	mu   sync.Mutex
	reqs []*model.Request
}

func (m *scriptModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	n := len(m.reqs)
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	return m.fn(ctx, n, req)
}

func (m *scriptModel) requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Request(nil), m.reqs...)
}

type ttsStream struct {
	chunks int
	i      int
}

func (s *ttsStream) Next() ([]byte, error) {
	if s.i >= s.chunks {
		return nil, io.EOF
	}
	s.i++
	return make([]byte, 320), nil
}

func (s *ttsStream) Close() error { return nil }

type ttsConn struct {
	chunks int
	voices *voiceLog
}

func (c *ttsConn) Format() audio.Format { return audio.L16Mono16K }
func (c *ttsConn) Close() error         { return nil }
func (c *ttsConn) Synthesize(_ context.Context, _ string, voice string) (synth.Stream, error) {
	c.voices.add(voice)
	return &ttsStream{chunks: c.chunks}, nil
}

type voiceLog struct {
	mu     sync.Mutex
	voices []string
}

func (v *voiceLog) add(s string) {
	v.mu.Lock()
	v.voices = append(v.voices, s)
	v.mu.Unlock()
}

func (v *voiceLog) last() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.voices) == 0 {
		return ""
	}
	return v.voices[len(v.voices)-1]
}

type memArchive struct {
	mu      sync.Mutex
	records []orchestrator.CallRecord
}

func (a *memArchive) Save(_ context.Context, _ string, record any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record.(orchestrator.CallRecord))
	return nil
}

type lookupArgs struct {
	Ref string `json:"ref"`
}

type emptyArgs struct{}

type options struct {
	fn         func(ctx context.Context, n int, req *model.Request) (*model.Response, error)
	chunks     int
	pace       bool
	recognizer func(sess *session.Session) *recognizer.Supervisor
	retry      model.RetryConfig
	fallback   string

	// ttsBusy checks out every synthesis connection before the session
	// starts, leaving none for it.
	ttsBusy bool
}

type harness struct {
	t        *testing.T
	sess     *session.Session
	pipe     *transport.Pipe
	orch     *orchestrator.Orchestrator
	model    *scriptModel
	archive  *memArchive
	syncer   *sessionstore.Syncer
	voices   *voiceLog
	lookups  atomic.Int64
	seen     []protocol.Envelope
	cancel   context.CancelFunc
	done     chan error
	runError error
}

func agents(t *testing.T) *handoff.Registry {
	t.Helper()
	reg, err := handoff.NewRegistry(
		&handoff.Agent{
			Name:         "Concierge",
			Instructions: "concierge",
			Tools:        []string{"lookup_booking"},
			VoiceProfile: "concierge-voice",
			Triggers: map[string]*handoff.Trigger{
				"transfer_to_fraud":   {Target: "Fraud", Type: handoff.Discrete},
				"transfer_to_billing": {Target: "Billing", Type: handoff.Announced},
			},
		},
		&handoff.Agent{
			Name:         "Fraud",
			Instructions: "fraud",
			Greeting:     "Fraud desk.",
			Tools:        []string{"freeze_card"},
			VoiceProfile: "fraud-voice",
		},
		&handoff.Agent{
			Name:         "Billing",
			Instructions: "billing",
			Greeting:     "Billing here, how can I help?",
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	if opts.chunks == 0 {
		opts.chunks = 2
	}
	h := &harness{
		t:       t,
		sess:    session.New("s1", session.KindBrowser, "Concierge"),
		model:   &scriptModel{fn: opts.fn},
		archive: &memArchive{},
		voices:  &voiceLog{},
		done:    make(chan error, 1),
	}
	h.pipe = transport.NewPipe(transport.PipeConfig{
		Format:     audio.L16Mono16K,
		Generation: h.sess.Generation(),
		Pace:       opts.pace,
	})
	h.syncer = sessionstore.NewSyncer(sessionstore.SyncerConfig{Store: sessionstore.NewMemory()})

	toolbox := tools.NewRegistry(
		tools.MustNew("lookup_booking", "Look up a booking.", func(_ context.Context, a lookupArgs) (tools.Result, error) {
			h.lookups.Add(1)
			return tools.Result{Success: true, Message: "booking " + a.Ref}, nil
		}),
		tools.MustNew("transfer_to_fraud", "Transfer to the fraud desk.", func(context.Context, emptyArgs) (tools.Result, error) {
			return tools.Result{Success: true}, nil
		}),
		tools.MustNew("transfer_to_billing", "Transfer to billing.", func(context.Context, emptyArgs) (tools.Result, error) {
			return tools.Result{Success: true, Handoff: true, TargetAgent: "Billing"}, nil
		}),
		tools.MustNew("freeze_card", "Freeze the card.", func(context.Context, emptyArgs) (tools.Result, error) {
			return tools.Result{Success: true, Slots: map[string]any{"card_frozen": true}}, nil
		}),
	)

	ttsSize := 4
	if opts.ttsBusy {
		ttsSize = 1
	}
	ttsPool, err := pool.New(pool.Config[synth.Conn]{
		Name:    "tts",
		MaxSize: ttsSize,
		Dial: func(context.Context) (synth.Conn, error) {
			return &ttsConn{chunks: opts.chunks, voices: h.voices}, nil
		},
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { ttsPool.Close() })
	if opts.ttsBusy {
		held, err := ttsPool.Checkout(context.Background(), "other-session")
		if err != nil {
			t.Fatalf("Checkout: %v", err)
		}
		t.Cleanup(func() { ttsPool.Release(held) })
	}

	disp := synth.NewDispatcher(synth.Config{
		SessionID:  "s1",
		Pool:       ttsPool,
		Sink:       h.pipe,
		Generation: h.sess.Generation(),
		Target:     audio.L16Mono16K,
		Segment:    synth.SegmentConfig{MinChars: 4},
	})

	retry := opts.retry
	if retry.MaxAttempts == 0 {
		retry = model.RetryConfig{MaxAttempts: 2, Backoff: gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}}
	}
	cfg := orchestrator.Config{
		Session:       h.sess,
		Resolver:      handoff.NewResolver(agents(t), nil),
		Tools:         toolbox,
		Model:         h.model,
		ModelRetry:    retry,
		Dispatcher:    disp,
		Transport:     h.pipe,
		Syncer:        h.syncer,
		Archive:       h.archive,
		FallbackReply: opts.fallback,
	}
	if opts.recognizer != nil {
		cfg.Recognizer = opts.recognizer(h.sess)
	}
	h.orch, err = orchestrator.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.orch.Run(ctx) }()
	t.Cleanup(func() { h.stop() })
	return h
}

// stop cancels the session and waits for Run to return.
func (h *harness) stop() {
	h.t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case h.runError = <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("Run did not return")
	}
}

func (h *harness) say(text string) {
	h.t.Helper()
	env, err := protocol.New(protocol.MsgUserMessage, protocol.SenderUser, "s1", protocol.TextPayload{Text: text, Final: true})
	if err != nil {
		h.t.Fatalf("protocol.New: %v", err)
	}
	h.pipe.PushMessage(env)
}

// waitFor returns the first envelope sent so far, or sent within the
// timeout, that match accepts.
func (h *harness) waitFor(desc string, match func(protocol.Envelope) bool) protocol.Envelope {
	h.t.Helper()
	for _, env := range h.seen {
		if match(env) {
			return env
		}
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-h.pipe.Sent():
			h.seen = append(h.seen, env)
			if match(env) {
				return env
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s", desc)
			return protocol.Envelope{}
		}
	}
}

func eventData(env protocol.Envelope, eventType string) (map[string]any, bool) {
	if env.Type != protocol.MsgEvent {
		return nil, false
	}
	p, err := protocol.UnmarshalPayload[protocol.EventPayload](env.Payload)
	if err != nil || p.EventType != eventType {
		return nil, false
	}
	m := map[string]any{}
	if len(p.EventData) > 0 {
		if err := json.Unmarshal(p.EventData, &m); err != nil {
			return nil, false
		}
	}
	return m, true
}

func (h *harness) waitEvent(eventType string, match func(map[string]any) bool) map[string]any {
	h.t.Helper()
	var data map[string]any
	h.waitFor(eventType, func(env protocol.Envelope) bool {
		m, ok := eventData(env, eventType)
		if !ok || (match != nil && !match(m)) {
			return false
		}
		data = m
		return true
	})
	return data
}

func (h *harness) waitTurnState(turn int64, state string) {
	h.t.Helper()
	h.waitEvent(protocol.EventTurnState, func(m map[string]any) bool {
		return m["turn_id"] == float64(turn) && m["state"] == state
	})
}

func (h *harness) waitAssistant(turn int64) string {
	h.t.Helper()
	var text string
	h.waitFor("assistant reply", func(env protocol.Envelope) bool {
		if env.Type != protocol.MsgAssistant {
			return false
		}
		p, err := protocol.UnmarshalPayload[protocol.TextPayload](env.Payload)
		if err != nil || p.TurnID != turn {
			return false
		}
		text = p.Text
		return true
	})
	return text
}

func text(s string) func(context.Context, int, *model.Request) (*model.Response, error) {
	return func(context.Context, int, *model.Request) (*model.Response, error) {
		return &model.Response{Text: s}, nil
	}
}

func toolCall(id, name, args string) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestTextTurnCompletes(t *testing.T) {
	h := newHarness(t, options{fn: text("Hi, how can I help?")})

	h.say("hello")
	if got := h.waitAssistant(1); got != "Hi, how can I help?" {
		t.Fatalf("reply = %q, want %q", got, "Hi, how can I help?")
	}
	h.waitTurnState(1, "complete")

	turns := h.orch.Turns()
	if len(turns) != 1 {
		t.Fatalf("len(turns) = %d, want 1", len(turns))
	}
	if turns[0].State != orchestrator.Complete || turns[0].Transcript != "hello" {
		t.Fatalf("turn = %+v", turns[0])
	}
	chunks := h.pipe.Audio()
	if len(chunks) == 0 {
		t.Fatal("no audio delivered")
	}
	for _, c := range chunks {
		if c.TurnID != 1 {
			t.Fatalf("chunk for turn %d, want 1", c.TurnID)
		}
	}
	if got := h.voices.last(); got != "concierge-voice" {
		t.Fatalf("voice = %q, want concierge-voice", got)
	}
}

func TestToolLoopIsCapped(t *testing.T) {
	h := newHarness(t, options{fn: func(_ context.Context, n int, req *model.Request) (*model.Response, error) {
		if len(req.Tools) == 0 {
			return &model.Response{Text: "Here is what I found."}, nil
		}
		return &model.Response{ToolCalls: []model.ToolCall{
			toolCall(fmt.Sprintf("a%d", n), "lookup_booking", `{"ref":"X1"}`),
			toolCall(fmt.Sprintf("b%d", n), "lookup_booking", `{"ref":"X2"}`),
		}}, nil
	}})

	h.say("find my booking")
	h.waitEvent(protocol.EventTruncated, func(m map[string]any) bool { return m["reason"] == "tool_call_limit" })
	h.waitTurnState(1, "complete")

	if got := h.lookups.Load(); got != orchestrator.DefaultMaxToolCalls {
		t.Fatalf("tool executions = %d, want %d", got, orchestrator.DefaultMaxToolCalls)
	}
	turn := h.orch.Turns()[0]
	if !turn.Truncated {
		t.Fatal("turn not marked truncated")
	}
	if len(turn.ToolCalls) != 6 || !turn.ToolCalls[5].Refused {
		t.Fatalf("tool calls = %+v, want 6 with the last refused", turn.ToolCalls)
	}
	if turn.Reply != "Here is what I found." {
		t.Fatalf("reply = %q", turn.Reply)
	}
	reqs := h.model.requests()
	if len(reqs) != 4 {
		t.Fatalf("model calls = %d, want 4", len(reqs))
	}
	if len(reqs[3].Tools) != 0 {
		t.Fatal("final model call offered tools")
	}
}

func TestAnnouncedHandoff(t *testing.T) {
	h := newHarness(t, options{fn: func(_ context.Context, n int, req *model.Request) (*model.Response, error) {
		switch req.System {
		case "concierge":
			return &model.Response{Text: "Let me transfer you.", ToolCalls: []model.ToolCall{toolCall("t1", "transfer_to_billing", "{}")}}, nil
		case "billing":
			return &model.Response{Text: "Your balance is zero."}, nil
		}
		return nil, errors.New("unexpected agent " + req.System)
	}})

	h.say("I have a billing question")
	ev := h.waitEvent(protocol.EventHandoff, nil)
	if ev["target"] != "Billing" || ev["type"] != "announced" {
		t.Fatalf("handoff event = %v", ev)
	}
	if got, want := h.waitAssistant(1), "Let me transfer you. Billing here, how can I help?"; got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
	h.waitTurnState(1, "complete")
	if got := h.sess.Agent(); got != "Billing" {
		t.Fatalf("agent = %q, want Billing", got)
	}
	if n := len(h.model.requests()); n != 1 {
		t.Fatalf("model calls in handoff turn = %d, want 1", n)
	}

	h.say("what do I owe")
	if got := h.waitAssistant(2); got != "Your balance is zero." {
		t.Fatalf("reply = %q", got)
	}
	turns := h.orch.Turns()
	if turns[1].Agent != "Billing" {
		t.Fatalf("turn 2 agent = %q, want Billing", turns[1].Agent)
	}
	if hs := h.sess.Handoffs(); len(hs) != 1 || hs[0].Source != "Concierge" {
		t.Fatalf("handoffs = %+v", hs)
	}
}

func TestDiscreteHandoffContinuesOnTarget(t *testing.T) {
	h := newHarness(t, options{fn: func(_ context.Context, n int, req *model.Request) (*model.Response, error) {
		switch {
		case req.System == "concierge":
			return &model.Response{ToolCalls: []model.ToolCall{toolCall("t1", "transfer_to_fraud", "{}")}}, nil
		case req.System == "fraud" && n == 1:
			return &model.Response{ToolCalls: []model.ToolCall{toolCall("t2", "freeze_card", "{}")}}, nil
		case req.System == "fraud":
			return &model.Response{Text: "Your card is frozen."}, nil
		}
		return nil, errors.New("unexpected agent " + req.System)
	}})

	h.say("someone stole my card")
	if got := h.waitAssistant(1); got != "Your card is frozen." {
		t.Fatalf("reply = %q, want no greeting", got)
	}
	h.waitTurnState(1, "complete")

	turn := h.orch.Turns()[0]
	if turn.Handoff == nil || turn.Handoff.Type != handoff.Discrete || turn.Handoff.Target != "Fraud" {
		t.Fatalf("turn handoff = %+v", turn.Handoff)
	}
	if got := h.sess.Agent(); got != "Fraud" {
		t.Fatalf("agent = %q, want Fraud", got)
	}
	if v, _ := h.sess.Slot("card_frozen"); v != true {
		t.Fatalf("slot card_frozen = %v, want true", v)
	}
	if got := h.voices.last(); got != "fraud-voice" {
		t.Fatalf("voice = %q, want fraud-voice", got)
	}
	reqs := h.model.requests()
	var offered []string
	for _, s := range reqs[1].Tools {
		offered = append(offered, s.Name)
	}
	if strings.Join(offered, ",") != "freeze_card" {
		t.Fatalf("tools offered to Fraud = %v", offered)
	}
}

func TestBargeInDuringSpeech(t *testing.T) {
	h := newHarness(t, options{
		pace:   true,
		chunks: 50,
		fn: func(_ context.Context, n int, _ *model.Request) (*model.Response, error) {
			if n == 0 {
				return &model.Response{Text: "Here is a long answer. It keeps going for a while."}, nil
			}
			return &model.Response{Text: "Okay."}, nil
		},
	})

	h.say("tell me everything")
	h.waitTurnState(1, "speaking")
	h.say("stop")

	cl := h.waitEvent(protocol.EventClearAudio, nil)
	if cl["turn_id"] != float64(1) {
		t.Fatalf("clear_audio = %v", cl)
	}
	h.waitTurnState(2, "complete")
	bi := h.waitEvent(protocol.EventBargeIn, nil)
	if bi["trigger"] != "user_message" {
		t.Fatalf("barge_in = %v", bi)
	}

	if got := h.sess.Generation().Load(); got != 1 {
		t.Fatalf("generation = %d, want 1", got)
	}
	turns := h.orch.Turns()
	if turns[0].State != orchestrator.Interrupted {
		t.Fatalf("turn 1 state = %v, want interrupted", turns[0].State)
	}
	if turns[1].Generation != 1 {
		t.Fatalf("turn 2 generation = %d, want 1", turns[1].Generation)
	}
	for _, c := range h.pipe.Audio() {
		if c.TurnID == 1 && c.Generation != 0 {
			t.Fatalf("turn 1 chunk with generation %d", c.Generation)
		}
	}
	if h.pipe.Cleared() != 1 {
		t.Fatalf("cleared = %d, want 1", h.pipe.Cleared())
	}
	if got := len(h.orch.BargeIns()); got != 1 {
		t.Fatalf("barge-ins = %d, want 1", got)
	}
}

func TestNewInputSupersedesThinking(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, options{fn: func(ctx context.Context, n int, _ *model.Request) (*model.Response, error) {
		if n == 0 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &model.Response{Text: "Second answer."}, nil
	}})

	h.say("first")
	<-started
	h.say("second")

	h.waitEvent(protocol.EventTurnState, func(m map[string]any) bool {
		return m["turn_id"] == float64(1) && m["state"] == "interrupted" && m["reason"] == "superseded"
	})
	if got := h.waitAssistant(2); got != "Second answer." {
		t.Fatalf("reply = %q", got)
	}
	h.waitTurnState(2, "complete")
	if got := h.sess.Generation().Load(); got != 0 {
		t.Fatalf("generation = %d, want 0", got)
	}
	if got := len(h.orch.BargeIns()); got != 0 {
		t.Fatalf("barge-ins = %d, want 0", got)
	}
}

func TestSynthesisCapacityIsReported(t *testing.T) {
	h := newHarness(t, options{fn: text("Your booking is confirmed."), ttsBusy: true})

	h.say("is my booking ok")
	if got := h.waitAssistant(1); got != "Your booking is confirmed." {
		t.Fatalf("reply = %q", got)
	}
	ev := h.waitEvent(protocol.EventCapacity, nil)
	if ev["turn_id"] != float64(1) || ev["resource"] != "synthesizer" {
		t.Fatalf("capacity event = %v", ev)
	}
	h.waitEvent(protocol.EventTurnState, func(m map[string]any) bool {
		return m["turn_id"] == float64(1) && m["state"] == "failed" && m["reason"] == "synthesis_capacity"
	})
	if got := len(h.pipe.Audio()); got != 0 {
		t.Fatalf("audio chunks = %d, want 0", got)
	}
	turn := h.orch.Turns()[0]
	if turn.State != orchestrator.Failed || !strings.Contains(turn.Error, "exhausted") {
		t.Fatalf("turn = %+v", turn)
	}
}

func TestModelFailureSpeaksFallback(t *testing.T) {
	h := newHarness(t, options{
		fallback: "Sorry, please try again.",
		retry:    model.RetryConfig{MaxAttempts: 1},
		fn: func(context.Context, int, *model.Request) (*model.Response, error) {
			return nil, errors.New("upstream down")
		},
	})

	h.say("hello")
	h.waitTurnState(1, "failed")
	if got := h.waitAssistant(1); got != "Sorry, please try again." {
		t.Fatalf("reply = %q, want fallback", got)
	}
	turn := h.orch.Turns()[0]
	if !strings.Contains(turn.Error, "upstream down") {
		t.Fatalf("turn error = %q", turn.Error)
	}
}

func TestRecognitionUnavailableDegradesToText(t *testing.T) {
	h := newHarness(t, options{
		fn: text("Typed reply."),
		recognizer: func(sess *session.Session) *recognizer.Supervisor {
			p, err := pool.New(pool.Config[recognizer.Conn]{
				Name:    "asr",
				MaxSize: 1,
				Dial: func(context.Context) (recognizer.Conn, error) {
					return nil, errors.New("asr down")
				},
			})
			if err != nil {
				t.Fatalf("pool.New: %v", err)
			}
			t.Cleanup(func() { p.Close() })
			return recognizer.New(recognizer.Config{
				SessionID:  sess.ID,
				Pool:       p,
				Source:     audio.L16Mono16K,
				MaxRetries: 1,
				Backoff:    gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
			})
		},
	})

	h.waitEvent(protocol.EventRecognitionUnavailable, nil)
	if got := h.waitAssistant(0); got != orchestrator.DefaultHoldMessage {
		t.Fatalf("hold message = %q", got)
	}
	if !h.sess.TextOnly() {
		t.Fatal("session not marked text-only")
	}

	for range 300 {
		h.pipe.PushFrame(make([]byte, 640))
	}
	h.say("can you hear me")
	if got := h.waitAssistant(1); got != "Typed reply." {
		t.Fatalf("reply = %q", got)
	}
}

func TestCloseArchivesCall(t *testing.T) {
	h := newHarness(t, options{fn: func(_ context.Context, n int, _ *model.Request) (*model.Response, error) {
		if n == 0 {
			return &model.Response{ToolCalls: []model.ToolCall{toolCall("c1", "lookup_booking", `{"ref":"ZX9"}`)}}, nil
		}
		return &model.Response{Text: "Found it."}, nil
	}})

	h.say("booking ZX9")
	h.waitTurnState(1, "complete")
	h.stop()

	if h.runError != nil {
		t.Fatalf("Run = %v, want nil", h.runError)
	}
	h.waitEvent(protocol.EventSessionClosed, nil)
	if got := h.sess.Lifecycle(); got != session.Closed {
		t.Fatalf("lifecycle = %v, want closed", got)
	}

	if len(h.archive.records) != 1 {
		t.Fatalf("archived records = %d, want 1", len(h.archive.records))
	}
	rec := h.archive.records[0]
	if rec.SessionID != "s1" || len(rec.Turns) != 1 || rec.FinalAgent != "Concierge" {
		t.Fatalf("record = %+v", rec)
	}
	if calls := rec.Turns[0].ToolCalls; len(calls) != 1 || calls[0].Result.Message != "booking ZX9" {
		t.Fatalf("tool calls = %+v", calls)
	}

	snap, err := h.syncer.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.TurnCounter != 1 || snap.Agent != "Concierge" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCallerHangupEndsSession(t *testing.T) {
	h := newHarness(t, options{fn: text("unused")})
	h.pipe.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after hangup")
	}
	h.cancel = nil
	if got := h.sess.Lifecycle(); got != session.Closed {
		t.Fatalf("lifecycle = %v, want closed", got)
	}
}
