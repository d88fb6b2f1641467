// Package gateway accepts calls over websocket and runs one orchestrator per
// session. A caller that reconnects with the id of a stored session resumes
// it on the stored agent with its turn counter and slots.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/model"
	"github.com/haivivi/parley/pkg/orchestrator"
	"github.com/haivivi/parley/pkg/pool"
	"github.com/haivivi/parley/pkg/recognizer"
	"github.com/haivivi/parley/pkg/session"
	"github.com/haivivi/parley/pkg/sessionstore"
	"github.com/haivivi/parley/pkg/synth"
	"github.com/haivivi/parley/pkg/transport"
)

// ErrDraining is returned by Attach once Shutdown has started.
var ErrDraining = errors.New("gateway: draining")

// maxSessionID bounds caller-chosen session ids.
const maxSessionID = 128

// SessionConfig holds per-session tuning.
type SessionConfig struct {
	MaxToolCalls     int
	InterruptBudget  time.Duration
	MaxReplyDuration time.Duration
	Greet            bool
	FallbackReply    string
	HoldMessage      string
	TruncationNotice string

	// RecognizerRetries bounds recognizer reconnects per failure.
	RecognizerRetries int
}

// Config wires a Gateway.
type Config struct {
	Agents *handoff.Registry
	// StartAgent handles new sessions. Defaults to the first agent.
	StartAgent string

	Tools      orchestrator.Toolbox
	Model      model.Model
	ModelRetry model.RetryConfig

	// Recognizers may be nil, in which case every session is text only.
	Recognizers  *pool.Pool[recognizer.Conn]
	Synthesizers *pool.Pool[synth.Conn]

	Syncer  *sessionstore.Syncer
	Archive orchestrator.Archiver

	Session SessionConfig

	// CheckOrigin is passed to the websocket upgrader. Nil accepts any
	// origin.
	CheckOrigin func(*http.Request) bool

	Logger *slog.Logger
}

// Gateway is an http.Handler serving calls.
type Gateway struct {
	cfg      Config
	resolver *handoff.Resolver
	tracker  *Tracker
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	draining atomic.Bool
}

// New validates cfg and returns a gateway.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Agents == nil || len(cfg.Agents.Agents()) == 0:
		return nil, errors.New("gateway: agents are required")
	case cfg.Tools == nil:
		return nil, errors.New("gateway: tools are required")
	case cfg.Model == nil:
		return nil, errors.New("gateway: model is required")
	case cfg.Synthesizers == nil:
		return nil, errors.New("gateway: synthesizer pool is required")
	case cfg.Syncer == nil:
		return nil, errors.New("gateway: syncer is required")
	}
	if cfg.StartAgent == "" {
		cfg.StartAgent = cfg.Agents.Agents()[0].Name
	}
	if _, ok := cfg.Agents.Lookup(cfg.StartAgent); !ok {
		return nil, fmt.Errorf("gateway: unknown start agent %q", cfg.StartAgent)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		resolver: handoff.NewResolver(cfg.Agents, logger),
		tracker:  NewTracker(),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger.With("component", "gateway"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	return g.tracker.Count()
}

// ServeHTTP upgrades the request and runs the call until either side hangs
// up. The query parameter "session" names the session to start or resume
// and "kind" selects the audio profile (default "browser").
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind := session.KindBrowser
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := session.ParseKind(k)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		kind = parsed
	}
	id := r.URL.Query().Get("session")
	if len(id) > maxSessionID {
		http.Error(w, "session id too long", http.StatusBadRequest)
		return
	}

	sess, err := g.Attach(r.Context(), id, kind)
	switch {
	case errors.Is(err, ErrDraining):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		g.logger.Error("gateway: attach failed", "session", id, "error", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("gateway: upgrade failed", "session", sess.ID, "error", err)
		return
	}
	ws := transport.NewWebSocket(conn, transport.WebSocketConfig{
		SessionID:  sess.ID,
		Format:     kind.Format(),
		Generation: sess.Generation(),
		Logger:     g.cfg.Logger,
	})
	if err := g.Run(sess, ws); err != nil {
		g.logger.Error("gateway: session failed", "session", sess.ID, "error", err)
	}
}

// Attach returns the session to run for id. A session already live under
// id is ended first. A stored snapshot is resumed; otherwise a new session
// starts on the start agent. An empty id gets a fresh one.
func (g *Gateway) Attach(ctx context.Context, id string, kind session.Kind) (*session.Session, error) {
	if g.draining.Load() {
		return nil, ErrDraining
	}
	if id == "" {
		return session.New(uuid.NewString(), kind, g.cfg.StartAgent), nil
	}
	if replaced, err := g.tracker.Evict(ctx, id); err != nil {
		return nil, fmt.Errorf("gateway: end previous connection of %s: %w", id, err)
	} else if replaced {
		g.logger.Info("gateway: replaced live connection", "session", id)
	}

	snap, err := g.cfg.Syncer.Load(ctx, id)
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		return session.New(id, kind, g.cfg.StartAgent), nil
	case err != nil:
		return nil, err
	}
	if _, ok := g.cfg.Agents.Lookup(snap.Agent); !ok {
		g.logger.Warn("gateway: stored agent no longer exists, using start agent",
			"session", id, "agent", snap.Agent, "start_agent", g.cfg.StartAgent)
		snap.Agent = g.cfg.StartAgent
	}
	g.logger.Info("gateway: resuming session", "session", id, "agent", snap.Agent, "turns", snap.TurnCounter)
	return session.Restore(snap, kind), nil
}

// Run drives sess over tr until the call ends, then closes tr.
func (g *Gateway) Run(sess *session.Session, tr transport.Transport) error {
	defer tr.Close()

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	done := g.tracker.Register(sess.ID, cancel)
	defer done()

	logger := g.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agent, ok := g.cfg.Agents.Lookup(sess.Agent())
	if !ok {
		return fmt.Errorf("gateway: session %s: unknown agent %q", sess.ID, sess.Agent())
	}
	format := tr.Format()

	var rec *recognizer.Supervisor
	if g.cfg.Recognizers != nil {
		rec = recognizer.New(recognizer.Config{
			SessionID:  sess.ID,
			Pool:       g.cfg.Recognizers,
			Source:     format,
			Profile:    agent.RecognitionProfile,
			VAD:        recognizer.VADConfig{SilenceTimeout: agent.SilenceTimeout},
			MaxRetries: g.cfg.Session.RecognizerRetries,
			Logger:     logger,
		})
	}
	disp := synth.NewDispatcher(synth.Config{
		SessionID:   sess.ID,
		Pool:        g.cfg.Synthesizers,
		Sink:        tr,
		Generation:  sess.Generation(),
		Target:      format,
		Voice:       agent.VoiceProfile,
		MaxDuration: g.cfg.Session.MaxReplyDuration,
		Logger:      logger,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Session:          sess,
		Resolver:         g.resolver,
		Tools:            g.cfg.Tools,
		Model:            g.cfg.Model,
		ModelRetry:       g.cfg.ModelRetry,
		Recognizer:       rec,
		Dispatcher:       disp,
		Transport:        tr,
		Syncer:           g.cfg.Syncer,
		Archive:          g.cfg.Archive,
		MaxToolCalls:     g.cfg.Session.MaxToolCalls,
		InterruptBudget:  g.cfg.Session.InterruptBudget,
		Greet:            g.cfg.Session.Greet,
		FallbackReply:    g.cfg.Session.FallbackReply,
		HoldMessage:      g.cfg.Session.HoldMessage,
		TruncationNotice: g.cfg.Session.TruncationNotice,
		Logger:           logger,
	})
	if err != nil {
		disp.Close()
		return err
	}
	g.logger.Info("gateway: session connected", "session", sess.ID, "kind", sess.Kind, "agent", sess.Agent())
	err = orch.Run(ctx)
	g.logger.Info("gateway: session ended", "session", sess.ID, "turns", sess.TurnCounter())
	return err
}

// Shutdown stops accepting sessions, ends the live ones, and waits for
// them to be persisted and archived.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.draining.Store(true)
	if n := g.tracker.CancelAll(); n > 0 {
		g.logger.Info("gateway: draining sessions", "count", n)
	}
	g.cancel()
	if err := g.tracker.Wait(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return g.cfg.Syncer.Flush(ctx)
}
