package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gax "github.com/googleapis/gax-go/v2"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/pool"
)

// Config configures a Supervisor.
type Config struct {
	// SessionID owns the pooled connection.
	SessionID string

	// Pool supplies recognition connections. Required.
	Pool *pool.Pool[Conn]

	// Source is the format of frames arriving from the transport.
	Source audio.Format

	// Profile is the initial recognition profile handle.
	Profile string

	VAD VADConfig

	// MaxRetries bounds reconnect attempts per failure.
	MaxRetries int

	// Backoff paces reconnect attempts. The zero value uses gax defaults.
	Backoff gax.Backoff

	// FinalizeTimeout is how long to wait for a final result after end of
	// utterance before promoting the last partial.
	FinalizeTimeout time.Duration

	// EventBuffer sizes the events channel. Defaults to 64.
	EventBuffer int

	Logger *slog.Logger
}

// Supervisor runs one session's recognition loop.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	events chan Event
	now    func() time.Time

	silence atomic.Int64
	profile atomic.Pointer[string]

	// Loop-owned state.
	conn       *pool.Conn[Conn]
	stream     Stream
	streamProf string
	conv       *audio.Converter
	vad        *vad
	lastAt     time.Time
	seq        int64
	open       bool
	lastText   string
}

// New creates a supervisor. Call Run to start it.
func New(cfg Config) *Supervisor {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "recognizer", "session", cfg.SessionID),
		events: make(chan Event, cfg.EventBuffer),
		now:    time.Now,
		vad:    newVAD(cfg.VAD),
	}
	p := cfg.Profile
	s.profile.Store(&p)
	return s
}

// Events returns the event stream. It is closed when Run returns.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// SetSilenceTimeout changes the end-of-utterance silence for the next
// frames. Zero restores the configured default.
func (s *Supervisor) SetSilenceTimeout(d time.Duration) {
	s.silence.Store(int64(d))
}

// SetProfile switches the recognition profile. It takes effect at the next
// utterance.
func (s *Supervisor) SetProfile(profile string) {
	s.profile.Store(&profile)
}

// Run consumes frames until they are exhausted, ctx is done, or
// recognition fails for good. It always releases its pooled connection and
// closes Events before returning.
func (s *Supervisor) Run(ctx context.Context, frames <-chan []byte) error {
	defer close(s.events)
	defer s.release(false)

	if err := s.connect(ctx); err != nil {
		s.logger.Warn("recognizer: initial connect failed", "error", err)
		if err := s.recover(ctx); err != nil {
			return err
		}
	}

	var finalizeTimer *time.Timer
	var finalizeC <-chan time.Time
	stopFinalize := func() {
		if finalizeTimer != nil {
			finalizeTimer.Stop()
			finalizeTimer, finalizeC = nil, nil
		}
	}
	defer stopFinalize()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				if s.open {
					s.stream.Finalize()
				}
				return nil
			}
			ev, err := s.feed(frame)
			if err != nil {
				s.logger.Warn("recognizer: send failed", "error", err)
				if err := s.recover(ctx); err != nil {
					return err
				}
				continue
			}
			switch ev {
			case vadStart:
				s.open = true
				s.emit(ctx, Event{Kind: SpeechStart})
			case vadEnd:
				s.emit(ctx, Event{Kind: SpeechEnd})
				if err := s.stream.Finalize(); err != nil {
					s.logger.Warn("recognizer: finalize failed", "error", err)
				}
				stopFinalize()
				finalizeTimer = time.NewTimer(s.cfg.FinalizeTimeout)
				finalizeC = finalizeTimer.C
			}

		case r, ok := <-s.results():
			if !ok || r.Err != nil {
				err := r.Err
				if err == nil {
					err = fmt.Errorf("stream closed")
				}
				s.logger.Warn("recognizer: stream failed", "error", err)
				if err := s.recover(ctx); err != nil {
					return err
				}
				continue
			}
			if r.Final {
				if s.acceptFinal(ctx, r.Text) {
					stopFinalize()
				}
				continue
			}
			if r.Text != "" && r.Text != s.lastText {
				s.open = true
				s.lastText = r.Text
				s.emit(ctx, Event{Kind: Partial, Text: r.Text})
			}

		case <-finalizeC:
			finalizeTimer, finalizeC = nil, nil
			if s.open && s.lastText != "" {
				s.logger.Debug("recognizer: no final from service, promoting partial")
				s.acceptFinal(ctx, s.lastText)
			}
		}
	}
}

func (s *Supervisor) results() <-chan Result {
	if s.stream == nil {
		return nil
	}
	return s.stream.Results()
}

// feed converts a transport frame, runs VAD on it and sends it to the
// service.
func (s *Supervisor) feed(frame []byte) (vadEvent, error) {
	pcm, err := s.conv.Convert(frame)
	if err != nil {
		return vadNone, err
	}
	if len(pcm) == 0 {
		return vadNone, nil
	}
	d := s.conv.Target().Duration(len(pcm))
	ev := s.vad.push(pcm, d, time.Duration(s.silence.Load()))
	if ev == vadStart {
		if err := s.refreshProfile(); err != nil {
			return ev, err
		}
	}
	return ev, s.stream.Send(pcm)
}

// acceptFinal emits a final transcript unless it duplicates the last one.
func (s *Supervisor) acceptFinal(ctx context.Context, text string) bool {
	if !s.open || text == "" {
		s.logger.Debug("recognizer: dropping duplicate final", "text", text)
		return false
	}
	s.open = false
	s.lastText = ""
	s.seq++
	s.emit(ctx, Event{Kind: Final, Text: text, Seq: s.seq})
	return true
}

func (s *Supervisor) emit(ctx context.Context, ev Event) {
	at := s.now()
	if at.Before(s.lastAt) {
		at = s.lastAt
	}
	s.lastAt = at
	ev.At = at
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// connect checks out a connection and opens a stream on it.
func (s *Supervisor) connect(ctx context.Context) error {
	c, err := s.cfg.Pool.Checkout(ctx, s.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	s.conn = c
	if s.conv == nil || s.conv.Target() != c.Handle.Format() {
		conv, err := audio.NewConverter(s.cfg.Source, c.Handle.Format())
		if err != nil {
			s.release(true)
			return err
		}
		s.conv = conv
	}
	return s.openStream(ctx)
}

func (s *Supervisor) openStream(ctx context.Context) error {
	prof := *s.profile.Load()
	st, err := s.conn.Handle.Open(ctx, prof)
	if err != nil {
		s.release(true)
		return fmt.Errorf("open stream: %w", err)
	}
	s.stream = st
	s.streamProf = prof
	return nil
}

func (s *Supervisor) refreshProfile() error {
	if prof := *s.profile.Load(); prof == s.streamProf {
		return nil
	}
	s.stream.Close()
	s.stream = nil
	return s.openStream(context.Background())
}

// recover fails over to a fresh connection with exponential backoff. On
// exhaustion it emits Unavailable and returns ErrUnavailable.
func (s *Supervisor) recover(ctx context.Context) error {
	s.release(true)
	bo := s.cfg.Backoff
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return err
		}
		err := s.connect(ctx)
		if err == nil {
			s.logger.Info("recognizer: recovered", "attempt", attempt)
			return nil
		}
		s.logger.Warn("recognizer: reconnect failed", "attempt", attempt, "error", err)
	}
	s.emit(ctx, Event{Kind: Unavailable, Err: ErrUnavailable})
	return ErrUnavailable
}

// release closes the stream and returns or discards the connection.
func (s *Supervisor) release(discard bool) {
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.conn == nil {
		return
	}
	var err error
	if discard {
		err = s.cfg.Pool.Discard(s.conn)
	} else {
		err = s.cfg.Pool.Release(s.conn)
	}
	if err != nil {
		s.logger.Warn("recognizer: release connection", "error", err)
	}
	s.conn = nil
}
