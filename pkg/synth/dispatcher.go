package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/pool"
)

// Config configures a Dispatcher.
type Config struct {
	SessionID string

	// Pool supplies synthesis connections. Required.
	Pool *pool.Pool[Conn]

	// Sink receives audio. Required.
	Sink Sink

	// Generation is the session's cancellation counter. Required.
	Generation Generation

	// Target is the caller's audio format.
	Target audio.Format

	// Voice is the initial voice profile handle.
	Voice string

	// MaxDuration is the hard ceiling on one playback. Zero means none.
	MaxDuration time.Duration

	Segment SegmentConfig

	// OnUnit is called as each unit starts playing.
	OnUnit func(turnID int64, unit int, text string)

	Logger *slog.Logger
}

// Dispatcher plays replies for one session, one at a time.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	voice  atomic.Pointer[string]

	mu     sync.Mutex
	active *Playback
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With("component", "synth", "session", cfg.SessionID),
	}
	v := cfg.Voice
	d.voice.Store(&v)
	return d
}

// SetVoice changes the voice profile for subsequent playbacks.
func (d *Dispatcher) SetVoice(voice string) {
	d.voice.Store(&voice)
}

// Playback is one in-flight reply.
type Playback struct {
	TurnID     int64
	Generation uint64

	cancel context.CancelCauseFunc
	done   chan struct{}
	result Result
}

// Done is closed once the playback has stopped emitting audio.
func (p *Playback) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It is valid after Done is closed.
func (p *Playback) Result() Result {
	<-p.done
	return p.result
}

// Speak starts playing text for turnID, tagged with generation gen. Any
// playback still active is torn down first.
func (d *Dispatcher) Speak(ctx context.Context, text string, turnID int64, gen uint64) (*Playback, error) {
	if d.cfg.Pool == nil || d.cfg.Sink == nil || d.cfg.Generation == nil {
		return nil, errors.New("synth: dispatcher not configured")
	}
	units := Segment(text, d.cfg.Segment)

	d.mu.Lock()
	prev := d.active
	d.mu.Unlock()
	if prev != nil {
		prev.cancel(errStopped)
		<-prev.done
	}

	pctx, cancel := context.WithCancelCause(ctx)
	p := &Playback{
		TurnID:     turnID,
		Generation: gen,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	d.mu.Lock()
	d.active = p
	d.mu.Unlock()

	go d.play(pctx, p, units, *d.voice.Load())
	return p, nil
}

// Stop tears down the playback of turnID. The returned channel is closed
// once no further audio will be emitted.
func (d *Dispatcher) Stop(turnID int64) <-chan struct{} {
	d.mu.Lock()
	p := d.active
	d.mu.Unlock()
	if p == nil || p.TurnID != turnID {
		done := make(chan struct{})
		close(done)
		return done
	}
	p.cancel(errStopped)
	return p.done
}

// Active returns the playback currently in flight, if any.
func (d *Dispatcher) Active() *Playback {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Close stops any active playback and waits for it.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	p := d.active
	d.mu.Unlock()
	if p != nil {
		p.cancel(errStopped)
		<-p.done
	}
}

func (d *Dispatcher) play(ctx context.Context, p *Playback, units []string, voice string) {
	defer func() {
		d.mu.Lock()
		if d.active == p {
			d.active = nil
		}
		d.mu.Unlock()
		p.cancel(nil)
		close(p.done)
	}()

	if d.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d.cfg.MaxDuration, errCeiling)
		defer cancel()
	}

	log := d.logger.With("turn", p.TurnID, "gen", p.Generation)
	up := &unitPlayer{d: d, p: p, voice: voice}
	defer up.releaseConn()

	for i, text := range units {
		if d.cfg.Generation.Load() > p.Generation {
			p.result.Outcome = Canceled
			return
		}
		if d.cfg.OnUnit != nil {
			d.cfg.OnUnit(p.TurnID, i, text)
		}

		delivered, err := up.play(ctx, i, text)
		if err != nil && !delivered && !isTerminal(ctx, err) && !errors.Is(err, pool.ErrExhausted) {
			log.Warn("synth: unit failed, retrying", "unit", i, "error", err)
			up.discardConn()
			delivered, err = up.play(ctx, i, text)
		}
		if errors.Is(err, pool.ErrExhausted) {
			// Checkout has already waited out the pool's wait timeout.
			log.Warn("synth: no synthesis connection available", "unit", i, "error", err)
			p.result.Outcome = Exhausted
			p.result.Err = err
			return
		}
		if err == nil {
			p.result.Units++
			continue
		}
		if isTerminal(ctx, err) {
			p.result.Outcome = outcomeOf(ctx, err)
			log.Debug("synth: playback ended early", "outcome", p.result.Outcome, "unit", i)
			return
		}
		log.Warn("synth: skipping unit", "unit", i, "delivered_partially", delivered, "error", err)
		p.result.Skipped = append(p.result.Skipped, i)
		up.discardConn()
	}
	p.result.Outcome = Completed
}

func isTerminal(ctx context.Context, err error) bool {
	return errors.Is(err, errStale) || ctx.Err() != nil
}

func outcomeOf(ctx context.Context, err error) Outcome {
	if errors.Is(context.Cause(ctx), errCeiling) {
		return Truncated
	}
	return Canceled
}

// unitPlayer holds the pooled connection across units of one playback.
type unitPlayer struct {
	d     *Dispatcher
	p     *Playback
	voice string
	conn  *pool.Conn[Conn]
	conv  *audio.Converter
}

// play synthesizes one unit. delivered reports whether any of its audio
// reached the sink.
func (u *unitPlayer) play(ctx context.Context, unit int, text string) (delivered bool, err error) {
	if err := u.ensureConn(ctx); err != nil {
		return false, err
	}
	st, err := u.conn.Handle.Synthesize(ctx, text, u.voice)
	if err != nil {
		return false, fmt.Errorf("synthesize: %w", err)
	}
	defer st.Close()

	gen := u.d.cfg.Generation
	for seq := 0; ; seq++ {
		data, err := st.Next()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("stream: %w", err)
		}
		if gen.Load() > u.p.Generation {
			u.p.result.Dropped++
			return delivered, errStale
		}
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		out, err := u.conv.Convert(data)
		if err != nil {
			return delivered, err
		}
		if len(out) == 0 {
			continue
		}
		c := Chunk{TurnID: u.p.TurnID, Generation: u.p.Generation, Unit: unit, Seq: seq, Audio: out}
		if err := u.d.cfg.Sink.WriteAudio(ctx, c); err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("sink: %w", err)
		}
		delivered = true
		u.p.result.Chunks++
	}
}

func (u *unitPlayer) ensureConn(ctx context.Context) error {
	if u.conn != nil {
		return nil
	}
	c, err := u.d.cfg.Pool.Checkout(ctx, u.d.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	u.conn = c
	if u.conv == nil || u.conv.Source() != c.Handle.Format() {
		conv, err := audio.NewConverter(c.Handle.Format(), u.d.cfg.Target)
		if err != nil {
			u.discardConn()
			return err
		}
		u.conv = conv
	}
	return nil
}

func (u *unitPlayer) discardConn() {
	if u.conn == nil {
		return
	}
	if err := u.d.cfg.Pool.Discard(u.conn); err != nil {
		u.d.logger.Warn("synth: discard connection", "error", err)
	}
	u.conn = nil
}

func (u *unitPlayer) releaseConn() {
	if u.conn == nil {
		return
	}
	if err := u.d.cfg.Pool.Release(u.conn); err != nil {
		u.d.logger.Warn("synth: release connection", "error", err)
	}
	u.conn = nil
}
