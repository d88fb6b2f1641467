package transport

import (
	"context"
	"sync"
	"time"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/protocol"
	"github.com/haivivi/parley/pkg/synth"
)

var _ Transport = (*Pipe)(nil)

// PipeConfig configures an in-memory Pipe.
type PipeConfig struct {
	Format     audio.Format
	Generation synth.Generation

	// Pace delays each audio write by the chunk's playback duration,
	// emulating a caller that consumes audio in real time.
	Pace bool
}

// Pipe is an in-memory Transport. The caller side is driven with
// PushFrame and PushMessage; what the session sent is read back with
// Audio and Sent.
type Pipe struct {
	cfg PipeConfig

	frames   chan []byte
	messages chan protocol.Envelope
	sent     chan protocol.Envelope

	mu      sync.Mutex
	audio   []synth.Chunk
	cleared int

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a pipe.
func NewPipe(cfg PipeConfig) *Pipe {
	return &Pipe{
		cfg:      cfg,
		frames:   make(chan []byte, 256),
		messages: make(chan protocol.Envelope, 64),
		sent:     make(chan protocol.Envelope, 1024),
		closeCh:  make(chan struct{}),
	}
}

func (p *Pipe) Format() audio.Format               { return p.cfg.Format }
func (p *Pipe) Frames() <-chan []byte              { return p.frames }
func (p *Pipe) Messages() <-chan protocol.Envelope { return p.messages }
func (p *Pipe) Done() <-chan struct{}              { return p.closeCh }

// Sent yields every envelope the session sent, in order.
func (p *Pipe) Sent() <-chan protocol.Envelope { return p.sent }

// PushFrame delivers an inbound audio frame.
func (p *Pipe) PushFrame(frame []byte) {
	select {
	case p.frames <- frame:
	case <-p.closeCh:
	}
}

// PushMessage delivers an inbound envelope.
func (p *Pipe) PushMessage(env protocol.Envelope) {
	select {
	case p.messages <- env:
	case <-p.closeCh:
	}
}

func (p *Pipe) WriteAudio(ctx context.Context, c synth.Chunk) error {
	select {
	case <-p.closeCh:
		return ErrClosed
	default:
	}
	if staleChunk(p.cfg.Generation, c) {
		return nil
	}
	if p.cfg.Pace {
		t := time.NewTimer(p.cfg.Format.Duration(len(c.Audio)))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closeCh:
			return ErrClosed
		}
		if staleChunk(p.cfg.Generation, c) {
			return nil
		}
	}
	p.mu.Lock()
	p.audio = append(p.audio, c)
	p.mu.Unlock()
	return nil
}

func (p *Pipe) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-p.closeCh:
		return ErrClosed
	default:
	}
	select {
	case p.sent <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return ErrClosed
	}
}

func (p *Pipe) Clear() int {
	p.mu.Lock()
	p.cleared++
	p.mu.Unlock()
	return 0
}

// Audio returns every chunk written so far.
func (p *Pipe) Audio() []synth.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]synth.Chunk(nil), p.audio...)
}

// Cleared returns how many times Clear was called.
func (p *Pipe) Cleared() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleared
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
	return nil
}
