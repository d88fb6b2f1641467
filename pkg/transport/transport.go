// Package transport is the caller-facing side of a session: inbound audio
// frames and control envelopes, outbound audio and envelopes.
package transport

import (
	"context"
	"errors"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/protocol"
	"github.com/haivivi/parley/pkg/synth"
)

// ErrClosed is returned by writes after the transport has closed.
var ErrClosed = errors.New("transport: closed")

// Transport carries one session's traffic. Outbound audio goes through
// WriteAudio, so a Transport is a synth.Sink.
type Transport interface {
	synth.Sink

	// Format is the audio format of frames in both directions.
	Format() audio.Format

	// Frames yields inbound audio frames in arrival order. Implementations
	// may leave it open after the transport ends; consumers watch Done.
	Frames() <-chan []byte

	// Messages yields inbound envelopes, under the same rule as Frames.
	Messages() <-chan protocol.Envelope

	// Send queues an outbound envelope.
	Send(ctx context.Context, env protocol.Envelope) error

	// Clear discards outbound audio that has been queued but not yet
	// written, and returns the number of chunks dropped.
	Clear() int

	// Done is closed when the transport ends.
	Done() <-chan struct{}

	Close() error
}

// staleChunk reports whether c belongs to a generation that has since been
// canceled.
func staleChunk(gen synth.Generation, c synth.Chunk) bool {
	return gen != nil && gen.Load() > c.Generation
}
