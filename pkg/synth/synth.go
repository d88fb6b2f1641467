// Package synth turns reply text into streamed audio for one session.
//
// Text is split into sentence units and synthesized on a pooled
// connection. Before every chunk is handed to the sink the dispatcher
// compares the session's cancellation generation with the one captured
// when the turn started; once it has moved on, the chunk is dropped and the
// stream is torn down without flushing.
package synth

import (
	"context"
	"errors"
	"io"

	"github.com/haivivi/parley/pkg/audio"
)

// Stream yields synthesized audio. Next returns io.EOF after the last
// chunk.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Conn is a synthesis service connection.
type Conn interface {
	io.Closer

	// Format is the audio format the service produces.
	Format() audio.Format

	// Synthesize starts synthesizing text with the named voice profile.
	Synthesize(ctx context.Context, text, voice string) (Stream, error)
}

// Chunk is one piece of audio bound for the caller.
type Chunk struct {
	TurnID     int64
	Generation uint64
	Unit       int
	Seq        int
	Audio      []byte
}

// Sink receives audio in playback order. WriteAudio may block to apply
// backpressure and must return promptly once ctx is done. A chunk is either
// written whole or not at all.
type Sink interface {
	WriteAudio(ctx context.Context, c Chunk) error
}

// Generation reports a session's current cancellation generation.
type Generation interface {
	Load() uint64
}

// Outcome is how a playback ended.
type Outcome int

const (
	Completed Outcome = iota
	// Canceled playbacks were stopped by Stop or a generation change.
	Canceled
	// Truncated playbacks hit the hard duration ceiling.
	Truncated
	// Exhausted playbacks could not check out a synthesis connection.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Truncated:
		return "truncated"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result summarizes a finished playback.
type Result struct {
	Outcome Outcome
	// Units is the number of units fully delivered.
	Units int
	// Skipped lists units abandoned after a failed retry.
	Skipped []int
	// Chunks is the number of chunks written to the sink.
	Chunks int
	// Dropped counts chunks discarded because the generation moved on.
	Dropped int
	// Err is the checkout error of an Exhausted playback.
	Err error
}

var (
	errStopped = errors.New("synth: stopped")
	errCeiling = errors.New("synth: duration ceiling reached")
	errStale   = errors.New("synth: generation advanced")
)
