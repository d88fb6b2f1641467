// Package recognizer supervises a session's speech recognition: it feeds
// caller audio to a pooled recognition connection, detects speech onset and
// end of utterance, and turns service output into ordered transcript
// events. Service failures are retried with backoff on a fresh connection;
// when retries run out the supervisor reports the recognizer unavailable.
package recognizer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/haivivi/parley/pkg/audio"
)

// ErrUnavailable is returned by Run when recognition could not be
// recovered.
var ErrUnavailable = errors.New("recognizer: unavailable")

// Result is one output of a recognition stream.
type Result struct {
	Text  string
	Final bool
	Err   error
}

// Stream is an open recognition stream.
type Stream interface {
	// Send feeds audio in the connection's format.
	Send(pcm []byte) error

	// Finalize asks the service to emit a final result for the audio sent
	// so far.
	Finalize() error

	// Results delivers partial and final results. The channel is closed
	// when the stream ends; a Result with Err set reports failure.
	Results() <-chan Result

	Close() error
}

// Conn is a recognition service connection. Conns are pooled and held by
// one session at a time.
type Conn interface {
	io.Closer

	// Format is the audio format the service expects.
	Format() audio.Format

	// Open starts a stream using the named recognition profile.
	Open(ctx context.Context, profile string) (Stream, error)
}

// EventKind classifies supervisor events.
type EventKind int

const (
	Partial EventKind = iota
	Final
	SpeechStart
	SpeechEnd
	Unavailable
)

func (k EventKind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	case Unavailable:
		return "recognition_unavailable"
	default:
		return "unknown"
	}
}

// Event is emitted by the supervisor. Timestamps never decrease.
type Event struct {
	Kind EventKind
	Text string
	At   time.Time

	// Seq numbers final transcripts from 1 so consumers can drop replays.
	Seq int64

	Err error
}
