package recognizer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gax "github.com/googleapis/gax-go/v2"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/pool"
	"github.com/haivivi/parley/pkg/recognizer"
)

// fakeStream emits a partial after partialAfter sends and finals on
// Finalize. failAfter > 0 fails the stream after that many sends.
type fakeStream struct {
	results chan recognizer.Result

	partial      string
	partialAfter int
	finals       []string
	failAfter    int

	mu     sync.Mutex
	sent   int
	closed bool
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("send on closed stream")
	}
	s.sent++
	if s.failAfter > 0 && s.sent == s.failAfter {
		s.results <- recognizer.Result{Err: errors.New("service reset")}
	}
	if s.partial != "" && s.sent == s.partialAfter {
		s.results <- recognizer.Result{Text: s.partial}
	}
	return nil
}

func (s *fakeStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.finals {
		s.results <- recognizer.Result{Text: f, Final: true}
	}
	return nil
}

func (s *fakeStream) Results() <-chan recognizer.Result { return s.results }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeConn struct {
	newStream func() *fakeStream
	closed    atomic.Bool
}

func (c *fakeConn) Format() audio.Format { return audio.L16Mono16K }

func (c *fakeConn) Open(context.Context, string) (recognizer.Stream, error) {
	return c.newStream(), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type harness struct {
	pool  *pool.Pool[recognizer.Conn]
	dials atomic.Int64
}

func newHarness(t *testing.T, dial func(n int64) (recognizer.Conn, error)) *harness {
	t.Helper()
	h := &harness{}
	p, err := pool.New(pool.Config[recognizer.Conn]{
		Name:    "asr",
		MaxSize: 1,
		Dial: func(context.Context) (recognizer.Conn, error) {
			return dial(h.dials.Add(1))
		},
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	h.pool = p
	return h
}

func newSupervisor(h *harness) *recognizer.Supervisor {
	return recognizer.New(recognizer.Config{
		SessionID:       "s1",
		Pool:            h.pool,
		Source:          audio.L16Mono16K,
		VAD:             recognizer.VADConfig{Onset: 40 * time.Millisecond, SilenceTimeout: 100 * time.Millisecond},
		MaxRetries:      2,
		Backoff:         gax.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		FinalizeTimeout: 30 * time.Millisecond,
	})
}

func loudFrame() []byte {
	s := make([]int16, 320)
	for i := range s {
		if i%2 == 0 {
			s[i] = 8000
		} else {
			s[i] = -8000
		}
	}
	return audio.Bytes(s)
}

// utterance queues 10 loud then 10 silent 20ms frames.
func utterance() chan []byte {
	frames := make(chan []byte, 64)
	for range 10 {
		frames <- loudFrame()
	}
	for range 10 {
		frames <- make([]byte, 640)
	}
	return frames
}

func collectUntil(t *testing.T, events <-chan recognizer.Event, stop recognizer.EventKind) []recognizer.Event {
	t.Helper()
	var got []recognizer.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
			if ev.Kind == stop {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v; got %v", stop, kinds(got))
		}
	}
}

func kinds(evs []recognizer.Event) []recognizer.EventKind {
	out := make([]recognizer.EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func indexOf(evs []recognizer.Event, k recognizer.EventKind) int {
	for i, e := range evs {
		if e.Kind == k {
			return i
		}
	}
	return -1
}

func TestSupervisorUtterance(t *testing.T) {
	h := newHarness(t, func(int64) (recognizer.Conn, error) {
		return &fakeConn{newStream: func() *fakeStream {
			return &fakeStream{results: make(chan recognizer.Result, 16), partial: "my card", partialAfter: 5, finals: []string{"my card was charged twice"}}
		}}, nil
	})
	sup := newSupervisor(h)
	frames := utterance()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, frames) }()

	evs := collectUntil(t, sup.Events(), recognizer.Final)
	start, end, partial := indexOf(evs, recognizer.SpeechStart), indexOf(evs, recognizer.SpeechEnd), indexOf(evs, recognizer.Partial)
	if start < 0 || end < 0 || partial < 0 {
		t.Fatalf("events = %v, want speech_start, partial, speech_end, final", kinds(evs))
	}
	if start > end {
		t.Fatalf("speech_start after speech_end: %v", kinds(evs))
	}
	final := evs[len(evs)-1]
	if final.Text != "my card was charged twice" || final.Seq != 1 {
		t.Fatalf("final = %+v", final)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].At.Before(evs[i-1].At) {
			t.Fatalf("timestamps decrease at %d: %v < %v", i, evs[i].At, evs[i-1].At)
		}
	}

	close(frames)
	if err := <-done; err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if s := h.pool.Stats(); s.Busy != 0 {
		t.Fatalf("connection not released: %+v", s)
	}
}

func TestSupervisorDropsDuplicateFinal(t *testing.T) {
	h := newHarness(t, func(int64) (recognizer.Conn, error) {
		return &fakeConn{newStream: func() *fakeStream {
			return &fakeStream{results: make(chan recognizer.Result, 16), finals: []string{"yes", "yes"}}
		}}, nil
	})
	sup := newSupervisor(h)
	frames := utterance()
	go sup.Run(context.Background(), frames)

	collectUntil(t, sup.Events(), recognizer.Final)
	close(frames)
	var finals int
	for ev := range sup.Events() {
		if ev.Kind == recognizer.Final {
			finals++
		}
	}
	if finals != 0 {
		t.Fatalf("got %d extra finals, want 0", finals)
	}
}

func TestSupervisorPromotesPartialWithoutFinal(t *testing.T) {
	h := newHarness(t, func(int64) (recognizer.Conn, error) {
		return &fakeConn{newStream: func() *fakeStream {
			return &fakeStream{results: make(chan recognizer.Result, 16), partial: "hold on", partialAfter: 3}
		}}, nil
	})
	sup := newSupervisor(h)
	frames := utterance()
	defer close(frames)
	go sup.Run(context.Background(), frames)

	evs := collectUntil(t, sup.Events(), recognizer.Final)
	if got := evs[len(evs)-1].Text; got != "hold on" {
		t.Fatalf("promoted final = %q, want %q", got, "hold on")
	}
}

func TestSupervisorFailsOver(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	h := newHarness(t, func(n int64) (recognizer.Conn, error) {
		fail := 0
		if n == 1 {
			fail = 3
		}
		c := &fakeConn{newStream: func() *fakeStream {
			return &fakeStream{results: make(chan recognizer.Result, 16), failAfter: fail, finals: []string{"recovered"}}
		}}
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	})
	sup := newSupervisor(h)
	frames := utterance()
	defer close(frames)
	go sup.Run(context.Background(), frames)

	evs := collectUntil(t, sup.Events(), recognizer.Final)
	if evs[len(evs)-1].Text != "recovered" {
		t.Fatalf("events = %v", kinds(evs))
	}
	if got := h.dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if !conns[0].closed.Load() {
		t.Fatal("failed connection should be discarded")
	}
}

func TestSupervisorUnavailable(t *testing.T) {
	h := newHarness(t, func(int64) (recognizer.Conn, error) {
		return nil, errors.New("service down")
	})
	sup := newSupervisor(h)
	frames := make(chan []byte)
	defer close(frames)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), frames) }()

	evs := collectUntil(t, sup.Events(), recognizer.Unavailable)
	if evs[len(evs)-1].Kind != recognizer.Unavailable {
		t.Fatalf("events = %v, want unavailable", kinds(evs))
	}
	if err := <-done; !errors.Is(err, recognizer.ErrUnavailable) {
		t.Fatalf("Run = %v, want ErrUnavailable", err)
	}
	// 1 initial attempt + 2 retries.
	if got := h.dials.Load(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	h := newHarness(t, func(int64) (recognizer.Conn, error) {
		return &fakeConn{newStream: func() *fakeStream {
			return &fakeStream{results: make(chan recognizer.Result, 16)}
		}}, nil
	})
	sup := newSupervisor(h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, make(chan []byte)) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if _, ok := <-sup.Events(); ok {
		t.Fatal("Events should be closed")
	}
}
