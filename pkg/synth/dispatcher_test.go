package synth_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/pool"
	"github.com/haivivi/parley/pkg/session"
	"github.com/haivivi/parley/pkg/synth"
)

type fakeStream struct {
	chunks int
	next   func(i int) ([]byte, error)
	i      int
}

func (s *fakeStream) Next() ([]byte, error) {
	if s.i >= s.chunks {
		return nil, io.EOF
	}
	i := s.i
	s.i++
	if s.next != nil {
		return s.next(i)
	}
	return make([]byte, 320), nil
}

func (s *fakeStream) Close() error { return nil }

type fakeConn struct {
	synth func(ctx context.Context, text string) (synth.Stream, error)
}

func (c *fakeConn) Format() audio.Format { return audio.L16Mono16K }
func (c *fakeConn) Close() error         { return nil }
func (c *fakeConn) Synthesize(ctx context.Context, text, _ string) (synth.Stream, error) {
	return c.synth(ctx, text)
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []synth.Chunk
}

func (s *recordingSink) WriteAudio(_ context.Context, c synth.Chunk) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []synth.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]synth.Chunk(nil), s.chunks...)
}

type fixture struct {
	gen   *session.Generation
	sink  *recordingSink
	disp  *synth.Dispatcher
	units []string
	mu    sync.Mutex
}

func newFixture(t *testing.T, maxDur time.Duration, fn func(ctx context.Context, text string) (synth.Stream, error)) *fixture {
	t.Helper()
	p, err := pool.New(pool.Config[synth.Conn]{
		Name:    "tts",
		MaxSize: 2,
		Dial: func(context.Context) (synth.Conn, error) {
			return &fakeConn{synth: fn}, nil
		},
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	f := &fixture{gen: &session.Generation{}, sink: &recordingSink{}}
	f.disp = synth.NewDispatcher(synth.Config{
		SessionID:   "s1",
		Pool:        p,
		Sink:        f.sink,
		Generation:  f.gen,
		Target:      audio.L16Mono16K,
		MaxDuration: maxDur,
		Segment:     synth.SegmentConfig{MinChars: 4},
		OnUnit: func(_ int64, _ int, text string) {
			f.mu.Lock()
			f.units = append(f.units, text)
			f.mu.Unlock()
		},
	})
	t.Cleanup(f.disp.Close)
	return f
}

func wait(t *testing.T, p *synth.Playback) synth.Result {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("playback did not finish")
	}
	return p.Result()
}

const reply = "First sentence here. Second sentence here. Third sentence here."

func TestSpeakCompletes(t *testing.T) {
	f := newFixture(t, 0, func(context.Context, string) (synth.Stream, error) {
		return &fakeStream{chunks: 2}, nil
	})
	p, err := f.disp.Speak(context.Background(), reply, 1, 0)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	res := wait(t, p)
	if res.Outcome != synth.Completed || res.Units != 3 || res.Chunks != 6 {
		t.Fatalf("Result = %+v", res)
	}
	chunks := f.sink.all()
	for i, c := range chunks {
		if c.TurnID != 1 || c.Generation != 0 {
			t.Fatalf("chunk %d = %+v", i, c)
		}
		if c.Unit != i/2 {
			t.Fatalf("chunk %d unit = %d, want %d", i, c.Unit, i/2)
		}
	}
	if len(f.units) != 3 || f.units[0] != "First sentence here." {
		t.Fatalf("OnUnit texts = %q", f.units)
	}
	if f.disp.Active() != nil {
		t.Fatal("finished playback still active")
	}
}

// A barge-in advances the generation mid-stream: no chunk is emitted after
// the advance.
func TestSpeakDropsChunksAfterGenerationAdvance(t *testing.T) {
	var gen *session.Generation
	f := newFixture(t, 0, func(context.Context, string) (synth.Stream, error) {
		return &fakeStream{chunks: 5, next: func(i int) ([]byte, error) {
			if i == 2 {
				gen.Advance()
			}
			return make([]byte, 320), nil
		}}, nil
	})
	gen = f.gen

	p, err := f.disp.Speak(context.Background(), reply, 4, f.gen.Load())
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	res := wait(t, p)
	if res.Outcome != synth.Canceled {
		t.Fatalf("Outcome = %v, want canceled", res.Outcome)
	}
	if res.Chunks != 2 || res.Dropped != 1 {
		t.Fatalf("Result = %+v, want 2 chunks and 1 dropped", res)
	}
	if got := len(f.sink.all()); got != 2 {
		t.Fatalf("sink got %d chunks, want 2", got)
	}
}

func TestStopTearsDown(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, 0, func(ctx context.Context, _ string) (synth.Stream, error) {
		return &fakeStream{chunks: 100, next: func(i int) ([]byte, error) {
			if i == 1 {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return make([]byte, 320), nil
		}}, nil
	})
	p, _ := f.disp.Speak(context.Background(), reply, 2, 0)
	done := f.disp.Stop(2)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not confirm teardown")
	}
	close(release)
	if res := p.Result(); res.Outcome != synth.Canceled {
		t.Fatalf("Outcome = %v, want canceled", res.Outcome)
	}
}

func TestStopUnknownTurn(t *testing.T) {
	f := newFixture(t, 0, func(context.Context, string) (synth.Stream, error) {
		return &fakeStream{}, nil
	})
	select {
	case <-f.disp.Stop(99):
	default:
		t.Fatal("Stop of an unknown turn should return a closed channel")
	}
}

func TestUnitRetriedOnceThenSkipped(t *testing.T) {
	var calls sync.Map
	f := newFixture(t, 0, func(_ context.Context, text string) (synth.Stream, error) {
		n, _ := calls.LoadOrStore(text, new(atomic.Int32))
		attempt := n.(*atomic.Int32).Add(1)
		switch text {
		case "Second sentence here.":
			return nil, errors.New("voice backend error")
		case "Third sentence here.":
			if attempt == 1 {
				return nil, errors.New("transient")
			}
		}
		return &fakeStream{chunks: 1}, nil
	})
	p, _ := f.disp.Speak(context.Background(), reply, 1, 0)
	res := wait(t, p)
	if res.Outcome != synth.Completed {
		t.Fatalf("Outcome = %v, want completed", res.Outcome)
	}
	if res.Units != 2 || len(res.Skipped) != 1 || res.Skipped[0] != 1 {
		t.Fatalf("Result = %+v, want units 0 and 2 delivered, 1 skipped", res)
	}
	n, _ := calls.Load("Second sentence here.")
	if got := n.(*atomic.Int32).Load(); got != 2 {
		t.Fatalf("failing unit attempted %d times, want 2", got)
	}
}

func TestSpeakHitsCeiling(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond, func(ctx context.Context, _ string) (synth.Stream, error) {
		return &fakeStream{chunks: 1000, next: func(int) ([]byte, error) {
			select {
			case <-time.After(5 * time.Millisecond):
				return make([]byte, 320), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}}, nil
	})
	p, _ := f.disp.Speak(context.Background(), reply, 1, 0)
	res := wait(t, p)
	if res.Outcome != synth.Truncated {
		t.Fatalf("Outcome = %v, want truncated", res.Outcome)
	}
}

func TestOnlyOnePlaybackActive(t *testing.T) {
	f := newFixture(t, 0, func(ctx context.Context, _ string) (synth.Stream, error) {
		return &fakeStream{chunks: 1000, next: func(int) ([]byte, error) {
			select {
			case <-time.After(time.Millisecond):
				return make([]byte, 320), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}}, nil
	})
	first, _ := f.disp.Speak(context.Background(), reply, 1, 0)
	second, _ := f.disp.Speak(context.Background(), reply, 2, 0)

	select {
	case <-first.Done():
	default:
		t.Fatal("first playback still running after second Speak")
	}
	if first.Result().Outcome != synth.Canceled {
		t.Fatalf("first Outcome = %v, want canceled", first.Result().Outcome)
	}
	if f.disp.Active() != second {
		t.Fatal("second playback should be active")
	}
	<-f.disp.Stop(2)
}

func TestSpeakReportsExhaustedPool(t *testing.T) {
	var dials atomic.Int32
	p, err := pool.New(pool.Config[synth.Conn]{
		Name:    "tts",
		MaxSize: 1,
		Dial: func(context.Context) (synth.Conn, error) {
			dials.Add(1)
			return &fakeConn{synth: func(context.Context, string) (synth.Stream, error) {
				return &fakeStream{chunks: 1}, nil
			}}, nil
		},
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	held, err := p.Checkout(context.Background(), "other")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer p.Release(held)

	sink := &recordingSink{}
	disp := synth.NewDispatcher(synth.Config{
		SessionID:  "s1",
		Pool:       p,
		Sink:       sink,
		Generation: &session.Generation{},
		Target:     audio.L16Mono16K,
	})
	t.Cleanup(disp.Close)

	pb, err := disp.Speak(context.Background(), reply, 1, 0)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	res := wait(t, pb)
	if res.Outcome != synth.Exhausted || !errors.Is(res.Err, pool.ErrExhausted) {
		t.Fatalf("Result = %+v, want exhausted", res)
	}
	if res.Units != 0 || len(res.Skipped) != 0 || len(sink.all()) != 0 {
		t.Fatalf("Result = %+v, chunks = %d, want nothing played", res, len(sink.all()))
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want only the held connection", got)
	}
}
