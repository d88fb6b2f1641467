package gateway

import (
	"context"
	"sync"
)

// Tracker keeps the live sessions of a gateway so they can be replaced on
// reconnect and drained on shutdown.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*tracked
	wg       sync.WaitGroup
}

type tracked struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*tracked)}
}

// Register records a running session. A session already registered under
// id is canceled. The returned func must be called when the session ends.
func (t *Tracker) Register(id string, cancel context.CancelFunc) (done func()) {
	entry := &tracked{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	old := t.sessions[id]
	t.sessions[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		old.cancel()
	}
	return func() {
		entry.once.Do(func() {
			t.mu.Lock()
			if t.sessions[id] == entry {
				delete(t.sessions, id)
			}
			t.mu.Unlock()
			close(entry.done)
			t.wg.Done()
		})
	}
}

// Evict cancels the session registered under id and waits for it to end.
// It reports whether a session was running.
func (t *Tracker) Evict(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	entry := t.sessions[id]
	t.mu.Unlock()
	if entry == nil {
		return false, nil
	}
	entry.cancel()
	select {
	case <-entry.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Count returns the number of live sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CancelAll cancels every live session and returns how many there were.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.sessions))
	for _, e := range t.sessions {
		cancels = append(cancels, e.cancel)
	}
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Wait blocks until every registered session has ended or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
