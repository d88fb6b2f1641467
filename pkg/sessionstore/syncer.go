package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	// Store holds the snapshots. Required.
	Store Store

	// Codec encodes snapshots. Defaults to JSON.
	Codec Codec

	// WriteInterval throttles writes: saves within one interval are
	// coalesced per session and written in a single batch. Zero writes
	// through on every Save.
	WriteInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Syncer moves snapshots between live sessions and a Store.
//
// Writes are last-writer-wins keyed by Snapshot.Version. A write whose
// version is older than the stored one loses; both sides are logged so the
// divergence is never silent.
type Syncer struct {
	store    Store
	codec    Codec
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]Snapshot
	timer   *time.Timer
	closed  bool
}

// NewSyncer creates a Syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	codec := cfg.Codec
	if codec == nil {
		codec = JSON
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:    cfg.Store,
		codec:    codec,
		interval: cfg.WriteInterval,
		logger:   logger,
		pending:  make(map[string]Snapshot),
	}
}

// Load returns the latest snapshot for id, preferring an unflushed save
// over the stored copy. Returns ErrNotFound for an unknown session.
func (s *Syncer) Load(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	snap, ok := s.pending[id]
	s.mu.Unlock()
	if ok {
		return snap, nil
	}
	return s.read(ctx, id)
}

// Save records snap with its slots normalized. With a write interval the
// write is deferred and coalesced with later saves of the same session.
func (s *Syncer) Save(ctx context.Context, snap Snapshot) error {
	snap.Slots = NormalizeSlots(snap.Slots)
	if s.interval <= 0 {
		return s.write(ctx, []Snapshot{snap})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sessionstore: syncer closed")
	}
	if prev, ok := s.pending[snap.SessionID]; ok && prev.Version > snap.Version {
		s.logger.Warn("sessionstore: out of order save",
			"session", snap.SessionID,
			"pending_version", prev.Version,
			"version", snap.Version)
		return nil
	}
	s.pending[snap.SessionID] = snap
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.flushTimer)
	}
	return nil
}

// Flush writes all pending snapshots now.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	batch := make([]Snapshot, 0, len(s.pending))
	for id, snap := range s.pending {
		batch = append(batch, snap)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.write(ctx, batch)
}

// Close flushes pending snapshots and rejects further saves. The underlying
// Store is left open.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Delete removes a session's snapshot.
func (s *Syncer) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return s.store.Delete(ctx, SessionKey(id))
}

// List returns every stored snapshot.
func (s *Syncer) List(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	for e, err := range s.store.List(ctx, Key{"session"}) {
		if err != nil {
			return out, err
		}
		var snap Snapshot
		if err := s.codec.Unmarshal(e.Value, &snap); err != nil {
			return out, fmt.Errorf("sessionstore: decode %s: %w", e.Key, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Syncer) flushTimer() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	if err := s.Flush(context.Background()); err != nil {
		s.logger.Error("sessionstore: background flush failed", "error", err)
	}
}

func (s *Syncer) read(ctx context.Context, id string) (Snapshot, error) {
	b, err := s.store.Get(ctx, SessionKey(id))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := s.codec.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("sessionstore: decode session %s: %w", id, err)
	}
	return snap, nil
}

func (s *Syncer) write(ctx context.Context, batch []Snapshot) error {
	var conflicts []error
	entries := make([]Entry, 0, len(batch))
	for _, snap := range batch {
		stored, err := s.read(ctx, snap.SessionID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			s.logger.Warn("sessionstore: unreadable stored snapshot, overwriting",
				"session", snap.SessionID, "error", err)
		case stored.Version > snap.Version:
			s.logger.Warn("sessionstore: version conflict, keeping stored snapshot",
				"session", snap.SessionID,
				"stored_version", stored.Version,
				"stored_agent", stored.Agent,
				"stored_turns", stored.TurnCounter,
				"local_version", snap.Version,
				"local_agent", snap.Agent,
				"local_turns", snap.TurnCounter)
			conflicts = append(conflicts, fmt.Errorf("%w: session %s stored=%d local=%d",
				ErrConflict, snap.SessionID, stored.Version, snap.Version))
			continue
		case stored.Version == snap.Version && !stored.UpdatedAt.Equal(snap.UpdatedAt):
			s.logger.Warn("sessionstore: concurrent writers at same version, last writer wins",
				"session", snap.SessionID,
				"version", snap.Version,
				"stored_agent", stored.Agent,
				"local_agent", snap.Agent)
		}

		b, err := s.codec.Marshal(snap)
		if err != nil {
			return fmt.Errorf("sessionstore: encode session %s: %w", snap.SessionID, err)
		}
		entries = append(entries, Entry{Key: SessionKey(snap.SessionID), Value: b})
	}

	if len(entries) > 0 {
		if err := s.store.BatchSet(ctx, entries); err != nil {
			return fmt.Errorf("sessionstore: write: %w", err)
		}
	}
	return errors.Join(conflicts...)
}
