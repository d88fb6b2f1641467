package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
)

// Archiver writes one JSON document per closed call.
type Archiver struct {
	store  Store
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Config configures an Archiver.
type Config struct {
	// Prefix is prepended to every record path. Defaults to "calls".
	Prefix string
	Logger *slog.Logger
}

// New returns an archiver writing to store.
func New(store Store, cfg Config) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "calls"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, prefix: cfg.Prefix, logger: logger, now: time.Now}
}

// RecordPath is where the record of sessionID closed at t is kept.
func (a *Archiver) RecordPath(sessionID string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", a.prefix, t.Year(), t.Month(), t.Day(), sessionID)
}

// Save encodes record and stores it under today's partition.
func (a *Archiver) Save(ctx context.Context, sessionID string, record any) error {
	data, err := sonic.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", sessionID, err)
	}
	path := a.RecordPath(sessionID, a.now())
	if err := a.store.Put(ctx, path, data); err != nil {
		return err
	}
	a.logger.Info("archive: call record saved", "session", sessionID, "path", path, "bytes", len(data))
	return nil
}

// Load decodes the record at path into v.
func (a *Archiver) Load(ctx context.Context, path string, v any) error {
	data, err := a.store.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("archive: decode %s: %w", path, err)
	}
	return nil
}
