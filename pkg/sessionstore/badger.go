package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store backed by BadgerDB v4.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Logger receives badger warnings and errors. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewBadger opens a BadgerDB-backed Store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("sessionstore: BadgerOptions.Dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.String()))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key.String()), value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key.String()))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := prefixBytes(prefix)
	return func(yield func(Entry, error) bool) {
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = p
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				item := it.Item()
				val, err := item.ValueCopy(nil)
				if err != nil {
					if !yield(Entry{}, err) {
						return nil
					}
					continue
				}
				if !yield(Entry{Key: decodeKey(item.KeyCopy(nil)), Value: val}, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Entry{}, err)
		}
	}
}

func (b *Badger) BatchSet(_ context.Context, entries []Entry) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set([]byte(e.Key.String()), e.Value); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger forwards badger warnings and errors to slog and drops the
// chattier levels.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error(fmt.Sprintf("badger: "+f, v...))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn(fmt.Sprintf("badger: "+f, v...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
