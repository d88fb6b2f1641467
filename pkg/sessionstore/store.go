// Package sessionstore persists session snapshots so a call can survive a
// process restart or a transport reconnect.
//
// Snapshots live under the key "session:{id}". A Store is a small
// path-keyed byte store with an in-memory implementation for tests and a
// BadgerDB implementation for production. A Syncer sits on top of a Store
// and handles versioning, write throttling and conflict logging.
package sessionstore

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("sessionstore: not found")

	// ErrConflict is reported when the stored snapshot is newer than the
	// one being written.
	ErrConflict = errors.New("sessionstore: version conflict")
)

const separator = ":"

// Key is a hierarchical path. Key{"session", "abc"} encodes to
// "session:abc". Segments must not contain ':'.
type Key []string

// String returns the encoded key.
func (k Key) String() string {
	return strings.Join(k, separator)
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), separator))
}

// SessionKey returns the key a session's snapshot is stored under.
func SessionKey(id string) Key {
	return Key{"session", id}
}

// Entry is a key-value pair returned by List and used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries under prefix in lexicographic order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// Close releases any resources held by the store.
	Close() error
}

func prefixBytes(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return []byte(prefix.String() + separator)
}
