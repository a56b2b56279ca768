// Package indexstorage provides the primary inverted index (key to set of
// (inputId, value) pairs) backed by SQLite, plus an in-memory buffering
// decorator used while a caller wants writes to stay revertible.
package indexstorage

import (
	"context"

	"github.com/calvinalkan/mrindex/pkg/kvstore"
)

// Codec round-trips a key or value of type T to and from bytes. Same shape
// as kvstore.Codec so a single externalizer implementation can serve both
// the persistent maps and the inverted index.
type Codec[T any] = kvstore.Codec[T]

// Entry is one (inputId, value) pair inside a ValueContainer.
type Entry[V any] struct {
	InputID uint32
	Value   V
}

// ValueContainer is the inverted-index payload for a single key: the set of
// inputs that currently index it, together with the value each contributed.
type ValueContainer[V any] struct {
	Entries []Entry[V]
}

// IsEmpty reports whether the container has no entries.
func (vc ValueContainer[V]) IsEmpty() bool {
	return len(vc.Entries) == 0
}

// Storage is the primary inverted-index contract: key -> ValueContainer.
// SQLiteStorage and MemoryIndexStorage both satisfy this shape; fileindex's
// own IndexStorage interface mirrors it structurally (no import needed in
// either direction).
type Storage[K comparable, V any] interface {
	AddValue(ctx context.Context, key K, inputID uint32, value V) error
	RemoveAllValues(ctx context.Context, key K, inputID uint32) error
	Read(ctx context.Context, key K) (ValueContainer[V], error)
	ProcessKeys(ctx context.Context, filter func(K) bool, visit func(K, ValueContainer[V]) (bool, error)) (bool, error)
	Flush(ctx context.Context) error
	Clear(ctx context.Context) error
	Close() error
}

// BufferingListener is notified of buffering-mode transitions on a
// MemoryIndexStorage. fileindex's bufferingForwardMap registers itself as
// the listener so its own staging table stays synchronized with the
// inverted index's buffering state.
type BufferingListener interface {
	// BufferingStateChanged is called whenever buffering starts or stops.
	BufferingStateChanged(buffering bool)

	// MemoryStorageCleared is called after the in-memory overlay has been
	// emptied, whether its contents were committed or discarded.
	MemoryStorageCleared()
}
