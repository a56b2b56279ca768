// Package fileindex implements a durable, incrementally updated inverted
// index: it turns a stream of (inputId, content) updates into a key -> set
// of (inputId, value) mapping, reusing a previously computed indexer result
// whenever the same content reappears under a different input.
package fileindex

import (
	"context"
	"io"

	"github.com/calvinalkan/mrindex/pkg/indexstorage"
	"github.com/calvinalkan/mrindex/pkg/kvstore"
)

// InputID identifies one input (a file, a document) stably across its
// lifetime. An alias to uint32, not a distinct type, so that concrete
// IndexStorage implementations (which operate on plain uint32 input ids)
// satisfy fileindex.IndexStorage without any conversion shim.
type InputID = uint32

// HashID is the content-addressed identity of a byte payload (plus charset
// and file-type). Zero means "no hash recorded".
type HashID uint32

// NullHashID is the sentinel meaning "no hash recorded".
const NullHashID HashID = 0

// HashCache holds the per-content cached hash ids computed by
// ContentHashCache.Hash. It is carried on Content.Cache; Update allocates one
// when the caller leaves that field nil.
type HashCache struct {
	// Current is the hash id for the content's saved/on-disk bytes.
	Current HashID

	// Uncommitted is the hash id for an unsaved, in-memory edit of the same
	// logical input, cached under a separate key space from Current so a
	// read of saved-content results never gets handed back for an edited
	// buffer.
	Uncommitted HashID
}

// Content is one version of an input's bytes, as supplied by the caller.
type Content struct {
	Bytes    []byte
	Charset  string
	FileType string

	// Physical is true for on-disk, saved content. False marks a transient,
	// uncommitted buffer (e.g. an open editor with unsaved changes).
	Physical bool

	// Digest, if non-nil, is a precomputed binary digest of Bytes the
	// caller already has on hand (skips ContentHashCache's own hashing).
	Digest []byte

	// Cache carries the hash ids ContentHashCache computes for this
	// content across repeated use within one Update call. Callers
	// constructing a fresh Content may leave this nil; Update allocates one
	// on demand.
	Cache *HashCache
}

// KeySet is a set of keys, as stored in the ForwardMap and InMemoryStaging.
type KeySet[K comparable] map[K]struct{}

func keysOf[K comparable, V any](data map[K]V) KeySet[K] {
	ks := make(KeySet[K], len(data))
	for k := range data {
		ks[k] = struct{}{}
	}

	return ks
}

// Indexer computes the key -> value map for one piece of content. Must be
// deterministic: called twice on equal content it must return equal maps.
type Indexer[K comparable, V any] func(content *Content) (map[K]V, error)

// KeyExternalizer and ValueExternalizer round-trip keys/values to and from
// bytes. Same shape as kvstore.Codec, reused directly so a single
// implementation serves the persistent maps, the inverted index, and the
// ContentsMap format.
type KeyExternalizer[K any] = kvstore.Codec[K]

// ValueExternalizer is the value-side counterpart of KeyExternalizer.
type ValueExternalizer[V any] = kvstore.Codec[V]

// PersistentMap is the durable key -> value map contract the engine needs.
// *kvstore.PersistentMap[K,V] satisfies this structurally.
type PersistentMap[K comparable, V any] interface {
	Get(key K) (V, bool, error)
	Put(key K, value V) error
	Remove(key K) error
	Force() error
	Close() error
	ContainsKey(key K) (bool, error)
	IsDirty() bool
	IsBusyReading() bool
}

// IndexStorage is the primary inverted index the engine mutates during
// Update and reads during GetData/ProcessAllKeys.
// *indexstorage.MemoryIndexStorage[K,V] satisfies this structurally.
type IndexStorage[K comparable, V any] interface {
	AddValue(ctx context.Context, key K, inputID InputID, value V) error
	RemoveAllValues(ctx context.Context, key K, inputID InputID) error
	Read(ctx context.Context, key K) (indexstorage.ValueContainer[V], error)
	ProcessKeys(ctx context.Context, filter func(K) bool, visit func(K, indexstorage.ValueContainer[V]) (bool, error)) (bool, error)
	Flush(ctx context.Context) error
	Clear(ctx context.Context) error
	Close() error

	BeginBuffering()
	EndBuffering(ctx context.Context, commit bool) error
}

// RebuildRequester is invoked when a storage failure leaves the index in a
// state only a full rebuild can repair. Owned by the embedding program; this
// package never rebuilds on its own.
type RebuildRequester func(reason error)

// Options configures an Index. KeyExternalizer, ValueExternalizer, and
// Indexer are required; everything else has a documented zero-value
// default.
type Options[K comparable, V any] struct {
	KeyExternalizer   KeyExternalizer[K]
	ValueExternalizer ValueExternalizer[V]
	Indexer           Indexer[K, V]

	// SnapshotMapping enables the content-addressed SnapshotMap/ContentsMap
	// pair (hash-dedup of indexer invocations) instead of the plain
	// ForwardMap. Default: false (ForwardMap only).
	SnapshotMapping bool

	// ExtraSanity cross-checks indexer determinism and externalizer
	// round-trips, reporting violations to Diagnostics without failing the
	// Update. Default: false.
	ExtraSanity bool

	// ValueEqual decides whether two V values are equal, used by
	// ContentsMap's grouping-by-value and by ExtraSanity's round-trip
	// check. Defaults to reflect.DeepEqual if nil.
	ValueEqual func(a, b V) bool

	// Diagnostics receives structured, human-readable diagnostic lines
	// (contract violations, storage-error summaries). Never a required
	// dependency; nil disables diagnostics output.
	Diagnostics io.Writer

	// OnRebuildRequested is called when a commit-phase failure means this
	// index's on-disk state can no longer be trusted incrementally.
	OnRebuildRequested RebuildRequester

	// LowMemorySignal, if non-nil, triggers a Flush whenever a value is
	// received (or the channel is closed, ignored). Owned and closed by the
	// caller.
	LowMemorySignal <-chan struct{}
}
