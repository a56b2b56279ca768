// Package kvstore provides a durable, single-writer key-value map backed by
// a binary snapshot file and read via mmap.
//
// A PersistentMap buffers writes in memory until Force (or Close) compacts
// them into a new snapshot file, written atomically via pkg/fs.AtomicWriter.
// Reads consult the in-memory overlay first, then binary-search the mmap'd
// snapshot outside the map's lock. A read that starts while Force is
// compacting waits for it, since both take the same lock first.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/mrindex/pkg/fs"
)

var (
	// ErrClosed is returned by any operation on a map after Close.
	ErrClosed = errors.New("kvstore: map is closed")
)

// Codec round-trips a value of type T to and from bytes.
//
// Save and Read must be inverses: Read(Save(v)) == v for every v the caller
// will store. Implementations are supplied by the embedding program (see
// fileindex.KeyExternalizer / fileindex.ValueExternalizer, which satisfy this
// shape).
type Codec[T any] interface {
	Save(w io.Writer, v T) error
	Read(r io.Reader) (T, error)
}

// PersistentMap is a durable map from K to V.
//
// Not safe to share a single *PersistentMap across goroutines without the
// caller's own synchronization for Put/Remove; Get/ContainsKey are safe to
// call concurrently with each other and with a Force in progress (Force
// takes its own lock internally).
type PersistentMap[K comparable, V any] struct {
	path       string
	fsys       fs.FS
	atomic     *fs.AtomicWriter
	locker     *fs.Locker
	lockPath   string
	keyCodec   Codec[K]
	valueCodec Codec[V]

	mu      sync.RWMutex
	snap    *snapshot
	pending map[string]pendingRecord[V]
	dirty   bool
	closed  bool

	readers atomic.Int32
}

type pendingRecord[V any] struct {
	value     V
	tombstone bool
}

// Open loads the map from path if it exists, or creates an empty in-memory
// map that will be written to path on the first Force/Close. fsys and the
// codecs must be non-nil.
func Open[K comparable, V any](path string, fsys fs.FS, keyCodec Codec[K], valueCodec Codec[V]) (*PersistentMap[K, V], error) {
	if fsys == nil {
		panic("kvstore.Open: fsys is nil")
	}

	if keyCodec == nil || valueCodec == nil {
		panic("kvstore.Open: codecs must not be nil")
	}

	pm := &PersistentMap[K, V]{
		path:       path,
		fsys:       fsys,
		atomic:     fs.NewAtomicWriter(fsys),
		locker:     fs.NewLocker(fsys),
		lockPath:   path + ".lock",
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
		pending:    make(map[string]pendingRecord[V]),
	}

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: checking %q: %w", path, err)
	}

	if !exists {
		pm.snap = emptySnapshot()

		return pm, nil
	}

	snap, err := loadSnapshot(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: loading %q: %w", path, err)
	}

	pm.snap = snap

	return pm, nil
}

func (pm *PersistentMap[K, V]) encodeKey(key K) (string, error) {
	var buf bytes.Buffer

	if err := pm.keyCodec.Save(&buf, key); err != nil {
		return "", fmt.Errorf("kvstore: encoding key: %w", err)
	}

	return buf.String(), nil
}

// Get returns the value stored for key, and whether it was present.
func (pm *PersistentMap[K, V]) Get(key K) (V, bool, error) {
	var zero V

	keyBytes, err := pm.encodeKey(key)
	if err != nil {
		return zero, false, err
	}

	pm.mu.RLock()

	if pm.closed {
		pm.mu.RUnlock()

		return zero, false, ErrClosed
	}

	if rec, ok := pm.pending[keyBytes]; ok {
		pm.mu.RUnlock()

		if rec.tombstone {
			return zero, false, nil
		}

		return rec.value, true, nil
	}

	snap := pm.snap
	pm.mu.RUnlock()

	pm.readers.Add(1)
	defer pm.readers.Add(-1)

	raw, ok := snap.lookup([]byte(keyBytes))
	if !ok {
		return zero, false, nil
	}

	val, err := pm.valueCodec.Read(bytes.NewReader(raw))
	if err != nil {
		return zero, false, fmt.Errorf("kvstore: decoding value for key: %w", err)
	}

	return val, true, nil
}

// ContainsKey reports whether key has a (non-tombstoned) entry.
func (pm *PersistentMap[K, V]) ContainsKey(key K) (bool, error) {
	keyBytes, err := pm.encodeKey(key)
	if err != nil {
		return false, err
	}

	pm.mu.RLock()

	if pm.closed {
		pm.mu.RUnlock()

		return false, ErrClosed
	}

	if rec, ok := pm.pending[keyBytes]; ok {
		pm.mu.RUnlock()

		return !rec.tombstone, nil
	}

	snap := pm.snap
	pm.mu.RUnlock()

	pm.readers.Add(1)
	defer pm.readers.Add(-1)

	_, ok := snap.lookup([]byte(keyBytes))

	return ok, nil
}

// Put stores value for key. The write is buffered in memory until Force or
// Close.
func (pm *PersistentMap[K, V]) Put(key K, value V) error {
	keyBytes, err := pm.encodeKey(key)
	if err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.closed {
		return ErrClosed
	}

	pm.pending[keyBytes] = pendingRecord[V]{value: value}
	pm.dirty = true

	return nil
}

// Remove deletes key, if present. The tombstone is buffered in memory until
// Force or Close.
func (pm *PersistentMap[K, V]) Remove(key K) error {
	keyBytes, err := pm.encodeKey(key)
	if err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.closed {
		return ErrClosed
	}

	pm.pending[keyBytes] = pendingRecord[V]{tombstone: true}
	pm.dirty = true

	return nil
}

// IsDirty reports whether there are buffered writes not yet compacted to
// disk.
func (pm *PersistentMap[K, V]) IsDirty() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return pm.dirty
}

// IsBusyReading reports whether a concurrent Get/ContainsKey is currently
// searching the mmap'd snapshot. Callers use this to decide whether a
// blocking read is worth attempting or whether to fall back to recomputing
// the value instead.
func (pm *PersistentMap[K, V]) IsBusyReading() bool {
	return pm.readers.Load() > 0
}

// Force compacts buffered writes into a new snapshot file, written
// atomically. It is a no-op if there are no buffered writes.
//
// Compaction is additionally guarded by a cross-process flock on
// path+".lock", so two processes opening the same path never race to
// compact it at the same time (in-process callers are already serialized
// by pm.mu; the flock only matters when path is shared across processes).
func (pm *PersistentMap[K, V]) Force() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.closed {
		return ErrClosed
	}

	if len(pm.pending) == 0 {
		return nil
	}

	merged, err := pm.mergeEntries()
	if err != nil {
		return err
	}

	data := buildSnapshotBytes(merged)

	lock, err := pm.locker.Lock(pm.lockPath)
	if err != nil {
		return fmt.Errorf("kvstore: locking %q: %w", pm.lockPath, err)
	}

	writeErr := pm.atomic.WriteWithDefaults(pm.path, bytes.NewReader(data))
	if writeErr != nil {
		writeErr = fmt.Errorf("kvstore: writing %q: %w", pm.path, writeErr)
	}

	if closeErr := lock.Close(); closeErr != nil {
		return errors.Join(writeErr, fmt.Errorf("kvstore: unlocking %q: %w", pm.lockPath, closeErr))
	}

	if writeErr != nil {
		return writeErr
	}

	newSnap, err := loadSnapshot(pm.fsys, pm.path)
	if err != nil {
		return fmt.Errorf("kvstore: remapping %q after compaction: %w", pm.path, err)
	}

	oldSnap := pm.snap
	pm.snap = newSnap
	pm.pending = make(map[string]pendingRecord[V])
	pm.dirty = false

	if oldSnap != nil {
		_ = oldSnap.close()
	}

	return nil
}

// Close forces any buffered writes to disk and releases the mmap.
//
// Close is idempotent.
func (pm *PersistentMap[K, V]) Close() error {
	if err := pm.Force(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.closed {
		return nil
	}

	pm.closed = true

	if pm.snap == nil {
		return nil
	}

	err := pm.snap.close()
	pm.snap = nil

	if err != nil {
		return fmt.Errorf("kvstore: closing %q: %w", pm.path, err)
	}

	return nil
}

type rawEntry struct {
	key   []byte
	value []byte
}

// mergeEntries folds the pending overlay over the current snapshot,
// producing a sorted, tombstone-free entry list ready to serialize. Must be
// called with pm.mu held.
func (pm *PersistentMap[K, V]) mergeEntries() ([]rawEntry, error) {
	byKey := make(map[string][]byte, pm.snap.count+len(pm.pending))

	for _, e := range pm.snap.entries() {
		byKey[string(e.key)] = e.value
	}

	var buf bytes.Buffer

	for keyBytes, rec := range pm.pending {
		if rec.tombstone {
			delete(byKey, keyBytes)

			continue
		}

		buf.Reset()

		if err := pm.valueCodec.Save(&buf, rec.value); err != nil {
			return nil, fmt.Errorf("kvstore: encoding value during compaction: %w", err)
		}

		cp := make([]byte, buf.Len())
		copy(cp, buf.Bytes())
		byKey[keyBytes] = cp
	}

	entries := make([]rawEntry, 0, len(byKey))
	for k, v := range byKey {
		entries = append(entries, rawEntry{key: []byte(k), value: v})
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})

	return entries, nil
}
