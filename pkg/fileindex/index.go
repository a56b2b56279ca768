package fileindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/calvinalkan/mrindex/pkg/fs"
	"github.com/calvinalkan/mrindex/pkg/indexstorage"
	"github.com/calvinalkan/mrindex/pkg/kvstore"
)

// File names under an Index's root directory.
const (
	fileContentHashes = "contenthashes"
	fileForward       = "forward"
	fileSnapshot      = "fileIdToHashId"
	fileContents      = "values"
	fileIndexStorage  = "values.sqlite"
)

// paths records where each durable component lives, so Clear can close,
// delete, and reopen each one at exactly the path it was opened from.
type paths struct {
	contentHashes string
	forward       string
	snapshot      string
	contents      string
}

// Index is the engine: it owns the ContentHashCache, the ForwardMap (or
// SnapshotMap/ContentsMap pair), the InMemoryStaging buffering state, and
// the primary IndexStorage, and coordinates them through Update, GetData,
// ProcessAllKeys, Flush, Clear, and Dispose.
//
// The commit phase of Update (the part that mutates IndexStorage and the
// forward/snapshot bookkeeping) runs under a single write lock and is never
// cancelled mid-flight; everything before it (hashing, running the indexer)
// honors ctx and can return early. With SnapshotMapping and physical content
// the old keys are resolved lazily, inside the commit phase.
type Index[K comparable, V any] struct {
	opts Options[K, V]

	mu sync.RWMutex

	hashCache *ContentHashCache

	forward     *bufferingForwardMap[K]
	snapshotMap *kvstore.PersistentMap[InputID, HashID]
	contentsMap *ContentsMap[K, V]
	staging     *stagingState[K]

	storage IndexStorage[K, V]

	root  string
	fsys  fs.FS
	paths paths

	lowMemStop func()

	disposed bool
}

// Open creates or loads an Index rooted at dir.
func Open[K comparable, V any](ctx context.Context, dir string, opts Options[K, V]) (*Index[K, V], error) {
	if opts.KeyExternalizer == nil || opts.ValueExternalizer == nil {
		return nil, ErrMissingExternalizer
	}

	if opts.Indexer == nil {
		return nil, ErrMissingIndexer
	}

	fsys := fs.NewReal()

	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("fileindex: creating index root: %w", err)
	}

	p := paths{
		contentHashes: filepath.Join(dir, fileContentHashes),
		forward:       filepath.Join(dir, fileForward),
		snapshot:      filepath.Join(dir, fileSnapshot),
		contents:      filepath.Join(dir, fileContents),
	}

	hashCache, err := OpenContentHashCache(p.contentHashes, fsys)
	if err != nil {
		return nil, err
	}

	idx := &Index[K, V]{
		opts:      opts,
		hashCache: hashCache,
		staging:   newStagingState[K](),
		root:      dir,
		fsys:      fsys,
		paths:     p,
	}

	if opts.SnapshotMapping {
		idx.snapshotMap, err = kvstore.Open[InputID, HashID](p.snapshot, fsys, inputIDCodec{}, hashIDCodec{})
		if err != nil {
			return nil, fmt.Errorf("fileindex: opening snapshot map: %w", err)
		}

		contentsPM, err := kvstore.Open[HashID, []byte](p.contents, fsys, hashIDCodec{}, bytesCodec{})
		if err != nil {
			return nil, fmt.Errorf("fileindex: opening contents map: %w", err)
		}

		idx.contentsMap = newContentsMap[K, V](contentsPM, opts.KeyExternalizer, opts.ValueExternalizer, opts.ValueEqual)
	} else {
		forwardBase, err := kvstore.Open[InputID, KeySet[K]](p.forward, fsys, inputIDCodec{}, keySetCodec[K]{opts.KeyExternalizer})
		if err != nil {
			return nil, fmt.Errorf("fileindex: opening forward map: %w", err)
		}

		idx.forward = newBufferingForwardMap[K](forwardBase, idx.staging)
	}

	sqliteStorage, err := indexstorage.Open[K, V](ctx, filepath.Join(dir, fileIndexStorage), fsys, opts.KeyExternalizer, opts.ValueExternalizer)
	if err != nil {
		return nil, fmt.Errorf("fileindex: opening index storage: %w", err)
	}

	idx.storage = indexstorage.NewMemoryIndexStorage[K, V](sqliteStorage, opts.KeyExternalizer, idx.staging)

	if opts.LowMemorySignal != nil {
		idx.startLowMemoryWatcher(opts.LowMemorySignal)
	}

	return idx, nil
}

func (idx *Index[K, V]) startLowMemoryWatcher(signal <-chan struct{}) {
	stop := make(chan struct{})
	idx.lowMemStop = func() { close(stop) }

	go func() {
		for {
			select {
			case <-stop:
				return
			case _, ok := <-signal:
				if !ok {
					return
				}

				_ = idx.Flush(context.Background())
			}
		}
	}()
}

func (idx *Index[K, V]) diagf(format string, args ...any) {
	if idx.opts.Diagnostics == nil {
		return
	}

	fmt.Fprintf(idx.opts.Diagnostics, format+"\n", args...)
}

func (idx *Index[K, V]) reportViolation(what string) {
	v := &ContractViolation{What: what}
	idx.diagf("%s", v.Error())
}

func (idx *Index[K, V]) storageErr(op string, err error) error {
	if err == nil {
		return nil
	}

	se := &StorageError{Op: op, Err: err}
	idx.diagf("%s", se.Error())

	if idx.opts.OnRebuildRequested != nil {
		idx.opts.OnRebuildRequested(se)
	}

	return se
}

func diffKeys[K comparable](oldKeys, newKeys KeySet[K]) (removed, retained, added KeySet[K]) {
	removed = make(KeySet[K])
	retained = make(KeySet[K])
	added = make(KeySet[K])

	for k := range oldKeys {
		if _, ok := newKeys[k]; ok {
			retained[k] = struct{}{}
		} else {
			removed[k] = struct{}{}
		}
	}

	for k := range newKeys {
		if _, ok := oldKeys[k]; !ok {
			added[k] = struct{}{}
		}
	}

	return removed, retained, added
}

// oldKeysResolver produces the previous key set for an input, deferring the
// actual lookup until the commit phase runs under the write lock.
type oldKeysResolver[K comparable] interface {
	resolve() (KeySet[K], error)
}

type eagerOldKeys[K comparable] struct{ keys KeySet[K] }

func (e eagerOldKeys[K]) resolve() (KeySet[K], error) { return e.keys, nil }

type lazyOldKeys[K comparable] struct {
	fetch func() (KeySet[K], error)
}

func (l lazyOldKeys[K]) resolve() (KeySet[K], error) { return l.fetch() }

// Update indexes content under inputID, replacing whatever keys inputID was
// previously associated with. The bool result reports whether the indexer
// actually ran (false when a SnapshotMapping hit reused a prior result).
func (idx *Index[K, V]) Update(ctx context.Context, inputID InputID, content *Content) (bool, error) {
	if idx.isDisposed() {
		return false, ErrDisposed
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	physical := content == nil || content.Physical
	usesSnapshot := idx.contentsMap != nil

	var (
		data              map[K]V
		havePersistedData bool
		hashID            HashID
		haveHash          bool
		skippedReading    bool
	)

	if usesSnapshot && physical && content != nil {
		if content.Cache == nil {
			content.Cache = &HashCache{}
		}

		h, err := idx.hashCache.Hash(content, content.Cache)
		if err != nil {
			return false, idx.storageErr("hash content", err)
		}

		hashID = h
		haveHash = true

		if idx.contentsMap.pm.IsBusyReading() {
			skippedReading = true
		} else {
			d, ok, err := idx.contentsMap.Get(hashID)
			if err != nil {
				return false, idx.storageErr("read contents map", err)
			}

			if ok {
				data = d
				havePersistedData = true
			}
		}
	}

	if !havePersistedData {
		if content == nil {
			data = map[K]V{}
		} else {
			d, err := idx.opts.Indexer(content)
			if err != nil {
				return false, fmt.Errorf("fileindex: running indexer: %w", err)
			}

			data = d

			if idx.opts.ExtraSanity {
				idx.checkIndexerDeterminism(content, data)
			}
		}
	}

	if haveHash && !havePersistedData {
		write := true

		if skippedReading {
			exists, err := idx.contentsMap.pm.ContainsKey(hashID)
			if err == nil && exists {
				write = false
			}
		}

		if write {
			if err := idx.contentsMap.Put(hashID, data); err != nil {
				return false, idx.storageErr("write contents map", err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	var resolver oldKeysResolver[K]

	switch {
	case usesSnapshot && physical:
		resolver = lazyOldKeys[K]{fetch: func() (KeySet[K], error) {
			prevHash, ok, err := idx.snapshotMap.Get(inputID)
			if err != nil || !ok {
				return KeySet[K]{}, err
			}

			prevData, ok, err := idx.contentsMap.Get(prevHash)
			if err != nil || !ok {
				return KeySet[K]{}, err
			}

			return keysOf(prevData), nil
		}}
	case usesSnapshot && !physical:
		if ks, ok := idx.staging.get(inputID); ok {
			resolver = eagerOldKeys[K]{keys: ks}
		} else {
			resolver = eagerOldKeys[K]{keys: KeySet[K]{}}
		}
	default:
		ks, _, err := idx.forward.Get(inputID)
		if err != nil {
			return false, idx.storageErr("read forward map", err)
		}

		if ks == nil {
			ks = KeySet[K]{}
		}

		resolver = eagerOldKeys[K]{keys: ks}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	oldKeys, err := resolver.resolve()
	if err != nil {
		return false, idx.storageErr("resolve old keys", err)
	}

	newKeys := keysOf(data)

	removed, retained, added := diffKeys(oldKeys, newKeys)

	commitCtx := context.WithoutCancel(ctx)

	for k := range removed {
		if err := idx.storage.RemoveAllValues(commitCtx, k, inputID); err != nil {
			return false, idx.storageErr("remove stale key", err)
		}
	}

	for k := range retained {
		if err := idx.storage.RemoveAllValues(commitCtx, k, inputID); err != nil {
			return false, idx.storageErr("remove retained key", err)
		}
	}

	for k := range added {
		if err := idx.storage.AddValue(commitCtx, k, inputID, data[k]); err != nil {
			return false, idx.storageErr("add key", err)
		}
	}

	for k := range retained {
		if err := idx.storage.AddValue(commitCtx, k, inputID, data[k]); err != nil {
			return false, idx.storageErr("add retained key", err)
		}
	}

	switch {
	case idx.staging.isBuffering():
		idx.staging.put(inputID, newKeys)
	case usesSnapshot && physical:
		if err := idx.snapshotMap.Put(inputID, hashID); err != nil {
			return false, idx.storageErr("write snapshot map", err)
		}
	case idx.forward != nil:
		if len(newKeys) == 0 {
			if err := idx.forward.Remove(inputID); err != nil {
				return false, idx.storageErr("remove forward map entry", err)
			}
		} else if err := idx.forward.Put(inputID, newKeys); err != nil {
			return false, idx.storageErr("write forward map", err)
		}
	}

	return !havePersistedData, nil
}

// checkIndexerDeterminism re-runs the indexer on the same content and flags
// a ContractViolation (never an error) if the result differs, or if the
// externalizers don't round-trip every key/value the indexer produced.
func (idx *Index[K, V]) checkIndexerDeterminism(content *Content, first map[K]V) {
	second, err := idx.opts.Indexer(content)
	if err != nil {
		idx.reportViolation(fmt.Sprintf("indexer returned an error on a repeat call: %v", err))

		return
	}

	equalMap := idx.opts.ValueEqual
	if equalMap == nil {
		equalMap = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}

	if len(first) != len(second) {
		idx.reportViolation("indexer is not deterministic: repeat call produced a different number of keys")
	} else {
		for k, v := range first {
			v2, ok := second[k]
			if !ok || !equalMap(v, v2) {
				idx.reportViolation("indexer is not deterministic: repeat call produced a different value for an existing key")

				break
			}
		}
	}

	for k, v := range first {
		var kbuf bytes.Buffer

		if err := idx.opts.KeyExternalizer.Save(&kbuf, k); err != nil {
			idx.reportViolation(fmt.Sprintf("KeyExternalizer.Save failed: %v", err))

			continue
		}

		k2, err := idx.opts.KeyExternalizer.Read(bytes.NewReader(kbuf.Bytes()))
		if err != nil || k2 != k {
			idx.reportViolation("KeyExternalizer did not round-trip a key")
		}

		var vbuf bytes.Buffer

		if err := idx.opts.ValueExternalizer.Save(&vbuf, v); err != nil {
			idx.reportViolation(fmt.Sprintf("ValueExternalizer.Save failed: %v", err))

			continue
		}

		v2, err := idx.opts.ValueExternalizer.Read(bytes.NewReader(vbuf.Bytes()))
		if err != nil || !equalMap(v, v2) {
			idx.reportViolation("ValueExternalizer did not round-trip a value")
		}
	}
}

// GetData returns every (inputId, value) pair currently stored for key.
func (idx *Index[K, V]) GetData(ctx context.Context, key K) (indexstorage.ValueContainer[V], error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.disposed {
		return indexstorage.ValueContainer[V]{}, ErrDisposed
	}

	vc, err := idx.storage.Read(ctx, key)
	if err != nil {
		return indexstorage.ValueContainer[V]{}, idx.storageErr("read key", err)
	}

	return vc, nil
}

// ProcessAllKeys visits every key for which filter (if non-nil) returns
// true, in the underlying storage's natural order, stopping early if visit
// returns false. The bool result reports whether every matching key was
// visited (true) or visiting stopped early (false).
func (idx *Index[K, V]) ProcessAllKeys(ctx context.Context, filter func(K) bool, visit func(K, indexstorage.ValueContainer[V]) (bool, error)) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.disposed {
		return false, ErrDisposed
	}

	cont, err := idx.storage.ProcessKeys(ctx, filter, visit)
	if err != nil {
		return false, idx.storageErr("process keys", err)
	}

	return cont, nil
}

// BeginBuffering starts an in-memory buffering session: subsequent Update
// calls are invisible on disk until EndBuffering commits or discards them.
func (idx *Index[K, V]) BeginBuffering() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.storage.BeginBuffering()
}

// EndBuffering ends the current buffering session, committing buffered
// writes to disk if commit is true, discarding them otherwise.
func (idx *Index[K, V]) EndBuffering(ctx context.Context, commit bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.storage.EndBuffering(ctx, commit)
}

type dirtyForcer interface {
	IsDirty() bool
	Force() error
}

// Flush compacts every dirty persistent map and flushes the index storage,
// so all of Update's effects so far are durable. Does not affect an active
// buffering session (buffered writes aren't durable until EndBuffering).
func (idx *Index[K, V]) Flush(ctx context.Context) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.disposed {
		return ErrDisposed
	}

	var errs []error

	force := func(name string, pm dirtyForcer) {
		if pm == nil || !pm.IsDirty() {
			return
		}

		if err := pm.Force(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	force("contentHashCache", idx.hashCache.enumerator)

	if idx.snapshotMap != nil {
		force("snapshotMap", idx.snapshotMap)
	}

	if idx.contentsMap != nil {
		force("contentsMap", idx.contentsMap.pm)
	}

	if idx.forward != nil {
		force("forward", idx.forward.base)
	}

	if err := idx.storage.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("indexStorage: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}

	return idx.storageErr("flush", errors.Join(errs...))
}

// Clear discards every stored entry and reopens each backing store empty,
// leaving the Index immediately usable.
func (idx *Index[K, V]) Clear(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.disposed {
		return ErrDisposed
	}

	var errs []error

	if err := idx.storage.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("indexStorage: %w", err))
	}

	if err := idx.hashCache.enumerator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("contentHashCache: close: %w", err))
	}

	if err := idx.removeWithSiblings(idx.paths.contentHashes); err != nil {
		errs = append(errs, fmt.Errorf("contentHashCache: remove: %w", err))
	}

	newHashCache, err := OpenContentHashCache(idx.paths.contentHashes, idx.fsys)
	if err != nil {
		errs = append(errs, fmt.Errorf("contentHashCache: reopen: %w", err))
	} else {
		idx.hashCache = newHashCache
	}

	if idx.snapshotMap != nil {
		if err := idx.snapshotMap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("snapshotMap: close: %w", err))
		}

		if err := idx.removeWithSiblings(idx.paths.snapshot); err != nil {
			errs = append(errs, fmt.Errorf("snapshotMap: remove: %w", err))
		}

		newSnapshot, err := kvstore.Open[InputID, HashID](idx.paths.snapshot, idx.fsys, inputIDCodec{}, hashIDCodec{})
		if err != nil {
			errs = append(errs, fmt.Errorf("snapshotMap: reopen: %w", err))
		} else {
			idx.snapshotMap = newSnapshot
		}
	}

	if idx.contentsMap != nil {
		if err := idx.contentsMap.pm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("contentsMap: close: %w", err))
		}

		if err := idx.removeWithSiblings(idx.paths.contents); err != nil {
			errs = append(errs, fmt.Errorf("contentsMap: remove: %w", err))
		}

		newContentsPM, err := kvstore.Open[HashID, []byte](idx.paths.contents, idx.fsys, hashIDCodec{}, bytesCodec{})
		if err != nil {
			errs = append(errs, fmt.Errorf("contentsMap: reopen: %w", err))
		} else {
			idx.contentsMap = newContentsMap[K, V](newContentsPM, idx.opts.KeyExternalizer, idx.opts.ValueExternalizer, idx.opts.ValueEqual)
		}
	}

	if idx.forward != nil {
		if err := idx.forward.base.Close(); err != nil {
			errs = append(errs, fmt.Errorf("forward: close: %w", err))
		}

		if err := idx.removeWithSiblings(idx.paths.forward); err != nil {
			errs = append(errs, fmt.Errorf("forward: remove: %w", err))
		}

		newForwardBase, err := kvstore.Open[InputID, KeySet[K]](idx.paths.forward, idx.fsys, inputIDCodec{}, keySetCodec[K]{idx.opts.KeyExternalizer})
		if err != nil {
			errs = append(errs, fmt.Errorf("forward: reopen: %w", err))
		} else {
			idx.forward = newBufferingForwardMap[K](newForwardBase, idx.staging)
		}
	}

	idx.staging.clear()

	if len(errs) == 0 {
		return nil
	}

	return idx.storageErr("clear", errors.Join(errs...))
}

func (idx *Index[K, V]) removeWithSiblings(path string) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := idx.fsys.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	var errs []error

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), base) {
			if err := idx.fsys.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (idx *Index[K, V]) isDisposed() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.disposed
}

// Dispose stops the low-memory watcher and closes every backing store.
// Idempotent; every subsequent call returns nil.
func (idx *Index[K, V]) Dispose() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.disposed {
		return nil
	}

	idx.disposed = true

	if idx.lowMemStop != nil {
		idx.lowMemStop()
	}

	var errs []error

	if err := idx.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("indexStorage: %w", err))
	}

	if err := idx.hashCache.enumerator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("contentHashCache: %w", err))
	}

	if idx.snapshotMap != nil {
		if err := idx.snapshotMap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("snapshotMap: %w", err))
		}
	}

	if idx.contentsMap != nil {
		if err := idx.contentsMap.pm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("contentsMap: %w", err))
		}
	}

	if idx.forward != nil {
		if err := idx.forward.base.Close(); err != nil {
			errs = append(errs, fmt.Errorf("forward: %w", err))
		}
	}

	return errors.Join(errs...)
}
