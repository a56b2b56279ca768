package fileindex

import "sync"

// stagingState is the InMemoryStaging component: while a buffering session
// is active on the IndexStorage, it holds each updated input's key set in
// memory instead of the durable ForwardMap/SnapshotMap, so the whole session
// can be discarded without ever touching disk. It implements
// indexstorage.BufferingListener structurally and is registered with the
// MemoryIndexStorage wrapper at Open time, so the two buffering sessions
// (storage-side overlay, staging-side key sets) start and end together.
type stagingState[K comparable] struct {
	mu        sync.Mutex
	buffering bool
	entries   map[InputID]KeySet[K]
}

func newStagingState[K comparable]() *stagingState[K] {
	return &stagingState[K]{entries: make(map[InputID]KeySet[K])}
}

// BufferingStateChanged satisfies indexstorage.BufferingListener.
func (s *stagingState[K]) BufferingStateChanged(buffering bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffering = buffering
}

// MemoryStorageCleared satisfies indexstorage.BufferingListener.
func (s *stagingState[K]) MemoryStorageCleared() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[InputID]KeySet[K])
}

func (s *stagingState[K]) isBuffering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buffering
}

func (s *stagingState[K]) get(id InputID) (KeySet[K], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.entries[id]

	return ks, ok
}

func (s *stagingState[K]) put(id InputID, keys KeySet[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[id] = keys
}

func (s *stagingState[K]) remove(id InputID) {
	s.put(id, KeySet[K]{})
}

func (s *stagingState[K]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[InputID]KeySet[K])
}

// bufferingForwardMap is the ForwardMap: InputId -> set<Key>, except while a
// buffering session is active, in which case reads and writes are routed
// through the shared stagingState instead of the durable base map.
type bufferingForwardMap[K comparable] struct {
	base    PersistentMap[InputID, KeySet[K]]
	staging *stagingState[K]
}

func newBufferingForwardMap[K comparable](base PersistentMap[InputID, KeySet[K]], staging *stagingState[K]) *bufferingForwardMap[K] {
	return &bufferingForwardMap[K]{base: base, staging: staging}
}

func (f *bufferingForwardMap[K]) Get(id InputID) (KeySet[K], bool, error) {
	if f.staging.isBuffering() {
		ks, ok := f.staging.get(id)

		return ks, ok, nil
	}

	return f.base.Get(id)
}

func (f *bufferingForwardMap[K]) Put(id InputID, keys KeySet[K]) error {
	if f.staging.isBuffering() {
		f.staging.put(id, keys)

		return nil
	}

	return f.base.Put(id, keys)
}

func (f *bufferingForwardMap[K]) Remove(id InputID) error {
	if f.staging.isBuffering() {
		f.staging.remove(id)

		return nil
	}

	return f.base.Remove(id)
}
