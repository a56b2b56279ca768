package indexstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotBuffering is returned by EndBuffering when no buffering session is
// active.
var ErrNotBuffering = errors.New("indexstorage: not buffering")

type cell[V any] struct {
	value   V
	removed bool
}

// MemoryIndexStorage wraps a Storage and, while a buffering session is
// active, redirects AddValue/RemoveAllValues to an in-memory overlay instead
// of the wrapped storage. Reads (Read, ProcessKeys) transparently merge the
// overlay over the base storage so a caller sees its own buffered writes.
//
// EndBuffering either commits the overlay to the base storage or discards
// it entirely; either way satisfies invariant I4 (buffered writes are
// revertible and invisible to disk until the session ends).
type MemoryIndexStorage[K comparable, V any] struct {
	base     Storage[K, V]
	keyCodec Codec[K]
	listener BufferingListener

	mu        sync.RWMutex
	buffering bool
	overlay   map[string]map[uint32]cell[V]
}

// NewMemoryIndexStorage wraps base with a buffering overlay. listener may be
// nil if the caller doesn't need buffering-transition notifications.
func NewMemoryIndexStorage[K comparable, V any](base Storage[K, V], keyCodec Codec[K], listener BufferingListener) *MemoryIndexStorage[K, V] {
	return &MemoryIndexStorage[K, V]{base: base, keyCodec: keyCodec, listener: listener}
}

func (m *MemoryIndexStorage[K, V]) encodeKey(key K) (string, error) {
	var buf bytes.Buffer

	if err := m.keyCodec.Save(&buf, key); err != nil {
		return "", fmt.Errorf("indexstorage: encoding key: %w", err)
	}

	return buf.String(), nil
}

// IsBuffering reports whether a buffering session is currently active.
func (m *MemoryIndexStorage[K, V]) IsBuffering() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.buffering
}

// BeginBuffering starts a buffering session. Subsequent AddValue/
// RemoveAllValues calls are isolated in memory until EndBuffering.
func (m *MemoryIndexStorage[K, V]) BeginBuffering() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buffering {
		return
	}

	m.buffering = true
	m.overlay = make(map[string]map[uint32]cell[V])

	if m.listener != nil {
		m.listener.BufferingStateChanged(true)
	}
}

// EndBuffering stops the buffering session. If commit is true, every
// buffered write is applied to the base storage; otherwise the overlay is
// discarded. Either way the overlay is emptied and the listener is notified.
func (m *MemoryIndexStorage[K, V]) EndBuffering(ctx context.Context, commit bool) error {
	m.mu.Lock()

	if !m.buffering {
		m.mu.Unlock()

		return ErrNotBuffering
	}

	overlay := m.overlay
	m.overlay = nil
	m.buffering = false

	m.mu.Unlock()

	var err error

	if commit {
		err = m.applyOverlay(ctx, overlay)
	}

	if m.listener != nil {
		m.listener.BufferingStateChanged(false)
		m.listener.MemoryStorageCleared()
	}

	return err
}

func (m *MemoryIndexStorage[K, V]) applyOverlay(ctx context.Context, overlay map[string]map[uint32]cell[V]) error {
	for keyBytes, byInput := range overlay {
		key, decodeErr := m.decodeKeyBytes(keyBytes)
		if decodeErr != nil {
			return decodeErr
		}

		for inputID, c := range byInput {
			if c.removed {
				if err := m.base.RemoveAllValues(ctx, key, inputID); err != nil {
					return fmt.Errorf("indexstorage: committing buffered removal: %w", err)
				}

				continue
			}

			if err := m.base.AddValue(ctx, key, inputID, c.value); err != nil {
				return fmt.Errorf("indexstorage: committing buffered write: %w", err)
			}
		}
	}

	return nil
}

func (m *MemoryIndexStorage[K, V]) decodeKeyBytes(keyBytes string) (K, error) {
	var zero K

	key, err := m.keyCodec.Read(bytes.NewReader([]byte(keyBytes)))
	if err != nil {
		return zero, fmt.Errorf("indexstorage: decoding buffered key: %w", err)
	}

	return key, nil
}

// AddValue records (key, inputID, value), in the overlay while buffering or
// directly in the base storage otherwise.
func (m *MemoryIndexStorage[K, V]) AddValue(ctx context.Context, key K, inputID uint32, value V) error {
	keyBytes, err := m.encodeKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.buffering {
		return m.base.AddValue(ctx, key, inputID, value)
	}

	byInput := m.overlay[keyBytes]
	if byInput == nil {
		byInput = make(map[uint32]cell[V])
		m.overlay[keyBytes] = byInput
	}

	byInput[inputID] = cell[V]{value: value}

	return nil
}

// RemoveAllValues deletes (key, inputID), in the overlay while buffering or
// directly in the base storage otherwise.
func (m *MemoryIndexStorage[K, V]) RemoveAllValues(ctx context.Context, key K, inputID uint32) error {
	keyBytes, err := m.encodeKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.buffering {
		return m.base.RemoveAllValues(ctx, key, inputID)
	}

	byInput := m.overlay[keyBytes]
	if byInput == nil {
		byInput = make(map[uint32]cell[V])
		m.overlay[keyBytes] = byInput
	}

	byInput[inputID] = cell[V]{removed: true}

	return nil
}

// Read merges the base storage with any buffered overlay for key.
func (m *MemoryIndexStorage[K, V]) Read(ctx context.Context, key K) (ValueContainer[V], error) {
	keyBytes, err := m.encodeKey(key)
	if err != nil {
		return ValueContainer[V]{}, err
	}

	m.mu.RLock()
	buffering := m.buffering

	var byInput map[uint32]cell[V]
	if buffering {
		byInput = m.overlay[keyBytes]
	}

	m.mu.RUnlock()

	base, err := m.base.Read(ctx, key)
	if err != nil {
		return ValueContainer[V]{}, err
	}

	if byInput == nil {
		return base, nil
	}

	merged := make(map[uint32]V, len(base.Entries)+len(byInput))

	for _, e := range base.Entries {
		merged[e.InputID] = e.Value
	}

	for inputID, c := range byInput {
		if c.removed {
			delete(merged, inputID)

			continue
		}

		merged[inputID] = c.value
	}

	out := ValueContainer[V]{Entries: make([]Entry[V], 0, len(merged))}
	for inputID, v := range merged {
		out.Entries = append(out.Entries, Entry[V]{InputID: inputID, Value: v})
	}

	return out, nil
}

// ProcessKeys visits every key present in the base storage or the buffered
// overlay, merging both views per key.
func (m *MemoryIndexStorage[K, V]) ProcessKeys(ctx context.Context, filter func(K) bool, visit func(K, ValueContainer[V]) (bool, error)) (bool, error) {
	m.mu.RLock()
	buffering := m.buffering
	overlayKeys := make([]string, 0, len(m.overlay))

	for kb := range m.overlay {
		overlayKeys = append(overlayKeys, kb)
	}

	m.mu.RUnlock()

	if !buffering {
		return m.base.ProcessKeys(ctx, filter, visit)
	}

	seen := make(map[string]bool, len(overlayKeys))

	cont, err := m.base.ProcessKeys(ctx, filter, func(k K, _ ValueContainer[V]) (bool, error) {
		keyBytes, encErr := m.encodeKey(k)
		if encErr != nil {
			return false, encErr
		}

		seen[keyBytes] = true

		merged, readErr := m.Read(ctx, k)
		if readErr != nil {
			return false, readErr
		}

		return visit(k, merged)
	})
	if err != nil || !cont {
		return cont, err
	}

	for _, kb := range overlayKeys {
		if seen[kb] {
			continue
		}

		key, decodeErr := m.decodeKeyBytes(kb)
		if decodeErr != nil {
			return false, decodeErr
		}

		if filter != nil && !filter(key) {
			continue
		}

		merged, readErr := m.Read(ctx, key)
		if readErr != nil {
			return false, readErr
		}

		if merged.IsEmpty() {
			continue
		}

		ok, visitErr := visit(key, merged)
		if visitErr != nil {
			return false, visitErr
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// Flush delegates to the base storage. Buffered (not yet committed) writes
// are, by design, not durable until EndBuffering(ctx, true).
func (m *MemoryIndexStorage[K, V]) Flush(ctx context.Context) error {
	return m.base.Flush(ctx)
}

// Clear resets the base storage and discards any buffered overlay, without
// changing whether a buffering session is nominally active.
func (m *MemoryIndexStorage[K, V]) Clear(ctx context.Context) error {
	m.mu.Lock()
	if m.buffering {
		m.overlay = make(map[string]map[uint32]cell[V])
	}
	m.mu.Unlock()

	return m.base.Clear(ctx)
}

// Close closes the base storage.
func (m *MemoryIndexStorage[K, V]) Close() error {
	return m.base.Close()
}
