package fileindex

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/calvinalkan/mrindex/pkg/fs"
	"github.com/calvinalkan/mrindex/pkg/kvstore"
)

// ContentHashCache assigns small, stable HashIDs to content digests,
// enumerating each distinct digest the first time it's seen and returning
// the same id on every later hash of equal content. Saved (physical) and
// uncommitted content are enumerated in disjoint key spaces, so a cached
// buffer edit never collides with, or shadows, the saved file's hash id.
//
// Grounded on the teacher's cache_binary.go sorted-index format (via
// kvstore.PersistentMap), generalized here to a string->HashID enumerator
// instead of a fixed-width record cache.
type ContentHashCache struct {
	enumerator *kvstore.PersistentMap[string, HashID]

	mu sync.Mutex
}

// counterKey is a reserved enumerator key (disjoint from every possible
// "p:"/"u:"-prefixed digest key) holding the next id to allocate.
const counterKey = "\x00next"

// OpenContentHashCache opens (or creates) the digest enumerator at path.
func OpenContentHashCache(path string, fsys fs.FS) (*ContentHashCache, error) {
	enumerator, err := kvstore.Open[string, HashID](path, fsys, rawStringCodec{}, hashIDCodec{})
	if err != nil {
		return nil, fmt.Errorf("fileindex: opening content hash cache: %w", err)
	}

	return &ContentHashCache{enumerator: enumerator}, nil
}

func digestOf(content *Content) []byte {
	if content.Digest != nil {
		return content.Digest
	}

	h := fnv.New64a()
	_, _ = h.Write(content.Bytes)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(content.Charset))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(content.FileType))

	return h.Sum(nil)
}

// Hash returns the HashID for content, consulting and updating cache so a
// repeated call for the same *Content within one Update reuses the result
// instead of re-hashing and re-enumerating.
func (c *ContentHashCache) Hash(content *Content, cache *HashCache) (HashID, error) {
	if content.Physical {
		if cache.Current != NullHashID {
			return cache.Current, nil
		}

		id, err := c.lookupOrAllocate("p:" + string(digestOf(content)))
		if err != nil {
			return NullHashID, err
		}

		cache.Current = id

		return id, nil
	}

	if cache.Uncommitted != NullHashID {
		return cache.Uncommitted, nil
	}

	id, err := c.lookupOrAllocate("u:" + string(digestOf(content)))
	if err != nil {
		return NullHashID, err
	}

	cache.Uncommitted = id

	return id, nil
}

func (c *ContentHashCache) lookupOrAllocate(key string) (HashID, error) {
	if id, ok, err := c.enumerator.Get(key); err != nil {
		return NullHashID, fmt.Errorf("fileindex: content hash cache lookup: %w", err)
	} else if ok {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check after acquiring the allocation lock: another goroutine may
	// have enumerated this exact digest while we were waiting.
	if id, ok, err := c.enumerator.Get(key); err != nil {
		return NullHashID, fmt.Errorf("fileindex: content hash cache lookup: %w", err)
	} else if ok {
		return id, nil
	}

	next, _, err := c.enumerator.Get(counterKey)
	if err != nil {
		return NullHashID, fmt.Errorf("fileindex: content hash cache reading counter: %w", err)
	}

	next++

	if err := c.enumerator.Put(counterKey, next); err != nil {
		return NullHashID, fmt.Errorf("fileindex: content hash cache advancing counter: %w", err)
	}

	if err := c.enumerator.Put(key, next); err != nil {
		return NullHashID, fmt.Errorf("fileindex: content hash cache enumerating digest: %w", err)
	}

	return next, nil
}
