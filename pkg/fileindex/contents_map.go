package fileindex

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"sort"

	"github.com/calvinalkan/mrindex/pkg/kvstore"
)

// ContentsMap is HashId -> serialized (map[K]V), the other half of
// SnapshotMapping: once a HashId has been seen, the indexer's result for it
// is stored here and never recomputed.
//
// Wire format per stored value: a pair count, followed by one record per
// distinct value (grouped so a value shared by many keys is written once):
// the encoded value, a key count, and each key's length-prefixed encoded
// bytes, keys sorted and groups ordered by their first key's bytes so equal
// inputs always serialize identically (needed for the durable maps'
// idempotent-Force property).
type ContentsMap[K comparable, V any] struct {
	pm *kvstore.PersistentMap[HashID, []byte]

	keyExt     KeyExternalizer[K]
	valExt     ValueExternalizer[V]
	valueEqual func(a, b V) bool
}

func newContentsMap[K comparable, V any](pm *kvstore.PersistentMap[HashID, []byte], keyExt KeyExternalizer[K], valExt ValueExternalizer[V], valueEqual func(a, b V) bool) *ContentsMap[K, V] {
	if valueEqual == nil {
		valueEqual = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}

	return &ContentsMap[K, V]{pm: pm, keyExt: keyExt, valExt: valExt, valueEqual: valueEqual}
}

// Get returns the decoded indexer result previously stored under hashID.
func (c *ContentsMap[K, V]) Get(hashID HashID) (map[K]V, bool, error) {
	raw, ok, err := c.pm.Get(hashID)
	if err != nil || !ok {
		return nil, ok, err
	}

	data, err := c.decode(raw)
	if err != nil {
		return nil, false, err
	}

	return data, true, nil
}

// Put stores data under hashID, serialized per the format above.
func (c *ContentsMap[K, V]) Put(hashID HashID, data map[K]V) error {
	raw, err := c.encode(data)
	if err != nil {
		return err
	}

	return c.pm.Put(hashID, raw)
}

type valueGroup[K comparable, V any] struct {
	value V
	keys  [][]byte
}

func (c *ContentsMap[K, V]) encode(data map[K]V) ([]byte, error) {
	var groups []valueGroup[K, V]

	for k, v := range data {
		var kbuf bytes.Buffer

		if err := c.keyExt.Save(&kbuf, k); err != nil {
			return nil, err
		}

		placed := false

		for i := range groups {
			if c.valueEqual(groups[i].value, v) {
				groups[i].keys = append(groups[i].keys, kbuf.Bytes())
				placed = true

				break
			}
		}

		if !placed {
			groups = append(groups, valueGroup[K, V]{value: v, keys: [][]byte{kbuf.Bytes()}})
		}
	}

	for i := range groups {
		sort.Slice(groups[i].keys, func(a, b int) bool { return bytes.Compare(groups[i].keys[a], groups[i].keys[b]) < 0 })
	}

	sort.Slice(groups, func(i, j int) bool {
		gi, gj := groups[i].keys, groups[j].keys
		if len(gi) == 0 || len(gj) == 0 {
			return len(gi) < len(gj)
		}

		return bytes.Compare(gi[0], gj[0]) < 0
	})

	var buf bytes.Buffer

	pairCount := 0
	for _, g := range groups {
		pairCount += len(g.keys)
	}

	var countBuf [4]byte

	binary.BigEndian.PutUint32(countBuf[:], uint32(pairCount))
	buf.Write(countBuf[:])

	for _, g := range groups {
		if err := c.valExt.Save(&buf, g.value); err != nil {
			return nil, err
		}

		var keyCountBuf [4]byte

		binary.BigEndian.PutUint32(keyCountBuf[:], uint32(len(g.keys)))
		buf.Write(keyCountBuf[:])

		for _, kb := range g.keys {
			if err := (bytesCodec{}).Save(&buf, kb); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

func (c *ContentsMap[K, V]) decode(raw []byte) (map[K]V, error) {
	r := bytes.NewReader(raw)

	var countBuf [4]byte

	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}

	pairCount := binary.BigEndian.Uint32(countBuf[:])
	data := make(map[K]V, pairCount)

	for r.Len() > 0 {
		val, err := c.valExt.Read(r)
		if err != nil {
			return nil, err
		}

		var keyCountBuf [4]byte

		if _, err := io.ReadFull(r, keyCountBuf[:]); err != nil {
			return nil, err
		}

		keyCount := binary.BigEndian.Uint32(keyCountBuf[:])

		for i := uint32(0); i < keyCount; i++ {
			kb, err := (bytesCodec{}).Read(r)
			if err != nil {
				return nil, err
			}

			key, err := c.keyExt.Read(bytes.NewReader(kb))
			if err != nil {
				return nil, err
			}

			data[key] = val
		}
	}

	return data, nil
}
