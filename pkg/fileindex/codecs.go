package fileindex

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
)

// hashIDCodec, inputIDCodec, bytesCodec, and rawStringCodec are the fixed
// internal wire formats for the engine's own bookkeeping maps (ContentHashCache,
// SnapshotMap, ContentsMap, ForwardMap keys). Caller-supplied KeyExternalizer/
// ValueExternalizer never touch these; they only see application K/V.

type hashIDCodec struct{}

func (hashIDCodec) Save(w io.Writer, v HashID) error {
	var buf [4]byte

	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])

	return err
}

func (hashIDCodec) Read(r io.Reader) (HashID, error) {
	var buf [4]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return HashID(binary.BigEndian.Uint32(buf[:])), nil
}

type inputIDCodec struct{}

func (inputIDCodec) Save(w io.Writer, v InputID) error {
	var buf [4]byte

	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])

	return err
}

func (inputIDCodec) Read(r io.Reader) (InputID, error) {
	var buf [4]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

type bytesCodec struct{}

func (bytesCodec) Save(w io.Writer, v []byte) error {
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}

	_, err := w.Write(v)

	return err
}

func (bytesCodec) Read(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

type rawStringCodec struct{}

func (rawStringCodec) Save(w io.Writer, v string) error {
	return bytesCodec{}.Save(w, []byte(v))
}

func (rawStringCodec) Read(r io.Reader) (string, error) {
	b, err := bytesCodec{}.Read(r)

	return string(b), err
}

// keySetCodec externalizes a KeySet[K] as a count followed by each member's
// encoded bytes in ascending order, so two equal sets always encode
// identically regardless of map iteration order.
type keySetCodec[K comparable] struct {
	keyExt KeyExternalizer[K]
}

func (c keySetCodec[K]) Save(w io.Writer, ks KeySet[K]) error {
	encoded := make([][]byte, 0, len(ks))

	for k := range ks {
		var buf bytes.Buffer

		if err := c.keyExt.Save(&buf, k); err != nil {
			return err
		}

		encoded = append(encoded, buf.Bytes())
	}

	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	var countBuf [4]byte

	binary.BigEndian.PutUint32(countBuf[:], uint32(len(encoded)))

	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}

	for _, raw := range encoded {
		if err := (bytesCodec{}).Save(w, raw); err != nil {
			return err
		}
	}

	return nil
}

func (c keySetCodec[K]) Read(r io.Reader) (KeySet[K], error) {
	var countBuf [4]byte

	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(countBuf[:])
	ks := make(KeySet[K], n)

	for i := uint32(0); i < n; i++ {
		raw, err := (bytesCodec{}).Read(r)
		if err != nil {
			return nil, err
		}

		k, err := c.keyExt.Read(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}

		ks[k] = struct{}{}
	}

	return ks, nil
}
