package fileindex_test

import (
	"encoding/binary"
	"io"
)

// stringCodec length-prefixes a string with a single byte, good enough for
// the short tokens these tests use.
type stringCodec struct{}

func (stringCodec) Save(w io.Writer, v string) error {
	b := []byte(v)

	if _, err := w.Write([]byte{byte(len(b))}); err != nil {
		return err
	}

	_, err := w.Write(b)

	return err
}

func (stringCodec) Read(r io.Reader) (string, error) {
	var lenBuf [1]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}

	buf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

type intCodec struct{}

func (intCodec) Save(w io.Writer, v int) error {
	var buf [4]byte

	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])

	return err
}

func (intCodec) Read(r io.Reader) (int, error) {
	var buf [4]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return int(binary.BigEndian.Uint32(buf[:])), nil
}
