package kvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/mrindex/pkg/fs"
)

// Binary snapshot format. Header is fixed-size, followed by a sorted array
// of fixed-size index entries, followed by a variable-length data section
// holding raw key and value bytes back to back. Modeled on the teacher's
// ticket binary cache (magic+version header, sorted index, mmap'd reads),
// generalized from fixed 48-byte records to variable-length key/value pairs.
const (
	snapshotMagic      = "MRK1"
	snapshotVersion    = uint16(1)
	snapshotHeaderSize = 16
	indexEntrySize     = 16 // keyOffset u32, keyLen u32, valOffset u32, valLen u32
)

var (
	ErrInvalidMagic    = errors.New("kvstore: invalid snapshot magic")
	ErrVersionMismatch = errors.New("kvstore: snapshot version mismatch")
	ErrSnapshotTooSmall = errors.New("kvstore: snapshot file too small")
	ErrSnapshotCorrupt = errors.New("kvstore: snapshot index out of bounds")
)

// snapshot is a read-only view over either an mmap'd file or an empty,
// never-persisted map.
type snapshot struct {
	data  []byte // mmap'd file contents, nil for an empty in-memory snapshot
	file  fs.File
	count int
}

func emptySnapshot() *snapshot {
	return &snapshot{}
}

// loadSnapshot mmaps path and validates its header and index.
func loadSnapshot(fsys fs.FS, path string) (*snapshot, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat: %w", err)
	}

	size := info.Size()
	if size == 0 {
		_ = file.Close()

		return emptySnapshot(), nil
	}

	if size < snapshotHeaderSize {
		_ = file.Close()

		return nil, ErrSnapshotTooSmall
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("mmap: %w", err)
	}

	if string(data[0:4]) != snapshotMagic {
		_ = unix.Munmap(data)
		_ = file.Close()

		return nil, ErrInvalidMagic
	}

	version := binary.BigEndian.Uint16(data[4:6])
	if version != snapshotVersion {
		_ = unix.Munmap(data)
		_ = file.Close()

		return nil, ErrVersionMismatch
	}

	count := int(binary.BigEndian.Uint32(data[8:12]))

	indexEnd := snapshotHeaderSize + count*indexEntrySize
	if len(data) < indexEnd {
		_ = unix.Munmap(data)
		_ = file.Close()

		return nil, ErrSnapshotCorrupt
	}

	fileSize := uint32(len(data))

	for i := 0; i < count; i++ {
		off := snapshotHeaderSize + i*indexEntrySize
		keyOffset := binary.BigEndian.Uint32(data[off : off+4])
		keyLen := binary.BigEndian.Uint32(data[off+4 : off+8])
		valOffset := binary.BigEndian.Uint32(data[off+8 : off+12])
		valLen := binary.BigEndian.Uint32(data[off+12 : off+16])

		if keyOffset > fileSize || keyLen > fileSize-keyOffset {
			_ = unix.Munmap(data)
			_ = file.Close()

			return nil, ErrSnapshotCorrupt
		}

		if valOffset > fileSize || valLen > fileSize-valOffset {
			_ = unix.Munmap(data)
			_ = file.Close()

			return nil, ErrSnapshotCorrupt
		}
	}

	return &snapshot{data: data, file: file, count: count}, nil
}

func (s *snapshot) close() error {
	if s == nil || s.data == nil {
		return nil
	}

	munmapErr := unix.Munmap(s.data)
	closeErr := s.file.Close()

	return errors.Join(munmapErr, closeErr)
}

func (s *snapshot) indexEntry(i int) (keyOffset, keyLen, valOffset, valLen uint32) {
	off := snapshotHeaderSize + i*indexEntrySize

	return binary.BigEndian.Uint32(s.data[off : off+4]),
		binary.BigEndian.Uint32(s.data[off+4 : off+8]),
		binary.BigEndian.Uint32(s.data[off+8 : off+12]),
		binary.BigEndian.Uint32(s.data[off+12 : off+16])
}

// lookup binary-searches the sorted index for raw key bytes and returns the
// raw (still-encoded) value bytes.
func (s *snapshot) lookup(key []byte) ([]byte, bool) {
	if s == nil || s.count == 0 {
		return nil, false
	}

	low, high := 0, s.count-1

	for low <= high {
		mid := (low + high) / 2

		keyOffset, keyLen, valOffset, valLen := s.indexEntry(mid)
		midKey := s.data[keyOffset : keyOffset+keyLen]

		switch bytes.Compare(key, midKey) {
		case 0:
			return s.data[valOffset : valOffset+valLen], true
		case -1:
			high = mid - 1
		default:
			low = mid + 1
		}
	}

	return nil, false
}

// entries returns every (key, value) raw byte pair currently in the
// snapshot, in index order (sorted by key).
func (s *snapshot) entries() []rawEntry {
	if s == nil || s.count == 0 {
		return nil
	}

	out := make([]rawEntry, s.count)

	for i := 0; i < s.count; i++ {
		keyOffset, keyLen, valOffset, valLen := s.indexEntry(i)
		out[i] = rawEntry{
			key:   s.data[keyOffset : keyOffset+keyLen],
			value: s.data[valOffset : valOffset+valLen],
		}
	}

	return out
}

// buildSnapshotBytes serializes entries (already sorted by key) into the
// on-disk format.
func buildSnapshotBytes(entries []rawEntry) []byte {
	count := len(entries)
	indexSize := count * indexEntrySize
	dataStart := snapshotHeaderSize + indexSize

	var dataBuf bytes.Buffer

	keyOffsets := make([]uint32, count)
	keyLens := make([]uint32, count)
	valOffsets := make([]uint32, count)
	valLens := make([]uint32, count)

	for i, e := range entries {
		keyOffsets[i] = uint32(dataStart + dataBuf.Len())
		dataBuf.Write(e.key)
		keyLens[i] = uint32(len(e.key))

		valOffsets[i] = uint32(dataStart + dataBuf.Len())
		dataBuf.Write(e.value)
		valLens[i] = uint32(len(e.value))
	}

	total := dataStart + dataBuf.Len()
	buf := make([]byte, total)

	copy(buf[0:4], snapshotMagic)
	binary.BigEndian.PutUint16(buf[4:6], snapshotVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(count))

	for i := range entries {
		off := snapshotHeaderSize + i*indexEntrySize
		binary.BigEndian.PutUint32(buf[off:off+4], keyOffsets[i])
		binary.BigEndian.PutUint32(buf[off+4:off+8], keyLens[i])
		binary.BigEndian.PutUint32(buf[off+8:off+12], valOffsets[i])
		binary.BigEndian.PutUint32(buf[off+12:off+16], valLens[i])
	}

	copy(buf[dataStart:], dataBuf.Bytes())

	return buf
}
