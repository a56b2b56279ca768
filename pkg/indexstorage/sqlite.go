package indexstorage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/mrindex/pkg/fs"
)

// ErrClosed indicates an operation was attempted on a closed SQLiteStorage.
var ErrClosed = errors.New("indexstorage: closed")

const (
	// sqliteBusyTimeoutMs is the time SQLite waits when the database is
	// locked before returning SQLITE_BUSY.
	sqliteBusyTimeoutMs = 10000
)

// SQLiteStorage is the primary inverted index, backed by a SQLite database:
// one row per (key, inputId) pair. Single-writer; callers serialize mutating
// calls themselves (fileindex.Index's lock does this for the engine).
type SQLiteStorage[K comparable, V any] struct {
	path       string
	fsys       fs.FS
	keyCodec   Codec[K]
	valueCodec Codec[V]

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open creates or opens a SQLite-backed inverted index at path.
func Open[K comparable, V any](ctx context.Context, path string, fsys fs.FS, keyCodec Codec[K], valueCodec Codec[V]) (*SQLiteStorage[K, V], error) {
	if fsys == nil {
		panic("indexstorage.Open: fsys is nil")
	}

	if keyCodec == nil || valueCodec == nil {
		panic("indexstorage.Open: codecs must not be nil")
	}

	if err := fsys.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("indexstorage: creating parent dir: %w", err)
	}

	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}

	return &SQLiteStorage[K, V]{path: path, fsys: fsys, keyCodec: keyCodec, valueCodec: valueCodec, db: db}, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("indexstorage: sqlite open: %w", err)
	}

	// A single connection keeps per-connection PRAGMAs (journal_mode,
	// synchronous, ...) applying consistently to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		closeErr := db.Close()

		return nil, errors.Join(fmt.Errorf("indexstorage: sqlite ping: %w", err), closeErr)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA mmap_size = 268435456;
		PRAGMA cache_size = -20000;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeoutMs))
	if err != nil {
		closeErr := db.Close()

		return nil, errors.Join(fmt.Errorf("indexstorage: sqlite apply pragmas: %w", err), closeErr)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS entries (
			key_bytes   BLOB NOT NULL,
			input_id    INTEGER NOT NULL,
			value_bytes BLOB NOT NULL,
			PRIMARY KEY (key_bytes, input_id)
		);
		CREATE INDEX IF NOT EXISTS entries_by_key ON entries(key_bytes);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		closeErr := db.Close()

		return nil, errors.Join(fmt.Errorf("indexstorage: creating schema: %w", err), closeErr)
	}

	return db, nil
}

func (s *SQLiteStorage[K, V]) encodeKey(key K) ([]byte, error) {
	var buf bytes.Buffer

	if err := s.keyCodec.Save(&buf, key); err != nil {
		return nil, fmt.Errorf("indexstorage: encoding key: %w", err)
	}

	return buf.Bytes(), nil
}

// AddValue records (key, inputID, value), replacing any existing value for
// the same (key, inputID) pair.
func (s *SQLiteStorage[K, V]) AddValue(ctx context.Context, key K, inputID uint32, value V) error {
	keyBytes, err := s.encodeKey(key)
	if err != nil {
		return err
	}

	var valBuf bytes.Buffer
	if err := s.valueCodec.Save(&valBuf, value); err != nil {
		return fmt.Errorf("indexstorage: encoding value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries(key_bytes, input_id, value_bytes) VALUES (?, ?, ?)
		 ON CONFLICT(key_bytes, input_id) DO UPDATE SET value_bytes = excluded.value_bytes`,
		keyBytes, inputID, valBuf.Bytes())
	if err != nil {
		return fmt.Errorf("indexstorage: AddValue: %w", err)
	}

	return nil
}

// RemoveAllValues deletes the (key, inputID) entry, if present.
func (s *SQLiteStorage[K, V]) RemoveAllValues(ctx context.Context, key K, inputID uint32) error {
	keyBytes, err := s.encodeKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM entries WHERE key_bytes = ? AND input_id = ?`, keyBytes, inputID)
	if err != nil {
		return fmt.Errorf("indexstorage: RemoveAllValues: %w", err)
	}

	return nil
}

// Read returns the ValueContainer for key. A key with no entries yields an
// empty, non-nil container and a nil error.
func (s *SQLiteStorage[K, V]) Read(ctx context.Context, key K) (ValueContainer[V], error) {
	keyBytes, err := s.encodeKey(key)
	if err != nil {
		return ValueContainer[V]{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ValueContainer[V]{}, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT input_id, value_bytes FROM entries WHERE key_bytes = ? ORDER BY input_id`, keyBytes)
	if err != nil {
		return ValueContainer[V]{}, fmt.Errorf("indexstorage: Read: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var entries []Entry[V]

	for rows.Next() {
		var (
			inputID   uint32
			valueByte []byte
		)

		if err := rows.Scan(&inputID, &valueByte); err != nil {
			return ValueContainer[V]{}, fmt.Errorf("indexstorage: Read: scanning row: %w", err)
		}

		val, err := s.valueCodec.Read(bytes.NewReader(valueByte))
		if err != nil {
			return ValueContainer[V]{}, fmt.Errorf("indexstorage: Read: decoding value: %w", err)
		}

		entries = append(entries, Entry[V]{InputID: inputID, Value: val})
	}

	if err := rows.Err(); err != nil {
		return ValueContainer[V]{}, fmt.Errorf("indexstorage: Read: %w", err)
	}

	return ValueContainer[V]{Entries: entries}, nil
}

// ProcessKeys visits every distinct key currently present, in ascending
// byte-encoded order, for which filter (if non-nil) returns true. Visiting
// stops early, returning false, if visit returns false.
func (s *SQLiteStorage[K, V]) ProcessKeys(ctx context.Context, filter func(K) bool, visit func(K, ValueContainer[V]) (bool, error)) (bool, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return false, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key_bytes FROM entries ORDER BY key_bytes`)

	s.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("indexstorage: ProcessKeys: %w", err)
	}

	var keyBlobs [][]byte

	for rows.Next() {
		var kb []byte
		if err := rows.Scan(&kb); err != nil {
			_ = rows.Close()

			return false, fmt.Errorf("indexstorage: ProcessKeys: scanning key: %w", err)
		}

		keyBlobs = append(keyBlobs, kb)
	}

	rowsErr := rows.Err()
	_ = rows.Close()

	if rowsErr != nil {
		return false, fmt.Errorf("indexstorage: ProcessKeys: %w", rowsErr)
	}

	for _, kb := range keyBlobs {
		key, err := s.keyCodec.Read(bytes.NewReader(kb))
		if err != nil {
			return false, fmt.Errorf("indexstorage: ProcessKeys: decoding key: %w", err)
		}

		if filter != nil && !filter(key) {
			continue
		}

		container, err := s.Read(ctx, key)
		if err != nil {
			return false, err
		}

		cont, err := visit(key, container)
		if err != nil {
			return false, err
		}

		if !cont {
			return false, nil
		}
	}

	return true, nil
}

// Flush checkpoints the write-ahead log back into the main database file.
func (s *SQLiteStorage[K, V]) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return fmt.Errorf("indexstorage: Flush: %w", err)
	}

	return nil
}

// Clear deletes the database and its WAL/SHM siblings and reopens an empty
// one at the same path, mirroring pkg/mddb's rebuild-into-temp pattern
// simplified to a full destructive reset (this index has no recovery log to
// preserve across Clear).
func (s *SQLiteStorage[K, V]) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("indexstorage: Clear: closing old db: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := s.fsys.Remove(s.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("indexstorage: Clear: removing %s%s: %w", s.path, suffix, err)
		}
	}

	db, err := openSQLite(ctx, s.path)
	if err != nil {
		return fmt.Errorf("indexstorage: Clear: reopening: %w", err)
	}

	s.db = db

	return nil
}

// Close releases the underlying SQLite connection. Idempotent.
func (s *SQLiteStorage[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("indexstorage: Close: %w", err)
	}

	return nil
}

