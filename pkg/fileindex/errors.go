package fileindex

import (
	"errors"
	"fmt"
)

// ErrDisposed is returned by Update, GetData, ProcessAllKeys, Flush, and Clear
// once Dispose has completed.
var ErrDisposed = errors.New("fileindex: index is disposed")

// ErrMissingIndexer is returned by Open when Options.Indexer is nil.
var ErrMissingIndexer = errors.New("fileindex: Options.Indexer is required")

// ErrMissingExternalizer is returned by Open when a KeyExternalizer or
// ValueExternalizer is nil.
var ErrMissingExternalizer = errors.New("fileindex: Options.KeyExternalizer and Options.ValueExternalizer are required")

// StorageError wraps a failure from one of the engine's durable stores
// (a persistent map, the SQLite-backed index, or the snapshot/contents
// pair). Seeing one generally means OnRebuildRequested has fired.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("fileindex: storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ContractViolation reports an ExtraSanity failure: an indexer that wasn't
// deterministic, or an externalizer whose Read didn't reproduce what Save
// wrote. Reported to Options.Diagnostics, never returned from Update.
type ContractViolation struct {
	What string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("fileindex: contract violation: %s", e.What)
}
