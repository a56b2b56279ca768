package indexstorage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/mrindex/pkg/fs"
	"github.com/calvinalkan/mrindex/pkg/indexstorage"
)

type recordingListener struct {
	transitions []bool
	cleared     int
}

func (l *recordingListener) BufferingStateChanged(buffering bool) {
	l.transitions = append(l.transitions, buffering)
}

func (l *recordingListener) MemoryStorageCleared() {
	l.cleared++
}

func openMemoryStorage(t *testing.T, listener indexstorage.BufferingListener) (*indexstorage.MemoryIndexStorage[string, string], *indexstorage.SQLiteStorage[string, string]) {
	t.Helper()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "values.sqlite")

	base, err := indexstorage.Open[string, string](ctx, path, fs.NewReal(), stringCodec{}, stringCodec{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = base.Close() })

	return indexstorage.NewMemoryIndexStorage[string, string](base, stringCodec{}, listener), base
}

func Test_MemoryIndexStorage_Writes_Invisible_To_Base_While_Buffering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem, base := openMemoryStorage(t, nil)

	mem.BeginBuffering()

	if err := mem.AddValue(ctx, "a", 7, "A"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}

	vc, err := base.Read(ctx, "a")
	if err != nil {
		t.Fatalf("base.Read: %v", err)
	}

	if !vc.IsEmpty() {
		t.Fatalf("base.Read(a) while buffering = %+v, want empty", vc)
	}

	vc, err = mem.Read(ctx, "a")
	if err != nil {
		t.Fatalf("mem.Read: %v", err)
	}

	if len(vc.Entries) != 1 || vc.Entries[0].Value != "A" {
		t.Fatalf("mem.Read(a) while buffering = %+v, want [{7 A}]", vc.Entries)
	}
}

func Test_MemoryIndexStorage_EndBuffering_Commit_Persists_To_Base(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem, base := openMemoryStorage(t, nil)

	mem.BeginBuffering()

	if err := mem.AddValue(ctx, "a", 7, "A"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}

	if err := mem.EndBuffering(ctx, true); err != nil {
		t.Fatalf("EndBuffering: %v", err)
	}

	vc, err := base.Read(ctx, "a")
	if err != nil {
		t.Fatalf("base.Read: %v", err)
	}

	if len(vc.Entries) != 1 || vc.Entries[0].Value != "A" {
		t.Fatalf("base.Read(a) after commit = %+v, want [{7 A}]", vc.Entries)
	}
}

func Test_MemoryIndexStorage_EndBuffering_Discard_Leaves_Base_Untouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem, base := openMemoryStorage(t, nil)

	mem.BeginBuffering()

	if err := mem.AddValue(ctx, "a", 7, "A"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}

	if err := mem.EndBuffering(ctx, false); err != nil {
		t.Fatalf("EndBuffering: %v", err)
	}

	vc, err := base.Read(ctx, "a")
	if err != nil {
		t.Fatalf("base.Read: %v", err)
	}

	if !vc.IsEmpty() {
		t.Fatalf("base.Read(a) after discard = %+v, want empty", vc)
	}

	vc, err = mem.Read(ctx, "a")
	if err != nil {
		t.Fatalf("mem.Read: %v", err)
	}

	if !vc.IsEmpty() {
		t.Fatalf("mem.Read(a) after discard = %+v, want empty", vc)
	}
}

func Test_MemoryIndexStorage_Notifies_Listener_On_Transitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	listener := &recordingListener{}
	mem, _ := openMemoryStorage(t, listener)

	mem.BeginBuffering()

	if err := mem.EndBuffering(ctx, true); err != nil {
		t.Fatalf("EndBuffering: %v", err)
	}

	if len(listener.transitions) != 2 || listener.transitions[0] != true || listener.transitions[1] != false {
		t.Fatalf("transitions = %v, want [true false]", listener.transitions)
	}

	if listener.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", listener.cleared)
	}
}

func Test_MemoryIndexStorage_EndBuffering_Without_Begin_Returns_Error(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem, _ := openMemoryStorage(t, nil)

	err := mem.EndBuffering(ctx, true)
	if err == nil {
		t.Fatalf("EndBuffering without BeginBuffering: err=nil, want ErrNotBuffering")
	}
}

func Test_MemoryIndexStorage_Writes_Go_Direct_To_Base_When_Not_Buffering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem, base := openMemoryStorage(t, nil)

	if err := mem.AddValue(ctx, "a", 7, "A"); err != nil {
		t.Fatalf("AddValue: %v", err)
	}

	vc, err := base.Read(ctx, "a")
	if err != nil {
		t.Fatalf("base.Read: %v", err)
	}

	if len(vc.Entries) != 1 {
		t.Fatalf("base.Read(a) = %+v, want 1 entry", vc.Entries)
	}
}
