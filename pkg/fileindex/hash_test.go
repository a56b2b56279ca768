package fileindex_test

import (
	"path/filepath"
	"testing"

	"github.com/calvinalkan/mrindex/pkg/fileindex"
	"github.com/calvinalkan/mrindex/pkg/fs"
)

func openHashCache(t *testing.T) *fileindex.ContentHashCache {
	t.Helper()

	c, err := fileindex.OpenContentHashCache(filepath.Join(t.TempDir(), "contenthashes"), fs.NewReal())
	if err != nil {
		t.Fatalf("OpenContentHashCache: %v", err)
	}

	return c
}

func Test_Hash_Same_Bytes_Returns_Same_Id(t *testing.T) {
	t.Parallel()

	c := openHashCache(t)

	id1, err := c.Hash(&fileindex.Content{Bytes: []byte("hello"), Physical: true}, &fileindex.HashCache{})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	id2, err := c.Hash(&fileindex.Content{Bytes: []byte("hello"), Physical: true}, &fileindex.HashCache{})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("id1 = %d, id2 = %d, want equal", id1, id2)
	}
}

func Test_Hash_Different_Bytes_Returns_Different_Id(t *testing.T) {
	t.Parallel()

	c := openHashCache(t)

	id1, err := c.Hash(&fileindex.Content{Bytes: []byte("hello"), Physical: true}, &fileindex.HashCache{})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	id2, err := c.Hash(&fileindex.Content{Bytes: []byte("goodbye"), Physical: true}, &fileindex.HashCache{})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if id1 == id2 {
		t.Fatalf("id1 == id2 == %d, want different ids for different content", id1)
	}
}

func Test_Hash_Reuses_Cached_Id_Without_Reenumerating(t *testing.T) {
	t.Parallel()

	c := openHashCache(t)
	cache := &fileindex.HashCache{}

	id1, err := c.Hash(&fileindex.Content{Bytes: []byte("hello"), Physical: true}, cache)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	id2, err := c.Hash(&fileindex.Content{Bytes: []byte("anything else entirely"), Physical: true}, cache)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("id1 = %d, id2 = %d, want Hash to short-circuit on a populated cache", id1, id2)
	}
}

func Test_Hash_Physical_And_Uncommitted_Use_Disjoint_Id_Spaces(t *testing.T) {
	t.Parallel()

	c := openHashCache(t)

	physical, err := c.Hash(&fileindex.Content{Bytes: []byte("hello"), Physical: true}, &fileindex.HashCache{})
	if err != nil {
		t.Fatalf("Hash(physical): %v", err)
	}

	uncommitted, err := c.Hash(&fileindex.Content{Bytes: []byte("hello"), Physical: false}, &fileindex.HashCache{})
	if err != nil {
		t.Fatalf("Hash(uncommitted): %v", err)
	}

	if physical == uncommitted {
		t.Fatalf("physical id == uncommitted id == %d, want disjoint id spaces for equal bytes", physical)
	}
}
