package fileindex

import (
	"io"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/calvinalkan/mrindex/pkg/fs"
	"github.com/calvinalkan/mrindex/pkg/kvstore"
)

// testCodec is a length-prefixed string codec satisfying kvstore.Codec[string],
// used for both keys and values in these tests.
type testCodec struct{}

func (testCodec) Save(w io.Writer, v string) error {
	b := []byte(v)

	if _, err := w.Write([]byte{byte(len(b))}); err != nil {
		return err
	}

	_, err := w.Write(b)

	return err
}

func (testCodec) Read(r io.Reader) (string, error) {
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

func openTestContentsMap(t *testing.T) *ContentsMap[string, string] {
	t.Helper()

	pm, err := kvstore.Open[HashID, []byte](filepath.Join(t.TempDir(), "values"), fs.NewReal(), hashIDCodec{}, bytesCodec{})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}

	return newContentsMap[string, string](pm, testCodec{}, testCodec{}, nil)
}

func Test_ContentsMap_RoundTrips_Multiple_Keys_Sharing_A_Value(t *testing.T) {
	t.Parallel()

	cm := openTestContentsMap(t)

	data := map[string]string{"a": "same", "b": "same", "c": "different"}

	if err := cm.Put(1, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := cm.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !ok {
		t.Fatalf("Get(1): ok = false, want true")
	}

	if !reflect.DeepEqual(got, data) {
		t.Fatalf("Get(1) = %v, want %v", got, data)
	}
}

func Test_ContentsMap_Encode_Is_Deterministic_Across_Map_Iteration_Order(t *testing.T) {
	t.Parallel()

	cm := openTestContentsMap(t)

	data := map[string]string{"a": "x", "b": "y", "c": "z", "d": "x"}

	raw1, err := cm.encode(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	raw2, err := cm.encode(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if string(raw1) != string(raw2) {
		t.Fatalf("encode is not deterministic across repeated calls on the same map")
	}
}

func Test_ContentsMap_Get_Missing_Hash_Returns_False(t *testing.T) {
	t.Parallel()

	cm := openTestContentsMap(t)

	_, ok, err := cm.Get(999)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if ok {
		t.Fatalf("Get(999): ok = true, want false")
	}
}
