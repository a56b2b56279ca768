package indexstorage_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/mrindex/pkg/fs"
	"github.com/calvinalkan/mrindex/pkg/indexstorage"
)

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

func openStorage(t *testing.T) *indexstorage.SQLiteStorage[string, string] {
	t.Helper()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "values.sqlite")

	st, err := indexstorage.Open[string, string](ctx, path, fs.NewReal(), stringCodec{}, stringCodec{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func Test_AddValue_Then_Read_Returns_Entry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	require.NoError(t, st.AddValue(ctx, "a", 7, "A"))

	vc, err := st.Read(ctx, "a")
	require.NoError(t, err)
	require.Len(t, vc.Entries, 1)
	require.Equal(t, uint32(7), vc.Entries[0].InputID)
	require.Equal(t, "A", vc.Entries[0].Value)
}

func Test_AddValue_Overwrites_Same_Key_And_Input(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	require.NoError(t, st.AddValue(ctx, "a", 7, "A"))
	require.NoError(t, st.AddValue(ctx, "a", 7, "B"))

	vc, err := st.Read(ctx, "a")
	require.NoError(t, err)
	require.Len(t, vc.Entries, 1)
	require.Equal(t, "B", vc.Entries[0].Value)
}

func Test_RemoveAllValues_Deletes_Entry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	require.NoError(t, st.AddValue(ctx, "a", 7, "A"))
	require.NoError(t, st.RemoveAllValues(ctx, "a", 7))

	vc, err := st.Read(ctx, "a")
	require.NoError(t, err)
	require.True(t, vc.IsEmpty())
}

func Test_Read_Missing_Key_Returns_Empty_Container(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	vc, err := st.Read(ctx, "missing")
	require.NoError(t, err)
	require.True(t, vc.IsEmpty())
}

func Test_ProcessKeys_Visits_All_Keys_In_Order(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	require.NoError(t, st.AddValue(ctx, "b", 1, "B"))
	require.NoError(t, st.AddValue(ctx, "a", 1, "A"))
	require.NoError(t, st.AddValue(ctx, "c", 1, "C"))

	var visited []string

	cont, err := st.ProcessKeys(ctx, nil, func(k string, vc indexstorage.ValueContainer[string]) (bool, error) {
		visited = append(visited, k)

		return true, nil
	})
	require.NoError(t, err)
	require.True(t, cont)
	require.Equal(t, []string{"a", "b", "c"}, visited)
}

func Test_ProcessKeys_Stops_When_Visitor_Returns_False(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	require.NoError(t, st.AddValue(ctx, "a", 1, "A"))
	require.NoError(t, st.AddValue(ctx, "b", 1, "B"))

	count := 0

	cont, err := st.ProcessKeys(ctx, nil, func(string, indexstorage.ValueContainer[string]) (bool, error) {
		count++

		return false, nil
	})
	require.NoError(t, err)
	require.False(t, cont)
	require.Equal(t, 1, count)
}

func Test_Clear_Removes_All_Entries_And_Reopens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	require.NoError(t, st.AddValue(ctx, "a", 1, "A"))
	require.NoError(t, st.Clear(ctx))

	vc, err := st.Read(ctx, "a")
	require.NoError(t, err)
	require.True(t, vc.IsEmpty())

	// Storage usable after Clear.
	require.NoError(t, st.AddValue(ctx, "b", 2, "B"))

	vc, err = st.Read(ctx, "b")
	require.NoError(t, err)
	require.Len(t, vc.Entries, 1)
}

func Test_Close_Then_Operation_Returns_ErrClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStorage(t)

	require.NoError(t, st.Close())

	_, err := st.Read(ctx, "a")
	require.ErrorIs(t, err, indexstorage.ErrClosed)
}
