package fileindex_test

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/mrindex/pkg/fileindex"
	"github.com/calvinalkan/mrindex/pkg/indexstorage"
)

// Test_Update_Diff_Matches_Independently_Computed_Model runs a short sequence
// of updates across several inputs and checks the resulting ValueContainer
// for every touched key against a model built independently in this test —
// the same "compare against a hand-built model" shape the teacher's
// pkg/slotcache state-model tests use, here scaled down to this module's
// diff protocol (P4/P5 in SPEC_FULL.md §8).
func Test_Update_Diff_Matches_Independently_Computed_Model(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, false)
	ctx := context.Background()

	type step struct {
		input fileindex.InputID
		text  string // empty means remove (nil content)
	}

	steps := []step{
		{1, "a b c"},
		{2, "b c d"},
		{1, "b c d"}, // P4: replace input 1's keys, "a" should drop out
		{3, "d e"},
		{2, ""}, // P5: remove input 2 entirely
	}

	// model[key] = inputId -> word count contributed by that input's content.
	model := make(map[string]map[fileindex.InputID]int)

	applyStep := func(s step) {
		var content *fileindex.Content
		if s.text != "" {
			content = &fileindex.Content{Bytes: []byte(s.text), Physical: true}
		}

		if _, err := idx.Update(ctx, s.input, content); err != nil {
			t.Fatalf("Update(%d, %q): %v", s.input, s.text, err)
		}

		var data map[string]int
		if content != nil {
			var err error
			data, err = wordCountIndexer(content)
			if err != nil {
				t.Fatalf("wordCountIndexer: %v", err)
			}
		}

		// Drop every prior contribution from this input before recording the
		// new one, mirroring the diff the engine itself performs.
		for key, producers := range model {
			delete(producers, s.input)
			if len(producers) == 0 {
				delete(model, key)
			}
		}

		for key, count := range data {
			if model[key] == nil {
				model[key] = make(map[fileindex.InputID]int)
			}
			model[key][s.input] = count
		}
	}

	for _, s := range steps {
		applyStep(s)
	}

	for key, producers := range model {
		want := modelToContainer(producers)

		got := getKeys(t, idx, key)

		if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b indexstorage.Entry[int]) bool {
			return a.InputID < b.InputID
		})); diff != "" {
			t.Fatalf("GetData(%q) mismatch (-want +got):\n%s", key, diff)
		}
	}

	// "a" only ever came from input 1, which later stopped producing it.
	if got := getKeys(t, idx, "a"); !got.IsEmpty() {
		t.Fatalf("GetData(\"a\") = %v, want empty", got)
	}
}

func modelToContainer(producers map[fileindex.InputID]int) indexstorage.ValueContainer[int] {
	entries := make([]indexstorage.Entry[int], 0, len(producers))
	for input, count := range producers {
		entries = append(entries, indexstorage.Entry[int]{InputID: input, Value: count})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].InputID < entries[j].InputID })

	return indexstorage.ValueContainer[int]{Entries: entries}
}
