// Command mrindex-demo is a playground CLI for the fileindex package.
//
// Usage:
//
//	mrindex-demo update <id> <text>...
//	mrindex-demo get <key>
//	mrindex-demo list [--prefix=str]
//	mrindex-demo flush
//	mrindex-demo clear
//	mrindex-demo buffer-demo
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/mrindex/pkg/fileindex"
	"github.com/calvinalkan/mrindex/pkg/indexstorage"
)

const dataDir = "/tmp/mrindex-demo"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage())
	}

	ctx := context.Background()

	switch args[0] {
	case "update":
		return cmdUpdate(ctx, args[1:])
	case "get":
		return cmdGet(ctx, args[1:])
	case "list":
		return cmdList(ctx, args[1:])
	case "flush":
		return cmdFlush(ctx)
	case "clear":
		return cmdClear(ctx)
	case "buffer-demo":
		return cmdBufferDemo(ctx)
	case "help", "-h", "--help":
		fmt.Println(usage())
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage())
	}
}

func usage() string {
	return `mrindex-demo playground CLI

Commands:
  update <id> <text>...    Tokenize text on whitespace and index each token under the given input id
  get <key>                Print the (inputId, value) pairs stored under a key
  list [--prefix=str]      List every key currently present, optionally filtered by prefix
  flush                    Force all durable maps to disk
  clear                    Wipe the index back to empty
  buffer-demo              Demonstrate begin/cancel buffering around a throwaway update

Data: ` + dataDir + `

Examples:
  mrindex-demo update 7 "a b c"
  mrindex-demo update 7 "b c d"
  mrindex-demo get b
  mrindex-demo list --prefix=c
  mrindex-demo clear`
}

// wordCountIndexer maps each whitespace-separated token to its uppercased
// form, the Key/Value shape the end-to-end scenarios in SPEC_FULL.md §8
// use.
func wordCountIndexer(content *fileindex.Content) (map[string]string, error) {
	if content == nil {
		return map[string]string{}, nil
	}

	fields := strings.Fields(string(content.Bytes))
	out := make(map[string]string, len(fields))

	for _, f := range fields {
		out[f] = strings.ToUpper(f)
	}

	return out, nil
}

// stringExternalizer is a length-prefixed string codec used for both the
// Key and Value type parameters of this demo's Index.
type stringExternalizer struct{}

func (stringExternalizer) Save(w io.Writer, v string) error {
	b := []byte(v)

	var lenBuf [4]byte
	lenBuf[0] = byte(len(b) >> 24)
	lenBuf[1] = byte(len(b) >> 16)
	lenBuf[2] = byte(len(b) >> 8)
	lenBuf[3] = byte(len(b))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}

	_, err := w.Write(b)

	return err
}

func (stringExternalizer) Read(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}

	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

func openIndex(ctx context.Context) (*fileindex.Index[string, string], error) {
	opts := fileindex.Options[string, string]{
		KeyExternalizer:   stringExternalizer{},
		ValueExternalizer: stringExternalizer{},
		Indexer:           wordCountIndexer,
		SnapshotMapping:   true,
		Diagnostics:       os.Stderr,
	}

	return fileindex.Open[string, string](ctx, dataDir, opts)
}

func cmdUpdate(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: mrindex-demo update <id> <text>...")
	}

	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid input id %q: %w", args[0], err)
	}

	text := strings.Join(args[1:], " ")

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Dispose()

	ran, err := idx.Update(ctx, uint32(id), &fileindex.Content{Bytes: []byte(text), Physical: true})
	if err != nil {
		return err
	}

	if ran {
		fmt.Printf("indexed %d: %q (indexer ran)\n", id, text)
	} else {
		fmt.Printf("indexed %d: %q (reused cached indexer result)\n", id, text)
	}

	return nil
}

func cmdGet(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: mrindex-demo get <key>")
	}
	key := args[0]

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Dispose()

	vc, err := idx.GetData(ctx, key)
	if err != nil {
		return err
	}

	if vc.IsEmpty() {
		fmt.Printf("%s: (no entries)\n", key)
		return nil
	}

	for _, e := range vc.Entries {
		fmt.Printf("%s: (%d, %q)\n", key, e.InputID, e.Value)
	}

	return nil
}

func cmdList(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	prefix := flags.String("prefix", "", "only list keys with this prefix")
	if err := flags.Parse(args); err != nil {
		return err
	}

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Dispose()

	count := 0
	_, err = idx.ProcessAllKeys(ctx, func(k string) bool {
		return strings.HasPrefix(k, *prefix)
	}, func(k string, vc indexstorage.ValueContainer[string]) (bool, error) {
		fmt.Printf("%s (%d entries)\n", k, len(vc.Entries))
		count++
		return true, nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n%d key(s)\n", count)

	return nil
}

func cmdFlush(ctx context.Context) error {
	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Dispose()

	if err := idx.Flush(ctx); err != nil {
		return err
	}

	fmt.Println("flushed")

	return nil
}

func cmdClear(ctx context.Context) error {
	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Dispose()

	if err := idx.Clear(ctx); err != nil {
		return err
	}

	fmt.Println("cleared")

	return nil
}

// cmdBufferDemo walks through scenario 5 of the test matrix: a write made
// during a buffering session is visible to a caller on the same index, then
// disappears once the session is cancelled.
func cmdBufferDemo(ctx context.Context) error {
	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Dispose()

	idx.BeginBuffering()

	if _, err := idx.Update(ctx, 999, &fileindex.Content{Bytes: []byte("buffered"), Physical: true}); err != nil {
		_ = idx.EndBuffering(ctx, false)
		return err
	}

	vc, err := idx.GetData(ctx, "buffered")
	if err != nil {
		_ = idx.EndBuffering(ctx, false)
		return err
	}
	fmt.Printf("while buffering, getData(\"buffered\") has %d entries\n", len(vc.Entries))

	if err := idx.EndBuffering(ctx, false); err != nil {
		return err
	}

	vc, err = idx.GetData(ctx, "buffered")
	if err != nil {
		return err
	}
	fmt.Printf("after cancel, getData(\"buffered\") has %d entries\n", len(vc.Entries))

	return nil
}
