package kvfile

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/micromdm/nanoupdate/utils/kv"
)

func TestKVFile(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBucket(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	if found, err := b.Has(ctx, "record"); err != nil {
		t.Fatal(err)
	} else if found {
		t.Error("expected key to not exist")
	}
	if _, err = b.Get(ctx, "record"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	if err = b.Set(ctx, "record", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	v, err := b.Get(ctx, "record")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, []byte("hello")) {
		t.Errorf("unexpected value: %s", v)
	}

	// overwrite in place
	if err = b.Set(ctx, "record", []byte("world")); err != nil {
		t.Fatal(err)
	}
	v, _ = b.Get(ctx, "record")
	if !bytes.Equal(v, []byte("world")) {
		t.Errorf("unexpected value after overwrite: %s", v)
	}

	// no temp files should linger after a successful write
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if entry.Name() != "record" {
			t.Errorf("unexpected leftover file: %s", filepath.Join(dir, entry.Name()))
		}
	}

	keys := make(map[string]bool)
	for k := range b.Keys(nil) {
		keys[k] = true
	}
	if !keys["record"] || len(keys) != 1 {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err = b.Delete(ctx, "record"); err != nil {
		t.Fatal(err)
	}
	if err = b.Delete(ctx, "record"); err != nil {
		t.Error("deleting a missing key should not error:", err)
	}
	if found, _ := b.Has(ctx, "record"); found {
		t.Error("expected key to be deleted")
	}
}
