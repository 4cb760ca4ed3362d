// Package kvfile implements a key-value store where each key is a file in a directory.
// Values are written to a temporary file first and then renamed into
// place so that readers never observe a partially-written value.
package kvfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/micromdm/nanoupdate/utils/kv"
)

const tmpPrefix = ".tmp."

// KVFile is a file-per-key key-value store with atomic writes.
type KVFile struct {
	dir string
}

// NewBucket creates (if needed) dir and returns a bucket backed by it.
func NewBucket(dir string) (*KVFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &KVFile{dir: dir}, nil
}

func (s *KVFile) path(k string) string {
	return filepath.Join(s.dir, k)
}

// Get returns the value for k, or an error wrapping kv.ErrKeyNotFound
// when no such key file exists.
func (s *KVFile) Get(_ context.Context, k string) ([]byte, error) {
	v, err := os.ReadFile(s.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", kv.ErrKeyNotFound, k)
	}
	return v, err
}

// Set writes v to a temporary file and renames it over the key file.
func (s *KVFile) Set(_ context.Context, k string, v []byte) error {
	tmp, err := os.CreateTemp(s.dir, tmpPrefix+k+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(k))
}

func (s *KVFile) Has(_ context.Context, k string) (bool, error) {
	_, err := os.Stat(s.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *KVFile) Delete(_ context.Context, k string) error {
	err := os.Remove(s.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Keys returns the keys in this bucket.
// Leftover temporary files are not considered keys.
func (s *KVFile) Keys(cancel <-chan struct{}) <-chan string {
	r := make(chan string)
	go func() {
		defer close(r)
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), tmpPrefix) {
				continue
			}
			select {
			case <-cancel:
				return
			case r <- entry.Name():
			}
		}
	}()
	return r
}
