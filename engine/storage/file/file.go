// Package file implements a workflow persistence backend using a
// single JSON file written atomically via temp-file and rename.
package file

import (
	"github.com/micromdm/nanoupdate/engine/storage/kv"
	"github.com/micromdm/nanoupdate/utils/kv/kvfile"
)

// File is a single-file workflow persistence backend.
type File struct {
	*kv.KV
}

// New creates a file-backed persistence store rooted at dir.
func New(dir string) (*File, error) {
	b, err := kvfile.NewBucket(dir)
	if err != nil {
		return nil, err
	}
	return &File{KV: kv.New(b)}, nil
}
