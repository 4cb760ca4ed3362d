// Package diskv implements a workflow persistence backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanoupdate/engine/storage/kv"
	"github.com/micromdm/nanoupdate/utils/kv/kvdiskv"

	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed workflow persistence backend.
type Diskv struct {
	*kv.KV
}

func New(path string) *Diskv {
	flatTransform := func(s string) []string { return []string{} }
	return &Diskv{KV: kv.New(kvdiskv.NewBucket(diskv.New(diskv.Options{
		BasePath:     filepath.Join(path, "workflow"),
		Transform:    flatTransform,
		CacheSizeMax: 1024 * 1024,
	})))}
}
