// Package inmem implements a workflow persistence backend using a map-based key-value store.
package inmem

import (
	"github.com/micromdm/nanoupdate/engine/storage/kv"
	"github.com/micromdm/nanoupdate/utils/kv/kvmap"
)

// InMem is an in-memory workflow persistence backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.NewBucket())}
}
