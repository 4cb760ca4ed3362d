package inmem

import (
	"testing"

	"github.com/micromdm/nanoupdate/engine/storage/test"
)

func TestInmemStorage(t *testing.T) {
	test.TestWorkflowStorage(t, New())
}
