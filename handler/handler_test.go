package handler

import (
	"errors"
	"testing"

	"github.com/micromdm/nanoupdate/handler/simulator"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Lookup("nanoupdate/simulator:1"); !errors.Is(err, ErrNoSuchHandler) {
		t.Errorf("expected ErrNoSuchHandler, got %v", err)
	}

	if err := r.Register("", func() ContentHandler { return simulator.New() }); err == nil {
		t.Error("expected error registering empty update type")
	}
	if err := r.Register("nanoupdate/simulator:1", nil); err == nil {
		t.Error("expected error registering nil factory")
	}

	if err := r.Register(simulator.UpdateType, func() ContentHandler { return simulator.New() }); err != nil {
		t.Fatal(err)
	}
	if !r.Registered(simulator.UpdateType) {
		t.Error("expected update type to be registered")
	}

	h1, err := r.Lookup(simulator.UpdateType)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.Lookup(simulator.UpdateType)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("lookup should instantiate a fresh handler per call")
	}
}
