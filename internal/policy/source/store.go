package source

import (
	"context"
	"fmt"
)

// Loader reads a raw policy document; nil means none stored.
type Loader interface {
	LoadPolicy(ctx context.Context) ([]byte, error)
}

// StoreSource serves the document last saved through the admin API into a
// shared store (Redis).
type StoreSource struct {
	loader Loader
}

func NewStoreSource(l Loader) *StoreSource {
	return &StoreSource{loader: l}
}

func (s *StoreSource) Name() string { return "store" }

func (s *StoreSource) Fetch(ctx context.Context) (Payload, error) {
	raw, err := s.loader.LoadPolicy(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("load stored policy: %w", err)
	}
	if len(raw) == 0 {
		return Payload{Version: "none"}, nil
	}
	doc, err := Parse(raw, "json")
	if err != nil {
		return Payload{}, err
	}
	return Payload{Doc: doc, Version: Version(raw)}, nil
}
