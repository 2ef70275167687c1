package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pixiu.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorldLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w, err := s.CreateWorld(ctx, "user:a", "Eldoria", "misty isles")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.ID == "" || w.CreatedAt.IsZero() {
		t.Fatalf("unexpected world: %#v", w)
	}

	got, err := s.GetWorld(ctx, "user:a", w.ID)
	if err != nil || got.Name != "Eldoria" || got.Description != "misty isles" {
		t.Fatalf("get: %#v err=%v", got, err)
	}
	if _, err := s.GetWorld(ctx, "user:b", w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other owner must not see world, err=%v", err)
	}

	updated, err := s.UpdateWorld(ctx, "user:a", w.ID, "Eldoria II", "")
	if err != nil || updated.Name != "Eldoria II" {
		t.Fatalf("update: %#v err=%v", updated, err)
	}

	if _, err := s.CreateWorld(ctx, "user:a", "Second", ""); err != nil {
		t.Fatalf("create second: %v", err)
	}
	list, err := s.ListWorlds(ctx, "user:a")
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %d err=%v", len(list), err)
	}
	if others, _ := s.ListWorlds(ctx, "user:b"); len(others) != 0 {
		t.Fatalf("other owner list = %d", len(others))
	}

	if err := s.DeleteWorld(ctx, "user:a", w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteWorld(ctx, "user:a", w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestImageBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	data := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}

	rec, err := s.SaveImage(ctx, "ip:10.0.0.1", "castle", "image/png", data)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetImage(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Data, data) || got.ContentType != "image/png" || got.Size != len(data) {
		t.Fatalf("unexpected image: %#v", got)
	}
	if _, err := s.GetImage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
}

func TestCredentialUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCredential(ctx, "user:a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if err := s.PutCredential(ctx, "user:a", []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCredential(ctx, "user:a", []byte("two")); err != nil {
		t.Fatalf("put again: %v", err)
	}
	got, err := s.GetCredential(ctx, "user:a")
	if err != nil || string(got) != "two" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if err := s.DeleteCredential(ctx, "user:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteCredential(ctx, "user:a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}
