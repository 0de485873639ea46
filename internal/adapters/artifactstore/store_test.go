package artifactstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return store
}

func TestStoreSaveAndStat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	art, err := store.Save(ctx, "4006381333931.jpg", strings.NewReader("image bytes"))
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if art.Name != "4006381333931.jpg" {
		t.Fatalf("unexpected name: %s", art.Name)
	}
	if art.ByteSize != int64(len("image bytes")) {
		t.Fatalf("unexpected size: %d", art.ByteSize)
	}
	if art.MimeType != "image/jpeg" {
		t.Fatalf("unexpected mime type: %s", art.MimeType)
	}

	stat, err := store.Stat("4006381333931.jpg")
	if err != nil {
		t.Fatalf("Stat error: %v", err)
	}
	if stat.ByteSize != art.ByteSize {
		t.Fatalf("stat size mismatch: %d vs %d", stat.ByteSize, art.ByteSize)
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "a.jpg", strings.NewReader("first")); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := store.Save(ctx, "a.jpg", strings.NewReader("second write")); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	rc, err := store.Open("a.jpg")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "second write" {
		t.Fatalf("expected last write to win, got %q", data)
	}
}

func TestStoreSaveRejectsOversized(t *testing.T) {
	store, err := New(Config{Root: t.TempDir(), MaxBytes: 8})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	_, err = store.Save(context.Background(), "big.jpg", strings.NewReader("way more than eight bytes"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	// The failed write must not leave a visible artifact.
	if _, err := store.Stat("big.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after rejected save, got %v", err)
	}
	artifacts, err := store.List()
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %d", len(artifacts))
	}
}

func TestStoreRejectsEscapingNames(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"", "../escape.jpg", "a/b.jpg", ".hidden"} {
		if _, err := store.Save(context.Background(), name, strings.NewReader("x")); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Save(%q): expected ErrInvalidName, got %v", name, err)
		}
		if _, err := store.Open(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Open(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "gone.jpg", strings.NewReader("x")); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Delete("gone.jpg"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := store.Delete("gone.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStoreListSkipsTempFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"one.jpg", "two.png"} {
		if _, err := store.Save(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatalf("Save(%q) error: %v", name, err)
		}
	}

	artifacts, err := store.List()
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}
	for _, art := range artifacts {
		if strings.HasPrefix(art.Name, ".") {
			t.Fatalf("temp file leaked into listing: %s", art.Name)
		}
	}
}
