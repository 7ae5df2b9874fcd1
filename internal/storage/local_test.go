package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rowjay/wxexp/internal/config"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	if err := store.Put(ctx, "dev/b.tar", strings.NewReader("bb"), 2, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "dev/a.tar", strings.NewReader("a"), 1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	reader, err := store.Get(ctx, "dev/b.tar")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(reader)
	reader.Close()
	if string(data) != "bb" {
		t.Fatalf("unexpected payload: %q", data)
	}

	objects, err := store.List(ctx, "dev")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 || objects[0].Key != "dev/a.tar" || objects[1].Size != 2 {
		t.Fatalf("unexpected listing: %+v", objects)
	}

	if err := store.Delete(ctx, "dev/a.tar"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err := store.Exists(ctx, "dev/a.tar"); err != nil || ok {
		t.Fatalf("expected deleted object to be gone: %v %v", ok, err)
	}
	if err := store.Delete(ctx, "dev/a.tar"); err != nil {
		t.Fatalf("deleting a missing object should succeed: %v", err)
	}
}

func TestLocalMissing(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Stat(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	objects, err := store.List(ctx, "missing/prefix")
	if err != nil || len(objects) != 0 {
		t.Fatalf("expected empty listing, got %v %v", objects, err)
	}
}

func TestManifestSidecar(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	m := Manifest{ID: "x", Key: "dev/a.tar", Device: "iPhone", Sessions: 3, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := WriteManifest(ctx, store, m); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	got, err := ReadManifest(ctx, store, "dev/a.tar")
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if got.Device != "iPhone" || got.Sessions != 3 || !got.CreatedAt.Equal(m.CreatedAt) {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	objects, _ := store.List(ctx, "dev")
	if len(objects) != 1 || !objects[0].IsManifest {
		t.Fatalf("sidecar should be flagged: %+v", objects)
	}
}

func TestFactory(t *testing.T) {
	if _, err := New(configFor("ftp")); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
	if _, err := New(configFor("s3")); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	s, err := New(configFor("local"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*Local); !ok {
		t.Fatalf("expected local backend, got %T", s)
	}
}

func configFor(backend string) config.StorageConfig {
	return config.StorageConfig{Backend: backend, Local: config.LocalStore{Path: "/tmp/wxexp-archives"}}
}
