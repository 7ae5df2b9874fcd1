package archive

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/storage"
)

func exportTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"index.html":                   "<html>root</html>",
		"Me/index.html":                "<html>me</html>",
		"Me/Alice_files/Data/msg-1.js": "wxexp.pages[1] = [];",
		".wxexp/wxexp.dat":             "{}",
		".wxexp/export.lock":           "",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestArchiveAndExtract(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	cfg := config.ArchiveConfig{Enabled: true, Compression: "zstd", Encryption: true, EncryptionKey: key, KeepLast: 1}
	a, err := New(cfg, "exports", store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	old := "exports/iPhone/20200101T000000Z_export.tar.zst.enc"
	if err := store.Put(ctx, old, strings.NewReader("old"), 3, nil); err != nil {
		t.Fatalf("seed old archive: %v", err)
	}

	m, err := a.Archive(ctx, Input{Output: exportTree(t), Device: "iPhone", Sessions: 1, Options: "incremental"})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(m.Key, "exports/iPhone/") || !strings.HasSuffix(m.Key, "_export.tar.zst.enc") {
		t.Fatalf("unexpected key: %s", m.Key)
	}
	if m.Files != 4 || !m.Encryption || m.Compression != "zstd" || m.ID == "" {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	archives, err := a.List(ctx, "iPhone")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(archives) != 1 || archives[0].Key != m.Key {
		t.Fatalf("retention should keep only the newest archive: %+v", archives)
	}

	dest := t.TempDir()
	n, err := a.Extract(ctx, m.Key, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if n != 4 {
		t.Fatalf("unexpected file count: %d", n)
	}
	data, err := os.ReadFile(filepath.Join(dest, "Me", "Alice_files", "Data", "msg-1.js"))
	if err != nil || string(data) != "wxexp.pages[1] = [];" {
		t.Fatalf("unexpected extracted file: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".wxexp", "export.lock")); !os.IsNotExist(err) {
		t.Fatalf("lock file should not be archived: %v", err)
	}
}

func TestPlainArchiveWithoutManifest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	a, err := New(config.ArchiveConfig{Compression: "gzip"}, "", store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	m, err := a.Archive(ctx, Input{Output: exportTree(t), Device: "iPad"})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := store.Delete(ctx, storage.ManifestKey(m.Key)); err != nil {
		t.Fatalf("delete manifest: %v", err)
	}
	if _, err := a.Extract(ctx, m.Key, t.TempDir()); err != nil {
		t.Fatalf("extract should fall back to the key suffix: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(config.ArchiveConfig{Compression: "lz4"}, "", nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected compression error")
	}
	if _, err := New(config.ArchiveConfig{Encryption: true}, "", nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing key error")
	}
}
