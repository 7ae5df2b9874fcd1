package main

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/backup/backuptest"
	"github.com/rowjay/wxexp/internal/config"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{}
	cfg.Archive.Compression = "ZSTD"
	root := &rootFlags{LogLevel: "debug", BackupPath: "/backups", Output: "/out"}
	store := &storageFlags{Storage: "S3", S3Bucket: "exports", S3UseSSL: "true", EncryptionKey: "k"}
	applyOverrides(cfg, root, store)

	if cfg.Global.LogLevel != "debug" || cfg.Backup.Path != "/backups" || cfg.Export.Output != "/out" {
		t.Fatalf("root flags not applied: %+v", cfg)
	}
	if cfg.Storage.Backend != "s3" || cfg.Storage.S3.Bucket != "exports" || !cfg.Storage.S3.UseSSL {
		t.Fatalf("storage flags not applied: %+v", cfg.Storage)
	}
	if cfg.Archive.Compression != "zstd" || cfg.Archive.EncryptionKey != "k" {
		t.Fatalf("archive flags not applied: %+v", cfg.Archive)
	}
}

func TestApplyExportFlagsOnlyChanged(t *testing.T) {
	cmd := newExportCmd(&rootFlags{}, &storageFlags{})
	if err := cmd.ParseFlags([]string{"--descending", "--incremental=false", "--page-size", "50", "--only", "wxid_me:bob"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{}
	cfg.Export.Incremental = true
	cfg.Export.IgnoreEmoji = true

	flags := &exportFlags{Descending: true, PageSize: 50, Only: []string{"wxid_me:bob"}}
	applyExportFlags(cmd, cfg, flags)

	if !cfg.Export.Descending || cfg.Export.Incremental {
		t.Fatalf("changed flags not applied: %+v", cfg.Export)
	}
	if !cfg.Export.IgnoreEmoji {
		t.Fatalf("unchanged flag overrode config")
	}
	if cfg.Export.PageSize != 50 || len(cfg.Export.Only) != 1 {
		t.Fatalf("unexpected export config: %+v", cfg.Export)
	}
}

func TestListFilesLimitAndPrefix(t *testing.T) {
	domain := config.DefaultAppDomain
	dir := backuptest.Build(t, filepath.Join(t.TempDir(), "backup"), backuptest.DefaultInfo(), []backuptest.Entry{
		{Domain: domain, Path: "Documents/a", Data: []byte("a")},
		{Domain: domain, Path: "Documents/b", Data: []byte("b")},
		{Domain: domain, Path: "Library/c", Data: []byte("c")},
	})
	store := backup.NewStore(dir)
	if err := store.Load(domain, true); err != nil {
		t.Fatalf("load: %v", err)
	}
	collect := func(prefix string, limit int) []string {
		var out []string
		listFiles(store, prefix, limit, func(f *backup.File) { out = append(out, f.Path) })
		return out
	}
	if got := collect("", 2); !reflect.DeepEqual(got, []string{"Documents/a", "Documents/b"}) {
		t.Fatalf("unexpected limited listing: %v", got)
	}
	if got := collect("", 0); len(got) != 3 {
		t.Fatalf("unexpected full listing: %v", got)
	}
	if got := collect("Library/", 0); !reflect.DeepEqual(got, []string{"Library/c"}) {
		t.Fatalf("unexpected prefix listing: %v", got)
	}
}
