package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExportOptionsPDFClearsTextMode(t *testing.T) {
	opts := ExportConfig{TextMode: true, PDFMode: true, Descending: true}.Options()
	if opts.Has(OptTextMode) {
		t.Fatalf("pdf mode should clear text mode: %s", opts)
	}
	if !opts.Has(OptPDFMode) || !opts.Has(OptDescending) {
		t.Fatalf("unexpected options: %s", opts)
	}
}

func TestOptionsString(t *testing.T) {
	if got := Options(0).String(); got != "none" {
		t.Fatalf("unexpected string: %s", got)
	}
	got := (OptIncremental | OptIgnoreEmoji).String()
	if got != "incremental,ignore-emoji" {
		t.Fatalf("unexpected string: %s", got)
	}
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wxexp.yaml")
	body := []byte("backup:\n  path: /backups/x\nexport:\n  output: /out\n  incremental: true\ntasks:\n  workers: 2\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backup.Path != "/backups/x" || cfg.Export.Output != "/out" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.Backup.AppDomain != DefaultAppDomain {
		t.Fatalf("unexpected app domain: %s", cfg.Backup.AppDomain)
	}
	if cfg.Tasks.Workers != 2 || cfg.Tasks.PollInterval != 512*time.Millisecond {
		t.Fatalf("unexpected tasks config: %+v", cfg.Tasks)
	}
	if !cfg.Export.Options().Has(OptIncremental) {
		t.Fatalf("incremental should be set")
	}
}

func TestLoadEncryptedConfig(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "wxexp.yaml")
	if err := os.WriteFile(plain, []byte("export:\n  output: /secret\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	sealed := filepath.Join(dir, "wxexp.yaml.enc")
	if err := EncryptConfigFile(plain, sealed, key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	t.Setenv("WXEXP_CONFIG_KEY", key)
	cfg, err := Load(sealed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Export.Output != "/secret" {
		t.Fatalf("unexpected output: %s", cfg.Export.Output)
	}
}
