// Package backuptest builds small modern-format backup containers on disk
// for tests.
package backuptest

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"howett.net/plist"
	_ "modernc.org/sqlite"
)

type Entry struct {
	Domain  string
	Path    string
	Data    []byte
	Dir     bool
	ModTime time.Time
}

type Info struct {
	DeviceName  string
	DisplayName string
	BackupTime  time.Time
	Encrypted   bool
}

func DefaultInfo() Info {
	return Info{
		DeviceName:  "iPhone",
		DisplayName: "Test iPhone",
		BackupTime:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// Build writes a container into dir and returns dir.
func Build(tb testing.TB, dir string, info Info, entries []Entry) string {
	tb.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("create container dir: %v", err)
	}
	writePlist(tb, filepath.Join(dir, "Info.plist"), map[string]any{
		"Device Name":      info.DeviceName,
		"Display Name":     info.DisplayName,
		"Last Backup Date": info.BackupTime,
		"Product Version":  "17.4",
		"iTunes Version":   "12.13",
	})
	writePlist(tb, filepath.Join(dir, "Manifest.plist"), map[string]any{
		"IsEncrypted": info.Encrypted,
		"Lockdown":    map[string]any{"ProductVersion": "17.4"},
	})

	db, err := sql.Open("sqlite", filepath.Join(dir, "Manifest.db"))
	if err != nil {
		tb.Fatalf("open manifest db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE Files (fileID TEXT PRIMARY KEY, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB)`); err != nil {
		tb.Fatalf("create Files: %v", err)
	}
	for _, e := range entries {
		id := fileID(e.Domain, e.Path)
		flags := 1
		if e.Dir {
			flags = 2
		}
		mtime := e.ModTime
		if mtime.IsZero() {
			mtime = info.BackupTime
		}
		if _, err := db.Exec(`INSERT INTO Files VALUES (?, ?, ?, ?, ?)`, id, e.Domain, e.Path, flags, fileBlob(tb, mtime, len(e.Data))); err != nil {
			tb.Fatalf("insert %s: %v", e.Path, err)
		}
		if e.Dir {
			continue
		}
		physical := filepath.Join(dir, id[:2], id)
		if err := os.MkdirAll(filepath.Dir(physical), 0o755); err != nil {
			tb.Fatalf("create shard dir: %v", err)
		}
		if err := os.WriteFile(physical, e.Data, 0o644); err != nil {
			tb.Fatalf("write %s: %v", e.Path, err)
		}
	}
	return dir
}

// AddSQLite creates a SQLite database, runs stmts against it and returns the
// bytes for use as Entry.Data.
func AddSQLite(tb testing.TB, stmts ...string) []byte {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "db.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			tb.Fatalf("exec %q: %v", stmt, err)
		}
	}
	if err := db.Close(); err != nil {
		tb.Fatalf("close sqlite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("read sqlite: %v", err)
	}
	return data
}

func fileID(domain, path string) string {
	sum := sha1.Sum([]byte(domain + "-" + path))
	return hex.EncodeToString(sum[:])
}

func fileBlob(tb testing.TB, mtime time.Time, size int) []byte {
	tb.Helper()
	archive := map[string]any{
		"$archiver": "NSKeyedArchiver",
		"$version":  uint64(100000),
		"$objects": []any{
			"$null",
			map[string]any{
				"LastModified": uint64(mtime.Unix()),
				"Size":         uint64(size),
				"Mode":         uint64(0o100644),
			},
		},
		"$top": map[string]any{"root": plist.UID(1)},
	}
	data, err := plist.Marshal(archive, plist.BinaryFormat)
	if err != nil {
		tb.Fatalf("encode file blob: %v", err)
	}
	return data
}

func writePlist(tb testing.TB, path string, v any) {
	tb.Helper()
	data, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
	if err != nil {
		tb.Fatalf("encode %s: %v", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}
