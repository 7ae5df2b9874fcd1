package backup

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"howett.net/plist"
	_ "modernc.org/sqlite"
)

// Modern containers index files in the Manifest.db SQLite database and
// shard file content into directories named by the first byte of the id.

type sqliteIndex struct {
	root string
}

func (idx *sqliteIndex) physical(id string) string {
	if len(id) < 2 {
		return ""
	}
	return filepath.Join(idx.root, id[:2], id)
}

func (idx *sqliteIndex) load(domain string, onlyFiles bool, keep Filter) ([]*File, error) {
	db, err := OpenSQLite(filepath.Join(idx.root, manifestDB))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := "SELECT fileID, relativePath, flags, file FROM Files WHERE domain = ?"
	if onlyFiles {
		query += " AND flags <> 2"
	}
	rows, err := db.Query(query, domain)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", manifestDB, err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		var (
			id, path string
			flags    int64
			blob     []byte
		)
		if err := rows.Scan(&id, &path, &flags, &blob); err != nil {
			return nil, fmt.Errorf("scan %s: %w", manifestDB, err)
		}
		if onlyFiles && !keep(path, uint32(flags)) {
			continue
		}
		f := &File{
			ID:      id,
			Domain:  domain,
			Path:    path,
			Flags:   uint32(flags),
			ModTime: lastModified(blob),
		}
		if !onlyFiles {
			f.Blob = blob
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestDB, err)
	}
	return files, nil
}

// OpenSQLite opens a database inside a backup read-only. Backups are
// snapshots and must never be written to.
func OpenSQLite(path string) (*sql.DB, error) {
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(filepath.ToSlash(path))
	dsn := "file:" + escaped + "?mode=ro&_pragma=busy_timeout(3000)&_pragma=query_only(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return db, nil
}

// lastModified pulls the modification time out of a Files.file blob, an
// NSKeyedArchiver plist whose MBFile object carries LastModified in Unix
// seconds. Unreadable blobs yield the zero time.
func lastModified(blob []byte) time.Time {
	if len(blob) == 0 {
		return time.Time{}
	}
	var archive struct {
		Objects []any `plist:"$objects"`
	}
	if _, err := plist.Unmarshal(blob, &archive); err != nil {
		return time.Time{}
	}
	for _, obj := range archive.Objects {
		dict, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		switch v := dict["LastModified"].(type) {
		case uint64:
			return time.Unix(int64(v), 0)
		case int64:
			return time.Unix(v, 0)
		}
	}
	return time.Time{}
}
