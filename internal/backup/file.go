package backup

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// File kinds as recorded in the manifest flags column.
const (
	FlagFile    uint32 = 1
	FlagDir     uint32 = 2
	FlagSymlink uint32 = 4
)

// File is one entry of a domain's virtual file system. Files are owned by
// the Store that loaded them and must not be modified.
type File struct {
	ID      string
	Domain  string
	Path    string
	Flags   uint32
	ModTime time.Time
	Blob    []byte
}

func (f *File) IsDir() bool { return f.Flags == FlagDir }

// Filter decides whether a loaded entry is kept. It sees domain-relative
// paths.
type Filter func(path string, flags uint32) bool

// FileID is the content id a backup assigns to a virtual file: the hex SHA-1
// of "domain-path".
func FileID(domain, path string) string {
	sum := sha1.Sum([]byte(domain + "-" + path))
	return hex.EncodeToString(sum[:])
}

func less(a, b *File) bool {
	if a.Domain != b.Domain {
		return a.Domain < b.Domain
	}
	return a.Path < b.Path
}
