// Package backup reads iOS device backups: container discovery, the
// per-domain file index and content-addressed file resolution.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrDomainNotFound = errors.New("domain not found in backup")
	ErrUnknownFormat  = errors.New("unrecognised backup index format")
)

// indexLoader turns one container index format into File entries for a
// domain. Entries may be returned in any order.
type indexLoader interface {
	load(domain string, onlyFiles bool, keep Filter) ([]*File, error)
	// physical maps a content id to its on-disk location.
	physical(id string) string
}

// Store is the loaded index of one domain. After Load it is read-only and
// safe for concurrent readers.
type Store struct {
	root   string
	filter Filter
	domain string
	loader indexLoader
	files  []*File
}

type Option func(*Store)

// WithFilter installs the predicate applied when loading with onlyFiles.
func WithFilter(f Filter) Option {
	return func(s *Store) { s.filter = f }
}

func NewStore(root string, opts ...Option) *Store {
	s := &Store{root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Domain() string { return s.domain }
func (s *Store) Len() int       { return len(s.files) }

// Load indexes domain. With onlyFiles, directories and metadata blobs are
// dropped and the store filter decides which files are kept.
func (s *Store) Load(domain string, onlyFiles bool) error {
	loader, err := detectLoader(s.root)
	if err != nil {
		return err
	}
	keep := s.filter
	if !onlyFiles || keep == nil {
		keep = func(string, uint32) bool { return true }
	}
	files, err := loader.load(domain, onlyFiles, keep)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	sort.Slice(files, func(i, j int) bool { return less(files[i], files[j]) })

	s.loader = loader
	s.domain = domain
	s.files = files
	return nil
}

func detectLoader(root string) (indexLoader, error) {
	if isFile(filepath.Join(root, manifestDB)) {
		return &sqliteIndex{root: root}, nil
	}
	if isFile(filepath.Join(root, manifestMBDB)) {
		return &mbdbIndex{root: root}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, root)
}

// lowerBound is the first index whose path is >= path.
func (s *Store) lowerBound(path string) int {
	return sort.Search(len(s.files), func(i int) bool { return s.files[i].Path >= path })
}

// Find returns the entry at exactly path, or nil.
func (s *Store) Find(path string) *File {
	i := s.lowerBound(path)
	if i < len(s.files) && s.files[i].Path == path {
		return s.files[i]
	}
	return nil
}

// ResolvePath maps a virtual path to its physical file, or "" on a miss.
func (s *Store) ResolvePath(path string) string {
	f := s.Find(path)
	if f == nil || f.IsDir() || s.loader == nil {
		return ""
	}
	return s.loader.physical(f.ID)
}

// Prefix returns every entry whose path starts with prefix, in path order.
func (s *Store) Prefix(prefix string) []*File {
	return s.Match(prefix, nil)
}

// Match narrows the prefix range with pred. A nil pred keeps everything.
func (s *Store) Match(prefix string, pred func(*File) bool) []*File {
	var out []*File
	for i := s.lowerBound(prefix); i < len(s.files); i++ {
		f := s.files[i]
		if !strings.HasPrefix(f.Path, prefix) {
			break
		}
		if pred == nil || pred(f) {
			out = append(out, f)
		}
	}
	return out
}

// Walk visits entries in path order until fn returns false.
func (s *Store) Walk(fn func(*File) bool) {
	for _, f := range s.files {
		if !fn(f) {
			return
		}
	}
}

// CopyFile copies the file at path to dest. It reports false without an
// error when path is not in the index or dest exists and overwrite is off.
func (s *Store) CopyFile(path, dest string, overwrite bool) (bool, error) {
	src := s.ResolvePath(path)
	if src == "" {
		return false, nil
	}
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return false, nil
		}
	}
	if err := copyFile(src, dest); err != nil {
		return false, err
	}
	if f := s.Find(path); !f.ModTime.IsZero() {
		_ = os.Chtimes(dest, f.ModTime, f.ModTime)
	}
	return true, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup file: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".copy-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("copy %s: %w", filepath.Base(dest), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	_ = os.Chmod(tmp.Name(), 0o644)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", filepath.Base(dest), err)
	}
	return nil
}
