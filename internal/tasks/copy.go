package tasks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Copier is satisfied by *backup.Store.
type Copier interface {
	CopyFile(path, dest string, overwrite bool) (bool, error)
}

// CopyTask extracts one file from a backup store.
type CopyTask struct {
	Store     Copier
	Path      string
	Dest      string
	Overwrite bool
	// Fallback is a local file copied to Dest when Path is not in the store.
	Fallback string
}

func (t *CopyTask) Kind() string { return "Copy" }

func (t *CopyTask) Run(ctx context.Context, rt *Runtime) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := t.Store.CopyFile(t.Path, t.Dest, t.Overwrite)
	if err != nil {
		return err
	}
	if !ok && t.Fallback != "" {
		if _, statErr := os.Stat(t.Dest); statErr == nil && !t.Overwrite {
			return nil
		}
		return copyLocal(t.Fallback, t.Dest)
	}
	return nil
}

func copyLocal(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	return writeAtomic(dest, in)
}

// writeAtomic streams r into dest through a temp file in the same directory.
func writeAtomic(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(dest), err)
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
