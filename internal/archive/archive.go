// Package archive packs a finished export folder into a single compressed,
// optionally encrypted object and keeps a bounded history of them in
// storage.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/wxexp/internal/compress"
	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/cryptoutil"
	"github.com/rowjay/wxexp/internal/storage"
	"github.com/rowjay/wxexp/internal/util"
	"github.com/rowjay/wxexp/internal/version"
)

// Files matching these names stay out of archives.
var skipNames = map[string]bool{
	"export.lock": true,
}

type Archiver struct {
	cfg    config.ArchiveConfig
	prefix string
	kind   compress.Kind
	key    []byte
	store  storage.Storage
	log    zerolog.Logger
}

func New(cfg config.ArchiveConfig, prefix string, store storage.Storage, log zerolog.Logger) (*Archiver, error) {
	kind, err := compress.ParseKind(cfg.Compression)
	if err != nil {
		return nil, err
	}
	a := &Archiver{cfg: cfg, prefix: prefix, kind: kind, store: store, log: log}
	if cfg.Encryption && cfg.EncryptionKey == "" {
		return nil, errors.New("archive encryption is enabled but encryption_key is empty")
	}
	// A key without encryption still lets older sealed archives be extracted.
	if cfg.EncryptionKey != "" {
		if a.key, err = cryptoutil.ParseKey(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Input describes the export being archived.
type Input struct {
	Output     string
	Device     string
	BackupID   string
	BackupTime time.Time
	Options    string
	Accounts   int
	Sessions   int
	Records    int
}

func (a *Archiver) extension() string {
	ext := "tar" + a.kind.Extension()
	if a.cfg.Encryption {
		ext += ".enc"
	}
	return ext
}

// Archive streams in.Output into storage and writes its manifest.
func (a *Archiver) Archive(ctx context.Context, in Input) (storage.Manifest, error) {
	start := time.Now()
	key := util.BuildArchiveKey(a.prefix, in.Device, a.cfg.Label, start, a.extension())

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return storage.Manifest{}, err
	}
	if exists {
		return storage.Manifest{}, fmt.Errorf("archive already exists: %s", key)
	}

	pipeReader, pipeWriter := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer pipeReader.Close()
		return a.store.Put(egCtx, key, pipeReader, -1, map[string]string{"wxexp-archive": "true"})
	})

	var files int
	eg.Go(func() error {
		n, err := a.pack(egCtx, in.Output, pipeWriter)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		files = n
		return pipeWriter.Close()
	})

	if err := eg.Wait(); err != nil {
		return storage.Manifest{}, fmt.Errorf("archive %s: %w", in.Output, err)
	}

	stat, err := a.store.Stat(ctx, key)
	if err != nil {
		return storage.Manifest{}, err
	}
	m := storage.Manifest{
		ID:          uuid.NewString(),
		Key:         key,
		Device:      in.Device,
		BackupID:    in.BackupID,
		BackupTime:  in.BackupTime,
		Options:     in.Options,
		Accounts:    in.Accounts,
		Sessions:    in.Sessions,
		Records:     in.Records,
		Files:       files,
		Compression: string(a.kind),
		Encryption:  a.cfg.Encryption,
		CreatedAt:   time.Now().UTC(),
		SizeBytes:   stat.Size,
		ToolVersion: version.Version,
	}
	if err := storage.WriteManifest(ctx, a.store, m); err != nil {
		a.log.Warn().Err(err).Msg("failed to write archive manifest")
	}
	a.log.Info().
		Str("key", key).
		Int("files", files).
		Str("size", humanize.Bytes(uint64(stat.Size))).
		Dur("elapsed", time.Since(start)).
		Msg("archive stored")

	if err := a.applyRetention(ctx, in.Device); err != nil {
		a.log.Warn().Err(err).Msg("archive retention failed")
	}
	return m, nil
}

// pack writes dir as tar, compressed and then sealed, into w.
func (a *Archiver) pack(ctx context.Context, dir string, w io.Writer) (int, error) {
	writer := w
	var closers []io.Closer
	if a.cfg.Encryption {
		encWriter, err := cryptoutil.EncryptWriter(writer, a.key)
		if err != nil {
			return 0, err
		}
		writer = encWriter
		closers = append(closers, encWriter)
	}
	compWriter, err := compress.WrapWriter(a.kind, writer)
	if err != nil {
		return 0, err
	}
	closers = append(closers, compWriter)
	tw := tar.NewWriter(compWriter)
	closers = append(closers, tw)

	files := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if skipNames[d.Name()] {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return files, err
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return files, err
		}
	}
	return files, nil
}

// List returns the archives of device, newest first. An empty device lists
// every archive under the prefix.
func (a *Archiver) List(ctx context.Context, device string) ([]storage.ObjectInfo, error) {
	objects, err := a.store.List(ctx, util.BuildArchivePrefix(a.prefix, device))
	if err != nil {
		return nil, err
	}
	var archives []storage.ObjectInfo
	for _, obj := range objects {
		if !obj.IsManifest {
			archives = append(archives, obj)
		}
	}
	sort.Slice(archives, func(i, j int) bool {
		return filepath.Base(archives[i].Key) > filepath.Base(archives[j].Key)
	})
	return archives, nil
}

// Extract unpacks the archive at key into dest.
func (a *Archiver) Extract(ctx context.Context, key, dest string) (int, error) {
	manifest, err := storage.ReadManifest(ctx, a.store, key)
	if err != nil {
		a.log.Debug().Err(err).Str("key", key).Msg("no archive manifest, using key suffix")
		manifest = storage.Manifest{
			Compression: string(compress.KindFromKey(key)),
			Encryption:  strings.HasSuffix(key, ".enc"),
		}
	}

	reader, err := a.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	payload := io.Reader(reader)
	if manifest.Encryption {
		if a.key == nil {
			return 0, errors.New("encryption key is required to extract an encrypted archive")
		}
		if payload, err = cryptoutil.DecryptReader(payload, a.key); err != nil {
			return 0, err
		}
	}
	compReader, err := compress.WrapReader(compress.Kind(manifest.Compression), payload)
	if err != nil {
		return 0, err
	}
	defer compReader.Close()

	return untar(ctx, tar.NewReader(compReader), dest)
}

func untar(ctx context.Context, tr *tar.Reader, dest string) (int, error) {
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read archive: %w", err)
		}
		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return files, fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr); err != nil {
				return files, err
			}
			files++
		}
	}
}

func writeEntry(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// applyRetention deletes all but the newest KeepLast archives of device.
func (a *Archiver) applyRetention(ctx context.Context, device string) error {
	if a.cfg.KeepLast <= 0 {
		return nil
	}
	archives, err := a.List(ctx, device)
	if err != nil {
		return err
	}
	for i, obj := range archives {
		if i < a.cfg.KeepLast {
			continue
		}
		if err := a.store.Delete(ctx, obj.Key); err != nil {
			return err
		}
		_ = a.store.Delete(ctx, storage.ManifestKey(obj.Key))
		a.log.Info().Str("key", obj.Key).Msg("archive pruned")
	}
	return nil
}
