// Package app wires configuration into an export run and the surrounding
// archive, metrics and notification steps.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rowjay/wxexp/internal/archive"
	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/exporter"
	"github.com/rowjay/wxexp/internal/logging"
	"github.com/rowjay/wxexp/internal/metrics"
	"github.com/rowjay/wxexp/internal/notify"
	"github.com/rowjay/wxexp/internal/pdf"
	"github.com/rowjay/wxexp/internal/render"
	"github.com/rowjay/wxexp/internal/state"
	"github.com/rowjay/wxexp/internal/storage"
	"github.com/rowjay/wxexp/internal/tasks"
	"github.com/rowjay/wxexp/internal/wechat"
)

type App struct {
	Cfg      *config.Config
	Log      zerolog.Logger
	Notifier notify.Notifier
	// Observer, when set, receives run notifications next to the built-in
	// log and metrics observers.
	Observer exporter.Observer
}

func New(cfg *config.Config, log zerolog.Logger, notifier notify.Notifier) *App {
	return &App{Cfg: cfg, Log: log, Notifier: notifier}
}

// ExportResult is what Export reports after a run.
type ExportResult struct {
	RunID   string
	Summary exporter.Summary
	Archive *storage.Manifest
}

// ResolveBackup finds the backup container the configuration points at.
// backup.path may be a container itself or a folder holding several.
func (a *App) ResolveBackup() (backup.Manifest, error) {
	if a.Cfg.Backup.Path == "" {
		return backup.Manifest{}, errors.New("backup.path is required")
	}
	if backup.IsBackupDir(a.Cfg.Backup.Path) {
		return backup.ParseManifest(a.Cfg.Backup.Path)
	}
	return backup.Select(a.Cfg.Backup.Path, a.Cfg.Backup.ID)
}

func (a *App) engineConfig(container string) (exporter.Config, error) {
	filter, err := exporter.ParseFilter(a.Cfg.Export.Only)
	if err != nil {
		return exporter.Config{}, err
	}
	opts := a.Cfg.Export.Options()
	ext := a.Cfg.Export.ExtName
	if opts.Has(config.OptTextMode) && ext == "html" {
		ext = "txt"
	}
	return exporter.Config{
		BackupDir:       container,
		AppDomain:       a.Cfg.Backup.AppDomain,
		ShareDomain:     a.Cfg.Backup.ShareDomain,
		Output:          a.Cfg.Export.Output,
		WorkDir:         a.Cfg.Global.WorkDir,
		Options:         opts,
		PageSize:        a.Cfg.Export.PageSize,
		ExtName:         ext,
		LoadingOnScroll: a.Cfg.Export.LoadingOnScroll,
		Filter:          filter,
		Tasks: tasks.Config{
			Workers:      a.Cfg.Tasks.Workers,
			UserAgent:    a.Cfg.Tasks.UserAgent,
			RetryCount:   a.Cfg.Tasks.RetryCount,
			RetryBackoff: a.Cfg.Tasks.RetryBackoff,
			HTTPTimeout:  a.Cfg.Tasks.HTTPTimeout,
		},
		PollInterval: a.Cfg.Tasks.PollInterval,
		Converter:    a.Cfg.Tasks.Converter,
	}, nil
}

// Export runs one export to completion. Cancelling ctx stops the run at the
// next record boundary; the partial result is still archived and reported.
func (a *App) Export(ctx context.Context) (*ExportResult, error) {
	res := &ExportResult{RunID: uuid.NewString()}
	log := a.Log.With().Str("run_id", res.RunID).Logger()
	start := time.Now()

	var opErr error
	defer func() { a.notify(res, start, opErr) }()

	manifest, err := a.ResolveBackup()
	if err != nil {
		opErr = err
		return nil, err
	}
	log.Info().Str("backup", manifest.String()).Str("tool", manifest.ToolVersion()).Msg("backup selected")

	cfg, err := a.engineConfig(manifest.Path)
	if err != nil {
		opErr = err
		return nil, err
	}
	renderer, err := render.New(a.Cfg.Export.TemplatesDir)
	if err != nil {
		opErr = err
		return nil, err
	}

	met := metrics.NewObserver()
	observers := notify.Observers{notify.NewLogObserver(logging.Component(log, "progress")), met}
	if a.Observer != nil {
		observers = append(observers, a.Observer)
	}
	opts := []exporter.Option{
		exporter.WithLogger(logging.Component(log, "exporter")),
		exporter.WithObserver(observers),
	}
	if cfg.Options.Has(config.OptPDFMode) {
		conv, err := pdf.New(a.Cfg.PDF)
		if err != nil {
			opErr = err
			return nil, err
		}
		opts = append(opts, exporter.WithPDFConverter(conv))
	}

	engine := exporter.New(cfg, wechat.New, renderer, opts...)
	summary, err := engine.Run(ctx)
	res.Summary = summary
	if a.Cfg.Metrics.Textfile != "" {
		if werr := met.WriteTextfile(a.Cfg.Metrics.Textfile); werr != nil {
			log.Warn().Err(werr).Msg("write metrics textfile")
		}
	}
	if err != nil {
		opErr = err
		return res, err
	}

	if a.Cfg.Archive.Enabled {
		m, err := a.archiveOutput(ctx, manifest, summary)
		if err != nil {
			opErr = err
			return res, err
		}
		res.Archive = &m
	}
	return res, nil
}

func (a *App) archiver() (*archive.Archiver, error) {
	store, err := storage.New(a.Cfg.Storage)
	if err != nil {
		return nil, err
	}
	return archive.New(a.Cfg.Archive, a.Cfg.Storage.Prefix, store, logging.Component(a.Log, "archive"))
}

func (a *App) archiveOutput(ctx context.Context, manifest backup.Manifest, summary exporter.Summary) (storage.Manifest, error) {
	arc, err := a.archiver()
	if err != nil {
		return storage.Manifest{}, err
	}
	// Archive a cancelled run's partial output too.
	return arc.Archive(context.WithoutCancel(ctx), archive.Input{
		Output:     a.Cfg.Export.Output,
		Device:     manifest.DeviceName,
		BackupID:   filepath.Base(manifest.Path),
		BackupTime: manifest.BackupTime,
		Options:    summary.Options.String(),
		Accounts:   summary.Accounts,
		Sessions:   summary.Sessions,
		Records:    summary.Records,
	})
}

func (a *App) notify(res *ExportResult, start time.Time, opErr error) {
	if a.Notifier == nil {
		return
	}
	if m, ok := a.Notifier.(notify.Multi); ok && m.Empty() {
		return
	}
	s := res.Summary
	event := notify.Event{
		Type:      "export",
		RunID:     res.RunID,
		Message:   fmt.Sprintf("export %s", a.Cfg.Export.Output),
		Status:    statusOf(s, opErr),
		Device:    s.Device,
		Output:    a.Cfg.Export.Output,
		Options:   s.Options.String(),
		Accounts:  s.Accounts,
		Sessions:  s.Sessions,
		Records:   s.Records,
		StartedAt: start,
		EndedAt:   time.Now(),
		Duration:  time.Since(start).Round(time.Second).String(),
	}
	if res.Archive != nil {
		event.Archive = res.Archive.Key
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Notifier.Notify(ctx, event); err != nil {
		a.Log.Warn().Err(err).Msg("notification failed")
	}
}

func statusOf(s exporter.Summary, err error) string {
	switch {
	case err != nil:
		return notify.StatusFailed
	case s.Cancelled:
		return notify.StatusCancelled
	default:
		return notify.StatusSuccess
	}
}

// ListBackups returns the containers under backup.path, newest first.
func (a *App) ListBackups() ([]backup.Manifest, error) {
	if backup.IsBackupDir(a.Cfg.Backup.Path) {
		m, err := backup.ParseManifest(a.Cfg.Backup.Path)
		if err != nil {
			return nil, err
		}
		return []backup.Manifest{m}, nil
	}
	return backup.Scan(a.Cfg.Backup.Path)
}

// OpenStore loads domain of the selected container. An empty domain means
// the app domain.
func (a *App) OpenStore(domain string, filter backup.Filter) (*backup.Store, error) {
	manifest, err := a.ResolveBackup()
	if err != nil {
		return nil, err
	}
	if manifest.Encrypted {
		return nil, exporter.ErrEncrypted
	}
	if domain == "" {
		domain = a.Cfg.Backup.AppDomain
	}
	store := backup.NewStore(manifest.Path, backup.WithFilter(filter))
	if err := store.Load(domain, filter != nil); err != nil {
		return nil, err
	}
	return store, nil
}

// AccountListing is one account with its conversations.
type AccountListing struct {
	Account  exporter.Account
	Sessions []exporter.Session
}

// ListAccounts reads accounts and conversations without loading media
// entries of the index.
func (a *App) ListAccounts(ctx context.Context) ([]AccountListing, error) {
	store, err := a.OpenStore("", wechat.LoadingFilter)
	if err != nil {
		return nil, err
	}
	src, err := wechat.New(store, nil)
	if err != nil {
		return nil, err
	}
	accounts, err := src.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountListing, 0, len(accounts))
	for i := range accounts {
		sessions, err := src.Sessions(ctx, &accounts[i])
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", accounts[i].ID, err)
		}
		out = append(out, AccountListing{Account: accounts[i], Sessions: sessions})
	}
	return out, nil
}

// State returns the persisted state of the previous export into output.
func (a *App) State(output string) (*state.State, error) {
	if output == "" {
		output = a.Cfg.Export.Output
	}
	return exporter.PreviousExport(output)
}

// Archives lists stored archives of device, newest first.
func (a *App) Archives(ctx context.Context, device string) ([]storage.ObjectInfo, error) {
	arc, err := a.archiver()
	if err != nil {
		return nil, err
	}
	return arc.List(ctx, device)
}

// ExtractArchive unpacks the archive at key into dest.
func (a *App) ExtractArchive(ctx context.Context, key, dest string) (int, error) {
	arc, err := a.archiver()
	if err != nil {
		return 0, err
	}
	return arc.Extract(ctx, key, dest)
}
