// Package exporter runs incremental exports of a backup: accounts, then
// conversations, then records, with asset work drained per account.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/wxexp/internal/backup"
	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/lock"
	"github.com/rowjay/wxexp/internal/tasks"
)

const (
	dataDir   = ".wxexp"
	stateFile = "wxexp.dat"
	lockFile  = "export.lock"
)

var (
	ErrRunning            = errors.New("export already running")
	ErrOutputInaccessible = errors.New("output location is not accessible")
	ErrEncrypted          = errors.New("backup is encrypted")
	ErrNoAccounts         = errors.New("no account found in backup")
)

type Status int32

const (
	Idle Status = iota
	Running
	Completed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Config describes one export.
type Config struct {
	BackupDir   string
	AppDomain   string
	ShareDomain string
	// LoadFilter trims the primary store index at load time.
	LoadFilter backup.Filter

	Output          string
	WorkDir         string
	Options         config.Options
	PageSize        int
	ExtName         string
	LoadingOnScroll bool
	Filter          Filter

	Tasks        tasks.Config
	PollInterval time.Duration
	Converter    []string
}

// Summary counts what the last run did.
type Summary struct {
	Device    string
	StartedAt time.Time
	Duration  time.Duration
	Options   config.Options
	Accounts  int
	Sessions  int
	Records   int
	Tasks     tasks.Stats
	Cancelled bool
	Err       error
}

type Engine struct {
	cfg      Config
	sources  SourceFactory
	renderer Renderer
	pdf      PDFConverter
	observer Observer
	log      zerolog.Logger

	mu      sync.Mutex
	status  Status
	done    chan struct{}
	summary Summary
	guard   *lock.Lock

	cancelled atomic.Bool
}

type Option func(*Engine)

func WithObserver(o Observer) Option         { return func(e *Engine) { e.observer = o } }
func WithLogger(l zerolog.Logger) Option     { return func(e *Engine) { e.log = l } }
func WithPDFConverter(c PDFConverter) Option { return func(e *Engine) { e.pdf = c } }

func New(cfg Config, sources SourceFactory, renderer Renderer, opts ...Option) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ExtName == "" {
		cfg.ExtName = "html"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 512 * time.Millisecond
	}
	if cfg.AppDomain == "" {
		cfg.AppDomain = config.DefaultAppDomain
	}
	e := &Engine{
		cfg:      cfg,
		sources:  sources,
		renderer: renderer,
		observer: NopObserver{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins a run on its own goroutine. It fails without changing state
// when a run is in progress or the output cannot be used. Cancelling ctx
// cancels the run cooperatively.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == Running {
		return ErrRunning
	}
	if err := checkOutput(e.cfg.Output); err != nil {
		return err
	}
	guard, err := lock.Acquire(filepath.Join(e.cfg.Output, dataDir, lockFile))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: %v", ErrRunning, err)
		}
		return fmt.Errorf("%w: %v", ErrOutputInaccessible, err)
	}

	e.guard = guard
	e.status = Running
	e.cancelled.Store(ctx.Err() != nil)
	e.summary = Summary{StartedAt: time.Now()}
	e.done = make(chan struct{})

	stop := context.AfterFunc(ctx, e.Cancel)
	go func() {
		defer stop()
		e.run(context.WithoutCancel(ctx))
	}()
	return nil
}

// Cancel asks the running export to stop at the next record, conversation
// or account boundary.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

func (e *Engine) isCancelled() bool { return e.cancelled.Load() }

// Wait blocks until the current run, if any, has finished.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Run is Start followed by Wait. It returns the start error or the run error.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	if err := e.Start(ctx); err != nil {
		return Summary{}, err
	}
	e.Wait()
	s := e.Summary()
	return s, s.Err
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary
}

// Err is the fatal error of the last run, if any.
func (e *Engine) Err() error {
	return e.Summary().Err
}

func (e *Engine) finish(summary Summary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if summary.Cancelled {
		e.status = Cancelled
	} else {
		e.status = Completed
	}
	e.summary = summary
	if err := e.guard.Release(); err != nil {
		e.log.Warn().Err(err).Msg("release export lock")
	}
	e.guard = nil
	close(e.done)
}

func checkOutput(output string) error {
	if output == "" {
		return fmt.Errorf("%w: no output directory", ErrOutputInaccessible)
	}
	if err := os.MkdirAll(filepath.Join(output, dataDir), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputInaccessible, err)
	}
	tmp, err := os.CreateTemp(filepath.Join(output, dataDir), ".check-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputInaccessible, err)
	}
	tmp.Close()
	_ = os.Remove(tmp.Name())
	return nil
}

func statePath(output string) string {
	return filepath.Join(output, dataDir, stateFile)
}

func logPath(output, account, session string) string {
	return filepath.Join(output, dataDir, account, session+".dat")
}
