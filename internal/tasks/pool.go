// Package tasks runs asset work (copies, downloads, conversions) on a
// bounded worker pool that the export loop fills and then drains.
package tasks

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of asset work.
type Task interface {
	// Kind groups tasks in queue descriptions, e.g. "Copy" or "Download".
	Kind() string
	Run(ctx context.Context, rt *Runtime) error
}

// Runtime carries the shared services tasks need.
type Runtime struct {
	Client       *http.Client
	Retries      int
	RetryBackoff time.Duration
	Logger       zerolog.Logger

	userAgent atomic.Value
}

func (rt *Runtime) UserAgent() string {
	ua, _ := rt.userAgent.Load().(string)
	return ua
}

// Config holds pool configuration.
type Config struct {
	Workers      int
	UserAgent    string
	RetryCount   int
	RetryBackoff time.Duration
	HTTPTimeout  time.Duration
}

// Stats counts finished tasks.
type Stats struct {
	Completed int64
	Failed    int64
	Skipped   int64
}

type Pool struct {
	rt     *Runtime
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	running  map[string]int
	pending  int
	idle     chan struct{}
	closed   bool
	canceled bool

	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool starts cfg.Workers workers.
func NewPool(cfg Config, logger zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		rt: &Runtime{
			Client:       &http.Client{Timeout: cfg.HTTPTimeout},
			Retries:      cfg.RetryCount,
			RetryBackoff: cfg.RetryBackoff,
			Logger:       logger,
		},
		logger:  logger,
		running: make(map[string]int),
		idle:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	p.rt.userAgent.Store(cfg.UserAgent)
	close(p.idle)

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) SetUserAgent(ua string) { p.rt.userAgent.Store(ua) }
func (p *Pool) UserAgent() string      { return p.rt.UserAgent() }

// Enqueue queues t. It returns false once the pool is shut down or cancelled.
func (p *Pool) Enqueue(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.canceled {
		return false
	}
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return true
}

// Pending reports queued plus running tasks and a per-kind breakdown such as
// "Copy: 2, Download: 1".
func (p *Pool) Pending() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byKind := make(map[string]int, len(p.running))
	for kind, n := range p.running {
		byKind[kind] += n
	}
	for _, t := range p.queue {
		byKind[t.Kind()]++
	}
	kinds := make([]string, 0, len(byKind))
	for kind, n := range byKind {
		if n > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s: %d", kind, byKind[kind]))
	}
	return p.pending, strings.Join(parts, ", ")
}

// Wait blocks up to timeout for every queued and running task to finish and
// reports whether the pool went idle. A zero timeout polls.
func (p *Pool) Wait(timeout time.Duration) bool {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-idle:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// Cancel skips every queued task and cancels the context running tasks see.
// Running tasks stop at their next checkpoint.
func (p *Pool) Cancel() {
	p.mu.Lock()
	if !p.canceled {
		p.canceled = true
		p.logger.Debug().Int("skipped", len(p.queue)).Msg("task pool cancelled")
	}
	p.skipped.Add(int64(len(p.queue)))
	p.done(len(p.queue))
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancel()
}

// Shutdown stops accepting tasks. Workers exit once the queue is empty.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close shuts the pool down and waits for the workers to exit.
func (p *Pool) Close() {
	p.Shutdown()
	p.wg.Wait()
	p.cancel()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
	}
}

// done retires n pending tasks. Callers hold p.mu.
func (p *Pool) done(n int) {
	if n == 0 {
		return
	}
	p.pending -= n
	if p.pending == 0 {
		close(p.idle)
	}
}

func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed && !p.canceled {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.running[t.Kind()]++
	return t, true
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker_id", id).Logger()

	for {
		t, ok := p.next()
		if !ok {
			return
		}
		err := t.Run(p.ctx, p.rt)
		switch {
		case err == nil:
			p.completed.Add(1)
		case p.ctx.Err() != nil:
			p.skipped.Add(1)
		default:
			p.failed.Add(1)
			logger.Warn().Err(err).Str("kind", t.Kind()).Msg("task failed")
		}

		p.mu.Lock()
		p.running[t.Kind()]--
		p.done(1)
		p.mu.Unlock()
	}
}
