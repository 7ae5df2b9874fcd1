package tasks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/wxexp/internal/util"
)

type blockingTask struct {
	kind    string
	release chan struct{}
	ran     *atomic.Int32
}

func (b *blockingTask) Kind() string { return b.kind }

func (b *blockingTask) Run(ctx context.Context, _ *Runtime) error {
	b.ran.Add(1)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type funcTask func(ctx context.Context) error

func (f funcTask) Kind() string                               { return "Func" }
func (f funcTask) Run(ctx context.Context, _ *Runtime) error { return f(ctx) }

func TestWaitIdleWhenEmpty(t *testing.T) {
	p := NewPool(Config{Workers: 2}, zerolog.Nop())
	defer p.Close()
	if !p.Wait(0) {
		t.Fatalf("empty pool should be idle")
	}
}

func TestPendingAndDrain(t *testing.T) {
	p := NewPool(Config{Workers: 1}, zerolog.Nop())
	defer p.Close()

	release := make(chan struct{})
	var ran atomic.Int32
	p.Enqueue(&blockingTask{kind: "Download", release: release, ran: &ran})
	p.Enqueue(&blockingTask{kind: "Copy", release: release, ran: &ran})
	p.Enqueue(&blockingTask{kind: "Copy", release: release, ran: &ran})

	n, desc := p.Pending()
	if n != 3 || desc != "Copy: 2, Download: 1" {
		t.Fatalf("unexpected pending: %d %q", n, desc)
	}
	if p.Wait(20 * time.Millisecond) {
		t.Fatalf("pool should not be idle while tasks block")
	}

	p.Shutdown()
	if p.Enqueue(funcTask(func(context.Context) error { return nil })) {
		t.Fatalf("enqueue after shutdown should fail")
	}
	close(release)
	if !p.Wait(2 * time.Second) {
		t.Fatalf("pool did not drain")
	}
	if n, _ := p.Pending(); n != 0 {
		t.Fatalf("expected no pending tasks, got %d", n)
	}
	if s := p.Stats(); s.Completed != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestCancelSkipsQueued(t *testing.T) {
	p := NewPool(Config{Workers: 1}, zerolog.Nop())
	defer p.Close()

	var ran atomic.Int32
	never := make(chan struct{})
	for i := 0; i < 5; i++ {
		p.Enqueue(&blockingTask{kind: "Copy", release: never, ran: &ran})
	}
	deadline := time.Now().Add(2 * time.Second)
	for ran.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	p.Cancel()
	if !p.Wait(2 * time.Second) {
		t.Fatalf("cancelled pool did not go idle")
	}
	if ran.Load() != 1 {
		t.Fatalf("queued tasks should be skipped, %d ran", ran.Load())
	}
	if s := p.Stats(); s.Skipped != 5 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if p.Enqueue(funcTask(func(context.Context) error { return nil })) {
		t.Fatalf("enqueue after cancel should fail")
	}
}

func TestFailedTaskCounted(t *testing.T) {
	p := NewPool(Config{Workers: 2}, zerolog.Nop())
	defer p.Close()
	p.Enqueue(funcTask(func(context.Context) error { return errors.New("boom") }))
	if !p.Wait(2 * time.Second) {
		t.Fatalf("pool did not drain")
	}
	if s := p.Stats(); s.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestDownloadSendsUserAgent(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	p := NewPool(Config{Workers: 1, UserAgent: "initial"}, zerolog.Nop())
	defer p.Close()
	p.SetUserAgent("WeChat/8.0.47")

	dest := filepath.Join(t.TempDir(), "Portrait", "a.jpg")
	p.Enqueue(&DownloadTask{URL: srv.URL + "/head", Dest: dest})
	if !p.Wait(5 * time.Second) {
		t.Fatalf("download did not finish")
	}
	if gotUA.Load() != "WeChat/8.0.47" {
		t.Fatalf("unexpected user agent: %v", gotUA.Load())
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("unexpected download: %q %v", data, err)
	}
}

func TestDownloadFallbackOnNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	fallback := filepath.Join(dir, "default.png")
	if err := os.WriteFile(fallback, []byte("default"), 0o644); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	dest := filepath.Join(dir, "out.png")
	rt := &Runtime{Client: srv.Client(), Retries: 3, RetryBackoff: time.Millisecond, Logger: zerolog.Nop()}
	task := &DownloadTask{URL: srv.URL, Dest: dest, Fallback: fallback}
	if err := task.Run(context.Background(), rt); err != nil {
		t.Fatalf("run: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("404 should not be retried, got %d requests", hits.Load())
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "default" {
		t.Fatalf("fallback not copied: %q", data)
	}
}

type fakeCopier map[string]string

func (f fakeCopier) CopyFile(path, dest string, overwrite bool) (bool, error) {
	content, ok := f[path]
	if !ok {
		return false, nil
	}
	return true, os.WriteFile(dest, []byte(content), 0o644)
}

func TestCopyAndConvertSequence(t *testing.T) {
	if err := util.RequireBinary("cp"); err != nil {
		t.Skip(err)
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "1.aud")
	dst := filepath.Join(dir, "1.mp3")
	seq := Sequence{
		&CopyTask{Store: fakeCopier{"Audio/1.aud": "silk"}, Path: "Audio/1.aud", Dest: src},
		&ConvertTask{Command: []string{"cp", "{src}", "{dst}"}, Src: src, Dst: dst, RemoveSrc: true},
	}
	if seq.Kind() != "Copy" {
		t.Fatalf("unexpected kind %s", seq.Kind())
	}
	if err := seq.Run(context.Background(), &Runtime{Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "silk" {
		t.Fatalf("unexpected converted content %q", data)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be removed")
	}
}
