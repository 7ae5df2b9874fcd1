package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/rowjay/wxexp/internal/util"
)

// DownloadTask fetches a remote asset (avatars, emoji) over HTTP.
type DownloadTask struct {
	URL  string
	Dest string
	// Fallback is a local file copied to Dest when the download fails.
	Fallback string
}

func (t *DownloadTask) Kind() string { return "Download" }

func (t *DownloadTask) Run(ctx context.Context, rt *Runtime) error {
	if _, err := os.Stat(t.Dest); err == nil {
		return nil
	}
	err := util.Retry(ctx, rt.Retries, rt.RetryBackoff, func() error {
		return t.fetch(ctx, rt)
	})
	if err == nil || t.Fallback == "" || errors.Is(err, context.Canceled) {
		return err
	}
	rt.Logger.Debug().Err(err).Str("url", t.URL).Msg("download failed, using fallback")
	return copyLocal(t.Fallback, t.Dest)
}

func (t *DownloadTask) fetch(ctx context.Context, rt *Runtime) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return util.Permanent(fmt.Errorf("build request: %w", err))
	}
	if ua := rt.UserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := rt.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", t.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return util.Permanent(fmt.Errorf("download %s: status %d", t.URL, resp.StatusCode))
	default:
		return fmt.Errorf("download %s: status %d", t.URL, resp.StatusCode)
	}
	return writeAtomic(t.Dest, resp.Body)
}
