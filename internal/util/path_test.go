package util

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildArchiveKey(t *testing.T) {
	when := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	key := BuildArchiveKey("archives", "Jay's iPhone", "nightly", when, ".tar.zst")
	if !strings.HasPrefix(key, "archives/Jay's_iPhone/") {
		t.Fatalf("unexpected prefix: %s", key)
	}
	if !strings.HasSuffix(key, "20240101T100000Z_nightly.tar.zst") {
		t.Fatalf("unexpected suffix: %s", key)
	}
}

func TestBuildArchivePrefix(t *testing.T) {
	prefix := BuildArchivePrefix("/archives/", "iPhone")
	if prefix != "archives/iPhone" {
		t.Fatalf("unexpected prefix: %s", prefix)
	}
}

func TestExpandArgs(t *testing.T) {
	got := ExpandArgs([]string{"-i", "{src}", "{dst}.mp3"}, map[string]string{"src": "a.silk", "dst": "a"})
	if strings.Join(got, " ") != "-i a.silk a.mp3" {
		t.Fatalf("unexpected args: %v", got)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	sentinel := errors.New("gone")
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("expected one call with sentinel, got %d calls err %v", calls, err)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %d calls err %v", calls, err)
	}
}
