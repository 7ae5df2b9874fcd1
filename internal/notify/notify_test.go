package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rowjay/wxexp/internal/config"
	"github.com/rowjay/wxexp/internal/exporter"
)

func TestWebhookPostsEvent(t *testing.T) {
	var got Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	multi := FromConfig(config.NotificationsConfig{
		Webhooks: []config.WebhookConfig{{Name: "ops", URL: srv.URL, Headers: map[string]string{"X-Token": "s3cret"}}},
	})
	err := multi.Notify(context.Background(), Event{Type: "export", Status: StatusSuccess, Records: 12})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Records != 12 || got.Status != StatusSuccess || auth != "s3cret" {
		t.Fatalf("unexpected delivery: %+v auth=%q", got, auth)
	}
}

func TestMattermostFailureStatus(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := Mattermost{Name: "team", URL: srv.URL}.Notify(context.Background(), Event{Status: StatusFailed, Message: "export iPhone", Error: "backup is encrypted"})
	if err == nil || !strings.Contains(err.Error(), "mattermost team") {
		t.Fatalf("expected status error, got %v", err)
	}
	if !strings.Contains(body, "backup is encrypted") {
		t.Fatalf("unexpected payload: %s", body)
	}
}

type countingObserver struct {
	exporter.NopObserver
	starts, completes int
	cancelled         bool
}

func (c *countingObserver) OnStart() { c.starts++ }
func (c *countingObserver) OnComplete(cancelled bool) {
	c.completes++
	c.cancelled = cancelled
}

func TestObserversFanOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	var buf bytes.Buffer
	obs := Observers{a, b, NewLogObserver(zerolog.New(&buf))}
	obs.OnStart()
	obs.OnSessionProgress("alice", "tok", 1, 10)
	obs.OnComplete(true)
	if a.starts != 1 || b.completes != 1 || !b.cancelled {
		t.Fatalf("unexpected fan out: %+v %+v", a, b)
	}
	if !strings.Contains(buf.String(), "chat progress") || !strings.Contains(buf.String(), "export finished") {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}
