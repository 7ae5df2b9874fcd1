package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rowjay/wxexp/internal/config"
)

// Event is the end-of-run report sent to chat and webhook targets.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Device    string    `json:"device"`
	Output    string    `json:"output"`
	Options   string    `json:"options"`
	Accounts  int       `json:"accounts"`
	Sessions  int       `json:"sessions"`
	Records   int       `json:"records"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Duration  string    `json:"duration"`
	Archive   string    `json:"archive,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Status values used in events.
const (
	StatusSuccess   = "success"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type Multi struct {
	Targets []Notifier
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	var err error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if nerr := target.Notify(ctx, event); nerr != nil {
			err = nerr
		}
	}
	return err
}

func (m Multi) Empty() bool { return len(m.Targets) == 0 }

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	body, _ := json.Marshal(event)
	return post(ctx, "webhook "+w.Name, w.URL, body, w.Headers)
}

type Mattermost struct {
	Name string
	URL  string
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	body, _ := json.Marshal(map[string]string{"text": summaryLine(event)})
	return post(ctx, "mattermost "+m.Name, m.URL, body, nil)
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%d",
		m.ServerURL, url.PathEscape(m.RoomID), time.Now().UnixNano())
	body, _ := json.Marshal(map[string]any{
		"msgtype": "m.text",
		"body":    summaryLine(event),
	})
	return post(ctx, "matrix "+m.Name, endpoint, body, map[string]string{"Authorization": "Bearer " + m.AccessToken})
}

func FromConfig(cfg config.NotificationsConfig) Multi {
	var targets []Notifier
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	return Multi{Targets: targets}
}

func summaryLine(event Event) string {
	line := fmt.Sprintf("[%s] %s: %d chats, %d records in %s", event.Status, event.Message, event.Sessions, event.Records, event.Duration)
	if event.Error != "" {
		line += " (" + event.Error + ")"
	}
	return line
}

func post(ctx context.Context, name, target string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", name, resp.Status)
	}
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
