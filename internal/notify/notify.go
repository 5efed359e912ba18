package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rowjay/zfs-backup-utility/internal/config"
)

// Event describes the outcome of one backup or restore run.
type Event struct {
	Type      string    `json:"type"` // backup or restore
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Dataset   string    `json:"dataset"`
	Snapshot  string    `json:"snapshot,omitempty"`
	Location  string    `json:"location,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Duration  string    `json:"duration"`
	Error     string    `json:"error,omitempty"`
}

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

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return post(ctx, "webhook "+w.Name, w.URL, body, w.Headers)
}

type Mattermost struct {
	Name string
	URL  string
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(map[string]string{"text": summary(event)})
	if err != nil {
		return err
	}
	return post(ctx, "mattermost "+m.Name, m.URL, body, nil)
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%d", m.ServerURL, url.PathEscape(m.RoomID), time.Now().UnixNano())
	body, err := json.Marshal(map[string]any{
		"msgtype": "m.text",
		"body":    summary(event),
	})
	if err != nil {
		return err
	}
	return post(ctx, "matrix "+m.Name, endpoint, body, map[string]string{"Authorization": "Bearer " + m.AccessToken})
}

func summary(event Event) string {
	text := fmt.Sprintf("[%s] %s %s: %s", event.Status, event.Type, event.Dataset, event.Message)
	if event.Error != "" {
		text += " (" + event.Error + ")"
	}
	return text
}

func post(ctx context.Context, target, endpoint string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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
		return fmt.Errorf("%s returned %s", target, resp.Status)
	}
	return nil
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

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
