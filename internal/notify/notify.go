// Package notify reports finished operations to chat and webhook targets.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/registry-backup/internal/config"
)

// Event describes a finished backup or restore operation.
type Event struct {
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Duration    string    `json:"duration"`
}

// Summary is the one-line form used by chat targets.
func (e Event) Summary() string {
	return fmt.Sprintf("[%s] %s: %s", e.Status, e.Kind, e.Message)
}

// Notifier delivers an event to one destination.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to several notifiers.
type Multi struct {
	Targets []Notifier
}

// Notify delivers to every target and joins their failures.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

// Notify posts the whole event as JSON.
func (w Webhook) Notify(ctx context.Context, event Event) error {
	return send(ctx, "webhook "+w.Name, http.MethodPost, w.URL, w.Headers, event)
}

type Mattermost struct {
	Name string
	URL  string
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	return send(ctx, "mattermost "+m.Name, http.MethodPost, m.URL, nil, map[string]string{"text": event.Summary()})
}

// Matrix sends an m.text message to a room through the client-server API.
type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		strings.TrimRight(m.ServerURL, "/"), url.PathEscape(m.RoomID), txnID(event))
	payload := map[string]string{"msgtype": "m.text", "body": event.Summary()}
	headers := map[string]string{"Authorization": "Bearer " + m.AccessToken}
	return send(ctx, "matrix "+m.Name, http.MethodPut, endpoint, headers, payload)
}

// txnID makes a retried delivery of the same event idempotent on the homeserver.
func txnID(event Event) string {
	return fmt.Sprintf("rbu-%s-%s", event.OperationID, event.Status)
}

func send(ctx context.Context, target, method, endpoint string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", target, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
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

var httpClient = &http.Client{Timeout: 10 * time.Second}
