// Package notify delivers operator alerts raised by the engine.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
)

// Notifier delivers an alert.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Log writes alerts to a logger.
type Log struct {
	logger *log.Logger
}

// NewLog builds a log notifier; nil discards.
func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Log{logger: logger}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, subject, body string) error {
	l.logger.Printf("alert: subject=%q body=%q", subject, body)
	return nil
}

// Message is the webhook payload.
type Message struct {
	Source  string    `json:"source"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sentAt"`
}

// Webhook posts alerts as JSON to an HTTP endpoint.
type Webhook struct {
	client *resty.Client
	url    string
	source string
	clock  func() time.Time
}

// NewWebhook builds a webhook notifier.
func NewWebhook(url, source string, timeout time.Duration) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetJSONMarshaler(json.Marshal)
	client.SetJSONUnmarshaler(json.Unmarshal)
	return &Webhook{client: client, url: url, source: source, clock: time.Now}, nil
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, subject, body string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(Message{Source: w.source, Subject: subject, Body: body, SentAt: w.clock().UTC()}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook error %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
