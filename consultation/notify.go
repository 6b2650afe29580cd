// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"learnwork/shared/logger"
)

// Channel is a delivery channel understood by the notification dispatcher
type Channel string

const (
	ChannelSite  Channel = "SITE"
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

// Audience says who a notification is for
type Audience string

const (
	AudienceUser  Audience = "user"
	AudienceStaff Audience = "staff"
)

// Notification is the opaque payload handed to the dispatcher
type Notification struct {
	Audience     Audience  `json:"audience"`
	UserID       int64     `json:"userId,omitempty"`
	Channels     []Channel `json:"channels"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	BusinessID   int64     `json:"businessId,omitempty"`
	BusinessType string    `json:"businessType,omitempty"`
}

// Notifier delivers notifications. Callers log failures and carry on.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotifierMode selects the Notifier implementation
type NotifierMode string

const (
	NotifierLog     NotifierMode = "log"
	NotifierWebhook NotifierMode = "webhook"
)

// NewNotifier builds the notifier named by mode.
func NewNotifier(mode NotifierMode, webhookURL string, log *logger.Logger) (Notifier, error) {
	switch NotifierMode(strings.ToLower(string(mode))) {
	case "", NotifierLog:
		return NewLogNotifier(log), nil
	case NotifierWebhook:
		if webhookURL == "" {
			return nil, fmt.Errorf("%w: webhook notifier needs NOTIFIER_WEBHOOK_URL", ErrInvalidInput)
		}
		return NewWebhookNotifier(webhookURL, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown notifier mode %q", ErrInvalidInput, mode)
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.New("notifier")
	}
	return &LogNotifier{log: log}
}

// Send logs n.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	l.log.Info(n.UserID, 0, "notification", map[string]interface{}{
		"audience":      string(n.Audience),
		"channels":      n.Channels,
		"title":         n.Title,
		"content":       n.Content,
		"business_id":   n.BusinessID,
		"business_type": n.BusinessType,
	})
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a dispatcher endpoint.
type WebhookNotifier struct {
	url    string
	client HTTPDoer
	log    *logger.Logger
}

// HTTPDoer is the subset of *http.Client used for outbound calls.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewWebhookNotifier creates a WebhookNotifier with a 10s client timeout.
func NewWebhookNotifier(url string, log *logger.Logger) *WebhookNotifier {
	if log == nil {
		log = logger.New("notifier")
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: 10 * time.Second}, log: log}
}

// SetHTTPClient sets a custom HTTP client for testing.
func (w *WebhookNotifier) SetHTTPClient(c HTTPDoer) {
	w.client = c
}

// Send posts n; any non-2xx status is an error.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
