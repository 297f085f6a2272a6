// Package status pushes session-health snapshots to the status-reporting
// collaborator. Push-only: no response is consumed and failures never feed
// back into session logic.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Snapshot is the health report shape the collaborator accepts.
type Snapshot struct {
	IsHealthy        bool      `json:"is_healthy"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	ChallengePending bool      `json:"challenge_pending"`
	Critical         bool      `json:"critical,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Reporter accepts snapshots. Implementations must be safe for concurrent
// use and must not block the caller beyond ctx.
type Reporter interface {
	Report(ctx context.Context, snapshot Snapshot)
}

// NopReporter drops every snapshot.
type NopReporter struct{}

func (NopReporter) Report(context.Context, Snapshot) {}

// LogReporter writes snapshots to the log. Critical snapshots log at error
// level so operator alerting can key off them.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(_ context.Context, snapshot Snapshot) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"is_healthy", snapshot.IsHealthy,
		"state", snapshot.State,
		"failure_count", snapshot.FailureCount,
		"challenge_pending", snapshot.ChallengePending,
	}
	if snapshot.Critical {
		logger.Error("session_status_critical", attrs...)
		return
	}
	logger.Info("session_status", attrs...)
}

// WebhookReporter POSTs snapshots to a webhook with a small bounded retry.
type WebhookReporter struct {
	http   *http.Client
	url    string
	logger *slog.Logger
}

func NewWebhookReporter(httpClient *http.Client, url string, logger *slog.Logger) (*WebhookReporter, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("status: webhook url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReporter{http: httpClient, url: url, logger: logger}, nil
}

func (r *WebhookReporter) Report(ctx context.Context, snapshot Snapshot) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Warn("status_encode_error", "error", err.Error())
		return
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(raw))
		if err != nil {
			r.logger.Warn("status_request_error", "error", err.Error())
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.http.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return
			}
			lastErr = fmt.Errorf("status webhook http %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
	r.logger.Warn("status_report_failed", "error", lastErr.Error())
}

// MultiReporter fans one snapshot out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, snapshot Snapshot) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, snapshot)
		}
	}
}
