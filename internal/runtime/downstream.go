package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shilomagen/shula-sub000/internal/inbound"
)

// HTTPDownstream posts each normalized event to the processing service. A
// non-2xx response is an error so the queue's retry policy applies.
type HTTPDownstream struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewHTTPDownstream(url, token string, httpClient *http.Client) (*HTTPDownstream, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("runtime: downstream url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDownstream{url: url, token: token, httpClient: httpClient}, nil
}

func (d *HTTPDownstream) HandleEvent(ctx context.Context, env inbound.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("runtime: marshal event %s: %w", env.EventID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("runtime: build downstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", env.IdempotencyKey)
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runtime: deliver event %s: %w", env.EventID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("runtime: deliver event %s: status %d", env.EventID, resp.StatusCode)
	}
	return nil
}

// LogDownstream records events and completes them. It stands in when no
// downstream URL is configured.
type LogDownstream struct {
	Logger *slog.Logger
}

func (d LogDownstream) HandleEvent(_ context.Context, env inbound.Envelope) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("downstream_event_logged",
		"event_id", env.EventID,
		"topic", env.Topic,
		"conversation_key", env.ConversationKey)
	return nil
}
