package groupflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPBackend talks to the entity-storage service over its REST surface.
// 404 responses map to ErrNotFound so repeated deletions stay idempotent.
type HTTPBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPBackend(baseURL, token string, httpClient *http.Client) (*HTTPBackend, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("groupflow: backend url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPBackend{baseURL: baseURL, token: token, httpClient: httpClient}, nil
}

func (b *HTTPBackend) RemoveMember(ctx context.Context, groupID, memberID string) error {
	path := fmt.Sprintf("/groups/%s/members/%s", url.PathEscape(groupID), url.PathEscape(memberID))
	return b.delete(ctx, path)
}

func (b *HTTPBackend) RemoveGroup(ctx context.Context, groupID string) error {
	return b.delete(ctx, "/groups/"+url.PathEscape(groupID))
}

func (b *HTTPBackend) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("groupflow: build request: %w", err)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("groupflow: delete %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("groupflow: delete %s: %w", path, ErrNotFound)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("groupflow: delete %s: status %d", path, resp.StatusCode)
	}
}

// NopBackend logs removals and reports every record absent. It stands in
// when no backend URL is configured.
type NopBackend struct {
	Logger *slog.Logger
}

func (b NopBackend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b NopBackend) RemoveMember(_ context.Context, groupID, memberID string) error {
	b.logger().Debug("group_member_removal_unbacked", "group_id", groupID, "member_id", memberID)
	return ErrNotFound
}

func (b NopBackend) RemoveGroup(_ context.Context, groupID string) error {
	b.logger().Debug("group_removal_unbacked", "group_id", groupID)
	return ErrNotFound
}
