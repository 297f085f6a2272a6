package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookReporter_PostsSnapshot(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var snapshot Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
			t.Errorf("decode: %v", err)
		}
		got.Store(snapshot)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := NewWebhookReporter(nil, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewWebhookReporter() error = %v", err)
	}
	r.Report(context.Background(), Snapshot{
		IsHealthy:    false,
		State:        "DISCONNECTED",
		FailureCount: 4,
		Critical:     true,
		Timestamp:    time.Now(),
	})

	snapshot, ok := got.Load().(Snapshot)
	if !ok {
		t.Fatalf("webhook not called")
	}
	if snapshot.State != "DISCONNECTED" || snapshot.FailureCount != 4 || !snapshot.Critical {
		t.Fatalf("snapshot = %+v, want DISCONNECTED/4/critical", snapshot)
	}
}

func TestWebhookReporter_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := NewWebhookReporter(nil, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewWebhookReporter() error = %v", err)
	}
	r.Report(context.Background(), Snapshot{State: "DEGRADED"})

	if got := calls.Load(); got != 3 {
		t.Fatalf("webhook calls = %d, want 3", got)
	}
}

func TestNewWebhookReporter_RequiresURL(t *testing.T) {
	if _, err := NewWebhookReporter(nil, "  ", nil); err == nil {
		t.Fatalf("NewWebhookReporter() error = nil, want error for empty url")
	}
}

func TestMultiReporter_FansOut(t *testing.T) {
	var first, second atomic.Int32
	counter := func(n *atomic.Int32) Reporter {
		return reporterFunc(func(context.Context, Snapshot) { n.Add(1) })
	}
	m := MultiReporter{counter(&first), nil, counter(&second)}
	m.Report(context.Background(), Snapshot{})

	if first.Load() != 1 || second.Load() != 1 {
		t.Fatalf("fan-out counts = %d, %d, want 1, 1", first.Load(), second.Load())
	}
}

type reporterFunc func(context.Context, Snapshot)

func (f reporterFunc) Report(ctx context.Context, s Snapshot) { f(ctx, s) }
