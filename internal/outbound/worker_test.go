package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/queue"
)

type sentMessage struct {
	destination string
	content     string
	media       *driver.Media
}

type fakeClient struct {
	mu         sync.Mutex
	sent       []sentMessage
	sendErr    error
	registered bool
	regErr     error
	nextID     string
}

func (f *fakeClient) Initialize(context.Context) error { return nil }
func (f *fakeClient) Destroy(context.Context) error    { return nil }
func (f *fakeClient) ResetState(context.Context) error { return nil }
func (f *fakeClient) State(context.Context) (driver.NativeState, error) {
	return driver.NativeConnected, nil
}
func (f *fakeClient) SendMessage(_ context.Context, destination, content string, media *driver.Media) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{destination: destination, content: content, media: media})
	if f.nextID != "" {
		return f.nextID, nil
	}
	return "native-1", nil
}
func (f *fakeClient) IsRegistered(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered, f.regErr
}
func (f *fakeClient) ChatInfo(context.Context, string) (driver.ChatInfo, error) {
	return driver.ChatInfo{}, nil
}
func (f *fakeClient) ContactInfo(context.Context, string) (driver.ContactInfo, error) {
	return driver.ContactInfo{}, nil
}
func (f *fakeClient) SetHandler(driver.Handler) {}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func mustPayload(t *testing.T, job Job) []byte {
	t.Helper()
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return raw
}

func newStore(t *testing.T) *FileCorrelationStore {
	t.Helper()
	return NewFileCorrelationStore(filepath.Join(t.TempDir(), "correlations.json"))
}

func TestWorker_SendsAndTracksCorrelation(t *testing.T) {
	client := &fakeClient{registered: true, nextID: "native-42"}
	store := newStore(t)
	w := NewWorker(client, store, slog.Default(), Config{})

	payload := mustPayload(t, Job{
		Destination: "12345@c.us",
		DestKind:    DestIndividual,
		Content:     "please confirm",
		Meta: Meta{
			Type:            "consent_request",
			CorrelationID:   "corr-7",
			ConsentTracking: true,
		},
	})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if client.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", client.sentCount())
	}
	got, ok := store.Get("native-42")
	if !ok || got != "corr-7" {
		t.Fatalf("Get(native-42) = (%q, %v), want (corr-7, true)", got, ok)
	}
}

func TestWorker_UntrackedSendSkipsCorrelation(t *testing.T) {
	client := &fakeClient{registered: true}
	store := newStore(t)
	w := NewWorker(client, store, slog.Default(), Config{})

	payload := mustPayload(t, Job{
		Destination: "12345@c.us",
		DestKind:    DestIndividual,
		Content:     "hi",
		Meta:        Meta{CorrelationID: "corr-8"},
	})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if _, ok := store.Get("native-1"); ok {
		t.Fatalf("correlation recorded for untracked send")
	}
}

func TestWorker_UnregisteredIndividualSkipped(t *testing.T) {
	client := &fakeClient{registered: false}
	w := NewWorker(client, newStore(t), slog.Default(), Config{})

	payload := mustPayload(t, Job{Destination: "999@c.us", DestKind: DestIndividual, Content: "hi"})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err != nil {
		t.Fatalf("handle() error = %v, want nil (skip, not retry)", err)
	}
	if client.sentCount() != 0 {
		t.Fatalf("sent %d messages, want 0", client.sentCount())
	}
}

func TestWorker_GroupSkipsRegistrationGate(t *testing.T) {
	client := &fakeClient{registered: false}
	w := NewWorker(client, newStore(t), slog.Default(), Config{})

	payload := mustPayload(t, Job{Destination: "g1@g.us", DestKind: DestGroup, Content: "hi all"})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if client.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", client.sentCount())
	}
}

func TestWorker_SendFailureReturnsError(t *testing.T) {
	client := &fakeClient{registered: true, sendErr: errors.New("socket closed")}
	w := NewWorker(client, newStore(t), slog.Default(), Config{})

	payload := mustPayload(t, Job{Destination: "12345@c.us", DestKind: DestIndividual, Content: "hi"})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err == nil {
		t.Fatalf("handle() error = nil, want send failure")
	}
}

func TestWorker_MalformedPayloadFails(t *testing.T) {
	w := NewWorker(&fakeClient{}, newStore(t), slog.Default(), Config{})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: []byte("{not json")}); err == nil {
		t.Fatalf("handle() error = nil, want decode failure")
	}
}

func TestWorker_RemoteMediaDownloaded(t *testing.T) {
	body := []byte("fake-jpeg-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	defer srv.Close()

	client := &fakeClient{registered: true}
	w := NewWorker(client, newStore(t), slog.Default(), Config{})

	payload := mustPayload(t, Job{
		Destination: "12345@c.us",
		DestKind:    DestIndividual,
		Media:       &MediaRef{RemoteURL: srv.URL, Filename: "a.jpg"},
	})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 1 || client.sent[0].media == nil {
		t.Fatalf("media not sent: %+v", client.sent)
	}
	media := client.sent[0].media
	if string(media.Data) != string(body) || media.MimeType != "image/jpeg" || media.Filename != "a.jpg" {
		t.Fatalf("media = %+v, want downloaded body with content-type mime", media)
	}
}

func TestWorker_RemoteMediaErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	client := &fakeClient{registered: true}
	w := NewWorker(client, newStore(t), slog.Default(), Config{})

	payload := mustPayload(t, Job{
		Destination: "12345@c.us",
		DestKind:    DestIndividual,
		Media:       &MediaRef{RemoteURL: srv.URL},
	})
	if err := w.handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err == nil {
		t.Fatalf("handle() error = nil, want download failure")
	}
	if client.sentCount() != 0 {
		t.Fatalf("sent %d messages, want 0", client.sentCount())
	}
}

func TestWorker_DeliversThroughQueue(t *testing.T) {
	client := &fakeClient{registered: true}
	w := NewWorker(client, newStore(t), slog.Default(), Config{SendInterval: time.Millisecond})

	q := queue.New(queue.NewMemoryStore(), slog.Default(), queue.WithTickInterval(2*time.Millisecond))
	w.Register(q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if _, err := Publish(ctx, q, Job{Destination: "g1@g.us", DestKind: DestGroup, Content: "hi"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.sentCount() == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("message not delivered through queue")
}

func TestFileCorrelationStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "correlations.json")
	first := NewFileCorrelationStore(path)
	if err := first.Put("n1", "c1"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := first.Put("n2", "c2"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	second := NewFileCorrelationStore(path)
	got, ok := second.Get("n2")
	if !ok || got != "c2" {
		t.Fatalf("Get(n2) = (%q, %v), want (c2, true)", got, ok)
	}
}
