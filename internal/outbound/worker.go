// Package outbound delivers queued messages through the driver, one at a
// time, paced to look like a human typing rather than a burst of API calls.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/queue"
)

// TopicSend is the queue name the delivery worker consumes.
const TopicSend = "outbound.send"

// Destination kinds.
const (
	DestIndividual = "individual"
	DestGroup      = "group"
)

// maxRemoteMediaBytes caps a downloaded attachment.
const maxRemoteMediaBytes = 32 << 20

var errEmptyDestination = errors.New("outbound: job has no destination")

// MediaRef is an outbound attachment: either inline bytes or a URL the
// worker downloads synchronously before sending.
type MediaRef struct {
	MimeType  string `json:"mime_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Data      []byte `json:"data,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
}

// Meta carries tracing and consent context for a send.
type Meta struct {
	Type            string `json:"type,omitempty"`
	SourceID        string `json:"source_id,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	ConsentTracking bool   `json:"consent_tracking,omitempty"`
}

// Job is the outbound-send payload.
type Job struct {
	Destination    string        `json:"destination"`
	DestKind       string        `json:"dest_kind"`
	Content        string        `json:"content,omitempty"`
	Media          *MediaRef     `json:"media,omitempty"`
	Meta           Meta          `json:"meta"`
	ScheduledDelay time.Duration `json:"scheduled_delay,omitempty"`
}

// Publish enqueues a send job, honoring its scheduled delay.
func Publish(ctx context.Context, q *queue.Queue, job Job) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("outbound: marshal job: %w", err)
	}
	return q.Enqueue(ctx, TopicSend, raw, queue.Options{Delay: job.ScheduledDelay})
}

// Config tunes the delivery worker.
type Config struct {
	// SendInterval is the minimum gap between consecutive sends.
	SendInterval time.Duration
	// DownloadTimeout bounds a remote media fetch.
	DownloadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendInterval <= 0 {
		c.SendInterval = 500 * time.Millisecond
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 30 * time.Second
	}
	return c
}

// Worker consumes outbound.send jobs. Register attaches it to the queue with
// single-slot concurrency so sends stay strictly sequential.
type Worker struct {
	client       driver.Client
	correlations CorrelationStore
	httpClient   *http.Client
	logger       *slog.Logger
	cfg          Config
}

func NewWorker(client driver.Client, correlations CorrelationStore, logger *slog.Logger, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client:       client,
		correlations: correlations,
		httpClient:   &http.Client{Timeout: cfg.DownloadTimeout},
		logger:       logger,
		cfg:          cfg,
	}
}

// Register attaches the worker to the queue.
func (w *Worker) Register(q *queue.Queue) {
	q.ProcessWithOptions(TopicSend, queue.ProcessorOptions{
		Concurrency: 1,
		MinInterval: w.cfg.SendInterval,
	}, w.handle)
}

func (w *Worker) handle(ctx context.Context, job queue.Job) error {
	var send Job
	if err := json.Unmarshal(job.Payload, &send); err != nil {
		// Malformed payloads never become valid; failing fast burns the
		// remaining attempts and lands the job in the dead-letter ring.
		return fmt.Errorf("outbound: decode job %s: %w", job.ID, err)
	}
	if send.Destination == "" {
		return errEmptyDestination
	}

	if send.DestKind == DestIndividual {
		registered, err := w.client.IsRegistered(ctx, send.Destination)
		if err != nil {
			return fmt.Errorf("outbound: registration check for %s: %w", send.Destination, err)
		}
		if !registered {
			w.logger.Warn("outbound_destination_unregistered",
				"job_id", job.ID,
				"destination", send.Destination)
			return nil
		}
	}

	media, err := w.resolveMedia(ctx, send.Media)
	if err != nil {
		return err
	}

	nativeID, err := w.client.SendMessage(ctx, send.Destination, send.Content, media)
	if err != nil {
		return fmt.Errorf("outbound: send to %s: %w", send.Destination, err)
	}

	if send.Meta.ConsentTracking && send.Meta.CorrelationID != "" {
		// The message is already out; a bookkeeping failure must not trigger
		// a duplicate send.
		if err := w.correlations.Put(nativeID, send.Meta.CorrelationID); err != nil {
			w.logger.Error("outbound_correlation_persist_failed",
				"job_id", job.ID,
				"native_message_id", nativeID,
				"correlation_id", send.Meta.CorrelationID,
				"error", err)
		}
	}

	w.logger.Info("outbound_message_sent",
		"job_id", job.ID,
		"destination", send.Destination,
		"dest_kind", send.DestKind,
		"native_message_id", nativeID,
		"has_media", media != nil)
	return nil
}

func (w *Worker) resolveMedia(ctx context.Context, ref *MediaRef) (*driver.Media, error) {
	if ref == nil {
		return nil, nil
	}
	if len(ref.Data) > 0 {
		return &driver.Media{
			MimeType: ref.MimeType,
			Filename: ref.Filename,
			Data:     ref.Data,
		}, nil
	}
	if ref.RemoteURL == "" {
		return nil, errors.New("outbound: media ref carries neither data nor url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.RemoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("outbound: build media request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("outbound: fetch media %s: %w", ref.RemoteURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("outbound: fetch media %s: status %d", ref.RemoteURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("outbound: read media %s: %w", ref.RemoteURL, err)
	}
	if len(data) > maxRemoteMediaBytes {
		return nil, fmt.Errorf("outbound: media %s exceeds %d bytes", ref.RemoteURL, maxRemoteMediaBytes)
	}
	mime := ref.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return &driver.Media{
		MimeType: mime,
		Filename: ref.Filename,
		Data:     data,
	}, nil
}
