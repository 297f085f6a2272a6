// Package runtime assembles the session core: bridge, lifecycle manager,
// inbound pipeline, queue, delivery worker, and the read-only status surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shilomagen/shula-sub000/internal/cache"
	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/groupflow"
	"github.com/shilomagen/shula-sub000/internal/inbound"
	"github.com/shilomagen/shula-sub000/internal/outbound"
	"github.com/shilomagen/shula-sub000/internal/queue"
	"github.com/shilomagen/shula-sub000/internal/session"
)

// Downstream consumes normalized events off the queue. The real
// implementation lives in a separate processing service; the runtime only
// hands events over and lets the queue's retry policy deal with failures.
type Downstream interface {
	HandleEvent(ctx context.Context, env inbound.Envelope) error
}

// DownstreamFunc adapts a function to Downstream.
type DownstreamFunc func(ctx context.Context, env inbound.Envelope) error

func (f DownstreamFunc) HandleEvent(ctx context.Context, env inbound.Envelope) error {
	return f(ctx, env)
}

// Dependencies names everything the runtime wires together. All fields are
// required unless noted.
type Dependencies struct {
	Logger   *slog.Logger
	Bridge   *driver.Bridge
	Queue    *queue.Queue
	Cache    *cache.Cache
	Session  *session.Manager
	Pipeline *inbound.Pipeline
	Outbound *outbound.Worker
	Flow     *groupflow.Flow
	// Downstream receives normalized events. Optional; without it events
	// accumulate until their queue attempts expire.
	Downstream Downstream
	// EventConcurrency bounds concurrent downstream handoffs per topic.
	EventConcurrency int
	// StatusAddr is the listen address of the read-only status endpoint.
	// Empty disables the endpoint.
	StatusAddr string
}

func (d Dependencies) validate() error {
	if d.Bridge == nil {
		return errors.New("runtime: missing bridge")
	}
	if d.Queue == nil {
		return errors.New("runtime: missing queue")
	}
	if d.Cache == nil {
		return errors.New("runtime: missing cache")
	}
	if d.Session == nil {
		return errors.New("runtime: missing session manager")
	}
	if d.Pipeline == nil {
		return errors.New("runtime: missing inbound pipeline")
	}
	if d.Outbound == nil {
		return errors.New("runtime: missing outbound worker")
	}
	if d.Flow == nil {
		return errors.New("runtime: missing group-removal flow")
	}
	return nil
}

// eventTopics are the queue names routed to the downstream service.
var eventTopics = []string{
	inbound.TopicMessageReceived,
	inbound.TopicMessageAck,
	inbound.TopicReaction,
	inbound.TopicGroupMembership,
	inbound.TopicGroupSync,
}

// Runtime owns the assembled core's lifecycle.
type Runtime struct {
	deps   Dependencies
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	server *http.Server

	mu      sync.Mutex
	started bool
}

func New(deps Dependencies) (*Runtime, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.EventConcurrency <= 0 {
		deps.EventConcurrency = 16
	}
	return &Runtime{deps: deps, logger: logger}, nil
}

// Start brings the core up: processors first, then the background loops,
// then the bridge connection, and finally the driver session itself. It
// returns once the session initialize call has been issued.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime: already started")
	}
	r.started = true
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	d := r.deps
	d.Bridge.SetHandler(newCompositeHandler(d.Session, d.Pipeline))

	d.Outbound.Register(d.Queue)
	d.Flow.Register()
	r.registerDownstream()

	if err := d.Queue.Restore(); err != nil {
		cancel()
		return fmt.Errorf("runtime: restore queue: %w", err)
	}

	r.spawn(func() { d.Queue.Run(runCtx) })
	r.spawn(func() { d.Cache.Run(runCtx) })
	r.spawn(func() { d.Pipeline.Run(runCtx) })

	if err := d.Bridge.Connect(ctx); err != nil {
		cancel()
		r.wg.Wait()
		return fmt.Errorf("runtime: connect bridge: %w", err)
	}

	if err := r.startStatusServer(); err != nil {
		cancel()
		r.wg.Wait()
		return err
	}

	if err := d.Session.Start(ctx); err != nil {
		// The manager has already recorded the failure and scheduled a
		// reconnect; the runtime keeps running.
		r.logger.Warn("runtime_initial_session_start_failed", "error", err)
	}
	r.spawn(func() { d.Session.Run(runCtx) })

	r.logger.Info("runtime_started",
		"status_addr", d.StatusAddr,
		"event_concurrency", d.EventConcurrency)
	return nil
}

// Close tears the core down in reverse order of Start.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	var errs []error
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runtime: shutdown status server: %w", err))
		}
		cancel()
	}
	if err := r.deps.Bridge.Close(); err != nil {
		errs = append(errs, fmt.Errorf("runtime: close bridge: %w", err))
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("runtime_stopped")
	return errors.Join(errs...)
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// registerDownstream attaches one processor per event topic, all feeding the
// downstream service under a shared per-topic concurrency bound.
func (r *Runtime) registerDownstream() {
	d := r.deps
	if d.Downstream == nil {
		return
	}
	for _, topic := range eventTopics {
		topic := topic
		d.Queue.Process(topic, d.EventConcurrency, func(ctx context.Context, job queue.Job) error {
			var env inbound.Envelope
			if err := json.Unmarshal(job.Payload, &env); err != nil {
				return fmt.Errorf("runtime: decode %s event %s: %w", topic, job.ID, err)
			}
			return d.Downstream.HandleEvent(ctx, env)
		})
	}
}

func (r *Runtime) startStatusServer() error {
	addr := r.deps.StatusAddr
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", r.handleStatus)
	r.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.spawn(func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("runtime_status_server_failed", "addr", addr, "error", err)
		}
	})
	return nil
}

// statusResponse is the non-authoritative view served on GET /status.
type statusResponse struct {
	Session    session.Snapshot `json:"session"`
	QueueDepth int              `json:"queue_depth"`
	DeadJobs   int              `json:"dead_jobs"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Session:    r.deps.Session.Snapshot(),
		QueueDepth: r.deps.Queue.Depth(),
		DeadJobs:   len(r.deps.Queue.DeadLetters()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Warn("runtime_status_encode_failed", "error", err)
	}
}
