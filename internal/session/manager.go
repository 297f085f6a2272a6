package session

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/status"
)

const (
	defaultProbeInterval       = 30 * time.Second
	defaultProbeTimeout        = 20 * time.Second
	defaultBackoffBase         = 5 * time.Second
	defaultBackoffMax          = 5 * time.Minute
	defaultEscalationThreshold = 10
	backoffExponentCap         = 5
	reportBuffer               = 32
)

// Config tunes the lifecycle manager. Zero values fall back to defaults.
type Config struct {
	ProbeInterval       time.Duration
	ProbeTimeout        time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	EscalationThreshold int
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = defaultEscalationThreshold
	}
	return c
}

// Manager is the sole owner of the session state machine. It implements the
// lifecycle half of driver.Handler; the inbound pipeline handles the event
// half separately.
type Manager struct {
	driver.NopHandler

	client   driver.Client
	reporter status.Reporter
	logger   *slog.Logger
	cfg      Config

	mu               sync.Mutex
	state            State
	failures         int
	lastReason       string
	lastAttemptAt    time.Time
	challengeCode    string
	reconnectPending bool

	probe probeGuard

	reports chan statusReport

	now   func() time.Time
	after func(d time.Duration, fn func())
}

// statusReport is one snapshot queued for the reporter goroutine.
type statusReport struct {
	snapshot Snapshot
	critical bool
}

type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithScheduler overrides reconnect-timer scheduling (tests).
func WithScheduler(after func(d time.Duration, fn func())) Option {
	return func(m *Manager) { m.after = after }
}

func NewManager(client driver.Client, reporter status.Reporter, logger *slog.Logger, cfg Config, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = status.NopReporter{}
	}
	m := &Manager{
		client:   client,
		reporter: reporter,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		state:    StateInitializing,
		reports:  make(chan statusReport, reportBuffer),
		now:      time.Now,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.drainReports()
	return m
}

// Snapshot returns the authoritative session-health view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:                  m.state,
		ConsecutiveFailures:    m.failures,
		LastReason:             m.lastReason,
		LastReconnectAttemptAt: m.lastAttemptAt,
		ChallengePending:       m.state == StateAwaitingAuth,
		ChallengeCode:          m.challengeCode,
		Timestamp:              m.now(),
	}
}

// Start issues the initial driver initialization. CONNECTED is only entered
// on the driver's own ready callback.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateInitializing
	m.mu.Unlock()
	if err := m.client.Initialize(ctx); err != nil {
		m.logger.Error("session_initialize_error", "error", err.Error())
		m.recordFailure(ReasonBrowserDisconnected)
		return err
	}
	return nil
}

// Run drives the periodic health probe until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go m.probeOnce(ctx)
		}
	}
}

// probeOnce observes the native state. Self-excluding: overlapping ticks are
// dropped. The probe feeds the failure counter and, as a backstop, the
// throttled reconnect evaluation; primary recovery runs off the explicit
// failure callbacks.
func (m *Manager) probeOnce(ctx context.Context) {
	if !m.probe.Start() {
		m.logger.Debug("session_probe_skipped", "reason", "already_running")
		return
	}
	defer m.probe.End()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	native, err := m.client.State(probeCtx)
	if err != nil {
		m.logger.Warn("session_probe_error", "error", err.Error())
		m.recordFailure(ReasonProbeError)
		return
	}
	if native.Healthy() {
		m.logger.Debug("session_probe_ok", "native_state", string(native))
		return
	}
	m.logger.Warn("session_probe_unhealthy", "native_state", string(native))
	m.recordFailure(ReasonProbeUnhealthy)
}

// --- driver.Handler lifecycle callbacks ---

func (m *Manager) OnReady() {
	m.mu.Lock()
	m.state = StateConnected
	m.failures = 0
	m.challengeCode = ""
	m.lastReason = ""
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.logger.Info("session_connected")
	m.report(snapshot, false)
}

func (m *Manager) OnAuthChallenge(code string) {
	m.mu.Lock()
	m.state = StateAwaitingAuth
	m.challengeCode = code
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.logger.Info("session_auth_challenge")
	m.report(snapshot, false)
}

func (m *Manager) OnAuthFailure(msg string) {
	m.mu.Lock()
	m.state = StateLoggedOut
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.logger.Error("session_auth_failure", "message", msg)
	m.report(snapshot, false)
	m.recordFailure(ReasonAuthFailure)
}

func (m *Manager) OnDisconnected(reason string) {
	m.mu.Lock()
	if reason == ReasonLogout {
		m.state = StateLoggedOut
	} else {
		m.state = StateDisconnected
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.logger.Warn("session_disconnected", "reason", reason)
	m.report(snapshot, false)
	m.recordFailure(reason)
}

// recordFailure increments the counter, degrades a connected session, raises
// escalation past the threshold, and schedules a throttled reconnect.
func (m *Manager) recordFailure(reason string) {
	m.mu.Lock()
	m.failures++
	m.lastReason = reason
	if m.state == StateConnected {
		m.state = StateDegraded
	}
	failures := m.failures
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	escalate := failures > m.cfg.EscalationThreshold
	if escalate {
		m.logger.Error("session_failure_escalated", "consecutive_failures", failures, "reason", reason)
	}
	m.report(snapshot, escalate)
	m.scheduleReconnect()
}

// scheduleReconnect applies the backoff throttle: at most one pending attempt
// at a time, and attempts arriving inside the backoff window are dropped, not
// queued.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.reconnectPending {
		m.mu.Unlock()
		m.logger.Debug("session_reconnect_dropped", "reason", "attempt_pending")
		return
	}
	delay := backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffMax, m.failures)
	now := m.now()
	wait := time.Duration(0)
	if !m.lastAttemptAt.IsZero() {
		earliest := m.lastAttemptAt.Add(delay)
		if earliest.After(now) {
			wait = earliest.Sub(now)
		}
	}
	m.reconnectPending = true
	m.mu.Unlock()

	m.logger.Info("session_reconnect_scheduled", "delay", wait.String(), "backoff", delay.String())
	m.after(wait, m.attemptReconnect)
}

// attemptReconnect performs one tiered recovery attempt. Attempts are not
// cancellable mid-flight.
func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	m.lastAttemptAt = m.now()
	m.reconnectPending = false
	reason := m.lastReason
	failures := m.failures
	m.mu.Unlock()

	step := chooseRecoveryStep(reason, failures)
	m.logger.Info("session_reconnect_attempt",
		"step", step.String(), "consecutive_failures", failures, "last_reason", reason)

	ctx := context.Background()
	var err error
	switch step {
	case stepInitialize:
		err = m.client.Initialize(ctx)
	case stepResetAndInitialize:
		if resetErr := m.client.ResetState(ctx); resetErr != nil {
			m.logger.Warn("session_reset_state_error", "error", resetErr.Error())
		}
		err = m.client.Initialize(ctx)
	case stepRecreate:
		// The goal is a working new session, not a clean old one: destroy
		// errors are logged and swallowed.
		if destroyErr := m.client.Destroy(ctx); destroyErr != nil {
			m.logger.Warn("session_destroy_error", "error", destroyErr.Error())
		}
		err = m.client.Initialize(ctx)
	}
	if err != nil {
		m.logger.Warn("session_reconnect_failed", "step", step.String(), "error", err.Error())
		m.recordFailure(reason)
		return
	}
	m.logger.Info("session_reconnect_initialized", "step", step.String())
}

// report hands the snapshot to the reporter goroutine. Callbacks arrive on
// the bridge's single dispatch loop, so a slow reporter (webhook retries)
// must never run on the caller. A full buffer drops the snapshot; the next
// transition carries fresher state anyway.
func (m *Manager) report(snapshot Snapshot, critical bool) {
	select {
	case m.reports <- statusReport{snapshot: snapshot, critical: critical}:
	default:
		m.logger.Warn("session_status_report_dropped", "state", string(snapshot.State))
	}
}

func (m *Manager) drainReports() {
	for r := range m.reports {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		m.reporter.Report(ctx, status.Snapshot{
			IsHealthy:        r.snapshot.IsHealthy(),
			State:            string(r.snapshot.State),
			FailureCount:     r.snapshot.ConsecutiveFailures,
			ChallengePending: r.snapshot.ChallengePending,
			Critical:         r.critical,
			Timestamp:        r.snapshot.Timestamp,
		})
		cancel()
	}
}

// backoffDelay computes base * 1.5^min(failures-1, 5), capped at max.
// Non-decreasing in the failure count up to the cap.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	exp := failures - 1
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}
	delay := time.Duration(float64(base) * math.Pow(1.5, float64(exp)))
	if delay > max {
		delay = max
	}
	return delay
}
