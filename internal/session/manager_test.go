package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/status"
)

type fakeClient struct {
	mu           sync.Mutex
	initCalls    int
	destroyCalls int
	resetCalls   int
	initErr      error
	destroyErr   error
	state        driver.NativeState
	stateErr     error
	stateEntered chan struct{}
	stateBlock   chan struct{}
	handler      driver.Handler
}

func (c *fakeClient) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCalls++
	return c.initErr
}

func (c *fakeClient) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyCalls++
	return c.destroyErr
}

func (c *fakeClient) ResetState(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetCalls++
	return nil
}

func (c *fakeClient) State(context.Context) (driver.NativeState, error) {
	if c.stateEntered != nil {
		c.stateEntered <- struct{}{}
	}
	if c.stateBlock != nil {
		<-c.stateBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.stateErr
}

func (c *fakeClient) SendMessage(context.Context, string, string, *driver.Media) (string, error) {
	return "", nil
}

func (c *fakeClient) IsRegistered(context.Context, string) (bool, error) { return true, nil }

func (c *fakeClient) ChatInfo(context.Context, string) (driver.ChatInfo, error) {
	return driver.ChatInfo{}, nil
}

func (c *fakeClient) ContactInfo(context.Context, string) (driver.ContactInfo, error) {
	return driver.ContactInfo{}, nil
}

func (c *fakeClient) SetHandler(h driver.Handler) { c.handler = h }

func (c *fakeClient) calls() (init, destroy, reset int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls, c.destroyCalls, c.resetCalls
}

// manualScheduler captures scheduled reconnects so tests fire them by hand.
type manualScheduler struct {
	mu    sync.Mutex
	waits []time.Duration
	fns   []func()
}

func (s *manualScheduler) after(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	s.fns = append(s.fns, fn)
}

func (s *manualScheduler) fireNext(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.fns) == 0 {
		s.mu.Unlock()
		t.Fatalf("no scheduled reconnect to fire")
	}
	fn := s.fns[0]
	s.fns = s.fns[1:]
	s.waits = s.waits[1:]
	s.mu.Unlock()
	fn()
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

type captureReporter struct {
	mu        sync.Mutex
	snapshots []status.Snapshot
}

func (r *captureReporter) Report(_ context.Context, s status.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
}

func (r *captureReporter) last() (status.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return status.Snapshot{}, false
	}
	return r.snapshots[len(r.snapshots)-1], true
}

func newTestManager(client *fakeClient, opts ...Option) (*Manager, *manualScheduler) {
	sched := &manualScheduler{}
	base := []Option{WithScheduler(sched.after)}
	m := NewManager(client, status.NopReporter{}, nil, Config{}, append(base, opts...)...)
	return m, sched
}

func TestOnReady_EntersConnectedAndResetsCounter(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(client)

	m.OnAuthChallenge("CODE-123")
	if got := m.Snapshot(); got.State != StateAwaitingAuth || !got.ChallengePending || got.ChallengeCode != "CODE-123" {
		t.Fatalf("Snapshot() after challenge = %+v, want AWAITING_AUTH with code", got)
	}

	m.OnDisconnected(ReasonBrowserDisconnected)
	m.OnReady()

	got := m.Snapshot()
	if got.State != StateConnected {
		t.Fatalf("State = %s, want %s", got.State, StateConnected)
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0", got.ConsecutiveFailures)
	}
	if got.ChallengePending || got.ChallengeCode != "" {
		t.Fatalf("challenge not cleared on CONNECTED: %+v", got)
	}
	if !got.IsHealthy() {
		t.Fatalf("IsHealthy() = false, want true")
	}
}

func TestOnDisconnected_IncrementsCounterAndSchedulesReconnect(t *testing.T) {
	client := &fakeClient{}
	m, sched := newTestManager(client)

	m.OnDisconnected(ReasonBrowserDisconnected)

	got := m.Snapshot()
	if got.State != StateDisconnected || got.ConsecutiveFailures != 1 || got.LastReason != ReasonBrowserDisconnected {
		t.Fatalf("Snapshot() = %+v, want DISCONNECTED/1/BROWSER_DISCONNECTED", got)
	}
	if sched.pending() != 1 {
		t.Fatalf("scheduled reconnects = %d, want 1", sched.pending())
	}
}

func TestReconnect_PendingAttemptDropsNewRequests(t *testing.T) {
	client := &fakeClient{}
	m, sched := newTestManager(client)

	m.OnDisconnected(ReasonProbeUnhealthy)
	m.OnDisconnected(ReasonProbeUnhealthy)
	m.OnDisconnected(ReasonProbeUnhealthy)

	if got := sched.pending(); got != 1 {
		t.Fatalf("scheduled reconnects = %d, want 1 (others dropped, not queued)", got)
	}
}

func TestRecoveryStep_SessionFatalReasonAlwaysRecreates(t *testing.T) {
	// 4 consecutive failures with a transport-level reason must recreate,
	// not fall into the count-based reinit tier.
	client := &fakeClient{}
	m, sched := newTestManager(client)

	for i := 0; i < 4; i++ {
		m.OnDisconnected(ReasonBrowserDisconnected)
		if sched.pending() > 0 {
			sched.fireNext(t)
		}
	}

	_, destroy, reset := client.calls()
	if destroy == 0 {
		t.Fatalf("Destroy calls = 0, want full recreation for BROWSER_DISCONNECTED")
	}
	if reset != 0 {
		t.Fatalf("ResetState calls = %d, want 0 for session-fatal reason", reset)
	}
}

func TestChooseRecoveryStep_Tiers(t *testing.T) {
	cases := []struct {
		name     string
		reason   string
		failures int
		want     recoveryStep
	}{
		{name: "logout always recreates", reason: ReasonLogout, failures: 1, want: stepRecreate},
		{name: "bridge drop always recreates", reason: ReasonBridgeDisconnected, failures: 2, want: stepRecreate},
		{name: "low count reinitializes", reason: ReasonProbeUnhealthy, failures: 3, want: stepInitialize},
		{name: "mid count resets first", reason: ReasonProbeUnhealthy, failures: 5, want: stepResetAndInitialize},
		{name: "high count recreates", reason: ReasonProbeUnhealthy, failures: 7, want: stepRecreate},
	}
	for _, tc := range cases {
		if got := chooseRecoveryStep(tc.reason, tc.failures); got != tc.want {
			t.Fatalf("%s: chooseRecoveryStep(%q, %d) = %s, want %s", tc.name, tc.reason, tc.failures, got, tc.want)
		}
	}
}

func TestAttemptReconnect_DestroyErrorIsSwallowed(t *testing.T) {
	client := &fakeClient{destroyErr: errors.New("browser already gone")}
	m, sched := newTestManager(client)

	m.OnDisconnected(ReasonLogout)
	sched.fireNext(t)

	init, destroy, _ := client.calls()
	if destroy != 1 {
		t.Fatalf("Destroy calls = %d, want 1", destroy)
	}
	if init != 1 {
		t.Fatalf("Initialize calls = %d, want 1 (recreation proceeds past destroy error)", init)
	}
	if got := sched.pending(); got != 0 {
		t.Fatalf("pending reconnects after success = %d, want 0", got)
	}
}

func TestAttemptReconnect_FailureIncrementsAndReschedules(t *testing.T) {
	client := &fakeClient{initErr: errors.New("still down")}
	m, sched := newTestManager(client)

	m.OnDisconnected(ReasonProbeUnhealthy)
	sched.fireNext(t)

	got := m.Snapshot()
	if got.ConsecutiveFailures != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2 after failed attempt", got.ConsecutiveFailures)
	}
	if sched.pending() != 1 {
		t.Fatalf("pending reconnects = %d, want 1 (rescheduled)", sched.pending())
	}
}

func TestBackoffDelay_NonDecreasingAndCapped(t *testing.T) {
	base := 5 * time.Second
	maxDelay := 5 * time.Minute
	prev := time.Duration(0)
	for failures := 1; failures <= 20; failures++ {
		d := backoffDelay(base, maxDelay, failures)
		if d < prev {
			t.Fatalf("backoffDelay(%d) = %s < previous %s, want non-decreasing", failures, d, prev)
		}
		if d > maxDelay {
			t.Fatalf("backoffDelay(%d) = %s, want <= %s", failures, d, maxDelay)
		}
		prev = d
	}
	if got, want := backoffDelay(base, maxDelay, 1), base; got != want {
		t.Fatalf("backoffDelay(1) = %s, want %s", got, want)
	}
	// Exponent caps at 5: further failures reuse the same delay.
	if backoffDelay(base, maxDelay, 6) != backoffDelay(base, maxDelay, 12) {
		t.Fatalf("backoffDelay exponent not capped")
	}
}

func TestProbe_SelfExcluding(t *testing.T) {
	entered := make(chan struct{}, 1)
	block := make(chan struct{})
	client := &fakeClient{state: driver.NativeConnected, stateEntered: entered, stateBlock: block}
	m, _ := newTestManager(client)

	done := make(chan struct{})
	go func() {
		m.probeOnce(context.Background())
		close(done)
	}()
	<-entered // first probe is in flight inside the native call

	m.probeOnce(context.Background())
	if got := m.probe.Skipped(); got != 1 {
		t.Fatalf("skipped probes = %d, want 1 (overlapping tick dropped)", got)
	}

	close(block)
	<-done
	if got := m.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("failures after healthy probe = %d, want 0", got)
	}
}

func TestProbe_UnhealthyNativeStateCountsFailure(t *testing.T) {
	client := &fakeClient{state: driver.NativeUnpaired}
	m, sched := newTestManager(client)
	m.OnReady()

	m.probeOnce(context.Background())

	got := m.Snapshot()
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.State != StateDegraded {
		t.Fatalf("State = %s, want %s (probe degrades a connected session)", got.State, StateDegraded)
	}
	if sched.pending() != 1 {
		t.Fatalf("probe backstop did not schedule a reconnect")
	}
}

func TestEscalation_RaisesCriticalPastThreshold(t *testing.T) {
	client := &fakeClient{}
	reporter := &captureReporter{}
	sched := &manualScheduler{}
	m := NewManager(client, reporter, nil, Config{EscalationThreshold: 2}, WithScheduler(sched.after))

	m.OnDisconnected(ReasonProbeUnhealthy)
	m.OnDisconnected(ReasonProbeUnhealthy)
	waitForSnapshots(t, reporter, 4)
	if last, ok := reporter.last(); !ok || last.Critical {
		t.Fatalf("critical before threshold crossed: %+v", last)
	}

	m.OnDisconnected(ReasonProbeUnhealthy)
	waitForSnapshots(t, reporter, 6)
	last, ok := reporter.last()
	if !ok || !last.Critical {
		t.Fatalf("snapshot = %+v, want critical after threshold", last)
	}
	if last.FailureCount != 3 {
		t.Fatalf("FailureCount = %d, want 3", last.FailureCount)
	}
}

// waitForSnapshots polls until the reporter goroutine has delivered n
// snapshots.
func waitForSnapshots(t *testing.T, r *captureReporter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := len(r.snapshots)
		r.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("reporter snapshots did not reach %d within 2s", n)
}

type blockingReporter struct {
	release  chan struct{}
	mu       sync.Mutex
	reported []status.Snapshot
}

func (r *blockingReporter) Report(_ context.Context, s status.Snapshot) {
	<-r.release
	r.mu.Lock()
	r.reported = append(r.reported, s)
	r.mu.Unlock()
}

func TestLifecycleCallbacks_DoNotWaitOnReporter(t *testing.T) {
	client := &fakeClient{}
	reporter := &blockingReporter{release: make(chan struct{})}
	sched := &manualScheduler{}
	m := NewManager(client, reporter, nil, Config{}, WithScheduler(sched.after))

	start := time.Now()
	m.OnReady()
	m.OnAuthChallenge("CODE-1")
	m.OnDisconnected(ReasonBrowserDisconnected)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("callbacks took %v with a stalled reporter, want immediate return", elapsed)
	}

	close(reporter.release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reporter.mu.Lock()
		got := len(reporter.reported)
		reporter.mu.Unlock()
		if got >= 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("snapshots never reached the reporter after release")
}
