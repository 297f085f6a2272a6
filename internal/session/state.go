// Package session owns the single network session: its state machine, the
// self-excluding health probe, the tiered reconnection policy and operator
// escalation. All connection-health reads anywhere in the process go through
// Manager.Snapshot; nobody else inspects the driver directly.
package session

import "time"

// State is the session lifecycle state. Mutated only by the Manager's own
// transition handlers.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateAwaitingAuth State = "AWAITING_AUTH"
	StateConnected    State = "CONNECTED"
	StateDegraded     State = "DEGRADED"
	StateDisconnected State = "DISCONNECTED"
	StateLoggedOut    State = "LOGGED_OUT"
)

// Transition reasons recorded as lastReason diagnostics.
const (
	ReasonLogout              = "LOGOUT"
	ReasonAuthFailure         = "AUTH_FAILURE"
	ReasonBrowserDisconnected = "BROWSER_DISCONNECTED"
	ReasonBridgeDisconnected  = "BRIDGE_DISCONNECTED"
	ReasonProbeUnhealthy      = "PROBE_UNHEALTHY"
	ReasonProbeError          = "PROBE_ERROR"
)

// isSessionFatal reports whether a failure reason always demands a full
// session recreation, regardless of the consecutive-failure count.
func isSessionFatal(reason string) bool {
	switch reason {
	case ReasonLogout, ReasonAuthFailure, ReasonBrowserDisconnected, ReasonBridgeDisconnected:
		return true
	default:
		return false
	}
}

// Snapshot is the read-only view of session health handed to the rest of the
// process and to the status reporter.
type Snapshot struct {
	State                  State     `json:"state"`
	ConsecutiveFailures    int       `json:"consecutive_failures"`
	LastReason             string    `json:"last_reason,omitempty"`
	LastReconnectAttemptAt time.Time `json:"last_reconnect_attempt_at,omitzero"`
	ChallengePending       bool      `json:"challenge_pending"`
	ChallengeCode          string    `json:"challenge_code,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

// IsHealthy reports whether the session is usable for sends.
func (s Snapshot) IsHealthy() bool {
	return s.State == StateConnected
}

// recoveryStep is the reconnection tier chosen for one attempt.
type recoveryStep int

const (
	stepInitialize recoveryStep = iota
	stepResetAndInitialize
	stepRecreate
)

func (s recoveryStep) String() string {
	switch s {
	case stepInitialize:
		return "initialize"
	case stepResetAndInitialize:
		return "reset_and_initialize"
	case stepRecreate:
		return "recreate"
	default:
		return "unknown"
	}
}

// chooseRecoveryStep implements the tiered policy: session-fatal reasons
// always recreate; otherwise the step escalates with the failure count.
func chooseRecoveryStep(reason string, failures int) recoveryStep {
	if isSessionFatal(reason) {
		return stepRecreate
	}
	switch {
	case failures <= 3:
		return stepInitialize
	case failures <= 6:
		return stepResetAndInitialize
	default:
		return stepRecreate
	}
}
