package network

import (
	"errors"
	"sync"
	"time"

	"github.com/ZentaChain/mate-node/pkg/wire"
)

// HealthState summarizes recent I/O outcomes on a connection.
type HealthState uint8

const (
	Healthy HealthState = iota
	Degraded
	Broken
	Recovering
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Broken:
		return "broken"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// DefaultDegradedThreshold is the number of consecutive failures after which
// a degraded connection is considered broken.
const DefaultDegradedThreshold = 3

// HealthSnapshot is a point-in-time view of a HealthTracker.
type HealthSnapshot struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// HealthTracker moves between Healthy, Degraded, Recovering and Broken as
// operations fail and succeed. Broken is final.
type HealthTracker struct {
	mu          sync.Mutex
	state       HealthState
	failures    int
	threshold   int
	lastErr     error
	lastErrorAt time.Time
}

// NewHealthTracker returns a tracker in the Healthy state.
func NewHealthTracker(threshold int) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultDegradedThreshold
	}
	return &HealthTracker{threshold: threshold}
}

// RecordError notes a failed operation. Failures that point at a hostile or
// broken peer move straight to Broken.
func (h *HealthTracker) RecordError(err error) {
	if err == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastErr = err
	h.lastErrorAt = time.Now()

	if h.state == Broken {
		return
	}
	if fatalForHealth(err) {
		h.state = Broken
		return
	}

	h.failures++
	if h.failures >= h.threshold {
		h.state = Broken
		return
	}
	h.state = Degraded
}

// RecordSuccess notes a completed operation.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Degraded:
		h.state = Recovering
	case Recovering:
		h.state = Healthy
		h.failures = 0
	}
}

// AllowAttempt reports whether further operations make sense.
func (h *HealthTracker) AllowAttempt() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != Broken
}

// State returns the current state.
func (h *HealthTracker) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the current state with error details.
func (h *HealthTracker) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HealthSnapshot{
		State:       h.state.String(),
		Failures:    h.failures,
		LastErrorAt: h.lastErrorAt,
	}
	if h.lastErr != nil {
		snap.LastError = h.lastErr.Error()
	}
	return snap
}

func fatalForHealth(err error) bool {
	if IsAuthenticationError(err) || KindOf(err) == ErrorKindClosed {
		return true
	}
	var we *wire.Error
	if errors.As(err, &we) {
		return we.SecurityRelated() || we.Kind == wire.KindClosed || we.Kind == wire.KindTimeout
	}
	return false
}
