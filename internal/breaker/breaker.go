// Package breaker implements a three-state circuit breaker (closed,
// open, half-open) guarding calls to upstream providers.
//
// One behavior is deliberately preserved rather than "fixed": while
// the breaker is Open and its timeout has not yet elapsed, Execute
// still invokes the guarded function and returns its result as-is,
// without touching the failure/success counters or the state. Only
// once the timeout has elapsed does the breaker transition to
// HalfOpen and resume normal accounting. Upstream outages therefore
// still generate load during the "open" window; this mirrors the
// breaker this package was modeled on exactly, quirk included.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards calls with failure-count-based tripping and a
// half-open trial period before fully closing again.
type Breaker struct {
	mu sync.Mutex

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	failureThreshold int
	timeout          time.Duration
	successThreshold int

	now func() time.Time
}

// New creates a Breaker starting Closed. failureThreshold consecutive
// failures trip it Open; after timeout elapses it allows a trial call
// in HalfOpen, requiring successThreshold consecutive successes to
// fully close again. Any failure while HalfOpen reopens it.
func New(failureThreshold int, timeout time.Duration, successThreshold int) *Breaker {
	return &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		successThreshold: successThreshold,
		now:              time.Now,
	}
}

// Execute runs f under the breaker's protection.
func (b *Breaker) Execute(f func() error) error {
	if openStillInvoking := b.beforeCall(); openStillInvoking {
		return f()
	}
	err := f()
	b.afterCall(err)
	return err
}

// beforeCall transitions Open->HalfOpen once the timeout has elapsed,
// and reports whether this call falls into the "Open, not yet timed
// out, invoke anyway without accounting" quirk window.
func (b *Breaker) beforeCall() (openStillInvoking bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return false
	}

	if b.now().Sub(b.lastFailureTime) < b.timeout {
		return true
	}

	b.state = HalfOpen
	b.successCount = 0
	return false
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failureCount++
		b.lastFailureTime = b.now()
		if b.state == HalfOpen || b.failureCount >= b.failureThreshold {
			b.state = Open
		}
		return
	}

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	case Closed:
		b.failureCount = 0
	}
}

// Call is a generic variant of Execute for functions that also return
// a value, e.g. provider calls returning (*ChatResponse, error).
func Call[T any](b *Breaker, f func() (T, error)) (T, error) {
	var result T
	err := b.Execute(func() error {
		var innerErr error
		result, innerErr = f()
		return innerErr
	})
	return result, err
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	SuccessCount    int    `json:"success_count"`
	LastFailureTime string `json:"last_failure_time,omitempty"`
}

// Stats returns the breaker's current state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailureTime = b.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// CurrentState returns the breaker's state without mutating it.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
