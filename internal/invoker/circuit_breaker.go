package invoker

import (
	"sync"
	"time"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/model"
)

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

var breakerStateNames = [...]string{
	BreakerClosed:   "closed",
	BreakerOpen:     "open",
	BreakerHalfOpen: "half-open",
}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// StateChangeFunc observes breaker transitions. It is invoked with the
// breaker lock held and must not call back into the breaker.
type StateChangeFunc func(name string, from, to BreakerState)

// rateWindow counts outcomes over a tumbling window. A zero span disables it.
type rateWindow struct {
	span     time.Duration
	start    time.Time
	total    int
	failures int
}

// at rolls the window over when span has elapsed since it started.
func (w *rateWindow) at(now time.Time) {
	if w.span > 0 && now.Sub(w.start) > w.span {
		w.reset(now)
	}
}

func (w *rateWindow) add(now time.Time, failed bool) {
	if w.span <= 0 {
		return
	}
	w.at(now)
	w.total++
	if failed {
		w.failures++
	}
}

func (w *rateWindow) reset(now time.Time) {
	*w = rateWindow{span: w.span, start: now}
}

func (w *rateWindow) rate() float64 {
	if w.total == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.total)
}

// Rate-based tripping waits for this many calls in the window.
const minErrorRateSamples = 10

// CircuitBreaker guards calls to one backend. It opens after
// FailureThreshold consecutive failures, or when the failure rate within
// ErrorRateWindow reaches ErrorRateThreshold. After Timeout it lets trials
// through; SuccessThreshold trial successes close it and any trial failure
// opens it again.
type CircuitBreaker struct {
	name string
	cfg  config.CircuitBreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	trials      int
	openedAt    time.Time
	window      rateWindow
	observer    StateChangeFunc
}

// NewCircuitBreaker creates the breaker for the named backend. Unset
// thresholds default to 5 failures, 2 trial successes and a 30s timeout.
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
	if cfg.ErrorRateThreshold > 0 {
		cb.window.span = cfg.ErrorRateWindow
	}
	cb.window.start = cb.now()
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// OnStateChange registers fn as the transition observer.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	cb.observer = fn
	cb.mu.Unlock()
}

// Allow reports whether a call may proceed. While open it returns a
// BACKEND_UNAVAILABLE error.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.current() == BreakerOpen {
		return model.NewBackendUnavailableError()
	}
	return nil
}

// State returns the breaker position, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.consecutive = 0
		cb.window.add(cb.now(), false)
	case BreakerHalfOpen:
		cb.trials++
		if cb.trials >= cb.cfg.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.consecutive++
		cb.window.add(cb.now(), true)
		if cb.consecutive >= cb.cfg.FailureThreshold || cb.rateTripped() {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	}
}

// Counts returns the consecutive failures while closed and the trial
// successes while half-open.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutive, cb.trials
}

// ErrorRate returns the failure rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window.at(cb.now())
	return cb.window.rate(), cb.window.total
}

// current must be called with mu held.
func (cb *CircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.transition(BreakerHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) rateTripped() bool {
	return cb.window.span > 0 &&
		cb.window.total >= minErrorRateSamples &&
		cb.window.rate() >= cb.cfg.ErrorRateThreshold
}

// transition must be called with mu held. Every state starts with fresh
// counters.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	now := cb.now()
	cb.state = to
	cb.consecutive, cb.trials = 0, 0
	switch to {
	case BreakerOpen:
		cb.openedAt = now
		cb.window.reset(now)
	case BreakerClosed:
		cb.window.reset(now)
	}
	if from != to && cb.observer != nil {
		cb.observer(cb.name, from, to)
	}
}
