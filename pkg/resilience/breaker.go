package resilience

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Calls pass through and feed the window.
	StateOpen                  // Calls are rejected until the wait elapses.
	StateHalfOpen              // One trial call decides between closed and open.
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// outcome is the breaker's view of one attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// circuitBreaker keeps a count based sliding window of attempt outcomes.
// All state transitions happen under mu.
type circuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig

	state    State
	openedAt time.Time
	trial    bool // a half-open trial call is in flight

	window   []bool // true = failure
	next     int
	size     int
	failures int

	now          func() time.Time
	onTransition func(from, to State)
}

func newCircuitBreaker(cfg CircuitBreakerConfig, now func() time.Time, onTransition func(from, to State)) *circuitBreaker {
	return &circuitBreaker{
		cfg:          cfg,
		state:        StateClosed,
		window:       make([]bool, cfg.SlidingWindowSize),
		now:          now,
		onTransition: onTransition,
	}
}

// acquire decides whether a call may proceed. An open breaker whose wait
// has elapsed moves to half-open and admits exactly one trial call; the
// returned bool reports whether the caller holds that trial.
func (b *circuitBreaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openedAt.Add(b.cfg.WaitDurationInOpenState)) {
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return true, nil
	case StateHalfOpen:
		if b.trial {
			return false, ErrCircuitOpen
		}
		b.trial = true
		return true, nil
	default:
		return false, nil
	}
}

// permits reports whether an attempt may run. While half-open only the
// trial holder may proceed. It does not transition state.
func (b *circuitBreaker) permits(trial bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		return trial
	default:
		return true
	}
}

// record feeds one attempt outcome into the breaker and reports whether the
// breaker is open afterwards. Outcomes of non-trial attempts that finish
// while half-open are dropped.
func (b *circuitBreaker) record(o outcome, trial bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if !trial || !b.trial {
			return false
		}
		b.trial = false
		switch o {
		case outcomeSuccess:
			b.resetWindow()
			b.transition(StateClosed)
		case outcomeFailure:
			b.open()
		}
	case StateClosed:
		if o == outcomeIgnored {
			return false
		}
		b.push(o == outcomeFailure)
		if b.size >= b.cfg.MinimumNumberOfCalls && b.failureRate() >= b.cfg.FailureRateThreshold {
			b.open()
		}
	}

	return b.state == StateOpen
}

func (b *circuitBreaker) open() {
	b.openedAt = b.now()
	b.resetWindow()
	b.transition(StateOpen)
}

func (b *circuitBreaker) push(failed bool) {
	if b.size == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.size++
	}
	b.window[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *circuitBreaker) resetWindow() {
	clear(b.window)
	b.next, b.size, b.failures = 0, 0, 0
}

// failureRate returns the failure percentage of the window. Must be called
// with mu held.
func (b *circuitBreaker) failureRate() float64 {
	if b.size == 0 {
		return 0
	}
	return float64(b.failures) * 100 / float64(b.size)
}

func (b *circuitBreaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// breakerSnapshot is a consistent copy of the breaker counters.
type breakerSnapshot struct {
	state       State
	buffered    int
	failed      int
	failureRate float64
}

func (b *circuitBreaker) snapshot() breakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return breakerSnapshot{
		state:       b.state,
		buffered:    b.size,
		failed:      b.failures,
		failureRate: b.failureRate(),
	}
}
