// Package worker implements the remediation worker pool: concurrent
// consumers that drain the task queue, honor per-target circuit breakers,
// drive the external remediator over HTTP, and persist action state
// transitions with retry and exponential backoff.
package worker

import (
	"log"
	"sync"
	"time"
)

// breaker states.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker suppresses remediation per target after repeated failures.
// A target moves closed -> open once failureThreshold failures land within
// window, open -> half-open after cooldown, and half-open -> closed on one
// success (or back to open on one failure).
type CircuitBreaker struct {
	mu      sync.Mutex
	targets map[string]*targetBreaker

	failureThreshold int
	window           time.Duration
	cooldown         time.Duration

	now func() time.Time
}

type targetBreaker struct {
	state    breakerState
	failures []time.Time
	openedAt time.Time
}

// NewCircuitBreaker creates a breaker with the given threshold, sliding
// window, and open-state cooldown.
func NewCircuitBreaker(failureThreshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		targets:          make(map[string]*targetBreaker),
		failureThreshold: failureThreshold,
		window:           window,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Open reports whether remediation for the target is currently suppressed.
// An open breaker whose cooldown has elapsed moves to half-open and lets
// one probe through.
func (b *CircuitBreaker) Open(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb, ok := b.targets[target]
	if !ok {
		return false
	}

	switch tb.state {
	case stateOpen:
		if b.now().Sub(tb.openedAt) >= b.cooldown {
			tb.state = stateHalfOpen
			log.Printf("worker: breaker for %q half-open, allowing probe", target)
			return false
		}
		return true
	default:
		return false
	}
}

// RecordFailure records a failed remediation for the target. In half-open
// state a single failure reopens the breaker; in closed state the breaker
// opens once the windowed failure count reaches the threshold.
func (b *CircuitBreaker) RecordFailure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	tb, ok := b.targets[target]
	if !ok {
		tb = &targetBreaker{}
		b.targets[target] = tb
	}

	if tb.state == stateHalfOpen {
		tb.state = stateOpen
		tb.openedAt = now
		tb.failures = tb.failures[:0]
		log.Printf("worker: breaker for %q reopened after failed probe", target)
		return
	}

	tb.failures = append(tb.failures, now)
	b.prune(tb, now)

	if tb.state == stateClosed && len(tb.failures) >= b.failureThreshold {
		tb.state = stateOpen
		tb.openedAt = now
		tb.failures = tb.failures[:0]
		log.Printf("worker: breaker for %q opened after %d failures within %s",
			target, b.failureThreshold, b.window)
	}
}

// RecordSuccess records a successful remediation. A half-open breaker
// closes; a closed breaker prunes its window.
func (b *CircuitBreaker) RecordSuccess(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb, ok := b.targets[target]
	if !ok {
		return
	}

	if tb.state == stateHalfOpen {
		tb.state = stateClosed
		tb.failures = tb.failures[:0]
		log.Printf("worker: breaker for %q closed after successful probe", target)
		return
	}
	b.prune(tb, b.now())
}

// prune drops failures that have slid out of the window. Caller holds the lock.
func (b *CircuitBreaker) prune(tb *targetBreaker, now time.Time) {
	cutoff := now.Add(-b.window)
	kept := tb.failures[:0]
	for _, t := range tb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	tb.failures = kept
}
