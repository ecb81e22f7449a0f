package clamav

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen short-circuits a scan while the breaker cools down; no
// socket is opened.
var ErrCircuitOpen = errors.New("clamd circuit breaker open")

const (
	breakerFailureThreshold = 5
	breakerRecoveryWindow   = 30 * time.Second
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is the clamd circuit breaker: closed → open after N consecutive
// failures, open → half-open after the recovery window, half-open →
// closed on success or back to open on failure.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time

	// onOpenChange is invoked (with the mutex held) whenever the breaker
	// enters or leaves the open state. Feeds the breaker-state gauge.
	onOpenChange func(open bool)

	now func() time.Time // swappable in tests
}

func newBreaker(onOpenChange func(open bool)) *breaker {
	return &breaker{onOpenChange: onOpenChange, now: time.Now}
}

// allow reports whether a call may proceed, transitioning open→half-open
// when the recovery window has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed, stateHalfOpen:
		return true
	case stateOpen:
		if b.now().Sub(b.lastFailure) >= breakerRecoveryWindow {
			b.setState(stateHalfOpen)
			return true
		}
		return false
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(stateClosed)
	b.failures = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	if b.state == stateHalfOpen {
		b.setState(stateOpen)
		return
	}
	b.failures++
	if b.failures >= breakerFailureThreshold {
		b.setState(stateOpen)
	}
}

// setState transitions the state and reports open-state changes. Caller
// holds b.mu.
func (b *breaker) setState(next breakerState) {
	prev := b.state
	b.state = next
	if b.onOpenChange != nil && (prev == stateOpen) != (next == stateOpen) {
		b.onOpenChange(next == stateOpen)
	}
}
