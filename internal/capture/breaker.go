package capture

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// BreakerState represents the current state of the read breaker.
type BreakerState int32

const (
	// BreakerClosed indicates reads are succeeding.
	BreakerClosed BreakerState = iota
	// BreakerOpen indicates too many consecutive reads failed; the source is
	// considered lost for good.
	BreakerOpen
)

// String returns a string representation of the BreakerState.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker counts consecutive read failures and trips once maxFailures is
// reached. Unlike a classic circuit breaker it never half-opens: a tripped
// capture device is not reopened.
type Breaker struct {
	// state holds the current breaker state.
	state atomic.Int32
	// failureCount tracks consecutive failures.
	failureCount atomic.Int64
	// lastFailureTime records when the last failure occurred.
	lastFailureTime atomic.Int64

	maxFailures int64
	logger      *slog.Logger
}

// NewBreaker creates a breaker that opens after maxFailures consecutive failures.
func NewBreaker(maxFailures int64, logger *slog.Logger) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{maxFailures: maxFailures, logger: logger}
}

// Call executes fn unless the breaker is open.
func (b *Breaker) Call(fn func() error) error {
	if b.State() == BreakerOpen {
		return fmt.Errorf("breaker is open after %d consecutive failures", b.failureCount.Load())
	}

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.failureCount.Store(0)
	return nil
}

func (b *Breaker) recordFailure() {
	b.lastFailureTime.Store(time.Now().UnixNano())
	failures := b.failureCount.Add(1)

	if failures >= b.maxFailures && b.state.CompareAndSwap(int32(BreakerClosed), int32(BreakerOpen)) {
		b.logger.Warn("Capture breaker state transition",
			"from", BreakerClosed,
			"to", BreakerOpen,
			"failure_count", failures,
			"max_failures", b.maxFailures)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int64 {
	return b.failureCount.Load()
}

// LastFailureTime returns the time of the last failure, or the zero time.
func (b *Breaker) LastFailureTime() time.Time {
	nanos := b.lastFailureTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
