// Package alert delivers capacity notifications without ever blocking the
// caller. Events are queued on a bounded channel and fanned out to the
// configured notifiers by a single background worker with bounded retries.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// KindCapacityReached is the only event kind emitted today.
const KindCapacityReached = "capacity_reached"

// ErrQueueFull is reported (via the logger) when an event is dropped because
// the dispatch queue is saturated.
var ErrQueueFull = errors.New("alert: dispatch queue full")

// Event describes a single threshold alert.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Kind         string    `json:"kind"`
	Occupancy    int       `json:"occupancy"`
	MaxOccupancy int       `json:"max_occupancy"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewCapacityEvent builds a capacity_reached event stamped with the current time.
func NewCapacityEvent(occupancy, maxOccupancy int) Event {
	return Event{
		ID:           uuid.New(),
		Kind:         KindCapacityReached,
		Occupancy:    occupancy,
		MaxOccupancy: maxOccupancy,
		Timestamp:    time.Now(),
	}
}

// Notifier delivers an event over some transport.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify calls f(ctx, ev).
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Options configures a Dispatcher. Zero values select the defaults.
type Options struct {
	QueueSize      int           // default 16
	MaxAttempts    int           // default 3
	BaseBackoff    time.Duration // default 500ms, doubled per attempt
	AttemptTimeout time.Duration // default 10s
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
}

// Dispatcher hands events to notifiers asynchronously.
type Dispatcher struct {
	opts      Options
	notifiers []Notifier
	logger    *slog.Logger

	queue chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent Dispatch/Close
	closed    bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher starts the delivery worker. Close must be called to stop it.
func NewDispatcher(logger *slog.Logger, opts Options, notifiers ...Notifier) *Dispatcher {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		opts:      opts,
		notifiers: notifiers,
		logger:    logger,
		queue:     make(chan Event, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run()
	}()

	return d
}

// Dispatch enqueues ev and returns immediately. It reports false when the
// event was dropped, either because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Dispatch(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("Dropped alert event",
			"event_id", ev.ID,
			"error", ErrQueueFull,
			"total_dropped", d.dropped.Load())
		return false
	}
}

// Close stops accepting events, delivers what is already queued and waits
// for the worker to exit or ctx to expire. When ctx expires the in-flight
// delivery and pending retries are cancelled and Close returns without
// waiting for the worker.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// Stats returns delivered, failed and dropped event counts.
func (d *Dispatcher) Stats() (delivered, failed, dropped int64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}

func (d *Dispatcher) run() {
	for ev := range d.queue {
		for _, n := range d.notifiers {
			if err := d.deliver(n, ev); err != nil {
				d.failed.Add(1)
				d.logger.Error("Alert delivery failed",
					"event_id", ev.ID,
					"occupancy", ev.Occupancy,
					"max_occupancy", ev.MaxOccupancy,
					"error", err)
				continue
			}
			d.delivered.Add(1)
		}
	}
}

// deliver attempts one notifier with exponential backoff between attempts.
func (d *Dispatcher) deliver(n Notifier, ev Event) error {
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.AttemptTimeout)
		err = n.Notify(ctx, ev)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == d.opts.MaxAttempts {
			break
		}

		delay := time.Duration(float64(d.opts.BaseBackoff) * math.Pow(2, float64(attempt-1)))
		d.logger.Warn("Alert delivery attempt failed, retrying",
			"event_id", ev.ID,
			"attempt", attempt,
			"max_attempts", d.opts.MaxAttempts,
			"retry_in", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-d.ctx.Done():
			return d.ctx.Err()
		}
	}
	return err
}
