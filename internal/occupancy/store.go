// Package occupancy owns the authoritative occupancy count.
//
// The Store is written by exactly one goroutine (the pipeline loop) and read
// by any number of query handlers. Reads are lock-free; persistence and alert
// delivery happen outside of any critical section so neither can stall the
// writer or the readers.
package occupancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/clalos/occupancy-estimator/internal/alert"
)

// ErrPersistence wraps every failure reported by the persistence backend.
var ErrPersistence = errors.New("occupancy: persistence failure")

// Persistence is the minimal key-value contract for storing the count.
type Persistence interface {
	// Init creates the record with a zero count if it does not exist yet.
	// It must be safe to call on every start.
	Init(ctx context.Context) error
	Set(ctx context.Context, count int) error
	Get(ctx context.Context) (int, error)
}

// Alerter accepts alert events without blocking.
type Alerter interface {
	Dispatch(ev alert.Event) bool
}

// AlertMode selects when a threshold alert is emitted.
type AlertMode int

const (
	// AlertOnCrossing fires once when the count reaches the maximum and
	// re-arms only after the count drops below it again.
	AlertOnCrossing AlertMode = iota
	// AlertEveryUpdate fires on every update at or above the maximum.
	AlertEveryUpdate
)

// String returns the flag spelling of the mode.
func (m AlertMode) String() string {
	switch m {
	case AlertOnCrossing:
		return "crossing"
	case AlertEveryUpdate:
		return "every-update"
	default:
		return "unknown"
	}
}

// ParseAlertMode converts a flag value into an AlertMode.
func ParseAlertMode(s string) (AlertMode, error) {
	switch s {
	case "crossing":
		return AlertOnCrossing, nil
	case "every-update":
		return AlertEveryUpdate, nil
	default:
		return 0, fmt.Errorf("alert mode must be 'crossing' or 'every-update', got %q", s)
	}
}

// Snapshot is the query-facing view of the store.
type Snapshot struct {
	Occupancy    int `json:"occupancy"`
	MaxOccupancy int `json:"max_occupancy"`
}

// Options configures a Store.
type Options struct {
	MaxOccupancy int
	Mode         AlertMode
	Persistence  Persistence // nil selects an in-memory backend
	Alerter      Alerter     // nil disables alerting
	Logger       *slog.Logger
}

// Store holds the last committed occupancy count.
type Store struct {
	max     int
	mode    AlertMode
	persist Persistence
	alerter Alerter
	logger  *slog.Logger

	count atomic.Int64

	// mu serializes writers and guards armed. It is never held across
	// persistence or alert calls.
	mu    sync.Mutex
	armed bool

	persistFailures atomic.Int64
	alertsFired     atomic.Int64
}

// NewStore initializes the persistence backend and returns a store whose
// count starts at zero. A failing Init is logged and the store runs degraded
// on its in-memory value.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.MaxOccupancy < 1 {
		return nil, fmt.Errorf("occupancy: max occupancy must be positive, got %d", opts.MaxOccupancy)
	}
	if opts.Persistence == nil {
		opts.Persistence = NewMemoryPersistence()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		max:     opts.MaxOccupancy,
		mode:    opts.Mode,
		persist: opts.Persistence,
		alerter: opts.Alerter,
		logger:  opts.Logger,
		armed:   true,
	}

	if err := s.persist.Init(ctx); err != nil {
		s.persistFailures.Add(1)
		s.logger.Error("Occupancy persistence init failed, continuing in memory",
			"error", err)
	}

	return s, nil
}

// Read returns the last committed count. It never blocks.
func (s *Store) Read() int {
	return int(s.count.Load())
}

// Max returns the configured capacity.
func (s *Store) Max() int { return s.max }

// Snapshot returns the current count together with the capacity.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{Occupancy: s.Read(), MaxOccupancy: s.max}
}

// Update replaces the committed count with count, persists it and, when the
// count is at or above the maximum, hands an alert to the Alerter according
// to the configured mode. The in-memory value is committed even when
// persistence fails; the failure is returned wrapped in ErrPersistence.
func (s *Store) Update(ctx context.Context, count int) error {
	if count < 0 {
		return fmt.Errorf("occupancy: negative count %d", count)
	}

	s.mu.Lock()
	s.count.Store(int64(count))
	fire := s.shouldFire(count)
	s.mu.Unlock()

	if fire {
		s.fire(count)
	}

	if err := s.persist.Set(ctx, count); err != nil {
		s.persistFailures.Add(1)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Persisted reads the value currently held by the persistence backend.
func (s *Store) Persisted(ctx context.Context) (int, error) {
	n, err := s.persist.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return n, nil
}

// Stats returns the number of persistence failures and alerts fired.
func (s *Store) Stats() (persistFailures, alertsFired int64) {
	return s.persistFailures.Load(), s.alertsFired.Load()
}

// shouldFire must be called with mu held.
func (s *Store) shouldFire(count int) bool {
	if count < s.max {
		s.armed = true
		return false
	}
	if s.mode == AlertEveryUpdate {
		return true
	}
	if !s.armed {
		return false
	}
	s.armed = false
	return true
}

func (s *Store) fire(count int) {
	s.alertsFired.Add(1)
	if s.alerter == nil {
		return
	}
	ev := alert.NewCapacityEvent(count, s.max)
	if !s.alerter.Dispatch(ev) {
		s.logger.Warn("Capacity alert not queued",
			"event_id", ev.ID,
			"occupancy", count,
			"max_occupancy", s.max)
	}
}
