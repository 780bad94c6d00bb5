// Package stream fans rendered frames out to any number of consumers.
//
// Every consumer owns a small bounded queue. Publishing never blocks: when a
// consumer's queue is full its oldest frame is discarded so that a slow
// reader only ever sees recent frames and can never stall the producer.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-consumer queue depth used when none is configured.
const DefaultQueueSize = 4

// ErrClosed is returned by Subscriber.Next once the subscriber or its hub is closed.
var ErrClosed = errors.New("stream: closed")

// Hub distributes frames to subscribers.
type Hub struct {
	queueSize int

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscriber
	closed bool

	published atomic.Uint64
}

// NewHub creates a hub whose subscribers buffer up to queueSize frames.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		queueSize: queueSize,
		subs:      make(map[uuid.UUID]*Subscriber),
	}
}

// Subscribe registers a new consumer. The caller must Close it when done.
// Subscribing to a closed hub returns an already-closed subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:     uuid.New(),
		hub:    h,
		queue:  make([][]byte, 0, h.queueSize),
		limit:  h.queueSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closeLocked()
		return s
	}
	h.subs[s.ID] = s
	return s
}

// Publish offers frame to every subscriber without blocking. frame must not
// be modified afterwards; it is shared by all subscribers.
func (h *Hub) Publish(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for _, s := range h.subs {
		s.offer(frame)
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Published returns the number of frames published so far.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Close closes every subscriber. Subsequent publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscriber is a single consumer's view of the hub.
type Subscriber struct {
	ID uuid.UUID

	hub *Hub

	mu      sync.Mutex
	queue   [][]byte
	limit   int
	closed  bool
	dropped uint64

	// notify holds at most one pending wake-up.
	notify chan struct{}
	done   chan struct{}
}

func (s *Subscriber) offer(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == s.limit {
		// Drop oldest.
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued frame, blocking until one is available,
// the subscriber is closed (ErrClosed) or ctx is done.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frame := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return frame, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued frames.
func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many frames were discarded because this subscriber fell behind.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscriber. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.remove(s.ID)
	s.close()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// closeLocked must be called with s.mu held or before s is shared.
func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
