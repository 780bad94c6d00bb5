// Package window holds the bounded history of face embeddings the occupancy
// estimate is computed from.
package window

import "errors"

// DefaultCapacity is the number of embeddings retained when no capacity is configured.
const DefaultCapacity = 100

// ErrInvalidCapacity is returned by New when the capacity is not positive.
var ErrInvalidCapacity = errors.New("window: capacity must be positive")

// Embedding is a fixed-length descriptor of a detected face.
// Once pushed into a Window it must be treated as immutable.
type Embedding []float64

// Window is a fixed-capacity FIFO ring of embeddings. When full, pushing
// evicts the oldest entry. A Window is owned by a single goroutine (the
// pipeline loop) and is not safe for concurrent use.
type Window struct {
	buf   []Embedding
	head  int // index of the oldest entry
	count int
}

// New creates an empty window holding at most capacity embeddings.
func New(capacity int) (*Window, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Window{buf: make([]Embedding, capacity)}, nil
}

// Push appends a private copy of e, evicting the oldest embedding when the
// window is at capacity.
func (w *Window) Push(e Embedding) {
	cp := make(Embedding, len(e))
	copy(cp, e)

	if w.count < len(w.buf) {
		w.buf[(w.head+w.count)%len(w.buf)] = cp
		w.count++
		return
	}

	w.buf[w.head] = cp
	w.head = (w.head + 1) % len(w.buf)
}

// Snapshot returns the current contents oldest-first. The returned slice is
// freshly allocated; the embeddings it points to must not be modified.
func (w *Window) Snapshot() []Embedding {
	out := make([]Embedding, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of embeddings currently held.
func (w *Window) Len() int { return w.count }

// Cap returns the configured capacity.
func (w *Window) Cap() int { return len(w.buf) }
