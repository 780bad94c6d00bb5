package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		w, err := New(c)
		assert.Nil(t, w)
		assert.ErrorIs(t, err, ErrInvalidCapacity)
	}
}

func TestWindow_CapacityInvariant(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushes   int
	}{
		{name: "empty", capacity: 3, pushes: 0},
		{name: "under capacity", capacity: 5, pushes: 3},
		{name: "exactly full", capacity: 4, pushes: 4},
		{name: "wrapped once", capacity: 4, pushes: 6},
		{name: "wrapped many times", capacity: 3, pushes: 31},
		{name: "capacity one", capacity: 1, pushes: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := New(tt.capacity)
			require.NoError(t, err)

			for i := 0; i < tt.pushes; i++ {
				w.Push(Embedding{float64(i)})
				assert.Equal(t, min(i+1, tt.capacity), w.Len())
			}

			want := min(tt.pushes, tt.capacity)
			snap := w.Snapshot()
			require.Len(t, snap, want)

			// Retained entries are the last C pushed, oldest first.
			first := tt.pushes - want
			for i, e := range snap {
				assert.Equal(t, float64(first+i), e[0])
			}
			assert.Equal(t, tt.capacity, w.Cap())
		})
	}
}

func TestWindow_PushCopies(t *testing.T) {
	w, err := New(2)
	require.NoError(t, err)

	e := Embedding{1, 2, 3}
	w.Push(e)
	e[0] = 99

	assert.Equal(t, Embedding{1, 2, 3}, w.Snapshot()[0])
}

func TestWindow_SnapshotIsDetached(t *testing.T) {
	w, err := New(2)
	require.NoError(t, err)

	w.Push(Embedding{1})
	snap := w.Snapshot()
	w.Push(Embedding{2})
	w.Push(Embedding{3})

	require.Len(t, snap, 1)
	assert.Equal(t, Embedding{1}, snap[0])
	assert.Equal(t, []Embedding{{2}, {3}}, w.Snapshot())
}
