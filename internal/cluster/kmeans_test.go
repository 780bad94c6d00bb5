package cluster

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clalos/occupancy-estimator/internal/window"
)

func newEstimator(t *testing.T, kmax int) *Estimator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.KMax = kmax
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

// blob returns n points scattered tightly around center.
func blob(rng *rand.Rand, center []float64, n int, spread float64) []window.Embedding {
	out := make([]window.Embedding, n)
	for i := range out {
		p := make(window.Embedding, len(center))
		for j, c := range center {
			p[j] = c + (rng.Float64()-0.5)*spread
		}
		out[i] = p
	}
	return out
}

func repeat(e window.Embedding, n int) []window.Embedding {
	out := make([]window.Embedding, n)
	for i := range out {
		out[i] = e
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{KMax: 0, Restarts: 1})
	assert.Error(t, err)

	_, err = New(Config{KMax: 3, Restarts: 0})
	assert.Error(t, err)

	e, err := New(Config{KMax: 3, Restarts: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, e.cfg.KMax)
}

func TestEstimate_DegenerateSizes(t *testing.T) {
	e := newEstimator(t, 5)

	n, err := e.Estimate(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = e.Estimate([]window.Embedding{{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEstimate_Bounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))

	for _, kmax := range []int{1, 2, 5} {
		e := newEstimator(t, kmax)
		for size := 2; size <= 40; size += 3 {
			pts := make([]window.Embedding, size)
			for i := range pts {
				pts[i] = window.Embedding{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
			}

			n, err := e.Estimate(pts)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 1)
			assert.LessOrEqual(t, n, min(size, kmax), "size=%d kmax=%d", size, kmax)
		}
	}
}

func TestEstimate_IdenticalGroupsCollapse(t *testing.T) {
	e := newEstimator(t, 5)

	a := window.Embedding{0, 0, 0, 0}
	b := window.Embedding{1, 1, 1, 1}
	pts := append(repeat(a, 3), repeat(b, 2)...)

	n, err := e.Estimate(pts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.Estimate(repeat(a, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEstimate_SeparatedBlobs(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	var pts []window.Embedding
	pts = append(pts, blob(rng, []float64{0, 0}, 20, 0.1)...)
	pts = append(pts, blob(rng, []float64{10, 10}, 20, 0.1)...)
	pts = append(pts, blob(rng, []float64{-10, 10}, 20, 0.1)...)

	cfg := DefaultConfig()
	cfg.KMax = 3
	cfg.Restarts = 4
	e, err := New(cfg)
	require.NoError(t, err)

	labels, err := e.Assign(pts)
	require.NoError(t, err)
	require.Len(t, labels, len(pts))

	// Every blob maps to a single label and the blobs do not share labels.
	seen := map[int]bool{}
	for b := 0; b < 3; b++ {
		l := labels[b*20]
		for i := b * 20; i < (b+1)*20; i++ {
			assert.Equal(t, l, labels[i])
		}
		assert.False(t, seen[l])
		seen[l] = true
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	pts := blob(rng, make([]float64, 128), 60, 2)

	e := newEstimator(t, 5)
	first, err := e.Assign(pts)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Assign(pts)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEstimate_DegenerateInput(t *testing.T) {
	e := newEstimator(t, 5)

	tests := []struct {
		name string
		pts  []window.Embedding
	}{
		{name: "dimension mismatch", pts: []window.Embedding{{1, 2}, {1, 2, 3}}},
		{name: "zero dimension", pts: []window.Embedding{{}, {}}},
		{name: "nan", pts: []window.Embedding{{1, math.NaN()}, {1, 2}}},
		{name: "inf", pts: []window.Embedding{{1, 2}, {math.Inf(-1), 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Estimate(tt.pts)
			assert.ErrorIs(t, err, ErrDegenerateInput)
		})
	}
}

func BenchmarkEstimate_FullWindow(b *testing.B) {
	rng := rand.New(rand.NewPCG(5, 6))
	pts := make([]window.Embedding, window.DefaultCapacity)
	for i := range pts {
		p := make(window.Embedding, 128)
		for j := range p {
			p[j] = rng.NormFloat64()
		}
		pts[i] = p
	}

	e, err := New(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Estimate(pts); err != nil {
			b.Fatal(err)
		}
	}
}
