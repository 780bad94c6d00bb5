// Package cluster estimates how many distinct people are represented in a set
// of face embeddings by partitioning them with k-means.
//
// Clustering a short rolling window of raw embeddings is a cheap proxy for
// "how many distinct faces have appeared recently". A person leaving and a
// look-alike arriving inside the same window may be merged or split; that
// approximation is accepted.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/clalos/occupancy-estimator/internal/window"
)

// ErrDegenerateInput is returned when the embeddings cannot be clustered,
// e.g. because their dimensions disagree or they contain NaN/Inf values.
var ErrDegenerateInput = errors.New("cluster: degenerate input")

// Config controls the k-means partitioning.
type Config struct {
	// KMax is the assumed maximum number of distinguishable people in view.
	KMax int
	// Seed initializes the k-means++ sampler. Restart r uses Seed+r.
	Seed uint64
	// Restarts is the number of independent runs; the lowest-inertia run wins.
	Restarts int
	// MaxIterations bounds the Lloyd iterations of a single run.
	MaxIterations int
	// Tolerance is the summed squared centroid shift below which a run is
	// considered converged.
	Tolerance float64
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		KMax:          5,
		Seed:          42,
		Restarts:      1,
		MaxIterations: 300,
		Tolerance:     1e-4,
	}
}

// Estimator computes unique-person estimates. It holds no per-call state and
// may be shared.
type Estimator struct {
	cfg Config
}

// New validates cfg and returns an Estimator.
func New(cfg Config) (*Estimator, error) {
	if cfg.KMax < 1 {
		return nil, fmt.Errorf("cluster: kmax must be at least 1, got %d", cfg.KMax)
	}
	if cfg.Restarts < 1 {
		return nil, fmt.Errorf("cluster: restarts must be at least 1, got %d", cfg.Restarts)
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	return &Estimator{cfg: cfg}, nil
}

// Estimate returns the number of distinct clusters found among points.
// Zero or one point is returned as-is; otherwise the result lies in
// [1, min(len(points), KMax)].
func (e *Estimator) Estimate(points []window.Embedding) (int, error) {
	if len(points) < 2 {
		return len(points), nil
	}
	labels, err := e.Assign(points)
	if err != nil {
		return 0, err
	}
	return distinct(labels), nil
}

// Assign partitions points into min(len(points), KMax) clusters and returns
// the label of each point, keeping the lowest-inertia restart.
func (e *Estimator) Assign(points []window.Embedding) ([]int, error) {
	switch len(points) {
	case 0:
		return nil, nil
	case 1:
		return []int{0}, nil
	}
	if err := validate(points); err != nil {
		return nil, err
	}

	k := min(len(points), e.cfg.KMax)
	var best *result
	for r := 0; r < e.cfg.Restarts; r++ {
		s := e.cfg.Seed + uint64(r)
		rng := rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
		res := e.run(points, k, rng)
		if best == nil || res.inertia < best.inertia {
			best = res
		}
	}
	return best.labels, nil
}

type result struct {
	labels  []int
	inertia float64
}

// run performs k-means++ seeding followed by Lloyd iterations.
func (e *Estimator) run(points []window.Embedding, k int, rng *rand.Rand) *result {
	dim := len(points[0])
	centroids := seed(points, k, rng)
	labels := make([]int, len(points))

	sums := make([][]float64, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	counts := make([]int, k)

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		assign(points, centroids, labels)

		for c := range sums {
			for j := range sums[c] {
				sums[c][j] = 0
			}
			counts[c] = 0
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}

		shift := 0.0
		for c := range centroids {
			// Empty clusters keep their centroid and collapse.
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			d := floats.Distance(centroids[c], sums[c], 2)
			shift += d * d
			copy(centroids[c], sums[c])
		}
		if shift <= e.cfg.Tolerance {
			break
		}
	}

	inertia := assign(points, centroids, labels)
	return &result{labels: labels, inertia: inertia}
}

// seed picks k initial centroids with the k-means++ D² weighting. When every
// remaining point coincides with a chosen centroid the next one is drawn
// uniformly, which yields duplicate centroids that later collapse.
func seed(points []window.Embedding, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := points[rng.IntN(len(points))]
	centroids = append(centroids, append([]float64(nil), first...))

	d2 := make([]float64, len(points))
	for i, p := range points {
		d := floats.Distance(p, centroids[0], 2)
		d2[i] = d * d
	}

	for len(centroids) < k {
		total := floats.Sum(d2)
		idx := 0
		if total <= 0 {
			idx = rng.IntN(len(points))
		} else {
			target := rng.Float64() * total
			acc := 0.0
			idx = len(points) - 1
			for i, w := range d2 {
				acc += w
				if acc >= target && w > 0 {
					idx = i
					break
				}
			}
		}

		c := append([]float64(nil), points[idx]...)
		centroids = append(centroids, c)
		for i, p := range points {
			d := floats.Distance(p, c, 2)
			d2[i] = math.Min(d2[i], d*d)
		}
	}
	return centroids
}

// assign labels every point with its nearest centroid (ties go to the lowest
// index) and returns the summed squared distance.
func assign(points []window.Embedding, centroids [][]float64, labels []int) float64 {
	inertia := 0.0
	for i, p := range points {
		best, bestD := 0, math.Inf(1)
		for c, cen := range centroids {
			d := floats.Distance(p, cen, 2)
			if d < bestD {
				best, bestD = c, d
			}
		}
		labels[i] = best
		inertia += bestD * bestD
	}
	return inertia
}

func distinct(labels []int) int {
	seen := make(map[int]struct{}, len(labels))
	for _, l := range labels {
		seen[l] = struct{}{}
	}
	return len(seen)
}

func validate(points []window.Embedding) error {
	dim := len(points[0])
	if dim == 0 {
		return fmt.Errorf("%w: zero-length embedding", ErrDegenerateInput)
	}
	for i, p := range points {
		if len(p) != dim {
			return fmt.Errorf("%w: embedding %d has dimension %d, want %d", ErrDegenerateInput, i, len(p), dim)
		}
		if floats.HasNaN(p) {
			return fmt.Errorf("%w: embedding %d contains NaN", ErrDegenerateInput, i)
		}
		for _, v := range p {
			if math.IsInf(v, 0) {
				return fmt.Errorf("%w: embedding %d contains Inf", ErrDegenerateInput, i)
			}
		}
	}
	return nil
}
