// Package kmeans implements distance-to-centroid outlier scoring on top of
// standardized k-means clustering.
package kmeans

import (
	"math"
	"math/rand"
	"sync"

	"github.com/hed1ad/ballotguard/pkg/detectors"
)

// KMeans clusters standardized rows and scores each row by its Euclidean
// distance to the nearest centroid. Higher scores are more anomalous.
type KMeans struct {
	mu sync.RWMutex

	k       int
	nInit   int
	maxIter int
	seed    int64
	tol     float64
	scaler  *detectors.Standardizer
	centers [][]float64
	labels  []int
	inertia float64
	nIter   int
	trained bool
}

// Option configures a KMeans detector.
type Option func(*KMeans)

// WithClusters sets the number of clusters.
func WithClusters(k int) Option {
	return func(m *KMeans) {
		m.k = k
	}
}

// WithInits sets how many seeded initialisations are tried. The run with the
// lowest inertia wins.
func WithInits(n int) Option {
	return func(m *KMeans) {
		m.nInit = n
	}
}

// WithMaxIterations caps the Lloyd iterations of a single run.
func WithMaxIterations(n int) Option {
	return func(m *KMeans) {
		m.maxIter = n
	}
}

// WithSeed sets the seed for centroid initialisation.
func WithSeed(seed int64) Option {
	return func(m *KMeans) {
		m.seed = seed
	}
}

// New creates a KMeans detector.
func New(opts ...Option) *KMeans {
	m := &KMeans{
		k:       3,
		nInit:   10,
		maxIter: 300,
		seed:    42,
		tol:     1e-4,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.nInit < 1 {
		m.nInit = 1
	}
	if m.maxIter < 1 {
		m.maxIter = 1
	}
	return m
}

// Fit standardizes data and clusters it. When there are fewer rows than
// clusters, every row gets its own cluster.
func (m *KMeans) Fit(data [][]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scaler, x, err := detectors.FitTransform(data)
	if err != nil {
		return err
	}

	k := m.k
	if k < 1 {
		k = 1
	}
	if k > len(x) {
		k = len(x)
	}

	rng := rand.New(rand.NewSource(m.seed))
	tol := m.tol * meanVariance(x)

	var best *run
	for i := 0; i < m.nInit; i++ {
		r := lloyd(x, initPlusPlus(rng, x, k), m.maxIter, tol)
		if best == nil || r.inertia < best.inertia {
			best = r
		}
	}

	m.scaler = scaler
	m.centers = best.centers
	m.labels = best.labels
	m.inertia = best.inertia
	m.nIter = best.iterations
	m.trained = true
	return nil
}

// Predict returns the distance from each row to its nearest centroid in
// standardized space.
func (m *KMeans) Predict(data [][]float64) ([]float64, error) {
	_, dists, err := m.Assign(data)
	return dists, err
}

// Assign returns the nearest cluster and the distance to it for each row.
func (m *KMeans) Assign(data [][]float64) ([]int, []float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, nil, detectors.ErrNotTrained
	}
	x, err := m.scaler.Transform(data)
	if err != nil {
		return nil, nil, err
	}

	labels := make([]int, len(x))
	dists := make([]float64, len(x))
	for i, row := range x {
		c, d2 := nearest(row, m.centers)
		labels[i] = c
		dists[i] = math.Sqrt(d2)
	}
	return labels, dists, nil
}

// Labels returns the cluster of each training row.
func (m *KMeans) Labels() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.labels...)
}

// Centers returns the centroids in standardized space.
func (m *KMeans) Centers() [][]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]float64, len(m.centers))
	for i, c := range m.centers {
		out[i] = append([]float64(nil), c...)
	}
	return out
}

// Iterations returns how many Lloyd iterations the winning run took.
func (m *KMeans) Iterations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nIter
}

// Inertia returns the within-cluster sum of squared distances.
func (m *KMeans) Inertia() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inertia
}

type run struct {
	centers    [][]float64
	labels     []int
	inertia    float64
	iterations int
}

// lloyd alternates assignment and centroid updates until the assignment is
// stable, the centroids stop moving, or maxIter is reached.
func lloyd(x, centers [][]float64, maxIter int, tol float64) *run {
	k := len(centers)
	labels := make([]int, len(x))
	for i := range labels {
		labels[i] = -1
	}

	iter := 0
	for iter < maxIter {
		iter++

		changed := false
		for i, row := range x {
			c, _ := nearest(row, centers)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		next := recompute(x, labels, centers)
		shift := 0.0
		for c := 0; c < k; c++ {
			shift += sqDist(centers[c], next[c])
		}
		centers = next
		if shift <= tol {
			// Final assignment against the settled centroids.
			for i, row := range x {
				labels[i], _ = nearest(row, centers)
			}
			break
		}
	}

	inertia := 0.0
	for i, row := range x {
		inertia += sqDist(row, centers[labels[i]])
	}
	return &run{centers: centers, labels: labels, inertia: inertia, iterations: iter}
}

// recompute moves each centroid to the mean of its rows. A centroid that
// lost all its rows keeps its previous position.
func recompute(x [][]float64, labels []int, prev [][]float64) [][]float64 {
	k := len(prev)
	dim := len(prev[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, row := range x {
		c := labels[i]
		counts[c]++
		for j, v := range row {
			sums[c][j] += v
		}
	}
	for c := range sums {
		if counts[c] == 0 {
			copy(sums[c], prev[c])
			continue
		}
		for j := range sums[c] {
			sums[c][j] /= float64(counts[c])
		}
	}
	return sums
}

// initPlusPlus picks k starting centroids with k-means++ seeding.
func initPlusPlus(rng *rand.Rand, x [][]float64, k int) [][]float64 {
	centers := make([][]float64, 0, k)
	centers = append(centers, clone(x[rng.Intn(len(x))]))

	d2 := make([]float64, len(x))
	for len(centers) < k {
		total := 0.0
		for i, row := range x {
			_, d := nearest(row, centers)
			d2[i] = d
			total += d
		}

		var pick int
		if total == 0 {
			// Every row coincides with a centroid; fall back to uniform.
			pick = rng.Intn(len(x))
		} else {
			target := rng.Float64() * total
			acc := 0.0
			pick = len(x) - 1
			for i, d := range d2 {
				acc += d
				if acc > target {
					pick = i
					break
				}
			}
		}
		centers = append(centers, clone(x[pick]))
	}
	return centers
}

// nearest returns the index of the closest centroid and the squared
// distance to it. Ties go to the lower index.
func nearest(row []float64, centers [][]float64) (int, float64) {
	best, bestD := 0, math.Inf(1)
	for c, center := range centers {
		if d := sqDist(row, center); d < bestD {
			best, bestD = c, d
		}
	}
	return best, bestD
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func meanVariance(x [][]float64) float64 {
	dim := len(x[0])
	n := float64(len(x))
	total := 0.0
	for j := 0; j < dim; j++ {
		mean := 0.0
		for _, row := range x {
			mean += row[j]
		}
		mean /= n
		v := 0.0
		for _, row := range x {
			d := row[j] - mean
			v += d * d
		}
		total += v / n
	}
	return total / float64(dim)
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}
