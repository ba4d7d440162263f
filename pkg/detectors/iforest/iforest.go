// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hed1ad/ballotguard/pkg/detectors"
)

// IsolationForest implements unsupervised anomaly detection using isolation trees.
//
// Predict returns a decision score: the contamination offset minus the
// normalized anomaly score. Lower values are more anomalous and negative
// values fall inside the expected contamination share of the training batch.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	trees     []*iTree
	nFeatures int
	trained   bool

	// Statistics from training
	avgPathLength float64
	offset        float64
}

// iTree represents a single isolation tree.
type iTree struct {
	root *node
}

// node is a node in the isolation tree.
type node struct {
	// Split parameters (for internal nodes)
	splitFeature int
	splitValue   float64

	// Children
	left  *node
	right *node

	// Leaf information
	size int // number of samples that reached this leaf
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed. Every Fit starts a fresh generator from
// this seed, so refitting on identical data builds identical trees.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithConfig applies the shared detector configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(f *IsolationForest) {
		f.contamination = cfg.Contamination
		f.seed = cfg.RandomSeed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.05,
		seed:          42,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	nFeatures, err := detectors.CheckMatrix(data)
	if err != nil {
		return err
	}
	if f.nTrees < 1 {
		return fmt.Errorf("number of trees must be positive, got %d", f.nTrees)
	}
	nSamples := len(data)

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize <= 0 || sampleSize > nSamples {
		sampleSize = nSamples
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	rng := rand.New(rand.NewSource(f.seed))

	// Build trees
	f.trees = make([]*iTree, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		// Sample without replacement
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		f.trees[i] = &iTree{root: buildNode(rng, sample, nFeatures, 0, maxDepth)}
	}

	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// The offset places the contamination share of the training batch
	// below zero.
	f.offset = 0.5
	if f.contamination > 0 && f.contamination < 1 {
		scores := f.anomalyScores(data)
		f.offset = detectors.Percentile(scores, 100*(1-f.contamination))
	}

	return nil
}

func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &node{size: n}
	}

	// Only features that still vary in this node can split it.
	mins := make([]float64, nFeatures)
	maxs := make([]float64, nFeatures)
	copy(mins, data[0])
	copy(maxs, data[0])
	for _, row := range data[1:] {
		for j, v := range row {
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
	}
	candidates := make([]int, 0, nFeatures)
	for j := 0; j < nFeatures; j++ {
		if mins[j] < maxs[j] {
			candidates = append(candidates, j)
		}
	}

	// If all values are the same, return leaf
	if len(candidates) == 0 {
		return &node{size: n}
	}

	// Random feature and split value
	feature := candidates[rng.Intn(len(candidates))]
	minVal, maxVal := mins[feature], maxs[feature]
	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	// Partition data
	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		splitFeature: feature,
		splitValue:   splitValue,
		left:         buildNode(rng, leftData, nFeatures, depth+1, maxDepth),
		right:        buildNode(rng, rightData, nFeatures, depth+1, maxDepth),
	}
}

// Predict returns decision scores for the given samples. Lower is more
// anomalous.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.check(data); err != nil {
		return nil, err
	}

	scores := f.anomalyScores(data)
	for i, s := range scores {
		scores[i] = f.offset - s
	}
	return scores, nil
}

// AnomalyScores returns the normalized isolation score 2^(-E[h]/c(n)) in
// [0, 1] for each sample. Higher is more anomalous.
func (f *IsolationForest) AnomalyScores(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.check(data); err != nil {
		return nil, err
	}
	return f.anomalyScores(data), nil
}

// PredictOne returns the decision score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	scores, err := f.Predict([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

func (f *IsolationForest) check(data [][]float64) error {
	if !f.trained {
		return detectors.ErrNotTrained
	}
	for _, row := range data {
		if len(row) != f.nFeatures {
			return detectors.ErrDimensionMismatch
		}
	}
	return nil
}

func (f *IsolationForest) anomalyScores(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.scoreOne(sample)
	}
	return scores
}

func (f *IsolationForest) scoreOne(sample []float64) float64 {
	// Average path length across all trees
	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree.root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	c := f.avgPathLength
	if c == 0 {
		c = 1
	}
	// Anomaly score: 2^(-avgPath / c(n))
	return math.Pow(2, -avgPath/c)
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.left == nil && n.right == nil {
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.size))
	}

	if sample[n.splitFeature] < n.splitValue {
		return pathLength(sample, n.left, currentDepth+1)
	}
	return pathLength(sample, n.right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	// Approximation: H(n) ~ ln(n) + 0.5772156649 (Euler-Mascheroni constant)
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Threshold returns the decision offset learned from the training batch.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.offset
}

// Trees returns the number of trees in the fitted ensemble.
func (f *IsolationForest) Trees() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees)
}
