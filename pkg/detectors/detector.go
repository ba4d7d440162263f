// Package detectors provides the anomaly detection algorithms used on audit
// feature tables and the thresholding helpers their decision policies share.
package detectors

import (
	"errors"
	"math"
	"sort"
)

var (
	ErrEmptyData         = errors.New("empty training data")
	ErrNotTrained        = errors.New("model not trained")
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	ErrSingleClass       = errors.New("labels contain a single class")
)

// Detector is the common interface for unsupervised algorithms.
type Detector interface {
	// Fit trains the detector on a batch.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns one score per sample. Each implementation documents
	// its own score direction.
	Predict(data [][]float64) ([]float64, error)
}

// Clusterer is a Detector whose scores come from cluster membership.
type Clusterer interface {
	Detector

	// Assign returns each sample's cluster and its distance to that
	// cluster's centroid.
	Assign(data [][]float64) ([]int, []float64, error)
}

// Classifier is a supervised binary detector.
type Classifier interface {
	// FitLabeled trains on data with 0/1 labels.
	FitLabeled(data [][]float64, labels []int) error

	// PredictProba returns the probability of the positive class.
	PredictProba(data [][]float64) ([]float64, error)
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns the defaults used by every run.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.05,
		RandomSeed:    42,
	}
}

// CheckMatrix validates that data is non-empty and rectangular and returns
// its feature count.
func CheckMatrix(data [][]float64) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyData
	}
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return 0, ErrEmptyData
	}
	for _, row := range data[1:] {
		if len(row) != nFeatures {
			return 0, ErrDimensionMismatch
		}
	}
	return nFeatures, nil
}

// Quantile returns the q-th quantile (0 <= q <= 1) of data using linear
// interpolation between order statistics.
func Quantile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	v := sorted[lo] + frac*(sorted[hi]-sorted[lo])
	// Keep rounding from pushing the value outside its bracket.
	return math.Min(math.Max(v, sorted[lo]), sorted[hi])
}

// Percentile is Quantile with p in [0, 100].
func Percentile(data []float64, p float64) float64 {
	return Quantile(data, p/100)
}

// FlagAtOrBelow returns the indices whose score is <= the batch's q-th
// quantile, together with that threshold.
func FlagAtOrBelow(scores []float64, q float64) ([]int, float64) {
	if len(scores) == 0 {
		return nil, math.NaN()
	}
	threshold := Quantile(scores, q)
	var idx []int
	for i, s := range scores {
		if s <= threshold {
			idx = append(idx, i)
		}
	}
	return idx, threshold
}

// FlagAtOrAbove returns the indices whose score is >= the batch's q-th
// quantile, together with that threshold.
func FlagAtOrAbove(scores []float64, q float64) ([]int, float64) {
	if len(scores) == 0 {
		return nil, math.NaN()
	}
	threshold := Quantile(scores, q)
	var idx []int
	for i, s := range scores {
		if s >= threshold {
			idx = append(idx, i)
		}
	}
	return idx, threshold
}
