package detectors

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Standardizer rescales each column to zero mean and unit variance using the
// population standard deviation. Constant columns keep a scale of 1.
type Standardizer struct {
	Mean  []float64
	Scale []float64
}

// FitStandardizer computes column statistics for data.
func FitStandardizer(data [][]float64) (*Standardizer, error) {
	nFeatures, err := CheckMatrix(data)
	if err != nil {
		return nil, err
	}

	s := &Standardizer{
		Mean:  make([]float64, nFeatures),
		Scale: make([]float64, nFeatures),
	}
	col := make([]float64, len(data))
	for j := 0; j < nFeatures; j++ {
		for i, row := range data {
			col[i] = row[j]
		}
		mean, sd := stat.PopMeanStdDev(col, nil)
		// Treat rounding noise on a constant column as zero variance.
		if math.IsNaN(sd) || sd <= 1e-12*math.Max(1, math.Abs(mean)) {
			sd = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = sd
	}
	return s, nil
}

// Transform returns a standardized copy of data.
func (s *Standardizer) Transform(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		if len(row) != len(s.Mean) {
			return nil, ErrDimensionMismatch
		}
		z := make([]float64, len(row))
		for j, v := range row {
			z[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = z
	}
	return out, nil
}

// FitTransform fits a Standardizer and applies it to the same data.
func FitTransform(data [][]float64) (*Standardizer, [][]float64, error) {
	s, err := FitStandardizer(data)
	if err != nil {
		return nil, nil, err
	}
	z, err := s.Transform(data)
	if err != nil {
		return nil, nil, err
	}
	return s, z, nil
}
