package logreg

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ballotguard/pkg/detectors"
)

func separable(rng *rand.Rand, n int) ([][]float64, []int) {
	data := make([][]float64, 0, 2*n)
	labels := make([]int, 0, 2*n)
	for i := 0; i < n; i++ {
		data = append(data, []float64{rng.NormFloat64(), rng.NormFloat64()})
		labels = append(labels, 0)
	}
	for i := 0; i < n; i++ {
		data = append(data, []float64{4 + rng.NormFloat64(), 4 + rng.NormFloat64()})
		labels = append(labels, 1)
	}
	return data, labels
}

func TestFitLabeledErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		labels  []int
		wantErr error
	}{
		{name: "empty", data: nil, labels: nil, wantErr: detectors.ErrEmptyData},
		{name: "length mismatch", data: [][]float64{{1}, {2}}, labels: []int{1}, wantErr: detectors.ErrDimensionMismatch},
		{name: "all negative", data: [][]float64{{1}, {2}}, labels: []int{0, 0}, wantErr: detectors.ErrSingleClass},
		{name: "all positive", data: [][]float64{{1}, {2}}, labels: []int{1, 1}, wantErr: detectors.ErrSingleClass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().FitLabeled(tt.data, tt.labels)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("bad label value", func(t *testing.T) {
		err := New().FitLabeled([][]float64{{1}, {2}}, []int{0, 2})
		assert.Error(t, err)
	})
}

func TestSeparatesClasses(t *testing.T) {
	data, labels := separable(rand.New(rand.NewSource(3)), 50)

	m := New()
	require.NoError(t, m.FitLabeled(data, labels))
	assert.True(t, m.Converged())

	proba, err := m.PredictProba(data)
	require.NoError(t, err)

	correct := 0
	for i, p := range proba {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		if (p > 0.5) == (labels[i] == 1) {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, 98)

	far, err := m.PredictProba([][]float64{{8, 8}, {-4, -4}})
	require.NoError(t, err)
	assert.Greater(t, far[0], 0.9)
	assert.Less(t, far[1], 0.1)
}

func TestRegularizationShrinksWeights(t *testing.T) {
	data, labels := separable(rand.New(rand.NewSource(4)), 40)

	loose := New(WithC(100))
	require.NoError(t, loose.FitLabeled(data, labels))
	tight := New(WithC(0.01))
	require.NoError(t, tight.FitLabeled(data, labels))

	_, wl := loose.Coefficients()
	_, wt := tight.Coefficients()
	for j := range wl {
		assert.Greater(t, abs(wl[j]), abs(wt[j]))
	}
}

func TestDeterministic(t *testing.T) {
	data, labels := separable(rand.New(rand.NewSource(8)), 30)

	a := New()
	require.NoError(t, a.FitLabeled(data, labels))
	b := New()
	require.NoError(t, b.FitLabeled(data, labels))

	pa, err := a.PredictProba(data)
	require.NoError(t, err)
	pb, err := b.PredictProba(data)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestPredictBeforeFit(t *testing.T) {
	_, err := New().PredictProba([][]float64{{1}})
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
}

func TestNewtonStep(t *testing.T) {
	// Lower triangle is ignored.
	hess := []float64{
		4, 2,
		-99, 3,
	}
	grad := []float64{8, 7}
	x, err := newtonStep(2, hess, grad)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, x[0], 1e-12)
	assert.InDelta(t, 1.5, x[1], 1e-12)
	assert.Equal(t, []float64{8, 7}, grad, "gradient is not modified")

	_, err = newtonStep(2, []float64{1, 2, 2, 1}, []float64{1, 1})
	assert.Error(t, err, "indefinite hessian")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
