// Package logreg implements an L2-regularized binary logistic regression
// fitted by Newton-Raphson on standardized features.
package logreg

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/ballotguard/pkg/detectors"
)

// LogisticRegression is a binary classifier. The intercept is not penalized.
type LogisticRegression struct {
	mu sync.RWMutex

	c       float64
	maxIter int
	tol     float64

	scaler    *detectors.Standardizer
	weights   []float64 // weights[0] is the intercept
	nIter     int
	converged bool
	trained   bool
}

// Option configures a LogisticRegression.
type Option func(*LogisticRegression)

// WithC sets the inverse regularization strength. Smaller values regularize
// more strongly.
func WithC(c float64) Option {
	return func(m *LogisticRegression) {
		m.c = c
	}
}

// WithMaxIterations caps the Newton iterations.
func WithMaxIterations(n int) Option {
	return func(m *LogisticRegression) {
		m.maxIter = n
	}
}

// WithTolerance sets the convergence threshold on the largest coefficient
// update.
func WithTolerance(tol float64) Option {
	return func(m *LogisticRegression) {
		m.tol = tol
	}
}

// New creates a LogisticRegression.
func New(opts ...Option) *LogisticRegression {
	m := &LogisticRegression{
		c:       1.0,
		maxIter: 100,
		tol:     1e-8,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FitLabeled trains on data against 0/1 labels.
func (m *LogisticRegression) FitLabeled(data [][]float64, labels []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := detectors.CheckMatrix(data); err != nil {
		return err
	}
	if len(labels) != len(data) {
		return fmt.Errorf("%w: %d rows, %d labels", detectors.ErrDimensionMismatch, len(data), len(labels))
	}
	if m.c <= 0 {
		return errors.New("regularization C must be positive")
	}

	positives := 0
	for _, y := range labels {
		switch y {
		case 0:
		case 1:
			positives++
		default:
			return fmt.Errorf("label %d is not 0 or 1", y)
		}
	}
	if positives == 0 || positives == len(labels) {
		return detectors.ErrSingleClass
	}

	scaler, z, err := detectors.FitTransform(data)
	if err != nil {
		return err
	}

	dim := len(z[0]) + 1
	lambda := 1 / m.c
	w := make([]float64, dim)

	m.converged = false
	iter := 0
	for iter < m.maxIter {
		iter++

		grad := make([]float64, dim)
		// Row-major Hessian; only the upper triangle is filled.
		hess := make([]float64, dim*dim)

		for i, row := range z {
			p := sigmoid(dot(w, row))
			r := p - float64(labels[i])
			s := p * (1 - p)

			grad[0] += r
			hess[0] += s
			for a, va := range row {
				grad[a+1] += r * va
				hess[a+1] += s * va
				for b := a; b < len(row); b++ {
					hess[(a+1)*dim+b+1] += s * va * row[b]
				}
			}
		}

		hess[0] += 1e-10
		for a := 1; a < dim; a++ {
			grad[a] += lambda * w[a]
			hess[a*dim+a] += lambda
		}

		step, err := newtonStep(dim, hess, grad)
		if err != nil {
			return fmt.Errorf("newton step: %w", err)
		}

		// Halve the step until the penalized loss stops increasing.
		current := objective(w, z, labels, lambda)
		candidate := make([]float64, dim)
		for t := 0; t < 30; t++ {
			for a := range w {
				candidate[a] = w[a] - step[a]
			}
			if objective(candidate, z, labels, lambda) <= current {
				break
			}
			for a := range step {
				step[a] /= 2
			}
		}

		maxStep := 0.0
		for a := range w {
			w[a] -= step[a]
			maxStep = math.Max(maxStep, math.Abs(step[a]))
		}
		if maxStep < m.tol {
			m.converged = true
			break
		}
	}

	m.scaler = scaler
	m.weights = w
	m.nIter = iter
	m.trained = true
	return nil
}

// PredictProba returns the probability of the positive class for each row.
func (m *LogisticRegression) PredictProba(data [][]float64) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, detectors.ErrNotTrained
	}
	z, err := m.scaler.Transform(data)
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(z))
	for i, row := range z {
		out[i] = sigmoid(dot(m.weights, row))
	}
	return out, nil
}

// Coefficients returns the intercept and the weights on standardized
// features.
func (m *LogisticRegression) Coefficients() (float64, []float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return 0, nil
	}
	return m.weights[0], append([]float64(nil), m.weights[1:]...)
}

// Converged reports whether the last fit met the tolerance before the
// iteration cap.
func (m *LogisticRegression) Converged() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.converged
}

// Iterations returns the number of Newton iterations of the last fit.
func (m *LogisticRegression) Iterations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nIter
}

// dot computes w[0] + w[1:]·x.
func dot(w, x []float64) float64 {
	s := w[0]
	for j, v := range x {
		s += w[j+1] * v
	}
	return s
}

// objective is the penalized negative log-likelihood.
func objective(w []float64, z [][]float64, labels []int, lambda float64) float64 {
	loss := 0.0
	for i, row := range z {
		eta := dot(w, row)
		// log(1 + e^eta) - y*eta, computed without overflow.
		if eta > 0 {
			loss += eta + math.Log1p(math.Exp(-eta))
		} else {
			loss += math.Log1p(math.Exp(eta))
		}
		loss -= float64(labels[i]) * eta
	}
	for _, v := range w[1:] {
		loss += lambda / 2 * v * v
	}
	return loss
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// newtonStep solves H·x = g for the symmetric positive definite Hessian H,
// given row-major with at least its upper triangle set.
func newtonStep(dim int, hess, grad []float64) ([]float64, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(dim, hess)); !ok {
		return nil, errors.New("hessian is not positive definite")
	}

	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(dim, grad)); err != nil {
		// A poorly conditioned system still yields a usable step.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}

	step := make([]float64, dim)
	for a := range step {
		step[a] = x.AtVec(a)
	}
	return step, nil
}
