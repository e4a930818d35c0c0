// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLinearModel returns y ~ Normal(weight*x + bias, 1).
func newLinearModel() *Model {
	weight := NewParameter().Name("weight").Done()
	bias := NewParameter().Name("bias").Done()
	return Normal(Add(Mul(weight, Input()), bias), 1.0)
}

// linearData generates y = w*x + b + noise*N(0, 1), with x evenly spaced in [-1, 1].
func linearData(n int, w, b, noise float64, seed uint64) (x, y []float64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	x, y = make([]float64, n), make([]float64, n)
	for ii := range n {
		x[ii] = -1 + 2*float64(ii)/float64(max(n-1, 1))
		y[ii] = w*x[ii] + b + noise*rng.NormFloat64()
	}
	return
}

// fitForTest fits the model with a fixed seed and a few epochs.
func fitForTest(t *testing.T, m *Model, x, y any) {
	require.NoError(t, m.Fit(x, y, Fit().Epochs(2).BatchSize(8).Seed(42)))
	require.True(t, m.IsFit())
}

// fixPosterior sets the posterior of the given parameters to the given (flat) values with a zero scale,
// so the queries are deterministic.
func fixPosterior(t *testing.T, m *Model, values map[string][]float64) {
	state := m.State()
	require.NotNil(t, state)
	for ii, p := range state.params {
		v, found := values[p.name]
		if !found {
			continue
		}
		require.Len(t, v, len(state.locs[ii]), "parameter %q", p.name)
		copy(state.locs[ii], v)
		for jj := range state.scales[ii] {
			state.scales[ii][jj] = 0
		}
	}
}

func requireStateError(t *testing.T, err error) {
	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr), "expected *StateError, got %T: %v", err, err)
	assert.Equal(t, ErrNotFit, stateErr.Reason)
}

func requireShapeError(t *testing.T, err error) {
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr), "expected *ShapeError, got %T: %v", err, err)
}

func requireInvalidArgument(t *testing.T, err error) {
	var invalidErr *InvalidArgumentError
	require.True(t, errors.As(err, &invalidErr), "expected *InvalidArgumentError, got %T: %v", err, err)
}

func TestModelComposition(t *testing.T) {
	m := newLinearModel()
	assert.Equal(t, "Normal", m.Family())
	assert.Equal(t, KindContinuous, m.Kind())
	assert.False(t, m.IsFit())
	require.Len(t, m.Parameters(), 2)
	assert.Equal(t, "weight", m.Parameters()[0].Name())
	assert.Equal(t, "bias", m.Parameters()[1].Name())
	assert.Contains(t, m.String(), "weight")

	assert.Equal(t, KindCategorical, Bernoulli(Input()).Kind())
	assert.Equal(t, MethodMode, Poisson(Input()).Kind().DefaultMethod())
	assert.Equal(t, MethodMean, KindContinuous.DefaultMethod())

	// The same parameter used twice is declared once.
	w := NewParameter().Name("w").Done()
	m = Normal(Add(Mul(w, Input()), w), 1.0)
	require.Len(t, m.Parameters(), 1)

	// Unnamed parameters get unique names.
	a, b := NewParameter().Done(), NewParameter().Done()
	assert.NotEqual(t, a.Parameter().Name(), b.Parameter().Name())
}

func TestDenseLayerNames(t *testing.T) {
	last := denseCounter.Load()
	m := Normal(NewDense(1).Apply(NewDense(3).Apply(Input())), 1.0)
	var names []string
	for _, p := range m.Parameters() {
		names = append(names, p.Name())
	}
	// Unnamed layers are numbered consecutively, independently of the parameters created in between.
	for _, layer := range []int64{last + 1, last + 2} {
		assert.Contains(t, names, fmt.Sprintf("dense_%d_weight", layer))
		assert.Contains(t, names, fmt.Sprintf("dense_%d_bias", layer))
	}
	assert.Len(t, names, 4)
}

func TestModelCompositionErrors(t *testing.T) {
	// Two different parameters with the same name.
	_, err := TryBuild(func() *Model {
		w1 := NewParameter().Name("w").Done()
		w2 := NewParameter().Name("w").Done()
		return Normal(Add(Mul(w1, Input()), w2), 1.0)
	})
	requireInvalidArgument(t, err)

	// Incompatible shapes.
	_, err = TryBuild(func() *Expr {
		return Add(NewParameter().Shape(3).Done(), NewParameter().Shape(2).Done())
	})
	requireShapeError(t, err)
	_, err = TryBuild(func() *Expr {
		return Dot(Input(0, 1), NewParameter().Shape(3).Done())
	})
	requireShapeError(t, err)

	// Invalid parameter configurations.
	_, err = TryBuild(func() *Expr { return NewParameter().Name("a/b").Done() })
	requireInvalidArgument(t, err)
	_, err = TryBuild(func() *Expr { return NewParameter().Prior(0, -1).Done() })
	requireInvalidArgument(t, err)
	_, err = TryBuild(func() *Expr { return NewParameter().Shape(0).Done() })
	requireShapeError(t, err)
	_, err = TryBuild(func() *Expr { return NewParameter().Shape(1, 2, 3).Done() })
	requireShapeError(t, err)
	_, err = TryBuild(func() *Expr { return NewParameter().Estimator(Estimator(7)).Done() })
	requireInvalidArgument(t, err)

	// Unknown family and wrong number of arguments.
	_, err = NewModel("gamma", Input())
	requireInvalidArgument(t, err)
	_, err = NewModel("normal", Input())
	requireInvalidArgument(t, err)
	m, err := NewModel("Bernoulli", Input())
	require.NoError(t, err)
	assert.Equal(t, "Bernoulli", m.Family())

	_, err = ParseEstimator("reinforce")
	requireInvalidArgument(t, err)
	estimator, err := ParseEstimator("Flipout")
	require.NoError(t, err)
	assert.Equal(t, EstimatorFlipout, estimator)
}

func TestQueriesBeforeFit(t *testing.T) {
	m := newLinearModel()
	x, y := []float64{1, 2}, []float64{0, 1}
	requireStateError(t, m.EnsureIsFit())

	_, err := m.Predict(x, nil)
	requireStateError(t, err)
	_, err = m.PredictiveDistribution(x, 0)
	requireStateError(t, err)
	_, err = m.LogProb(x, y, 0)
	requireStateError(t, err)
	_, err = m.Prob(x, y, 0)
	requireStateError(t, err)
	_, err = m.LogCDF(x, y, 0)
	requireStateError(t, err)
	_, err = m.CDF(x, y, 0)
	requireStateError(t, err)
	_, _, err = m.ProbBy(x, y, nil)
	requireStateError(t, err)
	_, _, err = m.LogProbBy(x, y, nil)
	requireStateError(t, err)
	_, _, err = m.CDFBy(x, y, nil)
	requireStateError(t, err)
	_, _, err = m.LogCDFBy(x, y, nil)
	requireStateError(t, err)
	_, err = m.PredictivePrc(x, y, 0)
	requireStateError(t, err)
	_, err = m.PredDistCovered(x, y, 95)
	requireStateError(t, err)
	_, err = m.PredDistCoverage(x, y, 95)
	requireStateError(t, err)
	_, _, err = m.CoverageBy(x, y, 95, nil)
	requireStateError(t, err)
	_, err = m.CalibrationCurve(x, y, nil)
	requireStateError(t, err)
	_, err = m.SamplePosterior(10)
	requireStateError(t, err)
	_, err = m.Posterior(10)
	requireStateError(t, err)
	_, err = m.PosteriorMean()
	requireStateError(t, err)
	requireStateError(t, m.PlotPosterior("posterior.png", 10))
	requireStateError(t, m.Summary(nil))
	assert.False(t, m.IsFit())
}

func TestReset(t *testing.T) {
	m := newLinearModel()
	x, y := linearData(10, 0.5, -1, 0.1, 1)
	fitForTest(t, m, x, y)
	m.Reset()
	assert.False(t, m.IsFit())
	_, err := m.SamplePosterior(3)
	requireStateError(t, err)

	// It can be fit again, and closed.
	fitForTest(t, m, x, y)
	require.NoError(t, m.Close())
	assert.False(t, m.IsFit())
}
