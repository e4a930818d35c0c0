// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	for ii, name := range []string{"mean", "median", "mode", "min", "max", "percentile"} {
		method, err := ParseMethod(name)
		require.NoError(t, err)
		assert.Equal(t, Method(ii), method)
		assert.Equal(t, name, method.String())
	}
	method, err := ParseMethod("Median")
	require.NoError(t, err)
	assert.Equal(t, MethodMedian, method)

	_, err = ParseMethod("average")
	requireInvalidArgument(t, err)
}

func TestReduceSamples(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	samples := make([]float64, 101)
	for ii := range samples {
		samples[ii] = rng.NormFloat64()
	}
	median := reduceSamples(MethodMedian, 0, slices.Clone(samples))
	prc50 := reduceSamples(MethodPercentile, 50, slices.Clone(samples))
	assert.InDelta(t, median, prc50, 1e-12)

	sorted := slices.Sorted(slices.Values(samples))
	assert.Equal(t, sorted[50], median)
	assert.Equal(t, sorted[0], reduceSamples(MethodMin, 0, slices.Clone(samples)))
	assert.Equal(t, sorted[100], reduceSamples(MethodMax, 0, slices.Clone(samples)))
	assert.Equal(t, sorted[0], reduceSamples(MethodPercentile, 0, slices.Clone(samples)))
	assert.Equal(t, sorted[100], reduceSamples(MethodPercentile, 100, slices.Clone(samples)))

	assert.Equal(t, 2.0, reduceSamples(MethodMean, 0, []float64{1, 2, 3}))
	assert.Equal(t, 1.0, reduceSamples(MethodMode, 0, []float64{0, 1, 1, 0, 1}))

	// Even number of samples.
	assert.Equal(t, 2.5, reduceSamples(MethodMedian, 0, []float64{4, 1, 3, 2}))
	assert.InDelta(t, 1.3, reduceSamples(MethodPercentile, 10, []float64{4, 1, 3, 2}), 1e-12)
	assert.InDelta(t, reduceSamples(MethodMedian, 0, []float64{4, 1, 3, 2}),
		reduceSamples(MethodPercentile, 50, []float64{4, 1, 3, 2}), 1e-12)
}

func TestPredict(t *testing.T) {
	m := newLinearModel()
	x, y := linearData(10, 0.5, -1, 0.1, 1)
	fitForTest(t, m, x, y)
	fixPosterior(t, m, map[string][]float64{"weight": {2}, "bias": {1}})

	query := []float64{-1, 0, 1, 2}
	dist, err := m.PredictiveDistribution(query, 500)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1, 500}, dist.Shape().Dimensions)

	mean, err := m.Predict(query, Prediction().NumSamples(1000))
	require.NoError(t, err)
	rows, cols := mean.Dims()
	require.Equal(t, 4, rows)
	require.Equal(t, 1, cols)
	for ii, xv := range query {
		assert.InDelta(t, 2*xv+1, mean.At(ii, 0), 0.3, "x=%g", xv)
	}

	low, err := m.Predict(query, Prediction().Percentile(5))
	require.NoError(t, err)
	high, err := m.Predict(query, Prediction().Method(MethodMax))
	require.NoError(t, err)
	median, err := m.Predict(query, Prediction().Method(MethodMedian).NumSamples(1000))
	require.NoError(t, err)
	for ii, xv := range query {
		assert.Less(t, low.At(ii, 0), high.At(ii, 0))
		assert.InDelta(t, 2*xv+1, median.At(ii, 0), 0.3)
	}

	// Default number of samples, nil configuration.
	_, err = m.Predict(query, nil)
	require.NoError(t, err)

	// Errors.
	_, err = m.Predict(query, Prediction().Method(Method(17)))
	requireInvalidArgument(t, err)
	_, err = m.Predict(query, Prediction().Percentile(101))
	requireInvalidArgument(t, err)
	_, err = m.Predict(query, Prediction().NumSamples(-1))
	requireInvalidArgument(t, err)
	_, err = m.Predict([][]float64{{1, 2}}, nil)
	requireShapeError(t, err)
	_, err = m.PredictiveDistribution(nil, 10)
	requireInvalidArgument(t, err)
}

func TestPredictBernoulli(t *testing.T) {
	w := NewParameter().Name("w").Done()
	m := Bernoulli(Mul(w, Input()))
	x := []float64{-2, -1, 1, 2}
	fitForTest(t, m, x, []float64{0, 0, 1, 1})
	fixPosterior(t, m, map[string][]float64{"w": {20}})

	pred, err := m.Predict([]float64{-1, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, pred.RawMatrix().Data)

	mean, err := m.Predict([]float64{0}, Prediction().Method(MethodMean).NumSamples(2000))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, mean.At(0, 0), 0.1)
	assert.False(t, math.IsNaN(mean.At(0, 0)))
}
