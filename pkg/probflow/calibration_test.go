// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// samplesOfFixedModel draws y ~ Normal(2x+1, 1), the distribution of fixedLinearModel, with x alternating
// between 0 and 1.
func samplesOfFixedModel(n int, seed uint64) (x, y []float64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	x, y = make([]float64, n), make([]float64, n)
	for ii := range n {
		x[ii] = float64(ii % 2)
		y[ii] = 2*x[ii] + 1 + rng.NormFloat64()
	}
	return
}

func TestPredictivePrcAndCoverage(t *testing.T) {
	m := fixedLinearModel(t)
	x, y := samplesOfFixedModel(200, 5)

	prc, err := m.PredictivePrc(x, y, 0)
	require.NoError(t, err)
	rows, cols := prc.Dims()
	require.Equal(t, 200, rows)
	require.Equal(t, 1, cols)
	for _, v := range prc.RawMatrix().Data {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}

	covered, err := m.PredDistCovered(x, y, 95)
	require.NoError(t, err)
	for _, v := range covered.RawMatrix().Data {
		assert.True(t, v == 0 || v == 1)
	}
	coverage, err := m.PredDistCoverage(x, y, 95)
	require.NoError(t, err)
	assert.InDelta(t, 95, coverage, 8)
	coverage, err = m.PredDistCoverage(x, y, 50)
	require.NoError(t, err)
	assert.InDelta(t, 50, coverage, 15)

	// Observations far in the tails are never covered.
	far := make([]float64, len(y))
	for ii := range far {
		far[ii] = 2*x[ii] + 1 + 100
	}
	prc, err = m.PredictivePrc(x, far, 10)
	require.NoError(t, err)
	assert.Equal(t, 100.0, prc.At(0, 0))
	coverage, err = m.PredDistCoverage(x, far, 99)
	require.NoError(t, err)
	assert.Equal(t, 0.0, coverage)

	centers, values, err := m.CoverageBy(x, y, 90, By().Bins(2))
	require.NoError(t, err)
	rows, _ = centers.Dims()
	assert.Equal(t, 2, rows)
	for _, v := range values {
		assert.InDelta(t, 90, v, 15)
	}

	// Errors.
	_, err = m.PredDistCovered(x, y, 0)
	requireInvalidArgument(t, err)
	_, err = m.PredDistCoverage(x, y, 150)
	requireInvalidArgument(t, err)
	_, err = m.PredictivePrc(x, y[:10], 0)
	requireShapeError(t, err)
}

func TestCalibrationCurveNormal(t *testing.T) {
	m := fixedLinearModel(t)
	x, y := samplesOfFixedModel(200, 7)

	plotPath := filepath.Join(t.TempDir(), "calibration.png")
	curves, err := m.CalibrationCurve(x, y, Calibration().PlotTo(plotPath))
	require.NoError(t, err)
	require.Len(t, curves, 1)
	curve := curves[0]
	assert.Equal(t, "all", curve.Name)
	require.Len(t, curve.Predicted, DefaultCalibrationBins+1)
	require.Len(t, curve.Observed, DefaultCalibrationBins+1)
	assert.Equal(t, 0.0, curve.Predicted[0])
	assert.Equal(t, 1.0, curve.Predicted[DefaultCalibrationBins])
	assert.Equal(t, 1.0, curve.Observed[DefaultCalibrationBins])
	assert.InDelta(t, 0.5, curve.Observed[DefaultCalibrationBins/2], 0.15)
	for ii := 1; ii < len(curve.Observed); ii++ {
		assert.GreaterOrEqual(t, curve.Observed[ii], curve.Observed[ii-1])
	}
	_, err = os.Stat(plotPath)
	require.NoError(t, err)

	curves, err = m.CalibrationCurve(x, y, Calibration().Bins(4).SplitBy(0).NumSamples(50))
	require.NoError(t, err)
	require.Len(t, curves, 2)
	assert.Equal(t, "x[0]=0", curves[0].Name)
	assert.Equal(t, "x[0]=1", curves[1].Name)
	assert.Len(t, curves[1].Predicted, 5)

	_, err = m.CalibrationCurve(x, y, Calibration().Bins(0))
	requireInvalidArgument(t, err)
	_, err = m.CalibrationCurve(x, y, Calibration().SplitBy(3))
	requireInvalidArgument(t, err)
}

func TestCalibrationCurveCategorical(t *testing.T) {
	w := NewParameter().Name("w").Done()
	m := Bernoulli(Mul(w, Input()))
	x := []float64{-1, -1, 1, 1, -1, 1}
	y := []float64{0, 0, 1, 1, 0, 1}
	fitForTest(t, m, x, y)
	fixPosterior(t, m, map[string][]float64{"w": {20}})

	curves, err := m.CalibrationCurve(x, y, nil)
	require.NoError(t, err)
	require.Len(t, curves, 1)
	assert.Equal(t, []float64{0, 1}, curves[0].Observed)
	require.Len(t, curves[0].Predicted, 2)
	assert.InDelta(t, 0, curves[0].Predicted[0], 1e-6)
	assert.InDelta(t, 1, curves[0].Predicted[1], 1e-6)

	// Only continuous models have predictive percentiles.
	_, err = m.PredictivePrc(x, y, 0)
	requireInvalidArgument(t, err)
	_, err = m.PredDistCoverage(x, y, 90)
	requireInvalidArgument(t, err)

	poisson := Poisson(Mul(NewParameter().Name("w").Done(), Input()))
	fitForTest(t, poisson, x, []float64{0, 1, 2, 0, 1, 2})
	_, err = poisson.CalibrationCurve(x, []float64{0, 1, 2, 0, 1, 2}, nil)
	requireInvalidArgument(t, err)
}
