// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/probflow/probflow/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFitLinear(t *testing.T) {
	// y = w*x + b + noise, with N=10, w=0.5, b=-1, fit for 1 epoch.
	m := newLinearModel()
	x, y := linearData(10, 0.5, -1, 0.1, 1)
	require.NoError(t, m.Fit(x, y, Fit().Epochs(1)))
	assert.True(t, m.IsFit())

	samples, err := m.SamplePosterior(3)
	require.NoError(t, err)
	require.Equal(t, 2, samples.Len())
	assert.Equal(t, []string{"weight", "bias"}, []string{samples.Oldest().Key, samples.Newest().Key})
	for pair := samples.Oldest(); pair != nil; pair = pair.Next() {
		rows, cols := pair.Value.Dims()
		assert.Equal(t, 3, rows, "parameter %q", pair.Key)
		assert.Equal(t, 1, cols, "parameter %q", pair.Key)
	}

	// It stays fit.
	for range 3 {
		_, err = m.Predict(x, nil)
		require.NoError(t, err)
		assert.True(t, m.IsFit())
	}

	state := m.State()
	assert.Equal(t, 10, state.NumExamples())
	assert.Equal(t, []int{10, 1}, state.X.Shape().Dimensions)
	assert.Len(t, state.History, 1)
	assert.Len(t, state.Permutation, 10)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, state.Permutation)
	assert.Len(t, state.LogLoss, 10)
	assert.Greater(t, state.KLLoss, 0.0)
	assert.InDelta(t, state.MeanLogLoss+DefaultKLWeight*state.KLLoss, state.Loss, 1e-9)
	assert.Equal(t, map[string][]int{"weight": {1}, "bias": {1}}, state.ParameterShapes)
}

func TestFitFromDataFrame(t *testing.T) {
	// A vector parameter of width 3 and the data selected by column name.
	const n = 20
	rng := rand.New(rand.NewPCG(7, 7))
	cols := make([][]float64, 4)
	for ii := range cols {
		cols[ii] = make([]float64, n)
	}
	for row := range n {
		for col := range 3 {
			cols[col][row] = rng.NormFloat64()
		}
		cols[3][row] = cols[0][row] - 2*cols[1][row] + 0.5*cols[2][row] + 0.1*rng.NormFloat64()
	}
	df := dataframe.New(
		series.New(cols[0], series.Float, "a"),
		series.New(cols[1], series.Float, "b"),
		series.New(cols[2], series.Float, "c"),
		series.New(cols[3], series.Float, "target"),
	)

	weight := NewParameter().Name("weight").Shape(3).Done()
	bias := NewParameter().Name("bias").Done()
	m := Normal(Add(Dot(Input(), weight), bias), 1.0)
	require.NoError(t, m.Fit([]string{"a", "b", "c"}, "target", Fit().Data(df).Epochs(2).BatchSize(5)))

	samples, err := m.SamplePosterior(4)
	require.NoError(t, err)
	w, found := samples.Get("weight")
	require.True(t, found)
	rows, cols3 := w.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 3, cols3)
	b, found := samples.Get("bias")
	require.True(t, found)
	rows, cols1 := b.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 1, cols1)

	// Unknown column.
	err = m.Fit([]string{"a", "missing"}, "target", Fit().Data(df))
	requireInvalidArgument(t, err)
}

func TestFitRecoversLinearParameters(t *testing.T) {
	const n = 200
	x, y := linearData(n, 0.5, -1, 0.1, 3)
	weight := NewParameter().Name("weight").Done()
	bias := NewParameter().Name("bias").Done()
	scale := NewScaleParameter().Name("scale").Done()
	m := Normal(Add(Mul(weight, Input()), bias), scale)
	require.NoError(t, m.Fit(x, y, Fit().Epochs(150).BatchSize(50).LearningRate(0.05).
		KLWeight(1.0/n).Seed(1).Metrics("mse", "mae")))

	means, err := m.PosteriorMean()
	require.NoError(t, err)
	w, _ := means.Get("weight")
	b, _ := means.Get("bias")
	s, _ := means.Get("scale")
	assert.InDelta(t, 0.5, w[0], 0.2)
	assert.InDelta(t, -1.0, b[0], 0.2)
	assert.Less(t, s[0], 0.5)
	assert.Greater(t, s[0], 0.0)

	state := m.State()
	require.Len(t, state.History, 150)
	first, last := state.History[0].Metrics, state.History[len(state.History)-1].Metrics
	assert.Equal(t, []string{"loss", "mse", "mae"}, []string{first.Oldest().Key, first.Oldest().Next().Key, first.Newest().Key})
	firstLoss, _ := first.Get("loss")
	lastLoss, _ := last.Get("loss")
	assert.Less(t, lastLoss, firstLoss)
	lastMSE, _ := last.Get("mse")
	assert.Less(t, lastMSE, 0.1)

	points := state.HistoryPoints()
	assert.Len(t, points, 3*150)
	assert.Equal(t, "loss", points[0].MetricType)
	assert.Equal(t, 0.0, points[0].Step)
}

func TestFitFlipout(t *testing.T) {
	const n = 30
	rng := rand.New(rand.NewPCG(11, 11))
	x := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for row := range n {
		x.Set(row, 0, rng.NormFloat64())
		x.Set(row, 1, rng.NormFloat64())
		y[row] = x.At(row, 0) + x.At(row, 1)
	}
	weight := NewParameter().Name("weight").Shape(shapeUnknown).Estimator(EstimatorFlipout).Done()
	bias := NewParameter().Name("bias").Estimator(EstimatorFlipout).Done()
	m := Normal(Add(Dot(Input(), weight), bias), 1.0)
	require.NoError(t, m.Fit(x, y, Fit().Epochs(3).BatchSize(10).Seed(3)))

	samples, err := m.SamplePosterior(5)
	require.NoError(t, err)
	w, _ := samples.Get("weight")
	rows, cols := w.Dims()
	assert.Equal(t, 5, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, []int{2}, m.State().ParameterShapes["weight"])
	for _, v := range w.RawMatrix().Data {
		assert.False(t, math.IsNaN(v))
	}
}

func TestSampleParamsGraphFlipout(t *testing.T) {
	const batchSize = 4
	weight := NewParameter().Name("weight").Shape(3).Estimator(EstimatorFlipout).Done().Parameter()
	ctx := context.New()
	createParamVariables(ctx, weight, []int{3})

	sampleShape := func(training bool) []int {
		exec := context.NewExec(ctx, "sample", func(ctx *context.Context, g *graph.Graph, _ []*graph.Node) []*graph.Node {
			ctx.SetTraining(g, training)
			return []*graph.Node{sampleParamsGraph(ctx, g, batchSize)(weight)}
		})
		defer exec.Finalize()
		outputs, err := exec.Exec()
		require.NoError(t, err)
		return outputs[0].Shape().Dimensions
	}
	// Training graphs perturb each example independently, other graphs share one sample.
	assert.Equal(t, []int{batchSize, 3}, sampleShape(true))
	assert.Equal(t, []int{1, 3}, sampleShape(false))
}

// shapeUnknown is a dimension resolved at fit time.
const shapeUnknown = -1

func TestFitDenseFactories(t *testing.T) {
	const n = 40
	rng := rand.New(rand.NewPCG(5, 5))
	x := make([][]float64, n)
	yReg, yClass := make([]float64, n), make([]float64, n)
	for row := range n {
		x[row] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		yReg[row] = x[row][0] - x[row][2]
		if yReg[row] > 0 {
			yClass[row] = 1
		}
	}
	cfg := func() *FitConfig { return Fit().Epochs(2).BatchSize(10).Seed(9) }

	linear := LinearRegression(nil)
	require.NoError(t, linear.Fit(x, yReg, cfg()))
	assert.Equal(t, []int{3, 1}, linear.State().ParameterShapes["linear_weight"])

	logistic := LogisticRegression(nil)
	require.NoError(t, logistic.Fit(x, yClass, cfg()))
	pred, err := logistic.Predict(x, nil)
	require.NoError(t, err)
	for _, v := range pred.RawMatrix().Data {
		assert.True(t, v == 0 || v == 1, "prediction %g is not a class", v)
	}

	dense := DenseRegression(nil, 4, 1)
	require.NoError(t, dense.Fit(x, yReg, cfg()))
	require.Len(t, dense.Parameters(), 5)
	samples, err := dense.SamplePosterior(2)
	require.NoError(t, err)
	first := samples.Oldest()
	_, cols := first.Value.Dims()
	assert.Equal(t, 3*4, cols, "first layer weight %q", first.Key)

	classifier := DenseClassifier(Input(0, 1), 3, 1)
	require.NoError(t, classifier.Fit(x, yClass, cfg()))
	pred, err = classifier.Predict(x, nil)
	require.NoError(t, err)
	rows, _ := pred.Dims()
	assert.Equal(t, n, rows)

	// Bernoulli requires 0/1 observations.
	err = LogisticRegression(nil).Fit(x, yReg, cfg())
	requireInvalidArgument(t, err)
}

func TestFitPoisson(t *testing.T) {
	x, _ := linearData(20, 0, 0, 0, 1)
	y := make([]float64, len(x))
	for ii := range y {
		y[ii] = float64(ii % 4)
	}
	m := Poisson(Add(Mul(NewParameter().Name("w").Done(), Input()), NewParameter().Name("b").Done()))
	require.NoError(t, m.Fit(x, y, Fit().Epochs(2).BatchSize(5)))
	pred, err := m.Predict(x, nil)
	require.NoError(t, err)
	for _, v := range pred.RawMatrix().Data {
		assert.Equal(t, math.Trunc(v), v)
		assert.GreaterOrEqual(t, v, 0.0)
	}

	y[0] = 0.5
	requireInvalidArgument(t, m.Fit(x, y, Fit().Epochs(1)))
}

func TestFitErrors(t *testing.T) {
	m := newLinearModel()
	x, y := linearData(10, 0.5, -1, 0.1, 1)

	// Mismatched rows: ShapeError, not fit.
	err := m.Fit(x, y[:7], Fit().Epochs(1))
	requireShapeError(t, err)
	assert.False(t, m.IsFit())

	requireInvalidArgument(t, m.Fit(x, y, Fit().Optimizer("lbfgs")))
	requireInvalidArgument(t, m.Fit(x, y, Fit().Metrics("f1")))
	requireInvalidArgument(t, m.Fit(x, y, Fit().BatchSize(0)))
	requireInvalidArgument(t, m.Fit(x, y, Fit().Epochs(-1)))
	requireInvalidArgument(t, m.Fit(x, y, Fit().KLWeight(-1)))
	requireInvalidArgument(t, m.Fit(x, y, Fit().LearningRate(math.NaN())))
	requireInvalidArgument(t, m.Fit(nil, y, nil))
	assert.False(t, m.IsFit())

	// The width of y must match the arguments of the distribution.
	w := NewParameter().Name("w").Shape(3).Done()
	vector := Normal(Mul(w, Input(0)), 1.0)
	requireShapeError(t, vector.Fit(x, y, Fit().Epochs(1)))

	// Selecting a column out of range.
	outOfRange := Normal(Mul(NewParameter().Done(), Input(2)), 1.0)
	requireShapeError(t, outOfRange.Fit(x, y, Fit().Epochs(1)))
}

func TestRefit(t *testing.T) {
	m := newLinearModel()
	x, y := linearData(10, 0.5, -1, 0.1, 1)
	fitForTest(t, m, x, y)
	first := m.State()

	// A failed re-fit keeps the previous state.
	requireShapeError(t, m.Fit(x, y[:5], Fit().Epochs(1)))
	assert.True(t, m.IsFit())
	assert.Same(t, first, m.State())
	_, err := m.SamplePosterior(3)
	require.NoError(t, err)

	// A successful re-fit replaces it.
	x2, y2 := linearData(16, 0.5, -1, 0.1, 2)
	fitForTest(t, m, x2, y2)
	second := m.State()
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 16, second.NumExamples())
}

func TestFitHyperparameters(t *testing.T) {
	defaults := DefaultHyperparameters()
	assert.Contains(t, defaults, optimizers.ParamAdamBeta1)
	assert.Contains(t, defaults, optimizers.ParamClipStepByValue)

	m := newLinearModel()
	x, y := linearData(10, 0.5, -1, 0.1, 1)
	params := DefaultHyperparameters()
	params[optimizers.ParamAdamBeta1] = 0.8
	require.NoError(t, m.Fit(x, y, Fit().Epochs(1).Hyperparameters(params).Optimizer("rmsprop").LearningRate(0.01)))
	ctx := m.State().Context()
	value, found := ctx.GetParam(optimizers.ParamAdamBeta1)
	require.True(t, found)
	assert.Equal(t, 0.8, value)
	value, found = ctx.GetParam(optimizers.ParamLearningRate)
	require.True(t, found)
	assert.Equal(t, 0.01, value)

	// Same seed, same fit.
	m2 := newLinearModel()
	m3 := newLinearModel()
	require.NoError(t, m2.Fit(x, y, Fit().Epochs(2).Seed(5)))
	require.NoError(t, m3.Fit(x, y, Fit().Epochs(2).Seed(5)))
	assert.Equal(t, m2.State().locs, m3.State().locs)
	assert.Equal(t, m2.State().Loss, m3.State().Loss)
}
