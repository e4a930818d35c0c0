// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"math/rand/v2"
	"testing"
	"time"

	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/probflow/probflow/pkg/ml/datasets"
	"github.com/probflow/probflow/pkg/ml/train"
	"github.com/probflow/probflow/pkg/ml/train/losses"
	"github.com/probflow/probflow/pkg/ml/train/metrics"
	"github.com/probflow/probflow/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearDataset returns 20 examples of y = 2x + 1, batched by 5.
func linearDataset(t *testing.T) *datasets.InMemoryDataset {
	xs := make([][]float64, 20)
	ys := make([][]float64, 20)
	for ii := range 20 {
		x := -1 + 2*float64(ii)/19
		xs[ii] = []float64{x}
		ys[ii] = []float64{2*x + 1}
	}
	ds, err := datasets.InMemoryFromData("linear", []any{xs}, []any{ys})
	require.NoError(t, err)
	return ds.BatchSize(5, false).WithRand(rand.New(rand.NewPCG(1, 2))).Shuffle()
}

func linearModel(ctx *context.Context, _ any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx = ctx.In("linear").WithInitializer(context.Zero)
	w := ctx.VariableWithShape("w", shapes.Make(1, 1)).ValueGraph(g)
	b := ctx.VariableWithShape("b", shapes.Make(1)).ValueGraph(g)
	return []*Node{Add(MatMul(inputs[0], w), b)}
}

func TestTrainerLinearFit(t *testing.T) {
	ctx := context.New()
	ctx.SetRNGSeed(7)
	trainer := train.NewTrainer(ctx, linearModel, losses.MeanSquaredError,
		optimizers.Adam().LearningRate(0.1).Done(),
		metrics.NewMeanMetric("Mean Absolute Error", "mae", metrics.ErrorMetricType, metrics.MeanAbsoluteErrorGraph, nil))
	require.Len(t, trainer.Metrics(), 3)

	loop := train.NewLoop(trainer)
	var epochLosses []float64
	loop.OnEpochEnd("record", 0, func(_ *train.Loop, _ int, metrics []*tensors.Tensor) error {
		epochLosses = append(epochLosses, metrics[1].Value().(float64))
		return nil
	})
	metricsValues, err := loop.RunEpochs(linearDataset(t), 100)
	require.NoError(t, err)
	require.Len(t, metricsValues, 3)
	require.Len(t, epochLosses, 100)
	assert.Less(t, epochLosses[99], epochLosses[0])
	assert.Equal(t, int64(400), trainer.GlobalStep())
	assert.Equal(t, 400, loop.LoopStep)
	assert.Equal(t, 400, loop.EndStep)

	w := ctx.GetVariableByScopeAndName("/linear", "w").Value().Flat()[0]
	b := ctx.GetVariableByScopeAndName("/linear", "b").Value().Flat()[0]
	assert.InDelta(t, 2.0, w, 0.1)
	assert.InDelta(t, 1.0, b, 0.1)
	assert.Less(t, metricsValues[2].Value().(float64), 0.1)
}

func TestLoopHooks(t *testing.T) {
	ctx := context.New()
	trainer := train.NewTrainer(ctx, linearModel, losses.MeanSquaredError, optimizers.Adam().Done())
	loop := train.NewLoop(trainer)
	var calls []string
	loop.OnStart("start", 0, func(_ *train.Loop, ds train.Dataset) error {
		calls = append(calls, "start:"+ds.Name())
		return nil
	})
	loop.OnStep("second", 1, func(_ *train.Loop, _ []*tensors.Tensor) error {
		calls = append(calls, "second")
		return nil
	})
	loop.OnStep("first", -1, func(_ *train.Loop, _ []*tensors.Tensor) error {
		calls = append(calls, "first")
		return nil
	})
	loop.OnEpochEnd("epoch", 0, func(_ *train.Loop, epoch int, _ []*tensors.Tensor) error {
		calls = append(calls, "epoch")
		return nil
	})
	loop.OnEnd("end", 0, func(_ *train.Loop, _ []*tensors.Tensor) error {
		calls = append(calls, "end")
		return nil
	})
	everyTwo := 0
	train.EveryNSteps(loop, 2, "every two", 0, func(_ *train.Loop, _ []*tensors.Tensor) error {
		everyTwo++
		return nil
	})

	ds := linearDataset(t)
	ds.BatchSize(10, false)
	_, err := loop.RunEpochs(ds, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"start:linear", "first", "second", "first", "second", "epoch", "end"}, calls)
	assert.Equal(t, 1, everyTwo)
	assert.Len(t, loop.TrainStepDurations, 2)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// RunSteps picks up where it left off, and cycles over the dataset.
	calls = nil
	_, err = loop.RunSteps(ds, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, loop.StartStep)
	assert.Equal(t, 7, loop.LoopStep)
	assert.Equal(t, int64(7), trainer.GlobalStep())
}

func TestLoopNaNLoss(t *testing.T) {
	ctx := context.New()
	nanModel := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		pred := linearModel(ctx, spec, inputs)[0]
		return []*Node{Add(pred, Log(MulScalar(OnesLike(pred), -1)))}
	}
	trainer := train.NewTrainer(ctx, nanModel, losses.MeanSquaredError, optimizers.Adam().Done())
	_, err := train.NewLoop(trainer).RunEpochs(linearDataset(t), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
}

func TestAddLoss(t *testing.T) {
	ctx := context.New()
	withExtraLoss := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		predictions := linearModel(ctx, spec, inputs)
		g := inputs[0].Graph()
		train.AddLoss(ctx, Const(g, []float64{4, 6}))
		train.AddLoss(ctx.In("sub"), Scalar(g, 5))
		return predictions
	}
	// Losses are computed before the first update, with w=0 and b=0.
	trainer := train.NewTrainer(ctx, withExtraLoss, losses.MeanSquaredError, optimizers.Adam().Done())
	xs := tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2, 1)
	ys := tensors.FromFlatDataAndDimensions([]float64{1, 1}, 2, 1)
	metricsValues, err := trainer.TrainStep(nil, []*tensors.Tensor{xs}, []*tensors.Tensor{ys})
	require.NoError(t, err)
	// MSE is 1, plus mean(4,6)=5, plus 5.
	assert.InDelta(t, 11.0, metricsValues[0].Value().(float64), 1e-9)
	assert.InDelta(t, 11.0, metricsValues[1].Value().(float64), 1e-9)
}

func TestTrainStepErrors(t *testing.T) {
	ctx := context.New()
	trainer := train.NewTrainer(ctx, linearModel, losses.MeanSquaredError, optimizers.Adam().Done())
	_, err := trainer.TrainStep(nil, nil, nil)
	require.Error(t, err)

	// Mismatched shapes between predictions and labels.
	xs := tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2, 1)
	ys := tensors.FromFlatDataAndDimensions([]float64{1, 1, 1}, 3, 1)
	_, err = trainer.TrainStep(nil, []*tensors.Tensor{xs}, []*tensors.Tensor{ys})
	require.Error(t, err)
}
