// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetricExec(ctx *context.Context, metric Interface) *context.Exec {
	return context.NewExec(ctx, metric.Name(), func(ctx *context.Context, _ *Graph, inputs []*Node) []*Node {
		return []*Node{metric.UpdateGraph(ctx, inputs[:1], inputs[1:])}
	})
}

func TestBinaryAccuracyGraph(t *testing.T) {
	ctx := context.New()
	accuracy := NewBaseMetric("accuracy", "acc", AccuracyMetricType, BinaryAccuracyGraph, accuracyPPrint)
	exec := newMetricExec(ctx, accuracy)
	labels := tensors.FromSlice([]float64{0, 1, 0, 1, 0, 1})
	probs := tensors.FromSlice([]float64{0.1, 0.1, 0.5, 0.5, 0.8, 0.8})
	outputs, err := exec.Exec(labels, probs)
	require.NoError(t, err)
	// Predictions are {0, 0, 0, 0, 1, 1}: a probability of exactly 0.5 is a negative.
	assert.InDelta(t, 0.5, outputs[0].Value(), 1e-9)
	assert.Equal(t, "50.00%", accuracy.PrettyPrint(outputs[0]))
	assert.Equal(t, 0, ctx.NumVariables(), "base metrics are stateless")
}

func TestMeanMetric(t *testing.T) {
	ctx := context.New()
	mse, err := ByName("mse")
	require.NoError(t, err)
	exec := newMetricExec(ctx, mse)

	// First batch: squared errors {0, 4}.
	outputs, err := exec.Exec(tensors.FromSlice([]float64{1, 2}), tensors.FromSlice([]float64{1, 4}))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, outputs[0].Value(), 1e-9)

	// Second batch, with a different size: squared errors {1, 1, 1, 1}. Mean over the 6 examples.
	outputs, err = exec.Exec(tensors.FromSlice([]float64{0, 0, 0, 0}), tensors.FromSlice([]float64{1, 1, -1, -1}))
	require.NoError(t, err)
	assert.InDelta(t, 8.0/6.0, outputs[0].Value(), 1e-9)
	assert.Equal(t, 2, ctx.NumVariables())

	mse.Reset(ctx)
	outputs, err = exec.Exec(tensors.FromSlice([]float64{0, 0, 0, 0}), tensors.FromSlice([]float64{1, 1, -1, -1}))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, outputs[0].Value(), 1e-9)
}

func TestByName(t *testing.T) {
	for _, name := range Names() {
		m, err := ByName(name)
		require.NoError(t, err)
		assert.NotEmpty(t, m.ShortName())
		assert.NotEqual(t, m.ScopeName(), m.ShortName())
	}
	_, err := ByName("auc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auc")
}
