// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"testing"

	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams(t *testing.T) {
	ctx := context.New()
	ctx.SetParam("learning_rate", 0.1)
	ctx.SetParam("epochs", 3)
	layer := ctx.In("layer")
	assert.Equal(t, "/layer", layer.Scope())
	layer.SetParam("learning_rate", 0.5)

	assert.Equal(t, 0.1, context.GetParamOr(ctx, "learning_rate", 0.0))
	assert.Equal(t, 0.5, context.GetParamOr(layer, "learning_rate", 0.0))
	assert.Equal(t, 0.5, context.GetParamOr(layer.In("sub"), "learning_rate", 0.0), "inherited from parent scope")
	assert.Equal(t, 3.0, context.GetParamOr(layer, "epochs", 0.0), "int converted to float64")
	assert.Equal(t, "x", context.GetParamOr(ctx, "missing", "x"))
	require.Panics(t, func() { context.MustGetParam[int](ctx, "missing") })
	require.Panics(t, func() { ctx.In("a/b") })
}

func TestVariables(t *testing.T) {
	ctx := context.New()
	ctx.SetRNGSeed(1)
	w := ctx.In("dense").VariableWithShape("weights", shapes.Make(2, 3))
	assert.Equal(t, "/dense/weights", w.ScopeAndName())
	for _, v := range w.Value().Flat() {
		assert.True(t, v >= -0.05 && v < 0.05)
	}
	b := ctx.In("dense").WithInitializer(context.ConstantFn(1)).VariableWithShape("bias", shapes.Make(3))
	assert.Equal(t, []float64{1, 1, 1}, b.Value().Value())

	require.Panics(t, func() { ctx.In("dense").VariableWithShape("weights", shapes.Make(2, 3)) }, "not unique")
	require.Panics(t, func() { ctx.Reuse().VariableWithShape("weights", shapes.Make(2, 3)) }, "doesn't exist")
	require.Panics(t, func() { ctx.In("dense").Reuse().VariableWithShape("weights", shapes.Make(3)) }, "shape mismatch")
	assert.Same(t, w, ctx.In("dense").Reuse().VariableWithShape("weights", shapes.Make(2, 3)))

	var names []string
	for v := range ctx.IterVariables() {
		names = append(names, v.ScopeAndName())
	}
	assert.Equal(t, []string{"/dense/weights", "/dense/bias"}, names)
	assert.Equal(t, 2, ctx.NumVariables())
	assert.Equal(t, 9, ctx.NumParameters())

	require.Error(t, b.SetValue(tensors.FromSlice([]float64{1, 2})))
	require.NoError(t, b.SetValue(tensors.FromSlice([]float64{1, 2, 3})))
}

func TestExecUpdatesVariables(t *testing.T) {
	ctx := context.New()
	counter := ctx.VariableWithValue("counter", 0.0)
	exec := context.NewExec(ctx, "increment", func(ctx *context.Context, g *Graph, inputs []*Node) []*Node {
		v := ctx.Reuse().VariableWithValue("counter", 0.0)
		value := Add(v.ValueGraph(g), inputs[0])
		v.SetValueGraph(value)
		return []*Node{value}
	})
	for ii := range 3 {
		outputs, err := exec.Exec(tensors.FromScalar(2.0))
		require.NoError(t, err)
		assert.Equal(t, float64(2*(ii+1)), outputs[0].Value())
	}
	assert.Equal(t, 6.0, counter.Value().Value())
	assert.Equal(t, 1, exec.NumCachedGraphs())

	_, err := exec.Exec(tensors.FromSlice([]float64{1, 2}))
	require.Error(t, err, "updated value shape doesn't match the variable")
	assert.Equal(t, 6.0, counter.Value().Value())
	exec.Finalize()
	assert.Equal(t, 0, exec.NumCachedGraphs())
}

func TestGradientDescent(t *testing.T) {
	ctx := context.New()
	ctx.VariableWithValue("x", []float64{3, -2})
	step := context.NewExec(ctx, "step", func(ctx *context.Context, g *Graph, _ []*Node) []*Node {
		x := ctx.Reuse().VariableWithValue("x", nil)
		loss := ReduceAllSum(Square(x.ValueGraph(g)))
		vars, grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
		for ii, v := range vars {
			v.SetValueGraph(Sub(v.ValueGraph(g), MulScalar(grads[ii], 0.25)))
		}
		return []*Node{loss}
	})
	var lastLoss float64
	for range 15 {
		outputs, err := step.Exec()
		require.NoError(t, err)
		lastLoss = outputs[0].Value().(float64)
	}
	assert.Less(t, lastLoss, 1e-4)
	x := ctx.GetVariable("x").Value().Flat()
	assert.InDelta(t, 0, x[0], 1e-3)
	assert.InDelta(t, 0, x[1], 1e-3)
}

func TestIsTraining(t *testing.T) {
	ctx := context.New()
	var flags []bool
	for _, training := range []bool{true, false} {
		exec := context.NewExec(ctx, "flag", func(ctx *context.Context, g *Graph, _ []*Node) []*Node {
			before := ctx.IsTraining(g)
			ctx.SetTraining(g, training)
			flags = append(flags, before, ctx.IsTraining(g))
			return []*Node{Scalar(g, 0)}
		})
		_, err := exec.Exec()
		require.NoError(t, err)
		exec.Finalize()
	}
	// Graphs start as inference graphs, and the flag is kept per graph.
	assert.Equal(t, []bool{false, true, false, false}, flags)
}
