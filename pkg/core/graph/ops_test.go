// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"errors"
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/graph/graphtest"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Add with broadcast", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float64{{1, 2}, {3, 4}}), Const(g, []float64{10, 20})}
		outputs = []*Node{Add(inputs[0], inputs[1])}
		return
	}, []any{[][]float64{{11, 22}, {13, 24}}}, -1)

	graphtest.RunTestGraphFn(t, "Sub/Mul/Div", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float64{{1, 2}, {3, 4}})
		col := Const(g, [][]float64{{2}, {4}})
		inputs = []*Node{x, col}
		outputs = []*Node{Sub(x, col), Mul(x, col), Div(x, col)}
		return
	}, []any{
		[][]float64{{-1, 0}, {-1, 0}},
		[][]float64{{2, 4}, {12, 16}},
		[][]float64{{0.5, 1}, {0.75, 1}},
	}, -1)

	graphtest.RunTestGraphFn(t, "Max/Min/Pow", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float64{-1, 2, 3})
		inputs = []*Node{x}
		outputs = []*Node{Max(x, Scalar(g, 0)), Min(x, Scalar(g, 2)), Pow(x, Scalar(g, 2))}
		return
	}, []any{[]float64{0, 2, 3}, []float64{-1, 2, 2}, []float64{1, 4, 9}}, -1)
}

func TestUnaryOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "activations", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float64{-1, 0, 2})
		inputs = []*Node{x}
		outputs = []*Node{Relu(x), Sigmoid(x), Softplus(x), Tanh(x), Abs(x), Sign(x), Step(x), Neg(x)}
		return
	}, []any{
		[]float64{0, 0, 2},
		[]float64{1 / (1 + math.E), 0.5, 1 / (1 + math.Exp(-2))},
		[]float64{math.Log1p(math.Exp(-1)), math.Ln2, 2 + math.Log1p(math.Exp(-2))},
		[]float64{math.Tanh(-1), 0, math.Tanh(2)},
		[]float64{1, 0, 2},
		[]float64{-1, 0, 1},
		[]float64{0, 0, 1},
		[]float64{1, 0, -2},
	}, 1e-12)

	graphtest.RunTestGraphFn(t, "exp/log", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float64{1, 4})
		inputs = []*Node{x}
		outputs = []*Node{Exp(x), Log(x), Log1p(x), Sqrt(x), Square(x), Lgamma(x), Inverse(x), OneMinus(x)}
		return
	}, []any{
		[]float64{math.E, math.Exp(4)},
		[]float64{0, math.Log(4)},
		[]float64{math.Ln2, math.Log(5)},
		[]float64{1, 2},
		[]float64{1, 16},
		[]float64{0, math.Log(6)},
		[]float64{1, 0.25},
		[]float64{0, -3},
	}, 1e-12)

	// Softplus must not overflow for large values.
	graphtest.RunTestGraphFn(t, "stable softplus", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float64{-1000, 1000})
		inputs = []*Node{x}
		outputs = []*Node{Softplus(x), Sigmoid(x)}
		return
	}, []any{[]float64{0, 1000}, []float64{0, 1}}, 1e-12)
}

func TestShapeOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "MatMul/Transpose", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float64{{1, 2}, {3, 4}})
		inputs = []*Node{x}
		outputs = []*Node{MatMul(x, Const(g, [][]float64{{1}, {1}})), Transpose(x)}
		return
	}, []any{[][]float64{{3}, {7}}, [][]float64{{1, 3}, {2, 4}}}, -1)

	graphtest.RunTestGraphFn(t, "Reductions", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float64{{1, 2}, {3, 4}})
		inputs = []*Node{x}
		outputs = []*Node{ReduceSum(x, 0), ReduceSum(x, -1), ReduceAllSum(x), ReduceAllMean(x), ReduceMean(x, 1)}
		return
	}, []any{[]float64{4, 6}, []float64{3, 7}, 10.0, 2.5, []float64{1.5, 3.5}}, -1)

	graphtest.RunTestGraphFn(t, "Reshape/Broadcast", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float64{1, 2, 3, 4, 5, 6})
		row := Const(g, []float64{1, 2})
		inputs = []*Node{x, row}
		outputs = []*Node{
			Reshape(x, 2, -1),
			ExpandAxes(row, 0),
			BroadcastToShape(row, shapes.Make(2, 2)),
			ReduceToShape(Reshape(x, 3, 2), shapes.Make(1, 2)),
		}
		return
	}, []any{
		[][]float64{{1, 2, 3}, {4, 5, 6}},
		[][]float64{{1, 2}},
		[][]float64{{1, 2}, {1, 2}},
		[][]float64{{9, 12}},
	}, -1)
}

func TestShapeErrors(t *testing.T) {
	g := NewGraph("errors")
	x := Const(g, [][]float64{{1, 2, 3}, {4, 5, 6}})
	err := exceptions.TryCatch[error](func() { Add(x, Const(g, []float64{1, 2})) })
	require.Error(t, err)
	var shapeErr *shapes.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "Add", shapeErr.Op)

	require.Panics(t, func() { MatMul(x, x) })
	require.Panics(t, func() { Reshape(x, 4) })

	g.Compile(x)
	require.Panics(t, func() { Neg(x) }, "graph can't be changed after compilation")
}

func TestRandom(t *testing.T) {
	g := NewGraph("random")
	normal := RandomNormal(g, shapes.Make(1000))
	signs := RandomSign(g, shapes.Make(1000))
	uniform := RandomUniform(g, shapes.Make(1000))
	g.Compile(ReduceAllMean(normal), ReduceAllMean(Square(normal)), Abs(signs), ReduceAllMean(uniform))
	require.Panics(t, func() { g.Run(nil) })

	outputs := g.Run(newRand(42))
	assert.InDelta(t, 0.0, outputs[0].Value(), 0.15)
	assert.InDelta(t, 1.0, outputs[1].Value(), 0.15)
	for _, v := range outputs[2].Flat() {
		assert.Equal(t, 1.0, v)
	}
	assert.InDelta(t, 0.5, outputs[3].Value(), 0.1)

	// Same seed, same values.
	again := g.Run(newRand(42))
	assert.Equal(t, outputs[0].Value(), again[0].Value())
}
