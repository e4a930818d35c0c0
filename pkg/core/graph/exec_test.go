// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"errors"
	"testing"

	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	length := NewExec("length", func(g *Graph, inputs []*Node) []*Node {
		x := inputs[0]
		return []*Node{Sqrt(ReduceAllSum(Mul(x, x)))}
	})
	outputs, err := length.Exec(tensors.FromSlice([]float64{3, 4}))
	require.NoError(t, err)
	assert.Equal(t, 5.0, outputs[0].Value())
	outputs, err = length.Exec(tensors.FromSlice([]float64{6, 8}))
	require.NoError(t, err)
	assert.Equal(t, 10.0, outputs[0].Value())
	assert.Equal(t, 1, length.NumCachedGraphs(), "same shape should reuse the graph")

	outputs, err = length.Exec(tensors.FromSlice([]float64{1, 2, 2}))
	require.NoError(t, err)
	assert.Equal(t, 3.0, outputs[0].Value())
	assert.Equal(t, 2, length.NumCachedGraphs())

	length.Finalize()
	assert.Equal(t, 0, length.NumCachedGraphs())
}

func TestExecErrors(t *testing.T) {
	add := NewExec("add", func(g *Graph, inputs []*Node) []*Node {
		return []*Node{Add(inputs[0], inputs[1])}
	})
	_, err := add.Exec(tensors.FromSlice([]float64{1, 2, 3}), tensors.FromSlice([]float64{1, 2}))
	require.Error(t, err)
	var shapeErr *shapes.ShapeError
	assert.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, 0, add.NumCachedGraphs(), "failed graphs are not cached")

	limited := NewExec("limited", func(g *Graph, inputs []*Node) []*Node {
		return []*Node{Neg(inputs[0])}
	}).SetMaxCache(1)
	_, err = limited.Exec(tensors.FromScalar(1.0))
	require.NoError(t, err)
	_, err = limited.Exec(tensors.FromSlice([]float64{1, 2}))
	require.Error(t, err)
}

func TestExecSeed(t *testing.T) {
	noise := func() *Exec {
		return NewExec("noise", func(g *Graph, inputs []*Node) []*Node {
			return []*Node{Add(inputs[0], RandomNormal(g, inputs[0].Shape()))}
		}).WithSeed(7)
	}
	input := tensors.FromSlice([]float64{0, 0, 0})
	first, err := noise().Exec(input)
	require.NoError(t, err)
	second, err := noise().Exec(input)
	require.NoError(t, err)
	assert.Equal(t, first[0].Value(), second[0].Value())

	e := noise()
	a := e.Call(input)
	b := e.Call(input)
	assert.NotEqual(t, a[0].Value(), b[0].Value(), "consecutive calls draw new random values")
}
