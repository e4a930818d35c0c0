// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
)

// This file implements the interpreter: the computation of each node type given the values of its inputs.

var unaryFns = map[NodeType]func(float64) float64{
	NodeTypeNeg:    func(x float64) float64 { return -x },
	NodeTypeExp:    math.Exp,
	NodeTypeLog:    math.Log,
	NodeTypeLog1p:  math.Log1p,
	NodeTypeSqrt:   math.Sqrt,
	NodeTypeSquare: func(x float64) float64 { return x * x },
	NodeTypeAbs:    math.Abs,
	NodeTypeSign: func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	},
	NodeTypeStep: func(x float64) float64 {
		if x > 0 {
			return 1
		}
		return 0
	},
	NodeTypeSigmoid:  sigmoid,
	NodeTypeSoftplus: softplus,
	NodeTypeRelu:     func(x float64) float64 { return max(x, 0) },
	NodeTypeTanh:     math.Tanh,
	NodeTypeLgamma: func(x float64) float64 {
		v, _ := math.Lgamma(x)
		return v
	},
}

var binaryFns = map[NodeType]func(a, b float64) float64{
	NodeTypeAdd: func(a, b float64) float64 { return a + b },
	NodeTypeSub: func(a, b float64) float64 { return a - b },
	NodeTypeMul: func(a, b float64) float64 { return a * b },
	NodeTypeDiv: func(a, b float64) float64 { return a / b },
	NodeTypeMax: func(a, b float64) float64 { return max(a, b) },
	NodeTypeMin: func(a, b float64) float64 { return min(a, b) },
	NodeTypePow: math.Pow,
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func softplus(x float64) float64 {
	return max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

// compute the value of the node, given the values of all the nodes before it.
func (n *Node) compute(values []*tensors.Tensor, rng *rand.Rand) *tensors.Tensor {
	inputs := make([]*tensors.Tensor, len(n.inputs))
	for ii, input := range n.inputs {
		inputs[ii] = values[input.id]
		if inputs[ii] == nil {
			exceptions.Panicf("graph %q: input #%d of node %s not computed", n.graph.name, ii, n)
		}
	}
	if fn, found := unaryFns[n.nodeType]; found {
		output := tensors.FromShape(n.shape)
		outFlat := output.Flat()
		for ii, v := range inputs[0].Flat() {
			outFlat[ii] = fn(v)
		}
		return output
	}
	if fn, found := binaryFns[n.nodeType]; found {
		return computeBinary(n.shape, inputs[0], inputs[1], fn)
	}

	switch n.nodeType {
	case NodeTypeConstant:
		return n.constValue
	case NodeTypeIdentity, NodeTypeStopGradient:
		return inputs[0].Clone()
	case NodeTypeReshape:
		return inputs[0].Clone().Reshape(n.shape.Dimensions...)
	case NodeTypeMatMul:
		return computeMatMul(inputs[0], inputs[1])
	case NodeTypeTranspose:
		return tensors.FromMatrix(inputs[0].ToMatrix().T())
	case NodeTypeReduceSum:
		return computeReduceSum(n.shape, inputs[0], n.axes)
	case NodeTypeBroadcastToShape:
		return computeBroadcast(n.shape, inputs[0])
	case NodeTypeRandomNormal, NodeTypeRandomUniform, NodeTypeRandomSign:
		if rng == nil {
			exceptions.Panicf("graph %q has random node %s, but no random number generator was given", n.graph.name, n)
		}
		output := tensors.FromShape(n.shape)
		flat := output.Flat()
		for ii := range flat {
			switch n.nodeType {
			case NodeTypeRandomNormal:
				flat[ii] = rng.NormFloat64()
			case NodeTypeRandomUniform:
				flat[ii] = rng.Float64()
			default:
				flat[ii] = float64(2*rng.IntN(2) - 1)
			}
		}
		return output
	}
	exceptions.Panicf("graph %q: node type %s cannot be computed", n.graph.name, n.nodeType)
	return nil
}

// broadcastStrides returns the strides of operand to be used when iterating over the indices of output.
// Broadcast axes get stride 0.
func broadcastStrides(operand, output shapes.Shape) []int {
	strides := make([]int, output.Rank())
	operandStrides := operand.Strides()
	offset := output.Rank() - operand.Rank()
	for axis, dim := range operand.Dimensions {
		if dim != 1 {
			strides[offset+axis] = operandStrides[axis]
		}
	}
	return strides
}

func computeBinary(shape shapes.Shape, lhs, rhs *tensors.Tensor, fn func(a, b float64) float64) *tensors.Tensor {
	output := tensors.FromShape(shape)
	outFlat, lhsFlat, rhsFlat := output.Flat(), lhs.Flat(), rhs.Flat()
	if lhs.Shape().Equal(shape) && rhs.Shape().Equal(shape) {
		for ii := range outFlat {
			outFlat[ii] = fn(lhsFlat[ii], rhsFlat[ii])
		}
		return output
	}
	lhsStrides := broadcastStrides(lhs.Shape(), shape)
	rhsStrides := broadcastStrides(rhs.Shape(), shape)
	for flat, indices := range shape.Iter() {
		var lhsIdx, rhsIdx int
		for axis, idx := range indices {
			lhsIdx += idx * lhsStrides[axis]
			rhsIdx += idx * rhsStrides[axis]
		}
		outFlat[flat] = fn(lhsFlat[lhsIdx], rhsFlat[rhsIdx])
	}
	return output
}

func computeBroadcast(shape shapes.Shape, operand *tensors.Tensor) *tensors.Tensor {
	output := tensors.FromShape(shape)
	outFlat, inFlat := output.Flat(), operand.Flat()
	strides := broadcastStrides(operand.Shape(), shape)
	for flat, indices := range shape.Iter() {
		var inIdx int
		for axis, idx := range indices {
			inIdx += idx * strides[axis]
		}
		outFlat[flat] = inFlat[inIdx]
	}
	return output
}

func computeReduceSum(shape shapes.Shape, operand *tensors.Tensor, axes []int) *tensors.Tensor {
	output := tensors.FromShape(shape)
	outFlat, inFlat := output.Flat(), operand.Flat()

	// Strides of the output mapped onto the operand axes: reduced axes get stride 0.
	outStrides := shape.Strides()
	strides := make([]int, operand.Rank())
	outAxis := 0
	for axis := range operand.Rank() {
		if slices.Contains(axes, axis) {
			continue
		}
		strides[axis] = outStrides[outAxis]
		outAxis++
	}
	for flat, indices := range operand.Shape().Iter() {
		var outIdx int
		for axis, idx := range indices {
			outIdx += idx * strides[axis]
		}
		outFlat[outIdx] += inFlat[flat]
	}
	return output
}

func computeMatMul(lhs, rhs *tensors.Tensor) *tensors.Tensor {
	lhsDims, rhsDims := lhs.Shape().Dimensions, rhs.Shape().Dimensions
	a := mat.NewDense(lhsDims[0], lhsDims[1], lhs.Flat())
	b := mat.NewDense(rhsDims[0], rhsDims[1], rhs.Flat())
	var c mat.Dense
	c.Mul(a, b)
	return tensors.FromMatrix(&c)
}
