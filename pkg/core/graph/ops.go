// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
)

// Const creates constant nodes in the Graph. x can be a *tensors.Tensor, a Go number or
// a (multidimensional) slice of numbers, or a gonum matrix: see tensors.Convert.
func Const(g *Graph, x any) *Node {
	g.AssertBuilding()
	value, err := tensors.Convert(x)
	if err != nil {
		panic(err)
	}
	node := g.newNode(NodeTypeConstant, value.Shape().Clone())
	node.constValue = value.Clone()
	return node
}

// Scalar returns a constant scalar with the given value. Scalars are cached per graph.
func Scalar(g *Graph, value float64) *Node {
	if node, found := g.scalars[value]; found {
		return node
	}
	node := Const(g, value)
	g.scalars[value] = node
	return node
}

// Ones creates a constant of the given shape filled with 1.
func Ones(g *Graph, shape shapes.Shape) *Node {
	return Const(g, tensors.FromScalarAndDimensions(1, shape.Dimensions...))
}

// Zeros creates a constant of the given shape filled with 0.
func Zeros(g *Graph, shape shapes.Shape) *Node {
	return Const(g, tensors.FromShape(shape))
}

// OnesLike returns a constant of the same shape of x, filled with 1.
func OnesLike(x *Node) *Node { return Ones(x.graph, x.shape) }

// ZerosLike returns a constant of the same shape of x, filled with 0.
func ZerosLike(x *Node) *Node { return Zeros(x.graph, x.shape) }

// Identity returns a node with the same value as x.
func Identity(x *Node) *Node {
	return x.graph.newNode(NodeTypeIdentity, x.shape, x)
}

// StopGradient creates an identity node that blocks the back-propagation of gradients.
func StopGradient(x *Node) *Node {
	node := x.graph.newNode(NodeTypeStopGradient, x.shape, x)
	node.stopGradient = true
	return node
}

func binaryOp(nodeType NodeType, lhs, rhs *Node) *Node {
	if lhs == nil || rhs == nil {
		exceptions.Panicf("%s: nil operand", nodeType)
	}
	shape, err := shapes.Broadcast(nodeType.String(), lhs.shape, rhs.shape)
	if err != nil {
		panic(err)
	}
	return lhs.graph.newNode(nodeType, shape, lhs, rhs)
}

// Add returns the element-wise sum of the operands, broadcasting them as needed.
func Add(lhs, rhs *Node) *Node { return binaryOp(NodeTypeAdd, lhs, rhs) }

// Sub returns the element-wise difference of the operands, broadcasting them as needed.
func Sub(lhs, rhs *Node) *Node { return binaryOp(NodeTypeSub, lhs, rhs) }

// Mul returns the element-wise product of the operands, broadcasting them as needed.
func Mul(lhs, rhs *Node) *Node { return binaryOp(NodeTypeMul, lhs, rhs) }

// Div returns the element-wise division of the operands, broadcasting them as needed.
func Div(lhs, rhs *Node) *Node { return binaryOp(NodeTypeDiv, lhs, rhs) }

// Max returns the element-wise maximum of the operands.
func Max(lhs, rhs *Node) *Node { return binaryOp(NodeTypeMax, lhs, rhs) }

// Min returns the element-wise minimum of the operands.
func Min(lhs, rhs *Node) *Node { return binaryOp(NodeTypeMin, lhs, rhs) }

// Pow returns lhs raised to the power rhs, element-wise.
func Pow(lhs, rhs *Node) *Node { return binaryOp(NodeTypePow, lhs, rhs) }

// AddScalar adds a constant to x.
func AddScalar(x *Node, value float64) *Node { return Add(x, Scalar(x.graph, value)) }

// MulScalar multiplies x by a constant.
func MulScalar(x *Node, value float64) *Node { return Mul(x, Scalar(x.graph, value)) }

// DivScalar divides x by a constant.
func DivScalar(x *Node, value float64) *Node { return Div(x, Scalar(x.graph, value)) }

// OneMinus returns (1-x).
func OneMinus(x *Node) *Node { return Sub(Scalar(x.graph, 1), x) }

// Inverse returns 1/x.
func Inverse(x *Node) *Node { return Div(Scalar(x.graph, 1), x) }

func unaryOp(nodeType NodeType, x *Node) *Node {
	if x == nil {
		exceptions.Panicf("%s: nil operand", nodeType)
	}
	return x.graph.newNode(nodeType, x.shape, x)
}

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(NodeTypeNeg, x) }

// Exp returns e^x.
func Exp(x *Node) *Node { return unaryOp(NodeTypeExp, x) }

// Log returns the natural logarithm of x.
func Log(x *Node) *Node { return unaryOp(NodeTypeLog, x) }

// Log1p returns log(1+x), accurate for x close to zero.
func Log1p(x *Node) *Node { return unaryOp(NodeTypeLog1p, x) }

// Sqrt returns the square root of x.
func Sqrt(x *Node) *Node { return unaryOp(NodeTypeSqrt, x) }

// Square returns x*x.
func Square(x *Node) *Node { return unaryOp(NodeTypeSquare, x) }

// Abs returns |x|.
func Abs(x *Node) *Node { return unaryOp(NodeTypeAbs, x) }

// Sign returns -1, 0 or 1 according to the sign of x. It has no gradient.
func Sign(x *Node) *Node { return unaryOp(NodeTypeSign, x) }

// Step returns 1 for x > 0, and 0 otherwise. It has no gradient.
func Step(x *Node) *Node { return unaryOp(NodeTypeStep, x) }

// Sigmoid returns 1/(1+exp(-x)), computed in a numerically stable way.
func Sigmoid(x *Node) *Node { return unaryOp(NodeTypeSigmoid, x) }

// Softplus returns log(1+exp(x)), computed in a numerically stable way.
func Softplus(x *Node) *Node { return unaryOp(NodeTypeSoftplus, x) }

// Relu returns max(x, 0).
func Relu(x *Node) *Node { return unaryOp(NodeTypeRelu, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Node) *Node { return unaryOp(NodeTypeTanh, x) }

// Lgamma returns the log of the absolute value of the Gamma function of x.
// Its gradient is not implemented, it is meant to be used on data.
func Lgamma(x *Node) *Node { return unaryOp(NodeTypeLgamma, x) }

// MatMul returns the matrix multiplication of two rank-2 nodes.
func MatMul(lhs, rhs *Node) *Node {
	if lhs.Rank() != 2 || rhs.Rank() != 2 || lhs.shape.Dimensions[1] != rhs.shape.Dimensions[0] {
		panic(shapes.NewError("MatMul", "requires matrices with matching inner dimensions", lhs.shape, rhs.shape))
	}
	return lhs.graph.newNode(NodeTypeMatMul, shapes.Make(lhs.shape.Dimensions[0], rhs.shape.Dimensions[1]), lhs, rhs)
}

// Transpose a rank-2 node.
func Transpose(x *Node) *Node {
	if x.Rank() != 2 {
		panic(shapes.NewError("Transpose", "requires a rank-2 operand", x.shape))
	}
	return x.graph.newNode(NodeTypeTranspose, shapes.Make(x.shape.Dimensions[1], x.shape.Dimensions[0]), x)
}

// ReduceSum reduces x over the given axes, removing them from the output shape.
// Negative axes count from the end. If no axes are given, it reduces the full array.
func ReduceSum(x *Node, axes ...int) *Node {
	if len(axes) == 0 {
		return ReduceAllSum(x)
	}
	return reduceSum(x, axes)
}

// ReduceAllSum reduces all dimensions to a scalar.
func ReduceAllSum(x *Node) *Node {
	axes := make([]int, x.Rank())
	for ii := range axes {
		axes[ii] = ii
	}
	return reduceSum(x, axes)
}

func reduceSum(x *Node, axes []int) *Node {
	adjusted := make([]int, 0, len(axes))
	for _, axis := range axes {
		adjusted = append(adjusted, shapes.AdjustAxis(axis, x.Rank()))
	}
	slices.Sort(adjusted)
	adjusted = slices.Compact(adjusted)
	dims := make([]int, 0, x.Rank())
	for axis, dim := range x.shape.Dimensions {
		if !slices.Contains(adjusted, axis) {
			dims = append(dims, dim)
		}
	}
	node := x.graph.newNode(NodeTypeReduceSum, shapes.Make(dims...), x)
	node.axes = adjusted
	return node
}

// ReduceMean returns the mean of x over the given axes. If no axes are given, it reduces the full array.
func ReduceMean(x *Node, axes ...int) *Node {
	sum := ReduceSum(x, axes...)
	count := x.shape.Size() / sum.shape.Size()
	return DivScalar(sum, float64(count))
}

// ReduceAllMean reduces all dimensions to a scalar, with the mean.
func ReduceAllMean(x *Node) *Node { return ReduceMean(x) }

// Reshape x to the given dimensions. One of the dimensions can be -1, in which case it's inferred
// from the total size.
func Reshape(x *Node, dimensions ...int) *Node {
	dims := slices.Clone(dimensions)
	inferred := -1
	known := 1
	for axis, dim := range dims {
		if dim == shapes.UnknownDim {
			if inferred >= 0 {
				panic(shapes.NewError("Reshape", "only one dimension can be inferred", x.shape))
			}
			inferred = axis
			continue
		}
		known *= dim
	}
	if inferred >= 0 {
		if known == 0 || x.shape.Size()%known != 0 {
			panic(shapes.Errorf("Reshape", "cannot reshape %s to %v", x.shape, dimensions))
		}
		dims[inferred] = x.shape.Size() / known
	}
	shape := shapes.Make(dims...)
	if shape.Size() != x.shape.Size() {
		panic(shapes.Errorf("Reshape", "cannot reshape %s to %s: sizes differ", x.shape, shape))
	}
	return x.graph.newNode(NodeTypeReshape, shape, x)
}

// ExpandAxes inserts an axis of dimension 1 at the given position (it can be negative, counting from the end).
func ExpandAxes(x *Node, axis int) *Node {
	axis = shapes.AdjustAxis(axis, x.Rank()+1)
	dims := slices.Insert(slices.Clone(x.shape.Dimensions), axis, 1)
	return Reshape(x, dims...)
}

// BroadcastToShape broadcasts x to the given shape, following the numpy broadcasting rules.
func BroadcastToShape(x *Node, shape shapes.Shape) *Node {
	if x.shape.Equal(shape) {
		return x
	}
	broadcast, err := shapes.Broadcast("BroadcastToShape", x.shape, shape)
	if err != nil {
		panic(err)
	}
	if !broadcast.Equal(shape) {
		panic(shapes.NewError("BroadcastToShape", "operand cannot be broadcast to the target shape", x.shape, shape))
	}
	return x.graph.newNode(NodeTypeBroadcastToShape, shape.Clone(), x)
}

// ReduceToShape sums x over the axes that were broadcast to reach its shape from the given shape.
// It's the reverse of BroadcastToShape.
func ReduceToShape(x *Node, shape shapes.Shape) *Node {
	if x.shape.Equal(shape) {
		return x
	}
	axes := shapes.ReducedAxes(x.shape, shape)
	reduced := x
	if len(axes) > 0 {
		reduced = reduceSum(x, axes)
	}
	if !reduced.shape.Equal(shape) {
		reduced = Reshape(reduced, shape.Dimensions...)
	}
	return reduced
}
