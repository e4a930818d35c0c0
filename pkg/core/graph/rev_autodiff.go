// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/probflow/probflow/pkg/core/shapes"
)

// This file implements reverse-mode automatic differentiation, using VJP (Vector Jacobian Product).
//
// Overall in this file we assume the following conventions:
//
// * root node: the final output of the graph. The objective it to generate the gradient of this value with
//      respect to a list of selected gradient nodes.
// * selected gradient nodes: the nodes with respect to which we want to calculate the gradient of the output.
//      Typically, in a machine learning set up these will be the variables (aka. weights).
// * VJP / Adjoint: the accumulated reverse gradient of the root node with respect to the current node being
//      processed. They are generated in reverse order, from the root back to the graph inputs.

// VJP returns the $v \dot Jacobian$ of the given `node`, with respect to each of its inputs.
//
//   - node: the node for which we are calculating the backward gradient.
//   - v: the adjoint, the gradient of the root with respect to the output of node. It has the
//     same shape as node.
//
// It must return one gradient per input of node, each with the shape of the corresponding input.
type VJP func(node, v *Node) []*Node

// VJPRegistration maps each node type to its VJP function.
var VJPRegistration map[NodeType]VJP

func init() {
	VJPRegistration = map[NodeType]VJP{
		NodeTypeIdentity: identityVJP,
		NodeTypeAdd: func(node, v *Node) []*Node {
			return []*Node{reduceVJP(v, node.inputs[0]), reduceVJP(v, node.inputs[1])}
		},
		NodeTypeSub: func(node, v *Node) []*Node {
			return []*Node{reduceVJP(v, node.inputs[0]), reduceVJP(Neg(v), node.inputs[1])}
		},
		NodeTypeMul: func(node, v *Node) []*Node {
			lhs, rhs := node.inputs[0], node.inputs[1]
			return []*Node{reduceVJP(Mul(v, rhs), lhs), reduceVJP(Mul(v, lhs), rhs)}
		},
		NodeTypeDiv: func(node, v *Node) []*Node {
			lhs, rhs := node.inputs[0], node.inputs[1]
			return []*Node{
				reduceVJP(Div(v, rhs), lhs),
				reduceVJP(Neg(Mul(v, Div(node, rhs))), rhs),
			}
		},
		NodeTypeMax: func(node, v *Node) []*Node {
			lhs, rhs := node.inputs[0], node.inputs[1]
			mask := Step(Sub(lhs, rhs))
			return []*Node{reduceVJP(Mul(v, mask), lhs), reduceVJP(Mul(v, OneMinus(mask)), rhs)}
		},
		NodeTypeMin: func(node, v *Node) []*Node {
			lhs, rhs := node.inputs[0], node.inputs[1]
			mask := Step(Sub(rhs, lhs))
			return []*Node{reduceVJP(Mul(v, mask), lhs), reduceVJP(Mul(v, OneMinus(mask)), rhs)}
		},
		NodeTypePow: func(node, v *Node) []*Node {
			lhs, rhs := node.inputs[0], node.inputs[1]
			return []*Node{
				reduceVJP(Mul(v, Mul(rhs, Pow(lhs, AddScalar(rhs, -1)))), lhs),
				reduceVJP(Mul(v, Mul(node, Log(lhs))), rhs),
			}
		},
		NodeTypeNeg: func(node, v *Node) []*Node { return []*Node{Neg(v)} },
		NodeTypeExp: func(node, v *Node) []*Node { return []*Node{Mul(v, node)} },
		NodeTypeLog: func(node, v *Node) []*Node { return []*Node{Div(v, node.inputs[0])} },
		NodeTypeLog1p: func(node, v *Node) []*Node {
			return []*Node{Div(v, AddScalar(node.inputs[0], 1))}
		},
		NodeTypeSqrt: func(node, v *Node) []*Node { return []*Node{Div(v, MulScalar(node, 2))} },
		NodeTypeSquare: func(node, v *Node) []*Node {
			return []*Node{Mul(v, MulScalar(node.inputs[0], 2))}
		},
		NodeTypeAbs:  func(node, v *Node) []*Node { return []*Node{Mul(v, Sign(node.inputs[0]))} },
		NodeTypeSign: zeroVJP,
		NodeTypeStep: zeroVJP,
		NodeTypeSigmoid: func(node, v *Node) []*Node {
			return []*Node{Mul(v, Mul(node, OneMinus(node)))}
		},
		NodeTypeSoftplus: func(node, v *Node) []*Node { return []*Node{Mul(v, Sigmoid(node.inputs[0]))} },
		NodeTypeRelu:     func(node, v *Node) []*Node { return []*Node{Mul(v, Step(node.inputs[0]))} },
		NodeTypeTanh: func(node, v *Node) []*Node {
			return []*Node{Mul(v, OneMinus(Square(node)))}
		},
		NodeTypeLgamma: func(node, v *Node) []*Node {
			exceptions.Panicf("gradient of %s not implemented", node)
			return nil
		},
		NodeTypeMatMul: func(node, v *Node) []*Node {
			lhs, rhs := node.inputs[0], node.inputs[1]
			return []*Node{MatMul(v, Transpose(rhs)), MatMul(Transpose(lhs), v)}
		},
		NodeTypeTranspose: func(node, v *Node) []*Node { return []*Node{Transpose(v)} },
		NodeTypeReduceSum: func(node, v *Node) []*Node {
			input := node.inputs[0]
			dims := make([]int, input.Rank())
			for axis, dim := range input.shape.Dimensions {
				dims[axis] = dim
				if slices.Contains(node.axes, axis) {
					dims[axis] = 1
				}
			}
			return []*Node{BroadcastToShape(Reshape(v, dims...), input.shape)}
		},
		NodeTypeReshape: func(node, v *Node) []*Node {
			return []*Node{Reshape(v, node.inputs[0].shape.Dimensions...)}
		},
		NodeTypeBroadcastToShape: func(node, v *Node) []*Node {
			return []*Node{ReduceToShape(v, node.inputs[0].shape)}
		},
	}
}

func identityVJP(_, v *Node) []*Node { return []*Node{v} }

func zeroVJP(node, _ *Node) []*Node {
	grads := make([]*Node, len(node.inputs))
	for ii, input := range node.inputs {
		grads[ii] = ZerosLike(input)
	}
	return grads
}

// reduceVJP sums v back to the shape of the input it was broadcast from.
func reduceVJP(v, input *Node) *Node {
	return ReduceToShape(v, input.shape)
}

// Gradient creates new nodes for the gradients of the output with respect to each node in gradientNodes.
// The output must be a scalar -- otherwise this would be called Jacobian.
//
// Nodes in gradientNodes that the output doesn't depend on get a zero gradient.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	g := output.graph
	g.AssertBuilding()
	if !output.IsScalar() {
		exceptions.Panicf("only gradients of a scalar with respect to tensors are accepted, "+
			"not jacobians, that is, output must be scalar, got %s", output.shape)
	}

	numNodes := int(output.id) + 1
	selected := make([]bool, numNodes)
	for ii, node := range gradientNodes {
		if node.graph != g {
			exceptions.Panicf("Gradient(): gradient node #%d is from a different graph", ii)
		}
		if int(node.id) < numNodes {
			selected[node.id] = true
		}
	}

	// included: nodes the output depends on.
	included := make([]bool, numNodes)
	included[output.id] = true
	for id := numNodes - 1; id >= 0; id-- {
		if !included[id] {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			included[input.id] = true
		}
	}

	// useful: nodes that depend on one of the selected nodes.
	useful := make([]bool, numNodes)
	for id := range numNodes {
		node := g.nodes[id]
		if !included[id] || node.stopGradient {
			continue
		}
		useful[id] = selected[id]
		for _, input := range node.inputs {
			if useful[input.id] {
				useful[id] = true
				break
			}
		}
	}

	vjps := make([]*Node, numNodes)
	vjps[output.id] = Ones(g, output.shape)
	for id := numNodes - 1; id >= 0; id-- {
		node := g.nodes[id]
		v := vjps[id]
		if v == nil || !useful[id] || len(node.inputs) == 0 {
			continue
		}
		vjpFn, found := VJPRegistration[node.nodeType]
		if !found {
			exceptions.Panicf("Gradient(): no VJP registered for node type %s, used in %s", node.nodeType, node)
		}
		inputsVJPs := vjpFn(node, v)
		if len(inputsVJPs) != len(node.inputs) {
			exceptions.Panicf("VJP(%s) returned %d VJPs, but it has %d inputs, implementation of "+
				"auto-differentiation for node failed", node, len(inputsVJPs), len(node.inputs))
		}
		for ii, input := range node.inputs {
			if !useful[input.id] {
				continue
			}
			vjp := inputsVJPs[ii]
			if !vjp.shape.Equal(input.shape) {
				panic(shapes.NewError("Gradient",
					"invalid VJP shape calculated for input of "+node.nodeType.String(), input.shape, vjp.shape))
			}
			if vjps[input.id] == nil {
				vjps[input.id] = vjp
			} else {
				vjps[input.id] = Add(vjps[input.id], vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		if int(node.id) < numNodes && vjps[node.id] != nil {
			gradients[ii] = vjps[node.id]
		} else {
			gradients[ii] = ZerosLike(node)
		}
	}
	return gradients
}
