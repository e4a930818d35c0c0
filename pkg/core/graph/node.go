// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
)

// NodeId is a unique identifier for a Node within its Graph.
type NodeId int

// NodeType identifies the operation of a Node.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeIdentity
	NodeTypeStopGradient

	// Binary elementwise ops, with broadcasting.
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypeMax
	NodeTypeMin
	NodeTypePow

	// Unary elementwise ops.
	NodeTypeNeg
	NodeTypeExp
	NodeTypeLog
	NodeTypeLog1p
	NodeTypeSqrt
	NodeTypeSquare
	NodeTypeAbs
	NodeTypeSign
	NodeTypeStep
	NodeTypeSigmoid
	NodeTypeSoftplus
	NodeTypeRelu
	NodeTypeTanh
	NodeTypeLgamma

	// Shape ops.
	NodeTypeMatMul
	NodeTypeTranspose
	NodeTypeReduceSum
	NodeTypeReshape
	NodeTypeBroadcastToShape

	// Random ops.
	NodeTypeRandomNormal
	NodeTypeRandomUniform
	NodeTypeRandomSign
)

var nodeTypeNames = [...]string{
	NodeTypeInvalid:          "Invalid",
	NodeTypeParameter:        "Parameter",
	NodeTypeConstant:         "Constant",
	NodeTypeIdentity:         "Identity",
	NodeTypeStopGradient:     "StopGradient",
	NodeTypeAdd:              "Add",
	NodeTypeSub:              "Sub",
	NodeTypeMul:              "Mul",
	NodeTypeDiv:              "Div",
	NodeTypeMax:              "Max",
	NodeTypeMin:              "Min",
	NodeTypePow:              "Pow",
	NodeTypeNeg:              "Neg",
	NodeTypeExp:              "Exp",
	NodeTypeLog:              "Log",
	NodeTypeLog1p:            "Log1p",
	NodeTypeSqrt:             "Sqrt",
	NodeTypeSquare:           "Square",
	NodeTypeAbs:              "Abs",
	NodeTypeSign:             "Sign",
	NodeTypeStep:             "Step",
	NodeTypeSigmoid:          "Sigmoid",
	NodeTypeSoftplus:         "Softplus",
	NodeTypeRelu:             "Relu",
	NodeTypeTanh:             "Tanh",
	NodeTypeLgamma:           "Lgamma",
	NodeTypeMatMul:           "MatMul",
	NodeTypeTranspose:        "Transpose",
	NodeTypeReduceSum:        "ReduceSum",
	NodeTypeReshape:          "Reshape",
	NodeTypeBroadcastToShape: "BroadcastToShape",
	NodeTypeRandomNormal:     "RandomNormal",
	NodeTypeRandomUniform:    "RandomUniform",
	NodeTypeRandomSign:       "RandomSign",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if t < 0 || int(t) >= len(nodeTypeNames) || nodeTypeNames[t] == "" {
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
	return nodeTypeNames[t]
}

// Node represents the result of an operation in the computation graph.
// Nodes have a fixed shape, and are only valid within the Graph that created them.
//
// It also stores meta-information: see Node.StopGradient.
type Node struct {
	graph    *Graph
	id       NodeId
	nodeType NodeType
	shape    shapes.Shape

	// inputs are the edges of the computation graph.
	inputs []*Node

	// Static arguments of some ops.
	constValue *tensors.Tensor
	axes       []int
	paramName  string
	paramIndex int

	// stopGradient is set if no gradient is supposed to pass through.
	stopGradient bool
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph { return n.graph }

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId { return n.id }

// Type of the operation of the node.
func (n *Node) Type() NodeType { return n.nodeType }

// Shape of the Node's output.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Rank is a shortcut to Shape().Rank().
func (n *Node) Rank() int { return n.shape.Rank() }

// IsScalar returns whether the node is a scalar.
func (n *Node) IsScalar() bool { return n.shape.IsScalar() }

// Inputs are the other nodes that are direct inputs to the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// ParameterName returns the name of the parameter, if the node is a Parameter, or "" otherwise.
func (n *Node) ParameterName() string { return n.paramName }

// StopGradient returns whether node blocks the back-propagation of gradients.
func (n *Node) StopGradient() bool { return n.stopGradient }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	parts := make([]string, 0, len(n.inputs))
	for _, input := range n.inputs {
		parts = append(parts, fmt.Sprintf("#%d", input.id))
	}
	str := fmt.Sprintf("#%d %s(%s)", n.id, n.nodeType, strings.Join(parts, ", "))
	switch n.nodeType {
	case NodeTypeParameter:
		str = fmt.Sprintf("#%d Parameter(%q)", n.id, n.paramName)
	case NodeTypeConstant:
		if n.constValue.Size() == 1 {
			str = fmt.Sprintf("#%d Constant(%g)", n.id, n.constValue.Flat()[0])
		}
	case NodeTypeReduceSum:
		str =fmt.Sprintf("%s axes=%v", str, n.axes)
	}
	if n.stopGradient {
		str += " [StopGradient]"
	}
	return fmt.Sprintf("%s -> %s", str, n.shape)
}
