// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
)

// Variable is a value shared among computation graphs, or across multiple executions of the same graph.
// It's commonly used to store the weights (aka. parameters) of a model.
//
// It's stored in the Context, and the value is fed as a graph parameter to the graphs that use it.
// Graphs can update the value with SetValueGraph: context.Exec then updates the variable value
// after each execution.
type Variable struct {
	ctx         *Context
	name, scope string
	shape       shapes.Shape
	value       *tensors.Tensor

	// Trainable indicates whether the variable is trainable, that is, whether the optimizer should update it.
	Trainable bool

	muNodes      sync.Mutex
	graphToNodes map[graph.GraphId]*variableNodes
}

// variableNodes is used to store the variable parameter node (fed to the graph) and current value Node for
// a given graph.
type variableNodes struct {
	paramNode, valueNode *graph.Node
}

// Name of the variable within the scope.
func (v *Variable) Name() string { return v.name }

// Scope where the variable was created.
func (v *Variable) Scope() string { return v.scope }

// ScopeAndName is a convenience function that returns the combined scope and name of the variable.
func (v *Variable) ScopeAndName() string { return JoinScope(v.scope, v.name) }

// String implements stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s %s", v.ScopeAndName(), v.shape)
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// ParameterName used when creating a parameter node in a Graph to access the variable.
func (v *Variable) ParameterName() string { return "var:" + v.ScopeAndName() }

// Value returns the current value of the variable.
//
// The returned tensor shouldn't be changed: use SetValue to change the variable value.
func (v *Variable) Value() *tensors.Tensor { return v.value }

// SetValue updates the value of the variable. The shape must match the variable shape.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if value == nil {
		return errors.Errorf("variable %q: cannot set a nil value", v.ScopeAndName())
	}
	if !value.Shape().Equal(v.shape) {
		return shapes.NewError("Variable.SetValue",
			fmt.Sprintf("variable %q value shape doesn't match", v.ScopeAndName()), v.shape, value.Shape())
	}
	v.value = value
	return nil
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}

// InUseByGraph returns whether the variable is currently in use by the given graph.
func (v *Variable) InUseByGraph(g *graph.Graph) bool {
	return v.nodes(g) != nil
}

// ChangedInGraph returns whether the variable is in use and was changed in the computation graph g.
func (v *Variable) ChangedInGraph(g *graph.Graph) bool {
	nodes := v.nodes(g)
	return nodes != nil && nodes.paramNode != nodes.valueNode
}

func (v *Variable) nodes(g *graph.Graph) *variableNodes {
	v.muNodes.Lock()
	defer v.muNodes.Unlock()
	return v.graphToNodes[g.GraphId()]
}

// ValueGraph returns the Node of the Graph that holds the current value of the variable. It can be changed
// for the graph (for instance, when applying a gradient descent) by SetValueGraph.
//
// It's a computation graph building function, and panics on errors.
func (v *Variable) ValueGraph(g *graph.Graph) *graph.Node {
	return v.graphNodes(g).valueNode
}

// ParamNode returns the parameter node fed with the variable value when the graph g is executed.
func (v *Variable) ParamNode(g *graph.Graph) *graph.Node {
	return v.graphNodes(g).paramNode
}

// SetValueGraph sets the value (a graph *Node) of the variable for the current graph.
//
// context.Exec will use the last value set with SetValueGraph and include it as the output of the graph
// execution and then update the variables (with SetValue) accordingly after each graph execution.
func (v *Variable) SetValueGraph(value *graph.Node) {
	if !value.Shape().Equal(v.shape) {
		panic(shapes.NewError("Variable.SetValueGraph",
			fmt.Sprintf("variable %q value shape doesn't match", v.ScopeAndName()), v.shape, value.Shape()))
	}
	nodes := v.graphNodes(value.Graph())
	nodes.valueNode = value
}

// graphNodes returns the nodes for the variable in graph g, creating the parameter node if needed.
func (v *Variable) graphNodes(g *graph.Graph) *variableNodes {
	v.muNodes.Lock()
	defer v.muNodes.Unlock()
	if v.graphToNodes == nil {
		Panicf("variable %q used after its context was finalized", v.ScopeAndName())
	}
	nodes, found := v.graphToNodes[g.GraphId()]
	if !found {
		param := g.Parameter(v.ParameterName(), v.shape)
		nodes = &variableNodes{paramNode: param, valueNode: param}
		v.graphToNodes[g.GraphId()] = nodes
	}
	return nodes
}

// forgetGraph removes the association of the variable with the graph.
func (v *Variable) forgetGraph(g *graph.Graph) {
	v.muNodes.Lock()
	defer v.muNodes.Unlock()
	delete(v.graphToNodes, g.GraphId())
}
