// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the computation layer of ProbFlow: it is used to create and run computation graphs
// of float64 tensors.
//
// The graph package also includes an automatic differentiation system (see Gradient) and random
// number nodes, which is all that is needed to fit models with stochastic variational inference.
//
// The main elements in the package are:
//
//   - Graph is the blueprint for a specific computation with specific input shapes.
//     It's usually created by an Exec object, built by an ExecGraphFn, and then cached and executed by the Exec.
//
//   - Node represents a symbolic value in the computation. This can be an input parameter, a constant,
//     or the result of an operation ("op" for short, e.g.: Add, Sub, Mul, Sigmoid, Reshape, etc.).
//     Each node has a fixed shape known in "graph building time".
//
//   - Exec is the driver that manages the lifecycle (Graph creation, compilation, caching, and execution) across
//     different input shapes.
//
//   - context.Context and context.Exec (from the pkg/ml/context package):
//     higher level abstractions that include variable handling.
//
// # Error Handling
//
// Graph (and its Node's) methods "throw" errors with panic(). This prevents having to manage
// error returning for every operation (Add, Sub, Mul, etc.) and makes the code much more readable.
// Exec.Exec converts those panics back to errors.
//
// Graphs are executed by a pure Go interpreter, one node at a time in the order they were created.
// A compiled Graph is immutable and can be run concurrently.
package graph

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// GraphId is globally unique.
type GraphId int64

var graphCount atomic.Int64

// Graph with the operations and dependencies needed to run a computation.
type Graph struct {
	id   GraphId
	name string

	// nodes include all nodes known to Graph, in creation order, which is also a valid topological order.
	nodes []*Node

	// parameters keeps track of parameter nodes, in order of creation, and by name.
	parameters     []*Node
	parameterNames map[string]*Node

	// scalars maintains a cache of scalar values already created in the current Graph for re-use.
	scalars map[float64]*Node

	compiled bool
	outputs  []*Node

	// required marks the nodes needed to compute the outputs, set at compilation.
	required []bool
}

// ParamsMap is a shortcut for the map of parameters and their values passed to Graph.RunWithMap.
type ParamsMap map[*Node]*tensors.Tensor

// NewGraph constructs an empty Graph. If name is empty, a unique one is generated.
func NewGraph(name string) *Graph {
	id := GraphId(graphCount.Add(1))
	if name == "" {
		name = fmt.Sprintf("graph_#%d", id)
	}
	return &Graph{
		id:             id,
		name:           name,
		parameterNames: make(map[string]*Node),
		scalars:        make(map[float64]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// GraphId is a unique id (within the program) of the graph.
func (g *Graph) GraphId() GraphId { return g.id }

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// IsCompiled returns whether the Graph has been compiled, after which it can no longer be changed.
func (g *Graph) IsCompiled() bool { return g.compiled }

// AssertBuilding panics if the graph has already been compiled.
func (g *Graph) AssertBuilding() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
	if g.compiled {
		exceptions.Panicf("Graph %q has already been compiled, one cannot further build computations with it", g.name)
	}
}

// AssertCompiled panics if the graph is not yet compiled.
func (g *Graph) AssertCompiled() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
	if !g.compiled {
		exceptions.Panicf("Graph %q not compiled yet, it can't be executed", g.name)
	}
}

// Parameter registers an input parameter for a computation Graph (e.g: a feature used as input).
//
// When calling Graph.Run, the values of the parameters are passed in the order they were created.
func (g *Graph) Parameter(name string, shape shapes.Shape) *Node {
	g.AssertBuilding()
	if name == "" {
		name = fmt.Sprintf("p#%d", len(g.parameters))
	}
	if _, found := g.parameterNames[name]; found {
		exceptions.Panicf("requested parameter with name %q for graph %q already exists", name, g.name)
	}
	if !shape.IsFullyKnown() {
		exceptions.Panicf("parameter %q for graph %q has unresolved shape %s", name, g.name, shape)
	}
	node := g.newNode(NodeTypeParameter, shape.Clone())
	node.paramName = name
	node.paramIndex = len(g.parameters)
	g.parameters = append(g.parameters, node)
	g.parameterNames[name] = node
	return node
}

// NumParameters returns the number of parameters registered for this Graph.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// GetParameterByName returns the parameter registered with the given name, or nil if not found.
func (g *Graph) GetParameterByName(name string) *Node { return g.parameterNames[name] }

// Compile just-in-time the graph, so it's ready to run: it records the outputs and prunes the nodes
// not needed to compute them. After this the graph can no longer be changed.
func (g *Graph) Compile(outputs ...*Node) {
	g.AssertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("no outputs selected when Graph.Compile graph %q", g.name)
	}
	required := make([]bool, len(g.nodes))
	for ii, node := range outputs {
		if node == nil || node.graph != g {
			exceptions.Panicf("Graph(%q).Compile(): output #%d is nil or from a different graph", g.name, ii)
		}
		required[node.id] = true
	}
	for id := len(g.nodes) - 1; id >= 0; id-- {
		if !required[id] {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			required[input.id] = true
		}
	}
	g.required = required
	g.outputs = outputs
	g.compiled = true
	if klog.V(3).Enabled() {
		klog.Infof("Graph %q compiled with %d nodes and %d outputs", g.name, len(g.nodes), len(outputs))
	}
}

// Run the compiled Graph with the inputs given in order of the Parameter creation.
//
// rng is used by the random nodes, and can be nil if there are none.
// It panics on errors.
func (g *Graph) Run(rng *rand.Rand, inputs ...*tensors.Tensor) []*tensors.Tensor {
	g.AssertCompiled()
	if len(inputs) != len(g.parameters) {
		exceptions.Panicf("graph %q takes %d parameters, but %d were given to Graph.Run()",
			g.name, len(g.parameters), len(inputs))
	}
	params := make(ParamsMap, len(inputs))
	for ii, input := range inputs {
		params[g.parameters[ii]] = input
	}
	return g.RunWithMap(rng, params)
}

// RunWithMap runs the compiled graph with the inputs given as a map of the corresponding parameter
// node to its tensor value.
func (g *Graph) RunWithMap(rng *rand.Rand, inputs ParamsMap) []*tensors.Tensor {
	g.AssertCompiled()
	if len(inputs) != len(g.parameters) {
		exceptions.Panicf("graph %q takes %d parameters, but %d were given to RunWithMap()",
			g.name, len(g.parameters), len(inputs))
	}
	values := make([]*tensors.Tensor, len(g.nodes))
	for node, value := range inputs {
		if node.graph != g || node.nodeType != NodeTypeParameter {
			exceptions.Panicf("graph %q: RunWithMap() given a value for a node that is not one of its parameters: %s",
				g.name, node)
		}
		if !node.shape.Equal(value.Shape()) {
			exceptions.Panicf("graph %q: parameter %q has shape %s, but value given has shape %s",
				g.name, node.paramName, node.shape, value.Shape())
		}
		values[node.id] = value
	}
	for id, node := range g.nodes {
		if !g.required[id] || node.nodeType == NodeTypeParameter {
			continue
		}
		values[id] = node.compute(values, rng)
	}
	outputs := make([]*tensors.Tensor, len(g.outputs))
	for ii, node := range g.outputs {
		outputs[ii] = values[node.id]
	}
	return outputs
}

// String converts the Graph to a multiline string with a description of the full graph.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q: %d nodes, %d parameters", g.name, len(g.nodes), len(g.parameters))
	if g.compiled {
		sb.WriteString(", compiled")
	}
	sb.WriteString("\n")
	for _, node := range g.nodes {
		fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// newNode appends a new node to the graph.
func (g *Graph) newNode(nodeType NodeType, shape shapes.Shape, inputs ...*Node) *Node {
	g.AssertBuilding()
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("%s: input #%d is nil", nodeType, ii)
		}
		if input.graph != g {
			exceptions.Panicf("%s: input #%d is from graph %q, but building graph %q",
				nodeType, ii, input.graph.name, g.name)
		}
	}
	node := &Node{
		graph:    g,
		id:       NodeId(len(g.nodes)),
		nodeType: nodeType,
		shape:    shape,
		inputs:   inputs,
	}
	g.nodes = append(g.nodes, node)
	return node
}
