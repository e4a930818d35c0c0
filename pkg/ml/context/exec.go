// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"slices"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// ExecGraphFn builds a computation graph that uses the variables of the Context.
type ExecGraphFn func(ctx *Context, g *graph.Graph, inputs []*graph.Node) []*graph.Node

// Exec creates and executes computation graphs that use the variables of a Context, as needed based on
// the inputs shapes. It's the equivalent of graph.Exec for graphs with variables.
//
// Variables used by the graph are fed automatically, and the variables updated in the graph
// (with Variable.SetValueGraph) are updated in the context after each execution.
//
// Executions are serialized, since they may update the variables.
type Exec struct {
	ctx     *Context
	name    string
	graphFn ExecGraphFn

	maxCacheSize int

	mu    sync.Mutex
	cache []*execEntry
}

type execEntry struct {
	argsShapes []shapes.Shape
	g          *graph.Graph
	inputs     []*graph.Node
	numOutputs int

	// usedVariables are fed to the graph, changedVariables are updated from the extra outputs.
	usedVariables, changedVariables []*Variable
}

// NewExec constructs an Exec object that uses the given ctx and graphFn to build computation graphs.
func NewExec(ctx *Context, name string, graphFn ExecGraphFn) *Exec {
	return &Exec{
		ctx:          ctx,
		name:         name,
		graphFn:      graphFn,
		maxCacheSize: graph.DefaultExecMaxCacheSize,
	}
}

// Context used by the Exec.
func (e *Exec) Context() *Context { return e.ctx }

// SetMaxCache sets the maximum number of graphs built. Set it to -1 to have unlimited cache size.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.maxCacheSize = maxCacheSize
	return e
}

// NumCachedGraphs returns the number of graphs built so far.
func (e *Exec) NumCachedGraphs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Call executes the graph for the given inputs, building it first if needed.
// It panics on errors.
func (e *Exec) Call(inputs ...*tensors.Tensor) []*tensors.Tensor {
	e.mu.Lock()
	defer e.mu.Unlock()
	argsShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		if input == nil {
			Panicf("context.Exec(%q): input #%d is nil", e.name, ii)
		}
		argsShapes[ii] = input.Shape()
	}
	entry := e.findCacheEntry(argsShapes)
	if entry == nil {
		entry = e.createAndCacheGraph(argsShapes)
	}

	params := make(graph.ParamsMap, len(inputs)+len(entry.usedVariables))
	for ii, input := range inputs {
		params[entry.inputs[ii]] = input
	}
	for _, v := range entry.usedVariables {
		if v.value == nil {
			Panicf("context.Exec(%q): variable %q has no value", e.name, v.ScopeAndName())
		}
		params[v.ParamNode(entry.g)] = v.value
	}
	outputs := entry.g.RunWithMap(e.ctx.NewRand(), params)
	for ii, v := range entry.changedVariables {
		v.value = outputs[entry.numOutputs+ii]
	}
	return outputs[:entry.numOutputs]
}

// Exec executes the graph for the given inputs, building it first if needed.
// Errors during the building or execution of the graph are returned, and in that case
// no variable is updated.
func (e *Exec) Exec(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	err = TryCatch[error](func() { outputs = e.Call(inputs...) })
	if err != nil {
		return nil, errors.WithMessagef(err, "context.Exec(%q)", e.name)
	}
	return
}

func (e *Exec) findCacheEntry(argsShapes []shapes.Shape) *execEntry {
	for _, entry := range e.cache {
		if slices.EqualFunc(entry.argsShapes, argsShapes, shapes.Shape.Equal) {
			return entry
		}
	}
	return nil
}

// createAndCacheGraph must be called with the lock held.
func (e *Exec) createAndCacheGraph(argsShapes []shapes.Shape) *execEntry {
	if e.maxCacheSize > 0 && len(e.cache) >= e.maxCacheSize {
		Panicf("context.Exec(%q): maximum cache size of %d reached, cannot create another graph for shapes %v",
			e.name, e.maxCacheSize, argsShapes)
	}
	g := graph.NewGraph(e.name)
	entry := &execEntry{argsShapes: slices.Clone(argsShapes), g: g}
	err := TryCatch[error](func() {
		entry.inputs = make([]*graph.Node, len(argsShapes))
		for ii, shape := range argsShapes {
			entry.inputs[ii] = g.Parameter("", shape)
		}
		outputs := e.graphFn(e.ctx, g, entry.inputs)
		entry.numOutputs = len(outputs)
		for v := range e.ctx.IterVariables() {
			if !v.InUseByGraph(g) {
				continue
			}
			entry.usedVariables = append(entry.usedVariables, v)
			if v.ChangedInGraph(g) {
				entry.changedVariables = append(entry.changedVariables, v)
				outputs = append(outputs, v.ValueGraph(g))
			}
		}
		g.Compile(outputs...)
	})
	if err != nil {
		e.releaseGraph(g)
		panic(errors.WithMessagef(err, "building graph for shapes %v", argsShapes))
	}
	e.cache = append(e.cache, entry)
	klog.V(2).Infof("context.Exec(%q): built graph #%d for shapes %v, using %d variables (%d updated)",
		e.name, len(e.cache), argsShapes, len(entry.usedVariables), len(entry.changedVariables))
	return entry
}

// releaseGraph removes the associations of the context with the graph.
func (e *Exec) releaseGraph(g *graph.Graph) {
	for v := range e.ctx.IterVariables() {
		v.forgetGraph(g)
	}
	e.ctx.deleteGraphParams(g)
}

// Finalize releases the graphs built. The Exec can still be used, in which case graphs are rebuilt.
func (e *Exec) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.cache {
		e.releaseGraph(entry.g)
	}
	e.cache = nil
}
