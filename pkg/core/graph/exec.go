// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// ExecGraphFn builds the computation for the given inputs, and returns the outputs.
type ExecGraphFn func(g *Graph, inputs []*Node) []*Node

// Exec creates and executes computation graphs as needed based on the inputs shapes.
//
// It simplifies the process of executing a graph building function with real values. For example:
//
//	length := graph.NewExec("length", func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
//		x := inputs[0]
//		return []*graph.Node{graph.Sqrt(graph.ReduceAllSum(graph.Mul(x, x)))}
//	})
//	outputs, err := length.Exec(tensors.FromSlice([]float64{3, 4}))
//
// Graphs for different input shapes are built once and cached. For safety there is a maximum
// number of different instantiations of the graph, see SetMaxCache.
//
// Exec is safe for concurrent use: the cache is protected, and compiled graphs are immutable.
type Exec struct {
	name    string
	graphFn ExecGraphFn

	// maxCacheSize: if more than these different graph instantiations are
	// created, Exec starts returning errors.
	maxCacheSize int

	// Protects cache structure and rng.
	mu    sync.Mutex
	cache []*execCacheEntry
	rng   *rand.Rand
}

// execCacheEntry: no hashing, just a simple list. This is faster for small tables.
type execCacheEntry struct {
	argsShapes []shapes.Shape
	graph      *Graph
}

// DefaultExecMaxCacheSize is the default maximum number of graphs an Exec builds.
const DefaultExecMaxCacheSize = 32

// NewExec constructs an Exec object that uses the given graphFn to build computation graphs.
func NewExec(name string, graphFn ExecGraphFn) *Exec {
	return &Exec{
		name:         name,
		graphFn:      graphFn,
		maxCacheSize: DefaultExecMaxCacheSize,
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Name of the Exec, used to name the graphs it builds.
func (e *Exec) Name() string { return e.name }

// SetMaxCache sets the maximum size of the cache. Set it to -1 to have unlimited cache size.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.maxCacheSize = maxCacheSize
	return e
}

// WithSeed resets the random number generator used by the random nodes, for reproducible executions.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) WithSeed(seed uint64) *Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return e
}

// NumCachedGraphs returns the number of graphs built and cached so far.
func (e *Exec) NumCachedGraphs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Call executes the graph for the given inputs, building it first if needed.
// It panics on errors.
func (e *Exec) Call(inputs ...*tensors.Tensor) []*tensors.Tensor {
	outputs, _ := e.CallWithGraph(inputs...)
	return outputs
}

// CallWithGraph is similar to Call, but it also returns the computation graph used in the call.
func (e *Exec) CallWithGraph(inputs ...*tensors.Tensor) ([]*tensors.Tensor, *Graph) {
	argsShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("Exec(%q): input #%d is nil", e.name, ii)
		}
		argsShapes[ii] = input.Shape()
	}
	entry, rng := e.graphForShapes(argsShapes)
	return entry.graph.Run(rng, inputs...), entry.graph
}

// Exec executes the graph for the given inputs, building it first if needed.
// Errors during the building or execution of the graph are returned.
func (e *Exec) Exec(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() { outputs = e.Call(inputs...) })
	if err != nil {
		return nil, errors.WithMessagef(err, "Exec(%q)", e.name)
	}
	return
}

// graphForShapes returns the graph for the given input shapes, building it if needed, and a
// random number generator for one execution.
func (e *Exec) graphForShapes(argsShapes []shapes.Shape) (*execCacheEntry, *rand.Rand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.findCacheEntry(argsShapes)
	if entry == nil {
		entry = e.createAndCacheGraph(argsShapes)
	}
	return entry, rand.New(rand.NewPCG(e.rng.Uint64(), e.rng.Uint64()))
}

// createAndCacheGraph must be called with the lock held.
func (e *Exec) createAndCacheGraph(argsShapes []shapes.Shape) *execCacheEntry {
	if e.maxCacheSize > 0 && len(e.cache) >= e.maxCacheSize {
		exceptions.Panicf("Exec(%q): maximum cache size of %d reached, cannot create another graph for shapes %v",
			e.name, e.maxCacheSize, argsShapes)
	}
	g := NewGraph(e.name)
	err := exceptions.TryCatch[error](func() {
		inputs := make([]*Node, len(argsShapes))
		for ii, shape := range argsShapes {
			inputs[ii] = g.Parameter("", shape)
		}
		outputs := e.graphFn(g, inputs)
		g.Compile(outputs...)
	})
	if err != nil {
		panic(errors.WithMessagef(err, "building graph for shapes %v", argsShapes))
	}
	entry := &execCacheEntry{argsShapes: slices.Clone(argsShapes), graph: g}
	e.cache = append(e.cache, entry)
	klog.V(2).Infof("Exec(%q): built graph #%d for shapes %v", e.name, len(e.cache), argsShapes)
	return entry
}

func (e *Exec) findCacheEntry(argsShapes []shapes.Shape) *execCacheEntry {
	for _, entry := range e.cache {
		if slices.EqualFunc(entry.argsShapes, argsShapes, shapes.Shape.Equal) {
			return entry
		}
	}
	return nil
}

// Finalize clears the cache of graphs. The Exec can still be used, in which case graphs are rebuilt.
func (e *Exec) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = nil
}
