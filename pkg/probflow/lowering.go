// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"slices"

	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
)

// shapeResolver resolves the unknown dimensions of an expression tree for a given input width:
// the width of Input() and the -1 dimensions of parameters used in Dot.
type shapeResolver struct {
	inputWidth  int
	paramShapes map[*Parameter][]int
	dims        map[*Expr][]int
}

func newShapeResolver(inputWidth int) *shapeResolver {
	return &shapeResolver{inputWidth: inputWidth, paramShapes: make(map[*Parameter][]int)}
}

// resolveAll resolves the shapes of the roots. Parameter dimensions are bound in the first pass,
// and the second pass propagates them. It panics with a *ShapeError on failure.
func (r *shapeResolver) resolveAll(params []*Parameter, roots []*Expr) {
	for _, p := range params {
		r.paramShapes[p] = slices.Clone(p.shape)
	}
	for range 2 {
		r.dims = make(map[*Expr][]int)
		for _, root := range roots {
			r.resolve(root)
		}
	}
	for _, p := range params {
		for _, dim := range r.paramShapes[p] {
			if dim == shapes.UnknownDim {
				panic(shapes.Errorf("Fit", "cannot resolve the shape %v of parameter %q: only dimensions used in Dot "+
					"or Dense can be resolved from the input", p.shape, p.name))
			}
		}
	}
}

func (r *shapeResolver) resolve(e *Expr) []int {
	if dims, found := r.dims[e]; found {
		return dims
	}
	var dims []int
	switch e.kind {
	case kindParameter:
		dims = slices.Clone(r.paramShapes[e.param])
	case kindInput:
		if len(e.columns) == 0 {
			dims = []int{r.inputWidth}
		} else {
			for _, col := range e.columns {
				if col >= r.inputWidth {
					panic(shapes.Errorf("Input", "column %d selected, but the input has only %d columns", col, r.inputWidth))
				}
			}
			dims = []int{len(e.columns)}
		}
	case kindConstant:
		dims = slices.Clone(e.dims)
	case kindDot:
		a, b := e.operands[0], e.operands[1]
		da, db := r.resolve(a), r.resolve(b)
		ka, kb := da[0], db[0]
		switch {
		case ka == shapes.UnknownDim && kb != shapes.UnknownDim:
			r.bind(a, kb)
		case kb == shapes.UnknownDim && ka != shapes.UnknownDim:
			r.bind(b, ka)
		case ka != kb:
			panic(shapes.NewError("Dot", fmt.Sprintf("inner widths %d and %d don't match", ka, kb),
				shapes.Make(da...), shapes.Make(db...)))
		}
		if len(db) == 2 {
			dims = []int{db[1]}
		} else {
			dims = []int{}
		}
	default:
		if len(e.operands) == 1 {
			dims = r.resolve(e.operands[0])
			break
		}
		da, db := r.resolve(e.operands[0]), r.resolve(e.operands[1])
		broadcast, err := shapes.Broadcast(exprKindNames[e.kind], shapes.Shape{Dimensions: da}, shapes.Shape{Dimensions: db})
		if err != nil {
			panic(err)
		}
		dims = broadcast.Dimensions
	}
	r.dims[e] = dims
	return dims
}

// bind the first dimension of a parameter operand of Dot.
func (r *shapeResolver) bind(e *Expr, width int) {
	if e.kind != kindParameter {
		return
	}
	shape := r.paramShapes[e.param]
	if shape[0] == shapes.UnknownDim {
		shape[0] = width
	}
}

// outputWidth of a resolved root expression, with one value per example. It panics with a *ShapeError
// if the expression has more than one dimension per example.
func (r *shapeResolver) outputWidth(e *Expr) int {
	dims := r.resolve(e)
	switch len(dims) {
	case 0:
		return 1
	case 1:
		return dims[0]
	}
	panic(shapes.Errorf("Model", "the expression %s has shape %v per example, only vectors or scalars are supported",
		e, dims))
}

// ParamValueFn returns the graph value of a parameter, shaped [1 or batchSize, dims...].
type paramValueFn func(p *Parameter) *graph.Node

// lowering converts an expression tree to graph nodes.
//
// Every value carries a leading axis: the batch size for values that depend on the input (or on a
// flipout sample), or 1 otherwise. Binary operations broadcast over it.
type lowering struct {
	g          *graph.Graph
	x          *graph.Node
	resolver   *shapeResolver
	paramValue paramValueFn
	cache      map[*Expr]*graph.Node
}

func newLowering(x *graph.Node, resolver *shapeResolver, paramValue paramValueFn) *lowering {
	return &lowering{
		g:          x.Graph(),
		x:          x,
		resolver:   resolver,
		paramValue: paramValue,
		cache:      make(map[*Expr]*graph.Node),
	}
}

// output lowers the root expression and returns it broadcast to (batchSize, width).
func (l *lowering) output(e *Expr, width int) *graph.Node {
	node := l.lower(e)
	lead := node.Shape().Dim(0)
	node = graph.Reshape(node, lead, node.Shape().Size()/lead)
	return graph.BroadcastToShape(node, shapes.Make(l.x.Shape().Dim(0), width))
}

// alignRank inserts axes of dimension 1 after the leading axis, until node has rank 1+rank.
func alignRank(node *graph.Node, rank int) *graph.Node {
	if node.Rank() >= rank+1 {
		return node
	}
	dims := make([]int, 0, rank+1)
	dims = append(dims, node.Shape().Dim(0))
	for range rank + 1 - node.Rank() {
		dims = append(dims, 1)
	}
	dims = append(dims, node.Shape().Dimensions[1:]...)
	return graph.Reshape(node, dims...)
}

func (l *lowering) lower(e *Expr) *graph.Node {
	if node, found := l.cache[e]; found {
		return node
	}
	var node *graph.Node
	switch e.kind {
	case kindParameter:
		node = l.paramValue(e.param)
	case kindInput:
		node = l.lowerInput(e)
	case kindConstant:
		dims := append([]int{1}, e.value.Shape().Dimensions...)
		node = graph.Const(l.g, e.value.Reshape(dims...))
	case kindDot:
		node = l.lowerDot(e)
	case kindAdd, kindSub, kindMul, kindDiv:
		rank := len(l.resolver.resolve(e))
		a := alignRank(l.lower(e.operands[0]), rank)
		b := alignRank(l.lower(e.operands[1]), rank)
		switch e.kind {
		case kindAdd:
			node = graph.Add(a, b)
		case kindSub:
			node = graph.Sub(a, b)
		case kindMul:
			node = graph.Mul(a, b)
		case kindDiv:
			node = graph.Div(a, b)
		}
	default:
		x := l.lower(e.operands[0])
		switch e.kind {
		case kindNeg:
			node = graph.Neg(x)
		case kindExp:
			node = graph.Exp(x)
		case kindLog:
			node = graph.Log(x)
		case kindSqrt:
			node = graph.Sqrt(x)
		case kindSquare:
			node = graph.Square(x)
		case kindAbs:
			node = graph.Abs(x)
		case kindSigmoid:
			node = graph.Sigmoid(x)
		case kindSoftplus:
			node = graph.Softplus(x)
		case kindRelu:
			node = graph.Relu(x)
		case kindTanh:
			node = graph.Tanh(x)
		}
	}
	l.cache[e] = node
	return node
}

// lowerInput selects the columns of x with a matrix multiplication by a 0/1 selection matrix.
func (l *lowering) lowerInput(e *Expr) *graph.Node {
	if len(e.columns) == 0 {
		return l.x
	}
	width := l.x.Shape().Dim(1)
	selection := tensors.FromShape(shapes.Make(width, len(e.columns)))
	for ii, col := range e.columns {
		selection.Set(1, col, ii)
	}
	return graph.MatMul(l.x, graph.Const(l.g, selection))
}

func (l *lowering) lowerDot(e *Expr) *graph.Node {
	a, b := l.lower(e.operands[0]), l.lower(e.operands[1])
	if b.Rank() == 2 {
		// Vector dot product per example.
		return graph.ReduceSum(graph.Mul(a, b), 1)
	}
	leadA, leadB := a.Shape().Dim(0), b.Shape().Dim(0)
	k, m := b.Shape().Dim(1), b.Shape().Dim(2)
	if leadB == 1 {
		return graph.MatMul(graph.Reshape(a, leadA, k), graph.Reshape(b, k, m))
	}
	// Batch of matrices, e.g. a flipout sample of a weight.
	return graph.ReduceSum(graph.Mul(graph.Reshape(a, leadA, k, 1), b), 1)
}
