// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
)

type exprKind int

const (
	kindParameter exprKind = iota
	kindInput
	kindConstant
	kindAdd
	kindSub
	kindMul
	kindDiv
	kindNeg
	kindDot
	kindExp
	kindLog
	kindSqrt
	kindSquare
	kindAbs
	kindSigmoid
	kindSoftplus
	kindRelu
	kindTanh
)

var exprKindNames = map[exprKind]string{
	kindParameter: "Parameter",
	kindInput:     "Input",
	kindConstant:  "Const",
	kindAdd:       "Add",
	kindSub:       "Sub",
	kindMul:       "Mul",
	kindDiv:       "Div",
	kindNeg:       "Neg",
	kindDot:       "Dot",
	kindExp:       "Exp",
	kindLog:       "Log",
	kindSqrt:      "Sqrt",
	kindSquare:    "Square",
	kindAbs:       "Abs",
	kindSigmoid:   "Sigmoid",
	kindSoftplus:  "Softplus",
	kindRelu:      "Relu",
	kindTanh:      "Tanh",
}

// Expr is a node of the expression graph of a model: a structural composition of Parameters, Inputs
// and constants. It is immutable, and building it doesn't evaluate anything.
//
// Each Expr has a static shape: whether it has a batch axis (it depends on the input data), and the
// dimensions of each example, where -1 marks a width not known until the model is fit.
type Expr struct {
	kind     exprKind
	operands []*Expr

	// batched is true if the expression has one value per example.
	batched bool

	// dims are the dimensions per example, excluding the batch axis.
	dims []int

	param   *Parameter
	columns []int
	value   *tensors.Tensor
}

// Shape returns the dimensions of one example of the expression: the batch axis is not included.
// A dimension of -1 is only known when the model is fit.
func (e *Expr) Shape() []int { return slices.Clone(e.dims) }

// IsBatched returns whether the expression depends on the inputs, and hence has one value per example.
func (e *Expr) IsBatched() bool { return e.batched }

// Parameter returns the Parameter if the expression is a parameter, or nil otherwise.
func (e *Expr) Parameter() *Parameter { return e.param }

// String implements fmt.Stringer.
func (e *Expr) String() string {
	switch e.kind {
	case kindParameter:
		return e.param.name
	case kindInput:
		if len(e.columns) == 0 {
			return "Input()"
		}
		return fmt.Sprintf("Input(%v)", e.columns)
	case kindConstant:
		if e.value.Size() == 1 {
			return fmt.Sprintf("%g", e.value.Flat()[0])
		}
		return fmt.Sprintf("Const(%v)", e.value.Shape())
	}
	parts := make([]string, len(e.operands))
	for ii, op := range e.operands {
		parts[ii] = op.String()
	}
	return fmt.Sprintf("%s(%s)", exprKindNames[e.kind], strings.Join(parts, ", "))
}

// walk visits the expression tree in depth-first order, visiting the operands in order.
func (e *Expr) walk(fn func(e *Expr)) {
	fn(e)
	for _, op := range e.operands {
		op.walk(fn)
	}
}

// asExpr converts the operand to an *Expr: numbers, slices and tensors become constants.
func asExpr(op string, value any) *Expr {
	switch v := value.(type) {
	case *Expr:
		if v == nil {
			exceptions.Panicf("%s: nil expression given as operand", op)
		}
		return v
	case *ParameterConfig:
		exceptions.Panicf("%s: operand is a *ParameterConfig, call Done() on it first", op)
	}
	return Const(value)
}

// Const creates a constant expression. The value can be a Go number, a slice of numbers (rank 1) or
// a slice of slices (rank 2), a gonum matrix or a *tensors.Tensor.
func Const(value any) *Expr {
	t, err := tensors.Convert(value)
	if err != nil {
		panic(invalidArgumentf("Const", "%v", err))
	}
	if t.Rank() > 2 {
		panic(shapes.Errorf("Const", "constants can have at most rank 2, got shape %s", t.Shape()))
	}
	return &Expr{kind: kindConstant, value: t.Clone(), dims: slices.Clone(t.Shape().Dimensions)}
}

// Scalar creates a constant scalar expression.
func Scalar(value float64) *Expr {
	return Const(value)
}

// Input returns an expression for the input data x, given to Fit and to the queries, with one row per
// example. If columns are given, only those columns of x are selected (by index); otherwise all columns are
// used, and the width is only known at fit time.
func Input(columns ...int) *Expr {
	for _, col := range columns {
		if col < 0 {
			panic(invalidArgumentf("Input", "invalid column index %d", col))
		}
	}
	e := &Expr{kind: kindInput, batched: true, columns: slices.Clone(columns)}
	if len(columns) > 0 {
		e.dims = []int{len(columns)}
	} else {
		e.dims = []int{shapes.UnknownDim}
	}
	return e
}

func binaryExpr(kind exprKind, lhs, rhs any) *Expr {
	name := exprKindNames[kind]
	a, b := asExpr(name, lhs), asExpr(name, rhs)
	dims, err := shapes.Broadcast(name, shapes.Shape{Dimensions: a.dims}, shapes.Shape{Dimensions: b.dims})
	if err != nil {
		panic(err)
	}
	return &Expr{kind: kind, operands: []*Expr{a, b}, batched: a.batched || b.batched, dims: dims.Dimensions}
}

func unaryExpr(kind exprKind, x any) *Expr {
	a := asExpr(exprKindNames[kind], x)
	return &Expr{kind: kind, operands: []*Expr{a}, batched: a.batched, dims: slices.Clone(a.dims)}
}

// Add returns the elementwise lhs + rhs, with broadcasting.
func Add(lhs, rhs any) *Expr { return binaryExpr(kindAdd, lhs, rhs) }

// Sub returns the elementwise lhs - rhs, with broadcasting.
func Sub(lhs, rhs any) *Expr { return binaryExpr(kindSub, lhs, rhs) }

// Mul returns the elementwise lhs * rhs, with broadcasting.
func Mul(lhs, rhs any) *Expr { return binaryExpr(kindMul, lhs, rhs) }

// Div returns the elementwise lhs / rhs, with broadcasting.
func Div(lhs, rhs any) *Expr { return binaryExpr(kindDiv, lhs, rhs) }

// Neg returns -x.
func Neg(x any) *Expr { return unaryExpr(kindNeg, x) }

// Exp returns the elementwise e^x.
func Exp(x any) *Expr { return unaryExpr(kindExp, x) }

// Log returns the elementwise natural logarithm of x.
func Log(x any) *Expr { return unaryExpr(kindLog, x) }

// Sqrt returns the elementwise square root of x.
func Sqrt(x any) *Expr { return unaryExpr(kindSqrt, x) }

// Square returns the elementwise x^2.
func Square(x any) *Expr { return unaryExpr(kindSquare, x) }

// Abs returns the elementwise absolute value of x.
func Abs(x any) *Expr { return unaryExpr(kindAbs, x) }

// Sigmoid returns the elementwise 1/(1+exp(-x)).
func Sigmoid(x any) *Expr { return unaryExpr(kindSigmoid, x) }

// Softplus returns the elementwise log(1+exp(x)).
func Softplus(x any) *Expr { return unaryExpr(kindSoftplus, x) }

// Relu returns the elementwise max(x, 0).
func Relu(x any) *Expr { return unaryExpr(kindRelu, x) }

// Tanh returns the elementwise hyperbolic tangent of x.
func Tanh(x any) *Expr { return unaryExpr(kindTanh, x) }

// Dot returns the dot product of lhs and rhs over the last axis of lhs and the first axis of rhs.
//
// The lhs must have one dimension (per example) of width k. If rhs is a vector of width k the result
// has one value per example; if rhs is a matrix (k, m) the result has width m.
// A width of -1 of a Parameter operand is resolved at fit time to the width of the other operand.
func Dot(lhs, rhs any) *Expr {
	a, b := asExpr("Dot", lhs), asExpr("Dot", rhs)
	if len(a.dims) != 1 || len(b.dims) < 1 || len(b.dims) > 2 {
		panic(shapes.NewError("Dot", "lhs must be a vector and rhs a vector or a matrix",
			shapes.Shape{Dimensions: a.dims}, shapes.Shape{Dimensions: b.dims}))
	}
	if b.batched && len(b.dims) == 2 {
		panic(shapes.NewError("Dot", "rhs matrix cannot depend on the input", shapes.Shape{Dimensions: b.dims}))
	}
	ka, kb := a.dims[0], b.dims[0]
	if ka != kb && ka != shapes.UnknownDim && kb != shapes.UnknownDim {
		panic(shapes.NewError("Dot", fmt.Sprintf("inner widths %d and %d don't match", ka, kb),
			shapes.Shape{Dimensions: a.dims}, shapes.Shape{Dimensions: b.dims}))
	}
	e := &Expr{kind: kindDot, operands: []*Expr{a, b}, batched: a.batched || b.batched}
	if len(b.dims) == 2 {
		e.dims = []int{b.dims[1]}
	} else {
		e.dims = []int{}
	}
	return e
}

// DenseConfig is a builder for a fully connected layer, created with NewDense.
type DenseConfig struct {
	units     int
	name      string
	estimator Estimator
	useBias   bool
}

// denseCounter numbers the layers created without a name.
var denseCounter atomic.Int64

// NewDense starts the configuration of a fully connected layer with the given number of output units.
// Call Apply to use it on an input.
func NewDense(units int) *DenseConfig {
	return &DenseConfig{units: units, useBias: true}
}

// Name sets the prefix of the names of the layer parameters: "<name>_weight" and "<name>_bias".
// If not set, a unique "dense_<n>" prefix is used.
func (c *DenseConfig) Name(name string) *DenseConfig {
	c.name = name
	return c
}

// Estimator sets the estimator of the layer parameters.
func (c *DenseConfig) Estimator(estimator Estimator) *DenseConfig {
	c.estimator = estimator
	return c
}

// UseBias sets whether a bias is added. Default is true.
func (c *DenseConfig) UseBias(useBias bool) *DenseConfig {
	c.useBias = useBias
	return c
}

// Apply the layer to x: Dot(x, weight) + bias, where weight has shape [width(x), units] and bias [units].
func (c *DenseConfig) Apply(x any) *Expr {
	if c.units <= 0 {
		panic(invalidArgumentf("Dense", "units must be positive, got %d", c.units))
	}
	input := asExpr("Dense", x)
	if len(input.dims) == 0 {
		input = Mul(input, Const([]float64{1}))
	}
	name := c.name
	if name == "" {
		name = fmt.Sprintf("dense_%d", denseCounter.Add(1))
	}
	weight := NewParameter().Name(name+"_weight").Shape(shapes.UnknownDim, c.units).Estimator(c.estimator).Done()
	out := Dot(input, weight)
	if c.useBias {
		bias := NewParameter().Name(name+"_bias").Shape(c.units).Estimator(c.estimator).Done()
		out = Add(out, bias)
	}
	return out
}

// Dense is a fully connected layer with the given units: see NewDense.
func Dense(x any, units int) *Expr {
	return NewDense(units).Apply(x)
}

// DenseNet stacks Dense layers with the given units, with a Relu activation between them.
// The output of the last layer is linear.
func DenseNet(x any, units ...int) *Expr {
	if len(units) == 0 {
		panic(invalidArgumentf("DenseNet", "at least one layer must be given"))
	}
	out := asExpr("DenseNet", x)
	for ii, u := range units {
		out = Dense(out, u)
		if ii < len(units)-1 {
			out = Relu(out)
		}
	}
	return out
}

// TryBuild calls fn, which composes expressions and models, and converts a panic during the composition
// (e.g. a *ShapeError) to an error.
func TryBuild[T any](fn func() T) (result T, err error) {
	err = exceptions.TryCatch[error](func() { result = fn() })
	return
}
