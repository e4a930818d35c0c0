// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/probflow/probflow/pkg/core/shapes"
)

// Estimator selects how the samples of a Parameter posterior are drawn during fitting.
type Estimator int

const (
	// EstimatorNone draws one reparameterized sample of the posterior per batch.
	EstimatorNone Estimator = iota

	// EstimatorFlipout draws a different random sign pattern of the posterior perturbation for each
	// example of a batch, which decorrelates the gradients of the examples.
	EstimatorFlipout
)

// String implements fmt.Stringer.
func (e Estimator) String() string {
	switch e {
	case EstimatorNone:
		return "none"
	case EstimatorFlipout:
		return "flipout"
	}
	return fmt.Sprintf("Estimator(%d)", int(e))
}

// ParseEstimator converts "none" (or "") and "flipout" to an Estimator.
func ParseEstimator(name string) (Estimator, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return EstimatorNone, nil
	case "flipout":
		return EstimatorFlipout, nil
	}
	return EstimatorNone, invalidArgumentf("ParseEstimator", "unknown estimator %q, valid values are \"none\" and \"flipout\"", name)
}

// Transform is applied to the samples of a Parameter posterior before they are used.
type Transform int

const (
	TransformNone Transform = iota
	TransformSoftplus
	TransformExp
)

// String implements fmt.Stringer.
func (t Transform) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformSoftplus:
		return "softplus"
	case TransformExp:
		return "exp"
	}
	return fmt.Sprintf("Transform(%d)", int(t))
}

// apply the transform to a host value.
func (t Transform) apply(v float64) float64 {
	switch t {
	case TransformSoftplus:
		return softplus(v)
	case TransformExp:
		return math.Exp(v)
	}
	return v
}

// softplus computes log(1+exp(x)) in a numerically stable way.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// inverseSoftplus is the inverse of softplus, for x > 0.
func inverseSoftplus(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log(math.Expm1(x))
}

// Parameter is a named latent variable of a model, with a Normal variational posterior whose
// location and (softplus transformed) scale are trained when the model is fit.
//
// Parameters are created with NewParameter and are used in a model through their *Expr.
type Parameter struct {
	name      string
	seq       int64
	shape     []int
	estimator Estimator
	transform Transform

	priorLoc, priorScale float64
	initialScale         float64
}

// Name of the parameter, unique within a model.
func (p *Parameter) Name() string { return p.name }

// Shape of the parameter as declared. A dimension of -1 is only resolved when the model is fit.
func (p *Parameter) Shape() []int { return slices.Clone(p.shape) }

// Estimator used when fitting.
func (p *Parameter) Estimator() Estimator { return p.estimator }

// Transform applied to the samples.
func (p *Parameter) Transform() Transform { return p.transform }

// Prior returns the location and scale of the Normal prior.
func (p *Parameter) Prior() (loc, scale float64) { return p.priorLoc, p.priorScale }

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%q, shape=%v)", p.name, p.shape)
}

var parameterCounter atomic.Int64

// ParameterConfig is a builder for a Parameter, created with NewParameter.
type ParameterConfig struct {
	p *Parameter
}

// Default values for new parameters.
const (
	DefaultPriorLoc     = 0.0
	DefaultPriorScale   = 1.0
	DefaultInitialScale = 0.05
)

// NewParameter starts the configuration of a new Parameter. Call Done to get the expression to
// use when composing a model.
//
// Example:
//
//	weight := probflow.NewParameter().Name("weight").Shape(3).Done()
//	bias := probflow.NewParameter().Name("bias").Done()
//	model := probflow.Normal(probflow.Add(probflow.Dot(probflow.Input(), weight), bias), 1.0)
func NewParameter() *ParameterConfig {
	seq := parameterCounter.Add(1)
	return &ParameterConfig{p: &Parameter{
		seq:          seq,
		shape:        []int{1},
		estimator:    EstimatorNone,
		priorLoc:     DefaultPriorLoc,
		priorScale:   DefaultPriorScale,
		initialScale: DefaultInitialScale,
	}}
}

// NewScaleParameter starts the configuration of a positive Parameter: its samples are transformed with softplus.
// It's typically used as the scale of a Normal observation distribution.
func NewScaleParameter() *ParameterConfig {
	return NewParameter().Transform(TransformSoftplus)
}

// Name sets the name of the parameter. If not set, a unique name "parameter_<n>" is generated.
func (c *ParameterConfig) Name(name string) *ParameterConfig {
	c.p.name = name
	return c
}

// Shape sets the shape of the parameter. It defaults to [1], a scalar.
// A dimension of -1 is resolved when the model is fit (e.g.: the width of the input).
func (c *ParameterConfig) Shape(dimensions ...int) *ParameterConfig {
	c.p.shape = slices.Clone(dimensions)
	return c
}

// Estimator sets the estimator used when fitting. Default is EstimatorNone.
func (c *ParameterConfig) Estimator(estimator Estimator) *ParameterConfig {
	c.p.estimator = estimator
	return c
}

// Prior sets the location and scale of the Normal prior. Default is N(0, 1).
func (c *ParameterConfig) Prior(loc, scale float64) *ParameterConfig {
	c.p.priorLoc, c.p.priorScale = loc, scale
	return c
}

// Transform sets the transform applied to the samples of the parameter.
func (c *ParameterConfig) Transform(transform Transform) *ParameterConfig {
	c.p.transform = transform
	return c
}

// InitialScale sets the initial scale of the variational posterior. Default is DefaultInitialScale.
func (c *ParameterConfig) InitialScale(scale float64) *ParameterConfig {
	c.p.initialScale = scale
	return c
}

// Done validates the configuration and returns the expression of the parameter.
// It panics with a *ShapeError or *InvalidArgumentError if the configuration is invalid.
func (c *ParameterConfig) Done() *Expr {
	p := c.p
	if p.name == "" {
		p.name = fmt.Sprintf("parameter_%d", p.seq)
	}
	if strings.Contains(p.name, "/") {
		panic(invalidArgumentf("Parameter", "parameter name %q cannot contain \"/\"", p.name))
	}
	if len(p.shape) == 0 {
		p.shape = []int{1}
	}
	if len(p.shape) > 2 {
		panic(shapes.Errorf("Parameter", "parameter %q has shape %v: only rank 1 and 2 are supported", p.name, p.shape))
	}
	for _, dim := range p.shape {
		if dim <= 0 && dim != shapes.UnknownDim {
			panic(shapes.Errorf("Parameter", "parameter %q has invalid shape %v", p.name, p.shape))
		}
	}
	if p.priorScale <= 0 || p.initialScale <= 0 {
		panic(invalidArgumentf("Parameter", "parameter %q: prior scale (%g) and initial scale (%g) must be positive",
			p.name, p.priorScale, p.initialScale))
	}
	if p.estimator != EstimatorNone && p.estimator != EstimatorFlipout {
		panic(invalidArgumentf("Parameter", "parameter %q: unknown estimator %d", p.name, int(p.estimator)))
	}
	return &Expr{kind: kindParameter, param: p, dims: slices.Clone(p.shape)}
}
