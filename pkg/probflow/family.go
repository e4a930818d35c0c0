// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"math"
	"math/rand/v2"

	"github.com/probflow/probflow/pkg/core/graph"
	"gonum.org/v1/gonum/stat/distuv"
)

// Kind of observation distribution: it selects the default prediction method and the calibration
// strategy of a model.
type Kind int

const (
	// KindContinuous models (Normal) predict with the mean by default.
	KindContinuous Kind = iota

	// KindCategorical models (Bernoulli, Poisson) have discrete outcomes, and predict with the mode by default.
	KindCategorical
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == KindCategorical {
		return "categorical"
	}
	return "continuous"
}

// DefaultMethod is the prediction method used when none is configured.
func (k Kind) DefaultMethod() Method {
	if k == KindCategorical {
		return MethodMode
	}
	return MethodMean
}

// distribution is the host side of an observation distribution, implemented by gonum's distuv.
type distribution interface {
	Rand() float64
	LogProb(x float64) float64
	CDF(x float64) float64
	Mean() float64
}

// family of an observation distribution: its graph for training and its host distribution for the queries.
type family struct {
	name     string
	kind     Kind
	argNames []string

	// nll returns the elementwise negative log-likelihood of y.
	nll func(y *graph.Node, args []*graph.Node) *graph.Node

	// mean returns the graph of the mean of the distribution, used by the metrics.
	mean func(args []*graph.Node) *graph.Node

	// dist returns the host distribution for the given arguments of one element.
	dist func(args []float64, src rand.Source) distribution

	// validLabel checks the observed values.
	validLabel func(y float64) bool
}

var halfLog2Pi = 0.5 * math.Log(2*math.Pi)

var normalFamily = &family{
	name:     "Normal",
	kind:     KindContinuous,
	argNames: []string{"loc", "scale"},
	nll: func(y *graph.Node, args []*graph.Node) *graph.Node {
		loc, scale := args[0], args[1]
		z := graph.Div(graph.Sub(y, loc), scale)
		return graph.AddScalar(graph.Add(graph.Log(scale), graph.MulScalar(graph.Square(z), 0.5)), halfLog2Pi)
	},
	mean: func(args []*graph.Node) *graph.Node { return args[0] },
	dist: func(args []float64, src rand.Source) distribution {
		return distuv.Normal{Mu: args[0], Sigma: args[1], Src: src}
	},
	validLabel: func(y float64) bool { return !math.IsNaN(y) && !math.IsInf(y, 0) },
}

var bernoulliFamily = &family{
	name:     "Bernoulli",
	kind:     KindCategorical,
	argNames: []string{"logits"},
	nll: func(y *graph.Node, args []*graph.Node) *graph.Node {
		logits := args[0]
		return graph.Sub(graph.Softplus(logits), graph.Mul(y, logits))
	},
	mean: func(args []*graph.Node) *graph.Node { return graph.Sigmoid(args[0]) },
	dist: func(args []float64, src rand.Source) distribution {
		return distuv.Bernoulli{P: sigmoid(args[0]), Src: src}
	},
	validLabel: func(y float64) bool { return y == 0 || y == 1 },
}

var poissonFamily = &family{
	name:     "Poisson",
	kind:     KindCategorical,
	argNames: []string{"log_rate"},
	nll: func(y *graph.Node, args []*graph.Node) *graph.Node {
		logRate := args[0]
		return graph.Add(graph.Sub(graph.Exp(logRate), graph.Mul(y, logRate)), graph.Lgamma(graph.AddScalar(y, 1)))
	},
	mean: func(args []*graph.Node) *graph.Node { return graph.Exp(args[0]) },
	dist: func(args []float64, src rand.Source) distribution {
		return distuv.Poisson{Lambda: math.Exp(args[0]), Src: src}
	},
	validLabel: func(y float64) bool { return y >= 0 && y == math.Trunc(y) && !math.IsInf(y, 0) },
}

var families = map[string]*family{
	"normal":    normalFamily,
	"bernoulli": bernoulliFamily,
	"poisson":   poissonFamily,
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
