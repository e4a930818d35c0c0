// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/data"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultNumSamples is the number of posterior samples used by predictions and queries when none is given.
const DefaultNumSamples = 100

// Method reduces the samples of the predictive distribution of each example to a prediction.
type Method int

const (
	MethodMean Method = iota
	MethodMedian
	MethodMode
	MethodMin
	MethodMax

	// MethodPercentile uses the percentile configured with PredictConfig.Percentile.
	MethodPercentile
)

var methodNames = []string{"mean", "median", "mode", "min", "max", "percentile"}

// String implements fmt.Stringer.
func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// ParseMethod converts the name of a method ("mean", "median", "mode", "min", "max" or "percentile")
// to a Method.
func ParseMethod(name string) (Method, error) {
	idx := slices.Index(methodNames, strings.ToLower(name))
	if idx < 0 {
		return MethodMean, invalidArgumentf("ParseMethod", "unknown prediction method %q, valid values are %q",
			name, methodNames)
	}
	return Method(idx), nil
}

// PredictConfig holds the configuration of Model.Predict. Create it with Prediction.
type PredictConfig struct {
	method     Method
	methodSet  bool
	percentile float64
	numSamples int
}

// Prediction returns a PredictConfig with the defaults: the method is selected by the Kind of the model
// (see Kind.DefaultMethod), with DefaultNumSamples samples.
func Prediction() *PredictConfig {
	return &PredictConfig{percentile: 50}
}

// Method sets the reduction of the predictive samples.
func (c *PredictConfig) Method(method Method) *PredictConfig {
	c.method = method
	c.methodSet = true
	return c
}

// Percentile sets the method to MethodPercentile with the given percentile, from 0 to 100.
func (c *PredictConfig) Percentile(percentile float64) *PredictConfig {
	c.percentile = percentile
	return c.Method(MethodPercentile)
}

// NumSamples sets the number of samples of the predictive distribution. 0 means DefaultNumSamples.
func (c *PredictConfig) NumSamples(numSamples int) *PredictConfig {
	c.numSamples = numSamples
	return c
}

// numSamplesOrDefault validates the number of samples requested by a query.
func numSamplesOrDefault(op string, numSamples int) (int, error) {
	if numSamples < 0 {
		return 0, invalidArgumentf(op, "number of samples must be positive, got %d", numSamples)
	}
	if numSamples == 0 {
		return DefaultNumSamples, nil
	}
	return numSamples, nil
}

// queryInputs converts the x of a query, checking it has the width of the training inputs.
func queryInputs(op string, state *FitState, x any) (*tensors.Tensor, error) {
	xt, err := data.ToTable(x, nil)
	if err != nil {
		return nil, invalidArgumentf(op, "x: %v", err)
	}
	if xt.Shape().Dim(1) != state.X.Shape().Dim(1) {
		return nil, shapes.NewError(op, fmt.Sprintf("x has %d columns, the model was fit with %d",
			xt.Shape().Dim(1), state.X.Shape().Dim(1)), xt.Shape(), state.X.Shape())
	}
	return xt, nil
}

// queryLabels converts the y of a query, checking it matches the rows of x and the width of the model output.
func (m *Model) queryLabels(op string, state *FitState, xt *tensors.Tensor, y any) (*tensors.Tensor, error) {
	yt, err := data.ToTable(y, nil)
	if err != nil {
		return nil, invalidArgumentf(op, "y: %v", err)
	}
	if yt.Shape().Dim(0) != xt.Shape().Dim(0) || yt.Shape().Dim(1) != state.outWidth {
		return nil, shapes.NewError(op, fmt.Sprintf("y must be shaped (%d, %d)", xt.Shape().Dim(0), state.outWidth),
			xt.Shape(), yt.Shape())
	}
	return yt, nil
}

// sampleParam draws one sample of the posterior of the parameter ii into dst, with the transform applied.
func (s *FitState) sampleParam(ii int, src rand.Source, dst []float64) {
	p := s.params[ii]
	for jj, loc := range s.locs[ii] {
		dst[jj] = p.transform.apply(distuv.Normal{Mu: loc, Sigma: s.scales[ii][jj], Src: src}.Rand())
	}
}

// sampleParamTensors draws one sample of every parameter, each shaped [1, shape...] to be fed to the
// prediction graph.
func (s *FitState) sampleParamTensors(src rand.Source) []*tensors.Tensor {
	values := make([]*tensors.Tensor, len(s.params))
	for ii, p := range s.params {
		flat := make([]float64, len(s.locs[ii]))
		s.sampleParam(ii, src, flat)
		values[ii] = tensors.FromFlatDataAndDimensions(flat, append([]int{1}, s.ParameterShapes[p.name]...)...)
	}
	return values
}

// predictGraphFn returns the graph of the arguments of the distribution, given x and one sample of every
// parameter. Each argument is shaped (N, outWidth).
func (m *Model) predictGraphFn(state *FitState) graph.ExecGraphFn {
	index := make(map[*Parameter]int, len(state.params))
	for ii, p := range state.params {
		index[p] = ii
	}
	return func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		return m.distributionArgsGraph(inputs[0], state.resolver, state.outWidth, func(p *Parameter) *graph.Node {
			return inputs[1+index[p]]
		})
	}
}

// sampleFn is called for each posterior sample s with the flat (N*outWidth) arguments of the distribution,
// and a source of randomness specific to the sample.
type sampleFn func(s int, args [][]float64, src rand.Source) error

// forEachSample evaluates the arguments of the distribution for numSamples samples of the posterior,
// concurrently. fn must only write to state specific to s.
func (m *Model) forEachSample(state *FitState, xt *tensors.Tensor, numSamples int, fn sampleFn) error {
	seed := state.nextSeed()
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for s := range numSamples {
		eg.Go(func() error {
			src := rand.NewPCG(seed, uint64(s))
			inputs := append([]*tensors.Tensor{xt}, state.sampleParamTensors(src)...)
			outputs, err := state.predictExec.Exec(inputs...)
			if err != nil {
				return err
			}
			args := make([][]float64, len(outputs))
			for ii, output := range outputs {
				args[ii] = output.Flat()
			}
			return fn(s, args, src)
		})
	}
	return eg.Wait()
}

// distributions returns the host distributions of each element for one sample of the arguments.
func (m *Model) distributions(args [][]float64, src rand.Source) []distribution {
	size := len(args[0])
	dists := make([]distribution, size)
	elemArgs := make([]float64, len(args))
	for ii := range size {
		for jj := range args {
			elemArgs[jj] = args[jj][ii]
		}
		dists[ii] = m.family.dist(elemArgs, src)
	}
	return dists
}

// PredictiveDistribution draws numSamples samples of the posterior predictive distribution for each
// example of x. It returns a tensor shaped (N, D, numSamples), where D is the width of the
// observations. If numSamples is 0, DefaultNumSamples is used.
func (m *Model) PredictiveDistribution(x any, numSamples int) (*tensors.Tensor, error) {
	const op = "PredictiveDistribution"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	return m.predictiveDistribution(op, state, x, numSamples)
}

func (m *Model) predictiveDistribution(op string, state *FitState, x any, numSamples int) (*tensors.Tensor, error) {
	numSamples, err := numSamplesOrDefault(op, numSamples)
	if err != nil {
		return nil, err
	}
	xt, err := queryInputs(op, state, x)
	if err != nil {
		return nil, err
	}
	numExamples := xt.Shape().Dim(0)
	output := tensors.FromShape(shapes.Make(numExamples, state.outWidth, numSamples))
	flat := output.Flat()
	err = m.forEachSample(state, xt, numSamples, func(s int, args [][]float64, src rand.Source) error {
		for ii, dist := range m.distributions(args, src) {
			flat[ii*numSamples+s] = dist.Rand()
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, op)
	}
	return output, nil
}

// Predict returns the prediction for each example of x, shaped (N, D), reducing the samples of the
// posterior predictive distribution with the configured method. If cfg is nil, the defaults are used
// (see Prediction).
func (m *Model) Predict(x any, cfg *PredictConfig) (*mat.Dense, error) {
	const op = "Predict"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Prediction()
	}
	method := m.family.kind.DefaultMethod()
	if cfg.methodSet {
		method = cfg.method
	}
	if method < MethodMean || method > MethodPercentile {
		return nil, invalidArgumentf(op, "unknown prediction method %s", method)
	}
	if method == MethodPercentile && (cfg.percentile < 0 || cfg.percentile > 100) {
		return nil, invalidArgumentf(op, "percentile must be in [0, 100], got %g", cfg.percentile)
	}
	samples, err := m.predictiveDistribution(op, state, x, cfg.numSamples)
	if err != nil {
		return nil, err
	}
	numExamples, width, numSamples := samples.Shape().Dim(0), samples.Shape().Dim(1), samples.Shape().Dim(2)
	prediction := mat.NewDense(numExamples, width, nil)
	flat := samples.Flat()
	for row := range numExamples {
		for col := range width {
			start := (row*width + col) * numSamples
			prediction.Set(row, col, reduceSamples(method, cfg.percentile, flat[start:start+numSamples]))
		}
	}
	return prediction, nil
}

// reduceSamples reduces the samples of one element. It may reorder samples.
func reduceSamples(method Method, percentile float64, samples []float64) float64 {
	switch method {
	case MethodMean:
		return stat.Mean(samples, nil)
	case MethodMedian:
		slices.Sort(samples)
		return quantile(samples, 0.5)
	case MethodMode:
		slices.Sort(samples)
		mode, _ := stat.Mode(samples, nil)
		return mode
	case MethodMin:
		return floats.Min(samples)
	case MethodMax:
		return floats.Max(samples)
	case MethodPercentile:
		slices.Sort(samples)
		return quantile(samples, percentile/100)
	}
	return stat.Mean(samples, nil)
}

// quantile of sorted values, linearly interpolated between the closest ranks (as numpy's percentile).
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[n-1]
	}
	h := p * float64(n-1)
	lo := int(h)
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}
