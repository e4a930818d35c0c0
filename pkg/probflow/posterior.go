// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/ui/plots"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultPosteriorSamples is the number of samples used by Posterior and PosteriorMean when none is given.
const DefaultPosteriorSamples = 1000

// SamplePosterior draws numSamples samples of the variational posterior of every parameter of the model.
//
// It returns the samples keyed by parameter name, in declaration order, each shaped
// (numSamples, size of the parameter): a scalar parameter gives (numSamples, 1). The transform of the
// parameter, if any, is applied.
func (m *Model) SamplePosterior(numSamples int) (*orderedmap.OrderedMap[string, *mat.Dense], error) {
	const op = "SamplePosterior"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	if numSamples <= 0 {
		return nil, invalidArgumentf(op, "number of samples must be positive, got %d", numSamples)
	}
	return state.samplePosterior(m.params, numSamples), nil
}

func (s *FitState) samplePosterior(params []*Parameter, numSamples int) *orderedmap.OrderedMap[string, *mat.Dense] {
	index := make(map[*Parameter]int, len(s.params))
	for ii, p := range s.params {
		index[p] = ii
	}
	src := rand.NewPCG(s.nextSeed(), s.nextSeed())
	samples := orderedmap.New[string, *mat.Dense](orderedmap.WithCapacity[string, *mat.Dense](len(params)))
	for _, p := range params {
		ii := index[p]
		size := len(s.locs[ii])
		values := mat.NewDense(numSamples, size, nil)
		for row := range numSamples {
			s.sampleParam(ii, src, values.RawRowView(row))
		}
		samples.Set(p.name, values)
	}
	return samples
}

// Posterior is like SamplePosterior, but restricted to the parameters with the given names (all if none
// is given), in the order given. If numSamples is 0, DefaultPosteriorSamples is used.
func (m *Model) Posterior(numSamples int, names ...string) (*orderedmap.OrderedMap[string, *mat.Dense], error) {
	const op = "Posterior"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	return m.posterior(op, state, numSamples, names...)
}

func (m *Model) posterior(op string, state *FitState, numSamples int, names ...string) (*orderedmap.OrderedMap[string, *mat.Dense], error) {
	if numSamples < 0 {
		return nil, invalidArgumentf(op, "number of samples must be positive, got %d", numSamples)
	}
	if numSamples == 0 {
		numSamples = DefaultPosteriorSamples
	}
	params := m.params
	if len(names) > 0 {
		params = make([]*Parameter, len(names))
		for ii, name := range names {
			if slices.Contains(names[:ii], name) {
				return nil, invalidArgumentf(op, "parameter %q requested more than once", name)
			}
			p, err := m.parameterByName(op, name)
			if err != nil {
				return nil, err
			}
			params[ii] = p
		}
	}
	return state.samplePosterior(params, numSamples), nil
}

// PosteriorMean returns the mean of DefaultPosteriorSamples samples of the posterior of each parameter,
// keyed by name in declaration order. The values are flattened.
func (m *Model) PosteriorMean() (*orderedmap.OrderedMap[string, []float64], error) {
	const op = "PosteriorMean"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	samples, err := m.posterior(op, state, DefaultPosteriorSamples)
	if err != nil {
		return nil, err
	}
	means := orderedmap.New[string, []float64]()
	for pair := samples.Oldest(); pair != nil; pair = pair.Next() {
		_, cols := pair.Value.Dims()
		mean := make([]float64, cols)
		for col := range cols {
			mean[col] = stat.Mean(mat.Col(nil, col, pair.Value), nil)
		}
		means.Set(pair.Key, mean)
	}
	return means, nil
}

// PlotPosterior plots the histograms of numSamples samples of the posterior of each parameter to the
// given file. The format is given by the extension, e.g.: ".png" or ".svg". If numSamples is 0,
// DefaultPosteriorSamples is used.
func (m *Model) PlotPosterior(path string, numSamples int) error {
	const op = "PlotPosterior"
	state, err := m.fitState(op)
	if err != nil {
		return err
	}
	samples, err := m.posterior(op, state, numSamples)
	if err != nil {
		return err
	}
	var series []plots.Series
	for pair := samples.Oldest(); pair != nil; pair = pair.Next() {
		_, cols := pair.Value.Dims()
		for col := range cols {
			name := pair.Key
			if cols > 1 {
				name = fmt.Sprintf("%s[%d]", pair.Key, col)
			}
			series = append(series, plots.Series{Name: name, Y: mat.Col(nil, col, pair.Value)})
		}
	}
	if err = plots.Histograms(path, "Posterior", series); err != nil {
		return errors.WithMessage(err, op)
	}
	return nil
}
