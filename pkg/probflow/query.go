// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/ui/plots"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// LogProb returns, for each example, the log of the probability (or density) of y given x under the
// posterior predictive distribution: the log of the average over numSamples samples of the posterior
// of the joint probability of the observations of the example. If numSamples is 0,
// DefaultNumSamples is used.
func (m *Model) LogProb(x, y any, numSamples int) ([]float64, error) {
	return m.logJoint("LogProb", x, y, numSamples, false)
}

// Prob is the exponential of LogProb.
func (m *Model) Prob(x, y any, numSamples int) ([]float64, error) {
	return m.exp(m.logJoint("Prob", x, y, numSamples, false))
}

// LogCDF returns, for each example, the log of the cumulative distribution function at y under the
// posterior predictive distribution. See LogProb.
func (m *Model) LogCDF(x, y any, numSamples int) ([]float64, error) {
	return m.logJoint("LogCDF", x, y, numSamples, true)
}

// CDF is the exponential of LogCDF.
func (m *Model) CDF(x, y any, numSamples int) ([]float64, error) {
	return m.exp(m.logJoint("CDF", x, y, numSamples, true))
}

func (m *Model) exp(values []float64, err error) ([]float64, error) {
	if err != nil {
		return nil, err
	}
	for ii, v := range values {
		values[ii] = math.Exp(v)
	}
	return values, nil
}

// logJoint computes the log-mean-exp over the posterior samples of the joint log-probability (or log-CDF)
// of each example.
func (m *Model) logJoint(op string, x, y any, numSamples int, cdf bool) ([]float64, error) {
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	numSamples, err = numSamplesOrDefault(op, numSamples)
	if err != nil {
		return nil, err
	}
	xt, err := queryInputs(op, state, x)
	if err != nil {
		return nil, err
	}
	yt, err := m.queryLabels(op, state, xt, y)
	if err != nil {
		return nil, err
	}
	numExamples, width := yt.Shape().Dim(0), yt.Shape().Dim(1)
	labels := yt.Flat()
	perSample := make([][]float64, numSamples)
	err = m.forEachSample(state, xt, numSamples, func(s int, args [][]float64, src rand.Source) error {
		values := make([]float64, numExamples)
		for ii, dist := range m.distributions(args, src) {
			if cdf {
				values[ii/width] += math.Log(dist.CDF(labels[ii]))
			} else {
				values[ii/width] += dist.LogProb(labels[ii])
			}
		}
		perSample[s] = values
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, op)
	}
	results := make([]float64, numExamples)
	column := make([]float64, numSamples)
	for ii := range numExamples {
		for s := range numSamples {
			column[s] = perSample[s][ii]
		}
		results[ii] = logMeanExp(column)
	}
	return results, nil
}

// logMeanExp returns log(mean(exp(values))).
func logMeanExp(values []float64) float64 {
	if math.IsInf(floats.Max(values), -1) {
		return math.Inf(-1)
	}
	return floats.LogSumExp(values) - math.Log(float64(len(values)))
}

// DefaultBins is the default number of bins of the queries by column.
const DefaultBins = 100

// Aggregations of the values of the examples within a bin.
const (
	AggregateMean   = "mean"
	AggregateMedian = "median"
	AggregateCount  = "count"
)

// ByConfig configures the queries by column: ProbBy, LogProbBy, CDFBy, LogCDFBy and CoverageBy.
// Create it with By.
type ByConfig struct {
	columns    []int
	bins       int
	aggregate  string
	plotTo     string
	numSamples int
}

// By returns a ByConfig with the defaults: binning over the first column of x, DefaultBins bins,
// aggregating with the mean.
func By() *ByConfig {
	return &ByConfig{columns: []int{0}, bins: DefaultBins, aggregate: AggregateMean}
}

// Columns sets the one or two columns of x used for binning.
func (c *ByConfig) Columns(columns ...int) *ByConfig {
	c.columns = slices.Clone(columns)
	return c
}

// Bins sets the number of bins per column.
func (c *ByConfig) Bins(bins int) *ByConfig {
	c.bins = bins
	return c
}

// Aggregate sets how the values of the examples in a bin are aggregated: AggregateMean, AggregateMedian
// or AggregateCount.
func (c *ByConfig) Aggregate(aggregate string) *ByConfig {
	c.aggregate = aggregate
	return c
}

// PlotTo sets a file to plot the results to. The format is given by the extension, e.g.: ".png" or ".svg".
func (c *ByConfig) PlotTo(path string) *ByConfig {
	c.plotTo = path
	return c
}

// NumSamples sets the number of posterior samples. 0 means DefaultNumSamples.
func (c *ByConfig) NumSamples(numSamples int) *ByConfig {
	c.numSamples = numSamples
	return c
}

// ProbBy computes Prob for each example and aggregates the results in bins of the values of the
// configured columns of x. It returns the centers of the bins, shaped (bins, 1) when binning by one
// column or (bins², 2) by two, and the aggregated value of each bin. Empty bins are NaN (0 for counts).
func (m *Model) ProbBy(x, y any, cfg *ByConfig) (centers *mat.Dense, values []float64, err error) {
	return m.queryBy("ProbBy", "probability", x, cfg, func(numSamples int) ([]float64, error) {
		return m.Prob(x, y, numSamples)
	})
}

// LogProbBy is like ProbBy, for LogProb.
func (m *Model) LogProbBy(x, y any, cfg *ByConfig) (centers *mat.Dense, values []float64, err error) {
	return m.queryBy("LogProbBy", "log probability", x, cfg, func(numSamples int) ([]float64, error) {
		return m.LogProb(x, y, numSamples)
	})
}

// CDFBy is like ProbBy, for CDF.
func (m *Model) CDFBy(x, y any, cfg *ByConfig) (centers *mat.Dense, values []float64, err error) {
	return m.queryBy("CDFBy", "CDF", x, cfg, func(numSamples int) ([]float64, error) {
		return m.CDF(x, y, numSamples)
	})
}

// LogCDFBy is like ProbBy, for LogCDF.
func (m *Model) LogCDFBy(x, y any, cfg *ByConfig) (centers *mat.Dense, values []float64, err error) {
	return m.queryBy("LogCDFBy", "log CDF", x, cfg, func(numSamples int) ([]float64, error) {
		return m.LogCDF(x, y, numSamples)
	})
}

// queryBy validates the configuration, computes the per-example values with fn and bins them.
func (m *Model) queryBy(op, valueName string, x any, cfg *ByConfig, fn func(numSamples int) ([]float64, error)) (
	centers *mat.Dense, values []float64, err error) {
	state, err := m.fitState(op)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		cfg = By()
	}
	xt, err := queryInputs(op, state, x)
	if err != nil {
		return nil, nil, err
	}
	if err = cfg.validate(op, xt.Shape().Dim(1)); err != nil {
		return nil, nil, err
	}
	perExample, err := fn(cfg.numSamples)
	if err != nil {
		return nil, nil, err
	}
	centers, values = binBy(xt, perExample, cfg)
	if cfg.plotTo != "" {
		if err = plotBy(cfg, centers, values, valueName); err != nil {
			return nil, nil, errors.WithMessage(err, op)
		}
	}
	return centers, values, nil
}

func (c *ByConfig) validate(op string, width int) error {
	if len(c.columns) != 1 && len(c.columns) != 2 {
		return invalidArgumentf(op, "binning requires 1 or 2 columns, got %v", c.columns)
	}
	for _, col := range c.columns {
		if col < 0 || col >= width {
			return invalidArgumentf(op, "column %d out of range, x has %d columns", col, width)
		}
	}
	if c.bins <= 0 {
		return invalidArgumentf(op, "number of bins must be positive, got %d", c.bins)
	}
	switch c.aggregate {
	case AggregateMean, AggregateMedian, AggregateCount:
	default:
		return invalidArgumentf(op, "unknown aggregation %q, valid values are %q", c.aggregate,
			[]string{AggregateMean, AggregateMedian, AggregateCount})
	}
	if c.numSamples < 0 {
		return invalidArgumentf(op, "number of samples must be positive, got %d", c.numSamples)
	}
	return nil
}

// binEdges returns the lower edge and the width of the bins of a column.
func binEdges(values []float64, bins int) (low, width float64) {
	low, high := floats.Min(values), floats.Max(values)
	if high == low {
		low, high = low-0.5, high+0.5
	}
	return low, (high - low) / float64(bins)
}

// binIndex of a value, the last bin including the upper edge.
func binIndex(v, low, width float64, bins int) int {
	return min(max(int((v-low)/width), 0), bins-1)
}

// binBy aggregates the values of each example in bins of the configured columns of x.
func binBy(xt *tensors.Tensor, perExample []float64, cfg *ByConfig) (centers *mat.Dense, values []float64) {
	numExamples, bins := xt.Shape().Dim(0), cfg.bins
	numCols := len(cfg.columns)
	lows, widths := make([]float64, numCols), make([]float64, numCols)
	columns := make([][]float64, numCols)
	for ii, col := range cfg.columns {
		columns[ii] = make([]float64, numExamples)
		for row := range numExamples {
			columns[ii][row] = xt.At(row, col)
		}
		lows[ii], widths[ii] = binEdges(columns[ii], bins)
	}

	numBins := bins
	if numCols == 2 {
		numBins = bins * bins
	}
	binValues := make([][]float64, numBins)
	for row := range numExamples {
		idx := 0
		for ii := range numCols {
			idx = idx*bins + binIndex(columns[ii][row], lows[ii], widths[ii], bins)
		}
		binValues[idx] = append(binValues[idx], perExample[row])
	}

	centers = mat.NewDense(numBins, numCols, nil)
	values = make([]float64, numBins)
	for idx := range numBins {
		binIdx := idx
		for ii := numCols - 1; ii >= 0; ii-- {
			centers.Set(idx, ii, lows[ii]+(float64(binIdx%bins)+0.5)*widths[ii])
			binIdx /= bins
		}
		values[idx] = aggregate(cfg.aggregate, binValues[idx])
	}
	return centers, values
}

func aggregate(method string, values []float64) float64 {
	if method == AggregateCount {
		return float64(len(values))
	}
	if len(values) == 0 {
		return math.NaN()
	}
	if method == AggregateMedian {
		slices.Sort(values)
		return quantile(values, 0.5)
	}
	return stat.Mean(values, nil)
}

// plotBy plots the binned values: a line for one column, a heat map for two.
func plotBy(cfg *ByConfig, centers *mat.Dense, values []float64, valueName string) error {
	title := fmt.Sprintf("%s (%s) by x[%d]", valueName, cfg.aggregate, cfg.columns[0])
	if len(cfg.columns) == 1 {
		return plots.LineBy(cfg.plotTo, title, fmt.Sprintf("x[%d]", cfg.columns[0]), valueName,
			mat.Col(nil, 0, centers), values)
	}
	title = fmt.Sprintf("%s and x[%d]", title, cfg.columns[1])
	xs, ys := make([]float64, cfg.bins), make([]float64, cfg.bins)
	for ii := range cfg.bins {
		xs[ii] = centers.At(ii*cfg.bins, 0)
		ys[ii] = centers.At(ii, 1)
	}
	return plots.Grid(cfg.plotTo, title, fmt.Sprintf("x[%d]", cfg.columns[0]), fmt.Sprintf("x[%d]", cfg.columns[1]),
		xs, ys, values)
}
