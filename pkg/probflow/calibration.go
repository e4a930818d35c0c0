// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/ui/plots"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ensureContinuous returns an *InvalidArgumentError for models with discrete observations.
func (m *Model) ensureContinuous(op string) error {
	if m.family.kind != KindContinuous {
		return invalidArgumentf(op, "only available for continuous models, %s is %s", m.family.name, m.family.kind)
	}
	return nil
}

// PredictivePrc returns the percentile (from 0 to 100) of each observation y within the samples of its
// posterior predictive distribution given x, shaped (N, D). Only for continuous models.
// If numSamples is 0, DefaultNumSamples is used.
func (m *Model) PredictivePrc(x, y any, numSamples int) (*mat.Dense, error) {
	const op = "PredictivePrc"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	if err = m.ensureContinuous(op); err != nil {
		return nil, err
	}
	return m.predictivePrc(op, state, x, y, numSamples)
}

func (m *Model) predictivePrc(op string, state *FitState, x, y any, numSamples int) (*mat.Dense, error) {
	xt, err := queryInputs(op, state, x)
	if err != nil {
		return nil, err
	}
	yt, err := m.queryLabels(op, state, xt, y)
	if err != nil {
		return nil, err
	}
	samples, err := m.predictiveDistribution(op, state, xt, numSamples)
	if err != nil {
		return nil, err
	}
	numExamples, width, numSamples := samples.Shape().Dim(0), samples.Shape().Dim(1), samples.Shape().Dim(2)
	prc := mat.NewDense(numExamples, width, nil)
	flat, labels := samples.Flat(), yt.Flat()
	for ii, label := range labels {
		below := 0
		for _, sample := range flat[ii*numSamples : (ii+1)*numSamples] {
			if sample < label {
				below++
			}
		}
		prc.Set(ii/width, ii%width, 100*float64(below)/float64(numSamples))
	}
	return prc, nil
}

// isCovered returns whether a predictive percentile is within the inner interval containing
// coverage percent of the distribution.
func isCovered(prc, coverage float64) bool {
	return math.Abs(prc-50) <= coverage/2
}

func validateCoverage(op string, coverage float64) error {
	if coverage <= 0 || coverage > 100 || math.IsNaN(coverage) {
		return invalidArgumentf(op, "coverage interval must be in (0, 100], got %g", coverage)
	}
	return nil
}

// PredDistCovered returns, for each observation y, 1 if it falls within the inner interval of its
// posterior predictive distribution containing prc percent of the samples, 0 otherwise. It is
// shaped (N, D). Only for continuous models.
func (m *Model) PredDistCovered(x, y any, prc float64) (*mat.Dense, error) {
	const op = "PredDistCovered"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	return m.predDistCovered(op, state, x, y, prc)
}

func (m *Model) predDistCovered(op string, state *FitState, x, y any, prc float64) (*mat.Dense, error) {
	if err := m.ensureContinuous(op); err != nil {
		return nil, err
	}
	if err := validateCoverage(op, prc); err != nil {
		return nil, err
	}
	percentiles, err := m.predictivePrc(op, state, x, y, DefaultNumSamples)
	if err != nil {
		return nil, err
	}
	percentiles.Apply(func(_, _ int, v float64) float64 {
		if isCovered(v, prc) {
			return 1
		}
		return 0
	}, percentiles)
	return percentiles, nil
}

// PredDistCoverage returns the percentage (from 0 to 100) of observations y within the inner prc
// interval of their posterior predictive distribution. For a well calibrated model it is close to prc.
// Only for continuous models.
func (m *Model) PredDistCoverage(x, y any, prc float64) (float64, error) {
	const op = "PredDistCoverage"
	state, err := m.fitState(op)
	if err != nil {
		return 0, err
	}
	covered, err := m.predDistCovered(op, state, x, y, prc)
	if err != nil {
		return 0, err
	}
	return 100 * stat.Mean(covered.RawMatrix().Data, nil), nil
}

// CoverageBy computes the coverage (see PredDistCoverage) of the inner prc interval in bins of the
// configured columns of x. See ProbBy for the results. Only for continuous models.
func (m *Model) CoverageBy(x, y any, prc float64, cfg *ByConfig) (centers *mat.Dense, values []float64, err error) {
	const op = "CoverageBy"
	return m.queryBy(op, "coverage", x, cfg, func(_ int) ([]float64, error) {
		state, err := m.fitState(op)
		if err != nil {
			return nil, err
		}
		covered, err := m.predDistCovered(op, state, x, y, prc)
		if err != nil {
			return nil, err
		}
		rows, _ := covered.Dims()
		perExample := make([]float64, rows)
		for row := range rows {
			perExample[row] = 100 * stat.Mean(covered.RawRowView(row), nil)
		}
		return perExample, nil
	})
}

// DefaultCalibrationBins is the default number of points of a calibration curve.
const DefaultCalibrationBins = 10

// CalibrationConfig configures Model.CalibrationCurve. Create it with Calibration.
type CalibrationConfig struct {
	bins       int
	splitBy    int
	plotTo     string
	numSamples int
}

// Calibration returns a CalibrationConfig with the defaults: DefaultCalibrationBins bins, no split.
func Calibration() *CalibrationConfig {
	return &CalibrationConfig{bins: DefaultCalibrationBins, splitBy: -1}
}

// Bins sets the number of points of the curves.
func (c *CalibrationConfig) Bins(bins int) *CalibrationConfig {
	c.bins = bins
	return c
}

// SplitBy computes one curve for each distinct value of the given column of x.
func (c *CalibrationConfig) SplitBy(column int) *CalibrationConfig {
	c.splitBy = column
	return c
}

// PlotTo sets a file to plot the curves to. The format is given by the extension.
func (c *CalibrationConfig) PlotTo(path string) *CalibrationConfig {
	c.plotTo = path
	return c
}

// NumSamples sets the number of posterior samples. 0 means DefaultNumSamples.
func (c *CalibrationConfig) NumSamples(numSamples int) *CalibrationConfig {
	c.numSamples = numSamples
	return c
}

// Curve is a calibration curve: for a perfectly calibrated model Observed equals Predicted.
//
// For continuous models Predicted holds the nominal coverage of inner intervals of the predictive
// distribution and Observed the fraction of the observations they cover. For Bernoulli models Predicted
// holds the mean predicted probability of the examples in a bin, and Observed the frequency of 1s.
type Curve struct {
	Name                string
	Predicted, Observed []float64
}

// CalibrationCurve computes the calibration curves of the model on x and y, one for all the data,
// or one per distinct value of the column set with CalibrationConfig.SplitBy.
// Not available for Poisson models.
func (m *Model) CalibrationCurve(x, y any, cfg *CalibrationConfig) ([]Curve, error) {
	const op = "CalibrationCurve"
	state, err := m.fitState(op)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Calibration()
	}
	if m.family != normalFamily && m.family != bernoulliFamily {
		return nil, invalidArgumentf(op, "calibration curves are not available for %s models", m.family.name)
	}
	if cfg.bins <= 0 {
		return nil, invalidArgumentf(op, "number of bins must be positive, got %d", cfg.bins)
	}
	xt, err := queryInputs(op, state, x)
	if err != nil {
		return nil, err
	}
	if cfg.splitBy >= xt.Shape().Dim(1) {
		return nil, invalidArgumentf(op, "split column %d out of range, x has %d columns", cfg.splitBy, xt.Shape().Dim(1))
	}
	yt, err := m.queryLabels(op, state, xt, y)
	if err != nil {
		return nil, err
	}

	var groups []calibrationGroup
	if cfg.splitBy < 0 {
		groups = []calibrationGroup{{name: "all", x: xt, y: yt}}
	} else {
		groups = splitRows(xt, yt, cfg.splitBy)
	}
	curves := make([]Curve, 0, len(groups))
	for _, group := range groups {
		var curve Curve
		if m.family.kind == KindContinuous {
			curve, err = m.continuousCalibration(op, state, group, cfg)
		} else {
			curve, err = m.bernoulliCalibration(op, state, group, cfg)
		}
		if err != nil {
			return nil, err
		}
		curves = append(curves, curve)
	}

	if cfg.plotTo != "" {
		series := make([]plots.Series, len(curves))
		for ii, curve := range curves {
			series[ii] = plots.Series{Name: curve.Name, X: curve.Predicted, Y: curve.Observed}
		}
		if err = plots.Calibration(cfg.plotTo, fmt.Sprintf("Calibration of %s", m.family.name), series); err != nil {
			return nil, errors.WithMessage(err, op)
		}
	}
	return curves, nil
}

type calibrationGroup struct {
	name string
	x, y *tensors.Tensor
}

// splitRows groups the rows of x and y by the distinct values of the given column, sorted.
func splitRows(xt, yt *tensors.Tensor, column int) []calibrationGroup {
	rowsByValue := make(map[float64][]int)
	for row := range xt.Shape().Dim(0) {
		v := xt.At(row, column)
		rowsByValue[v] = append(rowsByValue[v], row)
	}
	values := make([]float64, 0, len(rowsByValue))
	for v := range rowsByValue {
		values = append(values, v)
	}
	sort.Float64s(values)
	groups := make([]calibrationGroup, len(values))
	for ii, v := range values {
		rows := rowsByValue[v]
		groups[ii] = calibrationGroup{
			name: fmt.Sprintf("x[%d]=%g", column, v),
			x:    xt.GatherRows(rows),
			y:    yt.GatherRows(rows),
		}
	}
	return groups
}

// continuousCalibration compares the nominal coverage of inner intervals to the observed coverage.
func (m *Model) continuousCalibration(op string, state *FitState, group calibrationGroup, cfg *CalibrationConfig) (Curve, error) {
	percentiles, err := m.predictivePrc(op, state, group.x, group.y, cfg.numSamples)
	if err != nil {
		return Curve{}, err
	}
	prcs := percentiles.RawMatrix().Data
	curve := Curve{Name: group.name, Predicted: make([]float64, cfg.bins+1), Observed: make([]float64, cfg.bins+1)}
	for ii := range cfg.bins + 1 {
		level := float64(ii) / float64(cfg.bins)
		covered := 0
		for _, prc := range prcs {
			if isCovered(prc, 100*level) {
				covered++
			}
		}
		curve.Predicted[ii] = level
		curve.Observed[ii] = float64(covered) / float64(len(prcs))
	}
	return curve, nil
}

// bernoulliCalibration bins the mean predicted probabilities and compares them to the observed frequencies.
func (m *Model) bernoulliCalibration(op string, state *FitState, group calibrationGroup, cfg *CalibrationConfig) (Curve, error) {
	numSamples, err := numSamplesOrDefault(op, cfg.numSamples)
	if err != nil {
		return Curve{}, err
	}
	labels := group.y.Flat()
	probs := make([][]float64, numSamples)
	err = m.forEachSample(state, group.x, numSamples, func(s int, args [][]float64, _ rand.Source) error {
		probs[s] = make([]float64, len(args[0]))
		for ii, logit := range args[0] {
			probs[s][ii] = sigmoid(logit)
		}
		return nil
	})
	if err != nil {
		return Curve{}, errors.WithMessage(err, op)
	}

	sums, freqs := make([]float64, cfg.bins), make([]float64, cfg.bins)
	counts := make([]int, cfg.bins)
	for ii, label := range labels {
		var p float64
		for s := range numSamples {
			p += probs[s][ii]
		}
		p /= float64(numSamples)
		bin := binIndex(p, 0, 1/float64(cfg.bins), cfg.bins)
		sums[bin] += p
		freqs[bin] += label
		counts[bin]++
	}
	curve := Curve{Name: group.name}
	for bin, count := range counts {
		if count == 0 {
			continue
		}
		curve.Predicted = append(curve.Predicted, sums[bin]/float64(count))
		curve.Observed = append(curve.Observed, freqs[bin]/float64(count))
	}
	return curve, nil
}
