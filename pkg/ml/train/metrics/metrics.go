// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics and defines the metrics.Interface used by train.Trainer.
package metrics

import (
	"fmt"
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/probflow/probflow/pkg/ml/train/losses"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// ScopeName used to store state: a combination of name and something unique.
	ScopeName() string

	// MetricType is a key for metrics that share the same quantity or semantics. E.g.:
	// "Mean Loss" and "Batch Loss" both have the "loss" metric type.
	MetricType() string

	// UpdateGraph builds a graph that takes as input the predictions and labels and
	// outputs the resulting metric (a scalar).
	UpdateGraph(ctx *context.Context, labels, predictions []*Node) (metric *Node)

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value *tensors.Tensor) string

	// Reset metrics internal counters when starting a new epoch or evaluation.
	// Notice this may be called before UpdateGraph, and the metric should handle this without errors.
	Reset(ctx *context.Context)
}

const (
	// LossMetricType is the type of loss metrics.
	LossMetricType = "loss"

	// AccuracyMetricType is the type of accuracy metrics.
	AccuracyMetricType = "accuracy"

	// ErrorMetricType is the type of regression error metrics.
	ErrorMetricType = "error"

	// Scope used to store metrics helper variables (e.g.: running averages).
	Scope = "metrics"
)

// KnownMetrics maps the metric names accepted by ByName to their constructors.
var KnownMetrics = map[string]func() Interface{
	"mse": func() Interface {
		return NewMeanMetric("Mean Squared Error", "mse", ErrorMetricType, MeanSquaredErrorGraph, nil)
	},
	"mae": func() Interface {
		return NewMeanMetric("Mean Absolute Error", "mae", ErrorMetricType, MeanAbsoluteErrorGraph, nil)
	},
	"accuracy": func() Interface { return NewMeanBinaryAccuracy("Mean Accuracy", "acc") },
}

// Names returns the sorted names of KnownMetrics.
func Names() []string {
	return slices.Sorted(maps.Keys(KnownMetrics))
}

// ByName creates a new metric given its name. It returns an error if the name is not one of KnownMetrics.
func ByName(name string) (Interface, error) {
	newMetric, found := KnownMetrics[name]
	if !found {
		return nil, errors.Errorf("unknown metric %q, valid values are %q", name, Names())
	}
	return newMetric(), nil
}

// BaseMetricGraph is a graph building function of any metric that can be calculated stateless, without the need for
// any context. It should return a scalar, the mean for the given batch.
type BaseMetricGraph func(ctx *context.Context, labels, predictions []*Node) *Node

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value *tensors.Tensor) string

// baseMetric implements a stateless metrics.Interface.
type baseMetric struct {
	name, shortName, metricType, scopeName string
	metricFn                               BaseMetricGraph
	pPrintFn                               PrettyPrintFn // if nil will display default.
}

// NewBaseMetric creates a stateless metric from any BaseMetricGraph function, it will return the metric
// calculated solely on the last batch.
// pPrintFn can be left as nil, and a default will be used.
func NewBaseMetric(name, shortName, metricType string, metricFn BaseMetricGraph, pPrintFn PrettyPrintFn) Interface {
	return &baseMetric{name: name, shortName: shortName, metricType: metricType, metricFn: metricFn, pPrintFn: pPrintFn}
}

func (m *baseMetric) Name() string       { return m.name }
func (m *baseMetric) ShortName() string  { return m.shortName }
func (m *baseMetric) MetricType() string { return m.metricType }

func (m *baseMetric) ScopeName() string {
	if m.scopeName == "" {
		m.scopeName = fmt.Sprintf("%s_uuid_%s", m.shortName, uuid.NewString())
	}
	return m.scopeName
}

func (m *baseMetric) UpdateGraph(ctx *context.Context, labels, predictions []*Node) (metric *Node) {
	result := m.metricFn(ctx, labels, predictions)
	if !result.Shape().IsScalar() {
		Panicf("metric %q should return a scalar, instead got shape %s", m.Name(), result.Shape())
	}
	return result
}

func (m *baseMetric) PrettyPrint(value *tensors.Tensor) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value.Value())
	}
	return m.pPrintFn(value)
}

func (m *baseMetric) Reset(_ *context.Context) {}

// MeanMetric implements a metric that keeps the mean of a metric across batches, weighted
// by the batch size. It stores its state in non-trainable variables, and the mean is restarted
// with Reset.
type MeanMetric struct {
	baseMetric
}

// NewMeanMetric creates a metric from any BaseMetricGraph function and keeps track of the mean value
// weighted by the batch size (the first dimension of labels[0]).
//
// pPrintFn can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, metricFn BaseMetricGraph, pPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric{name: name, shortName: shortName, metricType: metricType, metricFn: metricFn, pPrintFn: pPrintFn}}
}

// BatchSize returns the batch size (assumed first dimension) of the data node as a scalar constant.
func BatchSize(data *Node) *Node {
	batchSize := 1
	if !data.IsScalar() {
		batchSize = data.Shape().Dim(0)
	}
	return Scalar(data.Graph(), float64(batchSize))
}

func (m *MeanMetric) UpdateGraph(ctx *context.Context, labels, predictions []*Node) (metric *Node) {
	g := predictions[0].Graph()
	var result *Node
	err := TryCatch[error](func() { result = m.metricFn(ctx, labels, predictions) })
	if err != nil {
		panic(errors.WithMessagef(err, "failed building computation graph for mean metric %q", m.Name()))
	}
	if !result.Shape().IsScalar() {
		Panicf("metric %q should return a scalar, instead got shape %s", m.Name(), result.Shape())
	}

	// Metrics variables are never reused across scopes, so they are unchecked.
	ctx = ctx.Checked(false).In(Scope).In(m.ScopeName())
	totalVar := ctx.VariableWithValue("total", 0.0).SetTrainable(false)
	weightVar := ctx.VariableWithValue("weight", 0.0).SetTrainable(false)

	var resultWeight *Node
	if len(labels) > 0 {
		resultWeight = BatchSize(labels[0])
	} else {
		resultWeight = BatchSize(predictions[0])
	}
	total := Add(totalVar.ValueGraph(g), Mul(result, resultWeight))
	weight := Add(weightVar.ValueGraph(g), resultWeight)
	totalVar.SetValueGraph(total)
	weightVar.SetValueGraph(weight)
	return Div(total, weight)
}

func (m *MeanMetric) Reset(ctx *context.Context) {
	ctx = ctx.In(Scope).In(m.ScopeName())
	for _, name := range []string{"total", "weight"} {
		v := ctx.GetVariable(name)
		if v == nil {
			// Graph not built yet, nothing to reset.
			return
		}
		if err := v.SetValue(tensors.FromScalar(0.0)); err != nil {
			panic(errors.WithMessagef(err, "resetting metric %q", m.Name()))
		}
	}
}

// MeanSquaredErrorGraph is the BaseMetricGraph of the batch mean squared error.
func MeanSquaredErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return losses.MeanSquaredError(labels, predictions)
}

// MeanAbsoluteErrorGraph is the BaseMetricGraph of the batch mean absolute error.
func MeanAbsoluteErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return losses.MeanAbsoluteError(labels, predictions)
}

// BinaryAccuracyGraph can be used in combination with New*Metric functions to build metrics.
// It takes probabilities in predictions[0] and compares them to the labels (0 or 1): a prediction is correct
// if the probability is > 0.5 and the label is 1, or <= 0.5 and the label is 0.
func BinaryAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	labels0, predictions0 := labels[0], predictions[0]
	if !labels0.Shape().Equal(predictions0.Shape()) {
		Panicf("labels[0] (%s) and predictions[0] (%s) must match shapes", labels0.Shape(), predictions0.Shape())
	}
	g := predictions0.Graph()
	predictedOne := Step(Sub(predictions0, Scalar(g, 0.5)))
	// Step(0) is 0, so a probability of exactly 0.5 predicts 0.
	labelOne := Step(Sub(labels0, Scalar(g, 0.5)))
	correct := OneMinus(Abs(Sub(predictedOne, labelOne)))
	return ReduceAllMean(correct)
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", 100.0*value.Value().(float64))
}

// NewMeanBinaryAccuracy returns a new binary accuracy metric with the given names.
func NewMeanBinaryAccuracy(name, shortName string) *MeanMetric {
	return NewMeanMetric(name, shortName, AccuracyMetricType, BinaryAccuracyGraph, accuracyPPrint)
}
