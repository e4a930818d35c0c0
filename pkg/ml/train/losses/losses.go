// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package losses has several standard losses that implement train.LossFn interface. They can also
// be called from the metrics package.
//
// Losses take labels and predictions as slices of nodes: labels[0] holds the target values, and an
// optional labels[1] holds per-example weights.
package losses

import (
	. "github.com/gomlx/exceptions"
	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
)

// LossFn is the interface used by train.Trainer to compute the loss. It takes labels and
// predictions and returns a scalar loss.
type LossFn func(labels, predictions []*Node) (loss *Node)

// CheckLabelsForWeights returns the optional weights given in labels[1], broadcast to the shape
// of the labels[0], or nil if no weights were given.
func CheckLabelsForWeights(labelsShape shapes.Shape, labels []*Node) (weights *Node) {
	if len(labels) < 2 {
		return nil
	}
	if len(labels) > 2 {
		Panicf("labels can have at most 2 elements (labels and weights), got %d", len(labels))
	}
	weights = labels[1]
	if !weights.Shape().Equal(labelsShape) {
		weights = BroadcastToShape(weights, labelsShape)
	}
	return weights
}

func meanWithWeights(loss, weights *Node) *Node {
	if weights == nil {
		return ReduceAllMean(loss)
	}
	return Div(ReduceAllSum(Mul(loss, weights)), ReduceAllSum(weights))
}

func checkSameShape(labels, predictions *Node) {
	if !labels.Shape().Equal(predictions.Shape()) {
		Panicf("labels[0] (%s) and predictions[0] (%s) must have same shape", labels.Shape(), predictions.Shape())
	}
}

// MeanSquaredError returns the mean squared error between labels[0] and predictions[0].
func MeanSquaredError(labels, predictions []*Node) (loss *Node) {
	labels0, predictions0 := labels[0], predictions[0]
	checkSameShape(labels0, predictions0)
	weights := CheckLabelsForWeights(labels0.Shape(), labels)
	return meanWithWeights(Square(Sub(labels0, predictions0)), weights)
}

// MeanAbsoluteError returns the mean absolute error between labels[0] and predictions[0].
func MeanAbsoluteError(labels, predictions []*Node) (loss *Node) {
	labels0, predictions0 := labels[0], predictions[0]
	checkSameShape(labels0, predictions0)
	weights := CheckLabelsForWeights(labels0.Shape(), labels)
	return meanWithWeights(Abs(Sub(labels0, predictions0)), weights)
}

// BinaryCrossentropyLogits returns the mean binary cross-entropy between labels[0] (values 0 or 1)
// and the logits given in predictions[0].
//
// It uses the identity `-log(sigmoid(x)) = softplus(-x)` for numeric stability.
func BinaryCrossentropyLogits(labels, logits []*Node) *Node {
	labels0, logits0 := labels[0], logits[0]
	checkSameShape(labels0, logits0)
	weights := CheckLabelsForWeights(labels0.Shape(), labels)
	loss := Add(
		Mul(labels0, Softplus(Neg(logits0))),
		Mul(OneMinus(labels0), Softplus(logits0)))
	return meanWithWeights(loss, weights)
}
