// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

// Ready-made models. For all of them a nil x means Input(), all the columns of the data.

func inputOrDefault(x any) any {
	if x == nil {
		return Input()
	}
	return x
}

// LinearRegression is a Normal model whose location is a linear function of x, with a learned scale:
//
//	y ~ Normal(x·weight + bias, softplus(scale))
func LinearRegression(x any) *Model {
	loc := NewDense(1).Name("linear").Apply(inputOrDefault(x))
	scale := NewScaleParameter().Name("scale").Done()
	return Normal(loc, scale)
}

// LogisticRegression is a Bernoulli model whose logits are a linear function of x.
func LogisticRegression(x any) *Model {
	return Bernoulli(NewDense(1).Name("linear").Apply(inputOrDefault(x)))
}

// DenseRegression is a Normal model whose location is a fully connected network over x, with the
// given units per layer (the last one is the width of the output), and a learned scale.
func DenseRegression(x any, units ...int) *Model {
	if len(units) == 0 {
		units = []int{1}
	}
	loc := DenseNet(inputOrDefault(x), units...)
	scale := NewScaleParameter().Name("scale").Shape(units[len(units)-1]).Done()
	return Normal(loc, scale)
}

// DenseClassifier is a Bernoulli model whose logits are a fully connected network over x, with the
// given units per layer.
func DenseClassifier(x any, units ...int) *Model {
	if len(units) == 0 {
		units = []int{1}
	}
	return Bernoulli(DenseNet(inputOrDefault(x), units...))
}
