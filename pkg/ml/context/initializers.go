// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"math"
	"math/rand/v2"

	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
)

// VariableInitializer builds the initial value of a variable of the given shape.
// rng is owned by the initializer for the duration of the call.
type VariableInitializer func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor

// Zero initializes variables with zero.
func Zero(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	return tensors.FromShape(shape)
}

// ConstantFn returns an initializer that fills the variable with the given value.
func ConstantFn(value float64) VariableInitializer {
	return func(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		return tensors.FromScalarAndDimensions(value, shape.Dimensions...)
	}
}

// RandomNormalFn returns an initializer that generates random normal values with the given mean and standard deviation.
func RandomNormalFn(mean, stddev float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = mean + stddev*rng.NormFloat64()
		}
		return t
	}
}

// RandomUniformFn returns an initializer that generates random uniform values in the range [min, max).
func RandomUniformFn(min, max float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = min + (max-min)*rng.Float64()
		}
		return t
	}
}

// XavierNormalFn returns an initializer with a normal distribution scaled by the number of inputs and
// outputs, taken from the last two axes of the shape (fan_in and fan_out). Scalars and vectors use a
// fan of 1.
func XavierNormalFn() VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		fanIn, fanOut := 1, 1
		if shape.Rank() >= 2 {
			fanIn, fanOut = shape.Dim(-2), shape.Dim(-1)
		} else if shape.Rank() == 1 {
			fanOut = shape.Dim(0)
		}
		stddev := math.Sqrt(2.0 / float64(fanIn+fanOut))
		return RandomNormalFn(0, stddev)(rng, shape)
	}
}
