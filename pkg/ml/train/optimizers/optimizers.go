// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of optimizers that can be used by train.Trainer,
// or by themselves. They all implement optimizers.Interface.
package optimizers

import (
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/ml/context"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// UpdateGraph is the function called during computation graph building, it
	// calculates the updates to the trainable variables of the model needed for one
	// training step, and sets them with Variable.SetValueGraph.
	//
	// context.Exec makes sure the updated values are returned from the graph execution and
	// used to update the variables.
	//
	// The ctx holds the variables to train (marked as trainable), the hyperparameters
	// used by the optimizer and non-trainable variables that the optimizer itself may create.
	//
	// loss must be a scalar value.
	//
	// This is a graph building function and panics on error.
	UpdateGraph(ctx *context.Context, g *Graph, loss *Node)

	// Clear deletes all temporary variables used by the optimizer.
	Clear(ctx *context.Context) error
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":     func(ctx *context.Context) Interface { return StochasticGradientDescent() },
		"adam":    func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
		"adamax":  func(ctx *context.Context) Interface { return Adam().Adamax().FromContext(ctx).Done() },
		"adamw":   func(ctx *context.Context) Interface { return Adam().FromContext(ctx).WeightDecay(0.004).Done() },
		"rmsprop": func(ctx *context.Context) Interface { return RMSProp().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "adam".
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the context parameter name for the default value of learning rate.
	// It is used by all optimizers.
	ParamLearningRate = "learning_rate"

	// ParamClipStepByValue is a scalar value used to clip each value of the gradient step, after
	// being scaled by the learning rate and the optimizer.
	// Defaults to no clipping.
	ParamClipStepByValue = "clip_step_by_value"
)

const (
	// GlobalStepVariableName as stored in context.Context, usually in the root scope.
	GlobalStepVariableName = "global_step"

	// Scope reserved for optimizers.
	Scope = "optimizers"
)

// Names returns the sorted names of the KnownOptimizers.
func Names() []string {
	return slices.Sorted(maps.Keys(KnownOptimizers))
}

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "adam".
func FromContext(ctx *context.Context) (Interface, error) {
	return ByName(ctx, context.GetParamOr(ctx, ParamOptimizer, "adam"))
}

// ByName returns an optimizer given the name, or an error if one does not exist.
//
// Some optimizers (e.g.: Adam) use optional hyperparameters set in the context for configuration.
func ByName(ctx *context.Context, optName string) (Interface, error) {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", optName, Names())
	}
	return optBuilder(ctx), nil
}

// GetGlobalStepVar returns the global step counter, a scalar variable.
// It creates it (initialized with 0) if not already there.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).VariableWithValue(GlobalStepVariableName, 0.0).SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
func GetGlobalStep(ctx *context.Context) int64 {
	return int64(GetGlobalStepVar(ctx).Value().Value().(float64))
}

// DeleteGlobalStep in case one wants to reset the model state. It's a no-op if there is no global step.
func DeleteGlobalStep(ctx *context.Context) error {
	if ctx.GetVariable(GlobalStepVariableName) == nil {
		return nil
	}
	return ctx.DeleteVariable(ctx.Scope(), GlobalStepVariableName)
}

// IncrementGlobalStepGraph creates (if not there yet) a global step counter, and
// returns it incremented: its first returned value will be 1.
//
// It only builds the computation graph, no actual values are generated.
func IncrementGlobalStepGraph(ctx *context.Context, g *Graph) *Node {
	globalStepVar := GetGlobalStepVar(ctx)
	globalStep := AddScalar(globalStepVar.ValueGraph(g), 1)
	globalStepVar.SetValueGraph(globalStep)
	return globalStep
}

// LearningRateVar returns the learning rate variable, a scalar.
//
// If the variable doesn't exist yet, it is initialized with initialValue.
func LearningRateVar(ctx *context.Context, initialValue float64) *context.Variable {
	ctx = ctx.Checked(false).In(Scope)
	return ctx.VariableWithValue(ParamLearningRate, initialValue).SetTrainable(false)
}

// ClipScalar returns x clipped to the range [min, max].
func ClipScalar(x *Node, min, max float64) *Node {
	g := x.Graph()
	return Min(Max(x, Scalar(g, min)), Scalar(g, max))
}

// ClipStepByValue applies the [ParamClipStepByValue] hyperparameter if it is not 0.0 (the default).
func ClipStepByValue(ctx *context.Context, step *Node) *Node {
	clipByValue := context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	if clipByValue <= 0 {
		return step
	}
	return ClipScalar(step, -clipByValue, clipByValue)
}

// SGDConfig implements a Stochastic Gradient Descent optimizer.
type SGDConfig struct {
	initialLearningRate float64

	// Whether to decay the learning rate with the global step.
	useDecay bool
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD.
// It looks for "learning_rate" in the context parameters for the initial
// learning rate, otherwise it defaults to SGDDefaultLearningRate.
//
// By default, it has a learning rate decay given by: `learning_rate = initial_learning_rate / Sqrt(global_step)`
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{
		initialLearningRate: -1,
		useDecay:            true,
	}
}

// WithDecay sets whether to use a learning rate decay with the global step.
func (sgd *SGDConfig) WithDecay(enabled bool) *SGDConfig {
	sgd.useDecay = enabled
	return sgd
}

// WithLearningRate sets the initial learning rate. The default value is SGDDefaultLearningRate.
func (sgd *SGDConfig) WithLearningRate(initialLearningRate float64) *SGDConfig {
	sgd.initialLearningRate = initialLearningRate
	return sgd
}

// Done returns an optimizers.Interface.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (sgd *SGDConfig) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	vars, grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}
	initialLearningRate := sgd.initialLearningRate
	if initialLearningRate <= 0 {
		initialLearningRate = context.GetParamOr(ctx, ParamLearningRate, SGDDefaultLearningRate)
	}
	learningRate := LearningRateVar(ctx, initialLearningRate).ValueGraph(g)
	globalStep := IncrementGlobalStepGraph(ctx, g)
	if sgd.useDecay {
		learningRate = Div(learningRate, Sqrt(globalStep))
	}
	for ii, v := range vars {
		step := ClipStepByValue(ctx, Mul(grads[ii], learningRate))
		v.SetValueGraph(Sub(v.ValueGraph(g), step))
	}
}

// Clear the optimizer variables: the learning rate and the global step.
// It implements optimizers.Interface.
func (sgd *SGDConfig) Clear(ctx *context.Context) error {
	ctx.In(Scope).DeleteVariablesInScope()
	return DeleteGlobalStep(ctx)
}
