// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/ml/context"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the default scope name for moments used by Adam.
	AdamDefaultScope = "adam"

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. See [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizers.Interface that can be used with the train.Trainer or directly in a custom
// optimization loop.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam without the 1st moment of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	c.scopeName = "rmsprop"
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	rmsProp      bool    // Works as RMSProp.
}

// FromContext will configure Adam with hyperparameters set in the given context.
// E.g.: "adam_epsilon" (see [ParamAdamEpsilon]) is used to set [AdamConfig.Epsilon].
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.Epsilon(context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon))
	c.WeightDecay(context.GetParamOr(ctx, ParamAdamWeightDecay, c.weightDecay))
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	return c
}

// Scope defines the scope (under the optimizers Scope) used to store the 1st and 2nd order moments
// of the gradients.
//
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate.
//
// Default is either the value of ParamLearningRate ("learning_rate") parameter in Context if defined, or 0.001 if not.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	c.scopeName = "adamax"
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config *AdamConfig
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *adam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	vars, grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}
	learningRate := LearningRateVar(ctx, lrValue).ValueGraph(g)
	globalStep := IncrementGlobalStepGraph(ctx, g)
	beta1 := Scalar(g, o.config.beta1)
	beta2 := Scalar(g, o.config.beta2)
	debiasTermBeta1 := Inverse(OneMinus(Pow(beta1, globalStep)))
	debiasTermBeta2 := Inverse(OneMinus(Pow(beta2, globalStep)))
	epsilon := Scalar(g, o.config.epsilon)

	for ii, v := range vars {
		o.applyAdamGraph(ctx, g, v, grads[ii], learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
	}
}

// applyAdamGraph calculates variable and its 1st and 2nd order moments updates.
// If Adamax is set, moment2 stores the L-infinity (the max) of the gradient instead.
func (o *adam) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	m1Var, m2Var := o.getMomentVariables(ctx, v)

	debiasedMoment1 := grad
	if !o.config.rmsProp {
		moment1 := Add(
			Mul(beta1, m1Var.ValueGraph(g)),
			Mul(OneMinus(beta1), grad))
		m1Var.SetValueGraph(moment1)
		debiasedMoment1 = Mul(moment1, debiasTermBeta1)
	}

	var denominator *Node
	moment2 := m2Var.ValueGraph(g)
	if o.config.adamax {
		moment2 = Max(Mul(beta2, moment2), Abs(grad))
		m2Var.SetValueGraph(moment2)
		denominator = Add(moment2, epsilon)
	} else {
		moment2 = Add(
			Mul(beta2, moment2),
			Mul(OneMinus(beta2), Square(grad)))
		m2Var.SetValueGraph(moment2)
		denominator = Add(Sqrt(Mul(moment2, debiasTermBeta2)), epsilon)
	}

	value := v.ValueGraph(g)
	stepDirection := Div(Mul(learningRate, debiasedMoment1), denominator)
	if o.config.weightDecay > 0 {
		// Weight decay is also scaled by the learning rate.
		stepDirection = Add(stepDirection, Mul(learningRate, MulScalar(value, o.config.weightDecay)))
	}
	stepDirection = ClipStepByValue(ctx, stepDirection)
	v.SetValueGraph(Sub(value, stepDirection))
}

// getMomentVariables returns the moment variables corresponding to the trainable variable, creating
// them with zeros if they don't exist yet.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := context.RootScope + Scope + context.ScopeSeparator + o.config.scopeName + trainable.Scope()
	momentsCtx := ctx.InAbsPath(scopePath).Checked(false).WithInitializer(context.Zero)
	if !o.config.rmsProp {
		m1 = momentsCtx.VariableWithShape(trainable.Name()+"_1st_moment", trainable.Shape()).SetTrainable(false)
	}
	m2 = momentsCtx.VariableWithShape(trainable.Name()+"_2nd_moment", trainable.Shape()).SetTrainable(false)
	return
}

// Clear all optimizer variables: moments, learning rate and global step.
// It implements optimizers.Interface.
func (o *adam) Clear(ctx *context.Context) error {
	ctx.InAbsPath(context.RootScope + Scope).DeleteVariablesInScope()
	return DeleteGlobalStep(ctx)
}
