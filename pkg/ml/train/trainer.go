// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds tools to help run a training loop: the Trainer, which builds and executes the
// training step graphs, the Loop, which runs the Trainer over a Dataset calling hooks, and the Dataset
// interface.
package train

import (
	"fmt"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/probflow/probflow/pkg/ml/train/losses"
	"github.com/probflow/probflow/pkg/ml/train/metrics"
	"github.com/probflow/probflow/pkg/ml/train/optimizers"
	"k8s.io/klog/v2"
)

// ModelFn is the model graph building function: it takes the inputs of a batch and returns the predictions,
// which are fed to the loss function and to the metrics.
//
// The spec is the one yielded by the Dataset, and it's usually nil.
//
// Extra terms to the loss (e.g. regularization) can be added with AddLoss.
type ModelFn func(ctx *context.Context, spec any, inputs []*Node) (predictions []*Node)

// Trainer is a helper object to orchestrate a training step: it builds the training graph, one per
// combination of spec and shapes of the inputs, with the model, the loss, the optimizer updates and
// the metrics, and executes it.
//
// The metrics returned by TrainStep always start with the batch loss and the mean loss since the
// last reset of the metrics (see ResetTrainMetrics), followed by the metrics given to NewTrainer.
type Trainer struct {
	ctx       *context.Context
	modelFn   ModelFn
	lossFn    losses.LossFn
	optimizer optimizers.Interface

	batchLossMetric, meanLossMetric metrics.Interface
	trainMetrics                    []metrics.Interface

	mu         sync.Mutex
	trainExecs map[string]*trainExec
}

type trainExec struct {
	exec      *context.Exec
	numInputs int
}

const (
	// GraphParamAdditionalLosses is the graph parameter key used to accumulate the losses added with AddLoss.
	GraphParamAdditionalLosses = "additional_losses"
)

// NewTrainer constructs a trainer that can be used for training steps, with the given model,
// loss, optimizer and (optional) metrics.
func NewTrainer(ctx *context.Context, modelFn ModelFn, lossFn losses.LossFn, optimizer optimizers.Interface,
	trainMetrics ...metrics.Interface) *Trainer {
	return &Trainer{
		ctx:       ctx,
		modelFn:   modelFn,
		lossFn:    lossFn,
		optimizer: optimizer,
		batchLossMetric: metrics.NewBaseMetric("Batch Loss", "batch", metrics.LossMetricType,
			func(_ *context.Context, _, predictions []*Node) *Node { return predictions[0] }, nil),
		meanLossMetric: metrics.NewMeanMetric("Mean Loss", "loss", metrics.LossMetricType,
			func(_ *context.Context, _, predictions []*Node) *Node { return predictions[0] }, nil),
		trainMetrics: trainMetrics,
		trainExecs:   make(map[string]*trainExec),
	}
}

// Context returns the context used by the trainer.
func (r *Trainer) Context() *context.Context { return r.ctx }

// Metrics returns the metrics returned by TrainStep, in order, starting with the loss metrics.
func (r *Trainer) Metrics() []metrics.Interface {
	return append([]metrics.Interface{r.batchLossMetric, r.meanLossMetric}, r.trainMetrics...)
}

// GlobalStep returns the global step of the optimizer, the number of training steps executed so far.
func (r *Trainer) GlobalStep() int64 {
	var step int64
	err := TryCatch[error](func() { step = optimizers.GetGlobalStep(r.ctx) })
	if err != nil {
		klog.Errorf("failed to read global step: %+v", err)
	}
	return step
}

// AddLoss adds the given loss term to the loss of the current graph being built by the Trainer.
// Non-scalar losses are reduced with ReduceAllMean.
//
// It can be called multiple times, the losses are summed up.
func AddLoss(ctx *context.Context, loss *Node) {
	g := loss.Graph()
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	rootCtx := ctx.InAbsPath(context.RootScope)
	if previous := GetLosses(ctx, g); previous != nil {
		loss = Add(previous, loss)
	}
	rootCtx.SetGraphParam(g, GraphParamAdditionalLosses, loss)
}

// GetLosses returns the sum of the losses added with AddLoss for the graph g, or nil if none were added.
func GetLosses(ctx *context.Context, g *Graph) *Node {
	lossAny, found := ctx.InAbsPath(context.RootScope).GetGraphParam(g, GraphParamAdditionalLosses)
	if !found || lossAny == nil {
		return nil
	}
	return lossAny.(*Node)
}

// TrainStep runs one step of training for the given batch of inputs and labels, and returns the metrics:
// the batch loss, the mean loss and then each of the metrics given to NewTrainer.
//
// The first time it's called for a spec and combination of input shapes, it builds the training graph.
// Errors in the graph building or execution are returned, in which case no variable is updated.
func (r *Trainer) TrainStep(spec any, inputs, labels []*tensors.Tensor) (metricsValues []*tensors.Tensor, err error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("Trainer.TrainStep requires at least one input")
	}
	key := fmt.Sprintf("%v", spec)
	r.mu.Lock()
	entry, found := r.trainExecs[key]
	if !found {
		entry = &trainExec{numInputs: len(inputs)}
		entry.exec = context.NewExec(r.ctx, "TrainStep", r.trainStepGraphFn(spec, len(inputs)))
		r.trainExecs[key] = entry
	}
	r.mu.Unlock()
	if entry.numInputs != len(inputs) {
		return nil, errors.Errorf("Trainer.TrainStep: dataset spec %q yielded %d inputs, previously it yielded %d",
			key, len(inputs), entry.numInputs)
	}

	all := make([]*tensors.Tensor, 0, len(inputs)+len(labels))
	all = append(all, inputs...)
	all = append(all, labels...)
	metricsValues, err = entry.exec.Exec(all...)
	if err != nil {
		return nil, errors.WithMessage(err, "Trainer.TrainStep")
	}
	return metricsValues, nil
}

// trainStepGraphFn returns the context.ExecGraphFn that builds the training step graph.
func (r *Trainer) trainStepGraphFn(spec any, numInputs int) context.ExecGraphFn {
	return func(ctx *context.Context, g *Graph, allInputs []*Node) []*Node {
		ctx.SetTraining(g, true)
		inputs, labels := allInputs[:numInputs], allInputs[numInputs:]
		predictions := r.modelFn(ctx, spec, inputs)
		if len(predictions) == 0 {
			Panicf("model function returned no predictions")
		}
		loss := r.lossFn(labels, predictions)
		if !loss.IsScalar() {
			Panicf("loss function must return a scalar, got shape %s", loss.Shape())
		}
		if additional := GetLosses(ctx, g); additional != nil {
			loss = Add(loss, additional)
		}
		r.optimizer.UpdateGraph(ctx, g, loss)

		lossAsPrediction := []*Node{loss}
		outputs := []*Node{
			r.batchLossMetric.UpdateGraph(ctx, labels, lossAsPrediction),
			r.meanLossMetric.UpdateGraph(ctx, labels, lossAsPrediction),
		}
		for _, m := range r.trainMetrics {
			outputs = append(outputs, m.UpdateGraph(ctx, labels, predictions))
		}
		klog.V(2).Infof("Trainer: built training graph for spec %v with %d nodes", spec, g.NumNodes())
		return outputs
	}
}

// ResetTrainMetrics resets the state of the mean metrics, so the means restart from the next step.
func (r *Trainer) ResetTrainMetrics() error {
	return TryCatch[error](func() {
		for _, m := range r.Metrics() {
			m.Reset(r.ctx)
		}
	})
}

// Finalize releases the computation graphs built by the trainer. The trainer can still be used,
// in which case the graphs are rebuilt.
func (r *Trainer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.trainExecs {
		entry.exec.Finalize()
	}
	r.trainExecs = make(map[string]*trainExec)
}
