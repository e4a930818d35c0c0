// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics []*tensors.Tensor) error

// OnEpochEndFn is the type of OnEpochEnd hooks. metrics are the ones returned by the last step of the epoch,
// so mean metrics hold the means over the epoch.
type OnEpochEndFn func(loop *Loop, epoch int, metrics []*tensors.Tensor) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics []*tensors.Tensor) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// progress bars, logging or recording the history of the metrics.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed.
	// It is initialized with the trainer's GlobalStep, which will be 0 for a new context.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known yet: when running
	// Loop.RunEpochs it is extrapolated after the first epoch, based on how many steps were run.
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// NumEpochs is set when running Loop.RunEpochs() to the number of epochs requested.
	NumEpochs int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		LoopStep:   int(trainer.GlobalStep()),
	}
}

// start of loop, called by all looping methods.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods. It calls the appropriate hooks.
func (loop *Loop) step(spec any, inputs, labels []*tensors.Tensor) (metrics []*tensors.Tensor, err error) {
	startTime := time.Now()
	metrics, err = loop.Trainer.TrainStep(spec, inputs, labels)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return nil, err
	}
	if err = loop.postStep(metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// postStep calls the onStep hooks. It also checks for NaN loss, and returns an error accordingly.
func (loop *Loop) postStep(metrics []*tensors.Tensor) error {
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	batchLoss := metrics[0].Value().(float64)
	if math.IsNaN(batchLoss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}
	return nil
}

// end of loop, called by all looping methods.
func (loop *Loop) end(metrics []*tensors.Tensor) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) epochEnd(metrics []*tensors.Tensor) error {
	for hook := range loop.onEpochEnd.All() {
		if err := hook.fn(loop, loop.Epoch, metrics); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// The dataset is reset whenever it reaches its end, so a finite dataset can be used.
//
// It returns the training metrics returned by the trainer after the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (metrics []*tensors.Tensor, err error) {
	if steps <= 0 {
		return nil, nil
	}
	if err = loop.Trainer.ResetTrainMetrics(); err != nil {
		return
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			ds.Reset()
			spec, inputs, labels, err = ds.Yield()
			if err == io.EOF {
				return nil, errors.Errorf("Loop.RunSteps(%d): dataset %q yielded no data after Reset", steps, ds.Name())
			}
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		metrics, err = loop.step(spec, inputs, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return metrics, nil
}

// RunEpochs runs those many epochs, each one a full pass over the dataset: it runs until the
// dataset returns io.EOF, and then calls Dataset.Reset.
//
// The mean metrics are reset at the start of every epoch, so at the OnEpochEnd hooks they hold
// the means over the epoch.
//
// It returns the training metrics returned by the trainer after the last step.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (metrics []*tensors.Tensor, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.NumEpochs = epochs
	loop.TrainStepDurations = nil
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		if err = loop.Trainer.ResetTrainMetrics(); err != nil {
			return nil, err
		}
		yieldsPerEpoch := 0
		for {
			spec, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.WithMessagef(err,
					"Loop.RunEpochs(epoch %d of %d): failed reading from Dataset", loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			metrics, err = loop.step(spec, inputs, labels)
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed TrainStep(LoopStep=%d)",
					loop.Epoch, epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		if yieldsPerEpoch == 0 {
			return nil, errors.Errorf("Loop.RunEpochs(%d): dataset %q yielded no data in epoch %d",
				epochs, ds.Name(), loop.Epoch)
		}
		// Once the size of an epoch is known, the end step can be estimated.
		loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
		klog.V(1).Infof("Loop: epoch %d/%d finished after %d steps", loop.Epoch+1, epochs, yieldsPerEpoch)
		if err = loop.epochEnd(metrics); err != nil {
			return nil, err
		}
		ds.Reset()
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return metrics, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function fn is called after each Trainer.TrainStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) called at the end of each
// epoch of Loop.RunEpochs.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to Trainer.TrainStep.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
