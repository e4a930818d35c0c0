// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/probflow/probflow/pkg/core/tensors"
)

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, metrics []*tensors.Tensor) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNSteps registers a OnStep hook on the loop that is called every N times.
//
// Notice that it does not call fn at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	eN := &everyNSteps{n: max(n, 1), fn: fn}
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, metrics []*tensors.Tensor) error {
	if !p.started {
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, metrics)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an OnStep hook on the loop that is called every period of time.
// The period counts after the execution of fn.
//
// If callOnEnd is set, it will also call at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, metrics []*tensors.Tensor) error { return p.fn(loop, metrics) })
	}
}
