// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package probflow is a library to declare Bayesian models, fit them with stochastic variational
// inference, and query their posterior and posterior-predictive distributions.
//
// A model is an observation distribution (Normal, Bernoulli, Poisson) over expressions composed of
// Parameters and Inputs:
//
//	weight := probflow.NewParameter().Name("weight").Done()
//	bias := probflow.NewParameter().Name("bias").Done()
//	model := probflow.Normal(probflow.Add(probflow.Mul(weight, probflow.Input()), bias), 1.0)
//	if err := model.Fit(x, y, probflow.Fit().Epochs(100)); err != nil { ... }
//	samples, err := model.SamplePosterior(1000)
//
// Composing expressions and models panics (with *ShapeError or *InvalidArgumentError) on invalid
// shapes or arguments, see TryBuild. Fitting and queries return errors.
package probflow

import (
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is an observation distribution bound to the expressions of its arguments. It's the root of a
// probabilistic model, and holds its fit state.
//
// Fit and Reset are serialized. Queries can be called concurrently.
type Model struct {
	family *family
	args   []*Expr

	// params in declaration order.
	params []*Parameter

	mu    sync.Mutex
	state *FitState
}

// newModel creates the model, and panics if the parameters names are not unique.
func newModel(fam *family, args ...any) *Model {
	m := &Model{family: fam}
	for ii, arg := range args {
		e := asExpr(fam.name+"."+fam.argNames[ii], arg)
		if len(e.dims) > 1 {
			panic(invalidArgumentf(fam.name, "argument %q has shape %v per example, only vectors or scalars are supported",
				fam.argNames[ii], e.dims))
		}
		m.args = append(m.args, e)
	}

	seen := make(map[*Parameter]bool)
	byName := make(map[string]*Parameter)
	for _, arg := range m.args {
		arg.walk(func(e *Expr) {
			if e.kind != kindParameter || seen[e.param] {
				return
			}
			p := e.param
			seen[p] = true
			if other, found := byName[p.name]; found && other != p {
				panic(invalidArgumentf(fam.name, "two different parameters named %q: parameter names must be unique in a model",
					p.name))
			}
			byName[p.name] = p
			m.params = append(m.params, p)
		})
	}
	slices.SortFunc(m.params, func(a, b *Parameter) int { return int(a.seq - b.seq) })
	return m
}

// Normal creates a model with a Normal observation distribution with the given location and scale.
// The scale must be positive, e.g. a constant or a scale parameter (see NewScaleParameter).
func Normal(loc, scale any) *Model {
	return newModel(normalFamily, loc, scale)
}

// Bernoulli creates a model with a Bernoulli observation distribution with the given logits. The
// observed values must be 0 or 1.
func Bernoulli(logits any) *Model {
	return newModel(bernoulliFamily, logits)
}

// Poisson creates a model with a Poisson observation distribution with the given log of the rate.
// The observed values must be non-negative integers.
func Poisson(logRate any) *Model {
	return newModel(poissonFamily, logRate)
}

// NewModel creates a model given the name of the family ("normal", "bernoulli" or "poisson") and
// its arguments. Unlike Normal, Bernoulli and Poisson, it returns an error instead of panicking.
func NewModel(familyName string, args ...any) (*Model, error) {
	fam, found := families[strings.ToLower(familyName)]
	if !found {
		return nil, invalidArgumentf("NewModel", "unknown family %q, valid values are \"normal\", \"bernoulli\" and \"poisson\"",
			familyName)
	}
	if len(args) != len(fam.argNames) {
		return nil, invalidArgumentf("NewModel", "family %q takes %d arguments %q, %d given",
			fam.name, len(fam.argNames), fam.argNames, len(args))
	}
	return TryBuild(func() *Model { return newModel(fam, args...) })
}

// Family returns the name of the observation distribution.
func (m *Model) Family() string { return m.family.name }

// Kind of the model.
func (m *Model) Kind() Kind { return m.family.kind }

// Parameters returns the parameters of the model, in declaration order.
func (m *Model) Parameters() []*Parameter { return slices.Clone(m.params) }

// IsFit returns whether the model was successfully fit.
func (m *Model) IsFit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != nil
}

// State returns the fit state, or nil if the model was not fit.
func (m *Model) State() *FitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureIsFit returns a *StateError if the model was not fit yet.
func (m *Model) EnsureIsFit() error {
	_, err := m.fitState("EnsureIsFit")
	return err
}

// fitState returns the current fit state, or a *StateError naming op if the model is not fit.
func (m *Model) fitState(op string) (*FitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, &StateError{Op: op, Reason: ErrNotFit}
	}
	return m.state, nil
}

// Reset discards the fit state, releasing its resources. The model can be fit again.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		klog.V(1).Infof("probflow: releasing fit state %s", m.state.RunID)
		m.state.close()
		m.state = nil
	}
}

// Close releases the resources of the model. It's the same as Reset, and is provided to be used with defer.
func (m *Model) Close() error {
	m.Reset()
	return nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	parts := make([]string, len(m.args))
	for ii, arg := range m.args {
		parts[ii] = m.family.argNames[ii] + "=" + arg.String()
	}
	return m.family.name + "(" + strings.Join(parts, ", ") + ")"
}

// parameterByName returns the parameter with the given name.
func (m *Model) parameterByName(op, name string) (*Parameter, error) {
	for _, p := range m.params {
		if p.name == name {
			return p, nil
		}
	}
	names := make([]string, len(m.params))
	for ii, p := range m.params {
		names[ii] = p.name
	}
	return nil, errors.WithStack(invalidArgumentf(op, "unknown parameter %q, the model has parameters %q", name, names))
}
