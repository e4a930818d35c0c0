// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the variables,
// hyperparameters and random number generator shared by the computation graphs of a model.
package context

import (
	"fmt"
	"iter"
	"maps"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
)

// Context organizes information shared in a model. A model can spawn multiple computation graphs,
// e.g.: one computation for a training step, one for evaluating the loss over the whole dataset.
// All these computation graphs share the same variable (weight) values, organized here.
//
// The Context organizes 3 types of information used by a model, and its graphs:
//
//  1. Variables: model variables or weights.
//  2. Parameters: hyperparameters and also any arbitrary information that
//     needs sharing among the graph building functions using the Context.
//  3. Per-graph parameters: each graph will have its own value. E.g.: the parameter
//     "training" indicates if the model is being used for training or inference.
//
// All 3 types of information are organized in "scopes". The Context object is actually a thin wrapper that
// contains the current scope (similar to a current directory) and a link to the actual data. One can change
// scopes by using Context.In("new_scope"): it returns a new Context with the new scope set, but still pointing
// (sharing) all the data with the previous Context.
//
// Variable duplicate creation checking: the context is by default configured with Context.Checked(true), which
// checks at every variable creation whether the variable already exists. When checked, variable creation
// will panic if:
//
// - Context.Unique() (the default) and variable already exists;
// - Context.Reuse() and variable didn't exist.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether to check for reuse if variable is new or not.
	checked bool

	// initializer is used to initialize variable values for a given shape.
	initializer VariableInitializer

	data *contextData
}

// scopedParams maps scope to key to value.
type scopedParams map[string]map[string]any

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	// params holds a model's building (hyper)parameters. E.g.:
	//
	// * "learning_rate" -> float64: used by the optimizers to set a learning rate.
	params scopedParams

	// graphParams hold models parameters for a particular graph.
	graphParams map[graph.GraphId]scopedParams

	// variablesMap for this context organized per scope, and name.
	variablesMap map[string]map[string]*Variable

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// muRng protects rng.
	muRng sync.Mutex
	rng   *rand.Rand
}

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope of the scopes.
	RootScope = ScopeSeparator
)

// New returns an empty context, associated with freshly created data.
//
// The default variable initializer is a random uniform noise from [-0.05, 0.05], drawn from the
// context's random number generator (see Context.SetRNGSeed).
func New() *Context {
	ctx := &Context{
		scope:   RootScope,
		checked: true,
		data: &contextData{
			params:       make(scopedParams),
			graphParams:  make(map[graph.GraphId]scopedParams),
			variablesMap: make(map[string]map[string]*Variable),
			rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		},
	}
	ctx.initializer = RandomUniformFn(-0.05, 0.05)
	return ctx
}

// copy returns a new Context pointing to the same data.
func (ctx *Context) copy() *Context {
	ctx2 := *ctx
	return &ctx2
}

// JoinScope and name into a single string.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	return scope + ScopeSeparator + name
}

// SplitScope splits a path created with JoinScope into its scope and name. If the path is not absolute,
// the scope is "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	idx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[idx+1:]
	if idx == 0 {
		return RootScope, name
	}
	return scopeAndName[:idx], name
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string { return ctx.scope }

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	newCtx := ctx.copy()
	newCtx.scope = JoinScope(ctx.scope, scope)
	return newCtx
}

// InAbsPath returns a new reference to the Context with the given absolute scope path, which must
// start with RootScope.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, RootScope) {
		Panicf("Context.InAbsPath(%q): scope path must start with %q", scopePath, RootScope)
	}
	newCtx := ctx.copy()
	newCtx.scope = RootScope
	for _, elem := range strings.Split(scopePath, ScopeSeparator) {
		if elem != "" {
			newCtx.scope = JoinScope(newCtx.scope, elem)
		}
	}
	return newCtx
}

// Reuse returns a new reference to the Context set to reuse of variables, if it is not already in reuse mode.
func (ctx *Context) Reuse() *Context {
	newCtx := ctx.copy()
	newCtx.reuse = true
	return newCtx
}

// Unique returns a new reference to the Context, set to only allow new variables.
func (ctx *Context) Unique() *Context {
	newCtx := ctx.copy()
	newCtx.reuse = false
	return newCtx
}

// IsReuse returns whether Context is marked for reuse.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new context with the checked flag set accordingly.
// If checked is true checks for reuse/uniqueness are checked according to IsReuse().
func (ctx *Context) Checked(checked bool) *Context {
	newCtx := ctx.copy()
	newCtx.checked = checked
	return newCtx
}

// WithInitializer returns a new reference to the Context, with the initializer set.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		Panicf("Context.WithInitializer passed a nil initializer")
	}
	newCtx := ctx.copy()
	newCtx.initializer = initializer
	return newCtx
}

// SetRNGSeed resets the random number generator of the context, used to initialize variables and
// to seed the executions of the graphs with random nodes.
func (ctx *Context) SetRNGSeed(seed uint64) {
	ctx.data.muRng.Lock()
	defer ctx.data.muRng.Unlock()
	ctx.data.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewRand returns a new random number generator derived (deterministically) from the context's
// generator. The returned generator is owned by the caller.
func (ctx *Context) NewRand() *rand.Rand {
	ctx.data.muRng.Lock()
	defer ctx.data.muRng.Unlock()
	return rand.New(rand.NewPCG(ctx.data.rng.Uint64(), ctx.data.rng.Uint64()))
}

// getScoped searches the key from the given scope back to the root.
func getScoped(params scopedParams, scope, key string) (value any, found bool) {
	for {
		if values, ok := params[scope]; ok {
			if value, found = values[key]; found {
				return
			}
		}
		if scope == RootScope {
			return nil, false
		}
		idx := strings.LastIndex(scope, ScopeSeparator)
		if idx <= 0 {
			scope = RootScope
		} else {
			scope = scope[:idx]
		}
	}
}

func setScoped(params scopedParams, scope, key string, value any) {
	values, ok := params[scope]
	if !ok {
		values = make(map[string]any)
		params[scope] = values
	}
	values[key] = value
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return getScoped(ctx.data.params, ctx.scope, key)
}

// MustGetParam is like GetParam, but panics if the parameter is not found, or if it is not of type T.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently).
func MustGetParam[T any](ctx *Context, key string) T {
	valueAny, found := ctx.GetParam(key)
	if !found {
		var t T
		Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	return convertParam[T](ctx.Scope(), key, valueAny)
}

func convertParam[T any](scope, key string, valueAny any) T {
	if value, ok := valueAny.(T); ok {
		return value
	}
	var t T
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	if !v.IsValid() || !v.CanConvert(typeOfT) {
		Panicf("GetParam[%T](ctx, %q): ctx(scope=%q)[%q]=(%T) %#v, and cannot be converted to %T",
			t, key, scope, key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found or the key is set to nil, it returns the given default value.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return convertParam[T](ctx.Scope(), key, valueAny)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
func (ctx *Context) SetParam(key string, value any) {
	setScoped(ctx.data.params, ctx.scope, key, value)
}

// EnumerateParams calls fn for every parameter of every scope, sorted by scope and key.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	scopes := slices.Sorted(maps.Keys(ctx.data.params))
	for _, scope := range scopes {
		values := ctx.data.params[scope]
		for _, key := range slices.Sorted(maps.Keys(values)) {
			fn(scope, key, values[key])
		}
	}
}

// SetParams sets a collection of parameters in the current scope.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.SetParam(key, value)
	}
}

// GetGraphParam returns the value for the given param key for the given graph,
// searching successively from the current scope back to the root scope ("/").
func (ctx *Context) GetGraphParam(g *graph.Graph, key string) (value any, found bool) {
	params, ok := ctx.data.graphParams[g.GraphId()]
	if !ok {
		return nil, false
	}
	return getScoped(params, ctx.scope, key)
}

// GetGraphParamOr either returns the value for the given param key for the given graph,
// or the default value if it is not set.
func GetGraphParamOr[T any](ctx *Context, g *graph.Graph, key string, defaultValue T) T {
	valueAny, found := ctx.GetGraphParam(g, key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return convertParam[T](ctx.Scope(), key, valueAny)
}

// SetGraphParam sets the given Graph param in the current scope.
func (ctx *Context) SetGraphParam(g *graph.Graph, key string, value any) {
	setScoped(ctx.graphParamsFor(g), ctx.scope, key, value)
}

// deleteGraphParams removes all the parameters associated to the graph.
func (ctx *Context) deleteGraphParams(g *graph.Graph) {
	delete(ctx.data.graphParams, g.GraphId())
}

// GraphParamIsTraining is the graph parameter key that marks a training graph.
const GraphParamIsTraining = "training"

// IsTraining returns whether the context is being used for training, for the given graph.
func (ctx *Context) IsTraining(g *graph.Graph) bool {
	value, found := getScoped(ctx.graphParamsFor(g), RootScope, GraphParamIsTraining)
	return found && value.(bool)
}

// SetTraining marks the context for training in the given graph.
func (ctx *Context) SetTraining(g *graph.Graph, value bool) {
	setScoped(ctx.graphParamsFor(g), RootScope, GraphParamIsTraining, value)
}

func (ctx *Context) graphParamsFor(g *graph.Graph) scopedParams {
	params, ok := ctx.data.graphParams[g.GraphId()]
	if !ok {
		params = make(scopedParams)
		ctx.data.graphParams[g.GraphId()] = params
	}
	return params
}

// GetVariableByScopeAndName returns the variable with the given name in the given scope, or nil if not found.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

// GetVariable returns the variable in the current scope with the given name, or nil if not found.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

// VariableWithShape creates or returns an existing variable with the given shape in the current scope.
// New variables are initialized with the context's initializer.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	v := ctx.lookupVariable(name)
	if v != nil {
		if !shape.Equal(v.shape) {
			Panicf("requested to reuse variable %q in scope %q, but with different shape from original: "+
				"previous shape=%s, requested shape=%s", name, ctx.scope, v.shape, shape)
		}
		return v
	}
	if !shape.IsFullyKnown() {
		panic(shapes.NewError("VariableWithShape", fmt.Sprintf("variable %q needs a fully known shape", name), shape))
	}
	value := ctx.initializer(ctx.NewRand(), shape)
	return ctx.newVariable(name, value)
}

// VariableWithValue creates or returns an existing variable in the current scope, initialized with
// the given value. The value can be anything accepted by tensors.Convert.
func (ctx *Context) VariableWithValue(name string, value any) *Variable {
	v := ctx.lookupVariable(name)
	if v != nil {
		return v
	}
	tensor, err := tensors.Convert(value)
	if err != nil {
		Panicf("VariableWithValue(%q): %v", name, err)
	}
	return ctx.newVariable(name, tensor.Clone())
}

func (ctx *Context) lookupVariable(name string) *Variable {
	v := ctx.GetVariable(name)
	if v == nil && ctx.checked && ctx.reuse {
		Panicf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist", name, ctx.scope)
	}
	if v != nil && ctx.checked && !ctx.reuse {
		Panicf("variable %q for scope %q already exists -- if this was deliberate, use Context.Reuse() or Context.Checked(false)",
			name, ctx.scope)
	}
	return v
}

func (ctx *Context) newVariable(name string, value *tensors.Tensor) *Variable {
	if name == "" || strings.Contains(name, ScopeSeparator) {
		Panicf("invalid variable name %q", name)
	}
	v := &Variable{
		ctx:          ctx,
		name:         name,
		scope:        ctx.scope,
		shape:        value.Shape().Clone(),
		value:        value,
		Trainable:    true,
		graphToNodes: make(map[graph.GraphId]*variableNodes),
	}
	scopeVars, ok := ctx.data.variablesMap[ctx.scope]
	if !ok {
		scopeVars = make(map[string]*Variable)
		ctx.data.variablesMap[ctx.scope] = scopeVars
	}
	scopeVars[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
	return v
}

// IterVariables iterates over all variables in the context, in creation order.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if !yield(v) {
				return
			}
		}
	}
}

// IterVariablesInScope iterates over the variables in the current scope and its sub-scopes.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if v.scope != ctx.scope && !strings.HasPrefix(v.scope, JoinScope(ctx.scope, "")) {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// EnumerateVariables will call fn for each variable in the context, in creation order.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for v := range ctx.IterVariables() {
		fn(v)
	}
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int { return len(ctx.data.variables) }

// NumParameters returns the summed-up number of all variables elements.
func (ctx *Context) NumParameters() int {
	total := 0
	for v := range ctx.IterVariables() {
		total += v.shape.Size()
	}
	return total
}

// DeleteVariable removes the variable with the given name in the given scope.
// It returns an error if the variable doesn't exist.
//
// Graphs already built using the variable are not affected, but they can no longer be executed with a context.Exec.
func (ctx *Context) DeleteVariable(scope, name string) error {
	scopeVars := ctx.data.variablesMap[scope]
	v, found := scopeVars[name]
	if !found {
		return errors.Errorf("variable %q in scope %q not found", name, scope)
	}
	delete(scopeVars, name)
	if len(scopeVars) == 0 {
		delete(ctx.data.variablesMap, scope)
	}
	ctx.data.variables = slices.DeleteFunc(ctx.data.variables, func(v2 *Variable) bool { return v2 == v })
	return nil
}

// DeleteVariablesInScope removes all variables in the current scope and its sub-scopes.
func (ctx *Context) DeleteVariablesInScope() {
	var toDelete []*Variable
	for v := range ctx.IterVariablesInScope() {
		toDelete = append(toDelete, v)
	}
	for _, v := range toDelete {
		_ = ctx.DeleteVariable(v.scope, v.name)
	}
}

// BuildTrainableVariablesGradientsGraph returns the gradient of the loss with respect to each
// trainable variable in the context that was used in the current graph, along with the variables.
func (ctx *Context) BuildTrainableVariablesGradientsGraph(loss *graph.Node) ([]*Variable, []*graph.Node) {
	g := loss.Graph()
	var trainable []*Variable
	var nodes []*graph.Node
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
			nodes = append(nodes, v.ValueGraph(g))
		}
	}
	if len(trainable) == 0 {
		return nil, nil
	}
	return trainable, graph.Gradient(loss, nodes...)
}

// Finalize releases all the variable values and graph parameters. The context shouldn't be used afterward.
func (ctx *Context) Finalize() {
	for _, v := range ctx.data.variables {
		v.value = nil
		v.graphToNodes = nil
	}
	ctx.data.variables = nil
	ctx.data.variablesMap = make(map[string]map[string]*Variable)
	ctx.data.graphParams = make(map[graph.GraphId]scopedParams)
}
