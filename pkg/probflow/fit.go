// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/probflow/probflow/pkg/ml/data"
	"github.com/probflow/probflow/pkg/ml/datasets"
	"github.com/probflow/probflow/pkg/ml/train"
	"github.com/probflow/probflow/pkg/ml/train/metrics"
	"github.com/probflow/probflow/pkg/ml/train/optimizers"
	"github.com/probflow/probflow/ui/commandline"
	"github.com/probflow/probflow/ui/plots"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// Default values of FitConfig.
const (
	DefaultBatchSize = 128
	DefaultEpochs    = 100
	DefaultOptimizer = "adam"
	DefaultKLWeight  = 1.0
)

// ParamsScope is the context scope where the variational posterior variables of the parameters are stored,
// as "/params/<parameter name>/loc" and "/params/<parameter name>/raw_scale".
const ParamsScope = "params"

// FitConfig holds the configuration of Model.Fit. Create it with Fit and chain the setters.
type FitConfig struct {
	df           *dataframe.DataFrame
	batchSize    int
	epochs       int
	optimizer    string
	learningRate float64
	metrics      []string
	klWeight     float64
	seed         uint64
	seedSet      bool
	progressBar  bool

	hyperparameters map[string]any
}

// Fit returns a FitConfig with the default values, to be passed to Model.Fit.
func Fit() *FitConfig {
	return &FitConfig{
		batchSize: DefaultBatchSize,
		epochs:    DefaultEpochs,
		optimizer: DefaultOptimizer,
		klWeight:  DefaultKLWeight,
	}
}

// Data sets the DataFrame against which column names given as x or y are resolved.
func (c *FitConfig) Data(df dataframe.DataFrame) *FitConfig {
	c.df = &df
	return c
}

// BatchSize sets the number of examples per optimizer step. Default is DefaultBatchSize.
func (c *FitConfig) BatchSize(batchSize int) *FitConfig {
	c.batchSize = batchSize
	return c
}

// Epochs sets the number of passes over the data. Default is DefaultEpochs.
func (c *FitConfig) Epochs(epochs int) *FitConfig {
	c.epochs = epochs
	return c
}

// Optimizer sets the name of the optimizer, one of optimizers.Names(). Default is DefaultOptimizer.
func (c *FitConfig) Optimizer(name string) *FitConfig {
	c.optimizer = name
	return c
}

// LearningRate sets the learning rate of the optimizer. If not set (or 0) the optimizer default is used.
func (c *FitConfig) LearningRate(learningRate float64) *FitConfig {
	c.learningRate = learningRate
	return c
}

// Metrics sets the names of metrics (see metrics.Names()) to evaluate during training. They are included in the
// FitState.History.
func (c *FitConfig) Metrics(names ...string) *FitConfig {
	c.metrics = slices.Clone(names)
	return c
}

// KLWeight sets the weight of the KL-divergence term of the loss. Default is 1.
func (c *FitConfig) KLWeight(weight float64) *FitConfig {
	c.klWeight = weight
	return c
}

// Seed sets the seed of the random number generators used for the initialization, the shuffling and the
// sampling. If not set, a random seed is used for each fit.
func (c *FitConfig) Seed(seed uint64) *FitConfig {
	c.seed = seed
	c.seedSet = true
	return c
}

// ProgressBar sets whether to display a progress bar in the terminal during the fit.
func (c *FitConfig) ProgressBar(enabled bool) *FitConfig {
	c.progressBar = enabled
	return c
}

// Hyperparameters sets extra hyperparameters of the optimizer in the context of the fit, e.g.
// "adam_beta1" or "clip_step_by_value". See DefaultHyperparameters for the ones available.
func (c *FitConfig) Hyperparameters(params map[string]any) *FitConfig {
	c.hyperparameters = maps.Clone(params)
	return c
}

// DefaultHyperparameters returns the optimizer hyperparameters that can be configured with
// FitConfig.Hyperparameters, with their default values.
func DefaultHyperparameters() map[string]any {
	return map[string]any{
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamBeta1:       0.9,
		optimizers.ParamAdamBeta2:       0.999,
		optimizers.ParamAdamWeightDecay: 0.0,
		optimizers.ParamClipStepByValue: 0.0,
	}
}

// EpochMetrics holds the metrics at the end of an epoch: the mean loss and the mean of each metric
// configured, keyed by their short names.
type EpochMetrics struct {
	Epoch   int
	Metrics *orderedmap.OrderedMap[string, float64]
}

// FitState is the state of a fit model: the processed training data, the loss terms at the end of the
// fit and the trained session, holding the variational posterior of every parameter.
type FitState struct {
	// RunID identifies the fit.
	RunID uuid.UUID

	// Seed used for the fit.
	Seed uint64

	// X and Y are the training data, shaped (N, Dx) and (N, Dy).
	X, Y *tensors.Tensor

	// Permutation of the training rows used in the last epoch.
	Permutation []int

	// BatchSize used.
	BatchSize int

	// LogLoss holds the negative log-likelihood of each example of the last batch of the fit, summed over the
	// output dimensions, for one sample of the posterior.
	LogLoss []float64

	// MeanLogLoss is the mean of LogLoss.
	MeanLogLoss float64

	// KLLoss is the KL-divergence between the variational posterior of the parameters and their priors.
	KLLoss float64

	// Loss is MeanLogLoss + KLWeight * KLLoss.
	Loss float64

	// History of the metrics per epoch.
	History []EpochMetrics

	// ParameterShapes are the resolved shapes of the parameters.
	ParameterShapes map[string][]int

	metricTypes map[string]string

	ctx         *context.Context
	trainer     *train.Trainer
	predictExec *graph.Exec
	resolver    *shapeResolver
	outWidth    int
	params      []*Parameter

	// posterior holds the location and scale of each parameter, in the order of params.
	locs, scales [][]float64

	muRng sync.Mutex
	rng   *rand.Rand
}

// NumExamples used in the fit.
func (s *FitState) NumExamples() int { return s.X.Shape().Dim(0) }

// HistoryPoints returns the History as plot points, one per metric and epoch.
func (s *FitState) HistoryPoints() []plots.Point {
	var points []plots.Point
	for _, epoch := range s.History {
		for pair := epoch.Metrics.Oldest(); pair != nil; pair = pair.Next() {
			points = append(points, plots.Point{MetricName: pair.Key, MetricType: s.metricTypes[pair.Key],
				Step: float64(epoch.Epoch), Value: pair.Value})
		}
	}
	return points
}

// Context returns the context holding the variables of the fit model.
func (s *FitState) Context() *context.Context { return s.ctx }

// nextSeed returns a new seed for a sampling operation.
func (s *FitState) nextSeed() uint64 {
	s.muRng.Lock()
	defer s.muRng.Unlock()
	return s.rng.Uint64()
}

// close releases the session.
func (s *FitState) close() {
	if s.predictExec != nil {
		s.predictExec.Finalize()
	}
	if s.trainer != nil {
		s.trainer.Finalize()
	}
	if s.ctx != nil {
		s.ctx.Finalize()
	}
}

// Fit the model to the data x (inputs) and y (observed values), optimizing the variational posteriors of
// its parameters.
//
// x and y can be Go slices, gonum matrices, *tensors.Tensor, gota DataFrames or Series, or column names
// resolved against the DataFrame set with FitConfig.Data. Rank-1 data is a single column.
// If cfg is nil, the defaults are used (see Fit).
//
// Errors: a *ShapeError if the number of rows of x and y differ, or the data is incompatible with the
// model; an *InvalidArgumentError for invalid configuration or data. On error the previous fit state,
// if any, is left untouched.
func (m *Model) Fit(x, y any, cfg *FitConfig) error {
	if cfg == nil {
		cfg = Fit()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.fit(x, y, cfg)
	if err != nil {
		return err
	}
	if m.state != nil {
		m.state.close()
	}
	m.state = state
	return nil
}

func (m *Model) validateConfig(cfg *FitConfig) error {
	if cfg.batchSize <= 0 {
		return invalidArgumentf("Fit", "batch size must be positive, got %d", cfg.batchSize)
	}
	if cfg.epochs <= 0 {
		return invalidArgumentf("Fit", "number of epochs must be positive, got %d", cfg.epochs)
	}
	if cfg.learningRate < 0 || math.IsNaN(cfg.learningRate) {
		return invalidArgumentf("Fit", "learning rate must be positive, got %g", cfg.learningRate)
	}
	if cfg.klWeight < 0 || math.IsNaN(cfg.klWeight) {
		return invalidArgumentf("Fit", "KL weight must be non-negative, got %g", cfg.klWeight)
	}
	if _, found := optimizers.KnownOptimizers[cfg.optimizer]; !found {
		return invalidArgumentf("Fit", "unknown optimizer %q, valid values are %q", cfg.optimizer, optimizers.Names())
	}
	for _, name := range cfg.metrics {
		if _, err := metrics.ByName(name); err != nil {
			return invalidArgumentf("Fit", "%v", err)
		}
	}
	return nil
}

// trainingData converts and validates x and y.
func (m *Model) trainingData(op string, x, y any, df *dataframe.DataFrame) (xt, yt *tensors.Tensor, err error) {
	xt, err = data.ToTable(x, df)
	if err != nil {
		return nil, nil, invalidArgumentf(op, "x: %v", err)
	}
	yt, err = data.ToTable(y, df)
	if err != nil {
		return nil, nil, invalidArgumentf(op, "y: %v", err)
	}
	if xt.Shape().Dim(0) != yt.Shape().Dim(0) {
		return nil, nil, shapes.NewError(op, "x and y have a different number of rows", xt.Shape(), yt.Shape())
	}
	for ii, v := range yt.Flat() {
		if !m.family.validLabel(v) {
			return nil, nil, invalidArgumentf(op, "y[%d]=%g is not a valid observation for a %s distribution",
				ii/yt.Shape().Dim(1), v, m.family.name)
		}
	}
	return
}

// resolveShapes resolves the shapes of the parameters for the input width, and checks that the
// arguments of the distribution are compatible with the width of y.
func (m *Model) resolveShapes(inputWidth, outWidth int) (resolver *shapeResolver, err error) {
	err = exceptions.TryCatch[error](func() {
		resolver = newShapeResolver(inputWidth)
		resolver.resolveAll(m.params, m.args)
		for ii, arg := range m.args {
			width := resolver.outputWidth(arg)
			if width != 1 && width != outWidth {
				panic(shapes.Errorf("Fit", "argument %q of %s has width %d, but y has %d columns",
					m.family.argNames[ii], m.family.name, width, outWidth))
			}
		}
	})
	return
}

func (m *Model) fit(x, y any, cfg *FitConfig) (*FitState, error) {
	if err := m.validateConfig(cfg); err != nil {
		return nil, err
	}
	xt, yt, err := m.trainingData("Fit", x, y, cfg.df)
	if err != nil {
		return nil, err
	}
	numExamples, inputWidth, outWidth := xt.Shape().Dim(0), xt.Shape().Dim(1), yt.Shape().Dim(1)
	resolver, err := m.resolveShapes(inputWidth, outWidth)
	if err != nil {
		return nil, err
	}

	seed := cfg.seed
	if !cfg.seedSet {
		seed = rand.Uint64()
	}
	state := &FitState{
		RunID:           uuid.New(),
		Seed:            seed,
		X:               xt,
		Y:               yt,
		BatchSize:       cfg.batchSize,
		ParameterShapes: make(map[string][]int, len(m.params)),
		ctx:             context.New(),
		resolver:        resolver,
		outWidth:        outWidth,
		params:          m.params,
		rng:             rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
	}
	ctx := state.ctx
	ctx.SetRNGSeed(seed)
	ctx.SetParams(cfg.hyperparameters)
	if cfg.learningRate > 0 {
		ctx.SetParam(optimizers.ParamLearningRate, cfg.learningRate)
	}
	success := false
	defer func() {
		if !success {
			state.close()
		}
	}()

	err = exceptions.TryCatch[error](func() {
		for _, p := range m.params {
			shape := resolver.paramShapes[p]
			state.ParameterShapes[p.name] = slices.Clone(shape)
			createParamVariables(ctx, p, shape)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "Fit: creating parameters")
	}

	ds, err := datasets.InMemoryFromData("train", []any{xt}, []any{yt})
	if err != nil {
		return nil, errors.WithMessage(err, "Fit")
	}
	ds.BatchSize(cfg.batchSize, false).WithRand(rand.New(rand.NewPCG(seed, seed+1))).Shuffle()

	optimizer, err := optimizers.ByName(ctx, cfg.optimizer)
	if err != nil {
		return nil, invalidArgumentf("Fit", "%v", err)
	}
	trainMetrics := make([]metrics.Interface, 0, len(cfg.metrics))
	for _, name := range cfg.metrics {
		metric, _ := metrics.ByName(name)
		trainMetrics = append(trainMetrics, metric)
	}
	state.trainer = train.NewTrainer(ctx, m.trainModelFn(resolver, outWidth, cfg.klWeight), m.lossFn,
		optimizer, trainMetrics...)

	loop := train.NewLoop(state.trainer)
	trainerMetrics := state.trainer.Metrics()
	state.metricTypes = make(map[string]string, len(trainerMetrics))
	for _, metric := range trainerMetrics {
		state.metricTypes[metric.ShortName()] = metric.MetricType()
	}
	loop.OnEpochEnd("probflow history", 0, func(_ *train.Loop, epoch int, values []*tensors.Tensor) error {
		// The first metric is the loss of the last batch, it's skipped.
		epochMetrics := EpochMetrics{Epoch: epoch, Metrics: orderedmap.New[string, float64]()}
		for ii := 1; ii < len(values); ii++ {
			epochMetrics.Metrics.Set(trainerMetrics[ii].ShortName(), values[ii].Value().(float64))
		}
		state.History = append(state.History, epochMetrics)
		state.Permutation = ds.Permutation()
		return nil
	})
	if klog.V(2).Enabled() {
		loop.OnStep("probflow log", 0, func(loop *train.Loop, values []*tensors.Tensor) error {
			klog.Infof("Fit: step %d, batch loss %g", loop.LoopStep, values[0].Value().(float64))
			return nil
		})
	}
	if cfg.progressBar {
		commandline.AttachProgressBar(loop)
	}

	klog.V(1).Infof("Fit(%s): %s examples, %d epochs, batch size %d, optimizer %q, %s parameters",
		state.RunID, humanize.Comma(int64(numExamples)), cfg.epochs, cfg.batchSize, cfg.optimizer,
		humanize.Comma(int64(ctx.NumParameters())))
	if _, err = loop.RunEpochs(ds, cfg.epochs); err != nil {
		return nil, errors.WithMessagef(err, "Fit(%s)", state.RunID)
	}
	if err = m.computeLossTerms(state, cfg.klWeight); err != nil {
		return nil, err
	}
	state.snapshotPosterior()
	state.predictExec = graph.NewExec("predict", m.predictGraphFn(state)).SetMaxCache(-1)
	klog.V(1).Infof("Fit(%s): done, loss=%g (mean log-loss=%g, KL=%g)", state.RunID, state.Loss,
		state.MeanLogLoss, state.KLLoss)
	success = true
	return state, nil
}

// createParamVariables creates the variables of the variational posterior of the parameter.
func createParamVariables(ctx *context.Context, p *Parameter, shape []int) {
	pCtx := ctx.In(ParamsScope).In(p.name)
	locInit := context.RandomNormalFn(0, 0.1)
	if len(shape) == 2 {
		locInit = context.XavierNormalFn()
	}
	pCtx.WithInitializer(locInit).VariableWithShape("loc", shapes.Make(shape...))
	pCtx.WithInitializer(context.ConstantFn(inverseSoftplus(p.initialScale))).
		VariableWithShape("raw_scale", shapes.Make(shape...))
}

// paramVariables returns the location and the raw scale variables of the parameter.
func paramVariables(ctx *context.Context, p *Parameter) (loc, rawScale *context.Variable) {
	scope := ctx.InAbsPath(context.RootScope).In(ParamsScope).In(p.name).Scope()
	loc = ctx.GetVariableByScopeAndName(scope, "loc")
	rawScale = ctx.GetVariableByScopeAndName(scope, "raw_scale")
	if loc == nil || rawScale == nil {
		exceptions.Panicf("variables of parameter %q not found in scope %q", p.name, scope)
	}
	return
}

// applyTransformGraph applies the parameter transform to a sample.
func applyTransformGraph(t Transform, x *graph.Node) *graph.Node {
	switch t {
	case TransformSoftplus:
		return graph.Softplus(x)
	case TransformExp:
		return graph.Exp(x)
	}
	return x
}

// sampleParamsGraph returns a paramValueFn that draws a reparameterized sample of each parameter posterior,
// once per graph. In training graphs, flipout parameters get a different random sign of the perturbation
// per example; otherwise all examples share one sample.
func sampleParamsGraph(ctx *context.Context, g *graph.Graph, batchSize int) paramValueFn {
	samples := make(map[*Parameter]*graph.Node)
	flipout := ctx.IsTraining(g)
	return func(p *Parameter) *graph.Node {
		if sample, found := samples[p]; found {
			return sample
		}
		locVar, rawScaleVar := paramVariables(ctx, p)
		loc := graph.ExpandAxes(locVar.ValueGraph(g), 0)
		scale := graph.Softplus(graph.ExpandAxes(rawScaleVar.ValueGraph(g), 0))
		perturbation := graph.Mul(scale, graph.RandomNormal(g, loc.Shape()))
		if flipout && p.estimator == EstimatorFlipout {
			signShape := loc.Shape().Clone()
			signShape.Dimensions[0] = batchSize
			perturbation = graph.Mul(perturbation, graph.RandomSign(g, signShape))
		}
		sample := applyTransformGraph(p.transform, graph.Add(loc, perturbation))
		samples[p] = sample
		return sample
	}
}

// klDivergenceGraph returns the sum of the KL-divergences between the variational posterior of every
// parameter and its prior, both Normal.
func klDivergenceGraph(ctx *context.Context, g *graph.Graph, params []*Parameter) *graph.Node {
	total := graph.Scalar(g, 0)
	for _, p := range params {
		locVar, rawScaleVar := paramVariables(ctx, p)
		loc := locVar.ValueGraph(g)
		scale := graph.Softplus(rawScaleVar.ValueGraph(g))
		// log(σp/σq) + (σq² + (μq-μp)²)/(2σp²) - 1/2
		kl := graph.Sub(graph.Scalar(g, math.Log(p.priorScale)), graph.Log(scale))
		kl = graph.Add(kl, graph.DivScalar(
			graph.Add(graph.Square(scale), graph.Square(graph.AddScalar(loc, -p.priorLoc))),
			2*p.priorScale*p.priorScale))
		kl = graph.AddScalar(kl, -0.5)
		total = graph.Add(total, graph.ReduceAllSum(kl))
	}
	return total
}

// distributionArgsGraph lowers the arguments of the distribution, each shaped (batchSize, outWidth).
func (m *Model) distributionArgsGraph(x *graph.Node, resolver *shapeResolver, outWidth int, paramValue paramValueFn) []*graph.Node {
	low := newLowering(x, resolver, paramValue)
	args := make([]*graph.Node, len(m.args))
	for ii, arg := range m.args {
		args[ii] = low.output(arg, outWidth)
	}
	return args
}

// trainModelFn returns the train.ModelFn: the predictions are the mean of the distribution, used by
// the metrics, followed by the arguments of the distribution. The KL-divergence is added as a loss.
func (m *Model) trainModelFn(resolver *shapeResolver, outWidth int, klWeight float64) train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
		x := inputs[0]
		g := x.Graph()
		args := m.distributionArgsGraph(x, resolver, outWidth, sampleParamsGraph(ctx, g, x.Shape().Dim(0)))
		if len(m.params) > 0 && klWeight > 0 {
			train.AddLoss(ctx, graph.MulScalar(klDivergenceGraph(ctx, g, m.params), klWeight))
		}
		return append([]*graph.Node{m.family.mean(args)}, args...)
	}
}

// logLossGraph returns the negative log-likelihood of each example, summed over the output dimensions.
func (m *Model) logLossGraph(labels *graph.Node, args []*graph.Node) *graph.Node {
	return graph.ReduceSum(m.family.nll(labels, args), 1)
}

// lossFn is the mean log-loss, the train.LossFn.
func (m *Model) lossFn(labels, predictions []*graph.Node) *graph.Node {
	return graph.ReduceAllMean(m.logLossGraph(labels[0], predictions[1:]))
}

// computeLossTerms evaluates the loss terms for the last batch of the fit.
func (m *Model) computeLossTerms(state *FitState, klWeight float64) error {
	numExamples := state.NumExamples()
	lastStart := ((numExamples - 1) / state.BatchSize) * state.BatchSize
	perm := state.Permutation
	if len(perm) != numExamples {
		perm = make([]int, numExamples)
		for ii := range perm {
			perm[ii] = ii
		}
	}
	indices := perm[lastStart:]
	exec := context.NewExec(state.ctx, "loss_terms", func(ctx *context.Context, g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		x, y := inputs[0], inputs[1]
		args := m.distributionArgsGraph(x, state.resolver, state.outWidth, sampleParamsGraph(ctx, g, x.Shape().Dim(0)))
		logLoss := m.logLossGraph(y, args)
		kl := graph.Scalar(g, 0)
		if len(m.params) > 0 {
			kl = klDivergenceGraph(ctx, g, m.params)
		}
		return []*graph.Node{logLoss, graph.ReduceAllMean(logLoss), kl}
	})
	defer exec.Finalize()
	outputs, err := exec.Exec(state.X.GatherRows(indices), state.Y.GatherRows(indices))
	if err != nil {
		return errors.WithMessage(err, "Fit: computing the loss terms")
	}
	state.LogLoss = outputs[0].Flat()
	state.MeanLogLoss = outputs[1].Value().(float64)
	state.KLLoss = outputs[2].Value().(float64)
	state.Loss = state.MeanLogLoss + klWeight*state.KLLoss
	return nil
}

// snapshotPosterior copies the location and scale of every parameter posterior, for host sampling.
func (s *FitState) snapshotPosterior() {
	s.locs = make([][]float64, len(s.params))
	s.scales = make([][]float64, len(s.params))
	for ii, p := range s.params {
		locVar, rawScaleVar := paramVariables(s.ctx, p)
		s.locs[ii] = slices.Clone(locVar.Value().Flat())
		raw := rawScaleVar.Value().Flat()
		s.scales[ii] = make([]float64, len(raw))
		for jj, v := range raw {
			s.scales[ii][jj] = softplus(v)
		}
	}
}
