// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/probflow/probflow/pkg/ml/data"
	"github.com/probflow/probflow/pkg/probflow"
	"github.com/probflow/probflow/ui/commandline"
	"github.com/probflow/probflow/ui/plots"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newFitCmd() *cobra.Command {
	opts := defaultFitOptions()
	var configPath string
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a model to the columns of a CSV file and print the summary of its posterior",
		Args:  cobra.NoArgs,
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML file with the options of the fit. Flags given explicitly take precedence.")
	flags.StringVar(&opts.Data, "data", "", "CSV file with a header line.")
	flags.StringSliceVar(&opts.X, "x", nil, "Comma-separated names of the input columns.")
	flags.StringSliceVar(&opts.Y, "y", nil, "Comma-separated names of the observed columns.")
	flags.StringVar(&opts.Family, "family", opts.Family, `Observation distribution: "normal", "bernoulli" or "poisson".`)
	flags.IntSliceVar(&opts.Units, "units", nil, "Units of each layer of a fully connected network. If empty, a linear model is used.")
	flags.IntVar(&opts.Epochs, "epochs", opts.Epochs, "Number of epochs.")
	flags.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "Batch size.")
	flags.StringVar(&opts.Optimizer, "optimizer", opts.Optimizer, "Optimizer: sgd, adam, adamax, adamw or rmsprop.")
	flags.Float64Var(&opts.LearningRate, "learning-rate", 0, "Learning rate. If 0, the default of the optimizer is used.")
	flags.Float64Var(&opts.KLWeight, "kl-weight", opts.KLWeight, "Weight of the KL-divergence in the loss.")
	flags.Uint64Var(&opts.Seed, "seed", 0, "Random seed. If 0, a random seed is used.")
	flags.StringSliceVar(&opts.Metrics, "metrics", nil, "Metrics to collect while fitting: mse, mae or accuracy.")
	flags.IntVar(&opts.Samples, "samples", opts.Samples, "Number of posterior samples used in the summary and plots.")
	flags.BoolVar(&opts.Progress, "progress", false, "Display a progress bar while fitting.")
	flags.StringVar(&opts.CalibrationPlot, "calibration-plot", "", "If set, plot the calibration curve on the training data to this file.")
	flags.StringVar(&opts.PosteriorPlot, "posterior-plot", "", "If set, plot the histograms of the posterior to this file.")
	flags.StringVar(&opts.History, "history", "", "If set, save the metrics of each epoch to this file (JSON lines).")

	hyperparams := context.New()
	hyperparams.SetParams(probflow.DefaultHyperparameters())
	settings := commandline.CreateContextSettingsFlag(hyperparams, flags, "set")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if configPath != "" {
			// Reload the file over the defaults, then re-apply the flags explicitly given.
			fromFile := defaultFitOptions()
			if err := loadFitOptions(configPath, fromFile); err != nil {
				return err
			}
			mergeExplicitFlags(cmd, fromFile, opts)
			opts = fromFile
		}
		hyperparams.SetParams(opts.Hyperparameters)
		paramsSet, err := commandline.ParseContextSettings(hyperparams, *settings)
		if err != nil {
			return err
		}
		if len(paramsSet) > 0 {
			klog.Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(hyperparams, paramsSet))
		}
		return runFit(cmd.OutOrStdout(), opts, commandline.RootParams(hyperparams))
	}
	return cmd
}

// mergeExplicitFlags copies to dst the options whose flags were explicitly given.
func mergeExplicitFlags(cmd *cobra.Command, dst, flagged *fitOptions) {
	flags := cmd.Flags()
	merge := map[string]func(){
		"data":             func() { dst.Data = flagged.Data },
		"x":                func() { dst.X = flagged.X },
		"y":                func() { dst.Y = flagged.Y },
		"family":           func() { dst.Family = flagged.Family },
		"units":            func() { dst.Units = flagged.Units },
		"epochs":           func() { dst.Epochs = flagged.Epochs },
		"batch-size":       func() { dst.BatchSize = flagged.BatchSize },
		"optimizer":        func() { dst.Optimizer = flagged.Optimizer },
		"learning-rate":    func() { dst.LearningRate = flagged.LearningRate },
		"kl-weight":        func() { dst.KLWeight = flagged.KLWeight },
		"seed":             func() { dst.Seed = flagged.Seed },
		"metrics":          func() { dst.Metrics = flagged.Metrics },
		"samples":          func() { dst.Samples = flagged.Samples },
		"progress":         func() { dst.Progress = flagged.Progress },
		"calibration-plot": func() { dst.CalibrationPlot = flagged.CalibrationPlot },
		"posterior-plot":   func() { dst.PosteriorPlot = flagged.PosteriorPlot },
		"history":          func() { dst.History = flagged.History },
	}
	for name, fn := range merge {
		if flags.Changed(name) {
			fn()
		}
	}
}

func runFit(w io.Writer, opts *fitOptions, hyperparameters map[string]any) error {
	if err := opts.validate(); err != nil {
		return err
	}
	df, err := data.LoadCSV(opts.Data)
	if err != nil {
		return err
	}
	model, err := buildModel(opts.Family, opts.Units)
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	cfg := probflow.Fit().
		Data(df).
		Epochs(opts.Epochs).
		BatchSize(opts.BatchSize).
		Optimizer(opts.Optimizer).
		LearningRate(opts.LearningRate).
		KLWeight(opts.KLWeight).
		Metrics(opts.Metrics...).
		ProgressBar(opts.Progress).
		Hyperparameters(hyperparameters)
	if opts.Seed != 0 {
		cfg.Seed(opts.Seed)
	}
	klog.V(1).Infof("Fitting %s on %s rows of %q", model, humanize.Comma(int64(df.Nrow())), opts.Data)
	if err = model.Fit(opts.X, opts.Y, cfg); err != nil {
		return errors.WithMessagef(err, "failed to fit %s", model)
	}
	if err = model.Summary(w); err != nil {
		return err
	}

	state := model.State()
	points := plots.NewPoints(state.HistoryPoints())
	if len(state.History) > 0 {
		last := state.History[len(state.History)-1]
		_, _ = fmt.Fprintf(w, "Metrics after %s epochs:\n%s\n", humanize.Comma(int64(last.Epoch+1)),
			plots.NewPoints(filterStep(points.Extract(), float64(last.Epoch))).String())
	}
	if opts.History != "" {
		if err = plots.SavePoints(opts.History, points.Extract()); err != nil {
			return err
		}
	}
	if opts.PosteriorPlot != "" {
		if err = model.PlotPosterior(opts.PosteriorPlot, opts.Samples); err != nil {
			return err
		}
	}
	if opts.CalibrationPlot != "" {
		if model.Family() == "Poisson" {
			klog.Warningf("Calibration curves are not available for Poisson models, --calibration-plot ignored")
		} else if _, err = model.CalibrationCurve(state.X, state.Y, probflow.Calibration().PlotTo(opts.CalibrationPlot)); err != nil {
			return err
		}
	}
	return nil
}

// filterStep returns the points of the given step.
func filterStep(points []plots.Point, step float64) []plots.Point {
	var filtered []plots.Point
	for _, p := range points {
		if p.Step == step {
			filtered = append(filtered, p)
		}
	}
	return filtered
}
