// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/probflow"
	"gopkg.in/yaml.v3"
)

// fitOptions configures the fit command. They can be read from a YAML file (--config), and flags
// explicitly given on the command line take precedence.
type fitOptions struct {
	Data         string   `yaml:"data"`
	X            []string `yaml:"x"`
	Y            []string `yaml:"y"`
	Family       string   `yaml:"family"`
	Units        []int    `yaml:"units"`
	Epochs       int      `yaml:"epochs"`
	BatchSize    int      `yaml:"batch_size"`
	Optimizer    string   `yaml:"optimizer"`
	LearningRate float64  `yaml:"learning_rate"`
	KLWeight     float64  `yaml:"kl_weight"`
	Seed         uint64   `yaml:"seed"`
	Metrics      []string `yaml:"metrics"`
	Samples      int      `yaml:"samples"`
	Progress     bool     `yaml:"progress"`

	// Hyperparameters of the optimizer, see probflow.DefaultHyperparameters.
	Hyperparameters map[string]any `yaml:"hyperparameters"`

	// Outputs.
	CalibrationPlot string `yaml:"calibration_plot"`
	PosteriorPlot   string `yaml:"posterior_plot"`
	History         string `yaml:"history"`
}

func defaultFitOptions() *fitOptions {
	return &fitOptions{
		Family:    "normal",
		Epochs:    probflow.DefaultEpochs,
		BatchSize: probflow.DefaultBatchSize,
		Optimizer: probflow.DefaultOptimizer,
		KLWeight:  probflow.DefaultKLWeight,
		Samples:   probflow.DefaultPosteriorSamples,
	}
}

// loadFitOptions reads the options from a YAML file over opts. Fields not in the file keep their values.
func loadFitOptions(path string, opts *fitOptions) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %q", path)
	}
	if err = yaml.Unmarshal(contents, opts); err != nil {
		return errors.Wrapf(err, "failed to parse config file %q", path)
	}
	return nil
}

// validate checks the options required to fit.
func (opts *fitOptions) validate() error {
	if opts.Data == "" {
		return errors.New("a CSV file must be given with --data")
	}
	if len(opts.X) == 0 || len(opts.Y) == 0 {
		return errors.New("the input and observed columns must be given with --x and --y")
	}
	for _, unit := range opts.Units {
		if unit <= 0 {
			return errors.Errorf("invalid --units %v: the number of units of every layer must be positive", opts.Units)
		}
	}
	return nil
}

// buildModel creates the model for the family: a linear model if no units are given, or a fully connected
// network with the given units per layer.
func buildModel(family string, units []int) (*probflow.Model, error) {
	return probflow.TryBuild(func() *probflow.Model {
		switch strings.ToLower(family) {
		case "normal":
			if len(units) == 0 {
				return probflow.LinearRegression(nil)
			}
			return probflow.DenseRegression(nil, units...)
		case "bernoulli":
			if len(units) == 0 {
				return probflow.LogisticRegression(nil)
			}
			return probflow.DenseClassifier(nil, units...)
		case "poisson":
			if len(units) == 0 {
				return probflow.Poisson(probflow.NewDense(1).Name("linear").Apply(probflow.Input()))
			}
			return probflow.Poisson(probflow.DenseNet(probflow.Input(), units...))
		}
		panic(errors.Errorf("unknown --family %q, valid values are \"normal\", \"bernoulli\" and \"poisson\"", family))
	})
}
