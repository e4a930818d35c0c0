// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/probflow/probflow/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCSV writes a CSV with columns a, b, target = 2a - b + 1 and label = (target > 1).
func writeCSV(t *testing.T) string {
	lines := []string{"a,b,target,label"}
	for ii := range 30 {
		a, b := float64(ii%5)/4, float64(ii%3)/2
		target := 2*a - b + 1
		label := 0
		if target > 1 {
			label = 1
		}
		lines = append(lines, fmt.Sprintf("%g,%g,%g,%d", a, b, target, label))
	}
	path := filepath.Join(t.TempDir(), "data.csv")
	must.M(os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestFitCommand(t *testing.T) {
	csvPath := writeCSV(t)
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "history.jsonl")
	posteriorPath := filepath.Join(dir, "posterior.png")
	calibrationPath := filepath.Join(dir, "calibration.png")

	out, err := execute("fit", "--data="+csvPath, "--x=a,b", "--y=target", "--epochs=3", "--batch-size=10",
		"--seed=1", "--metrics=mse", "--samples=50", "--set=adam_beta1=0.8",
		"--history="+historyPath, "--posterior-plot="+posteriorPath, "--calibration-plot="+calibrationPath)
	require.NoError(t, err)
	assert.Contains(t, out, "linear_weight")
	assert.Contains(t, out, "scale")
	assert.Contains(t, out, "30 examples")
	assert.Contains(t, out, "Metrics after 3 epochs")

	points, err := plots.LoadPoints(historyPath)
	require.NoError(t, err)
	assert.Len(t, points, 2*3)
	for _, path := range []string{posteriorPath, calibrationPath} {
		_, err = os.Stat(path)
		require.NoError(t, err)
	}

	out, err = execute("fit", "--data="+csvPath, "--x=a,b", "--y=label", "--family=bernoulli", "--units=4,1",
		"--epochs=2", "--batch-size=10")
	require.NoError(t, err)
	assert.Contains(t, out, "Bernoulli")
}

func TestFitCommandErrors(t *testing.T) {
	csvPath := writeCSV(t)
	_, err := execute("fit", "--x=a", "--y=target")
	require.ErrorContains(t, err, "--data")
	_, err = execute("fit", "--data="+csvPath, "--y=target")
	require.ErrorContains(t, err, "--x")
	_, err = execute("fit", "--data="+csvPath, "--x=a", "--y=target", "--family=gamma")
	require.ErrorContains(t, err, "gamma")
	_, err = execute("fit", "--data="+csvPath, "--x=a", "--y=target", "--set=unknown=1")
	require.Error(t, err)
	_, err = execute("fit", "--data="+csvPath, "--x=missing", "--y=target", "--epochs=1")
	require.ErrorContains(t, err, "missing")
	_, err = execute("fit", "--data="+csvPath, "--x=a", "--y=target", "--units=0")
	require.Error(t, err)
}

func TestFitOptionsFromConfig(t *testing.T) {
	csvPath := writeCSV(t)
	configPath := filepath.Join(t.TempDir(), "fit.yaml")
	config := fmt.Sprintf(`
data: %s
x: [a, b]
y: [target]
epochs: 50
batch_size: 15
optimizer: rmsprop
hyperparameters:
  clip_step_by_value: 0.5
`, csvPath)
	must.M(os.WriteFile(configPath, []byte(config), 0o644))

	opts := defaultFitOptions()
	require.NoError(t, loadFitOptions(configPath, opts))
	assert.Equal(t, csvPath, opts.Data)
	assert.Equal(t, []string{"a", "b"}, opts.X)
	assert.Equal(t, 50, opts.Epochs)
	assert.Equal(t, 15, opts.BatchSize)
	assert.Equal(t, "normal", opts.Family)
	assert.Equal(t, 0.5, opts.Hyperparameters["clip_step_by_value"])
	require.NoError(t, opts.validate())

	// Flags given explicitly take precedence over the file.
	out, err := execute("fit", "--config="+configPath, "--epochs=2")
	require.NoError(t, err)
	assert.Contains(t, out, "Metrics after 2 epochs")

	require.Error(t, loadFitOptions(filepath.Join(t.TempDir(), "missing.yaml"), opts))
}

func TestBuildModel(t *testing.T) {
	for _, family := range []string{"normal", "Bernoulli", "poisson"} {
		m, err := buildModel(family, nil)
		require.NoError(t, err, family)
		assert.True(t, strings.EqualFold(family, m.Family()))
		m, err = buildModel(family, []int{3, 1})
		require.NoError(t, err, family)
		assert.NotEmpty(t, m.Parameters())
	}
	_, err := buildModel("gamma", nil)
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
