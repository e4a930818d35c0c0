// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestToTable(t *testing.T) {
	table, err := ToTable([]float64{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, table.Shape().Dimensions)

	table, err = ToTable(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, table.Value())

	table, err = ToTable(tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, table.Shape().Dimensions)

	for _, bad := range []any{nil, 1.0, []float64{}, "x", [][][]float64{{{1}}}, map[string]int{}} {
		_, err = ToTable(bad, nil)
		assert.Error(t, err, "value %#v", bad)
	}
}

func TestToTableFromDataFrame(t *testing.T) {
	df := dataframe.New(
		series.New([]float64{1, 2, 3}, series.Float, "a"),
		series.New([]int{10, 20, 30}, series.Int, "b"),
		series.New([]string{"x", "y", "z"}, series.String, "s"),
	)
	table, err := ToTable("b", &df)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{10}, {20}, {30}}, table.Value())

	table, err = ToTable([]string{"b", "a"}, &df)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{10, 1}, {20, 2}, {30, 3}}, table.Value())

	table, err = ToTable(df.Col("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, table.Shape().Dimensions)

	_, err = ToTable("missing", &df)
	require.ErrorContains(t, err, "unknown column")
	_, err = ToTable("s", &df)
	require.ErrorContains(t, err, "non-numeric")
	_, err = ToTable(df, nil)
	require.Error(t, err, "column s is not numeric")
	_, err = ToTable(df.Select([]string{"a", "b"}), nil)
	require.NoError(t, err)
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	content := strings.Join([]string{"x,y", "1,2.5", "2,4.5", "3,6.5"}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	df, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, 3, df.Nrow())
	table, err := ToTable([]string{"x", "y"}, &df)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2.5}, {2, 4.5}, {3, 6.5}}, table.Value())

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestNormalization(t *testing.T) {
	table := tensors.FromFlatDataAndDimensions([]float64{1, 5, 3, 5}, 2, 2)
	mean, stddev, err := Normalization(table)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 5}, mean, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 0}, stddev, 1e-12)

	standardized, err := Standardize(table, mean, stddev)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-1, 0, 1, 0}, standardized.Flat(), 1e-12)
	assert.Equal(t, []float64{1, 5, 3, 5}, table.Flat(), "original is not modified")

	assert.Equal(t, []float64{1, 2, 1}, ReplaceZerosByOnes([]float64{0, 2, 0}))
	_, err = Standardize(table, mean[:1], stddev)
	require.Error(t, err)
}
