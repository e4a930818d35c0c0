// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Normalization calculates the normalization parameters mean and stddev of each column of the
// (N, D) table.
//
// These values can later be used with Standardize. Notice for any column that happens to be constant,
// the stddev will be 0.
func Normalization(table *tensors.Tensor) (mean, stddev []float64, err error) {
	if table.Rank() != 2 {
		return nil, nil, errors.Errorf("Normalization requires a (N, D) table, got shape %s", table.Shape())
	}
	m := table.ToMatrix()
	numCols := table.Shape().Dim(1)
	mean = make([]float64, numCols)
	stddev = make([]float64, numCols)
	for col := range numCols {
		values := mat.Col(nil, col, m)
		mean[col], stddev[col] = stat.PopMeanStdDev(values, nil)
	}
	return
}

// ReplaceZerosByOnes replaces any zero values in x by one, in place, and returns x.
// This is useful if normalizing a value with a standard deviation that has zeros.
func ReplaceZerosByOnes(x []float64) []float64 {
	for ii, v := range x {
		if v == 0 {
			x[ii] = 1
		}
	}
	return x
}

// Standardize returns a new table with (x - mean) / stddev applied to each column. Zero stddev values are
// treated as one.
func Standardize(table *tensors.Tensor, mean, stddev []float64) (*tensors.Tensor, error) {
	if table.Rank() != 2 || table.Shape().Dim(1) != len(mean) || len(mean) != len(stddev) {
		return nil, errors.Errorf("Standardize: table shape %s incompatible with %d means and %d stddevs",
			table.Shape(), len(mean), len(stddev))
	}
	numCols := len(mean)
	result := table.Clone()
	flat := result.Flat()
	for ii := range flat {
		col := ii % numCols
		scale := stddev[col]
		if scale == 0 {
			scale = 1
		}
		flat[ii] = (flat[ii] - mean[col]) / scale
	}
	return result, nil
}
