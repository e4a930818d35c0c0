// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package data converts user provided data (Go slices, gonum matrices, gota DataFrames and columns
// of DataFrames) into the dense (N, D) tensors used for training, and provides simple preprocessing.
package data

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/tensors"
)

// ToTable converts value to a dense tensor of shape (N, D), with one row per example.
//
// The value can be:
//
//   - A column name (string) or a list of column names ([]string), resolved against df.
//   - A dataframe.DataFrame (or pointer to one), in which case all its columns are used.
//   - A series.Series, used as a single column.
//   - Anything accepted by tensors.Convert: Go slices of numbers, gonum matrices and vectors or a *tensors.Tensor.
//
// Rank-1 values become a single column (N, 1). Scalars, values of rank > 2, non-numeric columns and empty data
// return an error.
func ToTable(value any, df *dataframe.DataFrame) (*tensors.Tensor, error) {
	var t *tensors.Tensor
	var err error
	switch v := value.(type) {
	case nil:
		return nil, errors.New("no data given")
	case string:
		t, err = columnsFromDataFrame(df, []string{v})
	case []string:
		t, err = columnsFromDataFrame(df, v)
	case dataframe.DataFrame:
		t, err = columnsFromDataFrame(&v, v.Names())
	case *dataframe.DataFrame:
		if v == nil {
			return nil, errors.New("nil DataFrame given")
		}
		t, err = columnsFromDataFrame(v, v.Names())
	case series.Series:
		t, err = fromSeries([]series.Series{v})
	default:
		t, err = tensors.Convert(value)
	}
	if err != nil {
		return nil, err
	}
	switch t.Rank() {
	case 0:
		return nil, errors.Errorf("data must have at least one axis (the examples axis), got a scalar")
	case 1:
		t = t.Reshape(t.Shape().Dim(0), 1)
	case 2:
	default:
		return nil, errors.Errorf("data must be rank 1 or 2, got shape %s", t.Shape())
	}
	return t, nil
}

// columnsFromDataFrame selects the given columns of df.
func columnsFromDataFrame(df *dataframe.DataFrame, names []string) (*tensors.Tensor, error) {
	if df == nil {
		return nil, errors.Errorf("columns %q given, but no DataFrame to resolve them", names)
	}
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "invalid DataFrame")
	}
	if len(names) == 0 {
		return nil, errors.New("no columns selected")
	}
	cols := make([]series.Series, 0, len(names))
	for _, name := range names {
		col := df.Col(name)
		if col.Err != nil {
			return nil, errors.Errorf("unknown column %q, valid columns are %q", name, df.Names())
		}
		cols = append(cols, col)
	}
	return fromSeries(cols)
}

// fromSeries stacks the numeric series as columns of a (N, len(cols)) tensor.
func fromSeries(cols []series.Series) (*tensors.Tensor, error) {
	numRows := cols[0].Len()
	if numRows == 0 {
		return nil, errors.Errorf("column %q is empty", cols[0].Name)
	}
	flat := make([]float64, numRows*len(cols))
	for colIdx, col := range cols {
		switch col.Type() {
		case series.Float, series.Int, series.Bool:
		default:
			return nil, errors.Errorf("column %q has non-numeric type %q", col.Name, col.Type())
		}
		if col.Len() != numRows {
			return nil, errors.Errorf("column %q has %d rows, but column %q has %d", col.Name, col.Len(),
				cols[0].Name, numRows)
		}
		for row, value := range col.Float() {
			flat[row*len(cols)+colIdx] = value
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, numRows, len(cols)), nil
}

// LoadCSV reads a CSV file with a header line into a DataFrame, detecting the column types.
func LoadCSV(path string) (dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open CSV file %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.DetectTypes(true))
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "failed to parse CSV file %q", path)
	}
	return df, nil
}
