// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array of float64.
//
// Tensors are the inputs and outputs of the computation graphs (see package graph), the values
// of the variables stored in a context (see package context) and the batches yielded by datasets.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromScalar(value): a scalar tensor.
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the given
//     dimensions, using the flat (row-major) data given.
//   - FromSlice and From2D: generic conversion from slices of any Go number.
//   - FromMatrix(m mat.Matrix): a rank-2 tensor with a copy of a gonum matrix.
//   - FromAnyValue(value any): dynamic conversion of any of the above.
//
// Tensors are not safe for concurrent mutation, but concurrent reads are fine.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/shapes"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

// Number is the set of Go types that can be converted to a Tensor.
type Number interface {
	constraints.Integer | constraints.Float
}

// Tensor is a multidimensional array of float64 in row-major layout.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// FromShape creates a tensor with the given shape, filled with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.IsFullyKnown() {
		panic(errors.Errorf("tensors.FromShape(%s): shape has unknown dimensions", shape))
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// FromScalar returns a scalar tensor with the given value.
func FromScalar[T Number](value T) *Tensor {
	return &Tensor{flat: []float64{float64(value)}}
}

// FromScalarAndDimensions creates a Tensor with the given dimensions filled with the value given.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dimensions...))
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions that uses `data` as its storage.
// The data is not copied.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if shape.Size() != len(data) {
		panic(errors.Errorf("FromFlatDataAndDimensions(): data has %d elements, but dimensions %v require %d",
			len(data), dimensions, shape.Size()))
	}
	return &Tensor{shape: shape, flat: data}
}

// FromSlice converts a slice of numbers into a rank-1 tensor.
func FromSlice[T Number](data []T) *Tensor {
	flat := make([]float64, len(data))
	for ii, v := range data {
		flat[ii] = float64(v)
	}
	return &Tensor{shape: shapes.Make(len(data)), flat: flat}
}

// From2D converts a slice of rows into a rank-2 tensor. All rows must have the same length.
func From2D[T Number](rows [][]T) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("tensors.From2D: no rows given")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, errors.New("tensors.From2D: rows are empty")
	}
	flat := make([]float64, 0, len(rows)*width)
	for rowIdx, row := range rows {
		if len(row) != width {
			return nil, shapes.Errorf("tensors.From2D", "row %d has %d elements, but row 0 has %d", rowIdx, len(row), width)
		}
		for _, v := range row {
			flat = append(flat, float64(v))
		}
	}
	return &Tensor{shape: shapes.Make(len(rows), width), flat: flat}, nil
}

// From3D converts a slice of slice of rows into a rank-3 tensor. It must be regular.
func From3D[T Number](values [][][]T) (*Tensor, error) {
	if len(values) == 0 {
		return nil, errors.New("tensors.From3D: no values given")
	}
	var flat []float64
	var dims []int
	for ii, rows := range values {
		t, err := From2D(rows)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensors.From3D: element %d", ii)
		}
		if dims == nil {
			dims = t.shape.Dimensions
		} else if !slices.Equal(dims, t.shape.Dimensions) {
			return nil, shapes.NewError("tensors.From3D", fmt.Sprintf("element %d is irregular", ii), shapes.Make(dims...), t.shape)
		}
		flat = append(flat, t.flat...)
	}
	return FromFlatDataAndDimensions(flat, len(values), dims[0], dims[1]), nil
}

// FromMatrix returns a rank-2 tensor with a copy of the contents of the gonum matrix.
func FromMatrix(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	t := FromShape(shapes.Make(rows, cols))
	for row := range rows {
		for col := range cols {
			t.flat[row*cols+col] = m.At(row, col)
		}
	}
	return t
}

// Convert converts the value to a Tensor. Accepted values are Go numbers, slices of them
// (up to rank 3), gonum matrices and vectors, and a *Tensor (returned as is).
func Convert(value any) (*Tensor, error) {
	switch v := value.(type) {
	case *Tensor:
		return v, nil
	case float64:
		return FromScalar(v), nil
	case float32:
		return FromScalar(v), nil
	case int:
		return FromScalar(v), nil
	case int64:
		return FromScalar(v), nil
	case []float64:
		return fromNonEmptySlice(v)
	case []float32:
		return fromNonEmptySlice(v)
	case []int:
		return fromNonEmptySlice(v)
	case []int64:
		return fromNonEmptySlice(v)
	case [][]float64:
		return From2D(v)
	case [][]float32:
		return From2D(v)
	case [][]int:
		return From2D(v)
	case [][][]float64:
		return From3D(v)
	case *mat.VecDense:
		return FromSlice(mat.Col(nil, 0, v)), nil
	case mat.Matrix:
		return FromMatrix(v), nil
	case nil:
		return nil, errors.New("tensors.Convert: nil value")
	}
	return nil, errors.Errorf("tensors.Convert: unsupported value type %T", value)
}

func fromNonEmptySlice[T Number](data []T) (*Tensor, error) {
	if len(data) == 0 {
		return nil, errors.New("tensors.Convert: empty slice")
	}
	return FromSlice(data), nil
}

// FromAnyValue is like Convert, but it panics on error.
func FromAnyValue(value any) *Tensor {
	t, err := Convert(value)
	if err != nil {
		panic(err)
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying flat data. It is shared with the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Reshape returns a tensor sharing the data with the new dimensions.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	return FromFlatDataAndDimensions(t.flat, dimensions...)
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.flat[t.offset(indices)]
}

// Set the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.flat[t.offset(indices)] = value
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != t.Rank() {
		panic(errors.Errorf("tensor of shape %s indexed with %d indices", t.shape, len(indices)))
	}
	offset := 0
	for axis, idx := range indices {
		dim := t.shape.Dimensions[axis]
		if idx < 0 || idx >= dim {
			panic(errors.Errorf("index %d out of range for axis %d of tensor of shape %s", idx, axis, t.shape))
		}
		offset = offset*dim + idx
	}
	return offset
}

// Value returns the tensor as a Go value: float64 for scalars, []float64 for rank-1,
// [][]float64 for rank-2 and [][][]float64 for rank-3.
func (t *Tensor) Value() any {
	switch t.Rank() {
	case 0:
		return t.flat[0]
	case 1:
		return slices.Clone(t.flat)
	case 2:
		rows, cols := t.shape.Dimensions[0], t.shape.Dimensions[1]
		value := make([][]float64, rows)
		for row := range rows {
			value[row] = slices.Clone(t.flat[row*cols : (row+1)*cols])
		}
		return value
	case 3:
		d0, d1, d2 := t.shape.Dimensions[0], t.shape.Dimensions[1], t.shape.Dimensions[2]
		value := make([][][]float64, d0)
		for ii := range d0 {
			value[ii] = make([][]float64, d1)
			for jj := range d1 {
				start := (ii*d1 + jj) * d2
				value[ii][jj] = slices.Clone(t.flat[start : start+d2])
			}
		}
		return value
	}
	panic(errors.Errorf("Tensor.Value() not supported for rank %d", t.Rank()))
}

// ToMatrix returns a copy of the tensor as a gonum matrix. Scalars become a 1x1 matrix,
// and rank-1 tensors a column.
func (t *Tensor) ToMatrix() *mat.Dense {
	switch t.Rank() {
	case 0:
		return mat.NewDense(1, 1, slices.Clone(t.flat))
	case 1:
		return mat.NewDense(len(t.flat), 1, slices.Clone(t.flat))
	case 2:
		return mat.NewDense(t.shape.Dimensions[0], t.shape.Dimensions[1], slices.Clone(t.flat))
	}
	panic(errors.Errorf("Tensor.ToMatrix() requires rank <= 2, got shape %s", t.shape))
}

// GatherRows returns a new tensor with the given indices of the first axis.
func (t *Tensor) GatherRows(indices []int) *Tensor {
	if t.Rank() == 0 {
		panic(errors.New("Tensor.GatherRows() on a scalar"))
	}
	rowSize := t.Size() / t.shape.Dimensions[0]
	dims := slices.Clone(t.shape.Dimensions)
	dims[0] = len(indices)
	flat := make([]float64, 0, len(indices)*rowSize)
	for _, idx := range indices {
		flat = append(flat, t.flat[idx*rowSize:(idx+1)*rowSize]...)
	}
	return FromFlatDataAndDimensions(flat, dims...)
}

// Equal returns whether both tensors have the same shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.shape.Equal(other.shape) && slices.Equal(t.flat, other.flat)
}

// InDelta returns whether both tensors have the same shape and values within delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.flat {
		diff := v - other.flat[ii]
		if diff > delta || diff < -delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: ", t.shape)
	if t.Size() <= 32 {
		fmt.Fprintf(&sb, "%v", t.Value())
	} else {
		fmt.Fprintf(&sb, "%v ...", t.flat[:32])
	}
	return sb.String()
}
