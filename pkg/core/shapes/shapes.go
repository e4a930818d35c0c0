// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and the broadcasting rules used by the computation graph
// and by the model declaration DSL.
//
// All values in ProbFlow are float64, so a Shape is only its dimensions.
//
// A dimension may be UnknownDim (-1) while a model is being declared: the batch axis
// and the width of the input data are only known once the model is fit. Unknown
// dimensions are wildcards for the broadcasting rules, and they are resolved to
// concrete values when the computation graph is built.
//
// Example: a batch of 10 rows with 3 features:
//
//	shape := shapes.Make(10, 3)
//	fmt.Println(shape.Rank(), shape.Size()) // 2 30
package shapes

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// UnknownDim marks a dimension that is only known when the graph is built.
const UnknownDim = -1

// Shape represents the shape of a tensor or the expected shape of a graph node.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape with the given dimensions. No dimensions means a scalar.
func Make(dimensions ...int) Shape {
	for _, dim := range dimensions {
		if dim <= 0 && dim != UnknownDim {
			panic(errors.Errorf("shapes.Make(%v): cannot create a shape with an axis with dimension %d",
				dimensions, dim))
		}
	}
	return Shape{Dimensions: slices.Clone(dimensions)}
}

// Scalar returns the shape of a scalar (rank 0).
func Scalar() Shape { return Shape{} }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[AdjustAxis(axis, s.Rank())]
}

// IsFullyKnown returns whether none of the dimensions is UnknownDim.
func (s Shape) IsFullyKnown() bool {
	return !slices.Contains(s.Dimensions, UnknownDim)
}

// Size returns the number of elements for this shape. It's the product of all dimensions.
// It returns UnknownDim if any of the dimensions is not known.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		if dim == UnknownDim {
			return UnknownDim
		}
		size *= dim
	}
	return size
}

// Equal compares two shapes for equality.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return "(scalar)"
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout.
//
// Notice the strides are in number of elements, not bytes.
func (s Shape) Strides() []int {
	rank := s.Rank()
	strides := make([]int, rank)
	current := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = current
		current *= s.Dimensions[axis]
	}
	return strides
}

// Iter iterates sequentially over all indices of the shape, yielding the flat index
// and the multi-dimensional index.
//
// The yielded slice is owned by the iterator: don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		size := s.Size()
		if size <= 0 {
			return
		}
		indices := make([]int, s.Rank())
		for flat := 0; flat < size; flat++ {
			if !yield(flat, indices) {
				return
			}
			for axis := len(indices) - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}

// AdjustAxis returns the positive axis to the operand shapes, adjusting in case the axis given is negative.
//
// It panics if axis given is out of range.
func AdjustAxis(axis, rank int) int {
	adjustedAxis := axis
	if axis < 0 {
		adjustedAxis = rank + axis
	}
	if adjustedAxis < 0 || adjustedAxis >= rank {
		panic(errors.Errorf("invalid axis %d, for rank %d", axis, rank))
	}
	return adjustedAxis
}

// Broadcast returns the shape resulting from combining the operands elementwise with
// numpy-style broadcasting: shapes are aligned on their trailing axes, and an axis of
// dimension 1 is broadcast to the dimension of the other operands.
//
// UnknownDim is compatible with any dimension. It returns a *ShapeError naming `op`
// if the shapes cannot be combined.
func Broadcast(op string, operands ...Shape) (Shape, error) {
	rank := 0
	for _, s := range operands {
		rank = max(rank, s.Rank())
	}
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	for _, s := range operands {
		offset := rank - s.Rank()
		for axis, dim := range s.Dimensions {
			current := dims[offset+axis]
			switch {
			case dim == current, dim == 1:
				// Nothing changes.
			case current == 1:
				dims[offset+axis] = dim
			case dim == UnknownDim:
				// Keeps the known dimension.
			case current == UnknownDim:
				dims[offset+axis] = dim
			default:
				return Shape{}, NewError(op,
					fmt.Sprintf("dimension %d of axis %d cannot be broadcast with dimension %d", dim, offset+axis, current),
					operands...)
			}
		}
	}
	return Shape{Dimensions: dims}, nil
}

// ReducedAxes returns the axes of `to` that were broadcast to reach the shape `from`. Both
// are aligned by their trailing axes, and extra leading axes of `from` are included.
//
// It's used to sum back the gradient of a broadcast operand.
func ReducedAxes(from, to Shape) (axes []int) {
	offset := from.Rank() - to.Rank()
	for axis := range from.Rank() {
		if axis < offset {
			axes = append(axes, axis)
			continue
		}
		if to.Dimensions[axis-offset] == 1 && from.Dimensions[axis] != 1 {
			axes = append(axes, axis)
		}
	}
	return
}
