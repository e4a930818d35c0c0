// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package probflow

import (
	"fmt"

	"github.com/probflow/probflow/pkg/core/shapes"
)

// StateError is returned when a query is made on a model in the wrong state, typically before it was fit.
type StateError struct {
	Op     string
	Reason string
}

// Error implements error.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ShapeError reports incompatible dimensions, either when composing a model or when fitting it
// with malformed data.
type ShapeError = shapes.ShapeError

// InvalidArgumentError is returned for invalid arguments: unknown names of methods, estimators,
// optimizers, metrics or columns, and values out of range.
type InvalidArgumentError struct {
	Op     string
	Reason string
}

// Error implements error.
func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid argument: %s", e.Op, e.Reason)
}

func invalidArgumentf(op, format string, args ...any) *InvalidArgumentError {
	return &InvalidArgumentError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ErrNotFit is the reason of the StateError returned by queries on a model not fit yet.
const ErrNotFit = "model must first be fit"
