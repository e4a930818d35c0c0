// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"strings"
)

// ShapeError reports incompatible dimensions, either when composing an expression,
// building a graph, or when the data given to fit a model is malformed.
type ShapeError struct {
	// Op is the operation that detected the incompatibility.
	Op string

	// Shapes involved, if any.
	Shapes []Shape

	// Reason is a human-readable description.
	Reason string
}

// NewError creates a *ShapeError.
func NewError(op, reason string, operands ...Shape) *ShapeError {
	return &ShapeError{Op: op, Shapes: operands, Reason: reason}
}

// Errorf creates a *ShapeError with a formatted reason.
func Errorf(op, format string, args ...any) *ShapeError {
	return &ShapeError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *ShapeError) Error() string {
	var sb strings.Builder
	sb.WriteString("shape error")
	if e.Op != "" {
		fmt.Fprintf(&sb, " in %s", e.Op)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	if len(e.Shapes) > 0 {
		parts := make([]string, len(e.Shapes))
		for ii, s := range e.Shapes {
			parts[ii] = s.String()
		}
		fmt.Fprintf(&sb, " (shapes %s)", strings.Join(parts, ", "))
	}
	return sb.String()
}
