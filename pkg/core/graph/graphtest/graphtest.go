// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"testing"

	"github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/shapes"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// TestGraphFn should build its own inputs, and return both inputs and outputs
type TestGraphFn func(g *graph.Graph) (inputs, outputs []*graph.Node)

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// The inputs returned by graphFn are only used for printing: graphFn must build them as constants.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		wantTensors := make([]*tensors.Tensor, len(want))
		for ii, value := range want {
			if s, ok := value.(shapes.Shape); ok {
				wantTensors[ii] = tensors.FromShape(s)
				continue
			}
			wantTensors[ii] = tensors.FromAnyValue(value)
		}

		g := graph.NewGraph(testName)
		inputs, outputs := graphFn(g)
		allOutputs := append(append([]*graph.Node{}, inputs...), outputs...)
		g.Compile(allOutputs...)
		results := g.Run(nil)
		numInputs := len(inputs)

		fmt.Printf("\n%s:\n", testName)
		for ii, input := range results[:numInputs] {
			fmt.Printf("\tInput %d: %s\n", ii, input)
		}
		require.Len(t, results[numInputs:], len(want), "number of outputs doesn't match the number of wanted values")
		for ii, output := range results[numInputs:] {
			fmt.Printf("\tOutput %d: %s\n", ii, output)
			if delta > 0 {
				require.Truef(t, wantTensors[ii].InDelta(output, delta),
					"%s: output #%d doesn't match: want %s, got %s", testName, ii, wantTensors[ii], output)
			} else {
				require.Truef(t, wantTensors[ii].Equal(output),
					"%s: output #%d doesn't match: want %s, got %s", testName, ii, wantTensors[ii], output)
			}
		}
	})
}
