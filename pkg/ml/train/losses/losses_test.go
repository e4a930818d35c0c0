// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"testing"

	. "github.com/probflow/probflow/pkg/core/graph"
	"github.com/probflow/probflow/pkg/core/graph/graphtest"
)

func TestMeanSquaredError(t *testing.T) {
	graphtest.RunTestGraphFn(t, "MeanSquaredError", func(g *Graph) (inputs, outputs []*Node) {
		labels := Const(g, []float64{1, 2, 3, 4})
		predictions := Const(g, []float64{1, 3, 1, 4})
		weights := Const(g, []float64{1, 1, 0, 0})
		inputs = []*Node{labels, predictions}
		outputs = []*Node{
			MeanSquaredError([]*Node{labels}, []*Node{predictions}),
			MeanSquaredError([]*Node{labels, weights}, []*Node{predictions}),
			MeanAbsoluteError([]*Node{labels}, []*Node{predictions}),
		}
		return
	}, []any{5.0 / 4.0, 0.5, 3.0 / 4.0}, 1e-9)
}

func TestBinaryCrossentropyLogits(t *testing.T) {
	want := (math.Log(2) + math.Log1p(math.Exp(-2)) + math.Log1p(math.Exp(-3))) / 3
	graphtest.RunTestGraphFn(t, "BinaryCrossentropyLogits", func(g *Graph) (inputs, outputs []*Node) {
		labels := Const(g, []float64{1, 1, 0})
		logits := Const(g, []float64{0, 2, -3})
		inputs = []*Node{labels, logits}
		outputs = []*Node{BinaryCrossentropyLogits([]*Node{labels}, []*Node{logits})}
		return
	}, []any{want}, 1e-9)
}
