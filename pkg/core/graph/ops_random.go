// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/probflow/probflow/pkg/core/shapes"
)

// RandomNormal generates random numbers from a normal distribution, with mean 0.0
// and standard deviation 1.0.
//
// The random numbers are drawn at execution time from the random number generator given to
// Graph.Run (or held by the Exec), so each execution yields new values.
// Random nodes don't back-propagate gradients.
func RandomNormal(g *Graph, shape shapes.Shape) *Node {
	return randomNode(g, NodeTypeRandomNormal, shape)
}

// RandomUniform generates random uniform values in the range [0, 1).
func RandomUniform(g *Graph, shape shapes.Shape) *Node {
	return randomNode(g, NodeTypeRandomUniform, shape)
}

// RandomSign generates random values of -1 or +1, with equal probability.
// It's used to decorrelate weight perturbations across examples of a batch (Flipout).
func RandomSign(g *Graph, shape shapes.Shape) *Node {
	return randomNode(g, NodeTypeRandomSign, shape)
}

func randomNode(g *Graph, nodeType NodeType, shape shapes.Shape) *Node {
	if !shape.IsFullyKnown() {
		panic(shapes.NewError(nodeType.String(), "random values require a fully known shape", shape))
	}
	node := g.newNode(nodeType, shape.Clone())
	node.stopGradient = true
	return node
}
