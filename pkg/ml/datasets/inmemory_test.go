// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataset(t *testing.T, n int) *InMemoryDataset {
	inputs := make([][]float64, n)
	labels := make([]float64, n)
	for ii := range n {
		inputs[ii] = []float64{float64(ii), float64(10 * ii)}
		labels[ii] = float64(ii)
	}
	mds, err := InMemoryFromData("test", []any{inputs}, []any{labels})
	require.NoError(t, err)
	return mds
}

func TestInMemoryFromData(t *testing.T) {
	mds := newTestDataset(t, 5)
	assert.Equal(t, 5, mds.NumExamples())
	assert.Equal(t, "test", mds.Name())
	assert.Equal(t, "tes", mds.ShortName())

	_, err := InMemoryFromData("bad", []any{[]float64{1, 2, 3}}, []any{[]float64{1, 2}})
	require.Error(t, err)
	_, err = InMemoryFromData("scalar", []any{1.0}, nil)
	require.Error(t, err)
	_, err = InMemoryFromData("unsupported", []any{"abc"}, nil)
	require.Error(t, err)
}

func TestInMemoryBatching(t *testing.T) {
	mds := newTestDataset(t, 5).BatchSize(2, false)
	var sizes []int
	for {
		_, inputs, labels, err := mds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		sizes = append(sizes, inputs[0].Shape().Dim(0))
		assert.Equal(t, []int{inputs[0].Shape().Dim(0), 2}, inputs[0].Shape().Dimensions)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	// Exhausted until Reset.
	_, _, _, err := mds.Yield()
	require.Equal(t, io.EOF, err)
	mds.Reset()
	_, inputs, labels, err := mds.Yield()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0}, {1, 10}}, inputs[0].Value())
	assert.Equal(t, []float64{0, 1}, labels[0].Value())

	// Dropping the incomplete batch.
	mds.Reset()
	mds.BatchSize(2, true)
	count := 0
	for {
		_, _, _, err := mds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestInMemoryShuffle(t *testing.T) {
	mds := newTestDataset(t, 20).BatchSize(20, false).WithRand(rand.New(rand.NewPCG(42, 0))).Shuffle()
	perm := mds.Permutation()
	require.Len(t, perm, 20)
	sorted := slices.Clone(perm)
	slices.Sort(sorted)
	for ii, v := range sorted {
		require.Equal(t, ii, v)
	}

	_, inputs, labels, err := mds.Yield()
	require.NoError(t, err)
	gotLabels := labels[0].Value().([]float64)
	for ii, idx := range perm {
		assert.Equal(t, float64(idx), gotLabels[ii])
		assert.Equal(t, float64(10*idx), inputs[0].At(ii, 1))
	}

	// Reset reshuffles, with overwhelming probability to a different order.
	mds.Reset()
	assert.NotEqual(t, perm, mds.Permutation())

	// Same seed, same order.
	other := newTestDataset(t, 20).WithRand(rand.New(rand.NewPCG(42, 0))).Shuffle()
	assert.Equal(t, perm, other.Permutation())
}

func TestInMemoryInfiniteAndSingleExamples(t *testing.T) {
	mds := newTestDataset(t, 3).Infinite(true)
	for ii := range 7 {
		_, inputs, labels, err := mds.Yield()
		require.NoError(t, err)
		assert.Equal(t, 1, inputs[0].Rank(), "BatchSize(0) yields examples without batch axis")
		assert.Equal(t, 0, labels[0].Rank())
		assert.Equal(t, float64(ii%3), labels[0].Value())
	}
}

func TestInMemoryCopy(t *testing.T) {
	mds := newTestDataset(t, 4).BatchSize(4, false).WithSpec("spec")
	_, _, _, err := mds.Yield()
	require.NoError(t, err)
	cp := mds.Copy()
	spec, inputs, _, err := cp.Yield()
	require.NoError(t, err, "copy starts from the beginning")
	assert.Equal(t, "spec", spec)
	assert.Equal(t, 4, inputs[0].Shape().Dim(0))
}
