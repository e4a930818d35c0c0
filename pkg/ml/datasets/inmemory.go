// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements train.Dataset for in-memory data.
package datasets

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/core/tensors"
	"github.com/probflow/probflow/pkg/ml/train"
	"k8s.io/klog/v2"
)

// InMemoryDataset represents a Dataset that has been completely read into memory.
//
// It supports batching and shuffling (with and without replacement), and can be duplicated
// (only one copy of the underlying data is used).
type InMemoryDataset struct {
	name      string
	shortName string
	spec      any

	// inputsAndLabelsData contains the full dataset for each of the inputs and labels.
	inputsAndLabelsData []*tensors.Tensor

	// numInputsTensors indicate how many in inputsAndLabelsData are inputs, the remainder are labels.
	numInputsTensors int

	// numExamples indicates the total number of examples.
	numExamples int

	// muSampling serializes the sampling information, all the member variables below.
	muSampling sync.Mutex

	// batchSize to yield. If set to 0 yields one example at a time, without the batch axis.
	batchSize int

	// dropIncompleteBatch, when there are not enough remaining examples in the epoch.
	dropIncompleteBatch bool

	// next record to be sampled. If shuffle is set, this is an index in shuffle.
	// It is set to -1 once the dataset is exhausted.
	next int

	// shuffle holds the current permutation, if Shuffle was selected.
	shuffle []int

	// infinite sets whether to loop indefinitely.
	infinite bool

	rng *rand.Rand
}

var _ train.Dataset = (*InMemoryDataset)(nil)

// InMemoryFromData creates an InMemoryDataset from the static data given: each value is converted to
// a tensor with tensors.Convert, if not a tensor already.
// The first dimension of each element of inputs and labels is the example axis, and must be the same for every
// element.
//
// Example: A dataset with one input tensor and one label tensor. Each with two examples.
//
//	mds, err := InMemoryFromData("test",
//		[]any{[][]float64{{1, 2}, {3, 4}}},
//		[]any{[][]float64{{3}, {7}}})
func InMemoryFromData(name string, inputs []any, labels []any) (mds *InMemoryDataset, err error) {
	mds = &InMemoryDataset{
		rng:                 rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		inputsAndLabelsData: make([]*tensors.Tensor, 0, len(inputs)+len(labels)),
		numInputsTensors:    len(inputs),
	}
	mds.SetName(name)

	errMsgFn := func(ii int) string {
		if ii < mds.numInputsTensors {
			return fmt.Sprintf("parsing inputs[%d]", ii)
		}
		return fmt.Sprintf("parsing labels[%d]", ii-mds.numInputsTensors)
	}
	for ii, value := range append(slices.Clone(inputs), labels...) {
		var valueT *tensors.Tensor
		valueT, err = tensors.Convert(value)
		if err != nil {
			return nil, errors.WithMessage(err, errMsgFn(ii))
		}
		if valueT.Shape().IsScalar() {
			return nil, errors.Errorf("cannot use scalars when %s", errMsgFn(ii))
		}
		if ii == 0 {
			mds.numExamples = valueT.Shape().Dim(0)
		} else if mds.numExamples != valueT.Shape().Dim(0) {
			return nil, errors.Errorf("inputs[0] has %d examples, but got %d examples when %s: all must have the same number",
				mds.numExamples, valueT.Shape().Dim(0), errMsgFn(ii))
		}
		mds.inputsAndLabelsData = append(mds.inputsAndLabelsData, valueT)
	}
	if len(mds.inputsAndLabelsData) == 0 {
		return nil, errors.Errorf("InMemoryFromData(%q): no inputs or labels given", name)
	}
	return mds, nil
}

// NumExamples cached.
func (mds *InMemoryDataset) NumExamples() int { return mds.numExamples }

// Copy returns a copy of the dataset. It uses the same underlying data, but with its own sampling
// configuration and state.
func (mds *InMemoryDataset) Copy() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	return &InMemoryDataset{
		name:                mds.name,
		shortName:           mds.shortName,
		spec:                mds.spec,
		inputsAndLabelsData: mds.inputsAndLabelsData,
		numInputsTensors:    mds.numInputsTensors,
		numExamples:         mds.numExamples,
		batchSize:           mds.batchSize,
		dropIncompleteBatch: mds.dropIncompleteBatch,
		infinite:            mds.infinite,
		rng:                 rand.New(rand.NewPCG(mds.rng.Uint64(), mds.rng.Uint64())),
	}
}

// Name implements train.Dataset.
func (mds *InMemoryDataset) Name() string { return mds.name }

// ShortName implements train.HasShortName.
func (mds *InMemoryDataset) ShortName() string { return mds.shortName }

// SetName sets the name of the dataset and optionally its ShortName, and returns the updated dataset.
func (mds *InMemoryDataset) SetName(name string, shortName ...string) *InMemoryDataset {
	mds.name = name
	if len(shortName) > 0 {
		mds.shortName = shortName[0]
	} else {
		mds.shortName = name[:min(3, len(name))]
	}
	return mds
}

// Reset implements train.Dataset. If the dataset is shuffled, it is reshuffled.
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// indicesNextYield retrieves the indices for the next Yield call.
func (mds *InMemoryDataset) indicesNextYield() (indices []int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.next == -1 {
		return
	}
	n := max(mds.batchSize, 1)
	indices = make([]int, 0, n)
	for mds.next < mds.numExamples && len(indices) < n {
		if len(mds.shuffle) > 0 {
			indices = append(indices, mds.shuffle[mds.next])
		} else {
			indices = append(indices, mds.next)
		}
		mds.next++
	}
	if len(indices) < n && mds.dropIncompleteBatch {
		indices = nil
	}
	if mds.next >= mds.numExamples {
		mds.next = -1
	}
	return
}

// Yield implements train.Dataset.
//
// Returns next batch's inputs and labels, or a single example if BatchSize is set to 0.
func (mds *InMemoryDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	indices := mds.indicesNextYield()
	if len(indices) == 0 {
		if !mds.infinite {
			err = io.EOF
			return
		}
		mds.Reset()
		indices = mds.indicesNextYield()
		if len(indices) == 0 {
			klog.Errorf("InMemoryDataset(%q) configured for infinite loop, but Reset failed to generate new examples", mds.name)
			err = io.EOF
			return
		}
	}

	inputsAndLabels := make([]*tensors.Tensor, len(mds.inputsAndLabelsData))
	err = TryCatch[error](func() {
		for ii, data := range mds.inputsAndLabelsData {
			gathered := data.GatherRows(indices)
			if mds.batchSize == 0 {
				gathered = gathered.Reshape(gathered.Shape().Dimensions[1:]...)
			}
			inputsAndLabels[ii] = gathered
		}
	})
	if err != nil {
		err = errors.WithMessagef(err, "failed gathering examples from %q, indices=%v", mds.name, indices)
		return
	}
	spec = mds.spec
	inputs = inputsAndLabels[:mds.numInputsTensors]
	if len(inputsAndLabels) > mds.numInputsTensors {
		labels = inputsAndLabels[mds.numInputsTensors:]
	}
	return
}

// Shuffle configures the InMemoryDataset to shuffle the order of the data. It returns random elements
// without replacement.
//
// At each call to Reset() it is reshuffled.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.shuffleLocked()
	return mds
}

// shuffleLocked shuffles dataset yield order. It assumes muSampling is locked.
func (mds *InMemoryDataset) shuffleLocked() {
	if mds.shuffle == nil {
		mds.shuffle = make([]int, mds.numExamples)
	}
	for ii := range mds.shuffle {
		mds.shuffle[ii] = ii
	}
	mds.rng.Shuffle(len(mds.shuffle), func(i, j int) {
		mds.shuffle[i], mds.shuffle[j] = mds.shuffle[j], mds.shuffle[i]
	})
}

// Permutation returns a copy of the current order in which examples are yielded, or nil if the dataset
// is not shuffled.
func (mds *InMemoryDataset) Permutation() []int {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	return slices.Clone(mds.shuffle)
}

// BatchSize configures the InMemoryDataset to return batches of the given size. If dropIncompleteBatch is set to true,
// it will simply drop examples if there are not enough to fill a batch: this can only happen on the last
// batch of an epoch. Otherwise, it will return a partially filled batch.
//
// If n is set to 0, it reverts back to yielding one example at a time.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = n
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// WithRand sets the random number generator (RNG) for shuffling or random sampling, for repeatable
// results. If the dataset is shuffled, it is reshuffled immediately.
func (mds *InMemoryDataset) WithRand(rng *rand.Rand) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rng
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
	return mds
}

// WithSpec sets the spec that is returned in Yield.
func (mds *InMemoryDataset) WithSpec(spec any) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.spec = spec
	return mds
}

// Infinite sets whether the dataset should loop indefinitely. The default is false, which
// causes the dataset to go through the data only once before returning io.EOF.
func (mds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.infinite = infinite
	return mds
}
