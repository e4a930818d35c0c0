// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/probflow/probflow/pkg/core/tensors"
)

// Dataset for a train.Trainer provides the data, one batch at a time: a slice of *tensors.Tensor
// for inputs and one for labels.
//
// Dataset has to also provide a Dataset.Name() and a dataset spec, which usually is the same for
// the whole dataset. For a static Dataset that always provides the exact same data type, the spec can simply be nil.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance at the start of a new epoch.
	Reset()

	// Yield one batch or an error.
	// It returns a spec for the dataset, a slice of inputs and a slice of labels tensors
	// (even when there is only one tensor for each of them).
	//
	// If the inputs or labels change shapes during training, it triggers the creation of a new computation
	// graph. The spec is converted to a string and used as a key of the computation graphs as well.
	//
	// If the error is io.EOF the training terminates normally, as it indicates the end of the epoch.
	// Any other errors interrupt the training and are returned to the user.
	Yield() (spec any, inputs, labels []*tensors.Tensor, err error)
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of metric names).
// It defaults to the first 3 letters of the dataset name.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}
