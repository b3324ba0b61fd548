/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package train

import "github.com/gomlx/dynbatch/pkg/ml/data"

// Dataset provides the data for a training Loop, one batch at a time.
//
// The Dataset interface allows for extensions by defining extra optional interfaces that a Dataset
// can implement. See HasShortName and Stateful.
type Dataset interface {
	// Name identifies the dataset. Used for logging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance to start a new epoch.
	//
	// For a LoopedDataset it starts a new nominal epoch, without touching the underlying stream.
	Reset()

	// Yield one batch or an error.
	//
	// The batch ownership is transferred to the caller.
	//
	// If the error is `io.EOF` the training terminates normally, as it indicates the end of the data
	// (or of the epoch). Any other errors should interrupt the training and be returned to the user.
	//
	// If using Loop.RunSteps for training having an infinite dataset stream is ok. But careful
	// not to use Loop.RunEpochs on a dataset that never returns io.EOF: wrap it with Looped first.
	Yield() (*data.Batch, error)
}

// HasShortName allows a dataset to specify a short name (used when displaying progress).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// Stateful is implemented by datasets that track resumable step counters, like LoopedDataset.
// The Loop uses it to continue counting steps from a restored state.
type Stateful interface {
	State() State
	Restore(State) error
}
