/*
 *	Copyright 2023 Jan Pfeifer
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

import (
	"io"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// StepFn is the body of the training loop, called once per batch.
type StepFn func(loop *Loop, batch *data.Batch) error

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. It is called after the StepFn, with the same batch.
type OnStepFn func(loop *Loop, batch *data.Batch) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop runs a training loop, invoking the StepFn for every batch and calling the appropriate hooks.
//
// It also converts panics in the StepFn and hooks to normal errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like checkpointing,
// progress bars, batch statistics, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// LoopStep currently being executed.
	//
	// If the dataset implements Stateful (e.g. LoopedDataset), it is initialized from its GlobalStep
	// at the start of each run, so it continues from a restored checkpoint.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (if
	// running till the end of the dataset). When running for multiple epochs (Loop.RunEpochs) it can
	// change during the run (after the first epoch, the value is extrapolated based on how many steps
	// have been run so far).
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during the run.
	TrainStepDurations []time.Duration

	stepFn StepFn

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop that calls stepFn for every batch.
func NewLoop(stepFn StepFn) *Loop {
	return &Loop{
		SharedData: make(map[string]any),
		stepFn:     stepFn,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop, called by all looping methods.
//
// It calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	if stateful, ok := ds.(Stateful); ok {
		loop.LoopStep = int(stateful.State().GlobalStep)
	}
	for hook := range loop.onStart.All() {
		err := tryCatch(func() error { return hook.fn(loop, ds) })
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// tryCatch runs fn, converting a panic into an error.
func tryCatch(fn func() error) error {
	var fnErr error
	err := exceptions.TryCatch[error](func() { fnErr = fn() })
	if err != nil {
		return err
	}
	return fnErr
}

// step of loop, called by all looping methods.
// It calls the StepFn and then the OnStep hooks.
func (loop *Loop) step(batch *data.Batch) error {
	startTime := time.Now()
	if err := tryCatch(func() error { return loop.stepFn(loop, batch) }); err != nil {
		return err
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		err := tryCatch(func() error { return hook.fn(loop, batch) })
		if err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := tryCatch(func() error { return hook.fn(loop) }); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// For a Stateful dataset (like LoopedDataset) the io.EOF marking the end of a nominal epoch is skipped
// over: only two io.EOF in a row mean the dataset is exhausted. Any other dataset returning io.EOF, or
// a LoopedDataset returning ErrSourceExhausted, interrupts the run with an error.
func (loop *Loop) RunSteps(ds Dataset, steps int) error {
	if steps <= 0 {
		return nil
	}
	if err := loop.start(ds); err != nil {
		return err
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	_, isStateful := ds.(Stateful)
	var lastWasEOF bool
	for loop.LoopStep < loop.EndStep {
		batch, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				if isStateful && !lastWasEOF {
					lastWasEOF = true
					continue
				}
				return errors.Errorf(
					"reached Dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a looping Dataset (see Looped), or use Loop.RunEpochs() instead of Loop.RunSteps() ?",
					loop.LoopStep-loop.StartStep, steps)
			}
			return errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		lastWasEOF = false
		if err = loop.step(batch); err != nil {
			return errors.WithMessagef(err, "Loop.RunSteps(%d): failed step (LoopStep=%d)", steps, loop.LoopStep)
		}
		loop.LoopStep++
	}
	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return nil
}

// RunEpochs runs those many epochs. StartStep is adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up
// where it left of last time.
// Loop.Epoch is set to the current running epoch. EndStep starts as -1 and will
// be adjusted to expectation after the first epoch, when one knows how many steps there are
// going to be. For a LoopedDataset it is known from the start.
// Dataset.Reset is called after each epoch (including the last).
func (loop *Loop) RunEpochs(ds Dataset, epochs int) error {
	if err := loop.start(ds); err != nil {
		return err
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	looped, knownEnd := ds.(*LoopedDataset)
	if knownEnd {
		epochStep := int(looped.State().EpochStep)
		if epochStep == 0 {
			// Clears an epoch boundary left pending by a previous run.
			looped.Reset()
		}
		loop.EndStep = loop.LoopStep + looped.NominalEpochLength()*epochs - epochStep
	}
	loop.TrainStepDurations = nil
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			batch, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					if !knownEnd {
						// End of epoch: estimate new last step (loop.EndStep).
						loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					}
					break
				}
				return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			if err = loop.step(batch); err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(%d): failed step (LoopStep=%d)", epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
	}
	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each call to the StepFn.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
