// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrSourceExhausted is returned by LoopedDataset.Yield when the underlying dataset returns io.EOF
// in the middle of a nominal epoch. It is distinct from io.EOF, which marks the epoch boundary.
var ErrSourceExhausted = errors.New("underlying dataset exhausted in the middle of a nominal epoch")

// State holds the resumable step counters of a LoopedDataset.
//
// Between yields 0 <= EpochStep < N, and GlobalStep = completedEpochs*N + EpochStep.
type State struct {
	// GlobalStep counts every batch yielded, across epochs and restarts.
	GlobalStep int64 `json:"global_step"`

	// EpochStep counts the batches yielded in the current nominal epoch.
	EpochStep int64 `json:"epoch_step"`
}

// String implements fmt.Stringer.
func (s State) String() string {
	return fmt.Sprintf("State(global_step=%d, epoch_step=%d)", s.GlobalStep, s.EpochStep)
}

// LoopedDataset imposes a nominal epoch of a fixed number of batches on top of a (typically infinite)
// stream of batches.
//
// After the N-th batch of an epoch, the next Yield returns io.EOF without pulling from the underlying
// stream, and the epoch counter restarts. The underlying dataset is never reset, rewound or recreated:
// the next epoch simply continues the stream where the previous one stopped, so it works the
// same over a repeated finite source or a genuinely infinite one.
//
// Restoring the step counters (Restore) doesn't reposition the underlying stream.
//
// It is safe for concurrent use: the counters are updated atomically with the underlying Yield.
type LoopedDataset struct {
	ds                 Dataset
	nominalEpochLength int64

	mu                    sync.Mutex
	globalStep, epochStep int64
	boundaryPending       bool
}

// Looped wraps ds with a nominal epoch of nominalEpochLength batches.
func Looped(ds Dataset, nominalEpochLength int) (*LoopedDataset, error) {
	if nominalEpochLength <= 0 {
		return nil, errors.Errorf("Looped(%q): nominal epoch length must be > 0, got %d", ds.Name(), nominalEpochLength)
	}
	return &LoopedDataset{ds: ds, nominalEpochLength: int64(nominalEpochLength)}, nil
}

// Name implements Dataset.
func (l *LoopedDataset) Name() string {
	return fmt.Sprintf("%s [Looped %d]", l.ds.Name(), l.nominalEpochLength)
}

// ShortName implements HasShortName.
func (l *LoopedDataset) ShortName() string {
	if sn, ok := l.ds.(HasShortName); ok {
		return sn.ShortName()
	}
	name := l.ds.Name()
	if len(name) > 3 {
		return name[:3]
	}
	return name
}

// NominalEpochLength returns N, the number of batches per nominal epoch.
func (l *LoopedDataset) NominalEpochLength() int { return int(l.nominalEpochLength) }

// Yield implements Dataset.
//
// It returns io.EOF at the end of every nominal epoch, and ErrSourceExhausted (wrapped) if the
// underlying dataset ends before that.
func (l *LoopedDataset) Yield() (*data.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.boundaryPending {
		l.boundaryPending = false
		return nil, io.EOF
	}
	batch, err := l.ds.Yield()
	if err == io.EOF {
		return nil, errors.Wrapf(ErrSourceExhausted, "%s: at step %d of %d of the epoch (global step %d)",
			l.ds.Name(), l.epochStep, l.nominalEpochLength, l.globalStep)
	}
	if err != nil {
		return nil, err
	}
	l.globalStep++
	l.epochStep++
	if l.epochStep == l.nominalEpochLength {
		l.epochStep = 0
		l.boundaryPending = true
		klog.V(1).Infof("%s: finished nominal epoch %d (global step %d)", l.Name(), l.globalStep/l.nominalEpochLength, l.globalStep)
	}
	return batch, nil
}

// Reset implements Dataset. It starts a new nominal epoch, without touching the underlying stream.
func (l *LoopedDataset) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epochStep != 0 {
		klog.V(1).Infof("%s: Reset in the middle of an epoch, dropping %d epoch steps", l.Name(), l.epochStep)
	}
	l.epochStep = 0
	l.boundaryPending = false
}

// State returns a snapshot of the step counters. It implements Stateful.
func (l *LoopedDataset) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{GlobalStep: l.globalStep, EpochStep: l.epochStep}
}

// Restore sets the step counters, for instance from a checkpoint. It implements Stateful.
//
// It does not reposition the underlying stream: the data after a restore is whatever the stream
// yields next.
func (l *LoopedDataset) Restore(state State) error {
	if state.EpochStep < 0 || state.EpochStep >= l.nominalEpochLength {
		return errors.Errorf("%s: invalid epoch step %d for a nominal epoch of %d", l.Name(), state.EpochStep, l.nominalEpochLength)
	}
	if state.GlobalStep < state.EpochStep {
		return errors.Errorf("%s: invalid %s, global step must be >= epoch step", l.Name(), state)
	}
	if (state.GlobalStep-state.EpochStep)%l.nominalEpochLength != 0 {
		klog.Warningf("%s: restored %s is not aligned to the nominal epoch length %d (was it changed?)",
			l.Name(), state, l.nominalEpochLength)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalStep = state.GlobalStep
	l.epochStep = state.EpochStep
	l.boundaryPending = false
	return nil
}

// Epoch returns the number of completed nominal epochs.
func (l *LoopedDataset) Epoch() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (l.globalStep - l.epochStep) / l.nominalEpochLength
}

// Compile time check that LoopedDataset implements Dataset and Stateful.
var (
	_ Dataset  = (*LoopedDataset)(nil)
	_ Stateful = (*LoopedDataset)(nil)
)
