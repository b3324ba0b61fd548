// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"maps"
	"sync"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/dynbatch/pkg/ml/train"
)

// BatchStats aggregates statistics over a stream of batches: counts, padding and the distribution
// of batch sizes. It is safe for concurrent use.
//
// Use Attach to update it on every step of a train.Loop.
type BatchStats struct {
	mu                              sync.Mutex
	batches, examples               int64
	numel, validNumel               int64
	minSize, maxSize                int
	byReason                        map[data.EmitReason]int64
	byBucket                        map[int]int64
	meanSize, medianSize, meanRatio Interface
	movingNumel                     Interface
}

// Snapshot of BatchStats at some point in time.
type Snapshot struct {
	Batches, Examples int64

	// Numel is the total padded element count, ValidNumel the part of it that is not padding.
	Numel, ValidNumel int64

	// PaddingRatio over all batches: 1 - ValidNumel/Numel.
	PaddingRatio float64

	// MeanPaddingRatio is the mean of the per-batch padding ratios.
	MeanPaddingRatio float64

	MinBatchSize, MaxBatchSize     int
	MeanBatchSize, MedianBatchSize float64
	MovingAverageNumel             float64
	ByReason                       map[data.EmitReason]int64
	ByBucket                       map[int]int64
}

// NewBatchStats creates an empty BatchStats.
func NewBatchStats() *BatchStats {
	s := &BatchStats{
		meanSize:    NewMeanMetric("Mean batch size", "size", BatchSize, nil),
		medianSize:  NewMedianMetric("Median batch size", "med", BatchSize, IntPPrint),
		meanRatio:   NewMeanMetric("Mean padding ratio", "pad", PaddingRatio, PercentagePPrint),
		movingNumel: NewExponentialMovingAverageMetric("Moving average numel", "numel", Numel, IntPPrint, 0.01),
	}
	s.Reset()
	return s
}

// Metrics returns the metrics kept by BatchStats, to be displayed in a progress bar.
func (s *BatchStats) Metrics() []Interface {
	return []Interface{s.meanSize, s.medianSize, s.meanRatio, s.movingNumel}
}

// Update the statistics with one batch.
func (s *BatchStats) Update(batch *data.Batch) {
	for _, m := range s.Metrics() {
		m.Update(batch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	size := batch.Size()
	if s.batches == 0 || size < s.minSize {
		s.minSize = size
	}
	s.maxSize = max(s.maxSize, size)
	s.batches++
	s.examples += int64(size)
	s.numel += batch.Numel()
	s.validNumel += batch.ValidNumel()
	s.byReason[batch.Reason]++
	s.byBucket[batch.Bucket]++
}

// Reset all statistics.
func (s *BatchStats) Reset() {
	for _, m := range s.Metrics() {
		m.Reset()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches, s.examples, s.numel, s.validNumel = 0, 0, 0, 0
	s.minSize, s.maxSize = 0, 0
	s.byReason = make(map[data.EmitReason]int64)
	s.byBucket = make(map[int]int64)
}

// Snapshot returns the current statistics.
func (s *BatchStats) Snapshot() Snapshot {
	s.mu.Lock()
	snapshot := Snapshot{
		Batches:      s.batches,
		Examples:     s.examples,
		Numel:        s.numel,
		ValidNumel:   s.validNumel,
		MinBatchSize: s.minSize,
		MaxBatchSize: s.maxSize,
		ByReason:     maps.Clone(s.byReason),
		ByBucket:     maps.Clone(s.byBucket),
	}
	s.mu.Unlock()
	if snapshot.Numel > 0 {
		snapshot.PaddingRatio = 1 - float64(snapshot.ValidNumel)/float64(snapshot.Numel)
	}
	snapshot.MeanPaddingRatio = s.meanRatio.Value()
	snapshot.MeanBatchSize = s.meanSize.Value()
	snapshot.MedianBatchSize = s.medianSize.Value()
	snapshot.MovingAverageNumel = s.movingNumel.Value()
	return snapshot
}

// Attach registers an OnStep hook on loop that updates the statistics with every batch.
func (s *BatchStats) Attach(loop *train.Loop) {
	loop.OnStep("BatchStats", -100, func(_ *train.Loop, batch *data.Batch) error {
		s.Update(batch)
		return nil
	})
}
