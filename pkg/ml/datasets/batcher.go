// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/dynbatch/pkg/core/bucketing"
	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrBatcherClosed is returned by Batcher.Submit after Batcher.Close or Batcher.Discard.
var ErrBatcherClosed = errors.New("batcher is closed")

// Batcher groups examples of similar length into batches of approximately TargetBatchNumel elements.
//
// Each example is routed by its length to a bucket (see Config.Scheme), and appended to it. A bucket
// is emitted as a Batch when adding the example makes it reach the target numel (EmitTarget). If
// adding the example would exceed MaxBatchNumel, the bucket is emitted first as it is (EmitOverflow)
// and the example starts a fresh bucket. An example that exceeds MaxBatchNumel on its own is emitted
// alone (EmitOversized), with a warning.
//
// So one Submit may return two batches: an overflowed bucket, followed by the fresh bucket if the
// example alone reaches the target (or is oversized). Callers must handle every returned batch.
//
// For the numel estimate each example counts as at least one element, so a bucket of length 0
// examples still reaches the target.
//
// Within one bucket the arrival order of examples is preserved. There is no ordering guarantee across
// buckets.
//
// Submit can be called concurrently: each bucket has its own lock, and collation happens outside of it.
type Batcher struct {
	config   Config
	scheme   bucketing.Scheme
	collator data.Collator

	// buckets is indexed by bucket rank, and never resized.
	buckets []*bucket

	// muClosed is held for reading while submitting, and for writing while closing.
	muClosed sync.RWMutex
	closed   bool

	numExamples, numBatches, numOversized atomic.Int64
}

// bucket accumulates the examples of one length range until they are emitted.
type bucket struct {
	mu        sync.Mutex
	rank      int
	examples  []data.Example
	maxLength int
	sum       int64
}

// detached is the content of a bucket taken out for collation.
type detached struct {
	rank      int
	examples  []data.Example
	maxLength int
	reason    data.EmitReason
}

// NewBatcher creates a Batcher for the given configuration. If collator is nil, a data.PadCollator on
// config.LengthKey is used.
//
// It returns an error wrapping ErrInvalidConfig if the configuration is not valid.
func NewBatcher(config Config, collator data.Collator) (*Batcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	scheme, err := config.Scheme()
	if err != nil {
		return nil, err
	}
	if collator == nil {
		collator = &data.PadCollator{LengthKey: config.LengthKey}
	}
	b := &Batcher{
		config:   config,
		scheme:   scheme,
		collator: collator,
		buckets:  make([]*bucket, scheme.NumBuckets()),
	}
	for rank := range b.buckets {
		b.buckets[rank] = &bucket{rank: rank}
	}
	klog.V(1).Infof("Batcher: %d buckets (%v), target_batch_numel=%d, max_batch_numel=%d, numel_policy=%s",
		len(b.buckets), scheme, config.TargetBatchNumel, config.MaxBatchNumel, config.NumelPolicy)
	return b, nil
}

// NumBuckets returns the fixed number of buckets.
func (b *Batcher) NumBuckets() int { return len(b.buckets) }

// Scheme returns the bucket scheme in use.
func (b *Batcher) Scheme() bucketing.Scheme { return b.scheme }

// Submit adds one example, and returns the batches it caused to be emitted.
//
// Usually that is zero or one batch. It is two when the example overflows a pending bucket (which is
// emitted) and then reaches the target numel by itself, or when it is oversized and displaces a pending
// bucket.
//
// If the example length is missing or invalid, it returns an error wrapping data.ErrInvalidLength and
// the example is not added. If collation fails, the examples of the failed batch are lost, and an error
// is returned along with any batch that was successfully collated.
func (b *Batcher) Submit(example data.Example) ([]*data.Batch, error) {
	length, err := example.Length(b.config.LengthKey)
	if err != nil {
		return nil, err
	}
	rank := b.scheme.Bucket(length)

	b.muClosed.RLock()
	if b.closed {
		b.muClosed.RUnlock()
		return nil, ErrBatcherClosed
	}
	bk := b.buckets[rank]
	bk.mu.Lock()
	emitted := b.add(bk, example, length)
	bk.mu.Unlock()
	b.muClosed.RUnlock()

	b.numExamples.Add(1)
	return b.collate(emitted)
}

// numelWith returns the numel of the bucket if an example of the given length were added.
func (b *Batcher) numelWith(bk *bucket, length int) int64 {
	length = max(length, 1)
	if b.config.NumelPolicy == SumNumel {
		return bk.sum + int64(length)
	}
	return int64(len(bk.examples)+1) * int64(max(bk.maxLength, length))
}

// numel returns the current numel of the bucket, where each example counts as at least 1 element.
func (b *Batcher) numel(bk *bucket) int64 {
	if b.config.NumelPolicy == SumNumel {
		return bk.sum
	}
	return int64(len(bk.examples)) * int64(max(bk.maxLength, 1))
}

// add implements the emission rule. It must be called with the bucket locked.
func (b *Batcher) add(bk *bucket, example data.Example, length int) (emitted []detached) {
	if b.numelWith(bk, length) > b.config.MaxBatchNumel && len(bk.examples) > 0 {
		emitted = append(emitted, bk.detach(data.EmitOverflow))
	}
	if b.numelWith(bk, length) > b.config.MaxBatchNumel {
		// Bucket is empty at this point: the example alone is larger than the maximum.
		klog.Warningf("Batcher: example of length %d alone exceeds max_batch_numel=%d, emitting it as a batch of 1",
			length, b.config.MaxBatchNumel)
		emitted = append(emitted, detached{
			rank:      bk.rank,
			examples:  []data.Example{example},
			maxLength: length,
			reason:    data.EmitOversized,
		})
		return
	}
	bk.examples = append(bk.examples, example)
	bk.maxLength = max(bk.maxLength, length)
	bk.sum += int64(max(length, 1))
	if b.numel(bk) >= b.config.TargetBatchNumel {
		emitted = append(emitted, bk.detach(data.EmitTarget))
	}
	return
}

// detach takes the contents out of the bucket, leaving it empty. It must be called with the bucket locked.
func (bk *bucket) detach(reason data.EmitReason) detached {
	d := detached{
		rank:      bk.rank,
		examples:  bk.examples,
		maxLength: bk.maxLength,
		reason:    reason,
	}
	bk.examples = nil
	bk.maxLength = 0
	bk.sum = 0
	return d
}

// collate converts the detached buckets into batches. It is called without holding any lock.
func (b *Batcher) collate(emitted []detached) ([]*data.Batch, error) {
	if len(emitted) == 0 {
		return nil, nil
	}
	batches := make([]*data.Batch, 0, len(emitted))
	var firstErr error
	for _, d := range emitted {
		batch, err := b.collator.Collate(d.examples, d.maxLength)
		if err != nil {
			err = errors.WithMessagef(err, "Batcher: failed to collate %d examples of bucket %d", len(d.examples), d.rank)
			klog.Errorf("%+v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		batch.Bucket = d.rank
		batch.Reason = d.reason
		b.numBatches.Add(1)
		if d.reason == data.EmitOversized {
			b.numOversized.Add(1)
		}
		if klog.V(2).Enabled() {
			klog.Infof("Batcher: emitted %s, padding ratio %.3f", batch, batch.PaddingRatio())
		}
		batches = append(batches, batch)
	}
	return batches, firstErr
}

// Close flushes every non-empty bucket, in bucket rank order, as batches (EmitFlush) that may be under
// the target numel. Afterward Submit returns ErrBatcherClosed.
//
// Calling Close on a closed Batcher returns ErrBatcherClosed.
func (b *Batcher) Close() ([]*data.Batch, error) {
	b.muClosed.Lock()
	if b.closed {
		b.muClosed.Unlock()
		return nil, ErrBatcherClosed
	}
	b.closed = true
	var emitted []detached
	for _, bk := range b.buckets {
		bk.mu.Lock()
		if len(bk.examples) > 0 {
			emitted = append(emitted, bk.detach(data.EmitFlush))
		}
		bk.mu.Unlock()
	}
	b.muClosed.Unlock()
	klog.V(1).Infof("Batcher: closed, flushing %d buckets", len(emitted))
	return b.collate(emitted)
}

// Discard closes the Batcher, dropping the buffered examples. It returns the number of examples dropped.
// Discard on a closed Batcher returns 0.
func (b *Batcher) Discard() int {
	b.muClosed.Lock()
	defer b.muClosed.Unlock()
	if b.closed {
		return 0
	}
	b.closed = true
	var dropped int
	for _, bk := range b.buckets {
		bk.mu.Lock()
		dropped += len(bk.examples)
		bk.detach(data.EmitFlush)
		bk.mu.Unlock()
	}
	if dropped > 0 {
		klog.V(1).Infof("Batcher: discarded %d buffered examples", dropped)
	}
	return dropped
}

// Pending returns the number of examples buffered in the buckets.
func (b *Batcher) Pending() int {
	var pending int
	for _, bk := range b.buckets {
		bk.mu.Lock()
		pending += len(bk.examples)
		bk.mu.Unlock()
	}
	return pending
}

// BatcherStats are counters of a Batcher.
type BatcherStats struct {
	// Examples accepted by Submit (invalid examples are not counted).
	Examples int64

	// Batches emitted, including Oversized ones.
	Batches, Oversized int64
}

// Stats returns a snapshot of the Batcher counters.
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		Examples:  b.numExamples.Load(),
		Batches:   b.numBatches.Load(),
		Oversized: b.numOversized.Load(),
	}
}
