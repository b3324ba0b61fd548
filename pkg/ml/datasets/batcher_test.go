// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a configuration with a single bucket.
func testConfig(target, maximum int64) Config {
	config := DefaultConfig()
	config.TargetBatchNumel = target
	config.MaxBatchNumel = maximum
	config.BucketStrategy = ""
	config.BucketMaxLength = 0
	return config
}

func testExample(length, idx int) data.Example {
	return data.NewExample(map[string]any{"length": length, "idx": idx})
}

func batchIndices(b *data.Batch) []int {
	indices := make([]int, len(b.Examples))
	for ii, e := range b.Examples {
		indices[ii] = e.Fields["idx"].(int)
	}
	return indices
}

func TestBatcherTarget(t *testing.T) {
	b, err := NewBatcher(testConfig(45_000, 60_000), nil)
	require.NoError(t, err)
	require.Equal(t, 1, b.NumBuckets())

	for ii := range 2 {
		batches, err := b.Submit(testExample(16_000, ii))
		require.NoError(t, err)
		require.Empty(t, batches)
	}
	require.Equal(t, 2, b.Pending())
	batches, err := b.Submit(testExample(16_000, 2))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	batch := batches[0]
	assert.Equal(t, 3, batch.Size())
	assert.Equal(t, int64(48_000), batch.Numel())
	assert.Equal(t, data.EmitTarget, batch.Reason)
	assert.Equal(t, []int{0, 1, 2}, batchIndices(batch))
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherOversized(t *testing.T) {
	b, err := NewBatcher(testConfig(45_000, 60_000), nil)
	require.NoError(t, err)
	batches, err := b.Submit(testExample(65_000, 0))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 1, batches[0].Size())
	assert.Equal(t, 65_000, batches[0].MaxLength)
	assert.Equal(t, data.EmitOversized, batches[0].Reason)
	assert.Equal(t, 0, b.Pending())

	// An oversized example displaces a pending bucket, which is emitted first.
	_, err = b.Submit(testExample(16_000, 1))
	require.NoError(t, err)
	batches, err = b.Submit(testExample(70_000, 2))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, data.EmitOverflow, batches[0].Reason)
	assert.Equal(t, []int{1}, batchIndices(batches[0]))
	assert.Equal(t, data.EmitOversized, batches[1].Reason)
	assert.Equal(t, []int{2}, batchIndices(batches[1]))
	assert.Equal(t, BatcherStats{Examples: 3, Batches: 3, Oversized: 2}, b.Stats())
}

func TestBatcherOverflow(t *testing.T) {
	b, err := NewBatcher(testConfig(45_000, 60_000), nil)
	require.NoError(t, err)
	for ii := range 2 {
		_, err = b.Submit(testExample(16_000, ii))
		require.NoError(t, err)
	}

	// 3 * 30_000 > 60_000: the pending two are emitted, 30_000 starts a new bucket.
	batches, err := b.Submit(testExample(30_000, 2))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, data.EmitOverflow, batches[0].Reason)
	assert.Equal(t, []int{0, 1}, batchIndices(batches[0]))
	assert.Equal(t, int64(32_000), batches[0].Numel())
	require.Equal(t, 1, b.Pending())

	// 2 * 30_000 reaches the target without exceeding the maximum.
	batches, err = b.Submit(testExample(20_000, 3))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, data.EmitTarget, batches[0].Reason)
	assert.Equal(t, []int{2, 3}, batchIndices(batches[0]))
	assert.Equal(t, []int{30_000, 20_000}, batches[0].Lengths)
	assert.Equal(t, int64(60_000), batches[0].Numel())

	// Overflow followed by a lone example that reaches the target by itself: two batches.
	_, err = b.Submit(testExample(16_000, 4))
	require.NoError(t, err)
	batches, err = b.Submit(testExample(50_000, 5))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, data.EmitOverflow, batches[0].Reason)
	assert.Equal(t, []int{4}, batchIndices(batches[0]))
	assert.Equal(t, data.EmitTarget, batches[1].Reason)
	assert.Equal(t, []int{5}, batchIndices(batches[1]))
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherNumelPolicy(t *testing.T) {
	config := testConfig(100, 150)
	b, err := NewBatcher(config, nil)
	require.NoError(t, err)
	_, err = b.Submit(testExample(10, 0))
	require.NoError(t, err)
	batches, err := b.Submit(testExample(90, 1))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, data.EmitOverflow, batches[0].Reason, "2*90 > 150 with padded numel")

	config.NumelPolicy = SumNumel
	b, err = NewBatcher(config, nil)
	require.NoError(t, err)
	_, err = b.Submit(testExample(10, 0))
	require.NoError(t, err)
	batches, err = b.Submit(testExample(90, 1))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, data.EmitTarget, batches[0].Reason, "10+90 reaches 100 with sum numel")
	assert.Equal(t, 2, batches[0].Size())
}

func TestBatcherZeroLength(t *testing.T) {
	for _, policy := range []NumelPolicy{PaddedNumel, SumNumel} {
		config := testConfig(5, 10)
		config.NumelPolicy = policy
		b, err := NewBatcher(config, nil)
		require.NoError(t, err)
		for ii := range 4 {
			batches, err := b.Submit(testExample(0, ii))
			require.NoError(t, err)
			require.Empty(t, batches)
		}
		// Length 0 examples count as 1 element each.
		batches, err := b.Submit(testExample(0, 4))
		require.NoError(t, err)
		require.Len(t, batches, 1, "policy %s", policy)
		assert.Equal(t, data.EmitTarget, batches[0].Reason)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, batchIndices(batches[0]))
		assert.Equal(t, 0, batches[0].MaxLength)
		assert.Equal(t, 0, b.Pending())
	}
}

func TestBatcherInvalidLength(t *testing.T) {
	b, err := NewBatcher(testConfig(100, 150), nil)
	require.NoError(t, err)
	_, err = b.Submit(testExample(10, 0))
	require.NoError(t, err)

	for _, fields := range []map[string]any{
		{"idx": 1},
		{"length": "long", "idx": 2},
		{"length": -3, "idx": 3},
	} {
		batches, err := b.Submit(data.NewExample(fields))
		require.ErrorIs(t, err, data.ErrInvalidLength)
		require.Empty(t, batches)
	}
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, int64(1), b.Stats().Examples)
}

func TestBatcherClose(t *testing.T) {
	config := testConfig(1000, 1000)
	config.BucketBoundaries = []int{10, 100}
	b, err := NewBatcher(config, nil)
	require.NoError(t, err)
	require.Equal(t, 3, b.NumBuckets())
	for ii, length := range []int{50, 5, 60, 500} {
		batches, err := b.Submit(testExample(length, ii))
		require.NoError(t, err)
		require.Empty(t, batches)
	}
	require.Equal(t, 4, b.Pending())

	batches, err := b.Close()
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for rank, batch := range batches {
		assert.Equal(t, rank, batch.Bucket, "flushed batches must be in bucket rank order")
		assert.Equal(t, data.EmitFlush, batch.Reason)
	}
	assert.Equal(t, []int{1}, batchIndices(batches[0]))
	assert.Equal(t, []int{0, 2}, batchIndices(batches[1]))
	assert.Equal(t, 60, batches[1].MaxLength)
	assert.Equal(t, []int{3}, batchIndices(batches[2]))

	_, err = b.Submit(testExample(5, 4))
	require.ErrorIs(t, err, ErrBatcherClosed)
	_, err = b.Close()
	require.ErrorIs(t, err, ErrBatcherClosed)
	assert.Equal(t, 0, b.Discard())
}

func TestBatcherDiscard(t *testing.T) {
	b, err := NewBatcher(testConfig(1000, 1000), nil)
	require.NoError(t, err)
	for ii := range 5 {
		_, err = b.Submit(testExample(10, ii))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, b.Discard())
	assert.Equal(t, 0, b.Pending())
	_, err = b.Submit(testExample(10, 5))
	require.ErrorIs(t, err, ErrBatcherClosed)
}

func TestBatcherInvalidConfig(t *testing.T) {
	_, err := NewBatcher(testConfig(60_000, 45_000), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewBatcher(testConfig(0, 45_000), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	config := testConfig(10, 10)
	config.BucketBoundaries = []int{100, 10}
	_, err = NewBatcher(config, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// checkBatches verifies the properties every stream of batches must satisfy, and returns the
// total number of examples.
func checkBatches(t *testing.T, config Config, batches []*data.Batch) int {
	var total int
	lastIdxPerBucket := make(map[int]int)
	for _, batch := range batches {
		total += batch.Size()
		numel := batch.Numel()
		if batch.Reason == data.EmitOversized {
			require.Equal(t, 1, batch.Size())
			require.Greater(t, numel, config.MaxBatchNumel)
		} else {
			require.LessOrEqualf(t, numel, config.MaxBatchNumel, "batch %s exceeds the maximum", batch)
		}
		if numel < config.TargetBatchNumel && batch.Size() > 1 {
			require.Containsf(t, []data.EmitReason{data.EmitOverflow, data.EmitFlush}, batch.Reason,
				"batch %s is under the target", batch)
		}
		if batch.Reason == data.EmitTarget {
			require.GreaterOrEqual(t, numel, config.TargetBatchNumel)
		}
		for _, idx := range batchIndices(batch) {
			if last, found := lastIdxPerBucket[batch.Bucket]; found {
				require.Greaterf(t, idx, last, "arrival order not preserved in bucket %d", batch.Bucket)
			}
			lastIdxPerBucket[batch.Bucket] = idx
		}
	}
	return total
}

func TestBatcherRandomStream(t *testing.T) {
	config := testConfig(4096, 6144)
	config.BucketStrategy = "pow2"
	config.BucketMaxLength = 2048
	b, err := NewBatcher(config, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(42, 0))
	const numExamples = 10_000
	var batches []*data.Batch
	for ii := range numExamples {
		length := 1 + rng.IntN(7000)
		emitted, err := b.Submit(testExample(length, ii))
		require.NoError(t, err)
		batches = append(batches, emitted...)
	}
	flushed, err := b.Close()
	require.NoError(t, err)
	batches = append(batches, flushed...)
	require.Equal(t, numExamples, checkBatches(t, config, batches))

	var oversized int
	for _, batch := range batches {
		if batch.Reason == data.EmitOversized {
			oversized++
		}
	}
	assert.Greater(t, oversized, 0, "lengths above 6144 must be emitted alone")
}

func TestBatcherHomogeneousLengths(t *testing.T) {
	config := testConfig(1000, 1500)
	b, err := NewBatcher(config, nil)
	require.NoError(t, err)
	var batches []*data.Batch
	for ii := range 95 {
		emitted, err := b.Submit(testExample(100, ii))
		require.NoError(t, err)
		batches = append(batches, emitted...)
	}
	require.Len(t, batches, 9)
	for _, batch := range batches {
		assert.Equal(t, 10, batch.Size())
		assert.Equal(t, int64(1000), batch.Numel())
		assert.Equal(t, 0.0, batch.PaddingRatio())
	}
	flushed, err := b.Close()
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	assert.Equal(t, 5, flushed[0].Size())
	require.Equal(t, 95, checkBatches(t, config, append(batches, flushed...)))
}

func TestBatcherConcurrentSubmit(t *testing.T) {
	config := testConfig(2000, 3000)
	config.BucketBoundaries = []int{16, 64, 256}
	b, err := NewBatcher(config, nil)
	require.NoError(t, err)

	const numWorkers, perWorker = 8, 1000
	var mu sync.Mutex
	var batches []*data.Batch
	var wg sync.WaitGroup
	for worker := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(worker), 1))
			for ii := range perWorker {
				emitted, err := b.Submit(testExample(1+rng.IntN(500), worker*perWorker+ii))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				batches = append(batches, emitted...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	flushed, err := b.Close()
	require.NoError(t, err)
	batches = append(batches, flushed...)

	var total int
	for _, batch := range batches {
		total += batch.Size()
		if batch.Reason != data.EmitOversized {
			require.LessOrEqual(t, batch.Numel(), config.MaxBatchNumel)
		}
	}
	require.Equal(t, numWorkers*perWorker, total)
}

func BenchmarkBatcherSubmit(b *testing.B) {
	config := testConfig(45_000, 60_000)
	config.BucketStrategy = "pow2"
	config.BucketMaxLength = 4096
	batcher, err := NewBatcher(config, data.CollatorFn(func(examples []data.Example, maxLength int) (*data.Batch, error) {
		return &data.Batch{Examples: examples, Lengths: make([]int, len(examples)), MaxLength: maxLength}, nil
	}))
	require.NoError(b, err)
	rng := rand.New(rand.NewPCG(0, 0))
	examples := make([]data.Example, 1024)
	for ii := range examples {
		examples[ii] = testExample(1+rng.IntN(4096), ii)
	}
	b.ResetTimer()
	for ii := range b.N {
		if _, err := batcher.Submit(examples[ii%len(examples)]); err != nil {
			b.Fatal(err)
		}
	}
}
