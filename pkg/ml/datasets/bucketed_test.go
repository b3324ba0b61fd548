// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sliceSource(lengths ...int) *data.SliceSource {
	examples := make([]data.Example, len(lengths))
	for ii, l := range lengths {
		examples[ii] = testExample(l, ii)
	}
	return data.NewSliceSource("lengths", examples)
}

// yieldAll reads batches until an error, and returns them along with the error.
func yieldAll(t *testing.T, ds *BucketedDataset) ([]*data.Batch, error) {
	var batches []*data.Batch
	for {
		batch, err := ds.Yield()
		if err != nil {
			return batches, err
		}
		require.NotNil(t, batch)
		batches = append(batches, batch)
		require.Less(t, len(batches), 1_000_000, "dataset never ends")
	}
}

func TestBucketedFinite(t *testing.T) {
	lengths := make([]int, 1000)
	for ii := range lengths {
		lengths[ii] = 1 + (ii*37)%300
	}
	config := testConfig(2000, 3000)
	config.BucketBoundaries = []int{32, 64, 128, 256}
	ds, err := NewBucketed(sliceSource(lengths...), config, nil).Buffer(2).Start()
	require.NoError(t, err)
	defer ds.Done()
	assert.Equal(t, "lengths [Bucketed]", ds.Name())
	assert.Equal(t, "len", ds.ShortName())

	batches, err := yieldAll(t, ds)
	require.Equal(t, io.EOF, err)
	require.Equal(t, len(lengths), checkBatches(t, config, batches))

	// io.EOF is sticky until Reset.
	_, err = ds.Yield()
	require.Equal(t, io.EOF, err)

	stats := ds.Stats()
	assert.Equal(t, int64(len(lengths)), stats.ExamplesRead)
	assert.Equal(t, int64(0), stats.ExamplesSkipped)
	assert.Equal(t, int64(len(batches)), stats.BatchesEmitted)
}

func TestBucketedReset(t *testing.T) {
	ds, err := NewBucketed(sliceSource(10, 10, 10, 10, 10, 10), testConfig(20, 20), nil).Start()
	require.NoError(t, err)
	defer ds.Done()
	batch, err := ds.Yield()
	require.NoError(t, err)
	require.Equal(t, 2, batch.Size())

	ds.Reset()
	batches, err := yieldAll(t, ds)
	require.Equal(t, io.EOF, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1}, batchIndices(batches[0]), "Reset should restart the source")
}

func TestBucketedSkipsInvalidExamples(t *testing.T) {
	src := data.NewSliceSource("mixed", []data.Example{
		testExample(10, 0),
		data.NewExample(map[string]any{"idx": 1}),
		testExample(10, 2),
		data.NewExample(map[string]any{"length": "ten", "idx": 3}),
	})
	ds, err := NewBucketed(src, testConfig(1000, 1000), nil).Start()
	require.NoError(t, err)
	defer ds.Done()
	batches, err := yieldAll(t, ds)
	require.Equal(t, io.EOF, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []int{0, 2}, batchIndices(batches[0]))
	assert.Equal(t, data.EmitFlush, batches[0].Reason)
	assert.Equal(t, int64(2), ds.Stats().ExamplesSkipped)
	assert.Equal(t, int64(4), ds.Stats().ExamplesRead)
}

func TestBucketedSourceError(t *testing.T) {
	var count int
	src := &data.FuncSource{
		SourceName: "failing",
		YieldFn: func() (data.Example, error) {
			count++
			if count > 3 {
				return data.Example{}, errors.New("shard corrupted")
			}
			return testExample(10, count), nil
		},
	}
	ds, err := NewBucketed(src, testConfig(20, 20), nil).Start()
	require.NoError(t, err)
	defer ds.Done()
	batches, err := yieldAll(t, ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard corrupted")
	require.Len(t, batches, 2)
	assert.Equal(t, data.EmitTarget, batches[0].Reason)
	assert.Equal(t, data.EmitFlush, batches[1].Reason, "pending examples are flushed before the error")
}

func TestBucketedBackpressure(t *testing.T) {
	var generated atomic.Int64
	src := &data.FuncSource{
		SourceName: "infinite",
		YieldFn: func() (data.Example, error) {
			idx := int(generated.Add(1))
			return testExample(100, idx), nil
		},
	}
	// Every example is a batch by itself.
	ds, err := NewBucketed(src, testConfig(100, 100), nil).Buffer(1).Start()
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	// One batch in the buffer, one held by the blocked producer.
	assert.LessOrEqual(t, ds.Stats().ExamplesRead, int64(2))

	for range 10 {
		batch, err := ds.Yield()
		require.NoError(t, err)
		require.Equal(t, 1, batch.Size())
	}
	ds.Done()
	assert.LessOrEqual(t, generated.Load(), int64(13))
}

func TestBucketedDoneDrain(t *testing.T) {
	c := make(chan data.Example)
	src := data.NewChannelSource("chan", c)
	ds, err := NewBucketed(src, testConfig(1000, 1000), nil).Start()
	require.NoError(t, err)
	for ii := range 3 {
		c <- testExample(10, ii)
	}

	// A consumer blocked in Yield is released by Done.
	yielded := make(chan *data.Batch, 1)
	go func() {
		batch, err := ds.Yield()
		assert.NoError(t, err)
		yielded <- batch
	}()
	time.Sleep(10 * time.Millisecond)
	ds.Done()
	select {
	case batch := <-yielded:
		require.NotNil(t, batch)
		assert.Equal(t, []int{0, 1, 2}, batchIndices(batch))
		assert.Equal(t, data.EmitFlush, batch.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not unblock Yield")
	}
	_, err = ds.Yield()
	require.ErrorIs(t, err, ErrDatasetClosed)
	ds.Done() // Idempotent.
}

func TestBucketedDoneDiscard(t *testing.T) {
	c := make(chan data.Example)
	src := data.NewChannelSource("chan", c)
	ds, err := NewBucketed(src, testConfig(1000, 1000), nil).OnClose(Discard).Start()
	require.NoError(t, err)
	for ii := range 3 {
		c <- testExample(10, ii)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := ds.Yield()
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ds.Done()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrDatasetClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not unblock Yield")
	}
	assert.Equal(t, int64(3), ds.Stats().ExamplesDiscarded)
}

func TestBucketedDoneBlockedSource(t *testing.T) {
	for _, policy := range []OnClosePolicy{Drain, Discard} {
		t.Run(policy.String(), func(t *testing.T) {
			// A source without Close, blocked in Yield after its first 2 examples.
			block := make(chan struct{})
			defer close(block)
			var count int
			src := &data.FuncSource{
				SourceName: "blocking",
				YieldFn: func() (data.Example, error) {
					count++
					if count > 2 {
						<-block
						return data.Example{}, io.EOF
					}
					return testExample(10, count), nil
				},
			}
			ds, err := NewBucketed(src, testConfig(1000, 1000), nil).OnClose(policy).Start()
			require.NoError(t, err)

			results := make(chan error, 1)
			go func() {
				var err error
				for err == nil {
					_, err = ds.Yield()
				}
				results <- err
			}()
			time.Sleep(20 * time.Millisecond)

			doneReturned := make(chan struct{})
			go func() {
				ds.Done()
				close(doneReturned)
			}()
			select {
			case <-doneReturned:
			case <-time.After(5 * time.Second):
				t.Fatal("Done blocked on a source stuck in Yield")
			}
			select {
			case err := <-results:
				require.ErrorIs(t, err, ErrDatasetClosed)
			case <-time.After(5 * time.Second):
				t.Fatal("Done did not unblock Yield")
			}
			if policy == Discard {
				assert.Equal(t, int64(2), ds.Stats().ExamplesDiscarded)
			} else {
				assert.Equal(t, int64(0), ds.Stats().ExamplesDiscarded)
			}
		})
	}
}

func TestBucketedDoneAfterEOF(t *testing.T) {
	ds, err := NewBucketed(sliceSource(10), testConfig(1000, 1000), nil).Start()
	require.NoError(t, err)
	batches, err := yieldAll(t, ds)
	require.Equal(t, io.EOF, err)
	require.Len(t, batches, 1)
	ds.Done()
	_, err = ds.Yield()
	require.ErrorIs(t, err, ErrDatasetClosed)
}

func TestBucketedBuilder(t *testing.T) {
	_, err := NewBucketed(sliceSource(10), testConfig(1000, 10), nil).Start()
	require.ErrorIs(t, err, ErrInvalidConfig)

	ds, err := NewBucketed(sliceSource(10), testConfig(1000, 1000), nil).WithName("custom", "cst").Start()
	require.NoError(t, err)
	defer ds.Done()
	assert.Equal(t, "custom", ds.Name())
	assert.Equal(t, "cst", ds.ShortName())
	require.Panics(t, func() { ds.Buffer(3) })
	require.Panics(t, func() { _, _ = ds.Start() })
}
