// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/dynbatch/pkg/ml/train"
	"github.com/gomlx/dynbatch/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDatasetClosed is returned by BucketedDataset.Yield after BucketedDataset.Done, once any drained
// batches have been consumed.
var ErrDatasetClosed = errors.New("dataset is closed")

// BucketedDataset is a train.Dataset that batches the examples of a data.Source with a Batcher.
//
// A producer goroutine pulls examples from the source, submits them to the Batcher and pushes the
// emitted batches into a bounded buffer. A full buffer blocks the producer, so batches are never
// dropped. Yield blocks until a batch is available.
//
// If the source is finite, the final partial buckets are flushed when it returns io.EOF, and Yield
// returns io.EOF once they are consumed. Examples with an invalid length are logged and skipped.
// Any other source error is terminal: it is returned by Yield after the buffered batches are consumed.
//
// To avoid leaking the producer goroutine, call BucketedDataset.Done when exiting.
//
// Example:
//
//	src := data.Repeat(NewMyShardReader(...))
//	ds, err := datasets.NewBucketed(src, config, nil).Buffer(8).Start()
//	if err != nil { ... }
//	defer ds.Done()
//	looped, err := train.Looped(ds, config.NominalEpochLength)
type BucketedDataset struct {
	source   data.Source
	config   Config
	collator data.Collator

	name, shortName string

	muImpl sync.Mutex
	impl   *bucketedImpl
	done   bool

	stats *bucketedCounters
}

// bucketedCounters are shared by all the producers started by one BucketedDataset.
type bucketedCounters struct {
	read, skipped, batches, oversized, discarded atomic.Int64
}

// bucketedImpl holds the state of one run of the producer, from Start (or Reset) to Done (or the next Reset).
// It doesn't point back to the BucketedDataset, so that one can be garbage collected, which stops the producer.
type bucketedImpl struct {
	source  data.Source
	batcher *Batcher
	stats   *bucketedCounters

	buffer chan *data.Batch
	stop   chan struct{}

	stopOnce sync.Once

	// exited is triggered when the producer goroutine returns.
	exited *xsync.Latch

	// settled is triggered with the terminal error, once every batch of the run is either in buffer
	// or in drained.
	settled *xsync.LatchWithValue[error]

	muDrained  sync.Mutex
	drained    []*data.Batch
	discarding bool

	// closed is set by Done.
	closed atomic.Bool
}

// BucketedStats are the counters of a BucketedDataset, accumulated across Reset calls.
type BucketedStats struct {
	// ExamplesRead from the source, including skipped ones.
	ExamplesRead int64

	// ExamplesSkipped because of an invalid length.
	ExamplesSkipped int64

	// BatchesEmitted includes the Oversized ones.
	BatchesEmitted, OversizedBatches int64

	// ExamplesDiscarded by Reset or by Done with the Discard policy.
	ExamplesDiscarded int64
}

// NewBucketed creates a BucketedDataset over source. If collator is nil, a data.PadCollator is used.
//
// It can be further configured (see Buffer, OnClose and WithName), and then one has to call Start
// before actually using the dataset.
func NewBucketed(source data.Source, config Config, collator data.Collator) *BucketedDataset {
	ds := &BucketedDataset{
		source:   source,
		config:   config,
		collator: collator,
		name:     fmt.Sprintf("%s [Bucketed]", source.Name()),
		stats:    &bucketedCounters{},
	}
	ds.shortName = shortNameOf(source.Name())
	return ds
}

func shortNameOf(name string) string {
	if len(name) > 3 {
		return name[:3]
	}
	return name
}

func (ds *BucketedDataset) assertNotStarted(method string) {
	if ds.impl != nil || ds.done {
		exceptions.Panicf("BucketedDataset.%s called after Start", method)
	}
}

// Buffer sets the capacity of the queue of ready batches. It overrides Config.BufferSize.
//
// This must be called before Start. It returns the updated BucketedDataset, so calls can be cascaded.
func (ds *BucketedDataset) Buffer(n int) *BucketedDataset {
	ds.assertNotStarted("Buffer")
	ds.config.BufferSize = n
	return ds
}

// OnClose sets what Done does with the buffered examples. It overrides Config.OnClose.
//
// This must be called before Start. It returns the updated BucketedDataset, so calls can be cascaded.
func (ds *BucketedDataset) OnClose(policy OnClosePolicy) *BucketedDataset {
	ds.assertNotStarted("OnClose")
	ds.config.OnClose = policy
	return ds
}

// WithName sets the name of the dataset, and optionally its short name.
// It defaults to the source name, suffixed by " [Bucketed]".
//
// It returns the updated BucketedDataset, so calls can be cascaded.
func (ds *BucketedDataset) WithName(name string, shortName ...string) *BucketedDataset {
	ds.name = name
	if len(shortName) > 0 {
		ds.shortName = shortName[0]
	} else {
		ds.shortName = shortNameOf(name)
	}
	return ds
}

// Start validates the configuration and starts the producer goroutine.
//
// After Start the configuration can no longer be changed.
func (ds *BucketedDataset) Start() (*BucketedDataset, error) {
	ds.assertNotStarted("Start")
	if err := ds.config.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "BucketedDataset %q", ds.name)
	}
	if ds.collator == nil {
		ds.collator = &data.PadCollator{LengthKey: ds.config.LengthKey}
	}
	impl, err := ds.newImpl()
	if err != nil {
		return nil, err
	}
	ds.impl = impl
	// If the BucketedDataset is garbage collected, stop the producer.
	runtime.SetFinalizer(ds, func(ds *BucketedDataset) {
		if impl := ds.impl; impl != nil {
			impl.signalStop()
		}
	})
	go impl.produce()
	klog.V(1).Infof("%s: started, buffer_size=%d, on_close=%s", ds.name, ds.config.BufferSize, ds.config.OnClose)
	return ds, nil
}

func (ds *BucketedDataset) newImpl() (*bucketedImpl, error) {
	batcher, err := NewBatcher(ds.config, ds.collator)
	if err != nil {
		return nil, err
	}
	return &bucketedImpl{
		source:  ds.source,
		batcher: batcher,
		stats:   ds.stats,
		buffer:  make(chan *data.Batch, ds.config.BufferSize),
		stop:    make(chan struct{}),
		exited:  xsync.NewLatch(),
		settled: xsync.NewLatchWithValue[error](),
	}, nil
}

// Name implements train.Dataset.
func (ds *BucketedDataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *BucketedDataset) ShortName() string { return ds.shortName }

// Config returns the configuration in use.
func (ds *BucketedDataset) Config() Config { return ds.config }

// Stats returns a snapshot of the dataset counters.
func (ds *BucketedDataset) Stats() BucketedStats {
	return BucketedStats{
		ExamplesRead:      ds.stats.read.Load(),
		ExamplesSkipped:   ds.stats.skipped.Load(),
		BatchesEmitted:    ds.stats.batches.Load(),
		OversizedBatches:  ds.stats.oversized.Load(),
		ExamplesDiscarded: ds.stats.discarded.Load(),
	}
}

// Yield implements train.Dataset. It blocks until a batch is available.
//
// It returns io.EOF when a finite source is exhausted and every batch was consumed, and
// ErrDatasetClosed after Done.
func (ds *BucketedDataset) Yield() (*data.Batch, error) {
	ds.muImpl.Lock()
	impl := ds.impl
	ds.muImpl.Unlock()
	if impl == nil {
		return nil, errors.Errorf("BucketedDataset.Yield was called before it was started with BucketedDataset.Start")
	}
	batch, err := impl.yield()

	// Keeps ds from being garbage collected, and the producer stopped, in the middle of the Yield.
	runtime.KeepAlive(ds)
	return batch, err
}

func (impl *bucketedImpl) yield() (*data.Batch, error) {
	for !impl.settled.Test() {
		select {
		case batch := <-impl.buffer:
			if impl.keep(batch) {
				return batch, nil
			}
		case <-impl.settled.WaitChan():
		}
	}
	// No more batches will be produced, but the buffer and the drained batches still need to be exhausted.
	for {
		select {
		case batch := <-impl.buffer:
			if impl.keep(batch) {
				return batch, nil
			}
			continue
		default:
		}
		break
	}
	impl.muDrained.Lock()
	defer impl.muDrained.Unlock()
	if len(impl.drained) > 0 {
		batch := impl.drained[0]
		impl.drained = impl.drained[1:]
		return batch, nil
	}
	if impl.closed.Load() {
		return nil, ErrDatasetClosed
	}
	return nil, impl.settled.Wait()
}

// record updates the statistics with the batches emitted by the batcher.
func (impl *bucketedImpl) record(batches []*data.Batch) []*data.Batch {
	for _, batch := range batches {
		impl.stats.batches.Add(1)
		if batch.Reason == data.EmitOversized {
			impl.stats.oversized.Add(1)
		}
	}
	return batches
}

func (impl *bucketedImpl) signalStop() {
	impl.stopOnce.Do(func() { close(impl.stop) })
}

func (impl *bucketedImpl) stopped() bool {
	select {
	case <-impl.stop:
		return true
	default:
		return false
	}
}

// keep returns false, and counts the batch as discarded, if the run is being discarded.
// A producer still running after Done with the Discard policy may push a last batch.
func (impl *bucketedImpl) keep(batch *data.Batch) bool {
	impl.muDrained.Lock()
	defer impl.muDrained.Unlock()
	if impl.discarding {
		impl.stats.discarded.Add(int64(batch.Size()))
		return false
	}
	return true
}

func (impl *bucketedImpl) addDrained(batches []*data.Batch) {
	if len(batches) == 0 {
		return
	}
	impl.muDrained.Lock()
	defer impl.muDrained.Unlock()
	if impl.discarding {
		for _, batch := range batches {
			impl.stats.discarded.Add(int64(batch.Size()))
		}
		return
	}
	impl.drained = append(impl.drained, batches...)
}

// push sends the batches to the buffer, blocking while it is full. If the run is stopped while blocked,
// the batches not yet pushed are kept in drained, and it returns false.
func (impl *bucketedImpl) push(batches []*data.Batch) bool {
	for ii, batch := range batches {
		select {
		case impl.buffer <- batch:
		case <-impl.stop:
			impl.addDrained(batches[ii:])
			return false
		}
	}
	return true
}

// submit sends one example to the batcher. Examples with an invalid length are logged and skipped.
func (impl *bucketedImpl) submit(example data.Example) (batches []*data.Batch, err error) {
	impl.stats.read.Add(1)
	batches, err = impl.batcher.Submit(example)
	impl.record(batches)
	if err != nil && errors.Is(err, data.ErrInvalidLength) {
		impl.stats.skipped.Add(1)
		klog.Warningf("BucketedDataset: skipping example from %q: %v", impl.source.Name(), err)
		err = nil
	}
	return
}

// produce is the producer goroutine.
func (impl *bucketedImpl) produce() {
	defer impl.exited.Trigger()
	name := impl.source.Name()
	for {
		if impl.stopped() {
			return
		}
		example, err := impl.source.Yield()
		if impl.stopped() {
			// The source may have been closed to unblock us. The run is stopping, so an example read
			// is dropped.
			if err == nil {
				impl.stats.read.Add(1)
				impl.stats.discarded.Add(1)
			}
			return
		}
		if err != nil {
			if err == io.EOF {
				klog.V(1).Infof("BucketedDataset: source %q exhausted, flushing buckets", name)
			} else {
				klog.Errorf("BucketedDataset: source %q failed: %+v", name, err)
			}
			batches, flushErr := impl.batcher.Close()
			if errors.Is(flushErr, ErrBatcherClosed) {
				// Stopped concurrently: shutdown owns the buckets.
				return
			}
			if !impl.push(impl.record(batches)) {
				return
			}
			if err == io.EOF && flushErr != nil {
				err = flushErr
			}
			impl.settled.Trigger(err)
			return
		}
		batches, err := impl.submit(example)
		if errors.Is(err, ErrBatcherClosed) {
			impl.stats.discarded.Add(1)
			return
		}
		if !impl.push(batches) {
			return
		}
		if err != nil {
			// Collation failure is terminal.
			impl.stats.discarded.Add(int64(impl.batcher.Discard()))
			impl.settled.Trigger(err)
			return
		}
	}
}

// shutdown stops the run. With the Drain policy the buffered examples are flushed into drained,
// otherwise they are dropped along with the batches not yet yielded. The run is then settled with
// ErrDatasetClosed, if it wasn't already, which releases consumers blocked in yield.
//
// If wait is true, it then waits for the producer goroutine to return.
func (impl *bucketedImpl) shutdown(policy OnClosePolicy, wait bool) {
	impl.signalStop()
	if policy == Drain {
		batches, err := impl.batcher.Close()
		if err != nil && !errors.Is(err, ErrBatcherClosed) {
			klog.Errorf("BucketedDataset: failed to flush buckets: %+v", err)
		}
		impl.addDrained(impl.record(batches))
	} else {
		impl.muDrained.Lock()
		impl.discarding = true
		for _, batch := range impl.drained {
			impl.stats.discarded.Add(int64(batch.Size()))
		}
		impl.drained = nil
		impl.muDrained.Unlock()
		impl.stats.discarded.Add(int64(impl.batcher.Discard()))
		impl.drainBuffer()
	}
	impl.settled.Trigger(ErrDatasetClosed)
	if !wait {
		return
	}
	impl.exited.Wait()
	if policy == Discard {
		impl.drainBuffer()
	}
}

// drainBuffer drops the batches in the buffer, without blocking.
func (impl *bucketedImpl) drainBuffer() {
	for {
		select {
		case batch := <-impl.buffer:
			impl.stats.discarded.Add(int64(batch.Size()))
		default:
			return
		}
	}
}

// Done stops the dataset: the producer stops pulling examples, and if the source implements io.Closer
// it is closed, which unblocks a source stuck in Yield.
//
// With the Drain policy (default) the partial buckets are flushed, and the batches already produced
// remain yieldable. With the Discard policy they are dropped. Yield then returns ErrDatasetClosed,
// including to consumers currently blocked in it.
//
// If the source implements io.Closer, Done blocks until the producer has stopped. Otherwise a producer
// blocked in the source Yield is not waited for: it returns, dropping any example read, once the
// source Yield returns. Done can be called more than once.
func (ds *BucketedDataset) Done() {
	ds.muImpl.Lock()
	defer ds.muImpl.Unlock()
	if ds.done {
		return
	}
	ds.done = true
	impl := ds.impl
	if impl == nil {
		return
	}
	impl.closed.Store(true)
	impl.signalStop()
	closer, isCloser := ds.source.(io.Closer)
	if isCloser {
		if err := closer.Close(); err != nil {
			klog.Warningf("BucketedDataset: failed to close source %q: %v", ds.source.Name(), err)
		}
	}
	impl.shutdown(ds.config.OnClose, isCloser)
	klog.V(1).Infof("%s: done", ds.name)
}

// Reset implements train.Dataset. It stops the producer, discards the buffered examples and batches,
// resets the source and starts over with a fresh Batcher.
//
// A producer blocked in the source Yield is waited for. Reset must not be called concurrently with Yield.
func (ds *BucketedDataset) Reset() {
	ds.muImpl.Lock()
	defer ds.muImpl.Unlock()
	if ds.impl == nil || ds.done {
		klog.Warningf("BucketedDataset.Reset was called before it was started with BucketedDataset.Start or after BucketedDataset.Done")
		return
	}
	ds.impl.shutdown(Discard, true)
	ds.source.Reset()
	impl, err := ds.newImpl()
	if err != nil {
		// Configuration was already validated by Start.
		exceptions.Panicf("BucketedDataset.Reset failed to create a new Batcher: %+v", err)
	}
	ds.impl = impl
	go impl.produce()
	klog.V(1).Infof("%s: reset", ds.name)
}

// Compile time check that BucketedDataset implements train.Dataset.
var _ train.Dataset = (*BucketedDataset)(nil)
