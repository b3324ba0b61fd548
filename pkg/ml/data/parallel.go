// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrSourceClosed is returned by ParallelSource.Yield after Close.
var ErrSourceClosed = errors.New("source closed")

// ParallelSource is a wrapper around a Source that applies a MapFn (e.g.: tokenization) to the
// examples in parallel goroutines. See details in CustomParallel.
type ParallelSource struct {
	src   Source
	mapFn MapFn

	// name is set by default to the underlying source name.
	name string

	// parallelism is the number of goroutines started mapping examples.
	parallelism int

	// bufferSize is the size of the buffer of mapped examples.
	bufferSize int

	// impl is the actual implementation.
	impl *parallelSourceImpl

	// keepAlive is used only to keep ParallelSource alive in the middle of long calls.
	keepAlive int64
}

// parallelSourceImpl separates the implementation of ParallelSource. It's important
// that it doesn't point back to the original ParallelSource, so garbage collecting
// will also stop the goroutines.
type parallelSourceImpl struct {
	src         Source
	mapFn       MapFn
	name        string
	parallelism int

	// muSrc serializes calls to src.Yield, since a Source is not required to be safe for concurrent use.
	muSrc     sync.Mutex
	exhausted bool

	err      error
	muErr    sync.Mutex
	stopOnce sync.Once

	buffer                   chan Example
	epochFinished, stopEpoch chan struct{}
	stopSource               chan struct{}
}

// Parallel maps mapFn over the examples of src using parallel goroutines.
//
// It uses CustomParallel and automatically starts it with the default parameters.
//
// mapFn must be safe for concurrent use. The order of the examples is not preserved: faster
// examples to map may be yielded first. Panics in mapFn are converted to errors, and any error
// (from src or from mapFn) stops the ParallelSource.
//
// To avoid leaking goroutines, call ParallelSource.Close when exiting.
func Parallel(src Source, mapFn MapFn) *ParallelSource {
	return CustomParallel(src, mapFn).Start()
}

// CustomParallel builds a ParallelSource that maps mapFn over the examples of src. It can be
// further configured (see Parallelism, Buffer and WithName), and then one has to call Start before
// actually using the Source.
//
// Example:
//
//	src := data.CustomParallel(reader, tokenize).Parallelism(8).Buffer(1024).Start()
//	defer src.Close()
func CustomParallel(src Source, mapFn MapFn) *ParallelSource {
	ps := &ParallelSource{
		src:   src,
		mapFn: mapFn,
		name:  src.Name(),
	}
	ps.Parallelism(0) // 0 here means it will take the number of cores available.
	return ps
}

func (ps *ParallelSource) assertNotStarted(method string) {
	if ps.impl != nil {
		exceptions.Panicf("ParallelSource.%s called after Start", method)
	}
}

// Parallelism is the number of goroutines to start, each mapping examples in parallel.
// If set to 0 (the default), it will use the number of cores in the system plus 1.
//
// This must be called before a call to Start. It returns the updated ParallelSource, so calls can be cascaded.
func (ps *ParallelSource) Parallelism(n int) *ParallelSource {
	ps.assertNotStarted("Parallelism")
	if n <= 0 {
		n = runtime.NumCPU() + 1
	}
	ps.parallelism = n
	return ps
}

// Buffer reserved in the channel that collects the mapped examples. It defaults to the parallelism.
//
// This must be called before a call to Start. It returns the updated ParallelSource, so calls can be cascaded.
func (ps *ParallelSource) Buffer(n int) *ParallelSource {
	ps.assertNotStarted("Buffer")
	ps.bufferSize = n
	return ps
}

// WithName sets the name of the parallel source. It defaults to the original source name.
func (ps *ParallelSource) WithName(name string) *ParallelSource {
	ps.name = name
	return ps
}

// Start indicates that the source is finished to be configured, and starts the goroutines.
//
// After Start its configuration can no longer be changed.
func (ps *ParallelSource) Start() *ParallelSource {
	ps.assertNotStarted("Start")
	bufferSize := ps.bufferSize
	if bufferSize == 0 {
		bufferSize = ps.parallelism
	}
	impl := &parallelSourceImpl{
		src:         ps.src,
		mapFn:       ps.mapFn,
		name:        ps.name,
		parallelism: ps.parallelism,
		buffer:      make(chan Example, bufferSize),
		stopSource:  make(chan struct{}),
	}
	ps.impl = impl
	// If the ParallelSource is garbage collected, stop all parallel goroutines.
	runtime.SetFinalizer(ps, func(ps *ParallelSource) {
		ps.impl.stop(nil)
	})
	impl.startGoRoutines()
	return ps
}

// stop records err (the first one only) and stops all goroutines.
func (impl *parallelSourceImpl) stop(err error) {
	impl.muErr.Lock()
	if impl.err == nil {
		impl.err = err
	}
	impl.muErr.Unlock()
	impl.stopOnce.Do(func() { close(impl.stopSource) })
}

func (impl *parallelSourceImpl) startGoRoutines() {
	impl.muSrc.Lock()
	impl.exhausted = false
	impl.muSrc.Unlock()
	epochFinished := make(chan struct{})
	stopEpoch := make(chan struct{})
	impl.epochFinished, impl.stopEpoch = epochFinished, stopEpoch
	var wg sync.WaitGroup
	for range impl.parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopEpoch:
					return
				case <-impl.stopSource:
					return
				default:
					// Move forward and map the next example.
				}
				e, err := impl.next()
				if err == io.EOF {
					return
				}
				if err == nil {
					var mapped Example
					var mapErr error
					err = exceptions.TryCatch[error](func() { mapped, mapErr = impl.mapFn(e) })
					if err == nil {
						err = mapErr
					}
					if err != nil {
						err = errors.WithMessagef(err, "while executing MapFn provided for data.Parallel(%q)", impl.name)
					}
					e = mapped
				}
				if err != nil {
					klog.Errorf("Error: %+v", err)
					// Fatal error, stop everything.
					impl.stop(err)
					return
				}
				select {
				case <-stopEpoch:
					return
				case <-impl.stopSource:
					return
				case impl.buffer <- e:
					// Example mapped and cached, move to next.
				}
			}
		}()
	}

	// Start the controller job.
	go func() {
		wg.Wait()
		close(epochFinished)
	}()
}

// next reads the next example from the source, serializing access to it.
func (impl *parallelSourceImpl) next() (Example, error) {
	impl.muSrc.Lock()
	defer impl.muSrc.Unlock()
	if impl.exhausted {
		return Example{}, io.EOF
	}
	e, err := impl.src.Yield()
	if err == io.EOF {
		impl.exhausted = true
	}
	return e, err
}

// Name implements Source.
func (ps *ParallelSource) Name() string { return ps.name }

// String implements fmt.Stringer.
func (ps *ParallelSource) String() string {
	return fmt.Sprintf("Parallel(%s, parallelism=%d)", ps.src.Name(), ps.parallelism)
}

// Reset implements Source. It discards the examples already mapped, resets the underlying source
// and starts mapping again. It must not be called concurrently with Yield.
func (ps *ParallelSource) Reset() {
	impl := ps.impl
	if impl == nil {
		klog.Warningf("ParallelSource.Reset was called before it was started with ParallelSource.Start")
		return
	}

	// Indicate to workers to stop mapping, and drain whatever is still in the buffer.
	close(impl.stopEpoch)
drainSource:
	for {
		select {
		case <-impl.stopSource:
			// Stopped by an error or Close: Reset is a no-op.
			return
		case <-impl.epochFinished:
			break drainSource
		case <-impl.buffer:
			// Discard remaining entries that were in the buffer.
		}
	}
	for len(impl.buffer) > 0 {
		<-impl.buffer
	}

	// Reset underlying source and start again.
	impl.src.Reset()
	impl.startGoRoutines()

	// This no-op prevents `ps` from being garbage collected and the goroutines killed in the middle
	// of the Reset operation. Leave this at the end.
	ps.keepAlive++
}

// Yield implements Source.
func (ps *ParallelSource) Yield() (e Example, err error) {
	impl := ps.impl
	if impl == nil {
		err = errors.Errorf("ParallelSource.Yield was called before it was started with ParallelSource.Start")
		return
	}
	if err = impl.stoppedErr(); err != nil {
		return
	}
	select {
	case <-impl.stopSource:
		err = impl.stoppedErr()
		return
	case e = <-impl.buffer:
		// We got a new example.
	case <-impl.epochFinished:
		// No more examples being mapped (until Reset() is called), but we still need to exhaust the buffer.
		select {
		case e = <-impl.buffer:
		default:
			if err = impl.stoppedErr(); err == nil {
				err = io.EOF
			}
			return
		}
	}

	// This no-op prevents `ps` from being garbage collected and the goroutines killed in the middle
	// of the Yield operation. Leave this at the end.
	ps.keepAlive++
	return
}

// stoppedErr returns nil if the source is still running, otherwise the error that stopped it
// or ErrSourceClosed.
func (impl *parallelSourceImpl) stoppedErr() error {
	select {
	case <-impl.stopSource:
	default:
		return nil
	}
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	if impl.err != nil {
		return impl.err
	}
	return ErrSourceClosed
}

// Close stops the goroutines, waits for them to finish, and closes the underlying source if
// it implements io.Closer. It implements io.Closer.
func (ps *ParallelSource) Close() error {
	impl := ps.impl
	if impl == nil {
		return nil
	}
	impl.stop(nil)
	if closer, ok := impl.src.(io.Closer); ok {
		// Unblocks workers waiting on the source.
		if err := closer.Close(); err != nil {
			return errors.Wrapf(err, "failed to close %q", impl.src.Name())
		}
	}
	<-impl.epochFinished
	return nil
}
