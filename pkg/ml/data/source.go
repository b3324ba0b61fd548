// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source produces examples one at a time.
//
// It mirrors train.Dataset, but at the granularity of individual examples: Yield returns io.EOF when
// a finite source is exhausted, and Reset restarts it. Infinite sources never return io.EOF.
//
// A Source that may block indefinitely in Yield should also implement io.Closer: the pipeline calls
// Close on shutdown to unblock it.
type Source interface {
	// Name identifies the source, used for logging.
	Name() string

	// Reset restarts the source from the beginning. What "beginning" means is up to the source:
	// a shuffled shard reader would typically start a new random traversal.
	Reset()

	// Yield returns the next example, io.EOF at the end of a finite source, or another error.
	Yield() (Example, error)
}

// SliceSource is a finite Source over an in-memory list of examples. It is safe for concurrent use.
type SliceSource struct {
	name     string
	examples []Example
	mu       sync.Mutex
	next     int
}

// NewSliceSource returns a finite source that yields the given examples in order.
func NewSliceSource(name string, examples []Example) *SliceSource {
	return &SliceSource{name: name, examples: examples}
}

// Name implements Source.
func (s *SliceSource) Name() string { return s.name }

// Reset implements Source.
func (s *SliceSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}

// Yield implements Source.
func (s *SliceSource) Yield() (Example, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.examples) {
		return Example{}, io.EOF
	}
	e := s.examples[s.next]
	s.next++
	return e, nil
}

// Len returns the total number of examples.
func (s *SliceSource) Len() int { return len(s.examples) }

// ErrEmptySource is returned by a repeated Source whose underlying source yields nothing after a Reset.
var ErrEmptySource = errors.New("source is empty")

// repeatSource implements the infinite "repeat forever" wrapper.
type repeatSource struct {
	src         Source
	mu          sync.Mutex
	repetitions int
}

// Repeat wraps a finite source into an infinite one: every time src returns io.EOF it is Reset and
// read again. The underlying source decides whether a new traversal is shuffled differently.
//
// If src yields io.EOF right after a Reset, Yield returns ErrEmptySource instead of spinning.
func Repeat(src Source) Source {
	return &repeatSource{src: src}
}

// Name implements Source.
func (r *repeatSource) Name() string { return fmt.Sprintf("%s [Repeat]", r.src.Name()) }

// Reset implements Source.
func (r *repeatSource) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src.Reset()
	r.repetitions = 0
}

// Yield implements Source.
func (r *repeatSource) Yield() (Example, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.src.Yield()
	if err != io.EOF {
		return e, err
	}
	r.repetitions++
	klog.V(2).Infof("%s: end of pass #%d, restarting", r.Name(), r.repetitions)
	r.src.Reset()
	e, err = r.src.Yield()
	if err == io.EOF {
		return Example{}, errors.Wrapf(ErrEmptySource, "%s: nothing to repeat", r.Name())
	}
	return e, err
}

// Close implements io.Closer, by forwarding it to the wrapped source if it is closeable.
func (r *repeatSource) Close() error {
	if closer, ok := r.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ChannelSource reads examples from a channel. It returns io.EOF once the channel is closed
// and drained, or once ChannelSource.Close is called.
//
// Reset is a no-op: a channel can't be rewound.
type ChannelSource struct {
	name      string
	c         <-chan Example
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannelSource returns a Source that reads from c.
func NewChannelSource(name string, c <-chan Example) *ChannelSource {
	return &ChannelSource{name: name, c: c, closed: make(chan struct{})}
}

// Name implements Source.
func (s *ChannelSource) Name() string { return s.name }

// Reset implements Source. It does nothing.
func (s *ChannelSource) Reset() {
	klog.V(1).Infof("%s: Reset() has no effect on a channel source", s.name)
}

// Yield implements Source.
func (s *ChannelSource) Yield() (Example, error) {
	select {
	case <-s.closed:
		return Example{}, io.EOF
	case e, ok := <-s.c:
		if !ok {
			return Example{}, io.EOF
		}
		return e, nil
	}
}

// Close implements io.Closer. It unblocks any pending Yield.
func (s *ChannelSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// FuncSource adapts a generator function to a Source. The resetFn is optional.
type FuncSource struct {
	SourceName string
	YieldFn    func() (Example, error)
	ResetFn    func()
}

// Name implements Source.
func (s *FuncSource) Name() string { return s.SourceName }

// Reset implements Source.
func (s *FuncSource) Reset() {
	if s.ResetFn != nil {
		s.ResetFn()
	}
}

// Yield implements Source.
func (s *FuncSource) Yield() (Example, error) { return s.YieldFn() }
