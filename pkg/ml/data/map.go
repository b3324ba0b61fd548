// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// MapFn transforms one example. It may return an error to abort the stream.
type MapFn func(e Example) (Example, error)

// mapSource implements a Source that maps a function over the examples of a wrapped Source.
// See Map on how to use it.
type mapSource struct {
	src   Source
	mapFn MapFn
}

// Map returns a Source with the result of applying mapFn to every example yielded by src.
//
// Panics in mapFn are converted to errors.
func Map(src Source, mapFn MapFn) Source {
	return &mapSource{src: src, mapFn: mapFn}
}

// Name implements Source.
func (m *mapSource) Name() string { return m.src.Name() }

// Reset implements Source.
func (m *mapSource) Reset() { m.src.Reset() }

// Yield implements Source.
func (m *mapSource) Yield() (e Example, err error) {
	e, err = m.src.Yield()
	if err != nil {
		return
	}
	var mapped Example
	var mapErr error
	err = exceptions.TryCatch[error](func() { mapped, mapErr = m.mapFn(e) })
	if err == nil {
		err = mapErr
	}
	if err != nil {
		err = errors.WithMessagef(err, "while executing MapFn provided for data.Map(%q)", m.src.Name())
		return
	}
	return mapped, nil
}

// Close implements io.Closer, forwarding it to the wrapped source if it is closeable.
func (m *mapSource) Close() error {
	if closer, ok := m.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// WithLengthOf returns a Source that sets the field lengthKey of every example to the length of
// the slice (or string) stored in field. Examples where field is missing or is not a slice are left
// unchanged: the batcher will then report them as invalid.
//
// The fields map is copied, since examples are immutable.
func WithLengthOf(src Source, lengthKey, field string) Source {
	return Map(src, func(e Example) (Example, error) {
		value, found := e.Fields[field]
		if !found {
			return e, nil
		}
		v := reflect.ValueOf(value)
		switch v.Kind() {
		case reflect.Slice, reflect.Array, reflect.String:
		default:
			return e, nil
		}
		fields := make(map[string]any, len(e.Fields)+1)
		for k, value := range e.Fields {
			fields[k] = value
		}
		fields[lengthKey] = v.Len()
		return Example{Fields: fields}, nil
	})
}

// String implements fmt.Stringer.
func (m *mapSource) String() string { return fmt.Sprintf("Map(%s)", m.src.Name()) }
