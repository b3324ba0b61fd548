// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data defines the unit of data flowing through the batching pipeline (Example and Batch),
// the Source of examples and the Collator that pads a group of examples into one Batch.
//
// A Source may be finite (it returns io.EOF when exhausted) or infinite, e.g. a finite source wrapped
// with Repeat. Both implement the same interface, and the rest of the pipeline handles either.
package data

import (
	"encoding/json"
	"math"
	"reflect"

	"github.com/pkg/errors"
)

// ErrInvalidLength is returned (wrapped) when an example has a missing, non-numeric, negative or
// non-finite length field.
var ErrInvalidLength = errors.New("invalid example length")

// Example is an ordered set of named fields, one of which holds the example length.
//
// Examples are immutable once handed to a batcher, and each one is consumed exactly once.
type Example struct {
	Fields map[string]any
}

// NewExample creates an example with the given fields. The map is not copied.
func NewExample(fields map[string]any) Example {
	return Example{Fields: fields}
}

// Get returns the value of a field, and whether it is present.
func (e Example) Get(name string) (value any, found bool) {
	value, found = e.Fields[name]
	return
}

// Length extracts the length stored under lengthKey.
//
// Any Go integer or floating point kind, and json.Number, are accepted. Fractional values are
// rounded up, since padding works in whole elements.
func (e Example) Length(lengthKey string) (int, error) {
	value, found := e.Fields[lengthKey]
	if !found {
		return 0, errors.Wrapf(ErrInvalidLength, "length field %q missing", lengthKey)
	}
	length, err := toLength(value)
	if err != nil {
		return 0, errors.WithMessagef(err, "length field %q", lengthKey)
	}
	return length, nil
}

func toLength(value any) (int, error) {
	if n, ok := value.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidLength, "can't parse %q as a number", n.String())
		}
		value = f
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Int() < 0 {
			return 0, errors.Wrapf(ErrInvalidLength, "negative length %d", v.Int())
		}
		return int(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if v.Uint() > math.MaxInt {
			return 0, errors.Wrapf(ErrInvalidLength, "length %d overflows int", v.Uint())
		}
		return int(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, errors.Wrapf(ErrInvalidLength, "non-finite length %g", f)
		}
		if f < 0 {
			return 0, errors.Wrapf(ErrInvalidLength, "negative length %g", f)
		}
		if f > math.MaxInt32*float64(math.MaxInt32) {
			return 0, errors.Wrapf(ErrInvalidLength, "length %g too large", f)
		}
		return int(math.Ceil(f)), nil
	case reflect.Invalid:
		return 0, errors.Wrap(ErrInvalidLength, "length is nil")
	}
	return 0, errors.Wrapf(ErrInvalidLength, "non-numeric length of type %T", value)
}
