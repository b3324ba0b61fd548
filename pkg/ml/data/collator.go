// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"sort"

	"github.com/pkg/errors"
)

// Collator builds one Batch out of examples of the same bucket.
//
// It must pad every variable-length field to maxLength, and fill Batch.Lengths with the true length of
// each example, in the same order as examples. The batcher fills Batch.Bucket and Batch.Reason.
type Collator interface {
	Collate(examples []Example, maxLength int) (*Batch, error)
}

// CollatorFn adapts a function to the Collator interface.
type CollatorFn func(examples []Example, maxLength int) (*Batch, error)

// Collate implements Collator.
func (fn CollatorFn) Collate(examples []Example, maxLength int) (*Batch, error) {
	return fn(examples, maxLength)
}

// PadCollator is the default Collator.
//
// Fields holding slices of a supported element type ([]int, []int32, []int64, []float32, []float64,
// []string or []bool) are padded to maxLength into a [][]T. Any other field is gathered into a []any,
// one value per example. An example missing a field contributes the pad value (for slices) or nil.
type PadCollator struct {
	// LengthKey is the field with the example length.
	LengthKey string

	// PadValues optionally sets the pad value per field. It must have the slice element type.
	// It defaults to the zero value.
	PadValues map[string]any
}

// Collate implements Collator.
func (c *PadCollator) Collate(examples []Example, maxLength int) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("PadCollator: trying to collate zero examples")
	}
	b := &Batch{
		Examples:  examples,
		Fields:    make(map[string]any),
		Lengths:   make([]int, len(examples)),
		MaxLength: maxLength,
	}
	for ii, e := range examples {
		length, err := e.Length(c.LengthKey)
		if err != nil {
			return nil, errors.WithMessagef(err, "PadCollator: example #%d", ii)
		}
		if length > maxLength {
			return nil, errors.Errorf("PadCollator: example #%d has length %d > max length %d", ii, length, maxLength)
		}
		b.Lengths[ii] = length
	}

	// Field names are sorted so errors are reproducible.
	names := make(map[string]struct{})
	for _, e := range examples {
		for name := range e.Fields {
			names[name] = struct{}{}
		}
	}
	sortedNames := make([]string, 0, len(names))
	for name := range names {
		sortedNames = append(sortedNames, name)
	}
	sort.Strings(sortedNames)

	for _, name := range sortedNames {
		value, err := c.collateField(examples, name, maxLength)
		if err != nil {
			return nil, errors.WithMessagef(err, "PadCollator: field %q", name)
		}
		b.Fields[name] = value
	}
	return b, nil
}

func (c *PadCollator) collateField(examples []Example, name string, maxLength int) (any, error) {
	var first any
	for _, e := range examples {
		if v, found := e.Fields[name]; found && v != nil {
			first = v
			break
		}
	}
	pad := c.PadValues[name]
	switch first.(type) {
	case []int:
		return padField[int](examples, name, maxLength, pad)
	case []int32:
		return padField[int32](examples, name, maxLength, pad)
	case []int64:
		return padField[int64](examples, name, maxLength, pad)
	case []float32:
		return padField[float32](examples, name, maxLength, pad)
	case []float64:
		return padField[float64](examples, name, maxLength, pad)
	case []string:
		return padField[string](examples, name, maxLength, pad)
	case []bool:
		return padField[bool](examples, name, maxLength, pad)
	}
	gathered := make([]any, len(examples))
	for ii, e := range examples {
		gathered[ii] = e.Fields[name]
	}
	return gathered, nil
}

// padField pads the []T values of the field to maxLength.
func padField[T any](examples []Example, name string, maxLength int, pad any) ([][]T, error) {
	var padValue T
	if pad != nil {
		var ok bool
		padValue, ok = pad.(T)
		if !ok {
			return nil, errors.Errorf("pad value %#v has type %T, expected %T", pad, pad, padValue)
		}
	}
	result := make([][]T, len(examples))
	for ii, e := range examples {
		var values []T
		if v, found := e.Fields[name]; found && v != nil {
			var ok bool
			values, ok = v.([]T)
			if !ok {
				return nil, errors.Errorf("example #%d has type %T, expected %T like previous examples", ii, v, values)
			}
		}
		if len(values) > maxLength {
			return nil, errors.Errorf("example #%d has %d values, more than the padded length %d", ii, len(values), maxLength)
		}
		padded := make([]T, maxLength)
		n := copy(padded, values)
		for jj := n; jj < maxLength; jj++ {
			padded[jj] = padValue
		}
		result[ii] = padded
	}
	return result, nil
}
