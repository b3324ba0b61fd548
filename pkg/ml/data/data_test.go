// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"encoding/json"
	"io"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExampleLength(t *testing.T) {
	valid := []struct {
		value any
		want  int
	}{
		{7, 7},
		{int8(3), 3},
		{int64(16000), 16000},
		{uint32(12), 12},
		{float32(2.0), 2},
		{2.5, 3}, // Rounded up.
		{0, 0},
		{json.Number("65000"), 65000},
	}
	for _, tt := range valid {
		e := NewExample(map[string]any{"len": tt.value})
		got, err := e.Length("len")
		require.NoErrorf(t, err, "Length(%#v)", tt.value)
		assert.Equalf(t, tt.want, got, "Length(%#v)", tt.value)
	}

	invalid := []any{-1, -0.5, math.NaN(), math.Inf(1), "12", []int{1, 2}, nil, json.Number("abc")}
	for _, value := range invalid {
		e := NewExample(map[string]any{"len": value})
		_, err := e.Length("len")
		require.Errorf(t, err, "Length(%#v) should fail", value)
		assert.Truef(t, errors.Is(err, ErrInvalidLength), "Length(%#v) error should wrap ErrInvalidLength, got %v", value, err)
	}

	_, err := NewExample(map[string]any{"tokens": []int{1}}).Length("len")
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestPaddingRatio(t *testing.T) {
	assert.Equal(t, 0.0, PaddingRatio([]int{5, 5, 5}, 5))
	assert.InDelta(t, 0.5625, PaddingRatio([]int{1, 1, 1, 4}, 4), 1e-12)
	// 1 - 1/S when one example has the max length and the others length 1, with L == S.
	assert.InDelta(t, 1-7.0/16.0, PaddingRatio([]int{4, 1, 1, 1}, 4), 1e-12)
	assert.Equal(t, 0.0, PaddingRatio(nil, 4))
	assert.Equal(t, 0.0, PaddingRatio([]int{0, 0}, 0))

	b := &Batch{Lengths: []int{1, 1, 1, 4}, MaxLength: 4}
	assert.Equal(t, 4, b.Size())
	assert.Equal(t, int64(16), b.Numel())
	assert.Equal(t, int64(7), b.ValidNumel())
	assert.InDelta(t, 0.5625, b.PaddingRatio(), 1e-12)
}

func TestEmitReasonString(t *testing.T) {
	assert.Equal(t, "target", EmitTarget.String())
	assert.Equal(t, "overflow", EmitOverflow.String())
	assert.Equal(t, "oversized", EmitOversized.String())
	assert.Equal(t, "flush", EmitFlush.String())
	assert.Equal(t, "EmitReason(17)", EmitReason(17).String())
}

func TestPadCollator(t *testing.T) {
	examples := []Example{
		NewExample(map[string]any{"len": 2, "tokens": []int32{1, 2}, "id": "a", "weights": []float32{0.5, 0.5}}),
		NewExample(map[string]any{"len": 4, "tokens": []int32{3, 4, 5, 6}, "id": "b"}),
		NewExample(map[string]any{"len": 1, "tokens": []int32{7}, "id": "c", "weights": []float32{1}}),
	}
	c := &PadCollator{LengthKey: "len", PadValues: map[string]any{"tokens": int32(-1)}}
	b, err := c.Collate(examples, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 1}, b.Lengths)
	assert.Equal(t, 4, b.MaxLength)
	assert.Equal(t, [][]int32{{1, 2, -1, -1}, {3, 4, 5, 6}, {7, -1, -1, -1}}, b.Fields["tokens"])
	assert.Equal(t, [][]float32{{0.5, 0.5, 0, 0}, {0, 0, 0, 0}, {1, 0, 0, 0}}, b.Fields["weights"])
	assert.Equal(t, []any{"a", "b", "c"}, b.Fields["id"])
	assert.Equal(t, []any{2, 4, 1}, b.Fields["len"])
	assert.InDelta(t, 1-7.0/12.0, b.PaddingRatio(), 1e-12)

	// Example longer than the padded length.
	_, err = c.Collate(examples, 3)
	require.Error(t, err)

	// Inconsistent types.
	_, err = c.Collate([]Example{
		NewExample(map[string]any{"len": 1, "tokens": []int32{1}}),
		NewExample(map[string]any{"len": 1, "tokens": []int64{1}}),
	}, 1)
	require.Error(t, err)

	// Wrong pad value type.
	c.PadValues["tokens"] = -1 // int, not int32
	_, err = c.Collate(examples, 4)
	require.Error(t, err)

	_, err = c.Collate(nil, 4)
	require.Error(t, err)
}

func TestCollatorFn(t *testing.T) {
	var c Collator = CollatorFn(func(examples []Example, maxLength int) (*Batch, error) {
		return &Batch{Examples: examples, Lengths: make([]int, len(examples)), MaxLength: maxLength}, nil
	})
	b, err := c.Collate([]Example{{}, {}}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Size())
}

func makeExamples(lengths ...int) []Example {
	examples := make([]Example, len(lengths))
	for ii, l := range lengths {
		examples[ii] = NewExample(map[string]any{"len": l, "idx": ii})
	}
	return examples
}

func readAll(t *testing.T, src Source, limit int) []Example {
	var all []Example
	for len(all) < limit {
		e, err := src.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		all = append(all, e)
	}
	return all
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource("slice", makeExamples(1, 2, 3))
	assert.Equal(t, "slice", src.Name())
	assert.Equal(t, 3, src.Len())
	require.Len(t, readAll(t, src, 100), 3)
	_, err := src.Yield()
	require.Equal(t, io.EOF, err)
	src.Reset()
	require.Len(t, readAll(t, src, 100), 3)
}

func TestRepeat(t *testing.T) {
	src := Repeat(NewSliceSource("slice", makeExamples(1, 2, 3)))
	assert.Equal(t, "slice [Repeat]", src.Name())
	all := readAll(t, src, 10)
	require.Len(t, all, 10)
	for ii, e := range all {
		assert.Equal(t, ii%3, e.Fields["idx"])
	}

	empty := Repeat(NewSliceSource("empty", nil))
	_, err := empty.Yield()
	require.ErrorIs(t, err, ErrEmptySource)
}

func TestChannelSource(t *testing.T) {
	c := make(chan Example, 2)
	src := NewChannelSource("chan", c)
	c <- NewExample(map[string]any{"len": 1})
	c <- NewExample(map[string]any{"len": 2})
	close(c)
	require.Len(t, readAll(t, src, 100), 2)

	// Close unblocks a pending Yield.
	blocking := NewChannelSource("blocking", make(chan Example))
	done := make(chan error)
	go func() {
		_, err := blocking.Yield()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, blocking.Close())
	require.NoError(t, blocking.Close()) // Idempotent.
	select {
	case err := <-done:
		require.Equal(t, io.EOF, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ChannelSource.Close did not unblock Yield")
	}
}

func TestMap(t *testing.T) {
	src := Map(NewSliceSource("slice", makeExamples(1, 2)), func(e Example) (Example, error) {
		return NewExample(map[string]any{"len": e.Fields["len"].(int) * 10}), nil
	})
	all := readAll(t, src, 100)
	require.Len(t, all, 2)
	assert.Equal(t, 20, all[1].Fields["len"])

	// Panics are converted to errors.
	src = Map(NewSliceSource("slice", makeExamples(1)), func(e Example) (Example, error) {
		panic(errors.New("boom"))
	})
	_, err := src.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// Errors are propagated.
	src = Map(NewSliceSource("slice", makeExamples(1)), func(e Example) (Example, error) {
		return e, errors.New("bad example")
	})
	_, err = src.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad example")
}

func TestWithLengthOf(t *testing.T) {
	src := WithLengthOf(NewSliceSource("tokens", []Example{
		NewExample(map[string]any{"tokens": []int{1, 2, 3}}),
		NewExample(map[string]any{"text": "hello"}),
	}), "len", "tokens")
	e, err := src.Yield()
	require.NoError(t, err)
	length, err := e.Length("len")
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	e, err = src.Yield()
	require.NoError(t, err)
	_, err = e.Length("len")
	require.ErrorIs(t, err, ErrInvalidLength)
}
