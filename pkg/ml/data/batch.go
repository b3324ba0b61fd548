// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import "fmt"

// EmitReason tells why a bucket was emitted as a Batch.
type EmitReason int

const (
	// EmitTarget means the bucket reached the target element budget.
	EmitTarget EmitReason = iota

	// EmitOverflow means the next example would have pushed the bucket over the maximum budget, so
	// the bucket was emitted as it was, possibly under the target.
	EmitOverflow

	// EmitOversized means a single example exceeds the maximum budget by itself, and it was emitted
	// alone.
	EmitOversized

	// EmitFlush means the batcher was closed, and the bucket was emitted regardless of its size.
	EmitFlush
)

// String implements fmt.Stringer.
func (r EmitReason) String() string {
	switch r {
	case EmitTarget:
		return "target"
	case EmitOverflow:
		return "overflow"
	case EmitOversized:
		return "oversized"
	case EmitFlush:
		return "flush"
	}
	return fmt.Sprintf("EmitReason(%d)", int(r))
}

// Batch is a group of examples from one bucket, padded to a common length.
//
// Ownership is transferred to the consumer once yielded: the batcher keeps no reference to it.
type Batch struct {
	// Examples in bucket arrival order.
	Examples []Example

	// Fields holds the collated (padded) value of each field: see Collator.
	Fields map[string]any

	// Lengths holds the true (unpadded) length of each example, aligned with Examples.
	Lengths []int

	// MaxLength is the padded length L, the maximum of Lengths.
	MaxLength int

	// Bucket is the rank of the bucket the batch was built from.
	Bucket int

	// Reason the batch was emitted.
	Reason EmitReason
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Lengths) }

// Numel returns the padded element count, Size() * MaxLength.
func (b *Batch) Numel() int64 { return int64(len(b.Lengths)) * int64(b.MaxLength) }

// ValidNumel returns the sum of the true lengths.
func (b *Batch) ValidNumel() int64 {
	var sum int64
	for _, l := range b.Lengths {
		sum += int64(l)
	}
	return sum
}

// PaddingRatio returns the fraction of the batch elements that are padding. See PaddingRatio.
func (b *Batch) PaddingRatio() float64 { return PaddingRatio(b.Lengths, b.MaxLength) }

// String implements fmt.Stringer.
func (b *Batch) String() string {
	return fmt.Sprintf("Batch(bucket=%d, size=%d, max_length=%d, numel=%d, reason=%s)",
		b.Bucket, b.Size(), b.MaxLength, b.Numel(), b.Reason)
}

// PaddingRatio computes 1 - sum(lengths) / (S * paddedLength), where S = len(lengths).
//
// It returns 0 for an empty batch or a zero paddedLength. It is meant for diagnostics.
func PaddingRatio(lengths []int, paddedLength int) float64 {
	if len(lengths) == 0 || paddedLength <= 0 {
		return 0
	}
	var sum int64
	for _, l := range lengths {
		sum += int64(l)
	}
	return 1 - float64(sum)/(float64(len(lengths))*float64(paddedLength))
}
