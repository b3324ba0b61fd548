// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bucketing routes examples of similar length into the same bucket, so batches built from one
// bucket waste little space on padding.
//
// A Scheme maps an example length to a bucket rank in [0, NumBuckets()). The number of buckets is fixed
// when the scheme is created, which allows the batcher to keep its accumulators in a pre-sized array.
//
// # Available Schemes
//
//   - Single: one unbounded bucket, which degrades to plain dynamic batching.
//   - Boundaries: an explicit ordered list of (inclusive) upper length thresholds.
//   - FromStrategy: boundaries generated by a rounding Strategy (Pow2, Linear, Exponential) up
//     to a maximum length.
//
// Example:
//
//	scheme, err := bucketing.Boundaries(128, 256, 512, 1024)
//	// lengths 1..128 -> 0, 129..256 -> 1, ..., > 1024 -> 4
//	rank := scheme.Bucket(300) // 2
package bucketing

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Scheme assigns example lengths to buckets.
//
// Implementations must be deterministic, and must return a rank in [0, NumBuckets()) for any
// non-negative length.
type Scheme interface {
	// NumBuckets is the fixed number of buckets of the scheme.
	NumBuckets() int

	// Bucket returns the rank of the bucket for the given length.
	Bucket(length int) int

	// UpperBound returns the largest length routed to the bucket of the given rank,
	// or -1 if the bucket is unbounded.
	UpperBound(rank int) int
}

// singleScheme has exactly one unbounded bucket.
type singleScheme struct{}

// Single returns the scheme with one unbounded bucket.
func Single() Scheme { return singleScheme{} }

func (singleScheme) NumBuckets() int    { return 1 }
func (singleScheme) Bucket(int) int     { return 0 }
func (singleScheme) UpperBound(int) int { return -1 }
func (singleScheme) String() string     { return "Single()" }

// BoundariesScheme routes lengths using a strictly increasing list of inclusive upper bounds.
// A list of k boundaries yields k+1 buckets: the last one takes every length larger than the last
// boundary.
type BoundariesScheme struct {
	boundaries []int
}

// Boundaries returns a scheme with the given inclusive upper bounds, which must be positive and
// strictly increasing. With no boundaries it is equivalent to Single.
func Boundaries(boundaries ...int) (Scheme, error) {
	if len(boundaries) == 0 {
		return Single(), nil
	}
	for ii, b := range boundaries {
		if b <= 0 {
			return nil, errors.Errorf("bucket boundary #%d is %d, boundaries must be positive", ii, b)
		}
		if ii > 0 && b <= boundaries[ii-1] {
			return nil, errors.Errorf("bucket boundaries must be strictly increasing, got %d after %d (boundary #%d)",
				b, boundaries[ii-1], ii)
		}
	}
	return &BoundariesScheme{boundaries: append([]int(nil), boundaries...)}, nil
}

// NumBuckets implements Scheme.
func (s *BoundariesScheme) NumBuckets() int { return len(s.boundaries) + 1 }

// Bucket implements Scheme.
func (s *BoundariesScheme) Bucket(length int) int {
	return sort.SearchInts(s.boundaries, length)
}

// UpperBound implements Scheme.
func (s *BoundariesScheme) UpperBound(rank int) int {
	if rank < 0 || rank >= len(s.boundaries) {
		return -1
	}
	return s.boundaries[rank]
}

// Boundaries returns a copy of the configured upper bounds.
func (s *BoundariesScheme) Boundaries() []int {
	return append([]int(nil), s.boundaries...)
}

// String implements fmt.Stringer.
func (s *BoundariesScheme) String() string {
	parts := make([]string, len(s.boundaries))
	for ii, b := range s.boundaries {
		parts[ii] = strconv.Itoa(b)
	}
	return fmt.Sprintf("Boundaries(%s)", strings.Join(parts, ","))
}

// FromStrategy generates the boundaries visited by the rounding strategy, starting at 1, until
// maxLength is covered. Lengths above maxLength land in a last unbounded bucket.
//
// The None strategy (or maxLength <= 0) yields the Single scheme.
//
// Example: FromStrategy(Pow2(), 1000) has boundaries 1,2,4,...,512,1024.
func FromStrategy(strategy Strategy, maxLength int) (Scheme, error) {
	if strategy == nil || maxLength <= 0 {
		return Single(), nil
	}
	if _, isNone := strategy.(NoneStrategy); isNone {
		return Single(), nil
	}
	var boundaries []int
	for length := 1; ; {
		b := strategy.Bucket(length)
		if b < length {
			return nil, errors.Errorf("strategy %T rounded length %d down to %d", strategy, length, b)
		}
		boundaries = append(boundaries, b)
		if b >= maxLength {
			break
		}
		length = b + 1
	}
	return Boundaries(boundaries...)
}

// Strategy rounds a length up to a "bucket" length.
//
// Implementations should:
//   - Return the input unchanged for non-positive values
//   - Return a value >= the input length (never shrink)
//   - Be deterministic (same input always produces same output)
type Strategy interface {
	// Bucket returns the rounded-up length.
	Bucket(length int) int
}

// Pow2Strategy rounds lengths up to the nearest power of 2.
//
// Example mappings: 1→1, 2→2, 3→4, 4→4, 5→8, 9→16, 17→32
type Pow2Strategy struct{}

// Pow2 returns a power-of-2 strategy.
func Pow2() Strategy {
	return Pow2Strategy{}
}

// Bucket implements Strategy.
func (Pow2Strategy) Bucket(length int) int {
	if length <= 1 {
		return length
	}
	v := uint64(length - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return int(v + 1)
}

// LinearStrategy rounds lengths up to multiples of Step.
//
// Example with step=8: 1→8, 8→8, 9→16, 16→16, 17→24
type LinearStrategy struct {
	Step int
}

// Linear returns a linear strategy. A non-positive step is taken as 1.
func Linear(step int) Strategy {
	if step <= 0 {
		step = 1
	}
	return LinearStrategy{Step: step}
}

// Bucket implements Strategy.
func (s LinearStrategy) Bucket(length int) int {
	if length <= 0 {
		return length
	}
	return ((length + s.Step - 1) / s.Step) * s.Step
}

// ExponentialStrategy rounds lengths up to ceil(Base^n) for the smallest such n.
// It is finer than Pow2 for bases below 2.
//
// Example with base=1.4: 1→1, 2→2, 3→3, 4→4, 5→6, 7→8, 9→11, 12→15, 16→21
type ExponentialStrategy struct {
	Base float64
}

// Exponential returns an exponential strategy. Bases <= 1 default to 2.
func Exponential(base float64) Strategy {
	if base <= 1.0 {
		base = 2.0
	}
	return ExponentialStrategy{Base: base}
}

// Bucket implements Strategy.
func (s ExponentialStrategy) Bucket(length int) int {
	if length <= 1 {
		return length
	}
	logBase := math.Log(s.Base)
	power := math.Ceil(math.Log(float64(length)) / logBase)
	result := int(math.Ceil(math.Pow(s.Base, power)))
	for result < length {
		power++
		result = int(math.Ceil(math.Pow(s.Base, power)))
	}
	return result
}

// NoneStrategy returns lengths unchanged.
type NoneStrategy struct{}

// None returns the identity strategy.
func None() Strategy {
	return NoneStrategy{}
}

// Bucket implements Strategy.
func (NoneStrategy) Bucket(length int) int {
	return length
}

// ParseStrategy parses a strategy name as used in configuration files and command-line settings:
// "pow2", "linear:<step>", "exp:<base>" or "none" (also "").
func ParseStrategy(name string) (Strategy, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	kind, arg, hasArg := strings.Cut(name, ":")
	switch kind {
	case "", "none":
		return None(), nil
	case "pow2":
		return Pow2(), nil
	case "linear":
		if !hasArg {
			return nil, errors.Errorf("strategy %q requires a step, e.g. \"linear:64\"", name)
		}
		step, err := strconv.Atoi(strings.ReplaceAll(arg, "_", ""))
		if err != nil || step <= 0 {
			return nil, errors.Errorf("invalid step in strategy %q", name)
		}
		return Linear(step), nil
	case "exp", "exponential":
		if !hasArg {
			return Exponential(2), nil
		}
		base, err := strconv.ParseFloat(arg, 64)
		if err != nil || base <= 1 {
			return nil, errors.Errorf("invalid base in strategy %q, it must be a number > 1", name)
		}
		return Exponential(base), nil
	}
	return nil, errors.Errorf("unknown bucketing strategy %q, valid values are \"pow2\", \"linear:<step>\", "+
		"\"exp:<base>\" or \"none\"", name)
}
