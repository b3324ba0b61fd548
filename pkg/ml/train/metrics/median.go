// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/dynbatch/pkg/ml/data"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of a value from a streaming
// input, using a reservoir of random samples.
type StreamingMedianMetric struct {
	baseMetric
	mu                         sync.Mutex
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric of valueFn.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName string, valueFn BatchValueFn, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric:    baseMetric{name: name, shortName: shortName, valueFn: valueFn, pPrintFn: prettyPrintFn},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// WithRand sets the random number generator used to sample, for reproducible results.
func (m *StreamingMedianMetric) WithRand(rng *rand.Rand) *StreamingMedianMetric {
	m.rng = rng
	return m
}

// Update implements Interface.
func (m *StreamingMedianMetric) Update(batch *data.Batch) {
	x := m.valueFn(batch)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == nil {
		m.samples = make([]float64, 0, m.maxNumSamples)
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	// We replace the new sampled x in a random position.
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Value implements Interface.
func (m *StreamingMedianMetric) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset implements Interface.
func (m *StreamingMedianMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
	m.samplesSeen = 0
}
