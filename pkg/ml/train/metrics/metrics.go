/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package metrics holds a library of batch metrics (batch size, numel, padding ratio), and BatchStats
// that aggregates them for a training loop.
package metrics

import (
	"fmt"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/pkg/ml/data"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// Update the metric with a new batch.
	Update(batch *data.Batch)

	// Value returns the current value of the metric, or NaN if it has seen no batches.
	Value() float64

	// PrettyPrint a value of the metric.
	PrettyPrint(value float64) string

	// Reset the metric state.
	Reset()
}

// BatchValueFn extracts the value to be measured from one batch.
type BatchValueFn func(batch *data.Batch) float64

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// Common BatchValueFn.
var (
	BatchSize    BatchValueFn = func(b *data.Batch) float64 { return float64(b.Size()) }
	Numel        BatchValueFn = func(b *data.Batch) float64 { return float64(b.Numel()) }
	ValidNumel   BatchValueFn = func(b *data.Batch) float64 { return float64(b.ValidNumel()) }
	PaddingRatio BatchValueFn = func(b *data.Batch) float64 { return b.PaddingRatio() }
)

// IntPPrint prints the value rounded as an integer, with thousands separators.
func IntPPrint(value float64) string {
	if math.IsNaN(value) {
		return "-"
	}
	return humanize.Comma(int64(math.Round(value)))
}

// PercentagePPrint prints a ratio as a percentage.
func PercentagePPrint(value float64) string {
	if math.IsNaN(value) {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", 100*value)
}

// baseMetric holds the common fields of the metrics.
type baseMetric struct {
	name, shortName string
	valueFn         BatchValueFn
	pPrintFn        PrettyPrintFn
}

// Name implements Interface.
func (m *baseMetric) Name() string { return m.name }

// ShortName implements Interface.
func (m *baseMetric) ShortName() string { return m.shortName }

// PrettyPrint implements Interface.
func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn != nil {
		return m.pPrintFn(value)
	}
	if math.IsNaN(value) {
		return "-"
	}
	return fmt.Sprintf("%.3g", value)
}

// MeanMetric is the mean of a value over all batches since the last Reset.
type MeanMetric struct {
	baseMetric
	mu    sync.Mutex
	sum   float64
	count int64
}

// NewMeanMetric creates a metric with the mean of valueFn over batches.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName string, valueFn BatchValueFn, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, valueFn: valueFn, pPrintFn: prettyPrintFn}}
}

// Update implements Interface.
func (m *MeanMetric) Update(batch *data.Batch) {
	v := m.valueFn(batch)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sum += v
	m.count++
}

// Value implements Interface.
func (m *MeanMetric) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

// Reset implements Interface.
func (m *MeanMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sum, m.count = 0, 0
}

// MovingAverageMetric is an exponential moving average of a value over batches.
type MovingAverageMetric struct {
	baseMetric
	newExampleWeight float64

	mu    sync.Mutex
	value float64
	count int64
}

// NewExponentialMovingAverageMetric creates a metric with the moving average of valueFn, where each new
// batch has weight newExampleWeight (for the first batches, while 1/count is larger, the plain mean is used).
func NewExponentialMovingAverageMetric(name, shortName string, valueFn BatchValueFn, prettyPrintFn PrettyPrintFn,
	newExampleWeight float64) *MovingAverageMetric {
	return &MovingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, valueFn: valueFn, pPrintFn: prettyPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements Interface.
func (m *MovingAverageMetric) Update(batch *data.Batch) {
	v := m.valueFn(batch)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	weight := max(m.newExampleWeight, 1/float64(m.count))
	m.value = m.value*(1-weight) + v*weight
}

// Value implements Interface.
func (m *MovingAverageMetric) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return math.NaN()
	}
	return m.value
}

// Reset implements Interface.
func (m *MovingAverageMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value, m.count = 0, 0
}
