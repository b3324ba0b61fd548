// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: parsing of batching
// settings from a flag, a progress bar with batch statistics for a train.Loop, and a summary report.
package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/dynbatch/pkg/ml/datasets"
	"github.com/gomlx/dynbatch/pkg/ml/train/metrics"
)

// newTable creates an empty table in the style used by the package.
func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// SprintStats renders the batch statistics as a table. If bucketed is not nil, its counters
// (examples read, skipped, discarded) are included.
func SprintStats(snapshot metrics.Snapshot, bucketed *datasets.BucketedStats) string {
	table := newTable()
	table.Row("Batches", humanize.Comma(snapshot.Batches))
	table.Row("Examples", humanize.Comma(snapshot.Examples))
	table.Row("Numel (padded)", humanize.Comma(snapshot.Numel))
	table.Row("Numel (valid)", humanize.Comma(snapshot.ValidNumel))
	table.Row("Padding ratio", metrics.PercentagePPrint(snapshot.PaddingRatio))
	table.Row("Mean padding ratio", metrics.PercentagePPrint(snapshot.MeanPaddingRatio))
	table.Row("Batch size (min/mean/median/max)", fmt.Sprintf("%d / %.1f / %s / %d",
		snapshot.MinBatchSize, snapshot.MeanBatchSize, metrics.IntPPrint(snapshot.MedianBatchSize), snapshot.MaxBatchSize))
	for _, reason := range []data.EmitReason{data.EmitTarget, data.EmitOverflow, data.EmitOversized, data.EmitFlush} {
		if count := snapshot.ByReason[reason]; count > 0 {
			table.Row("Emitted by "+reason.String(), humanize.Comma(count))
		}
	}
	buckets := make([]int, 0, len(snapshot.ByBucket))
	for bucket := range snapshot.ByBucket {
		buckets = append(buckets, bucket)
	}
	slices.Sort(buckets)
	for _, bucket := range buckets {
		table.Row("Bucket #"+strconv.Itoa(bucket), humanize.Comma(snapshot.ByBucket[bucket]))
	}
	if bucketed != nil {
		table.Row("Examples read", humanize.Comma(bucketed.ExamplesRead))
		table.Row("Examples skipped", humanize.Comma(bucketed.ExamplesSkipped))
		table.Row("Examples discarded", humanize.Comma(bucketed.ExamplesDiscarded))
	}
	return table.String()
}

// ReportStats writes the batch statistics table to w. If w is nil, it writes to os.Stdout.
func ReportStats(w io.Writer, snapshot metrics.Snapshot, bucketed *datasets.BucketedStats) error {
	if w == nil {
		w = os.Stdout
	}
	_, err := fmt.Fprintln(w, SprintStats(snapshot, bucketed))
	return err
}

// Environment variables set by the Jupyter kernels: bash_kernel and GoNB.
const (
	bashKernelEnv = "NOTEBOOK_BASH_KERNEL_CAPABILITIES"
	goNBKernelEnv = "GONB_PIPE"
)

// IsNotebook returns whether running inside a Jupyter notebook, in which case the progress bar
// doesn't use ANSI cursor movements.
func IsNotebook() bool {
	for _, env := range []string{bashKernelEnv, goNBKernelEnv} {
		if _, found := os.LookupEnv(env); found {
			return true
		}
	}
	return false
}
