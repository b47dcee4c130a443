// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for training runs on the command line.
package commandline

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/cifarcnn/pkg/trainer"
)

// RunTableHeaders are the columns of RenderRunTable.
var RunTableHeaders = []string{"Run", "Start epoch", "Epochs run", "Best accuracy", "Final LR", "Predictions", "Duration"}

// RenderRunTable renders one row per report.
func RenderRunTable(reports []*trainer.Report) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(RunTableHeaders...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		})
	for _, r := range reports {
		if r == nil {
			continue
		}
		table.Row(
			r.RunID,
			strconv.Itoa(r.StartEpoch),
			strconv.Itoa(r.EpochsRun),
			fmt.Sprintf("%.4f", r.Best),
			fmt.Sprintf("%.4g", r.FinalLR),
			humanize.Comma(int64(r.Predictions)),
			FormatDuration(r.Duration),
		)
	}
	return table.String()
}

// ReportEpochs prints the stats of every epoch of the report.
func ReportEpochs(report *trainer.Report) {
	fmt.Printf("Run %s:\n", report.RunID)
	for _, e := range report.Epochs {
		checkpointed := ""
		if e.Checkpointed {
			checkpointed = " (checkpoint saved)"
		}
		fmt.Printf("\tepoch %d: train loss=%.4f acc=%.4f, validation loss=%.4f acc=%.4f (%.2f%% of samples), lr=%g, %s%s\n",
			e.Epoch, e.TrainLoss, e.TrainAccuracy, e.ValidationLoss, e.ValidationAccuracy,
			100*e.ValidationPerSampleAccuracy, e.LearningRate, FormatDuration(e.Duration), checkpointed)
	}
}
