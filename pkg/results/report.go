// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package results

import (
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// summaryTypes of the summary columns.
var summaryTypes = map[string]series.Type{
	"run":      series.String,
	"reg":      series.Float,
	"decay":    series.Float,
	"momentum": series.Float,
	"epochs":   series.Int,
	"lr":       series.Float,
	"best":     series.Float,
}

// LoadSummary reads the summary file into a DataFrame with the SummaryColumns.
func LoadSummary(path string) (dataframe.DataFrame, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to read %q", path)
	}
	if len(strings.TrimSpace(string(contents))) == 0 {
		return dataframe.DataFrame{}, errors.Errorf("summary %q is empty", path)
	}
	df := dataframe.ReadCSV(strings.NewReader(string(contents)), dataframe.HasHeader(false),
		dataframe.Names(SummaryColumns...), dataframe.WithTypes(summaryTypes))
	if df.Err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Err, "failed to parse %q", path)
	}
	return df, nil
}

// SummaryReport renders the topN runs of the summary file, sorted by best accuracy (descending).
// If topN <= 0 all runs are included.
func SummaryReport(path string, topN int) (string, error) {
	df, err := LoadSummary(path)
	if err != nil {
		return "", err
	}
	df = df.Arrange(dataframe.RevSort("best"))
	if df.Err != nil {
		return "", errors.Wrap(df.Err, "sorting summary")
	}
	if topN > 0 && topN < df.Nrow() {
		rows := make([]int, topN)
		for ii := range rows {
			rows[ii] = ii
		}
		df = df.Subset(rows)
	}
	return df.String(), nil
}

// PlotAccuracy draws the validation accuracy per epoch of each run, and saves the plot to path. The
// image format is taken from the file extension (e.g. ".png" or ".svg").
func PlotAccuracy(epochsByRun map[string][]EpochResult, path string) error {
	if len(epochsByRun) == 0 {
		return errors.New("no results to plot")
	}
	p := plot.New()
	p.Title.Text = "Validation accuracy"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "accuracy"
	p.Legend.Top = true

	runIDs := make([]string, 0, len(epochsByRun))
	for runID := range epochsByRun {
		runIDs = append(runIDs, runID)
	}
	sort.Strings(runIDs)
	for ii, runID := range runIDs {
		epochs := slices.Clone(epochsByRun[runID])
		slices.SortStableFunc(epochs, func(a, b EpochResult) int { return a.Epoch - b.Epoch })
		points := make(plotter.XYs, len(epochs))
		for jj, e := range epochs {
			points[jj].X = float64(e.Epoch)
			points[jj].Y = e.Accuracy
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return errors.Wrapf(err, "plotting run %q", runID)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add("run "+runID, line)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}
