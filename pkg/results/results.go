// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package results writes the CSV files produced by training runs and reads them back for reports.
//
// Files, all under the output directory:
//
//   - results_<run>.csv: one "epoch,accuracy" row per epoch, with a "Epoch,Accuracy" header written
//     at epoch 0.
//   - finalResults.csv: one "run,reg,decay,momentum,epochs,lr,best" row per finished run, no header.
//   - label.csv (or any other path): "Id,Category" predictions of the test inference.
//
// Result files are only appended to, and every file is closed before the call returns.
package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/cifarcnn/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	// SummaryFileName is the file with one row per finished run.
	SummaryFileName = "finalResults.csv"

	// EpochHeader is written at the top of each per-run file.
	EpochHeader = "Epoch,Accuracy"

	// PredictionHeader is written at the top of the predictions file.
	PredictionHeader = "Id,Category"

	epochFilePrefix = "results_"
	csvSuffix       = ".csv"
)

// SummaryColumns are the columns of the summary file.
var SummaryColumns = []string{"run", "reg", "decay", "momentum", "epochs", "lr", "best"}

// Hyperparameters of a run, as recorded in the summary.
type Hyperparameters struct {
	RegularizationWeight float64
	LRDecay              float64
	Momentum             float64
	Epochs               int
	InitialLR            float64
}

// EpochResult is one row of a per-run file.
type EpochResult struct {
	Epoch    int
	Accuracy float64
}

// Logger appends results to the files in Dir.
type Logger struct {
	Dir string
}

// EpochPath returns the path of the per-run file.
func (l Logger) EpochPath(runID string) string {
	return filepath.Join(l.Dir, epochFilePrefix+runID+csvSuffix)
}

// SummaryPath returns the path of the summary file.
func (l Logger) SummaryPath() string {
	return filepath.Join(l.Dir, SummaryFileName)
}

// formatFloat uses the shortest representation that reads back the same value.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// appendLines appends the lines to the file, creating it (and its directory) if needed.
func appendLines(path string, lines ...string) (err error) {
	if err = os.MkdirAll(filepath.Dir(path), fsutil.DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for append", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", path)
		}
	}()
	for _, line := range lines {
		if _, err = io.WriteString(f, line+"\n"); err != nil {
			return errors.Wrapf(err, "failed to write to %q", path)
		}
	}
	return nil
}

// AppendEpoch records the validation accuracy of the epoch. The header is written only for epoch 0,
// so a resumed run continues the same file without repeating it.
func (l Logger) AppendEpoch(runID string, epoch int, accuracy float64) error {
	row := fmt.Sprintf("%d,%s", epoch, formatFloat(accuracy))
	if epoch == 0 {
		return appendLines(l.EpochPath(runID), EpochHeader, row)
	}
	return appendLines(l.EpochPath(runID), row)
}

// AppendSummary records one finished run with its best validation accuracy.
func (l Logger) AppendSummary(runID string, hp Hyperparameters, best float64) error {
	row := strings.Join([]string{
		runID,
		formatFloat(hp.RegularizationWeight),
		formatFloat(hp.LRDecay),
		formatFloat(hp.Momentum),
		strconv.Itoa(hp.Epochs),
		formatFloat(hp.InitialLR),
		formatFloat(best),
	}, ",")
	return appendLines(l.SummaryPath(), row)
}

// PredictionWriter writes the test predictions file.
type PredictionWriter struct {
	path string
	f    *os.File
	w    *csv.Writer
}

// NewPredictionWriter creates (or truncates) the file at path and writes the header.
func NewPredictionWriter(path string) (*PredictionWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), fsutil.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create predictions file %q", path)
	}
	pw := &PredictionWriter{path: path, f: f, w: csv.NewWriter(f)}
	if err := pw.w.Write(strings.Split(PredictionHeader, ",")); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to write header to %q", path)
	}
	return pw, nil
}

// Write one prediction row.
func (pw *PredictionWriter) Write(id, class int) error {
	if err := pw.w.Write([]string{strconv.Itoa(id), strconv.Itoa(class)}); err != nil {
		return errors.Wrapf(err, "failed to write prediction %d to %q", id, pw.path)
	}
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (pw *PredictionWriter) Close() error {
	if pw.f == nil {
		return nil
	}
	pw.w.Flush()
	err := pw.w.Error()
	closeErr := pw.f.Close()
	pw.f = nil
	if err != nil {
		return errors.Wrapf(err, "failed to flush %q", pw.path)
	}
	return errors.Wrapf(closeErr, "failed to close %q", pw.path)
}

// ReadPredictions reads a predictions file, and returns the predicted class of each id. Ids must be
// consecutive and start at 0.
func ReadPredictions(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", path)
	}
	if strings.Join(header, ",") != PredictionHeader {
		return nil, errors.Errorf("%q: invalid header %q", path, strings.Join(header, ","))
	}
	var classes []int
	for {
		row, err := r.Read()
		if err == io.EOF {
			return classes, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %q", path)
		}
		id, err := strconv.Atoi(row[0])
		if err != nil || id != len(classes) {
			return nil, errors.Errorf("%q: expected id %d, got %q", path, len(classes), row[0])
		}
		class, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, errors.Wrapf(err, "%q: invalid category for id %d", path, id)
		}
		classes = append(classes, class)
	}
}

// ReadEpochs reads a per-run file. Header rows (also repeated ones, from runs restarted from
// scratch) are skipped.
func ReadEpochs(path string) ([]EpochResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", path)
	}
	var epochs []EpochResult
	for ii, row := range rows {
		if strings.Join(row, ",") == EpochHeader {
			continue
		}
		epoch, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, errors.Wrapf(err, "%q, line %d: invalid epoch", path, ii+1)
		}
		acc, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%q, line %d: invalid accuracy", path, ii+1)
		}
		epochs = append(epochs, EpochResult{Epoch: epoch, Accuracy: acc})
	}
	return epochs, nil
}

// ReadAllEpochs reads every per-run file in dir, keyed by run id.
func ReadAllEpochs(dir string) (map[string][]EpochResult, error) {
	paths, err := filepath.Glob(filepath.Join(dir, epochFilePrefix+"*"+csvSuffix))
	if err != nil {
		return nil, errors.Wrapf(err, "listing results in %q", dir)
	}
	sort.Strings(paths)
	byRun := make(map[string][]EpochResult, len(paths))
	for _, path := range paths {
		runID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), epochFilePrefix), csvSuffix)
		epochs, err := ReadEpochs(path)
		if err != nil {
			return nil, err
		}
		byRun[runID] = epochs
	}
	return byRun, nil
}
