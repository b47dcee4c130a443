// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/gomlx/cifarcnn/pkg/checkpoint"
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/cifarcnn/pkg/results"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDatasets returns two training samples, and a validation set of ten copies of the same image
// with labels 0 to 9: whatever the model predicts, exactly one validation sample is correct.
func testDatasets() Datasets {
	var data Datasets
	for ii := range 2 {
		var s cifar.Sample
		s.Label = ii
		for jj := range s.Pixels {
			s.Pixels[jj] = byte(jj*7 + ii*31)
		}
		data.Train = append(data.Train, s)
	}
	for ii := range cifar.NumClasses {
		var s cifar.Sample
		s.Label = ii
		for jj := range s.Pixels {
			s.Pixels[jj] = byte(jj * 3)
		}
		data.Validation = append(data.Validation, s)
	}
	data.Test = data.Validation[:3]
	return data
}

func testConfig(t *testing.T) RunConfig {
	dir := t.TempDir()
	cfg := DefaultRunConfig()
	cfg.Epochs = 3
	cfg.TrainBatchSize = 2
	cfg.ValBatchSize = cifar.NumClasses
	cfg.TestBatchSize = 2
	cfg.TrainChain = augment.ChainNone
	cfg.Workers = 1
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.CheckpointDir = filepath.Join(dir, "saved_model")
	cfg.OutputDir = filepath.Join(dir, "output")
	cfg.PredictionsPath = filepath.Join(dir, PredictionsFileName)
	return cfg
}

func TestNewValidates(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	cfg.Momentum = 2
	_, err := New(cfg, backend, testDatasets())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.RunTestInference = true
	data := testDatasets()
	data.Test = nil
	_, err = New(cfg, backend, data)
	require.True(t, errors.Is(err, cifar.ErrMissingData), "got %v", err)
}

func TestRun(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	cfg.EmitSummary = true
	cfg.RunTestInference = true

	var states []State
	var numProgress int
	tr, err := New(cfg, backend, testDatasets(),
		WithOnState(func(s State) { states = append(states, s) }),
		WithProgress(func(Progress) { numProgress++ }))
	require.NoError(t, err)
	report, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Terminated, tr.State())

	epochStates := []State{TrainEpoch, ValidateEpoch, MaybeCheckpoint, MaybeDecayLR}
	want := []State{Initializing}
	for range cfg.Epochs {
		want = append(want, epochStates...)
	}
	want = append(want, Finished, TestInference, Terminated)
	assert.Equal(t, want, states)
	// One training batch, one validation batch per epoch, plus two test batches.
	assert.Equal(t, 2*cfg.Epochs+2, numProgress)

	assert.Equal(t, 0, report.StartEpoch)
	assert.Equal(t, cfg.Epochs, report.EpochsRun)
	require.Len(t, report.Epochs, cfg.Epochs)
	assert.Equal(t, 1.0, report.Best)
	assert.True(t, report.Epochs[0].Checkpointed)
	assert.False(t, report.Epochs[1].Checkpointed, "ties don't checkpoint")
	assert.Equal(t, 0.1, report.Epochs[2].LearningRate)
	assert.InDelta(t, 0.092, report.FinalLR, 1e-9)
	assert.Equal(t, 3, report.Predictions)

	epochs, err := results.ReadEpochs(results.Logger{Dir: cfg.OutputDir}.EpochPath(cfg.RunID))
	require.NoError(t, err)
	assert.Equal(t, []results.EpochResult{{0, 1}, {1, 1}, {2, 1}}, epochs)
	df, err := results.LoadSummary(results.Logger{Dir: cfg.OutputDir}.SummaryPath())
	require.NoError(t, err)
	assert.Equal(t, 1, df.Nrow())

	predictions, err := results.ReadPredictions(cfg.Predictions())
	require.NoError(t, err)
	require.Len(t, predictions, 3)
	for _, class := range predictions {
		assert.True(t, class >= 0 && class < cifar.NumClasses)
	}

	// The checkpoint of epoch 0 was kept.
	record, err := checkpoint.Store{Dir: cfg.CheckpointDir}.Load(cfg.ModelVariant)
	require.NoError(t, err)
	assert.Equal(t, 0, record.Epoch)
	assert.Equal(t, 0.1, record.LearningRate)
	assert.NotEmpty(t, record.Variables)

	// A new run resumes after the checkpointed epoch.
	cfg.EmitSummary, cfg.RunTestInference = false, false
	tr, err = New(cfg, backend, testDatasets())
	require.NoError(t, err)
	report, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StartEpoch)
	assert.Equal(t, 2, report.EpochsRun)
	epochs, err = results.ReadEpochs(results.Logger{Dir: cfg.OutputDir}.EpochPath(cfg.RunID))
	require.NoError(t, err)
	assert.Len(t, epochs, 5)

	// Unless asked to start from scratch.
	cfg.TrainFromScratch = true
	cfg.Epochs = 1
	tr, err = New(cfg, backend, testDatasets())
	require.NoError(t, err)
	report, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.StartEpoch)
	assert.Equal(t, 1, report.EpochsRun)

	_, err = tr.Run(context.Background())
	require.Error(t, err, "Run can only be called once")
}

// readLines returns the lines of the file, without the trailing newline.
func readLines(t *testing.T, path string) []string {
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(contents), "\n"), "\n")
}

func TestRunOneEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 1
	cfg.RunTestInference = true
	cfg.TestBatchSize = DefaultRunConfig().TestBatchSize
	require.Equal(t, 1, cfg.TestBatchSize)
	tr, err := New(cfg, graphtest.BuildTestBackend(), testDatasets())
	require.NoError(t, err)
	report, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.EpochsRun)
	assert.Equal(t, 3, report.Predictions)

	assert.Equal(t, []string{results.EpochHeader, "0,1"},
		readLines(t, results.Logger{Dir: cfg.OutputDir}.EpochPath(cfg.RunID)))

	// One batch per test image: ids still count samples, not batches.
	lines := readLines(t, cfg.Predictions())
	require.Len(t, lines, 4)
	assert.Equal(t, results.PredictionHeader, lines[0])
	for ii, line := range lines[1:] {
		id, class, found := strings.Cut(line, ",")
		require.True(t, found, "line %q", line)
		assert.Equal(t, strconv.Itoa(ii), id)
		c, err := strconv.Atoi(class)
		require.NoError(t, err)
		assert.True(t, c >= 0 && c < cifar.NumClasses, "class %d", c)
	}
}

func TestRunIgnoresUnusableCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, tc := range []struct {
		name  string
		write func(store checkpoint.Store, variant int) error
	}{
		{"corrupt", func(store checkpoint.Store, variant int) error {
			if err := os.MkdirAll(store.Dir, 0o755); err != nil {
				return err
			}
			return os.WriteFile(store.Path(variant), []byte("garbage, not a checkpoint"), 0o644)
		}},
		{"wrong shapes", func(store checkpoint.Store, variant int) error {
			record := &checkpoint.Record{
				Epoch:        1,
				LearningRate: 0.5,
				Variables: map[string]*tensors.Tensor{
					"/model/000_conv/weights": tensors.FromShape(shapes.Make(dtypes.Float32, 1)),
				},
			}
			return store.Save(record, variant)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Epochs = 2
			store := checkpoint.Store{Dir: cfg.CheckpointDir}
			require.NoError(t, tc.write(store, cfg.ModelVariant))

			tr, err := New(cfg, backend, testDatasets())
			require.NoError(t, err)
			report, err := tr.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, report.StartEpoch)
			assert.Equal(t, 2, report.EpochsRun)
			require.Len(t, report.Epochs, 2)
			assert.Equal(t, cfg.InitialLR, report.Epochs[0].LearningRate)

			// Replaced by the checkpoint of this run.
			record, err := store.Load(cfg.ModelVariant)
			require.NoError(t, err)
			assert.Equal(t, 0, record.Epoch)
		})
	}
}

func TestRunNoEpochs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 0
	cfg.EmitSummary = true
	var states []State
	tr, err := New(cfg, graphtest.BuildTestBackend(), Datasets{},
		WithOnState(func(s State) { states = append(states, s) }))
	require.NoError(t, err)
	report, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{Initializing, Finished, Terminated}, states)
	assert.Equal(t, 0, report.EpochsRun)
	assert.Equal(t, 0.0, report.Best)
	assert.Equal(t, cfg.InitialLR, report.FinalLR)
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, graphtest.BuildTestBackend(), testDatasets())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.NoFileExists(t, checkpoint.Store{Dir: cfg.CheckpointDir}.Path(cfg.ModelVariant))
}
