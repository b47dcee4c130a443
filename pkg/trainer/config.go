// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/gomlx/cifarcnn/pkg/results"
	"github.com/pkg/errors"
)

// RunConfig holds every setting of one training run. It is built once, before the run starts, and
// never changed afterward: use With to derive a modified copy.
type RunConfig struct {
	// RunID names the per-run results file and the summary row.
	RunID string

	RegularizationWeight float64
	LRDecay              float64
	Momentum             float64
	Epochs               int
	InitialLR            float64

	// ModelVariant selects the checkpoint file.
	ModelVariant int

	// EmitSummary appends the run to the cross-run summary file when finished.
	EmitSummary bool

	// RunTestInference writes the predictions for the test partition when finished.
	RunTestInference bool

	TrainBatchSize, ValBatchSize, TestBatchSize int

	DataDir, CheckpointDir, OutputDir string

	// PredictionsPath of the test predictions. Defaults to label.csv in the working directory.
	PredictionsPath string

	// TrainChain is the name of the augmentation chain of the training data, see augment.ChainNames.
	TrainChain string

	// Seed for the parameters initialization, shuffling and augmentation.
	Seed int64

	// Workers building batches.
	Workers int

	// TrainFromScratch ignores any existing checkpoint.
	TrainFromScratch bool
}

// Default values of RunConfig.
const (
	DefaultRegularizationWeight = 1e-5
	DefaultLRDecay              = 0.92
	DefaultMomentum             = 0.85
	DefaultEpochs               = 30
	DefaultInitialLR            = 0.1
	DefaultModelVariant         = 1
	DefaultTrainBatchSize       = 128
	DefaultValBatchSize         = 100
	DefaultTestBatchSize        = 1
	DefaultWorkers              = 4
	DefaultSeed                 = 42

	// DecayEpochs is the period, in epochs, of the learning rate decay.
	DecayEpochs = 2

	// PredictionsFileName is the default name of the test predictions file.
	PredictionsFileName = "label.csv"
)

// DefaultRunConfig returns the default configuration.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		RunID:                "0",
		RegularizationWeight: DefaultRegularizationWeight,
		LRDecay:              DefaultLRDecay,
		Momentum:             DefaultMomentum,
		Epochs:               DefaultEpochs,
		InitialLR:            DefaultInitialLR,
		ModelVariant:         DefaultModelVariant,
		TrainBatchSize:       DefaultTrainBatchSize,
		ValBatchSize:         DefaultValBatchSize,
		TestBatchSize:        DefaultTestBatchSize,
		DataDir:              "~/work/cifar",
		CheckpointDir:        "./saved_model",
		OutputDir:            "./output",
		TrainChain:           augment.DefaultTrainChain,
		Seed:                 DefaultSeed,
		Workers:              DefaultWorkers,
	}
}

// Validate checks the configuration for invalid values.
func (c RunConfig) Validate() error {
	switch {
	case c.RunID == "":
		return errors.New("run id must be set")
	case strings.ContainsAny(c.RunID, `/\`):
		return errors.Errorf("run id %q can't contain path separators", c.RunID)
	case c.RegularizationWeight < 0:
		return errors.Errorf("regularization weight must be >= 0, got %g", c.RegularizationWeight)
	case c.LRDecay <= 0:
		return errors.Errorf("learning rate decay must be > 0, got %g", c.LRDecay)
	case c.Momentum < 0 || c.Momentum >= 1:
		return errors.Errorf("momentum must be in [0, 1), got %g", c.Momentum)
	case c.Epochs < 0:
		return errors.Errorf("number of epochs must be >= 0, got %d", c.Epochs)
	case c.InitialLR <= 0:
		return errors.Errorf("initial learning rate must be > 0, got %g", c.InitialLR)
	case c.ModelVariant < 0:
		return errors.Errorf("model variant must be >= 0, got %d", c.ModelVariant)
	case c.TrainBatchSize <= 0 || c.ValBatchSize <= 0 || c.TestBatchSize <= 0:
		return errors.Errorf("batch sizes must be > 0, got train=%d, validation=%d, test=%d",
			c.TrainBatchSize, c.ValBatchSize, c.TestBatchSize)
	case c.CheckpointDir == "" || c.OutputDir == "":
		return errors.New("checkpoint and output directories must be set")
	}
	if !slices.Contains(augment.ChainNames(), c.TrainChain) {
		return errors.Errorf("unknown augmentation chain %q, valid values are %v", c.TrainChain, augment.ChainNames())
	}
	return nil
}

// Hyperparameters returns the values recorded in the summary file.
func (c RunConfig) Hyperparameters() results.Hyperparameters {
	return results.Hyperparameters{
		RegularizationWeight: c.RegularizationWeight,
		LRDecay:              c.LRDecay,
		Momentum:             c.Momentum,
		Epochs:               c.Epochs,
		InitialLR:            c.InitialLR,
	}
}

// Predictions returns the path of the test predictions file.
func (c RunConfig) Predictions() string {
	if c.PredictionsPath != "" {
		return c.PredictionsPath
	}
	return PredictionsFileName
}

// OverrideKeys lists the keys accepted by With.
var OverrideKeys = []string{
	"run", "reg", "decay", "momentum", "epochs", "lr", "model", "summary", "test",
	"train_batch", "val_batch", "test_batch", "data", "checkpoints", "output", "predictions",
	"chain", "seed", "workers", "scratch",
}

// With returns a copy of the configuration with the overrides applied, and validated.
// Keys are the ones in OverrideKeys. Numbers may use "_" as digit separator, e.g. "1_000".
func (c RunConfig) With(overrides map[string]string) (RunConfig, error) {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if err := c.set(key, overrides[key]); err != nil {
			return c, errors.WithMessagef(err, "setting %q", key)
		}
	}
	return c, c.Validate()
}

func (c *RunConfig) set(key, value string) error {
	number := strings.ReplaceAll(value, "_", "")
	var err error
	switch key {
	case "run":
		c.RunID = value
	case "reg":
		c.RegularizationWeight, err = strconv.ParseFloat(number, 64)
	case "decay":
		c.LRDecay, err = strconv.ParseFloat(number, 64)
	case "momentum":
		c.Momentum, err = strconv.ParseFloat(number, 64)
	case "epochs":
		c.Epochs, err = strconv.Atoi(number)
	case "lr":
		c.InitialLR, err = strconv.ParseFloat(number, 64)
	case "model":
		c.ModelVariant, err = strconv.Atoi(number)
	case "summary":
		c.EmitSummary, err = strconv.ParseBool(value)
	case "test":
		c.RunTestInference, err = strconv.ParseBool(value)
	case "train_batch":
		c.TrainBatchSize, err = strconv.Atoi(number)
	case "val_batch":
		c.ValBatchSize, err = strconv.Atoi(number)
	case "test_batch":
		c.TestBatchSize, err = strconv.Atoi(number)
	case "data":
		c.DataDir = value
	case "checkpoints":
		c.CheckpointDir = value
	case "output":
		c.OutputDir = value
	case "predictions":
		c.PredictionsPath = value
	case "chain":
		c.TrainChain = value
	case "seed":
		c.Seed, err = strconv.ParseInt(number, 10, 64)
	case "workers":
		c.Workers, err = strconv.Atoi(number)
	case "scratch":
		c.TrainFromScratch, err = strconv.ParseBool(value)
	default:
		return errors.Errorf("unknown setting, valid keys are %v", OverrideKeys)
	}
	return errors.WithStack(err)
}

// DecayedLearningRate returns the learning rate to use after the given epoch.
//
// Every DecayEpochs epochs (excluding epoch 0) the rate is recomputed as
// InitialLR * LRDecay^(Epochs/DecayEpochs): it doesn't depend on the current value, so it is not
// compounded. Otherwise current is returned.
func DecayedLearningRate(cfg RunConfig, epoch int, current float64) float64 {
	if epoch == 0 || epoch%DecayEpochs != 0 {
		return current
	}
	return cfg.InitialLR * math.Pow(cfg.LRDecay, float64(cfg.Epochs/DecayEpochs))
}

// ShouldCheckpoint returns whether a validation accuracy improves on the best so far. Ties don't.
func ShouldCheckpoint(accuracy, best float64) bool {
	return accuracy > best
}
