// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"strconv"
	"testing"

	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRunConfig(t *testing.T) {
	cfg := DefaultRunConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1e-5, cfg.RegularizationWeight)
	assert.Equal(t, 0.92, cfg.LRDecay)
	assert.Equal(t, 0.85, cfg.Momentum)
	assert.Equal(t, 30, cfg.Epochs)
	assert.Equal(t, 0.1, cfg.InitialLR)
	assert.Equal(t, 1, cfg.ModelVariant)
	assert.Equal(t, "label.csv", cfg.Predictions())

	cfg.PredictionsPath = "/tmp/p.csv"
	assert.Equal(t, "/tmp/p.csv", cfg.Predictions())
}

func TestWith(t *testing.T) {
	cfg, err := DefaultRunConfig().With(map[string]string{
		"run":         "7",
		"lr":          "0.05",
		"epochs":      "1_000",
		"summary":     "true",
		"chain":       augment.ChainNone,
		"train_batch": "2",
	})
	require.NoError(t, err)
	assert.Equal(t, "7", cfg.RunID)
	assert.Equal(t, 0.05, cfg.InitialLR)
	assert.Equal(t, 1000, cfg.Epochs)
	assert.True(t, cfg.EmitSummary)
	assert.Equal(t, augment.ChainNone, cfg.TrainChain)
	assert.Equal(t, 2, cfg.TrainBatchSize)

	_, err = DefaultRunConfig().With(map[string]string{"unknown": "1"})
	require.Error(t, err)
	_, err = DefaultRunConfig().With(map[string]string{"lr": "fast"})
	require.Error(t, err)
	_, err = DefaultRunConfig().With(map[string]string{"momentum": "1"})
	require.Error(t, err)
	_, err = DefaultRunConfig().With(map[string]string{"chain": "sepia"})
	require.Error(t, err)
	_, err = DefaultRunConfig().With(map[string]string{"run": "a/b"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, modify := range map[string]func(c *RunConfig){
		"empty run id":   func(c *RunConfig) { c.RunID = "" },
		"negative reg":   func(c *RunConfig) { c.RegularizationWeight = -1 },
		"zero decay":     func(c *RunConfig) { c.LRDecay = 0 },
		"negative epoch": func(c *RunConfig) { c.Epochs = -1 },
		"zero lr":        func(c *RunConfig) { c.InitialLR = 0 },
		"zero batch":     func(c *RunConfig) { c.ValBatchSize = 0 },
		"no output dir":  func(c *RunConfig) { c.OutputDir = "" },
	} {
		cfg := DefaultRunConfig()
		modify(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestDecayedLearningRate(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.Epochs = 5
	want := 0.1 * 0.92 * 0.92
	assert.Equal(t, 0.1, DecayedLearningRate(cfg, 0, 0.1))
	assert.Equal(t, 0.1, DecayedLearningRate(cfg, 1, 0.1))
	assert.InDelta(t, want, DecayedLearningRate(cfg, 2, 0.1), 1e-12)
	assert.InDelta(t, want, DecayedLearningRate(cfg, 3, want), 1e-12)

	// Recomputed from the initial rate, not compounded.
	assert.InDelta(t, want, DecayedLearningRate(cfg, 4, want), 1e-12)
}

func TestShouldCheckpoint(t *testing.T) {
	assert.True(t, ShouldCheckpoint(0.5, 0))
	assert.False(t, ShouldCheckpoint(0.5, 0.5))
	assert.False(t, ShouldCheckpoint(0.4, 0.5))
	assert.False(t, ShouldCheckpoint(0, 0))
}

func TestStates(t *testing.T) {
	assert.Equal(t, "MaybeCheckpoint", MaybeCheckpoint.String())
	assert.Equal(t, "State(99)", State(99).String())
	assert.True(t, CanTransition(Initializing, TrainEpoch))
	assert.True(t, CanTransition(Initializing, Finished))
	assert.True(t, CanTransition(MaybeDecayLR, TrainEpoch))
	assert.True(t, CanTransition(Finished, Terminated))
	assert.False(t, CanTransition(TrainEpoch, MaybeCheckpoint))
	assert.False(t, CanTransition(Terminated, Initializing))
	assert.False(t, CanTransition(TestInference, Finished))
}

func TestSweepConfigs(t *testing.T) {
	base := DefaultRunConfig()
	base.ModelVariant = 3
	configs, err := SweepConfigs(base, augment.SweepChains)
	require.NoError(t, err)
	require.Len(t, configs, len(augment.SweepChains))
	for ii, cfg := range configs {
		assert.Equal(t, strconv.Itoa(ii), cfg.RunID)
		assert.Equal(t, 3+ii, cfg.ModelVariant)
		assert.Equal(t, augment.SweepChains[ii], cfg.TrainChain)
	}

	_, err = SweepConfigs(base, nil)
	require.Error(t, err)
	_, err = SweepConfigs(base, []string{"sepia"})
	require.Error(t, err)
}
