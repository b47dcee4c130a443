// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs the training of InnocentNet on CIFAR-10: for each epoch it trains, validates,
// checkpoints the best model and decays the learning rate; at the end it optionally writes a summary
// and the predictions for the test data.
package trainer

import (
	"context"
	"io"
	"time"

	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/gomlx/cifarcnn/pkg/checkpoint"
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/cifarcnn/pkg/loader"
	"github.com/gomlx/cifarcnn/pkg/model"
	"github.com/gomlx/cifarcnn/pkg/results"
	"github.com/gomlx/cifarcnn/pkg/sgd"
	"github.com/gomlx/cifarcnn/pkg/support/fsutil"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DType used for the images and the model parameters.
var DType = dtypes.Float32

// Datasets used by a run. Test is only required if the run does test inference.
type Datasets struct {
	Train, Validation, Test []cifar.Sample
}

// LoadDatasets reads the partitions needed by the configuration from cfg.DataDir. Train and
// validation data are downloaded if missing, the test data must already be present.
func LoadDatasets(cfg RunConfig) (data Datasets, err error) {
	dataDir, err := fsutil.ReplaceTildeInDir(cfg.DataDir)
	if err != nil {
		return
	}
	if data.Train, err = cifar.Open(dataDir, cifar.Train, true); err != nil {
		return
	}
	if data.Validation, err = cifar.Open(dataDir, cifar.Validation, true); err != nil {
		return
	}
	if cfg.RunTestInference {
		data.Test, err = cifar.Open(dataDir, cifar.Test, false)
	}
	return
}

// Progress is reported after every batch, see WithProgress.
type Progress struct {
	RunID string
	State State
	Epoch int

	// Batch is the number of batches done in the current pass, out of NumBatches.
	Batch, NumBatches int

	// Loss of the last batch.
	Loss float64

	// Accuracy so far in the pass, counted per batch (see EpochStats).
	Accuracy float64
}

// EpochStats of one epoch.
//
// Accuracies are the number of correct predictions divided by the number of batches, the
// historical convention of this trainer: with batches larger than one sample they are not in
// [0, 1]. PerSampleAccuracy fields hold the usual fraction of correct samples.
type EpochStats struct {
	Epoch int

	TrainLoss, TrainAccuracy, TrainPerSampleAccuracy                float64
	ValidationLoss, ValidationAccuracy, ValidationPerSampleAccuracy float64

	// LearningRate used during the epoch.
	LearningRate float64

	// Checkpointed is true if the model was saved after this epoch.
	Checkpointed bool

	Duration time.Duration
}

// Report of a run.
type Report struct {
	RunID string

	// StartEpoch is 0, or the epoch following the checkpoint the run resumed from.
	StartEpoch int

	// EpochsRun in this run.
	EpochsRun int

	// Best validation accuracy of this run, 0 if no epoch was run.
	Best float64

	// FinalLR is the learning rate at the end of the run.
	FinalLR float64

	Epochs []EpochStats

	// Predictions written by the test inference, 0 if it didn't run.
	Predictions int

	Duration time.Duration
}

// Option of a Trainer.
type Option func(t *Trainer)

// WithLogger sets where results are written. Defaults to a results.Logger on cfg.OutputDir.
func WithLogger(logger results.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithCheckpointStore sets where checkpoints are read and written. Defaults to a checkpoint.Store
// on cfg.CheckpointDir.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(t *Trainer) { t.store = store }
}

// WithProgress sets a function called after every batch.
func WithProgress(fn func(Progress)) Option {
	return func(t *Trainer) { t.progressFn = fn }
}

// WithOnState sets a function called at every state transition.
func WithOnState(fn func(State)) Option {
	return func(t *Trainer) { t.onStateFn = fn }
}

// Trainer runs one training run. Create it with New and call Run once.
type Trainer struct {
	cfg     RunConfig
	backend backends.Backend
	data    Datasets
	logger  results.Logger
	store   checkpoint.Store

	progressFn func(Progress)
	onStateFn  func(State)

	state     State
	started   bool
	epoch     int
	trainLoad *loader.Loader
	valLoad   *loader.Loader
}

// New creates a Trainer for the configuration. It fails if the configuration is invalid or if the
// data needed by the run is missing.
func New(cfg RunConfig, backend backends.Backend, data Datasets, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid run configuration")
	}
	if backend == nil {
		return nil, errors.New("trainer.New requires a backend")
	}
	if cfg.Epochs > 0 && (len(data.Train) == 0 || len(data.Validation) == 0) {
		return nil, errors.Wrap(cifar.ErrMissingData, "training requires train and validation samples")
	}
	if cfg.RunTestInference && len(data.Test) == 0 {
		return nil, errors.Wrap(cifar.ErrMissingData, "test inference requires test samples")
	}
	t := &Trainer{
		cfg:     cfg,
		backend: backend,
		data:    data,
		logger:  results.Logger{Dir: cfg.OutputDir},
		store:   checkpoint.Store{Dir: cfg.CheckpointDir},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns the run configuration.
func (t *Trainer) Config() RunConfig { return t.cfg }

// State returns the current state of the run.
func (t *Trainer) State() State { return t.state }

func (t *Trainer) setState(s State) {
	if t.started && !CanTransition(t.state, s) {
		exceptions.Panicf("trainer: invalid transition from %s to %s", t.state, s)
	}
	t.started = true
	t.state = s
	klog.V(1).Infof("run %s: %s", t.cfg.RunID, s)
	if t.onStateFn != nil {
		t.onStateFn(s)
	}
}

// Run the training. It can only be called once.
//
// ctx is checked between batches: if it is cancelled, Run returns ctx.Err() and the last saved
// checkpoint is the recovery point.
func (t *Trainer) Run(ctx context.Context) (report *Report, err error) {
	if t.started {
		return nil, errors.New("Trainer.Run can only be called once")
	}
	start := time.Now()
	t.setState(Initializing)
	report = &Report{RunID: t.cfg.RunID}

	modelCtx := mlctx.New()
	modelCtx.SetRNGStateFromSeed(t.cfg.Seed)
	startEpoch, lr, err := t.initialize(modelCtx)
	if err != nil {
		return nil, err
	}
	report.StartEpoch = startEpoch
	if err = sgd.SetLearningRate(modelCtx, DType, lr); err != nil {
		return nil, err
	}
	opt := sgd.New(sgd.Config{
		Momentum:     t.cfg.Momentum,
		WeightDecay:  t.cfg.RegularizationWeight,
		LearningRate: lr,
		DType:        DType,
	})
	net, err := model.New(t.backend, modelCtx, opt)
	if err != nil {
		return nil, err
	}
	defer net.Finalize()

	if startEpoch < t.cfg.Epochs {
		if err = t.createLoaders(); err != nil {
			return nil, err
		}
		defer t.trainLoad.Close()
		defer t.valLoad.Close()
	}

	var best float64
	for epoch := startEpoch; epoch < t.cfg.Epochs; epoch++ {
		t.epoch = epoch
		epochStart := time.Now()
		stats := EpochStats{Epoch: epoch, LearningRate: lr}

		t.setState(TrainEpoch)
		klog.Infof("Epoch %d: training on %d batches (lr=%g)", epoch, t.trainLoad.NumBatches(), lr)
		train, err := t.runPass(ctx, net, t.trainLoad, model.Training)
		if err != nil {
			return report, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		stats.TrainLoss, stats.TrainAccuracy, stats.TrainPerSampleAccuracy = train.meanLoss(), train.accuracy(), train.perSampleAccuracy()
		klog.Infof("Epoch %d: training loss %.4f, training accuracy %.4f (%.2f%% of samples) in %s",
			epoch, stats.TrainLoss, stats.TrainAccuracy, 100*stats.TrainPerSampleAccuracy, time.Since(epochStart))

		t.setState(ValidateEpoch)
		validation, err := t.runPass(ctx, net, t.valLoad, model.Evaluation)
		if err != nil {
			return report, errors.WithMessagef(err, "validating epoch %d", epoch)
		}
		stats.ValidationLoss, stats.ValidationAccuracy, stats.ValidationPerSampleAccuracy = validation.meanLoss(), validation.accuracy(), validation.perSampleAccuracy()
		klog.Infof("Epoch %d: validation loss %.4f, validation accuracy %.4f (%.2f%% of samples)",
			epoch, stats.ValidationLoss, stats.ValidationAccuracy, 100*stats.ValidationPerSampleAccuracy)
		if err = t.logger.AppendEpoch(t.cfg.RunID, epoch, stats.ValidationAccuracy); err != nil {
			return report, err
		}

		// The checkpoint stores the learning rate for the next epoch, so a resumed run continues
		// with the same rate as an uninterrupted one.
		nextLR := DecayedLearningRate(t.cfg, epoch, lr)

		t.setState(MaybeCheckpoint)
		if ShouldCheckpoint(stats.ValidationAccuracy, best) {
			best = stats.ValidationAccuracy
			if err = t.saveCheckpoint(modelCtx, epoch, nextLR); err != nil {
				return report, err
			}
			stats.Checkpointed = true
		}

		t.setState(MaybeDecayLR)
		if nextLR != lr {
			if err = sgd.SetLearningRate(modelCtx, DType, nextLR); err != nil {
				return report, err
			}
			lr = nextLR
			klog.Infof("Current learning rate has decayed to %g", lr)
		}

		stats.Duration = time.Since(epochStart)
		report.Epochs = append(report.Epochs, stats)
		report.EpochsRun++
	}
	report.Best = best
	report.FinalLR = lr

	t.setState(Finished)
	klog.Infof("Optimization finished: %d epochs run, best validation accuracy %g", report.EpochsRun, best)
	if t.cfg.EmitSummary {
		if err = t.logger.AppendSummary(t.cfg.RunID, t.cfg.Hyperparameters(), best); err != nil {
			return report, err
		}
	}

	if t.cfg.RunTestInference {
		t.setState(TestInference)
		report.Predictions, err = t.testInference(ctx, net)
		if err != nil {
			return report, err
		}
	}
	t.setState(Terminated)
	report.Duration = time.Since(start)
	return report, nil
}

// initialize loads the checkpoint, if any, and returns the first epoch and the learning rate to use.
// A missing or unreadable checkpoint, or one that doesn't fit the model, is not an error: training
// starts from scratch.
func (t *Trainer) initialize(modelCtx *mlctx.Context) (startEpoch int, lr float64, err error) {
	if t.cfg.TrainFromScratch {
		klog.Infof("Training from scratch ...")
		return 0, t.cfg.InitialLR, nil
	}
	record, err := t.store.Load(t.cfg.ModelVariant)
	if err == nil {
		var want map[string]shapes.Shape
		want, err = model.VariableShapes(t.backend)
		if err != nil {
			return 0, 0, err
		}
		err = record.CheckShapes(want)
	}
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			klog.Infof("Checkpoint not found, training from scratch ...")
		} else {
			klog.Warningf("Ignoring checkpoint, training from scratch: %+v", err)
		}
		return 0, t.cfg.InitialLR, nil
	}
	record.AttachTo(modelCtx)
	klog.Infof("Successfully loaded checkpoint %q: starting from epoch %d, learning rate %g",
		t.store.Path(t.cfg.ModelVariant), record.Epoch+1, record.LearningRate)
	return record.Epoch + 1, record.LearningRate, nil
}

func (t *Trainer) createLoaders() error {
	trainChain, err := augment.ChainByName(t.cfg.TrainChain)
	if err != nil {
		return err
	}
	evalChain, err := augment.ChainByName(augment.ChainPlain)
	if err != nil {
		return err
	}
	t.trainLoad, err = loader.New(t.data.Train, loader.Config{
		Name:      "train",
		BatchSize: t.cfg.TrainBatchSize,
		Shuffle:   true,
		Seed:      t.cfg.Seed,
		Workers:   t.cfg.Workers,
		Chain:     trainChain,
	})
	if err != nil {
		return err
	}
	t.valLoad, err = loader.New(t.data.Validation, loader.Config{
		Name:      "validation",
		BatchSize: t.cfg.ValBatchSize,
		Workers:   t.cfg.Workers,
		Chain:     evalChain,
	})
	if err != nil {
		t.trainLoad.Close()
	}
	return err
}

// passStats accumulates the results of one pass over a dataset.
type passStats struct {
	batches, samples, correct int
	lossSum                   float64
}

// accuracy counted per batch.
func (p passStats) accuracy() float64 {
	if p.batches == 0 {
		return 0
	}
	return float64(p.correct) / float64(p.batches)
}

func (p passStats) perSampleAccuracy() float64 {
	if p.samples == 0 {
		return 0
	}
	return float64(p.correct) / float64(p.samples)
}

func (p passStats) meanLoss() float64 {
	if p.batches == 0 {
		return 0
	}
	return p.lossSum / float64(p.batches)
}

// runPass runs one epoch of the loader in the given mode, and resets the loader for the next epoch.
func (t *Trainer) runPass(ctx context.Context, net *model.Network, l *loader.Loader, mode model.Mode) (stats passStats, err error) {
	net.SetMode(mode)
	defer l.Reset()
	numBatches := l.NumBatches()
	for {
		batch, err := l.Next(ctx)
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		var result model.StepResult
		if mode == model.Training {
			result, err = net.TrainStep(batch.Images, batch.Labels)
		} else {
			result, err = net.EvalStep(batch.Images, batch.Labels)
		}
		if err != nil {
			return stats, errors.WithMessagef(err, "%s batch #%d", l.Name(), batch.Index)
		}
		stats.batches++
		stats.samples += result.Size
		stats.correct += result.Correct
		stats.lossSum += result.Loss
		klog.V(2).Infof("%s batch #%d: loss=%.4f, correct=%d/%d", l.Name(), batch.Index, result.Loss, result.Correct, result.Size)
		if t.progressFn != nil {
			t.progressFn(Progress{
				RunID:      t.cfg.RunID,
				State:      t.state,
				Epoch:      t.epoch,
				Batch:      stats.batches,
				NumBatches: numBatches,
				Loss:       result.Loss,
				Accuracy:   stats.accuracy(),
			})
		}
	}
}

func (t *Trainer) saveCheckpoint(modelCtx *mlctx.Context, epoch int, lr float64) error {
	record, err := checkpoint.RecordFromContext(modelCtx, mlctx.ScopeSeparator+model.Scope, epoch, lr)
	if err != nil {
		return err
	}
	klog.Infof("Saving checkpoint of epoch %d to %q ...", epoch, t.store.Path(t.cfg.ModelVariant))
	return t.store.Save(record, t.cfg.ModelVariant)
}

// testInference writes the predicted class of every test sample, in dataset order.
func (t *Trainer) testInference(ctx context.Context, net *model.Network) (count int, err error) {
	chain, err := augment.ChainByName(augment.ChainPlain)
	if err != nil {
		return 0, err
	}
	testLoad, err := loader.New(t.data.Test, loader.Config{
		Name:      "test",
		BatchSize: t.cfg.TestBatchSize,
		Workers:   t.cfg.Workers,
		Chain:     chain,
	})
	if err != nil {
		return 0, err
	}
	defer testLoad.Close()

	path := t.cfg.Predictions()
	klog.Infof("Testing: writing predictions of %d samples to %q", testLoad.NumSamples(), path)
	writer, err := results.NewPredictionWriter(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := writer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	net.SetMode(model.Evaluation)
	for {
		batch, err := testLoad.Next(ctx)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		classes, err := net.Predict(batch.Images)
		if err != nil {
			return count, errors.WithMessagef(err, "test batch #%d", batch.Index)
		}
		for ii, class := range classes {
			if err = writer.Write(batch.First+ii, class); err != nil {
				return count, err
			}
			count++
		}
		if t.progressFn != nil {
			t.progressFn(Progress{RunID: t.cfg.RunID, State: t.state, Epoch: t.epoch,
				Batch: batch.Index + 1, NumBatches: testLoad.NumBatches()})
		}
	}
}
