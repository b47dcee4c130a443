// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// CIFAR-10 trainer for InnocentNet, a VGG-style CNN trained with SGD with momentum.
//
// By default, it runs one training (resuming from its checkpoint, if there is one). Other modes:
// -sweep trains once per augmentation chain, -report prints the summary of finished runs, -plot
// draws the validation accuracy curves and -classify classifies image files with a trained model.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/gomlx/cifarcnn/pkg/checkpoint"
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/cifarcnn/pkg/model"
	"github.com/gomlx/cifarcnn/pkg/results"
	"github.com/gomlx/cifarcnn/pkg/trainer"
	"github.com/gomlx/cifarcnn/ui/commandline"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir     = flag.String("data", "~/work/cifar", "Directory to cache downloaded dataset files.")
	flagCheckpoints = flag.String("checkpoints", "./saved_model", "Directory to save and load checkpoints from.")
	flagOutput      = flag.String("output", "./output", "Directory where result files are written.")
	flagPredictions = flag.String("predictions", "", "Path of the test predictions. Defaults to label.csv in the working directory.")

	// Training hyperparameters:
	flagReg      = flag.Float64("reg", trainer.DefaultRegularizationWeight, "L2 regularization weight (weight decay).")
	flagDecay    = flag.Float64("decay", trainer.DefaultLRDecay, "Learning rate decay factor.")
	flagMomentum = flag.Float64("momentum", trainer.DefaultMomentum, "SGD momentum.")
	flagEpochs   = flag.Int("epochs", trainer.DefaultEpochs, "Total number of epochs, including the ones of a resumed checkpoint.")
	flagLR       = flag.Float64("lr", trainer.DefaultInitialLR, "Initial learning rate.")
	flagModel    = flag.Int("model", trainer.DefaultModelVariant, "Model variant: selects the checkpoint file.")
	flagChain    = flag.String("chain", augment.DefaultTrainChain,
		fmt.Sprintf("Augmentation chain of the training data, one of %v.", augment.ChainNames()))
	flagSeed    = flag.Int64("seed", trainer.DefaultSeed, "Seed for initialization, shuffling and augmentation.")
	flagWorkers = flag.Int("workers", 0, "Number of workers building batches. If 0, the number of physical cores is used.")
	flagScratch = flag.Bool("scratch", false, "Train from scratch, ignoring any existing checkpoint.")

	// Outputs:
	flagSummary  = flag.Bool("summary", false, "Append the best validation accuracy of the run to the summary file.")
	flagTest     = flag.Bool("test", false, "Write the predictions for the test data at the end of the training.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar during training.")

	// Modes:
	flagSweep    = flag.Bool("sweep", false, fmt.Sprintf("Train once per augmentation chain in %v.", augment.SweepChains))
	flagReport   = flag.Int("report", -1, "Print the top N runs of the summary file (0 for all) and exit.")
	flagPlot     = flag.String("plot", "", "Plot the validation accuracy of all runs to the given image file (.png, .svg) and exit.")
	flagClassify = flag.String("classify", "", "Comma-separated image files to classify with the trained model, and exit.")

	flagBackend = flag.String("backend", "", "Backend configuration, as in $GOMLX_BACKEND. If empty, the default backend is used.")
)

func main() {
	settings := commandline.CreateSettingsFlag("")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := buildConfig(*settings)
	if err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	switch {
	case *flagReport >= 0:
		must.M(runReport(cfg, *flagReport))
		return
	case *flagPlot != "":
		must.M(runPlot(cfg, *flagPlot))
		return
	}

	logHostInfo()
	backend, err := newBackend(*flagBackend)
	if err != nil {
		klog.Fatalf("Failed to create backend: %+v", err)
	}
	defer backend.Finalize()

	if *flagClassify != "" {
		must.M(runClassify(backend, cfg, strings.Split(*flagClassify, ",")))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := runTraining(ctx, backend, cfg, *flagSweep, *flagProgress); err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
}

// buildConfig from the flags, and then the overrides in settings.
func buildConfig(settings string) (trainer.RunConfig, error) {
	cfg := trainer.DefaultRunConfig()
	cfg.DataDir = *flagDataDir
	cfg.CheckpointDir = *flagCheckpoints
	cfg.OutputDir = *flagOutput
	cfg.PredictionsPath = *flagPredictions
	cfg.RegularizationWeight = *flagReg
	cfg.LRDecay = *flagDecay
	cfg.Momentum = *flagMomentum
	cfg.Epochs = *flagEpochs
	cfg.InitialLR = *flagLR
	cfg.ModelVariant = *flagModel
	cfg.TrainChain = *flagChain
	cfg.Seed = *flagSeed
	cfg.Workers = *flagWorkers
	if cfg.Workers <= 0 {
		cfg.Workers = max(cpuid.CPU.PhysicalCores, 1)
	}
	cfg.TrainFromScratch = *flagScratch
	cfg.EmitSummary = *flagSummary
	cfg.RunTestInference = *flagTest

	overrides, err := commandline.ParseSettings(settings)
	if err != nil {
		return cfg, err
	}
	if len(overrides) > 0 {
		klog.V(1).Infof("Settings:\n%s", commandline.SprintSettings(overrides))
	}
	return cfg.With(overrides)
}

func logHostInfo() {
	klog.Infof("Host CPU: %s, %d physical cores, %d threads, AVX2=%v, AVX512F=%v",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F))
}

// newBackend creates the backend, configured by config if not empty, otherwise by $GOMLX_BACKEND.
func newBackend(config string) (backends.Backend, error) {
	if config != "" {
		if err := os.Setenv(backends.ConfigEnvVar, config); err != nil {
			return nil, errors.Wrapf(err, "failed to set $%s", backends.ConfigEnvVar)
		}
	}
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	klog.Infof("Backend: %s", backend.Description())
	return backend, nil
}

func runReport(cfg trainer.RunConfig, topN int) error {
	report, err := results.SummaryReport(results.Logger{Dir: cfg.OutputDir}.SummaryPath(), topN)
	if err != nil {
		return err
	}
	fmt.Println(report)
	return nil
}

func runPlot(cfg trainer.RunConfig, path string) error {
	epochsByRun, err := results.ReadAllEpochs(cfg.OutputDir)
	if err != nil {
		return err
	}
	if err = results.PlotAccuracy(epochsByRun, path); err != nil {
		return err
	}
	klog.Infof("Plotted %d runs to %q", len(epochsByRun), path)
	return nil
}

func runClassify(backend backends.Backend, cfg trainer.RunConfig, paths []string) error {
	images := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read image %q", path)
		}
		images = append(images, img)
	}
	classifier, err := model.NewClassifier(backend, checkpoint.Store{Dir: cfg.CheckpointDir}, cfg.ModelVariant,
		augment.DefaultNormalization)
	if err != nil {
		return err
	}
	defer classifier.Finalize()
	classes, err := classifier.Classify(images...)
	if err != nil {
		return err
	}
	for ii, class := range classes {
		fmt.Printf("%s: %s\n", paths[ii], cifar.Labels[class])
	}
	return nil
}

func runTraining(ctx context.Context, backend backends.Backend, cfg trainer.RunConfig, sweep, progress bool) error {
	data, err := trainer.LoadDatasets(cfg)
	if err != nil {
		return err
	}
	var opts []trainer.Option
	if progress {
		pBar := commandline.NewProgressBar()
		defer pBar.Close()
		opts = append(opts, trainer.WithProgress(pBar.Update))
	}

	var reports []*trainer.Report
	if sweep {
		reports, err = trainer.Sweep(ctx, cfg, augment.SweepChains, backend, data, opts...)
	} else {
		var tr *trainer.Trainer
		tr, err = trainer.New(cfg, backend, data, opts...)
		if err != nil {
			return err
		}
		var report *trainer.Report
		report, err = tr.Run(ctx)
		if report != nil {
			reports = append(reports, report)
		}
	}
	for _, report := range reports {
		commandline.ReportEpochs(report)
	}
	if len(reports) > 0 {
		fmt.Println(commandline.RenderRunTable(reports))
	}
	return err
}
