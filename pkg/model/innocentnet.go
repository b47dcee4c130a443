// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements InnocentNet, the CNN classifier for CIFAR-10 images, and the Network that
// compiles it for training, evaluation and prediction.
package model

import (
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Scope under which the model variables are created.
const Scope = "model"

// Batch normalization settings, matching the usual PyTorch defaults.
const (
	BatchNormMomentum = 0.9
	BatchNormEpsilon  = 1e-5
)

// convBlock describes one convolution stage of InnocentNet.
type convBlock struct {
	channels, kernel int
	pool             bool
	dropout          float64
}

var convBlocks = []convBlock{
	{channels: 64, kernel: 3},
	{channels: 128, kernel: 3, pool: true, dropout: 0.1},
	{channels: 256, kernel: 3, pool: true, dropout: 0.1},
	{channels: 512, kernel: 2, pool: true, dropout: 0.25},
}

// Hidden dense layers after the convolutions, and the dropout applied after the first one.
var (
	denseDims    = []int{1024, 100}
	denseDropout = 0.25
)

// ModelGraph builds InnocentNet and returns the logits shaped [batchSize, cifar.NumClasses], given
// images shaped [batchSize, 32, 32, 3] (NHWC).
//
// Convolutions have no padding, so the spatial dimensions go 32→30→28→14→12→6→5→2.
// Dropout and batch normalization follow ctx.IsTraining.
func ModelGraph(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	dtype := images.DType()
	if images.Rank() != 4 || images.Shape().Dimensions[1] != cifar.Height ||
		images.Shape().Dimensions[2] != cifar.Width || images.Shape().Dimensions[3] != cifar.Depth {
		exceptions.Panicf("InnocentNet expects images shaped [batch, %d, %d, %d], got %s",
			cifar.Height, cifar.Width, cifar.Depth, images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	logits := images
	for _, block := range convBlocks {
		logits = layers.Convolution(nextCtx("conv"), logits).
			Channels(block.channels).KernelSize(block.kernel).NoPadding().Done()
		logits = batchnorm.New(nextCtx("batchnorm"), logits, -1).
			Momentum(BatchNormMomentum).Epsilon(BatchNormEpsilon).Done()
		logits = activations.Relu(logits)
		if block.pool {
			logits = MaxPool(logits).Window(2).Done()
		}
		if block.dropout > 0 {
			logits = layers.DropoutNormalize(nextCtx("dropout"), logits, Scalar(g, dtype, block.dropout), true)
		}
	}
	logits.AssertDims(batchSize, 2, 2, 512)

	logits = Reshape(logits, batchSize, -1)
	for ii, dim := range denseDims {
		logits = layers.Dense(nextCtx("dense"), logits, true, dim)
		logits = activations.Relu(logits)
		if ii == 0 {
			logits = layers.DropoutNormalize(nextCtx("dropout"), logits, Scalar(g, dtype, denseDropout), true)
		}
	}
	logits = layers.Dense(nextCtx("dense"), logits, true, cifar.NumClasses)
	logits.AssertDims(batchSize, cifar.NumClasses)
	return logits
}
