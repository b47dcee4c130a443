// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/gomlx/cifarcnn/pkg/checkpoint"
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/cifarcnn/pkg/sgd"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomBatch returns images shaped [n, 32, 32, 3] and labels [n, 1].
func randomBatch(n int, seed uint64) (images, labels *tensors.Tensor) {
	rng := rand.New(rand.NewPCG(seed, 0))
	data := make([]float32, n*cifar.ImageSize)
	for ii := range data {
		data[ii] = rng.Float32()*2 - 1
	}
	labelsData := make([]int64, n)
	for ii := range labelsData {
		labelsData[ii] = int64(rng.IntN(cifar.NumClasses))
	}
	return tensors.FromFlatDataAndDimensions(data, n, cifar.Height, cifar.Width, cifar.Depth),
		tensors.FromFlatDataAndDimensions(labelsData, n, 1)
}

func TestModelGraphShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return ModelGraph(ctx.In(Scope), images)
	})
	images, _ := randomBatch(3, 1)
	logits := exec.MustExec1(images)
	assert.Equal(t, []int{3, cifar.NumClasses}, logits.Shape().Dimensions)

	exec = context.MustNewExec(backend, context.New(), func(ctx *context.Context, images *Node) *Node {
		return ModelGraph(ctx, images)
	})
	require.Panics(t, func() { exec.MustExec(tensors.FromShape(shapes.Make(dtypes.Float32, 2, 28, 28, 3))) })
}

func TestModes(t *testing.T) {
	assert.Equal(t, "Training", Training.String())
	assert.Equal(t, "Evaluation", Evaluation.String())

	backend := graphtest.BuildTestBackend()
	net, err := New(backend, context.New(), sgd.New(sgd.Config{Momentum: 0.85, LearningRate: 0.01}))
	require.NoError(t, err)
	defer net.Finalize()
	assert.Equal(t, Evaluation, net.Mode())

	images, labels := randomBatch(2, 2)
	_, err = net.TrainStep(images, labels)
	require.True(t, errors.Is(err, ErrWrongMode))

	net.SetMode(Training)
	_, err = net.EvalStep(images, labels)
	require.True(t, errors.Is(err, ErrWrongMode))
	_, err = net.Predict(images)
	require.True(t, errors.Is(err, ErrWrongMode))

	// Without an optimizer the network can't train.
	evalOnly, err := New(backend, context.New(), nil)
	require.NoError(t, err)
	defer evalOnly.Finalize()
	evalOnly.SetMode(Training)
	_, err = evalOnly.TrainStep(images, labels)
	require.Error(t, err)
}

func TestTrainAndEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	net, err := New(backend, ctx, sgd.New(sgd.Config{Momentum: 0.85, WeightDecay: 1e-5, LearningRate: 0.01}))
	require.NoError(t, err)
	defer net.Finalize()

	images, labels := randomBatch(4, 3)
	net.SetMode(Training)
	for range 2 {
		result, err := net.TrainStep(images, labels)
		require.NoError(t, err)
		assert.Equal(t, 4, result.Size)
		assert.GreaterOrEqual(t, result.Correct, 0)
		assert.LessOrEqual(t, result.Correct, 4)
		assert.False(t, math.IsNaN(result.Loss) || math.IsInf(result.Loss, 0))
		assert.Greater(t, result.Loss, 0.0)
	}

	params := net.Parameters()
	require.NotEmpty(t, params)
	var hasRunningMean bool
	for _, v := range params {
		if v.Name() == "mean" {
			hasRunningMean = true
		}
	}
	assert.True(t, hasRunningMean, "batch normalization running statistics are model parameters")

	// Evaluation never changes the parameters: the same batch gives the same result.
	net.SetMode(Evaluation)
	first, err := net.EvalStep(images, labels)
	require.NoError(t, err)
	second, err := net.EvalStep(images, labels)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	classes, err := net.Predict(images)
	require.NoError(t, err)
	require.Len(t, classes, 4)
	for _, c := range classes {
		assert.GreaterOrEqual(t, c, 0)
		assert.Less(t, c, cifar.NumClasses)
	}
}

func TestDeterministicInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	images, labels := randomBatch(2, 4)
	evalLoss := func() float64 {
		ctx := context.New()
		ctx.SetRNGStateFromSeed(7)
		net, err := New(backend, ctx, nil)
		require.NoError(t, err)
		defer net.Finalize()
		result, err := net.EvalStep(images, labels)
		require.NoError(t, err)
		return result.Loss
	}
	assert.Equal(t, evalLoss(), evalLoss())
}

func TestClassifier(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(11)
	net, err := New(backend, ctx, nil)
	require.NoError(t, err)
	defer net.Finalize()

	// Two 64x64 images, which the classifier resizes.
	imgs := make([]image.Image, 2)
	for ii := range imgs {
		img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
		for y := range 64 {
			for x := range 64 {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4 * (ii + 1)), G: uint8(y * 4), B: uint8(100 * ii), A: 255})
			}
		}
		imgs[ii] = img
	}
	warmup, _ := randomBatch(1, 5)
	_, err = net.Predict(warmup)
	require.NoError(t, err)

	store := checkpoint.Store{Dir: t.TempDir()}
	record, err := checkpoint.RecordFromContext(ctx, "/"+Scope, 0, 0.1)
	require.NoError(t, err)
	require.NoError(t, store.Save(record, 1))

	classifier, err := NewClassifier(backend, store, 1, augment.DefaultNormalization)
	require.NoError(t, err)
	defer classifier.Finalize()
	got, err := classifier.Classify(imgs...)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Same predictions as the original network on the same preprocessing.
	chain, err := augment.NewChain("classify", augment.DefaultNormalization)
	require.NoError(t, err)
	data := make([]float32, 2*cifar.ImageSize)
	for ii, img := range imgs {
		sample, err := cifar.SampleFromImage(imaging.Resize(img, cifar.Width, cifar.Height, imaging.Lanczos), 0)
		require.NoError(t, err)
		require.NoError(t, chain.ToFloats(&sample, nil, data[ii*cifar.ImageSize:(ii+1)*cifar.ImageSize]))
	}
	want, err := net.Predict(tensors.FromFlatDataAndDimensions(data, 2, cifar.Height, cifar.Width, cifar.Depth))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = NewClassifier(backend, store, 2, augment.DefaultNormalization)
	require.True(t, errors.Is(err, checkpoint.ErrNotFound))
}

func TestVariableShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	want, err := VariableShapes(backend)
	require.NoError(t, err)
	require.NotEmpty(t, want)

	ctx := context.New()
	net, err := New(backend, ctx, nil)
	require.NoError(t, err)
	defer net.Finalize()
	images, _ := randomBatch(3, 7)
	_, err = net.Predict(images)
	require.NoError(t, err)
	params := net.Parameters()
	require.Len(t, params, len(want))
	for _, v := range params {
		assert.True(t, want[v.ParameterName()].Equal(v.Shape()), "variable %q", v.ParameterName())
	}

	// A checkpoint whose variable doesn't fit the model is rejected by the classifier.
	store := checkpoint.Store{Dir: t.TempDir()}
	record, err := checkpoint.RecordFromContext(ctx, "/"+Scope, 0, 0.1)
	require.NoError(t, err)
	require.NoError(t, record.CheckShapes(want))
	name := params[0].ParameterName()
	record.Variables[name] = tensors.FromShape(shapes.Make(dtypes.Float32, 1))
	require.NoError(t, store.Save(record, 1))
	_, err = NewClassifier(backend, store, 1, augment.DefaultNormalization)
	require.True(t, errors.Is(err, checkpoint.ErrCorrupt), "got %v", err)
}
