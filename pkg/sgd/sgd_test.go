// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sgd

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weights(t *testing.T, ctx *context.Context) []float32 {
	v := ctx.InAbsPath("/model").GetVariable("w")
	require.NotNil(t, v)
	return tensors.MustCopyFlatData[float32](v.MustValue())
}

func TestMomentumWithWeightDecay(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	opt := New(Config{Momentum: 0.5, WeightDecay: 0.1, LearningRate: 0.1})
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		g := x.Graph()
		w := ctx.In("model").VariableWithValue("w", []float32{1, -2})
		// The gradient of the loss with respect to w is x.
		loss := ReduceAllSum(Mul(w.ValueGraph(g), x))
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	x := []float32{1, 1}

	// Step 1: g' = x + 0.1*w = [1.1, 0.8]; buf = g'; w -= 0.1*buf.
	exec.MustExec(x)
	assert.InDeltaSlice(t, []float32{0.89, -2.08}, weights(t, ctx), 1e-5)

	// Step 2: g' = [1.089, 0.792]; buf = 0.5*[1.1, 0.8] + g' = [1.639, 1.192].
	exec.MustExec(x)
	assert.InDeltaSlice(t, []float32{0.7261, -2.1992}, weights(t, ctx), 1e-5)
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))

	lr, err := LearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, lr, 1e-7)

	// A zero learning rate freezes the weights, even with momentum.
	require.NoError(t, SetLearningRate(ctx, dtypes.Float32, 0))
	before := weights(t, ctx)
	exec.MustExec(x)
	assert.Equal(t, before, weights(t, ctx))

	// Clear removes the momentum buffers.
	require.NotNil(t, ctx.InAbsPath("/sgd/model").GetVariable("w_momentum"))
	require.NoError(t, opt.Clear(ctx))
	assert.Nil(t, ctx.InAbsPath("/sgd/model").GetVariable("w_momentum"))
}

func TestPlainSGD(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	opt := New(Config{LearningRate: 0.5})
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		g := x.Graph()
		w := ctx.In("model").VariableWithValue("w", []float32{3, 4})
		loss := ReduceAllSum(Mul(w.ValueGraph(g), x))
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	exec.MustExec([]float32{2, -2})
	assert.InDeltaSlice(t, []float32{2, 5}, weights(t, ctx), 1e-6)
	assert.Nil(t, ctx.InAbsPath("/sgd/model").GetVariable("w_momentum"), "no buffers without momentum")
}

func TestLearningRateBeforeCreation(t *testing.T) {
	ctx := context.New()
	_, err := LearningRate(ctx)
	require.Error(t, err)
	require.NoError(t, SetLearningRate(ctx, dtypes.Float32, 0.25))
	lr, err := LearningRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, lr, 1e-7)
}
