// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sgd implements stochastic gradient descent with momentum and L2 weight decay, as an
// optimizers.Interface.
//
// For each trainable variable w with gradient g, one step does:
//
//	g' = g + weightDecay * w
//	buf = momentum * buf + g'
//	w = w - learningRate * buf
//
// The momentum buffers start at zero, so the first step uses buf = g'.
//
// The learning rate is the usual GoMLX learning rate variable (see optimizers.LearningRateVar), read
// by the graph at every step: it can be changed between steps with SetLearningRate.
package sgd

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Scope under which the momentum buffers are stored: the buffer of a variable with scope "/a/b" is
// stored in scope "/sgd/a/b".
const Scope = "sgd"

// Config of the optimizer.
type Config struct {
	// Momentum factor, 0 disables momentum.
	Momentum float64

	// WeightDecay is the L2 regularization weight added to the gradients.
	WeightDecay float64

	// LearningRate is the value used to initialize the learning rate variable, if it doesn't exist yet.
	LearningRate float64

	// DType used for the optimizer computations. If invalid (the default) it uses the loss dtype.
	DType dtypes.DType
}

// Optimizer implements optimizers.Interface.
type Optimizer struct {
	config Config
}

var _ optimizers.Interface = (*Optimizer)(nil)

// New creates the optimizer with the given configuration.
func New(config Config) *Optimizer {
	return &Optimizer{config: config}
}

// Config returns the optimizer configuration.
func (o *Optimizer) Config() Config { return o.config }

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}
	dtype := o.config.DType
	if dtype == dtypes.InvalidDType {
		dtype = loss.DType()
	}
	rootCtx := ctx.InAbsPath(context.RootScope)
	learningRate := optimizers.LearningRateVar(rootCtx, dtype, o.config.LearningRate).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(rootCtx, g, dtype)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, dtype, grads[varIdx], learningRate)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"sgd sees %d variables -- were new variables created in between ?", numTrainable, varIdx)
	}
}

// applyGraph updates one variable and its momentum buffer.
func (o *Optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate *Node) {
	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	if o.config.WeightDecay != 0 {
		grad = Add(grad, MulScalar(value, o.config.WeightDecay))
	}
	step := grad
	if o.config.Momentum != 0 {
		bufVar := o.momentumVariable(ctx, v, dtype)
		buf := Add(MulScalar(bufVar.ValueGraph(g), o.config.Momentum), grad)
		bufVar.SetValueGraph(buf)
		step = buf
	}
	updated := Sub(value, Mul(learningRate, step))
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.DType() != dtype {
		updated = ConvertDType(updated, v.DType())
	}
	v.SetValueGraph(updated)
}

// momentumVariable returns the momentum buffer of the trainable variable, creating it with zeros if
// it doesn't exist yet.
func (o *Optimizer) momentumVariable(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, Scope, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).
		InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_momentum", shape).
		SetTrainable(false)
}

// Clear all momentum buffers.
// It implements optimizers.Interface.
func (o *Optimizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + Scope).DeleteVariablesInScope()
}

// learningRateVar returns the existing learning rate variable, or nil.
func learningRateVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(context.ScopeSeparator + optimizers.Scope).GetVariable(optimizers.ParamLearningRate)
}

// SetLearningRate sets the learning rate used by the following steps. It creates the variable with
// the given dtype if it doesn't exist yet, otherwise the existing dtype is kept.
func SetLearningRate(ctx *context.Context, dtype dtypes.DType, value float64) error {
	v := learningRateVar(ctx)
	if v == nil {
		_ = optimizers.LearningRateVarWithValue(ctx.InAbsPath(context.RootScope), dtype, value)
		return nil
	}
	err := v.SetValue(tensors.FromAnyValue(shapes.CastAsDType(value, v.DType())))
	return errors.WithMessagef(err, "setting learning rate to %g", value)
}

// LearningRate returns the current learning rate value.
func LearningRate(ctx *context.Context) (float64, error) {
	v := learningRateVar(ctx)
	if v == nil {
		return 0, errors.Errorf("learning rate variable %q not created yet", optimizers.ParamLearningRate)
	}
	value, err := v.Value()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading learning rate")
	}
	switch lr := value.Value().(type) {
	case float32:
		return float64(lr), nil
	case float64:
		return lr, nil
	default:
		return 0, errors.Errorf("learning rate has unexpected type %T", lr)
	}
}
