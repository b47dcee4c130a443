// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Mode of the Network: it selects which of the compiled computations may run.
type Mode int

const (
	// Evaluation uses the batch normalization running statistics, disables dropout, and never
	// changes the parameters.
	Evaluation Mode = iota

	// Training uses batch statistics and dropout, and updates the parameters with the optimizer.
	Training
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Evaluation:
		return "Evaluation"
	case Training:
		return "Training"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ErrWrongMode is returned when a step is requested in the wrong Mode.
var ErrWrongMode = errors.New("network in the wrong mode")

// StepResult is the outcome of one training or evaluation step over a batch.
type StepResult struct {
	// Loss is the mean cross-entropy over the batch.
	Loss float64

	// Correct is the number of samples whose predicted class equals the label.
	Correct int

	// Size is the number of samples in the batch.
	Size int
}

// Network holds InnocentNet compiled for a backend, with its variables stored in a context.Context.
//
// It is not safe for concurrent use.
type Network struct {
	backend backends.Backend
	ctx     *context.Context
	opt     optimizers.Interface
	mode    Mode

	trainExec, evalExec, predictExec *context.Exec
}

// New creates the Network. The model variables are created (or loaded, if ctx has a loader) under
// the Scope sub-scope of ctx, the first time a step is executed.
//
// The optimizer is only used by TrainStep, and it can be nil if the Network is used only for
// evaluation and prediction.
//
// The Network starts in Evaluation mode.
func New(backend backends.Backend, ctx *context.Context, opt optimizers.Interface) (*Network, error) {
	if backend == nil {
		return nil, errors.New("model.New requires a backend")
	}
	if ctx == nil {
		return nil, errors.New("model.New requires a context")
	}
	// Train and evaluation graphs share the same variables, and either may be built first.
	ctx = ctx.Checked(false)
	n := &Network{backend: backend, ctx: ctx, opt: opt, mode: Evaluation}

	var err error
	if opt != nil {
		n.trainExec, err = context.NewExec(backend, ctx, n.trainGraph)
		if err != nil {
			return nil, errors.WithMessage(err, "compiling training step")
		}
	}
	n.evalExec, err = context.NewExec(backend, ctx, n.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "compiling evaluation step")
	}
	n.predictExec, err = context.NewExec(backend, ctx, n.predictGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "compiling prediction")
	}
	return n, nil
}

// Context where the variables are stored.
func (n *Network) Context() *context.Context { return n.ctx }

// Mode returns the current mode.
func (n *Network) Mode() Mode { return n.mode }

// SetMode changes the mode used by the following steps.
func (n *Network) SetMode(mode Mode) {
	n.mode = mode
}

// lossAndCorrectGraph returns the mean loss and the number of correct predictions.
func lossAndCorrectGraph(logits, labels *Node) (loss, correct *Node) {
	loss = ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
	predicted := ArgMax(logits, -1, dtypes.Int64)
	matches := Equal(predicted, Reshape(ConvertDType(labels, dtypes.Int64), -1))
	correct = ReduceAllSum(ConvertDType(matches, dtypes.Int64))
	return
}

func (n *Network) trainGraph(ctx *context.Context, images, labels *Node) (loss, correct *Node) {
	g := images.Graph()
	ctx.SetTraining(g, true)
	logits := ModelGraph(ctx.In(Scope), images)
	loss, correct = lossAndCorrectGraph(logits, labels)
	n.opt.UpdateGraph(ctx, g, loss)
	return
}

func (n *Network) evalGraph(ctx *context.Context, images, labels *Node) (loss, correct *Node) {
	ctx.SetTraining(images.Graph(), false)
	logits := ModelGraph(ctx.In(Scope), images)
	return lossAndCorrectGraph(logits, labels)
}

func (n *Network) predictGraph(ctx *context.Context, images *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	logits := ModelGraph(ctx.In(Scope), images)
	return ArgMax(logits, -1, dtypes.Int64)
}

// TrainStep runs one optimizer step over the batch. It requires the Training mode.
//
// images are shaped [batchSize, 32, 32, 3] of Float32, and labels [batchSize, 1] of Int64.
func (n *Network) TrainStep(images, labels *tensors.Tensor) (StepResult, error) {
	if n.mode != Training {
		return StepResult{}, errors.Wrapf(ErrWrongMode, "TrainStep requires mode %s, network is in %s", Training, n.mode)
	}
	if n.trainExec == nil {
		return StepResult{}, errors.New("TrainStep requires an optimizer, none was given to model.New")
	}
	return n.step(n.trainExec, images, labels)
}

// EvalStep computes the loss and the number of correct predictions over the batch, without
// changing any variable. It requires the Evaluation mode.
func (n *Network) EvalStep(images, labels *tensors.Tensor) (StepResult, error) {
	if n.mode != Evaluation {
		return StepResult{}, errors.Wrapf(ErrWrongMode, "EvalStep requires mode %s, network is in %s", Evaluation, n.mode)
	}
	return n.step(n.evalExec, images, labels)
}

func (n *Network) step(exec *context.Exec, images, labels *tensors.Tensor) (StepResult, error) {
	if exec == nil {
		return StepResult{}, errors.New("network already finalized")
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = exec.MustExec(images, labels) })
	if err != nil {
		return StepResult{}, errors.WithMessagef(err, "executing step for batch of shape %s", images.Shape())
	}
	return StepResult{
		Loss:    float64(tensors.ToScalar[float32](outputs[0])),
		Correct: int(tensors.ToScalar[int64](outputs[1])),
		Size:    images.Shape().Dimensions[0],
	}, nil
}

// Predict returns the predicted class of each image. It requires the Evaluation mode.
func (n *Network) Predict(images *tensors.Tensor) ([]int, error) {
	if n.mode != Evaluation {
		return nil, errors.Wrapf(ErrWrongMode, "Predict requires mode %s, network is in %s", Evaluation, n.mode)
	}
	if n.predictExec == nil {
		return nil, errors.New("network already finalized")
	}
	var output *tensors.Tensor
	err := exceptions.TryCatch[error](func() { output = n.predictExec.MustExec1(images) })
	if err != nil {
		return nil, errors.WithMessagef(err, "predicting batch of shape %s", images.Shape())
	}
	flat := tensors.MustCopyFlatData[int64](output)
	classes := make([]int, len(flat))
	for ii, c := range flat {
		classes[ii] = int(c)
	}
	return classes, nil
}

// Parameters returns the model variables: weights, biases and the batch normalization statistics.
// They are only available after the first step is executed or, if a loader is set, after they
// are loaded.
func (n *Network) Parameters() []*context.Variable {
	var params []*context.Variable
	for v := range n.ctx.InAbsPath(context.ScopeSeparator + Scope).IterVariablesInScope() {
		params = append(params, v)
	}
	return params
}

// VariableShapes returns the shape of each model variable, indexed by its context.Variable.ParameterName.
// It builds InnocentNet in a scratch context, used to check a checkpoint before loading it.
func VariableShapes(backend backends.Backend) (map[string]shapes.Shape, error) {
	net, err := New(backend, context.New(), nil)
	if err != nil {
		return nil, err
	}
	defer net.Finalize()
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, cifar.Height, cifar.Width, cifar.Depth))
	if _, err = net.Predict(images); err != nil {
		return nil, errors.WithMessage(err, "building model to enumerate its variables")
	}
	byName := make(map[string]shapes.Shape)
	for _, v := range net.Parameters() {
		byName[v.ParameterName()] = v.Shape()
	}
	return byName, nil
}

// Finalize releases the compiled computations. The variables in the context are kept.
func (n *Network) Finalize() {
	for _, exec := range []*context.Exec{n.trainExec, n.evalExec, n.predictExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
	n.trainExec, n.evalExec, n.predictExec = nil, nil, nil
}
