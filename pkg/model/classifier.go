// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/gomlx/cifarcnn/pkg/checkpoint"
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Classifier serves a trained InnocentNet: it loads the checkpoint of a model variant, and
// classifies images of any size, by first resizing them to the model's input size.
type Classifier struct {
	net   *Network
	chain augment.Chain
}

// NewClassifier loads the checkpoint of the model variant from store. Images are normalized with
// norm, which should match the one used during training.
func NewClassifier(backend backends.Backend, store checkpoint.Store, variant int, norm augment.Normalization) (*Classifier, error) {
	record, err := store.Load(variant)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading CIFAR-10 model variant %d", variant)
	}
	want, err := VariableShapes(backend)
	if err != nil {
		return nil, err
	}
	if err = record.CheckShapes(want); err != nil {
		return nil, errors.WithMessagef(err, "CIFAR-10 model variant %d", variant)
	}
	ctx := context.New()
	record.AttachTo(ctx)
	net, err := New(backend, ctx, nil)
	if err != nil {
		return nil, err
	}
	chain, err := augment.NewChain("classify", norm)
	if err != nil {
		return nil, err
	}
	return &Classifier{net: net, chain: chain}, nil
}

// Classify returns the classes (from 0 to 9) of the images. Use cifar.Labels to convert them to names.
func (c *Classifier) Classify(images ...image.Image) ([]int, error) {
	if len(images) == 0 {
		return nil, nil
	}
	data := make([]float32, len(images)*cifar.ImageSize)
	for ii, img := range images {
		if b := img.Bounds(); b.Dx() != cifar.Width || b.Dy() != cifar.Height {
			img = imaging.Resize(img, cifar.Width, cifar.Height, imaging.Lanczos)
		}
		sample, err := cifar.SampleFromImage(img, 0)
		if err != nil {
			return nil, errors.WithMessagef(err, "converting image #%d", ii)
		}
		if err := c.chain.ToFloats(&sample, nil, data[ii*cifar.ImageSize:(ii+1)*cifar.ImageSize]); err != nil {
			return nil, errors.WithMessagef(err, "normalizing image #%d", ii)
		}
	}
	batch := tensors.FromFlatDataAndDimensions(data, len(images), cifar.Height, cifar.Width, cifar.Depth)
	return c.net.Predict(batch)
}

// Finalize releases the compiled model.
func (c *Classifier) Finalize() {
	c.net.Finalize()
}
