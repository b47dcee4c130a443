// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment implements the image transformations applied to the examples before they are fed
// to the model: random flips and crops, padding and the final conversion to normalized floats.
//
// Transformations are organized in named chains (see ChainByName), so one can swap the augmentation
// used for training from the command line.
package augment

import (
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/pkg/errors"
)

// ErrBadChainOutput is returned when a chain doesn't produce an image of the model input size.
var ErrBadChainOutput = errors.New("augmentation chain output has the wrong size")

// Transform is one image transformation step.
//
// Implementations must be safe for concurrent use: all randomness comes from the rng argument,
// which may be nil for deterministic transforms.
type Transform interface {
	Name() string
	Apply(img image.Image, rng *rand.Rand) image.Image
}

// HorizontalFlip mirrors the image left-right with probability P.
type HorizontalFlip struct {
	P float64
}

func (t HorizontalFlip) Name() string { return fmt.Sprintf("HorizontalFlip(%g)", t.P) }

func (t HorizontalFlip) Apply(img image.Image, rng *rand.Rand) image.Image {
	if rng == nil || rng.Float64() >= t.P {
		return img
	}
	return imaging.FlipH(img)
}

// Pad adds a black border of Padding pixels to all sides.
type Pad struct {
	Padding int
}

func (t Pad) Name() string { return fmt.Sprintf("Pad(%d)", t.Padding) }

func (t Pad) Apply(img image.Image, _ *rand.Rand) image.Image {
	if t.Padding <= 0 {
		return img
	}
	b := img.Bounds()
	canvas := imaging.New(b.Dx()+2*t.Padding, b.Dy()+2*t.Padding, color.NRGBA{A: 255})
	return imaging.Paste(canvas, img, image.Pt(t.Padding, t.Padding))
}

// CenterCrop crops a Size x Size square from the center of the image.
type CenterCrop struct {
	Size int
}

func (t CenterCrop) Name() string { return fmt.Sprintf("CenterCrop(%d)", t.Size) }

func (t CenterCrop) Apply(img image.Image, _ *rand.Rand) image.Image {
	return imaging.CropCenter(img, t.Size, t.Size)
}

// RandomCrop zero-pads the image by Padding and then crops a Size x Size square at a random position.
type RandomCrop struct {
	Size, Padding int
}

func (t RandomCrop) Name() string { return fmt.Sprintf("RandomCrop(%d, %d)", t.Size, t.Padding) }

func (t RandomCrop) Apply(img image.Image, rng *rand.Rand) image.Image {
	padded := Pad{Padding: t.Padding}.Apply(img, rng)
	b := padded.Bounds()
	maxX, maxY := b.Dx()-t.Size, b.Dy()-t.Size
	if maxX < 0 || maxY < 0 {
		// Smaller than the crop: let the size check of the chain report it.
		return padded
	}
	var x, y int
	if rng != nil {
		x, y = rng.IntN(maxX+1), rng.IntN(maxY+1)
	} else {
		x, y = maxX/2, maxY/2
	}
	return imaging.Crop(padded, image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+t.Size, b.Min.Y+y+t.Size))
}

// Normalization converts pixels to floats in [0, 1] and then normalizes them per channel with
// (x - Mean) / Std.
type Normalization struct {
	Mean, Std [cifar.Depth]float32
}

// DefaultNormalization uses the usual Cifar-10 per-channel statistics.
var DefaultNormalization = Normalization{
	Mean: [cifar.Depth]float32{0.4914, 0.4822, 0.4465},
	Std:  [cifar.Depth]float32{0.2023, 0.1994, 0.2010},
}

// NoNormalization only scales pixels to [0, 1].
var NoNormalization = Normalization{Std: [cifar.Depth]float32{1, 1, 1}}

// Chain is a named sequence of transformations, followed by the conversion to normalized floats.
type Chain struct {
	Name  string
	Steps []Transform
	Norm  Normalization
}

// String implements fmt.Stringer.
func (c Chain) String() string {
	s := c.Name + ":"
	for _, step := range c.Steps {
		s += " " + step.Name() + " ->"
	}
	return s + " ToTensor+Normalize"
}

// Validate checks the normalization has no zero standard deviation, and runs the chain over a
// blank example to check that it produces an image of the model input size.
func (c Chain) Validate() error {
	for ch, std := range c.Norm.Std {
		if std == 0 {
			return errors.Errorf("chain %q: normalization of channel %d has zero standard deviation", c.Name, ch)
		}
	}
	var blank cifar.Sample
	dst := make([]float32, cifar.ImageSize)
	// Random steps are checked with a fixed rng: the output size doesn't depend on it.
	return c.ToFloats(&blank, rand.New(rand.NewPCG(0, 0)), dst)
}

// Apply runs the image transformations of the chain (not the normalization).
func (c Chain) Apply(img image.Image, rng *rand.Rand) image.Image {
	for _, step := range c.Steps {
		img = step.Apply(img, rng)
	}
	return img
}

// ToFloats applies the chain to the sample, and writes the normalized result to dst, in
// height-width-channel order. dst must have cifar.ImageSize elements.
func (c Chain) ToFloats(sample *cifar.Sample, rng *rand.Rand, dst []float32) error {
	if len(dst) != cifar.ImageSize {
		return errors.Errorf("destination has %d elements, wanted %d", len(dst), cifar.ImageSize)
	}
	if len(c.Steps) == 0 {
		c.Norm.fromPlanes(sample, dst)
		return nil
	}
	img := imaging.Clone(c.Apply(sample.Image(), rng))
	if img.Bounds().Dx() != cifar.Width || img.Bounds().Dy() != cifar.Height {
		return errors.Wrapf(ErrBadChainOutput, "chain %q produced a %dx%d image, wanted %dx%d",
			c.Name, img.Bounds().Dx(), img.Bounds().Dy(), cifar.Width, cifar.Height)
	}
	c.Norm.fromNRGBA(img, dst)
	return nil
}

// fromPlanes converts directly from the channel-major bytes of the sample.
func (n Normalization) fromPlanes(sample *cifar.Sample, dst []float32) {
	const planeSize = cifar.Width * cifar.Height
	for pixel := 0; pixel < planeSize; pixel++ {
		for d := 0; d < cifar.Depth; d++ {
			v := float32(sample.Pixels[d*planeSize+pixel]) / 255
			dst[pixel*cifar.Depth+d] = (v - n.Mean[d]) / n.Std[d]
		}
	}
}

func (n Normalization) fromNRGBA(img *image.NRGBA, dst []float32) {
	pos := 0
	for h := 0; h < cifar.Height; h++ {
		row := img.Pix[h*img.Stride:]
		for w := 0; w < cifar.Width; w++ {
			for d := 0; d < cifar.Depth; d++ {
				v := float32(row[w*4+d]) / 255
				dst[pos] = (v - n.Mean[d]) / n.Std[d]
				pos++
			}
		}
	}
}
