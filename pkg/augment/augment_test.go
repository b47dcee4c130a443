// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradientSample has red increasing with the column, green with the row and constant blue.
func gradientSample() *cifar.Sample {
	s := &cifar.Sample{Label: 3}
	const planeSize = cifar.Width * cifar.Height
	for h := 0; h < cifar.Height; h++ {
		for w := 0; w < cifar.Width; w++ {
			s.Pixels[h*cifar.Width+w] = byte(w * 8)
			s.Pixels[planeSize+h*cifar.Width+w] = byte(h * 8)
			s.Pixels[2*planeSize+h*cifar.Width+w] = 128
		}
	}
	return s
}

func TestChainsProduceModelInput(t *testing.T) {
	for _, name := range ChainNames() {
		t.Run(name, func(t *testing.T) {
			c, err := ChainByName(name)
			require.NoError(t, err)
			dst := make([]float32, cifar.ImageSize)
			rng := rand.New(rand.NewPCG(1, 2))
			for range 5 {
				require.NoError(t, c.ToFloats(gradientSample(), rng, dst))
			}
		})
	}
	_, err := ChainByName("rotate")
	require.Error(t, err)
}

func TestBadChainRejected(t *testing.T) {
	// The tiny crops of some historic configurations don't fit the model.
	_, err := NewChain("tiny", DefaultNormalization, CenterCrop{Size: 3}, Pad{Padding: 8})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadChainOutput))

	norm := DefaultNormalization
	norm.Std[1] = 0
	_, err = NewChain("zero-std", norm)
	require.Error(t, err)
	_, err = NewChain("no-std", Normalization{Mean: DefaultNormalization.Mean})
	require.Error(t, err)
}

func TestNormalization(t *testing.T) {
	s := gradientSample()
	dst := make([]float32, cifar.ImageSize)

	none, err := ChainByName(ChainNone)
	require.NoError(t, err)
	require.NoError(t, none.ToFloats(s, nil, dst))
	// Pixel (h=2, w=3): HWC layout.
	pos := (2*cifar.Width + 3) * cifar.Depth
	assert.InDelta(t, float32(24)/255, dst[pos], 1e-6)
	assert.InDelta(t, float32(16)/255, dst[pos+1], 1e-6)
	assert.InDelta(t, float32(128)/255, dst[pos+2], 1e-6)

	plain, err := ChainByName(ChainPlain)
	require.NoError(t, err)
	require.NoError(t, plain.ToFloats(s, nil, dst))
	want := (float32(128)/255 - DefaultNormalization.Mean[2]) / DefaultNormalization.Std[2]
	assert.InDelta(t, want, dst[pos+2], 1e-5)

	// Going through the image path (an always-flip with P=1 twice) gives the same values.
	twice, err := NewChain("flip-twice", DefaultNormalization, HorizontalFlip{P: 1}, HorizontalFlip{P: 1})
	require.NoError(t, err)
	viaImage := make([]float32, cifar.ImageSize)
	require.NoError(t, twice.ToFloats(s, rand.New(rand.NewPCG(0, 0)), viaImage))
	plainValues := make([]float32, cifar.ImageSize)
	require.NoError(t, plain.ToFloats(s, nil, plainValues))
	assert.InDeltaSlice(t, plainValues, viaImage, 1e-6)
}

func TestHorizontalFlip(t *testing.T) {
	s := gradientSample()
	img := HorizontalFlip{P: 1}.Apply(s.Image(), rand.New(rand.NewPCG(0, 0)))
	flipped, err := cifar.SampleFromImage(img, s.Label)
	require.NoError(t, err)
	// Red (column gradient) is mirrored, green (row gradient) untouched.
	assert.Equal(t, byte((cifar.Width-1)*8), flipped.Pixels[0])
	assert.Equal(t, s.Pixels[cifar.Width*cifar.Height+5*cifar.Width], flipped.Pixels[cifar.Width*cifar.Height+5*cifar.Width])

	// Without an rng, or with P=0, it is a no-op.
	same := HorizontalFlip{P: 1}.Apply(s.Image(), nil)
	back, err := cifar.SampleFromImage(same, s.Label)
	require.NoError(t, err)
	assert.Equal(t, *s, back)
}

func TestRandomCropAndPad(t *testing.T) {
	s := gradientSample()
	padded := Pad{Padding: 4}.Apply(s.Image(), nil)
	assert.Equal(t, 40, padded.Bounds().Dx())

	rng := rand.New(rand.NewPCG(3, 4))
	for range 10 {
		cropped := RandomCrop{Size: 32, Padding: 2}.Apply(s.Image(), rng)
		assert.Equal(t, 32, cropped.Bounds().Dx())
		assert.Equal(t, 32, cropped.Bounds().Dy())
	}

	centered := CenterCrop{Size: 16}.Apply(s.Image(), nil)
	assert.Equal(t, 16, centered.Bounds().Dx())
}
