// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"slices"
	"sort"

	"github.com/pkg/errors"
)

// Names of the predefined chains.
const (
	ChainNone              = "none"
	ChainPlain             = "plain"
	ChainFlip              = "flip"
	ChainCrop              = "crop"
	ChainCenterPad         = "center-pad"
	ChainFlipCrop          = "flip-crop"
	ChainFlipCenterPad     = "flip-center-pad"
	ChainCropCenterPad     = "crop-center-pad"
	ChainFlipCropCenterPad = "flip-crop-center-pad"
)

// DefaultTrainChain is used for training unless configured otherwise; validation and test always
// use ChainPlain.
const DefaultTrainChain = ChainFlip

func flip() Transform { return HorizontalFlip{P: 0.5} }
func crop() Transform { return RandomCrop{Size: 32, Padding: 2} }
func centerPad() []Transform { return []Transform{CenterCrop{Size: 16}, Pad{Padding: 8}} }

var chainSteps = map[string]func() []Transform{
	ChainNone:              func() []Transform { return nil },
	ChainPlain:             func() []Transform { return nil },
	ChainFlip:              func() []Transform { return []Transform{flip()} },
	ChainCrop:              func() []Transform { return []Transform{crop()} },
	ChainCenterPad:         centerPad,
	ChainFlipCrop:          func() []Transform { return []Transform{flip(), crop()} },
	ChainFlipCenterPad:     func() []Transform { return append([]Transform{flip()}, centerPad()...) },
	ChainCropCenterPad:     func() []Transform { return append([]Transform{crop()}, centerPad()...) },
	ChainFlipCropCenterPad: func() []Transform { return append([]Transform{flip(), crop()}, centerPad()...) },
}

// SweepChains are the chains compared by a sweep, in run order.
var SweepChains = []string{
	ChainCenterPad, ChainFlipCrop, ChainFlipCenterPad, ChainCropCenterPad, ChainFlipCropCenterPad,
}

// ChainNames returns the names of all predefined chains, sorted.
func ChainNames() []string {
	names := make([]string, 0, len(chainSteps))
	for name := range chainSteps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChainByName returns one of the predefined chains, already validated.
//
// All chains use DefaultNormalization, except ChainNone that only scales the pixels to [0, 1].
func ChainByName(name string) (Chain, error) {
	stepsFn, found := chainSteps[name]
	if !found {
		return Chain{}, errors.Errorf("unknown augmentation chain %q, valid values are %q", name, ChainNames())
	}
	c := Chain{Name: name, Steps: stepsFn(), Norm: DefaultNormalization}
	if name == ChainNone {
		c.Norm = NoNormalization
	}
	if err := c.Validate(); err != nil {
		return Chain{}, err
	}
	return c, nil
}

// NewChain creates a custom chain and validates it.
func NewChain(name string, norm Normalization, steps ...Transform) (Chain, error) {
	c := Chain{Name: name, Steps: slices.Clone(steps), Norm: norm}
	if err := c.Validate(); err != nil {
		return Chain{}, err
	}
	return c, nil
}
