// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"strconv"

	"github.com/gomlx/gomlx/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SweepConfigs returns the configuration of each run of a sweep over the augmentation chains: run ii
// uses chains[ii], is identified by ii and uses its own checkpoint, base.ModelVariant+ii.
func SweepConfigs(base RunConfig, chains []string) ([]RunConfig, error) {
	if len(chains) == 0 {
		return nil, errors.New("sweep requires at least one augmentation chain")
	}
	configs := make([]RunConfig, 0, len(chains))
	for ii, chain := range chains {
		cfg := base
		cfg.RunID = strconv.Itoa(ii)
		cfg.TrainChain = chain
		cfg.ModelVariant = base.ModelVariant + ii
		if err := cfg.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "sweep run #%d", ii)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Sweep runs one training per augmentation chain, sequentially, and returns the report of each.
// It stops at the first failed run, returning the reports of the runs completed so far.
func Sweep(ctx context.Context, base RunConfig, chains []string, backend backends.Backend, data Datasets, opts ...Option) ([]*Report, error) {
	configs, err := SweepConfigs(base, chains)
	if err != nil {
		return nil, err
	}
	sweepID := uuid.NewString()
	klog.Infof("Sweep %s: %d runs, results in %q", sweepID, len(configs), base.OutputDir)
	reports := make([]*Report, 0, len(configs))
	for _, cfg := range configs {
		klog.Infof("Sweep %s: starting run %s with augmentation %q", sweepID, cfg.RunID, cfg.TrainChain)
		tr, err := New(cfg, backend, data, opts...)
		if err != nil {
			return reports, err
		}
		report, err := tr.Run(ctx)
		if err != nil {
			return reports, errors.WithMessagef(err, "sweep run %s (%q)", cfg.RunID, cfg.TrainChain)
		}
		klog.Infof("Sweep %s: run %s finished with best validation accuracy %g", sweepID, cfg.RunID, report.Best)
		reports = append(reports, report)
	}
	return reports, nil
}
