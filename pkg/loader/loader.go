// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loader turns a slice of cifar.Sample into batches of tensors ready to be fed to the model.
//
// A Loader yields one epoch at a time: training loaders are reshuffled at every Reset, while
// validation and test loaders keep the dataset order. Batches are built ahead of consumption by a
// pool of workers, but always delivered in order.
//
// Loader implements train.Dataset, so it can also be used with GoMLX's own training tools.
package loader

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"runtime"

	"github.com/gomlx/cifarcnn/pkg/augment"
	"github.com/gomlx/cifarcnn/pkg/cifar"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Config of a Loader.
type Config struct {
	// Name of the dataset, e.g. "train" or "validation".
	Name string

	// BatchSize is the number of samples per batch. The last batch of an epoch may be smaller.
	BatchSize int

	// Shuffle the order of the samples at every epoch.
	Shuffle bool

	// Seed for the shuffling and for the random augmentation steps.
	Seed int64

	// Workers is the number of goroutines building batches. Defaults to 1 if <= 0.
	Workers int

	// Prefetch is the maximum number of batches built ahead of consumption.
	// Defaults to 2*Workers if <= 0.
	Prefetch int

	// Chain of transformations applied to each sample.
	Chain augment.Chain
}

// Batch is one batch of the epoch.
type Batch struct {
	// Index of the batch in the epoch.
	Index int

	// First is the position, in the epoch order, of the first sample of the batch.
	First int

	// Size is the number of samples in the batch.
	Size int

	// Images are shaped [Size, 32, 32, 3] of Float32, and Labels [Size, 1] of Int64.
	Images, Labels *tensors.Tensor
}

// Loader yields batches of samples. It is not safe for concurrent use: one goroutine should consume it.
type Loader struct {
	cfg     Config
	samples []cifar.Sample

	epoch int
	order []int
	next  int
	run   *epochRun
}

var _ train.Dataset = (*Loader)(nil)

// New creates a Loader over samples. The samples are not copied, and should not be changed while
// the Loader is in use.
func New(samples []cifar.Sample, cfg Config) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("loader %q: batch size must be > 0, got %d", cfg.Name, cfg.BatchSize)
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("loader %q: no samples", cfg.Name)
	}
	if err := cfg.Chain.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "loader %q", cfg.Name)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	cfg.Workers = min(cfg.Workers, runtime.NumCPU())
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2 * cfg.Workers
	}
	l := &Loader{cfg: cfg, samples: samples}
	l.order = l.epochOrder(0)
	return l, nil
}

// String implements fmt.Stringer.
func (l *Loader) String() string {
	return fmt.Sprintf("loader.Loader(%q)", l.cfg.Name)
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.cfg.Name }

// Config returns the configuration of the loader, with defaults filled in.
func (l *Loader) Config() Config { return l.cfg }

// NumSamples in one epoch.
func (l *Loader) NumSamples() int { return len(l.samples) }

// NumBatches in one epoch.
func (l *Loader) NumBatches() int {
	return (len(l.samples) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Epoch returns the number of times Reset was called.
func (l *Loader) Epoch() int { return l.epoch }

// Order returns the sample indices in the order of the current epoch. Don't modify it.
func (l *Loader) Order() []int { return l.order }

// epochOrder returns the sample order of the given epoch: a seeded permutation if shuffling, otherwise
// the identity.
func (l *Loader) epochOrder(epoch int) []int {
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(l.cfg.Seed), uint64(epoch)))
		return rng.Perm(len(l.samples))
	}
	if l.order != nil {
		return l.order
	}
	order := make([]int, len(l.samples))
	for ii := range order {
		order[ii] = ii
	}
	return order
}

// Reset implements train.Dataset. It stops any batches being prepared and starts a new epoch.
func (l *Loader) Reset() {
	l.stop()
	l.epoch++
	l.order = l.epochOrder(l.epoch)
	l.next = 0
}

// Close stops the workers, if any are running.
func (l *Loader) Close() {
	l.stop()
}

// Yield implements train.Dataset. The spec returned is the batch index.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	var batch Batch
	batch, err = l.Next(context.Background())
	if err != nil {
		return
	}
	return batch.Index, []*tensors.Tensor{batch.Images}, []*tensors.Tensor{batch.Labels}, nil
}

// Next returns the next batch of the epoch, or io.EOF when the epoch is over.
//
// Batches are returned in order, and only once fully built.
func (l *Loader) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if l.next >= l.NumBatches() {
		l.stop()
		return Batch{}, io.EOF
	}
	if l.run == nil {
		l.run = l.startEpoch()
	}
	batch, err := l.run.get(ctx, l.next)
	if err != nil {
		l.stop()
		return Batch{}, err
	}
	l.next++
	return batch, nil
}

func (l *Loader) stop() {
	if l.run == nil {
		return
	}
	l.run.stop()
	l.run = nil
}

// makeBatch builds the batch batchIdx of the given epoch order.
//
// The random augmentation of a batch depends only on (seed, epoch, batchIdx), so results don't
// depend on the number of workers.
func (l *Loader) makeBatch(order []int, epoch, batchIdx int) (Batch, error) {
	start := batchIdx * l.cfg.BatchSize
	end := min(start+l.cfg.BatchSize, len(order))
	size := end - start
	images := make([]float32, size*cifar.ImageSize)
	labels := make([]int64, size)
	rng := rand.New(rand.NewPCG(uint64(l.cfg.Seed)^augmentSeedSalt, uint64(epoch)<<32|uint64(batchIdx)))
	for ii, sampleIdx := range order[start:end] {
		sample := &l.samples[sampleIdx]
		dst := images[ii*cifar.ImageSize : (ii+1)*cifar.ImageSize]
		if err := l.cfg.Chain.ToFloats(sample, rng, dst); err != nil {
			return Batch{}, errors.WithMessagef(err, "%s: sample #%d", l, sampleIdx)
		}
		labels[ii] = int64(sample.Label)
	}
	return Batch{
		Index:  batchIdx,
		First:  start,
		Size:   size,
		Images: tensors.FromFlatDataAndDimensions(images, size, cifar.Height, cifar.Width, cifar.Depth),
		Labels: tensors.FromFlatDataAndDimensions(labels, size, 1),
	}, nil
}

// augmentSeedSalt separates the augmentation random stream from the shuffling one.
const augmentSeedSalt = 0x9e3779b97f4a7c15

// epochRun holds the workers of one epoch.
type epochRun struct {
	cancel  context.CancelFunc
	results chan Batch
	tokens  chan struct{}
	done    chan struct{}
	err     error
	pending map[int]Batch
}

// startEpoch starts the producer and the workers for the current epoch.
//
// The producer takes a token before issuing each batch index, and the consumer returns it when
// the batch is delivered: so at most Prefetch batches are outstanding, and the next batch in order
// is always one of them.
func (l *Loader) startEpoch() *epochRun {
	ctx, cancel := context.WithCancel(context.Background())
	g, gCtx := errgroup.WithContext(ctx)
	run := &epochRun{
		cancel:  cancel,
		results: make(chan Batch, l.cfg.Prefetch),
		tokens:  make(chan struct{}, l.cfg.Prefetch),
		done:    make(chan struct{}),
		pending: make(map[int]Batch, l.cfg.Prefetch),
	}
	order, epoch, numBatches := l.order, l.epoch, l.NumBatches()
	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for batchIdx := l.next; batchIdx < numBatches; batchIdx++ {
			select {
			case run.tokens <- struct{}{}:
			case <-gCtx.Done():
				return gCtx.Err()
			}
			select {
			case jobs <- batchIdx:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
		return nil
	})
	for range l.cfg.Workers {
		g.Go(func() error {
			for batchIdx := range jobs {
				batch, err := l.makeBatch(order, epoch, batchIdx)
				if err != nil {
					return err
				}
				select {
				case run.results <- batch:
				case <-gCtx.Done():
					return gCtx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		run.err = g.Wait()
		close(run.done)
	}()
	klog.V(2).Infof("%s: started epoch %d with %d workers", l, epoch, l.cfg.Workers)
	return run
}

// get waits for the batch batchIdx.
func (run *epochRun) get(ctx context.Context, batchIdx int) (Batch, error) {
	done := run.done
	for {
		if batch, found := run.pending[batchIdx]; found {
			delete(run.pending, batchIdx)
			<-run.tokens
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case batch := <-run.results:
			run.pending[batch.Index] = batch
		case <-done:
			if run.err != nil {
				return Batch{}, run.err
			}
			// All batches were produced: the remaining ones are buffered in results.
			done = nil
		}
	}
}

func (run *epochRun) stop() {
	run.cancel()
	<-run.done
}
