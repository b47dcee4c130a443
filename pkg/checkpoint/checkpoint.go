// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and loads the best model of a training run, one file per model variant.
//
// A checkpoint holds the model variables, the epoch in which they were saved and the learning rate
// to continue training with. A Record loaded from disk can be attached to a context.Context as its
// context.Loader: variables are then read from the Record the first time the model graph asks for
// them.
//
// The file is a gob stream: a header with the epoch, the learning rate and the variable names,
// followed by each variable serialized with tensors.Tensor.GobSerialize, in the order of the names.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/cifarcnn/pkg/support/fsutil"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotFound is returned by Store.Load when there is no checkpoint for the variant.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned by Store.Load when the checkpoint file can't be parsed.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

const (
	fileFormat = "cifarcnn_ckpt/v2"
	fileSuffix = ".ckpt"
)

// Store of checkpoints in a directory.
type Store struct {
	Dir string
}

// Path of the checkpoint file for the model variant.
func (s Store) Path(variant int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("model%d%s", variant, fileSuffix))
}

// Record is the content of one checkpoint.
type Record struct {
	// Epoch in which the checkpoint was saved.
	Epoch int

	// LearningRate to use when resuming from this checkpoint.
	LearningRate float64

	// Variables maps the context.Variable.ParameterName() of each variable to its value.
	Variables map[string]*tensors.Tensor

	ctx        *context.Context
	prevLoader context.Loader
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return fmt.Sprintf("checkpoint.Record(epoch=%d, lr=%g, %d variables)", r.Epoch, r.LearningRate, len(r.Variables))
}

// fileHeader is the first value of the gob stream.
type fileHeader struct {
	Format       string
	Epoch        int
	LearningRate float64
	Names        []string
}

// RecordFromContext snapshots the values of all variables under scope (e.g. "/model") of ctx.
// The values are copied, so training can continue while the Record is saved.
func RecordFromContext(ctx *context.Context, scope string, epoch int, learningRate float64) (*Record, error) {
	r := &Record{
		Epoch:        epoch,
		LearningRate: learningRate,
		Variables:    make(map[string]*tensors.Tensor),
	}
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %q", v.ParameterName())
		}
		clone, err := value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "copying variable %q", v.ParameterName())
		}
		r.Variables[v.ParameterName()] = clone
	}
	if len(r.Variables) == 0 {
		return nil, errors.Errorf("no variables found under scope %q to checkpoint", scope)
	}
	return r, nil
}

// Save the record as the checkpoint of the model variant, replacing any previous one.
//
// The file is first written to a uniquely named temporary file, and then renamed, so a crash while
// saving leaves the previous checkpoint intact.
func (s Store) Save(r *Record, variant int) error {
	path := s.Path(variant)
	tmpName := fmt.Sprintf(".model%d-%s.tmp", variant, uuid.NewString())
	err := fsutil.WriteFileAtomic(path, tmpName, func(w io.Writer) error {
		return r.write(w)
	})
	if err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", path)
	}
	klog.V(1).Infof("saved %s to %q", r, path)
	return nil
}

func (r *Record) write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := gob.NewEncoder(bw)
	names := slices.Sorted(maps.Keys(r.Variables))
	header := fileHeader{Format: fileFormat, Epoch: r.Epoch, LearningRate: r.LearningRate, Names: names}
	if err := enc.Encode(&header); err != nil {
		return errors.Wrap(err, "writing checkpoint header")
	}
	for _, name := range names {
		if err := r.Variables[name].GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "writing variable %q", name)
		}
	}
	return errors.Wrap(bw.Flush(), "flushing checkpoint")
}

// Load the checkpoint of the model variant.
//
// It returns an error wrapping ErrNotFound if there is no checkpoint, or ErrCorrupt if the file can't
// be parsed.
func (s Store) Load(variant int) (*Record, error) {
	path := s.Path(variant)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "no checkpoint at %q", path)
		}
		return nil, errors.Wrapf(ErrCorrupt, "opening %q: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	var r *Record
	var readErr error
	err = exceptions.TryCatch[error](func() { r, readErr = read(bufio.NewReader(f)) })
	if err == nil {
		err = readErr
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "reading %q: %v", path, err)
	}
	klog.V(1).Infof("loaded %s from %q", r, path)
	return r, nil
}

func read(in io.Reader) (*Record, error) {
	dec := gob.NewDecoder(in)
	var header fileHeader
	if err := dec.Decode(&header); err != nil {
		return nil, errors.Wrap(err, "reading checkpoint header")
	}
	if header.Format != fileFormat {
		return nil, errors.Errorf("unsupported checkpoint format %q", header.Format)
	}
	r := &Record{
		Epoch:        header.Epoch,
		LearningRate: header.LearningRate,
		Variables:    make(map[string]*tensors.Tensor, len(header.Names)),
	}
	for _, name := range header.Names {
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %q", name)
		}
		r.Variables[name] = t
	}
	return r, nil
}

// CheckShapes verifies that the Record holds a value with the given shape (and dtype) for each
// variable in want. Variables of the Record not in want are not checked.
//
// It returns an error wrapping ErrCorrupt on the first mismatch.
func (r *Record) CheckShapes(want map[string]shapes.Shape) error {
	for _, name := range slices.Sorted(maps.Keys(want)) {
		value, found := r.Variables[name]
		if !found {
			return errors.Wrapf(ErrCorrupt, "variable %q missing from checkpoint", name)
		}
		if !value.Shape().Equal(want[name]) {
			return errors.Wrapf(ErrCorrupt, "variable %q has shape %s in the checkpoint, the model expects %s",
				name, value.Shape(), want[name])
		}
	}
	return nil
}

// AttachTo sets the Record as the context.Loader of ctx: model variables are taken from the Record
// when first used. A Record can only be attached to one context.
func (r *Record) AttachTo(ctx *context.Context) {
	if r.ctx != nil {
		exceptions.Panicf("%s already attached to a Context, can not attach to another one", r)
	}
	r.ctx = ctx
	r.prevLoader = ctx.Loader()
	ctx.SetLoader(r)
}

// LoadVariable implements context.Loader.
// Values are consumed: once transferred to the context they are removed from the Record.
func (r *Record) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if r.prevLoader != nil {
		value, found = r.prevLoader.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	value, found = r.Variables[paramName]
	if found {
		delete(r.Variables, paramName)
	}
	return
}

// DeleteVariable implements context.Loader.
func (r *Record) DeleteVariable(ctx *context.Context, scope, name string) error {
	if r.prevLoader != nil {
		if err := r.prevLoader.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	delete(r.Variables, context.VariableParameterNameFromScopeAndName(scope, name))
	return nil
}

// Restore sets the values of the variables that already exist in ctx, and returns the number of
// variables set. Variables of the Record not present in ctx are left in the Record, so it can still
// be attached to load them lazily.
func (r *Record) Restore(ctx *context.Context) (int, error) {
	var count int
	for v := range ctx.IterVariables() {
		value, found := r.Variables[v.ParameterName()]
		if !found {
			continue
		}
		if !value.Shape().Equal(v.Shape()) {
			return count, errors.Errorf("restoring variable %q: checkpoint shape %s, variable shape %s",
				v.ParameterName(), value.Shape(), v.Shape())
		}
		if err := v.SetValue(value); err != nil {
			return count, errors.WithMessagef(err, "restoring variable %q", v.ParameterName())
		}
		delete(r.Variables, v.ParameterName())
		count++
	}
	return count, nil
}
