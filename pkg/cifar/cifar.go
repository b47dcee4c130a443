// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar reads the Cifar-10 dataset in its binary format: it downloads the train and validation
// partitions on demand and loads the examples as raw Sample values.
//
// Information about it in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/cifarcnn/pkg/downloader"
	"github.com/gomlx/cifarcnn/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10SHA256  = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// TestSubDir holds the held-out test examples, which are never downloaded: they must be
	// copied there beforehand.
	TestSubDir = "cifar-10-test"

	// TestFileName is the file under TestSubDir, in the same record format as the other batches.
	// Its labels are ignored.
	TestFileName = "test.bin"

	// NumTrainFiles is the number of "data_batch_<n>.bin" files with training examples.
	NumTrainFiles = 5

	// ExamplesPerFile in each of the Cifar-10 binary batch files.
	ExamplesPerFile = 10000

	// NumClasses in Cifar-10.
	NumClasses = 10
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3

	// ImageSize is the number of bytes of an image.
	ImageSize = Width * Height * Depth

	// RecordSize is the number of bytes of one example on disk: one label byte followed by the image.
	RecordSize = 1 + ImageSize
)

// Labels of the Cifar-10 classes, indexed by the class number.
var Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

var (
	// ErrMissingData is returned when a partition that can't be downloaded is not available locally.
	ErrMissingData = errors.New("missing dataset")

	// ErrMalformedRecord is returned when a data file has a truncated record or an invalid label.
	ErrMalformedRecord = errors.New("malformed record")
)

// Partition refers to the train, validation or test partitions of the dataset.
type Partition int

const (
	Train Partition = iota
	Validation
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	switch p {
	case Train:
		return "train"
	case Validation:
		return "validation"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("Partition(%d)", int(p))
	}
}

// Sample is one example: the label and the image pixels stored channel-major (all reds, all greens,
// then all blues), as in the Cifar binary files.
type Sample struct {
	Label  int
	Pixels [ImageSize]byte
}

// Image converts the sample to a Go image.
func (s *Sample) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	const planeSize = Width * Height
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			pos := h*img.Stride + w*4
			for d := 0; d < Depth; d++ {
				img.Pix[pos+d] = s.Pixels[d*planeSize+h*Width+w]
			}
			img.Pix[pos+3] = 255 // Alpha channel.
		}
	}
	return img
}

// SampleFromImage converts a 32x32 image back to a Sample with the given label.
func SampleFromImage(img image.Image, label int) (Sample, error) {
	var s Sample
	bounds := img.Bounds()
	if bounds.Dx() != Width || bounds.Dy() != Height {
		return s, errors.Errorf("image is %dx%d, wanted %dx%d", bounds.Dx(), bounds.Dy(), Width, Height)
	}
	s.Label = label
	const planeSize = Width * Height
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+w, bounds.Min.Y+h)).(color.NRGBA)
			s.Pixels[h*Width+w] = c.R
			s.Pixels[planeSize+h*Width+w] = c.G
			s.Pixels[2*planeSize+h*Width+w] = c.B
		}
	}
	return s, nil
}

// Download the Cifar-10 binary archive into baseDir, if not there yet, and untar it.
func Download(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10SHA256)
}

// ReadRecords parses up to maxRecords records (or all if maxRecords <= 0) from r.
//
// A truncated record or a label out of range is an ErrMalformedRecord.
func ReadRecords(r io.Reader, maxRecords int) ([]Sample, error) {
	return readRecords(r, maxRecords, false)
}

// readRecords parses the records of r. If unlabeled is set the label byte is not checked, and the
// labels of the returned samples are 0.
func readRecords(r io.Reader, maxRecords int, unlabeled bool) ([]Sample, error) {
	var samples []Sample
	if maxRecords > 0 {
		samples = make([]Sample, 0, maxRecords)
	}
	var record [RecordSize]byte
	for idx := 0; maxRecords <= 0 || idx < maxRecords; idx++ {
		n, err := io.ReadFull(r, record[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrMalformedRecord, "record #%d truncated at %d bytes, wanted %d", idx, n, RecordSize)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading record #%d", idx)
		}
		label := int(record[0])
		if unlabeled {
			label = 0
		} else if label >= NumClasses {
			return nil, errors.Wrapf(ErrMalformedRecord, "record #%d has label %d, wanted < %d", idx, label, NumClasses)
		}
		s := Sample{Label: label}
		copy(s.Pixels[:], record[1:])
		samples = append(samples, s)
	}
	return samples, nil
}

// ReadFile reads all the records of a Cifar-10 binary file.
func ReadFile(path string) ([]Sample, error) {
	return readFile(path, false)
}

func readFile(path string, unlabeled bool) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrMissingData, "data file %q", path)
		}
		return nil, errors.Wrapf(err, "opening data file %q", path)
	}
	defer func() { _ = f.Close() }()
	samples, err := readRecords(bufio.NewReader(f), 0, unlabeled)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading data file %q", path)
	}
	return samples, nil
}

// PartitionFiles returns the data files of a partition, under baseDir.
func PartitionFiles(baseDir string, partition Partition) []string {
	switch partition {
	case Train:
		files := make([]string, NumTrainFiles)
		for ii := range files {
			files[ii] = filepath.Join(baseDir, C10SubDir, fmt.Sprintf("data_batch_%d.bin", ii+1))
		}
		return files
	case Validation:
		return []string{filepath.Join(baseDir, C10SubDir, "test_batch.bin")}
	case Test:
		return []string{filepath.Join(baseDir, TestSubDir, TestFileName)}
	}
	return nil
}

// LoadPartition reads all the samples of the partition from the local copy in baseDir.
//
// For the Test partition the labels are not meaningful: they are neither checked nor kept, and the
// returned samples have label 0.
func LoadPartition(baseDir string, partition Partition) ([]Sample, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	files := PartitionFiles(baseDir, partition)
	if files == nil {
		return nil, errors.Errorf("invalid partition %s", partition)
	}
	var samples []Sample
	for _, file := range files {
		fileSamples, err := readFile(file, partition == Test)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading %s partition", partition)
		}
		samples = append(samples, fileSamples...)
	}
	klog.V(1).Infof("loaded %d examples of %s partition from %q", len(samples), partition, baseDir)
	return samples, nil
}

// Open loads the partition, first downloading the dataset if allowDownload is set.
//
// The Test partition is never downloaded: if it is not present locally it returns ErrMissingData.
func Open(baseDir string, partition Partition, allowDownload bool) ([]Sample, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	if partition == Test {
		testFile := PartitionFiles(baseDir, Test)[0]
		exists, err := fsutil.FileExists(testFile)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Wrapf(ErrMissingData, "test data must be available locally at %q", testFile)
		}
	} else if allowDownload {
		if err := Download(baseDir); err != nil {
			return nil, errors.WithMessagef(err, "downloading Cifar-10 to %q", baseDir)
		}
	}
	return LoadPartition(baseDir, partition)
}

// WriteRecords writes samples in the Cifar-10 binary format. Used to create local copies of
// datasets, e.g. the test partition.
func WriteRecords(w io.Writer, samples []Sample) error {
	var record [RecordSize]byte
	for idx := range samples {
		if samples[idx].Label < 0 || samples[idx].Label >= NumClasses {
			return errors.Wrapf(ErrMalformedRecord, "sample #%d has label %d", idx, samples[idx].Label)
		}
		record[0] = byte(samples[idx].Label)
		copy(record[1:], samples[idx].Pixels[:])
		if _, err := w.Write(record[:]); err != nil {
			return errors.Wrapf(err, "writing sample #%d", idx)
		}
	}
	return nil
}
