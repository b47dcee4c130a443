// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader provides functions for downloading and extracting dataset archives.
package downloader

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cifarcnn/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// copyBytesBar copies bytes from an io.Reader to an io.Writer while displaying a progressbar.
// It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

// newCopyBytesBar creates a new copyBytesBar. It requires knowing the contentLength.
func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions64(bar.numUnits,
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Write, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add64(toUnits - bar.addedUnits)
		bar.addedUnits = toUnits
	}
	return
}

// CopyWithProgressBar is similar to io.Copy, but updates the progress bar with the amount
// of data copied.
//
// If contentLength is unknown (<= 0) it falls back to a plain io.Copy.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	if contentLength <= 0 {
		return io.Copy(dst, src)
	}
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add64(bar.numUnits - bar.addedUnits)
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// Download file from url and save it at the given path.
// It attempts to create the directory if it doesn't yet exist.
//
// A non-2xx HTTP status is reported as an error, and the partially written file is removed.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	if err = os.MkdirAll(filepath.Dir(filePath), fsutil.DirPermMode); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for the path: %q", filepath.Dir(filePath))
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", url, resp.Status)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(filePath)
		}
	}()
	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	klog.V(1).Infof("downloaded %s from %q to %q", humanize.IBytes(uint64(size)), url, filePath)
	return size, nil
}

// DownloadIfMissing will check if the path exists already, and if not it will download the file
// from the given URL.
//
// If checkHash is provided, it checks that the file has the hash or fail.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err = Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return fsutil.ValidateChecksum(filePath, checkHash)
}

// Untar extracts the tar file into baseDir. Files ending in ".gz" or ".tgz" are gunzip'ed first.
//
// Only directories and regular files are extracted; entries that would land outside of baseDir
// are rejected.
func Untar(baseDir, tarFile string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	f, err := os.Open(tarFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", tarFile)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "failed to un-gzip %q", tarFile)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve %q", baseDir)
	}
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed reading %q", tarFile)
		}
		target := filepath.Join(absBase, filepath.FromSlash(header.Name))
		if target != absBase && !strings.HasPrefix(target, absBase+string(filepath.Separator)) {
			return errors.Errorf("tar entry %q in %q escapes the target directory", header.Name, tarFile)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fsutil.DirPermMode); err != nil {
				return errors.Wrapf(err, "failed to create %q", target)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, header.FileInfo().Mode().Perm()); err != nil {
				return errors.WithMessagef(err, "while extracting %q", tarFile)
			}
		default:
			klog.V(1).Infof("skipping tar entry %q of type %c", header.Name, header.Typeflag)
		}
	}
}

func extractFile(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), fsutil.DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", target)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o600)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", target)
	}
	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to write %q", target)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", target)
}

// DownloadAndUntarIfMissing downloads tarFile from given url, if file not there yet, and then untar it
// if the target directory is missing.
//
// If checkHash is provided, it checks that the file has the hash or fail.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(tarFile) {
		tarFile = filepath.Join(baseDir, tarFile)
	}
	if !filepath.IsAbs(targetUntarDir) {
		targetUntarDir = filepath.Join(baseDir, targetUntarDir)
	}
	exists, err := fsutil.FileExists(targetUntarDir)
	if err != nil || exists {
		return err
	}
	if err = DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err = Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and untar'ed %q, but didn't get directory %q", url, tarFile, targetUntarDir)
	}
	return nil
}
