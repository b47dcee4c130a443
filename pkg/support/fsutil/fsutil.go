// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system: home directory expansion,
// existence checks, checksums and atomic file replacement.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is used when creating directories for datasets, checkpoints and results.
const DirPermMode = 0o755

// ErrChecksumMismatch is returned by ValidateChecksum when the file contents don't match.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// MustFileExists returns whether the file or directory exists.
// It panics on file system errors.
func MustFileExists(path string) bool {
	exists, err := FileExists(path)
	if err != nil {
		panic(err)
	}
	return exists
}

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// MustReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It may panic with an error if `dir` has an unknown user (e.g: `~unknown/...`)
func MustReplaceTildeInDir(dir string) string {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		panic(err)
	}
	return dir
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user (e.g: `~unknown/...`).
func ReplaceTildeInDir(dir string) (string, error) {
	if dir == "" || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		userName, _, _ = strings.Cut(dir[1:], "/")
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// FileSHA256 returns the hex encoded SHA-256 of the file contents.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q for checksum", path)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return "", errors.Wrapf(err, "failed to read %q for checksum", path)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ValidateChecksum returns ErrChecksumMismatch (wrapped with the path) if the SHA-256 of the file
// is not the given hex encoded hash.
func ValidateChecksum(path, sha256Hex string) error {
	got, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, sha256Hex) {
		return errors.Wrapf(ErrChecksumMismatch, "file %q has sha256 %s, wanted %s", path, got, sha256Hex)
	}
	return nil
}

// WriteFileAtomic creates dir if needed, writes the contents with writeFn into a temporary file
// named tmpName in the same directory, and renames it over path.
//
// On failure the temporary file is removed and path is left untouched.
func WriteFileAtomic(path, tmpName string, writeFn func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	tmpPath := filepath.Join(dir, tmpName)
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file %q", tmpPath)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err = writeFn(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	return nil
}
