// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/cifarcnn/pkg/support/fsutil"
	"github.com/gomlx/cifarcnn/pkg/trainer"
	"github.com/pkg/errors"
)

// ParseSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "lr=0.05;epochs=10;...".
//
// An entry like "file:settings.txt" reads the settings from the file, where new-lines work as ";" and
// lines starting with "#" are comments.
//
// Keys are not validated here: trainer.RunConfig.With rejects unknown keys and invalid values. If a key
// is set more than once, the last value is used.
//
// Example usage:
//
//	func main() {
//		settings := commandline.CreateSettingsFlag("")
//		flag.Parse()
//		overrides, err := commandline.ParseSettings(*settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		cfg, err := trainer.DefaultRunConfig().With(overrides)
//		...
//	}
func ParseSettings(settings string) (map[string]string, error) {
	overrides := make(map[string]string)
	for _, setting := range strings.Split(settings, ";") {
		if err := parseSetting(setting, overrides); err != nil {
			return nil, err
		}
	}
	return overrides, nil
}

func parseSetting(setting string, overrides map[string]string) error {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				if err = parseSetting(setting, overrides); err != nil {
					return err
				}
			}
		}
		return nil
	}

	key, value, found := strings.Cut(setting, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.Contains(value, "=") {
		return errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	overrides[key] = strings.TrimSpace(value)
	return nil
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named "set")
// describing the keys accepted by trainer.RunConfig.With.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateSettingsFlag(flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	usage := fmt.Sprintf(
		`Override the run configuration. `+
			`It should be a list of elements "key=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Valid keys: %s`, strings.Join(trainer.OverrideKeys, ", "))
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-prints the overrides, sorted by key.
func SprintSettings(overrides map[string]string) string {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("\t%q: %s", key, overrides[key]))
	}
	return strings.Join(parts, "\n")
}
