// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v2"
)

// SaveConfig writes the command's settings to outfile as yaml, with the
// values in overrides taking precedence over flag values.
func SaveConfig(cmd *cobra.Command, outfile string, overrides map[string]interface{}) error {
	vip, err := Viper(cmd)
	if err != nil {
		return errs.Wrap(err)
	}
	if err := vip.MergeConfigMap(overrides); err != nil {
		return errs.Wrap(err)
	}
	settings := vip.AllSettings()

	// the config file location itself does not belong in the file
	delete(settings, "config")

	data, err := yaml.Marshal(settings)
	if err != nil {
		return errs.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(outfile), 0700); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(atomicWrite(outfile, 0600, data))
}

// atomicWrite is a helper to atomically write the data to the outfile.
func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close())
			err = errs.Combine(err, os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Chmod(fh.Name(), mode); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Rename(fh.Name(), outfile); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
