// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"errors"
	"fmt"
	"os"
)

// Exists reports whether f exists. Errors other than "not exist" are
// returned to the caller.
func Exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// NoneExist returns an error naming the first of files that already
// exists.
func NoneExist(files ...string) error {
	for _, f := range files {
		ok, err := Exists(f)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%s already exists", f)
		}
	}
	return nil
}

// MkDataDir creates dir with mode 0700 if needed and refuses to use an
// existing path that is not a directory or is accessible to others.
func MkDataDir(dir string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() DataDir: %v", err)
		}
		if err = os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("failed to create DataDir: %v", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("DataDir '%v' is not a directory", dir)
	}
	if fi.Mode() != dirMode {
		return fmt.Errorf("DataDir '%v' has invalid permissions '%v', should be %v", dir, fi.Mode(), dirMode)
	}
	return nil
}
