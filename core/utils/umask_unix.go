// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !windows

package utils

import "syscall"

// Umask sets the process umask and returns the previous value.
func Umask(mask int) int {
	return syscall.Umask(mask)
}
