// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

//go:build windows

package utils

// Umask is a no-op on Windows.
func Umask(mask int) int {
	return 0
}
