// SPDX-FileCopyrightText: Copyright (c) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package common

// TruncateKeyForLogging shortens a base64 key blob to its first n
// characters followed by "...", which is enough to tell keys apart in
// logs and terminal output.
func TruncateKeyForLogging(key string, n int) string {
	if n <= 0 || len(key) <= n {
		return key
	}
	return key[:n] + "..."
}
