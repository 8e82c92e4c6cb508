// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "mrps.log")
	b, err := New(f, "info", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Debug("hidden")
	l.Noticef("visible %d", 1)
	b.GetGoLogger("golog", "WARNING").Print("from stdlib\n")

	buf, err := os.ReadFile(f)
	require.NoError(err)
	require.NotContains(string(buf), "hidden")
	require.Contains(string(buf), "NOTI test: visible 1")
	require.Contains(string(buf), "WARN golog: from stdlib")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	l.Info("after rotate")

	buf, err = os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(buf), "after rotate")
	require.NotContains(string(buf), "visible")
}

func TestLevels(t *testing.T) {
	require := require.New(t)

	for _, l := range Levels {
		require.True(ValidLevel(l))
	}
	require.True(ValidLevel("debug"))
	require.False(ValidLevel("TRACE"))

	_, err := New("", "TRACE", false)
	require.Error(err)

	b, err := New("", "ERROR", true)
	require.NoError(err)
	b.GetLogger("quiet").Error("discarded")
	require.NoError(b.Rotate())
}
