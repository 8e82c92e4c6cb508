// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	require := require.New(t)

	m, err := Decode("LOGIN|dr.smith")
	require.NoError(err)
	require.Equal(CmdLogin, m.Tag)
	require.Equal([]string{"dr.smith"}, m.Args)

	m, err = Decode("LIST_REPORTS|\r\n")
	require.NoError(err)
	require.Equal(CmdListReports, m.Tag)
	require.Equal([]string{""}, m.Args)
	require.Equal(0, m.NArgs())

	m, err = Decode("ADD_REPORT|a||c|")
	require.NoError(err)
	require.Equal([]string{"a", "", "c", ""}, m.Args)
	require.Equal(4, m.NArgs())
	require.Equal("c", m.Arg(2))
	require.Equal("", m.Arg(7))

	m, err = Decode("LOGOUT")
	require.NoError(err)
	require.Empty(m.Args)

	for _, bad := range []string{"", "\n", "|foo"} {
		_, err = Decode(bad)
		var pErr *ProtocolError
		require.True(errors.As(err, &pErr), "%q", bad)
	}
}

func TestEncode(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("OK", OK())
	assert.Equal("OK|3", OK("3"))
	assert.Equal("SALT|abc=", Encode(RespSalt, "abc="))
	assert.Equal("ERROR|Unknown command: FOO", Error("Unknown command: FOO"))
	assert.Equal("ERROR|a/b c", Error("a|b\nc"))

	m, err := Decode(Encode(CmdAddReport, "a", "b", "c", "d"))
	require.NoError(t, err)
	assert.Equal("ADD_REPORT|a|b|c|d", m.String())
}

func TestValidate(t *testing.T) {
	vectors := []struct {
		line string
		ok   bool
	}{
		{"LOGIN|dr.smith", true},
		{"LOGIN|digest|envelope", true},
		{"LOGIN", false},
		{"LOGIN|a|b|c", false},
		{"ADD_REPORT|a|b|c|d", true},
		{"ADD_REPORT|a|b|c", false},
		{"EDIT_REPORT|a|b", true},
		{"EDIT_REPORT|a", false},
		{"LIST_REPORTS", true},
		{"LIST_REPORTS|", true},
		{"LIST_REPORTS|p", true},
		{"LIST_REPORTS|p|q", false},
		{"LIST_PATIENTS", true},
		{"LIST_PATIENTS|x", false},
		{"LOGOUT", true},
		{"LOGOUT|", true},
		{"NOPE|1|2|3", true},
	}
	for _, v := range vectors {
		m, err := Decode(v.line)
		require.NoError(t, err)
		err = Validate(m)
		if v.ok {
			assert.NoError(t, err, v.line)
		} else {
			assert.Error(t, err, v.line)
		}
	}

	m, _ := Decode("ADD_REPORT|a")
	require.EqualError(t, Validate(m), "Invalid arguments for ADD_REPORT: expected 4, got 1")
	require.True(t, IsKnown(CmdLogout))
	require.False(t, IsKnown("NOPE"))
}

func TestLineReader(t *testing.T) {
	require := require.New(t)

	lr := NewLineReader(strings.NewReader("LOGIN|a\r\nLOGOUT\n\nLAST"), 0)
	for _, want := range []string{"LOGIN|a", "LOGOUT", "", "LAST"} {
		got, err := lr.ReadLine()
		require.NoError(err)
		require.Equal(want, got)
	}
	_, err := lr.ReadLine()
	require.Equal(io.EOF, err)

	long := strings.Repeat("x", 10000)
	lr = NewLineReader(strings.NewReader(long+"\n"), 20000)
	got, err := lr.ReadLine()
	require.NoError(err)
	require.Equal(long, got)

	lr = NewLineReader(strings.NewReader(long+"\n"), 100)
	_, err = lr.ReadLine()
	require.Equal(ErrLineTooLong, err)
}

func TestWriteLine(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, WriteLine(&sb, "OK|1"))
	require.Equal(t, "OK|1\n", sb.String())
}

func TestReports(t *testing.T) {
	require := require.New(t)

	b, err := EncodeReports(nil)
	require.NoError(err)
	require.Equal("[]", string(b))

	in := []Report{
		{ID: 2, PatientID: 42, DoctorID: 1, Date: "2024-05-02", Content: "Suivi, \"stable\" | ok"},
		{ID: 1, PatientID: 42, DoctorID: 1, Date: "2024-05-01", Content: "Première visite"},
	}
	b, err = EncodeReports(in)
	require.NoError(err)
	require.Contains(string(b), `"patient_id":42`)

	out, err := DecodeReports(b)
	require.NoError(err)
	require.Equal(in, out)

	_, err = DecodeReports([]byte("{not json"))
	require.Error(err)
}

func TestPatient(t *testing.T) {
	require := require.New(t)

	p := &Patient{ID: 7, FirstName: "Jean", LastName: "Dupont, Jr|", BirthDate: "1980-01-31"}
	s := FormatPatient(p)
	require.Equal("7,Jean,Dupont  Jr ,1980-01-31", s)

	got, err := ParsePatient(s)
	require.NoError(err)
	require.Equal(int64(7), got.ID)
	require.Equal("1980-01-31", got.BirthDate)

	got, err = ParsePatient("8,Ana,Lopez,")
	require.NoError(err)
	require.Equal("", got.BirthDate)

	_, err = ParsePatient("x,a,b,c")
	require.Error(err)
	_, err = ParsePatient("1,a,b")
	require.Error(err)
}
