// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the line oriented report protocol grammar:
// one UTF-8 line per request or response, fields separated by '|'.
package wire

import (
	"fmt"
	"strings"
)

// Separator delimits the fields of a line.
const Separator = "|"

// Request tags.
const (
	CmdLogin        = "LOGIN"
	CmdAddReport    = "ADD_REPORT"
	CmdEditReport   = "EDIT_REPORT"
	CmdListReports  = "LIST_REPORTS"
	CmdListPatients = "LIST_PATIENTS"
	CmdLogout       = "LOGOUT"
)

// Response tags.
const (
	RespOK    = "OK"
	RespError = "ERROR"
	RespSalt  = "SALT"
)

// Message is one decoded line.
type Message struct {
	Tag  string
	Args []string
}

// ProtocolError is a malformed line or a command with the wrong number
// of arguments. Its message is safe to send back to the peer.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return e.Msg
}

// NewProtocolError returns a ProtocolError with a formatted message.
func NewProtocolError(format string, a ...interface{}) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, a...)}
}

// Decode splits line into a tag and its arguments. Empty fields,
// including trailing ones, are preserved. A trailing CR or LF is
// stripped.
func Decode(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, NewProtocolError("Empty command")
	}
	fields := strings.Split(line, Separator)
	if fields[0] == "" {
		return nil, NewProtocolError("Empty command")
	}
	return &Message{
		Tag:  fields[0],
		Args: fields[1:],
	}, nil
}

// Encode joins tag and args into a line, without the terminator.
func Encode(tag string, args ...string) string {
	if len(args) == 0 {
		return tag
	}
	return tag + Separator + strings.Join(args, Separator)
}

// OK encodes a success response.
func OK(args ...string) string {
	return Encode(RespOK, args...)
}

// Error encodes a failure response. Separators and line breaks in msg
// are replaced so the response stays a single well formed line.
func Error(msg string) string {
	return Encode(RespError, sanitize(msg))
}

// Arg returns the i-th argument or the empty string.
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// NArgs returns the number of arguments, counting a lone empty trailing
// field ("LIST_REPORTS|") as none.
func (m *Message) NArgs() int {
	if len(m.Args) == 1 && m.Args[0] == "" {
		return 0
	}
	return len(m.Args)
}

func (m *Message) String() string {
	return Encode(m.Tag, m.Args...)
}

var arities = map[string][]int{
	CmdLogin:        {1, 2},
	CmdAddReport:    {4},
	CmdEditReport:   {2},
	CmdListReports:  {0, 1},
	CmdListPatients: {0},
	CmdLogout:       {0},
}

// IsKnown reports whether tag names a request.
func IsKnown(tag string) bool {
	_, ok := arities[tag]
	return ok
}

// Validate checks the argument count of a known request. Unknown tags
// are left to the caller.
func Validate(m *Message) error {
	valid, ok := arities[m.Tag]
	if !ok {
		return nil
	}
	n := m.NArgs()
	for _, v := range valid {
		if n == v {
			return nil
		}
	}
	want := make([]string, 0, len(valid))
	for _, v := range valid {
		want = append(want, fmt.Sprintf("%d", v))
	}
	return NewProtocolError("Invalid arguments for %s: expected %s, got %d", m.Tag, strings.Join(want, " or "), n)
}

func sanitize(s string) string {
	return strings.NewReplacer(Separator, "/", "\r", " ", "\n", " ").Replace(s)
}
