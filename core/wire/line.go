// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxLineLength bounds a single request or response line.
const DefaultMaxLineLength = 1 << 20

// ErrLineTooLong is returned by ReadLine when a line exceeds the limit.
var ErrLineTooLong = errors.New("wire: line too long")

// LineReader reads newline terminated lines of bounded length.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r. A max of zero or less selects DefaultMaxLineLength.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	return &LineReader{
		r:   bufio.NewReader(r),
		max: max,
	}
}

// ReadLine returns the next line without its terminator. An unterminated
// final line is returned as is; io.EOF is only reported once no bytes
// remain.
func (lr *LineReader) ReadLine() (string, error) {
	var buf []byte
	for {
		frag, err := lr.r.ReadSlice('\n')
		if len(buf)+len(frag) > lr.max+2 {
			return "", ErrLineTooLong
		}
		buf = append(buf, frag...)
		switch err {
		case nil:
			return trimEOL(buf, lr.max)
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(buf) == 0 {
				return "", io.EOF
			}
			return trimEOL(buf, lr.max)
		default:
			return "", err
		}
	}
}

func trimEOL(b []byte, max int) (string, error) {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	if len(b) > max {
		return "", ErrLineTooLong
	}
	return string(b), nil
}

// WriteLine writes line followed by a newline.
func WriteLine(w io.Writer, line string) error {
	b := make([]byte, 0, len(line)+1)
	b = append(b, line...)
	b = append(b, '\n')
	_, err := w.Write(b)
	return err
}
