// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"strconv"
	"strings"

	"github.com/ugorji/go/codec"
)

var jsonHandle = &codec.JsonHandle{}

// Report is the element type of the LIST_REPORTS payload.
type Report struct {
	ID        int64  `json:"id"`
	PatientID int64  `json:"patient_id"`
	DoctorID  int64  `json:"doctor_id"`
	Date      string `json:"date"`
	Content   string `json:"content"`
}

// EncodeReports serializes a report list to the compact JSON array
// carried, encrypted, in a LIST_REPORTS response.
func EncodeReports(reports []Report) ([]byte, error) {
	if reports == nil {
		reports = []Report{}
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, jsonHandle)
	if err := enc.Encode(reports); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeReports parses the output of EncodeReports.
func DecodeReports(b []byte) ([]Report, error) {
	reports := []Report{}
	dec := codec.NewDecoderBytes(b, jsonHandle)
	if err := dec.Decode(&reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// Patient is one tuple of a LIST_PATIENTS response.
type Patient struct {
	ID        int64
	FirstName string
	LastName  string
	BirthDate string
}

// FormatPatient renders p as "id,first,last,birth". Field separators
// inside names are dropped.
func FormatPatient(p *Patient) string {
	clean := strings.NewReplacer(",", " ", Separator, " ", "\r", "", "\n", "")
	return strings.Join([]string{
		strconv.FormatInt(p.ID, 10),
		clean.Replace(p.FirstName),
		clean.Replace(p.LastName),
		clean.Replace(p.BirthDate),
	}, ",")
}

// ParsePatient parses one tuple produced by FormatPatient.
func ParsePatient(s string) (*Patient, error) {
	f := strings.Split(s, ",")
	if len(f) != 4 {
		return nil, NewProtocolError("Invalid patient record: %q", s)
	}
	id, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return nil, NewProtocolError("Invalid patient id: %q", f[0])
	}
	return &Patient{
		ID:        id,
		FirstName: f[1],
		LastName:  f[2],
		BirthDate: f[3],
	}, nil
}
