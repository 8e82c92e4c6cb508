// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package clinicdb defines the data access interface the report server
// uses for doctors, patients, consultations and reports.
package clinicdb

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/secure/precis"
)

// DateLayout is the format of report, consultation and birth dates.
const DateLayout = "2006-01-02"

var (
	// ErrNoSuchDoctor is the error returned when a doctor does not exist.
	ErrNoSuchDoctor = errors.New("clinicdb: no such doctor")

	// ErrNoSuchPatient is the error returned when a patient does not exist.
	ErrNoSuchPatient = errors.New("clinicdb: no such patient")

	// ErrDoctorExists is returned when adding a doctor whose login is taken.
	ErrDoctorExists = errors.New("clinicdb: doctor login already exists")
)

// Doctor is a clinician allowed to log in.
type Doctor struct {
	ID          int64
	FirstName   string
	LastName    string
	Secret      string
	SpecialtyID int64
}

// Login returns the doctor's login, "<first name>.<last name>".
func (d *Doctor) Login() string {
	return Login(d.FirstName, d.LastName)
}

// Patient is a patient record.
type Patient struct {
	ID        int64
	FirstName string
	LastName  string

	// BirthDate is formatted with DateLayout, or empty when unknown.
	BirthDate string
}

// Report is a medical report written by a doctor about a patient.
type Report struct {
	ID        int64
	DoctorID  int64
	PatientID int64
	Date      string
	Content   string
}

// ClinicDB is the interface provided by all clinic database backends.
// Implementations must be safe for concurrent use.
type ClinicDB interface {
	// DoctorExists returns true iff login identifies a doctor.
	DoctorExists(login string) (bool, error)

	// CredentialSecret returns the stored secret of the doctor, or
	// ErrNoSuchDoctor.
	CredentialSecret(login string) (string, error)

	// DoctorID resolves login to the doctor's id, or ErrNoSuchDoctor.
	DoctorID(login string) (int64, error)

	// HasConsultation returns true iff the doctor has at least one
	// consultation on record with the patient.
	HasConsultation(doctorID, patientID int64) (bool, error)

	// CreateReport stores a new report and returns its id.
	CreateReport(doctorID, patientID int64, date, text string) (int64, error)

	// UpdateReport replaces the text of a report owned by doctorID. It
	// returns false if no such report exists for that doctor.
	UpdateReport(reportID, doctorID int64, text string) (bool, error)

	// ListReports returns the doctor's reports, most recent first,
	// restricted to patientID unless it is zero.
	ListReports(doctorID, patientID int64) ([]Report, error)

	// ListPatients returns the patients with a consultation with the
	// doctor, or every patient when doctorID is zero.
	ListPatients(doctorID int64) ([]Patient, error)

	// Close closes the database.
	Close()
}

// Admin is implemented by backends that can be provisioned directly.
type Admin interface {
	ClinicDB

	// AddDoctor stores a new doctor and returns its id.
	AddDoctor(d *Doctor) (int64, error)

	// AddPatient stores a new patient and returns its id.
	AddPatient(p *Patient) (int64, error)

	// AddConsultation records a consultation and returns its id.
	AddConsultation(doctorID, patientID int64, date, reason string) (int64, error)

	// Doctors returns every doctor, ordered by id.
	Doctors() ([]Doctor, error)
}

// Login builds a doctor login from its name parts.
func Login(firstName, lastName string) string {
	return firstName + "." + lastName
}

// NormalizeLogin returns the canonical form of login. Logins are
// compared byte for byte in the login digest, so only canonical logins
// are stored or accepted.
func NormalizeLogin(login string) (string, error) {
	if strings.TrimSpace(login) == "" {
		return "", errors.New("clinicdb: empty login")
	}
	norm, err := precis.OpaqueString.String(login)
	if err != nil {
		return "", fmt.Errorf("clinicdb: invalid login: %v", err)
	}
	return norm, nil
}

// IsCanonicalLogin reports whether login is already in canonical form.
func IsCanonicalLogin(login string) bool {
	norm, err := NormalizeLogin(login)
	return err == nil && norm == login
}

// ValidateDate checks that s is a DateLayout date.
func ValidateDate(s string) error {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return fmt.Errorf("clinicdb: invalid date '%v'", s)
	}
	return nil
}
