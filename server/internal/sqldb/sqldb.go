// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

// Package sqldb interfaces the report server with a SQL clinic database.
//
// The schema follows the clinic's relational model: `doctor`, `patient`,
// `consultations` and `reports` tables, with a doctor's login being
// "<first_name>.<last_name>". Missing tables are created on startup.
package sqldb

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/config"
	"github.com/mrps/mrps/server/internal/glue"
)

type dbImpl interface {
	clinicdb.ClinicDB
}

// SQLDB is a SQL database instance.
type SQLDB struct {
	glue glue.Glue
	log  *logging.Logger

	impl dbImpl
}

// DoctorExists implements clinicdb.ClinicDB.
func (d *SQLDB) DoctorExists(login string) (bool, error) {
	return d.impl.DoctorExists(login)
}

// CredentialSecret implements clinicdb.ClinicDB.
func (d *SQLDB) CredentialSecret(login string) (string, error) {
	return d.impl.CredentialSecret(login)
}

// DoctorID implements clinicdb.ClinicDB.
func (d *SQLDB) DoctorID(login string) (int64, error) {
	return d.impl.DoctorID(login)
}

// HasConsultation implements clinicdb.ClinicDB.
func (d *SQLDB) HasConsultation(doctorID, patientID int64) (bool, error) {
	return d.impl.HasConsultation(doctorID, patientID)
}

// CreateReport implements clinicdb.ClinicDB.
func (d *SQLDB) CreateReport(doctorID, patientID int64, date, text string) (int64, error) {
	return d.impl.CreateReport(doctorID, patientID, date, text)
}

// UpdateReport implements clinicdb.ClinicDB.
func (d *SQLDB) UpdateReport(reportID, doctorID int64, text string) (bool, error) {
	return d.impl.UpdateReport(reportID, doctorID, text)
}

// ListReports implements clinicdb.ClinicDB.
func (d *SQLDB) ListReports(doctorID, patientID int64) ([]clinicdb.Report, error) {
	return d.impl.ListReports(doctorID, patientID)
}

// ListPatients implements clinicdb.ClinicDB.
func (d *SQLDB) ListPatients(doctorID int64) ([]clinicdb.Patient, error) {
	return d.impl.ListPatients(doctorID)
}

// Close closes the SQL database connection(s).
func (d *SQLDB) Close() {
	d.impl.Close()
}

// New constructs a new SQLDB instance.
func New(glue glue.Glue) (*SQLDB, error) {
	db := &SQLDB{
		glue: glue,
		log:  glue.LogBackend().GetLogger("sqldb"),
	}

	sCfg := glue.Config().ClinicDB.SQL
	if sCfg == nil {
		return nil, fmt.Errorf("sqldb: missing SQL configuration")
	}

	var err error
	switch sCfg.Backend {
	case config.BackendPgx:
		db.impl, err = newPgxImpl(db, sCfg)
	case config.BackendMySQL:
		db.impl, err = newMySQLImpl(db, sCfg)
	default:
		return nil, fmt.Errorf("sqldb: Invalid backend: '%v'", sCfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	db.log.Noticef("Using %v clinic database.", sCfg.Backend)
	return db, nil
}
