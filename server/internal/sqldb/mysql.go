// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package sqldb

import (
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/config"
)

const (
	mysqlReportColumns  = "id, doctor_id, patient_id, DATE_FORMAT(date_rapport, '%Y-%m-%d'), texte_rapport"
	mysqlPatientColumns = "id, first_name, last_name, IFNULL(DATE_FORMAT(birth_date, '%Y-%m-%d'), '')"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS doctor (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		first_name VARCHAR(100) NOT NULL,
		last_name VARCHAR(100) NOT NULL,
		password VARCHAR(255) NOT NULL,
		specialite_id BIGINT
	) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS patient (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		first_name VARCHAR(100) NOT NULL,
		last_name VARCHAR(100) NOT NULL,
		birth_date DATE
	) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS consultations (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		patient_id BIGINT,
		doctor_id BIGINT NOT NULL,
		date DATE NOT NULL,
		hour TIME,
		reason TEXT,
		INDEX idx_consultations_doctor_patient (doctor_id, patient_id)
	) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS reports (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		doctor_id BIGINT NOT NULL,
		patient_id BIGINT NOT NULL,
		date_rapport DATE NOT NULL,
		texte_rapport TEXT NOT NULL,
		INDEX idx_reports_doctor (doctor_id, date_rapport)
	) CHARACTER SET utf8mb4`,
}

type mysqlImpl struct {
	d *SQLDB

	db *sql.DB
}

func (m *mysqlImpl) initSchema() error {
	for _, q := range mysqlSchema {
		if _, err := m.db.Exec(q); err != nil {
			return errors.Wrap(err, "sql/mysql: failed to initialize schema")
		}
	}
	return nil
}

func (m *mysqlImpl) doctorByLogin(login string) (int64, string, error) {
	var (
		id     int64
		secret string
	)
	err := m.db.QueryRow(
		"SELECT id, password FROM doctor WHERE CONCAT(first_name, '.', last_name) = ? ORDER BY id LIMIT 1",
		login).Scan(&id, &secret)
	if err == sql.ErrNoRows {
		return 0, "", clinicdb.ErrNoSuchDoctor
	}
	return id, secret, err
}

func (m *mysqlImpl) DoctorExists(login string) (bool, error) {
	_, _, err := m.doctorByLogin(login)
	switch err {
	case nil:
		return true, nil
	case clinicdb.ErrNoSuchDoctor:
		return false, nil
	default:
		return false, err
	}
}

func (m *mysqlImpl) CredentialSecret(login string) (string, error) {
	_, secret, err := m.doctorByLogin(login)
	return secret, err
}

func (m *mysqlImpl) DoctorID(login string) (int64, error) {
	id, _, err := m.doctorByLogin(login)
	return id, err
}

func (m *mysqlImpl) HasConsultation(doctorID, patientID int64) (bool, error) {
	var found bool
	err := m.db.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM consultations WHERE doctor_id = ? AND patient_id = ?)",
		doctorID, patientID).Scan(&found)
	return found, err
}

func (m *mysqlImpl) CreateReport(doctorID, patientID int64, date, text string) (int64, error) {
	res, err := m.db.Exec(
		"INSERT INTO reports (doctor_id, patient_id, date_rapport, texte_rapport) VALUES (?, ?, ?, ?)",
		doctorID, patientID, date, text)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateReport relies on ClientFoundRows, an update that leaves the text
// unchanged still reports the row as matched.
func (m *mysqlImpl) UpdateReport(reportID, doctorID int64, text string) (bool, error) {
	res, err := m.db.Exec(
		"UPDATE reports SET texte_rapport = ? WHERE id = ? AND doctor_id = ?",
		text, reportID, doctorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *mysqlImpl) ListReports(doctorID, patientID int64) ([]clinicdb.Report, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if patientID == 0 {
		rows, err = m.db.Query(
			"SELECT "+mysqlReportColumns+" FROM reports WHERE doctor_id = ? ORDER BY date_rapport DESC, id DESC",
			doctorID)
	} else {
		rows, err = m.db.Query(
			"SELECT "+mysqlReportColumns+" FROM reports WHERE doctor_id = ? AND patient_id = ? ORDER BY date_rapport DESC, id DESC",
			doctorID, patientID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []clinicdb.Report{}
	for rows.Next() {
		var r clinicdb.Report
		if err := rows.Scan(&r.ID, &r.DoctorID, &r.PatientID, &r.Date, &r.Content); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (m *mysqlImpl) ListPatients(doctorID int64) ([]clinicdb.Patient, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if doctorID == 0 {
		rows, err = m.db.Query(
			"SELECT " + mysqlPatientColumns + " FROM patient ORDER BY last_name, first_name, id")
	} else {
		rows, err = m.db.Query(
			"SELECT "+mysqlPatientColumns+" FROM patient p WHERE EXISTS (SELECT 1 FROM consultations c WHERE c.patient_id = p.id AND c.doctor_id = ?) ORDER BY last_name, first_name, id",
			doctorID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patients := []clinicdb.Patient{}
	for rows.Next() {
		var pt clinicdb.Patient
		if err := rows.Scan(&pt.ID, &pt.FirstName, &pt.LastName, &pt.BirthDate); err != nil {
			return nil, err
		}
		patients = append(patients, pt)
	}
	return patients, rows.Err()
}

func (m *mysqlImpl) Close() {
	if err := m.db.Close(); err != nil {
		m.d.log.Warningf("Failed to close database: %v", err)
	}
}

func newMySQLImpl(db *SQLDB, sCfg *config.SQLClinicDB) (dbImpl, error) {
	dsn, err := mysqlDSN(sCfg.DataSourceName)
	if err != nil {
		return nil, err
	}
	if err = mysql.SetLogger(db.glue.LogBackend().GetGoLogger("sqldb/mysql", "WARNING")); err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, err
	}

	m := &mysqlImpl{
		d:  db,
		db: sql.OpenDB(conn),
	}
	m.db.SetMaxOpenConns(sCfg.MaxConnections)

	isOk := false
	defer func() {
		if !isOk {
			m.db.Close()
		}
	}()

	if err = m.db.Ping(); err != nil {
		return nil, errors.Wrap(err, "sql/mysql: failed to connect")
	}
	if err = m.initSchema(); err != nil {
		return nil, err
	}

	isOk = true
	return m, nil
}

func mysqlDSN(dataSourceName string) (*mysql.Config, error) {
	dsn, err := mysql.ParseDSN(dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "sql/mysql: invalid DataSourceName")
	}
	dsn.ClientFoundRows = true
	dsn.ParseTime = false
	return dsn, nil
}
