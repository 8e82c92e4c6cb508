// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

package sqldb

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx"

	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/config"
)

const (
	pgxTagDoctorByLogin      = "doctor_by_login"
	pgxTagHasConsultation    = "has_consultation"
	pgxTagReportCreate       = "report_create"
	pgxTagReportUpdate       = "report_update"
	pgxTagReportsByDoctor    = "reports_by_doctor"
	pgxTagReportsByPatient   = "reports_by_doctor_patient"
	pgxTagPatientsAll        = "patients_all"
	pgxTagPatientsByDoctor   = "patients_by_doctor"
	pgxReportColumns         = "id, doctor_id, patient_id, to_char(date_rapport, 'YYYY-MM-DD'), texte_rapport"
	pgxPatientColumns        = "id, first_name, last_name, COALESCE(to_char(birth_date, 'YYYY-MM-DD'), '')"
	pgxMinimumConnections    = 2
	pgxDefaultMaxConnections = 5
)

var pgxSchema = []string{
	`CREATE TABLE IF NOT EXISTS doctor (
		id BIGSERIAL PRIMARY KEY,
		first_name VARCHAR(100) NOT NULL,
		last_name VARCHAR(100) NOT NULL,
		password VARCHAR(255) NOT NULL,
		specialite_id BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS patient (
		id BIGSERIAL PRIMARY KEY,
		first_name VARCHAR(100) NOT NULL,
		last_name VARCHAR(100) NOT NULL,
		birth_date DATE
	)`,
	`CREATE TABLE IF NOT EXISTS consultations (
		id BIGSERIAL PRIMARY KEY,
		patient_id BIGINT REFERENCES patient(id) ON DELETE CASCADE,
		doctor_id BIGINT NOT NULL REFERENCES doctor(id) ON DELETE CASCADE,
		date DATE NOT NULL,
		hour TIME,
		reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		id BIGSERIAL PRIMARY KEY,
		doctor_id BIGINT NOT NULL REFERENCES doctor(id) ON DELETE CASCADE,
		patient_id BIGINT NOT NULL REFERENCES patient(id) ON DELETE CASCADE,
		date_rapport DATE NOT NULL,
		texte_rapport TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consultations_doctor_patient ON consultations (doctor_id, patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_doctor ON reports (doctor_id, date_rapport)`,
}

type pgxImpl struct {
	d *SQLDB

	pool *pgx.ConnPool
}

func (p *pgxImpl) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		// Query arguments carry report text and credentials.
		if k == "args" {
			continue
		}
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		p.d.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.d.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.d.log.Warning(mStr)
	case pgx.LogLevelError:
		p.d.log.Error(mStr)
	}
}

func (p *pgxImpl) initSchema() error {
	for _, q := range pgxSchema {
		if _, err := p.pool.Exec(q); err != nil {
			return fmt.Errorf("sql/pgx: failed to initialize schema: %v", err)
		}
	}
	return nil
}

func (p *pgxImpl) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagDoctorByLogin, "SELECT id, password FROM doctor WHERE first_name || '.' || last_name = $1 ORDER BY id LIMIT 1;"},
		{pgxTagHasConsultation, "SELECT EXISTS (SELECT 1 FROM consultations WHERE doctor_id = $1 AND patient_id = $2);"},
		{pgxTagReportCreate, "INSERT INTO reports (doctor_id, patient_id, date_rapport, texte_rapport) VALUES ($1, $2, $3::date, $4) RETURNING id;"},
		{pgxTagReportUpdate, "UPDATE reports SET texte_rapport = $1 WHERE id = $2 AND doctor_id = $3;"},
		{pgxTagReportsByDoctor, "SELECT " + pgxReportColumns + " FROM reports WHERE doctor_id = $1 ORDER BY date_rapport DESC, id DESC;"},
		{pgxTagReportsByPatient, "SELECT " + pgxReportColumns + " FROM reports WHERE doctor_id = $1 AND patient_id = $2 ORDER BY date_rapport DESC, id DESC;"},
		{pgxTagPatientsAll, "SELECT " + pgxPatientColumns + " FROM patient ORDER BY last_name, first_name, id;"},
		{pgxTagPatientsByDoctor, "SELECT " + pgxPatientColumns + " FROM patient p WHERE EXISTS (SELECT 1 FROM consultations c WHERE c.patient_id = p.id AND c.doctor_id = $1) ORDER BY last_name, first_name, id;"},
	}

	for _, v := range stmts {
		if _, err := p.pool.Prepare(v.tag, v.query); err != nil {
			p.d.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}

	return nil
}

func (p *pgxImpl) doctorByLogin(login string) (int64, string, error) {
	var (
		id     int64
		secret string
	)
	err := p.pool.QueryRow(pgxTagDoctorByLogin, login).Scan(&id, &secret)
	if err == pgx.ErrNoRows {
		return 0, "", clinicdb.ErrNoSuchDoctor
	}
	return id, secret, err
}

func (p *pgxImpl) DoctorExists(login string) (bool, error) {
	_, _, err := p.doctorByLogin(login)
	switch err {
	case nil:
		return true, nil
	case clinicdb.ErrNoSuchDoctor:
		return false, nil
	default:
		return false, err
	}
}

func (p *pgxImpl) CredentialSecret(login string) (string, error) {
	_, secret, err := p.doctorByLogin(login)
	return secret, err
}

func (p *pgxImpl) DoctorID(login string) (int64, error) {
	id, _, err := p.doctorByLogin(login)
	return id, err
}

func (p *pgxImpl) HasConsultation(doctorID, patientID int64) (bool, error) {
	var found bool
	err := p.pool.QueryRow(pgxTagHasConsultation, doctorID, patientID).Scan(&found)
	return found, err
}

func (p *pgxImpl) CreateReport(doctorID, patientID int64, date, text string) (int64, error) {
	var id int64
	if err := p.pool.QueryRow(pgxTagReportCreate, doctorID, patientID, date, text).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *pgxImpl) UpdateReport(reportID, doctorID int64, text string) (bool, error) {
	tag, err := p.pool.Exec(pgxTagReportUpdate, text, reportID, doctorID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *pgxImpl) ListReports(doctorID, patientID int64) ([]clinicdb.Report, error) {
	var (
		rows *pgx.Rows
		err  error
	)
	if patientID == 0 {
		rows, err = p.pool.Query(pgxTagReportsByDoctor, doctorID)
	} else {
		rows, err = p.pool.Query(pgxTagReportsByPatient, doctorID, patientID)
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

func (p *pgxImpl) ListPatients(doctorID int64) ([]clinicdb.Patient, error) {
	var (
		rows *pgx.Rows
		err  error
	)
	if doctorID == 0 {
		rows, err = p.pool.Query(pgxTagPatientsAll)
	} else {
		rows, err = p.pool.Query(pgxTagPatientsByDoctor, doctorID)
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

func (p *pgxImpl) Close() {
	p.pool.Close()
}

func newPgxImpl(db *SQLDB, sCfg *config.SQLClinicDB) (dbImpl, error) {
	// The pgx connection pool code requires at least 2 conns, and internally
	// will default to 5 if unspecified.
	numConns := sCfg.MaxConnections
	if numConns < pgxMinimumConnections {
		numConns = pgxDefaultMaxConnections
	}

	p := &pgxImpl{
		d: db,
	}

	connCfg, err := pgx.ParseConnectionString(sCfg.DataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(p.d.glue.Config().Logging.Level)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: numConns,
	}

	isOk := false
	defer func() {
		if !isOk {
			if p.pool != nil {
				p.pool.Close()
			}
		}
	}()

	if p.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = p.initSchema(); err != nil {
		return nil, err
	}
	if err = p.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return p, nil
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch cfgLevel {
	case "ERROR":
		return pgx.LogLevelError
	case "WARNING", "NOTICE", "INFO":
		// Statement logging at info level would leak patient data.
		return pgx.LogLevelWarn
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		panic("BUG: Invalid log level in toPgxLogLevel()")
	}
}
