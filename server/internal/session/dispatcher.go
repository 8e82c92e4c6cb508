// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"encoding/base64"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/mrps/mrps/core/crypto"
	"github.com/mrps/mrps/core/wire"
	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/internal/glue"
	"github.com/mrps/mrps/server/internal/instrument"
)

const sessionIDPrefix = "session_"

// Dispatcher runs the commands of one connection against its Session.
type Dispatcher struct {
	glue glue.Glue
	log  *logging.Logger

	session Session
}

// NewDispatcher returns a Dispatcher with a fresh, unauthenticated
// Session.
func NewDispatcher(glue glue.Glue, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		glue: glue,
		log:  log,
	}
}

// Session returns the dispatcher's session.
func (d *Dispatcher) Session() *Session {
	return &d.session
}

// Close wipes the session secrets.
func (d *Dispatcher) Close() {
	d.session.Reset()
}

// Handle processes one request line and returns exactly one response
// line. Every failure is reported as an ERROR response.
func (d *Dispatcher) Handle(line string) string {
	m, err := wire.Decode(line)
	if err != nil {
		return d.fail("", err)
	}
	instrument.Command(m.Tag)

	if !wire.IsKnown(m.Tag) {
		return d.fail(m.Tag, wire.NewProtocolError("Unknown command: %s", m.Tag))
	}
	if err = wire.Validate(m); err != nil {
		return d.fail(m.Tag, err)
	}

	var resp string
	switch m.Tag {
	case wire.CmdLogin:
		if m.NArgs() == 1 {
			resp, err = d.onLoginRequest(m)
		} else {
			resp, err = d.onLoginResponse(m)
		}
	case wire.CmdAddReport:
		resp, err = d.onAddReport(m)
	case wire.CmdEditReport:
		resp, err = d.onEditReport(m)
	case wire.CmdListReports:
		resp, err = d.onListReports(m)
	case wire.CmdListPatients:
		resp, err = d.onListPatients()
	case wire.CmdLogout:
		resp, err = d.onLogout()
	}
	if err != nil {
		return d.fail(m.Tag, err)
	}
	return resp
}

func (d *Dispatcher) fail(tag string, err error) string {
	var (
		protoErr     *wire.ProtocolError
		authErr      *AuthError
		authzErr     *AuthzError
		integrityErr *IntegrityError
		cryptoErr    *crypto.CryptoError
	)

	var msg, kind string
	switch {
	case errors.As(err, &protoErr):
		msg, kind = protoErr.Msg, "protocol"
	case errors.As(err, &authErr):
		msg, kind = authErr.Msg, "auth"
		if tag == wire.CmdLogin {
			instrument.AuthFailure()
		}
	case errors.As(err, &authzErr):
		msg, kind = authzErr.Msg, "authz"
	case errors.As(err, &integrityErr):
		msg, kind = integrityErr.Msg, "integrity"
	case errors.As(err, &cryptoErr):
		// The cause may be padding related, keep it off the wire.
		d.log.Debugf("%v: %+v", tag, err)
		msg, kind = "Decryption failed", "crypto"
	default:
		d.log.Errorf("%v: %v", tag, err)
		msg, kind = "Internal server error", "internal"
	}

	d.log.Debugf("%v -> ERROR (%v): %v", tag, kind, msg)
	instrument.CommandError(tag, kind)
	return wire.Error(msg)
}

func (d *Dispatcher) requireAuth() error {
	if !d.session.IsAuthenticated() {
		return errNotAuthenticated
	}
	return nil
}

// onLoginRequest starts, or restarts, the login handshake. A failed
// request leaves the session as it was.
func (d *Dispatcher) onLoginRequest(m *wire.Message) (string, error) {
	if d.session.IsAuthenticated() {
		return "", errAlreadyAuthenticated
	}

	login := m.Arg(0)
	if !clinicdb.IsCanonicalLogin(login) {
		return "", errAuthFailed
	}
	ok, err := d.glue.ClinicDB().DoctorExists(login)
	if err != nil {
		return "", err
	}
	if !ok {
		d.log.Noticef("Login attempt for unknown doctor.")
		return "", errAuthFailed
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return "", err
	}
	// Replaces any pending challenge.
	d.session.issueSalt(login, salt)
	return wire.Encode(wire.RespSalt, base64.StdEncoding.EncodeToString(salt)), nil
}

// onLoginResponse completes the handshake. The pending salt is single use,
// every outcome other than success returns to Unauthenticated.
func (d *Dispatcher) onLoginResponse(m *wire.Message) (string, error) {
	if d.session.Phase() != SaltIssued {
		return "", wire.NewProtocolError("No login in progress")
	}

	login, salt := d.session.login, d.session.pendingSalt
	ok := false
	defer func() {
		// The salt is spent whatever the cause of the failure.
		if !ok {
			d.session.Reset()
		}
	}()

	digest, err := base64.StdEncoding.DecodeString(m.Arg(0))
	if err != nil {
		return "", errAuthFailed
	}
	secret, err := d.glue.ClinicDB().CredentialSecret(login)
	switch err {
	case nil:
	case clinicdb.ErrNoSuchDoctor:
		return "", errAuthFailed
	default:
		return "", err
	}
	if !crypto.Equal(crypto.SaltedDigest(login, secret, salt), digest) {
		d.log.Noticef("Authentication failed for doctor login.")
		return "", errAuthFailed
	}

	envelope, err := decodeField(m.Arg(1), "session key")
	if err != nil {
		return "", err
	}
	sessionKey, err := crypto.DecryptAsymmetric(envelope, d.glue.KeyMaterial().ServerPrivateKey)
	if err != nil {
		return "", err
	}
	if len(sessionKey) != crypto.SessionKeySize {
		clear(sessionKey)
		return "", wire.NewProtocolError("Invalid session key size")
	}
	doctorID, err := d.glue.ClinicDB().DoctorID(login)
	if err != nil {
		clear(sessionKey)
		return "", err
	}

	id := sessionIDPrefix + uuid.NewString()
	d.session.authenticate(doctorID, sessionKey, id)
	ok = true

	d.log.Noticef("Doctor %d authenticated, session %v.", doctorID, id)
	return wire.OK(id), nil
}

func (d *Dispatcher) onAddReport(m *wire.Message) (string, error) {
	if err := d.requireAuth(); err != nil {
		return "", err
	}

	date, err := d.decryptField(m.Arg(0), "date")
	if err != nil {
		return "", err
	}
	patient, err := d.decryptField(m.Arg(1), "patient id")
	if err != nil {
		return "", err
	}
	text, err := d.decryptField(m.Arg(2), "report")
	if err != nil {
		return "", err
	}
	sig, err := decodeField(m.Arg(3), "signature")
	if err != nil {
		return "", err
	}

	signed := []byte(date + patient + text)
	if !crypto.VerifySignature(signed, sig, d.glue.KeyMaterial().ClientPublicKey) {
		return "", errInvalidSignature
	}

	if err = clinicdb.ValidateDate(date); err != nil {
		return "", wire.NewProtocolError("Invalid date: %s", date)
	}
	patientID, err := parseID(patient, "patient id")
	if err != nil {
		return "", err
	}

	db := d.glue.ClinicDB()
	doctorID := d.session.DoctorID()
	ok, err := db.HasConsultation(doctorID, patientID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errNoConsultation
	}
	reportID, err := db.CreateReport(doctorID, patientID, date, text)
	if err != nil {
		return "", err
	}
	instrument.ReportCreated()

	d.log.Infof("Doctor %d added report %d.", doctorID, reportID)
	return wire.OK(strconv.FormatInt(reportID, 10)), nil
}

func (d *Dispatcher) onEditReport(m *wire.Message) (string, error) {
	if err := d.requireAuth(); err != nil {
		return "", err
	}

	report, err := d.decryptField(m.Arg(0), "report id")
	if err != nil {
		return "", err
	}
	text, err := d.decryptField(m.Arg(1), "report")
	if err != nil {
		return "", err
	}
	reportID, err := parseID(report, "report id")
	if err != nil {
		return "", err
	}

	ok, err := d.glue.ClinicDB().UpdateReport(reportID, d.session.DoctorID(), text)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errReportNotFound
	}

	d.log.Infof("Doctor %d edited report %d.", d.session.DoctorID(), reportID)
	return wire.OK(), nil
}

func (d *Dispatcher) onListReports(m *wire.Message) (string, error) {
	if err := d.requireAuth(); err != nil {
		return "", err
	}

	var patientID int64
	if m.NArgs() == 1 {
		patient, err := d.decryptField(m.Arg(0), "patient id")
		if err != nil {
			return "", err
		}
		if patientID, err = parseID(patient, "patient id"); err != nil {
			return "", err
		}
	}

	reports, err := d.glue.ClinicDB().ListReports(d.session.DoctorID(), patientID)
	if err != nil {
		return "", err
	}
	records := make([]wire.Report, 0, len(reports))
	for _, r := range reports {
		records = append(records, wire.Report{
			ID:        r.ID,
			PatientID: r.PatientID,
			DoctorID:  r.DoctorID,
			Date:      r.Date,
			Content:   r.Content,
		})
	}
	plaintext, err := wire.EncodeReports(records)
	if err != nil {
		return "", err
	}

	ciphertext, err := crypto.EncryptSymmetric(plaintext, d.session.sessionKey)
	if err != nil {
		return "", err
	}
	tag := crypto.ComputeHMAC(ciphertext, d.session.sessionKey)

	return wire.OK(
		strconv.Itoa(len(records)),
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(tag),
	), nil
}

// onListPatients answers in clear text. Unauthenticated sessions see every
// patient unless the server is configured to require a login.
func (d *Dispatcher) onListPatients() (string, error) {
	if d.glue.Config().Server.RequireAuthForPatients {
		if err := d.requireAuth(); err != nil {
			return "", err
		}
	}

	patients, err := d.glue.ClinicDB().ListPatients(d.session.DoctorID())
	if err != nil {
		return "", err
	}
	tuples := make([]string, 0, len(patients))
	for _, p := range patients {
		tuples = append(tuples, wire.FormatPatient(&wire.Patient{
			ID:        p.ID,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			BirthDate: p.BirthDate,
		}))
	}
	return wire.OK(tuples...), nil
}

func (d *Dispatcher) onLogout() (string, error) {
	if d.session.IsAuthenticated() {
		d.log.Infof("Doctor %d logged out.", d.session.DoctorID())
	}
	d.session.Reset()
	return wire.OK(), nil
}

func (d *Dispatcher) decryptField(s, name string) (string, error) {
	ct, err := decodeField(s, name)
	if err != nil {
		return "", err
	}
	pt, err := crypto.DecryptSymmetric(ct, d.session.sessionKey)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func decodeField(s, name string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, wire.NewProtocolError("Invalid base64 in %s", name)
	}
	return b, nil
}

func parseID(s, name string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, wire.NewProtocolError("Invalid %s: %s", name, s)
	}
	return id, nil
}
