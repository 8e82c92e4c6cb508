// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrps/mrps/core/crypto"
	"github.com/mrps/mrps/core/log"
	"github.com/mrps/mrps/core/wire"
	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/clinicdb/boltclinicdb"
	"github.com/mrps/mrps/server/config"
	"github.com/mrps/mrps/server/keystore"
)

type testGlue struct {
	cfg *config.Config
	log *log.Backend
	km  *keystore.KeyMaterial
	db  clinicdb.Admin

	// clinic, when set, is served instead of db.
	clinic clinicdb.ClinicDB
}

func (g *testGlue) Config() *config.Config { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend { return g.log }
func (g *testGlue) KeyMaterial() *keystore.KeyMaterial { return g.km }

func (g *testGlue) ClinicDB() clinicdb.ClinicDB {
	if g.clinic != nil {
		return g.clinic
	}
	return g.db
}

// brokenLookupDB fails every DoctorID lookup.
type brokenLookupDB struct {
	clinicdb.ClinicDB
}

func (brokenLookupDB) DoctorID(string) (int64, error) {
	return 0, errors.New("clinicdb: lookup failed")
}

type fixture struct {
	glue *testGlue

	serverPub  *rsa.PublicKey
	clientPriv *rsa.PrivateKey

	smith, jones int64
	alice, bob   int64
}

func newFixture(t *testing.T) *fixture {
	require := require.New(t)
	dir := t.TempDir()

	_, err := keystore.Generate(nil, dir, false)
	require.NoError(err)
	km, err := keystore.Load(filepath.Join(dir, keystore.ServerPrivateKeyFile), filepath.Join(dir, keystore.ClientPublicKeyFile))
	require.NoError(err)

	f := &fixture{}
	f.serverPub, err = keystore.LoadPublicKey(filepath.Join(dir, keystore.ServerPublicKeyFile))
	require.NoError(err)
	f.clientPriv, err = keystore.LoadPrivateKey(filepath.Join(dir, keystore.ClientPrivateKeyFile))
	require.NoError(err)

	db, err := boltclinicdb.New(filepath.Join(dir, "clinic.db"))
	require.NoError(err)
	t.Cleanup(db.Close)

	f.smith, err = db.AddDoctor(&clinicdb.Doctor{FirstName: "dr", LastName: "smith", Secret: "s3cret"})
	require.NoError(err)
	f.jones, err = db.AddDoctor(&clinicdb.Doctor{FirstName: "dr", LastName: "jones", Secret: "hunter2"})
	require.NoError(err)
	f.alice, err = db.AddPatient(&clinicdb.Patient{FirstName: "Alice", LastName: "Martin", BirthDate: "1980-04-12"})
	require.NoError(err)
	f.bob, err = db.AddPatient(&clinicdb.Patient{FirstName: "Bob", LastName: "Bernard"})
	require.NoError(err)
	_, err = db.AddConsultation(f.smith, f.alice, "2024-01-10", "checkup")
	require.NoError(err)
	_, err = db.AddConsultation(f.jones, f.bob, "2024-01-11", "")
	require.NoError(err)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	f.glue = &testGlue{
		cfg: &config.Config{
			Server: &config.Server{},
		},
		log: logBackend,
		km:  km,
		db:  db,
	}
	return f
}

func (f *fixture) dispatcher() *Dispatcher {
	return NewDispatcher(f.glue, f.glue.log.GetLogger("session:test"))
}

// login runs the handshake and returns the installed session key.
func (f *fixture) login(t *testing.T, d *Dispatcher, login, secret string) []byte {
	require := require.New(t)

	resp := d.Handle("LOGIN|" + login)
	require.True(strings.HasPrefix(resp, "SALT|"), resp)
	salt, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(resp, "SALT|"))
	require.NoError(err)

	key, err := crypto.GenerateSessionKey()
	require.NoError(err)
	envelope, err := crypto.EncryptAsymmetric(key, f.serverPub)
	require.NoError(err)
	digest := crypto.SaltedDigest(login, secret, salt)

	resp = d.Handle("LOGIN|" + b64(digest) + "|" + b64(envelope))
	require.True(strings.HasPrefix(resp, "OK|session_"), resp)
	return key
}

func (f *fixture) addReport(t *testing.T, d *Dispatcher, key []byte, date string, patientID int64, text string) string {
	patient := strconv.FormatInt(patientID, 10)
	sig, err := crypto.Sign([]byte(date+patient+text), f.clientPriv)
	require.NoError(t, err)
	return d.Handle(wire.Encode(wire.CmdAddReport, enc(t, date, key), enc(t, patient, key), enc(t, text, key), b64(sig)))
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func enc(t *testing.T, s string, key []byte) string {
	ct, err := crypto.EncryptSymmetric([]byte(s), key)
	require.NoError(t, err)
	return b64(ct)
}

func decodeReportList(t *testing.T, resp string, key []byte) []wire.Report {
	require := require.New(t)

	f := strings.Split(resp, "|")
	require.Len(f, 4, resp)
	require.Equal("OK", f[0])
	ct, err := base64.StdEncoding.DecodeString(f[2])
	require.NoError(err)
	tag, err := base64.StdEncoding.DecodeString(f[3])
	require.NoError(err)
	require.True(crypto.VerifyHMAC(ct, tag, key))
	pt, err := crypto.DecryptSymmetric(ct, key)
	require.NoError(err)
	reports, err := wire.DecodeReports(pt)
	require.NoError(err)
	require.Equal(f[1], strconv.Itoa(len(reports)))
	return reports
}

func TestLoginHandshake(t *testing.T) {
	f := newFixture(t)

	t.Run("success", func(t *testing.T) {
		d := f.dispatcher()
		resp := d.Handle("LOGIN|dr.smith")
		require.True(t, strings.HasPrefix(resp, "SALT|"))
		salt, err := base64.StdEncoding.DecodeString(resp[len("SALT|"):])
		require.NoError(t, err)
		require.Len(t, salt, crypto.SaltSize)
		require.Equal(t, SaltIssued, d.Session().Phase())
		require.Equal(t, "dr.smith", d.Session().Login())
		require.Nil(t, d.Session().sessionKey)

		d.Handle("LOGOUT")
		key := f.login(t, d, "dr.smith", "s3cret")
		s := d.Session()
		require.Equal(t, Authenticated, s.Phase())
		require.Equal(t, f.smith, s.DoctorID())
		require.Equal(t, key, s.sessionKey)
		require.Nil(t, s.pendingSalt)
		require.True(t, strings.HasPrefix(s.ID(), "session_"))
	})

	t.Run("unknown doctor", func(t *testing.T) {
		d := f.dispatcher()
		require.Equal(t, "ERROR|Authentication failed", d.Handle("LOGIN|dr.who"))
		require.Equal(t, Unauthenticated, d.Session().Phase())
		require.Equal(t, "", d.Session().Login())
	})

	t.Run("non canonical login", func(t *testing.T) {
		d := f.dispatcher()
		require.Equal(t, "ERROR|Authentication failed", d.Handle("LOGIN| dr.smith"))
		require.Equal(t, Unauthenticated, d.Session().Phase())
	})

	t.Run("wrong secret", func(t *testing.T) {
		d := f.dispatcher()
		resp := d.Handle("LOGIN|dr.smith")
		salt, err := base64.StdEncoding.DecodeString(resp[len("SALT|"):])
		require.NoError(t, err)

		key, err := crypto.GenerateSessionKey()
		require.NoError(t, err)
		envelope, err := crypto.EncryptAsymmetric(key, f.serverPub)
		require.NoError(t, err)
		digest := crypto.SaltedDigest("dr.smith", "wrong", salt)

		require.Equal(t, "ERROR|Authentication failed", d.Handle("LOGIN|"+b64(digest)+"|"+b64(envelope)))
		s := d.Session()
		require.Equal(t, Unauthenticated, s.Phase())
		require.Empty(t, s.Login())
		require.Nil(t, s.pendingSalt)
		require.Nil(t, s.sessionKey)

		// The salt is gone, replaying the right digest later is refused.
		good := crypto.SaltedDigest("dr.smith", "s3cret", salt)
		require.Equal(t, "ERROR|No login in progress", d.Handle("LOGIN|"+b64(good)+"|"+b64(envelope)))
	})

	t.Run("digest of another doctor", func(t *testing.T) {
		d := f.dispatcher()
		resp := d.Handle("LOGIN|dr.smith")
		salt, err := base64.StdEncoding.DecodeString(resp[len("SALT|"):])
		require.NoError(t, err)
		digest := crypto.SaltedDigest("dr.jones", "hunter2", salt)
		require.Equal(t, "ERROR|Authentication failed", d.Handle("LOGIN|"+b64(digest)+"|AAAA"))
	})

	t.Run("bad envelope", func(t *testing.T) {
		d := f.dispatcher()
		resp := d.Handle("LOGIN|dr.smith")
		salt, err := base64.StdEncoding.DecodeString(resp[len("SALT|"):])
		require.NoError(t, err)
		digest := crypto.SaltedDigest("dr.smith", "s3cret", salt)

		require.Equal(t, "ERROR|Decryption failed", d.Handle("LOGIN|"+b64(digest)+"|"+b64([]byte("garbage"))))
		require.Equal(t, Unauthenticated, d.Session().Phase())
	})

	t.Run("short session key", func(t *testing.T) {
		d := f.dispatcher()
		resp := d.Handle("LOGIN|dr.smith")
		salt, err := base64.StdEncoding.DecodeString(resp[len("SALT|"):])
		require.NoError(t, err)
		digest := crypto.SaltedDigest("dr.smith", "s3cret", salt)
		envelope, err := crypto.EncryptAsymmetric([]byte("sixteen byte key"), f.serverPub)
		require.NoError(t, err)

		require.Equal(t, "ERROR|Invalid session key size", d.Handle("LOGIN|"+b64(digest)+"|"+b64(envelope)))
		require.Equal(t, Unauthenticated, d.Session().Phase())
	})

	t.Run("response without request", func(t *testing.T) {
		d := f.dispatcher()
		require.Equal(t, "ERROR|No login in progress", d.Handle("LOGIN|AAAA|AAAA"))
		require.Equal(t, Unauthenticated, d.Session().Phase())

		f.login(t, d, "dr.smith", "s3cret")
		require.Equal(t, "ERROR|No login in progress", d.Handle("LOGIN|AAAA|AAAA"))
		require.Equal(t, Authenticated, d.Session().Phase())
	})

	t.Run("login while authenticated", func(t *testing.T) {
		d := f.dispatcher()
		key := f.login(t, d, "dr.smith", "s3cret")
		id := d.Session().ID()

		for _, line := range []string{"LOGIN|nobody.here", "LOGIN|dr.jones", "LOGIN|dr.smith"} {
			require.Equal(t, "ERROR|Already authenticated; LOGOUT first", d.Handle(line), line)
			s := d.Session()
			require.Equal(t, Authenticated, s.Phase())
			require.Equal(t, f.smith, s.DoctorID())
			require.Equal(t, key, s.sessionKey)
			require.Equal(t, id, s.ID())
		}
		decodeReportList(t, d.Handle("LIST_REPORTS"), key)

		require.Equal(t, "OK", d.Handle("LOGOUT"))
		f.login(t, d, "dr.jones", "hunter2")
		require.Equal(t, f.jones, d.Session().DoctorID())
	})

	t.Run("new challenge while salt pending", func(t *testing.T) {
		d := f.dispatcher()
		d.Handle("LOGIN|dr.smith")
		salt := d.Session().pendingSalt

		// An unknown login keeps the pending challenge.
		require.Equal(t, "ERROR|Authentication failed", d.Handle("LOGIN|nobody.here"))
		require.Equal(t, SaltIssued, d.Session().Phase())
		require.Equal(t, "dr.smith", d.Session().Login())
		require.Equal(t, salt, d.Session().pendingSalt)

		// A known one replaces it.
		resp := d.Handle("LOGIN|dr.jones")
		require.True(t, strings.HasPrefix(resp, "SALT|"), resp)
		require.Equal(t, SaltIssued, d.Session().Phase())
		require.Equal(t, "dr.jones", d.Session().Login())
		require.Equal(t, make([]byte, len(salt)), salt, "old salt is wiped")
	})

	t.Run("doctor lookup failure", func(t *testing.T) {
		g := *f.glue
		g.clinic = brokenLookupDB{f.glue.db}
		d := NewDispatcher(&g, g.log.GetLogger("session:test"))

		resp := d.Handle("LOGIN|dr.smith")
		salt, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(resp, "SALT|"))
		require.NoError(t, err)
		key, err := crypto.GenerateSessionKey()
		require.NoError(t, err)
		envelope, err := crypto.EncryptAsymmetric(key, f.serverPub)
		require.NoError(t, err)
		digest := crypto.SaltedDigest("dr.smith", "s3cret", salt)

		login := "LOGIN|" + b64(digest) + "|" + b64(envelope)
		require.Equal(t, "ERROR|Internal server error", d.Handle(login))
		s := d.Session()
		require.Equal(t, Unauthenticated, s.Phase())
		require.Nil(t, s.pendingSalt)
		require.Nil(t, s.sessionKey)
		require.Zero(t, s.DoctorID())

		// The salt was spent on the failed attempt.
		require.Equal(t, "ERROR|No login in progress", d.Handle(login))
	})
}

func TestStateMachineSafety(t *testing.T) {
	f := newFixture(t)
	guarded := []string{
		"ADD_REPORT|a|b|c|d",
		"EDIT_REPORT|a|b",
		"LIST_REPORTS",
		"LIST_REPORTS|",
		"LIST_REPORTS|a",
	}

	d := f.dispatcher()
	for _, line := range guarded {
		require.Equal(t, "ERROR|Not authenticated", d.Handle(line), line)
		require.Equal(t, Unauthenticated, d.Session().Phase())
	}

	d.Handle("LOGIN|dr.smith")
	for _, line := range guarded {
		require.Equal(t, "ERROR|Not authenticated", d.Handle(line), line)
		require.Equal(t, SaltIssued, d.Session().Phase())
	}
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher()
	f.login(t, d, "dr.smith", "s3cret")

	require.Equal(t, "ERROR|Unknown command: DELETE_REPORT", d.Handle("DELETE_REPORT|1"))
	require.Equal(t, "ERROR|Unknown command: login", d.Handle("login|dr.smith"))
	require.Equal(t, "ERROR|Empty command", d.Handle(""))
	require.Equal(t, "ERROR|Empty command", d.Handle("|LOGIN"))
	require.Equal(t, "ERROR|Invalid arguments for ADD_REPORT: expected 4, got 2", d.Handle("ADD_REPORT|a|b"))
	require.Equal(t, "ERROR|Invalid arguments for LOGIN: expected 1 or 2, got 3", d.Handle("LOGIN|a|b|c"))
	require.Equal(t, "ERROR|Invalid arguments for LOGOUT: expected 0, got 1", d.Handle("LOGOUT|now"))
	require.Equal(t, "ERROR|Invalid base64 in report id", d.Handle("EDIT_REPORT|!!!|AAAA"))

	// None of the above touched the session.
	require.Equal(t, Authenticated, d.Session().Phase())
	require.Equal(t, f.smith, d.Session().DoctorID())
}

func TestReports(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher()
	key := f.login(t, d, "dr.smith", "s3cret")

	t.Run("no consultation", func(t *testing.T) {
		require.Equal(t, "ERROR|No consultation found with this patient", f.addReport(t, d, key, "2024-03-01", f.bob, "not mine"))
		require.Equal(t, "ERROR|No consultation found with this patient", f.addReport(t, d, key, "2024-03-01", 42, "nobody"))
		reports := decodeReportList(t, d.Handle("LIST_REPORTS|"+enc(t, strconv.FormatInt(f.bob, 10), key)), key)
		require.Empty(t, reports)
	})

	t.Run("add then list", func(t *testing.T) {
		resp := f.addReport(t, d, key, "2024-03-01", f.alice, "Patient stable.")
		require.True(t, strings.HasPrefix(resp, "OK|"), resp)
		id, err := strconv.ParseInt(resp[len("OK|"):], 10, 64)
		require.NoError(t, err)

		reports := decodeReportList(t, d.Handle("LIST_REPORTS|"+enc(t, strconv.FormatInt(f.alice, 10), key)), key)
		require.Equal(t, []wire.Report{{
			ID:        id,
			PatientID: f.alice,
			DoctorID:  f.smith,
			Date:      "2024-03-01",
			Content:   "Patient stable.",
		}}, reports)

		all := decodeReportList(t, d.Handle("LIST_REPORTS"), key)
		require.Equal(t, reports, all)
		all = decodeReportList(t, d.Handle("LIST_REPORTS|"), key)
		require.Equal(t, reports, all)
	})

	t.Run("invalid signature", func(t *testing.T) {
		date, patient := "2024-03-02", strconv.FormatInt(f.alice, 10)
		sig, err := crypto.Sign([]byte(date+patient+"original"), f.clientPriv)
		require.NoError(t, err)
		resp := d.Handle(wire.Encode(wire.CmdAddReport, enc(t, date, key), enc(t, patient, key), enc(t, "forged", key), b64(sig)))
		require.Equal(t, "ERROR|Invalid signature", resp)
		require.Len(t, decodeReportList(t, d.Handle("LIST_REPORTS"), key), 1)
	})

	t.Run("invalid fields", func(t *testing.T) {
		require.Equal(t, "ERROR|Invalid date: 03/02/2024", f.addReport(t, d, key, "03/02/2024", f.alice, "x"))
		require.Equal(t, "ERROR|Invalid patient id: 0", f.addReport(t, d, key, "2024-03-02", 0, "x"))

		truncated := b64(make([]byte, 20))
		require.Equal(t, "ERROR|Decryption failed", d.Handle("EDIT_REPORT|"+truncated+"|"+enc(t, "x", key)))
		require.Equal(t, "ERROR|Invalid report id: abc", d.Handle("EDIT_REPORT|"+enc(t, "abc", key)+"|"+enc(t, "x", key)))
		require.Equal(t, Authenticated, d.Session().Phase())
	})

	t.Run("edit", func(t *testing.T) {
		reports := decodeReportList(t, d.Handle("LIST_REPORTS"), key)
		require.Len(t, reports, 1)
		id := strconv.FormatInt(reports[0].ID, 10)

		require.Equal(t, "OK", d.Handle("EDIT_REPORT|"+enc(t, id, key)+"|"+enc(t, "Amended.", key)))
		reports = decodeReportList(t, d.Handle("LIST_REPORTS"), key)
		require.Equal(t, "Amended.", reports[0].Content)

		require.Equal(t, "ERROR|Report not found or not authorized", d.Handle("EDIT_REPORT|"+enc(t, "9999", key)+"|"+enc(t, "x", key)))

		other := f.dispatcher()
		jonesKey := f.login(t, other, "dr.jones", "hunter2")
		require.Equal(t, "ERROR|Report not found or not authorized",
			other.Handle("EDIT_REPORT|"+enc(t, id, jonesKey)+"|"+enc(t, "hijacked", jonesKey)))
		require.Empty(t, decodeReportList(t, other.Handle("LIST_REPORTS"), jonesKey))
	})
}

func TestListPatients(t *testing.T) {
	f := newFixture(t)

	d := f.dispatcher()
	resp := d.Handle("LIST_PATIENTS")
	assert.Equal(t, "OK|"+strconv.FormatInt(f.bob, 10)+",Bob,Bernard,|"+strconv.FormatInt(f.alice, 10)+",Alice,Martin,1980-04-12", resp)

	f.login(t, d, "dr.smith", "s3cret")
	resp = d.Handle("LIST_PATIENTS")
	assert.Equal(t, "OK|"+strconv.FormatInt(f.alice, 10)+",Alice,Martin,1980-04-12", resp)

	f.glue.cfg.Server.RequireAuthForPatients = true
	assert.Equal(t, resp, d.Handle("LIST_PATIENTS"))
	assert.Equal(t, "ERROR|Not authenticated", f.dispatcher().Handle("LIST_PATIENTS"))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher()

	check := func() {
		s := d.Session()
		require.Equal(t, Unauthenticated, s.Phase())
		require.Empty(t, s.Login())
		require.Zero(t, s.DoctorID())
		require.Nil(t, s.pendingSalt)
		require.Nil(t, s.sessionKey)
		require.Empty(t, s.ID())
	}

	require.Equal(t, "OK", d.Handle("LOGOUT"))
	check()

	d.Handle("LOGIN|dr.smith")
	salt := d.Session().pendingSalt
	require.Equal(t, "OK", d.Handle("LOGOUT"))
	check()
	require.Equal(t, make([]byte, len(salt)), salt, "salt is wiped")

	f.login(t, d, "dr.smith", "s3cret")
	key := d.Session().sessionKey
	require.Equal(t, "OK", d.Handle("LOGOUT"))
	check()
	require.Equal(t, make([]byte, crypto.SessionKeySize), key, "session key is wiped")
	require.Equal(t, "OK", d.Handle("LOGOUT"))
	check()

	require.Equal(t, "ERROR|Not authenticated", d.Handle("LIST_REPORTS"))
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "UNAUTHENTICATED", Unauthenticated.String())
	require.Equal(t, "SALT_ISSUED", SaltIssued.String())
	require.Equal(t, "AUTHENTICATED", Authenticated.String())
	require.Equal(t, "[Unknown phase: 7]", Phase(7).String())
}
