// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltclinicdb implements the clinic database with a simple
// boltdb based backend. Records are stored CBOR encoded.
package boltclinicdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/mrps/mrps/server/clinicdb"
)

const (
	metadataBucket      = "metadata"
	doctorsBucket       = "doctors"
	loginsBucket        = "logins"
	patientsBucket      = "patients"
	consultationsBucket = "consultations"
	caseloadBucket      = "caseload"
	reportsBucket       = "reports"
	doctorReportsBucket = "doctor_reports"

	versionKey = "version"
)

var allBuckets = []string{
	doctorsBucket,
	loginsBucket,
	patientsBucket,
	consultationsBucket,
	caseloadBucket,
	reportsBucket,
	doctorReportsBucket,
}

type doctorRecord struct {
	FirstName   string
	LastName    string
	Secret      string
	SpecialtyID int64
}

type patientRecord struct {
	FirstName string
	LastName  string
	BirthDate string
}

type consultationRecord struct {
	DoctorID  int64
	PatientID int64
	Date      string
	Reason    string
}

type reportRecord struct {
	DoctorID  int64
	PatientID int64
	Date      string
	Content   string
}

type boltClinicDB struct {
	sync.RWMutex

	db         *bolt.DB
	loginCache map[string]int64
}

func (d *boltClinicDB) DoctorExists(login string) (bool, error) {
	d.RLock()
	defer d.RUnlock()

	_, ok := d.loginCache[login]
	return ok, nil
}

func (d *boltClinicDB) DoctorID(login string) (int64, error) {
	d.RLock()
	defer d.RUnlock()

	id, ok := d.loginCache[login]
	if !ok {
		return 0, clinicdb.ErrNoSuchDoctor
	}
	return id, nil
}

func (d *boltClinicDB) CredentialSecret(login string) (string, error) {
	id, err := d.DoctorID(login)
	if err != nil {
		return "", err
	}

	var rec doctorRecord
	err = d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(doctorsBucket)).Get(idToKey(id))
		if raw == nil {
			return clinicdb.ErrNoSuchDoctor
		}
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil {
		return "", err
	}
	return rec.Secret, nil
}

func (d *boltClinicDB) HasConsultation(doctorID, patientID int64) (bool, error) {
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(caseloadBucket)).Get(pairKey(doctorID, patientID)) != nil
		return nil
	})
	return found, err
}

func (d *boltClinicDB) CreateReport(doctorID, patientID int64, date, text string) (int64, error) {
	var id int64
	err := d.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(doctorsBucket)).Get(idToKey(doctorID)) == nil {
			return clinicdb.ErrNoSuchDoctor
		}
		if tx.Bucket([]byte(patientsBucket)).Get(idToKey(patientID)) == nil {
			return clinicdb.ErrNoSuchPatient
		}

		bkt := tx.Bucket([]byte(reportsBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)

		raw, err := cbor.Marshal(&reportRecord{
			DoctorID:  doctorID,
			PatientID: patientID,
			Date:      date,
			Content:   text,
		})
		if err != nil {
			return err
		}
		if err = bkt.Put(idToKey(id), raw); err != nil {
			return err
		}
		return tx.Bucket([]byte(doctorReportsBucket)).Put(pairKey(doctorID, id), []byte{})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (d *boltClinicDB) UpdateReport(reportID, doctorID int64, text string) (bool, error) {
	updated := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(reportsBucket))
		raw := bkt.Get(idToKey(reportID))
		if raw == nil {
			return nil
		}
		var rec reportRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.DoctorID != doctorID {
			return nil
		}
		rec.Content = text
		raw, err := cbor.Marshal(&rec)
		if err != nil {
			return err
		}
		if err = bkt.Put(idToKey(reportID), raw); err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}

func (d *boltClinicDB) ListReports(doctorID, patientID int64) ([]clinicdb.Report, error) {
	reports := []clinicdb.Report{}
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(reportsBucket))
		prefix := idToKey(doctorID)
		c := tx.Bucket([]byte(doctorReportsBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := keyToID(k[8:])
			raw := bkt.Get(k[8:])
			if raw == nil {
				return fmt.Errorf("boltclinicdb: dangling report index entry %d", id)
			}
			var rec reportRecord
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if patientID != 0 && rec.PatientID != patientID {
				continue
			}
			reports = append(reports, clinicdb.Report{
				ID:        id,
				DoctorID:  rec.DoctorID,
				PatientID: rec.PatientID,
				Date:      rec.Date,
				Content:   rec.Content,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].Date != reports[j].Date {
			return reports[i].Date > reports[j].Date
		}
		return reports[i].ID > reports[j].ID
	})
	return reports, nil
}

func (d *boltClinicDB) ListPatients(doctorID int64) ([]clinicdb.Patient, error) {
	patients := []clinicdb.Patient{}
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(patientsBucket))
		appendPatient := func(k, raw []byte) error {
			var rec patientRecord
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
			patients = append(patients, clinicdb.Patient{
				ID:        keyToID(k),
				FirstName: rec.FirstName,
				LastName:  rec.LastName,
				BirthDate: rec.BirthDate,
			})
			return nil
		}

		if doctorID == 0 {
			return bkt.ForEach(appendPatient)
		}

		prefix := idToKey(doctorID)
		c := tx.Bucket([]byte(caseloadBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			raw := bkt.Get(k[8:])
			if raw == nil {
				continue
			}
			if err := appendPatient(k[8:], raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(patients, func(i, j int) bool {
		a, b := patients[i], patients[j]
		if a.LastName != b.LastName {
			return a.LastName < b.LastName
		}
		if a.FirstName != b.FirstName {
			return a.FirstName < b.FirstName
		}
		return a.ID < b.ID
	})
	return patients, nil
}

func (d *boltClinicDB) AddDoctor(doc *clinicdb.Doctor) (int64, error) {
	login, err := clinicdb.NormalizeLogin(doc.Login())
	if err != nil {
		return 0, err
	}
	if login != doc.Login() {
		return 0, fmt.Errorf("boltclinicdb: login '%v' is not in canonical form", doc.Login())
	}
	if doc.Secret == "" {
		return 0, fmt.Errorf("boltclinicdb: doctor '%v' has no secret", login)
	}

	d.Lock()
	defer d.Unlock()

	if _, ok := d.loginCache[login]; ok {
		return 0, clinicdb.ErrDoctorExists
	}

	var id int64
	err = d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(doctorsBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		raw, err := cbor.Marshal(&doctorRecord{
			FirstName:   doc.FirstName,
			LastName:    doc.LastName,
			Secret:      doc.Secret,
			SpecialtyID: doc.SpecialtyID,
		})
		if err != nil {
			return err
		}
		if err = bkt.Put(idToKey(id), raw); err != nil {
			return err
		}
		return tx.Bucket([]byte(loginsBucket)).Put([]byte(login), idToKey(id))
	})
	if err != nil {
		return 0, err
	}
	d.loginCache[login] = id
	return id, nil
}

func (d *boltClinicDB) AddPatient(p *clinicdb.Patient) (int64, error) {
	if p.FirstName == "" || p.LastName == "" {
		return 0, fmt.Errorf("boltclinicdb: patient name is incomplete")
	}
	if p.BirthDate != "" {
		if err := clinicdb.ValidateDate(p.BirthDate); err != nil {
			return 0, err
		}
	}

	var id int64
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(patientsBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		raw, err := cbor.Marshal(&patientRecord{
			FirstName: p.FirstName,
			LastName:  p.LastName,
			BirthDate: p.BirthDate,
		})
		if err != nil {
			return err
		}
		return bkt.Put(idToKey(id), raw)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (d *boltClinicDB) AddConsultation(doctorID, patientID int64, date, reason string) (int64, error) {
	if err := clinicdb.ValidateDate(date); err != nil {
		return 0, err
	}

	var id int64
	err := d.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(doctorsBucket)).Get(idToKey(doctorID)) == nil {
			return clinicdb.ErrNoSuchDoctor
		}
		if tx.Bucket([]byte(patientsBucket)).Get(idToKey(patientID)) == nil {
			return clinicdb.ErrNoSuchPatient
		}

		bkt := tx.Bucket([]byte(consultationsBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		raw, err := cbor.Marshal(&consultationRecord{
			DoctorID:  doctorID,
			PatientID: patientID,
			Date:      date,
			Reason:    reason,
		})
		if err != nil {
			return err
		}
		if err = bkt.Put(idToKey(id), raw); err != nil {
			return err
		}
		return tx.Bucket([]byte(caseloadBucket)).Put(pairKey(doctorID, patientID), []byte{1})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (d *boltClinicDB) Doctors() ([]clinicdb.Doctor, error) {
	doctors := []clinicdb.Doctor{}
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(doctorsBucket)).ForEach(func(k, raw []byte) error {
			var rec doctorRecord
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
			doctors = append(doctors, clinicdb.Doctor{
				ID:          keyToID(k),
				FirstName:   rec.FirstName,
				LastName:    rec.LastName,
				Secret:      rec.Secret,
				SpecialtyID: rec.SpecialtyID,
			})
			return nil
		})
	})
	return doctors, err
}

func (d *boltClinicDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a clinic database with the given file name f.
func New(f string) (clinicdb.Admin, error) {
	var err error

	d := new(boltClinicDB)
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d.loginCache = make(map[string]int64)

	if err = d.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range allBuckets {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("boltclinicdb: incompatible version: %d", uint(b[0]))
			}

			// Populate the login cache.
			return tx.Bucket([]byte(loginsBucket)).ForEach(func(k, v []byte) error {
				d.loginCache[string(k)] = keyToID(v)
				return nil
			})
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		d.db.Close()
		return nil, err
	}

	return d, nil
}

func idToKey(id int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func keyToID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

func pairKey(a, b int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(a))
	binary.BigEndian.PutUint64(k[8:], uint64(b))
	return k
}
