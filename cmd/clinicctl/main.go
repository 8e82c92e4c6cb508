// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mrps/mrps/common"
	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/clinicdb/boltclinicdb"
	"github.com/mrps/mrps/server/config"
)

var errNoDatabase = errors.New("config file must be specified with --config, or a database with --db")

type globalFlags struct {
	ConfigFile string
	DBFile     string
}

// openDB opens the bolt clinic database named by --db, or the one in the
// server configuration.
func (g *globalFlags) openDB() (clinicdb.Admin, error) {
	f := g.DBFile
	if f == "" {
		if g.ConfigFile == "" {
			return nil, errNoDatabase
		}
		cfg, err := config.LoadFile(g.ConfigFile, false)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %v", g.ConfigFile, err)
		}
		if cfg.ClinicDB.Backend != config.BackendBolt {
			return nil, fmt.Errorf("clinicctl only manages the '%v' backend, not '%v'", config.BackendBolt, cfg.ClinicDB.Backend)
		}
		f = cfg.ClinicDB.Bolt.ClinicDB
	}
	return boltclinicdb.New(f)
}

func withDB(g *globalFlags, fn func(db clinicdb.Admin) error) error {
	db, err := g.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "clinicctl",
		Short: "Administer the embedded clinic database",
		Long: `Provision doctors, patients and consultations in the bolt clinic database
used by the report server. The server must be stopped while clinicctl
runs, the database file is locked by its owner.`,
		Example: `  clinicctl -f /etc/mrps/mrps.toml add-doctor --first dr --last smith
  clinicctl --db /var/lib/mrps/clinic.db add-patient --first Alice --last Martin --birth 1980-04-12
  clinicctl --db /var/lib/mrps/clinic.db add-consultation --doctor dr.smith --patient 1
  clinicctl --db /var/lib/mrps/clinic.db list-patients --doctor dr.smith`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.ConfigFile, "config", "f", "", "path to the server configuration file")
	cmd.PersistentFlags().StringVar(&g.DBFile, "db", "", "path to the clinic database, overrides --config")

	cmd.AddCommand(
		newAddDoctorCommand(g),
		newAddPatientCommand(g),
		newAddConsultationCommand(g),
		newListDoctorsCommand(g),
		newListPatientsCommand(g),
	)
	return cmd
}

func newAddDoctorCommand(g *globalFlags) *cobra.Command {
	var doc clinicdb.Doctor
	cmd := &cobra.Command{
		Use:   "add-doctor",
		Short: "Add a doctor, prompting for the password unless --password is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if doc.Secret == "" {
				secret, err := readPassword(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				doc.Secret = secret
			}
			return withDB(g, func(db clinicdb.Admin) error {
				return addDoctor(cmd.OutOrStdout(), db, &doc)
			})
		},
	}
	cmd.Flags().StringVar(&doc.FirstName, "first", "", "first name")
	cmd.Flags().StringVar(&doc.LastName, "last", "", "last name")
	cmd.Flags().StringVar(&doc.Secret, "password", "", "password (read from the terminal when omitted)")
	cmd.Flags().Int64Var(&doc.SpecialtyID, "specialty", 0, "specialty id")
	cmd.MarkFlagRequired("first")
	cmd.MarkFlagRequired("last")
	return cmd
}

func newAddPatientCommand(g *globalFlags) *cobra.Command {
	var p clinicdb.Patient
	cmd := &cobra.Command{
		Use:   "add-patient",
		Short: "Add a patient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(g, func(db clinicdb.Admin) error {
				return addPatient(cmd.OutOrStdout(), db, &p)
			})
		},
	}
	cmd.Flags().StringVar(&p.FirstName, "first", "", "first name")
	cmd.Flags().StringVar(&p.LastName, "last", "", "last name")
	cmd.Flags().StringVar(&p.BirthDate, "birth", "", "birth date, YYYY-MM-DD")
	cmd.MarkFlagRequired("first")
	cmd.MarkFlagRequired("last")
	return cmd
}

func newAddConsultationCommand(g *globalFlags) *cobra.Command {
	var (
		login, date, reason string
		patientID           int64
	)
	cmd := &cobra.Command{
		Use:   "add-consultation",
		Short: "Record a consultation between a doctor and a patient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().Format(clinicdb.DateLayout)
			}
			return withDB(g, func(db clinicdb.Admin) error {
				return addConsultation(cmd.OutOrStdout(), db, login, patientID, date, reason)
			})
		},
	}
	cmd.Flags().StringVar(&login, "doctor", "", "doctor login")
	cmd.Flags().Int64Var(&patientID, "patient", 0, "patient id")
	cmd.Flags().StringVar(&date, "date", "", "consultation date, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the consultation")
	cmd.MarkFlagRequired("doctor")
	cmd.MarkFlagRequired("patient")
	return cmd
}

func newListDoctorsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-doctors",
		Short: "List doctors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(g, func(db clinicdb.Admin) error {
				return listDoctors(cmd.OutOrStdout(), db)
			})
		},
	}
}

func newListPatientsCommand(g *globalFlags) *cobra.Command {
	var login string
	cmd := &cobra.Command{
		Use:   "list-patients",
		Short: "List patients, optionally only those of one doctor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(g, func(db clinicdb.Admin) error {
				return listPatients(cmd.OutOrStdout(), db, login)
			})
		},
	}
	cmd.Flags().StringVar(&login, "doctor", "", "doctor login")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func readPassword(w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal, use --password")
	}
	fmt.Fprint(w, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", errors.New("empty password")
	}
	return secret, nil
}

func addDoctor(w io.Writer, db clinicdb.Admin, doc *clinicdb.Doctor) error {
	id, err := db.AddDoctor(doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Added doctor %d, login '%s'\n", id, doc.Login())
	return nil
}

func addPatient(w io.Writer, db clinicdb.Admin, p *clinicdb.Patient) error {
	id, err := db.AddPatient(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Added patient %d\n", id)
	return nil
}

func addConsultation(w io.Writer, db clinicdb.Admin, login string, patientID int64, date, reason string) error {
	doctorID, err := db.DoctorID(login)
	if err != nil {
		return err
	}
	id, err := db.AddConsultation(doctorID, patientID, date, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Added consultation %d\n", id)
	return nil
}

func listDoctors(w io.Writer, db clinicdb.Admin) error {
	doctors, err := db.Doctors()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOGIN\tSPECIALTY")
	for _, d := range doctors {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", d.ID, d.Login(), d.SpecialtyID)
	}
	return tw.Flush()
}

func listPatients(w io.Writer, db clinicdb.Admin, login string) error {
	var doctorID int64
	if login != "" {
		var err error
		if doctorID, err = db.DoctorID(login); err != nil {
			return err
		}
	}
	patients, err := db.ListPatients(doctorID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFIRST\tLAST\tBIRTH")
	for _, p := range patients {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ID, p.FirstName, p.LastName, p.BirthDate)
	}
	return tw.Flush()
}
