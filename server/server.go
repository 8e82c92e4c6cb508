// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the medical report server.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"

	"github.com/alitto/pond/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/mrps/mrps/core/crypto"
	"github.com/mrps/mrps/core/log"
	"github.com/mrps/mrps/core/utils"
	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/clinicdb/boltclinicdb"
	"github.com/mrps/mrps/server/config"
	"github.com/mrps/mrps/server/internal/glue"
	"github.com/mrps/mrps/server/internal/incoming"
	"github.com/mrps/mrps/server/internal/instrument"
	"github.com/mrps/mrps/server/internal/profiling"
	"github.com/mrps/mrps/server/internal/sqldb"
	"github.com/mrps/mrps/server/keystore"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a report server instance.
type Server struct {
	cfg *config.Config

	keyMaterial *keystore.KeyMaterial

	logBackend *log.Backend
	log        *logging.Logger

	clinicDB  clinicdb.ClinicDB
	pool      pond.Pool
	listeners []glue.Listener
	metrics   io.Closer

	stopProfiling func()

	haltedCh chan interface{}
	haltOnce sync.Once
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) KeyMaterial() *keystore.KeyMaterial {
	return g.s.keyMaterial
}

func (g *serverGlue) ClinicDB() clinicdb.ClinicDB {
	return g.s.clinicDB
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initClinicDB(g glue.Glue) error {
	switch s.cfg.ClinicDB.Backend {
	case config.BackendBolt:
		db, err := boltclinicdb.New(s.cfg.ClinicDB.Bolt.ClinicDB)
		if err != nil {
			return err
		}
		s.clinicDB = db
	case config.BackendSQL:
		db, err := sqldb.New(g)
		if err != nil {
			return err
		}
		s.clinicDB = db
	default:
		return fmt.Errorf("server: unknown clinic database backend '%v'", s.cfg.ClinicDB.Backend)
	}
	return nil
}

// Addrs returns the addresses the server listens on.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l != nil {
			addrs = append(addrs, l.Addr())
		}
	}
	return addrs
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	s.log.Notice("Rotated log file.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop the listener(s). Each waits for its connections to finish the
	// command in flight.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}

	// Drain the worker pool, queued connections exit immediately.
	if s.pool != nil {
		s.pool.StopAndWait()
		s.pool = nil
	}

	if s.metrics != nil {
		if err := s.metrics.Close(); err != nil {
			s.log.Warningf("Failed to stop metrics listener: %v", err)
		}
		s.metrics = nil
	}

	if s.stopProfiling != nil {
		s.stopProfiling()
		s.stopProfiling = nil
	}

	// Nothing can use the database or the keys past this point.
	if s.clinicDB != nil {
		s.clinicDB.Close()
		s.clinicDB = nil
	}
	s.keyMaterial = nil

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}
	g := &serverGlue{s}

	// Do the early initialization and bring up logging.
	if err := utils.MkDataDir(s.cfg.Server.DataDir); err != nil {
		return nil, fmt.Errorf("server: %v", err)
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled, request metadata will be logged.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	if err := crypto.Init(); err != nil {
		s.log.Errorf("Crypto self test failed: %v", err)
		return nil, err
	}

	// Missing or malformed keys are fatal.
	var err error
	if s.keyMaterial, err = keystore.Load(s.cfg.Keys.ServerPrivateKeyFile, s.cfg.Keys.ClientPublicKeyFile); err != nil {
		s.log.Errorf("Failed to load key material: %v", err)
		return nil, err
	}
	s.log.Noticef("Loaded server key '%v' and client key '%v'.", s.cfg.Keys.ServerPrivateKeyFile, s.cfg.Keys.ClientPublicKeyFile)

	if err = s.initClinicDB(g); err != nil {
		s.log.Errorf("Failed to open clinic database: %v", err)
		return nil, err
	}

	if s.cfg.GenerateOnly {
		s.clinicDB.Close()
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	if s.stopProfiling, err = profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Server.Identifier); err != nil {
		s.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}
	s.metrics = instrument.StartPrometheusListener(g)

	// Bring the listener(s) online.
	s.pool = pond.NewPool(s.cfg.Server.NumWorkers)
	s.listeners = make([]glue.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(g, s.pool, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}
	s.log.Noticef("Serving up to %d connections concurrently.", s.cfg.Server.NumWorkers)

	isOk = true
	return s, nil
}
