// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the report server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/mrps/mrps/core/log"
	"github.com/mrps/mrps/core/wire"
)

const (
	defaultAddress        = "tcp://0.0.0.0:5001"
	defaultLogLevel       = "NOTICE"
	defaultNumWorkers     = 16
	defaultMaxConnections = 10

	defaultServerPrivateKeyFile = "server_private.key"
	defaultClientPublicKeyFile  = "client_public.key"
	defaultBoltClinicDB         = "clinic.db"

	// BackendBolt selects the embedded bbolt clinic database.
	BackendBolt = "bolt"

	// BackendSQL selects an external SQL clinic database.
	BackendSQL = "sql"

	// BackendPgx is the PostgreSQL driver for BackendSQL.
	BackendPgx = "pgx"

	// BackendMySQL is the MySQL driver for BackendSQL.
	BackendMySQL = "mysql"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the listener and worker pool configuration.
type Server struct {
	// Identifier is the human readable identifier for the server (eg: FQDN).
	Identifier string

	// Addresses are the URLs the server binds to, such as
	// "tcp://0.0.0.0:5001". Supported schemes are tcp, tcp4 and tcp6.
	Addresses []string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// NumWorkers bounds the number of connections served concurrently.
	// Further connections wait in the pool queue.
	NumWorkers int

	// MetricsAddress is the host:port of the Prometheus endpoint. Metrics
	// are not served when empty.
	MetricsAddress string

	// RequireAuthForPatients rejects LIST_PATIENTS from connections that
	// have not completed the login handshake.
	RequireAuthForPatients bool
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	id, err := idna.Lookup.ToASCII(sCfg.Identifier)
	if err != nil {
		return fmt.Errorf("config: Server: Identifier '%v' is invalid: %v", sCfg.Identifier, err)
	}
	sCfg.Identifier = id

	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6":
		default:
			return fmt.Errorf("config: Server: Address '%v' has unsupported scheme '%v'", v, u.Scheme)
		}
		if u.Port() == "" {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
		}
	}

	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}

	if sCfg.NumWorkers <= 0 {
		sCfg.NumWorkers = defaultNumWorkers
		if n := runtime.NumCPU() * 4; n > sCfg.NumWorkers {
			sCfg.NumWorkers = n
		}
	}

	if sCfg.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Keys locates the long lived RSA key files.
type Keys struct {
	// ServerPrivateKeyFile holds the base64 PKCS#8 server private key.
	// Relative paths are resolved against DataDir.
	ServerPrivateKeyFile string

	// ClientPublicKeyFile holds the base64 SubjectPublicKeyInfo key used
	// to verify report signatures. Relative paths are resolved against
	// DataDir.
	ClientPublicKeyFile string
}

func (kCfg *Keys) fixup(dataDir string) {
	if kCfg.ServerPrivateKeyFile == "" {
		kCfg.ServerPrivateKeyFile = defaultServerPrivateKeyFile
	}
	if kCfg.ClientPublicKeyFile == "" {
		kCfg.ClientPublicKeyFile = defaultClientPublicKeyFile
	}
	kCfg.ServerPrivateKeyFile = resolve(dataDir, kCfg.ServerPrivateKeyFile)
	kCfg.ClientPublicKeyFile = resolve(dataDir, kCfg.ClientPublicKeyFile)
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	if !log.ValidLevel(lCfg.Level) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = strings.ToUpper(lCfg.Level)
	return nil
}

// Debug is the debug and tuning configuration.
type Debug struct {
	// MaxLineLength is the longest request line accepted, in bytes.
	MaxLineLength int

	// IdleTimeout closes connections that send nothing for this many
	// milliseconds. Zero disables the timeout.
	IdleTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.MaxLineLength <= 0 {
		dCfg.MaxLineLength = wire.DefaultMaxLineLength
	}
	if dCfg.IdleTimeout < 0 {
		dCfg.IdleTimeout = 0
	}
}

// BoltClinicDB is the bbolt clinic database.
type BoltClinicDB struct {
	// ClinicDB is the path to the database file. If left empty it will
	// use `clinic.db` under the DataDir.
	ClinicDB string
}

// SQLClinicDB is an external SQL clinic database.
type SQLClinicDB struct {
	// Backend is the SQL driver: `pgx` (PostgreSQL) or `mysql`.
	Backend string

	// DataSourceName is the driver specific data source name.
	//
	//  - pgx: https://godoc.org/github.com/jackc/pgx#ParseConnectionString
	//  - mysql: https://github.com/go-sql-driver/mysql#dsn-data-source-name
	DataSourceName string

	// MaxConnections bounds the database connection pool.
	MaxConnections int
}

func (sCfg *SQLClinicDB) validate() error {
	switch sCfg.Backend {
	case BackendPgx, BackendMySQL:
	default:
		return fmt.Errorf("config: ClinicDB: SQL: Backend '%v' is invalid", sCfg.Backend)
	}
	if sCfg.DataSourceName == "" {
		return errors.New("config: ClinicDB: SQL: DataSourceName is not set")
	}
	if sCfg.MaxConnections <= 0 {
		sCfg.MaxConnections = defaultMaxConnections
	}
	return nil
}

// ClinicDB selects and configures the data access backend.
type ClinicDB struct {
	// Backend is `bolt` (default) or `sql`.
	Backend string

	Bolt *BoltClinicDB
	SQL  *SQLClinicDB
}

func (cCfg *ClinicDB) validate(dataDir string) error {
	switch cCfg.Backend {
	case "", BackendBolt:
		cCfg.Backend = BackendBolt
		if cCfg.Bolt == nil {
			cCfg.Bolt = &BoltClinicDB{}
		}
		if cCfg.Bolt.ClinicDB == "" {
			cCfg.Bolt.ClinicDB = defaultBoltClinicDB
		}
		cCfg.Bolt.ClinicDB = resolve(dataDir, cCfg.Bolt.ClinicDB)
	case BackendSQL:
		if cCfg.SQL == nil {
			return errors.New("config: ClinicDB: SQL block is missing")
		}
		return cCfg.SQL.validate()
	default:
		return fmt.Errorf("config: ClinicDB: Backend '%v' is invalid", cCfg.Backend)
	}
	return nil
}

// Config is the top level report server configuration.
type Config struct {
	Server   *Server
	Keys     *Keys
	Logging  *Logging
	Debug    *Debug
	ClinicDB *ClinicDB

	// GenerateOnly halts the server once the configuration, keys and
	// database have been checked.
	GenerateOnly bool
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}

	// Handle missing sections if possible.
	if cfg.Keys == nil {
		cfg.Keys = &Keys{}
	}
	cfg.Keys.fixup(cfg.Server.DataDir)
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Debug.applyDefaults()
	if cfg.ClinicDB == nil {
		cfg.ClinicDB = &ClinicDB{}
	}
	return cfg.ClinicDB.validate(cfg.Server.DataDir)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte, forceGenOnly bool) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	if forceGenOnly {
		cfg.GenerateOnly = true
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string, forceGenOnly bool) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b, forceGenOnly)
}

func resolve(dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(dataDir, f)
}
