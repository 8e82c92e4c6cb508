// SPDX-FileCopyrightText: Copyright (C) 2018  David Stainton.
// SPDX-License-Identifier: AGPL-3.0-only

// Package client provides a report server client library.
package client

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mrps/mrps/core/crypto"
	"github.com/mrps/mrps/core/log"
	"github.com/mrps/mrps/core/retry"
	"github.com/mrps/mrps/core/wire"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrIntegrity is returned when the HMAC tag of a response does not
	// match its ciphertext.
	ErrIntegrity = errors.New("client: response failed integrity check")

	// ErrNotLoggedIn is returned by commands that need a session key.
	ErrNotLoggedIn = errors.New("client: not logged in")

	// ErrNoSigningKey is returned by AddReport when Config.SigningKey is nil.
	ErrNoSigningKey = errors.New("client: no signing key")
)

// ServerError is an ERROR response.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return "client: server error: " + e.Msg
}

// UnexpectedResponseError is a response that does not fit the request.
type UnexpectedResponseError struct {
	Command  string
	Response string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("client: unexpected response to %v: %q", e.Command, e.Response)
}

// Config is the client configuration.
type Config struct {
	// ServerPublicKey seals the session key during login.
	ServerPublicKey *rsa.PublicKey

	// SigningKey signs new reports. It may be nil for read only use.
	SigningKey *rsa.PrivateKey

	// Timeout bounds each request/response exchange. Zero selects a
	// default of 30 seconds.
	Timeout time.Duration

	// MaxLineLength bounds response lines. Zero selects
	// wire.DefaultMaxLineLength.
	MaxLineLength int

	// Retry governs reconnection attempts in Dial. The zero value dials
	// once.
	Retry retry.Policy
}

// Client is a connection to a report server. It is safe for concurrent
// use, requests are serialized.
type Client struct {
	sync.Mutex

	cfg *Config
	log *logging.Logger

	conn net.Conn
	lr   *wire.LineReader

	sessionKey []byte
	sessionID  string
}

// Dial connects to the server at addr, which is either "host:port" or a
// "tcp://host:port" URL.
func Dial(ctx context.Context, addr string, cfg *Config, logBackend *log.Backend) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: no configuration")
	}
	network, hostPort := "tcp", addr
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6":
		default:
			return nil, fmt.Errorf("client: unsupported scheme '%v'", u.Scheme)
		}
		network, hostPort = u.Scheme, u.Host
	}

	var (
		d    net.Dialer
		conn net.Conn
	)
	err := retry.Do(ctx, cfg.Retry, func() error {
		var err error
		conn, err = d.DialContext(ctx, network, hostPort)
		return err
	})
	if err != nil {
		return nil, err
	}
	return New(conn, cfg, logBackend)
}

// New wraps an established connection.
func New(conn net.Conn, cfg *Config, logBackend *log.Backend) (*Client, error) {
	if cfg == nil || cfg.ServerPublicKey == nil {
		return nil, errors.New("client: no server public key")
	}
	if err := crypto.Init(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		log:  logBackend.GetLogger("client"),
		conn: conn,
		lr:   wire.NewLineReader(conn, cfg.MaxLineLength),
	}, nil
}

// SessionID returns the identifier of the current session, if any.
func (c *Client) SessionID() string {
	c.Lock()
	defer c.Unlock()
	return c.sessionID
}

// Close wipes the session key and closes the connection.
func (c *Client) Close() error {
	c.Lock()
	defer c.Unlock()
	c.clearSession()
	return c.conn.Close()
}

func (c *Client) clearSession() {
	clear(c.sessionKey)
	c.sessionKey = nil
	c.sessionID = ""
}

func (c *Client) timeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return defaultTimeout
}

// roundTrip sends one request and reads its response. ERROR responses are
// returned as a *ServerError.
func (c *Client) roundTrip(tag string, args ...string) (*wire.Message, error) {
	c.conn.SetDeadline(time.Now().Add(c.timeout()))
	defer c.conn.SetDeadline(time.Time{})

	if err := wire.WriteLine(c.conn, wire.Encode(tag, args...)); err != nil {
		return nil, err
	}
	line, err := c.lr.ReadLine()
	if err != nil {
		return nil, err
	}
	m, err := wire.Decode(line)
	if err != nil {
		return nil, &UnexpectedResponseError{Command: tag, Response: line}
	}
	if m.Tag == wire.RespError {
		c.log.Debugf("%v: ERROR %v", tag, strings.Join(m.Args, wire.Separator))
		return nil, &ServerError{Msg: strings.Join(m.Args, wire.Separator)}
	}
	return m, nil
}

func (c *Client) expectOK(tag string, m *wire.Message, nArgs int) error {
	if m.Tag != wire.RespOK || m.NArgs() != nArgs {
		return &UnexpectedResponseError{Command: tag, Response: m.String()}
	}
	return nil
}

// Login runs the salted challenge handshake and installs a fresh session
// key. An existing session is logged out first.
func (c *Client) Login(login, secret string) error {
	c.Lock()
	defer c.Unlock()

	if c.sessionKey != nil {
		c.clearSession()
		m, err := c.roundTrip(wire.CmdLogout)
		if err != nil {
			return err
		}
		if err = c.expectOK(wire.CmdLogout, m, 0); err != nil {
			return err
		}
	}

	m, err := c.roundTrip(wire.CmdLogin, login)
	if err != nil {
		return err
	}
	if m.Tag != wire.RespSalt || m.NArgs() != 1 {
		return &UnexpectedResponseError{Command: wire.CmdLogin, Response: m.String()}
	}
	salt, err := base64.StdEncoding.DecodeString(m.Arg(0))
	if err != nil {
		return &UnexpectedResponseError{Command: wire.CmdLogin, Response: m.String()}
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		return err
	}
	envelope, err := crypto.EncryptAsymmetric(key, c.cfg.ServerPublicKey)
	if err != nil {
		clear(key)
		return err
	}
	digest := crypto.SaltedDigest(login, secret, salt)

	m, err = c.roundTrip(wire.CmdLogin, base64.StdEncoding.EncodeToString(digest), base64.StdEncoding.EncodeToString(envelope))
	if err != nil {
		clear(key)
		return err
	}
	if err = c.expectOK(wire.CmdLogin, m, 1); err != nil {
		clear(key)
		return err
	}

	c.sessionKey = key
	c.sessionID = m.Arg(0)
	c.log.Debugf("Logged in, session %v.", c.sessionID)
	return nil
}

func (c *Client) encrypt(s string) (string, error) {
	ct, err := crypto.EncryptSymmetric([]byte(s), c.sessionKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (c *Client) encryptAll(fields ...string) ([]string, error) {
	if c.sessionKey == nil {
		return nil, ErrNotLoggedIn
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		enc, err := c.encrypt(f)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// AddReport signs and stores a report, returning its id.
func (c *Client) AddReport(date string, patientID int64, text string) (int64, error) {
	c.Lock()
	defer c.Unlock()

	if c.cfg.SigningKey == nil {
		return 0, ErrNoSigningKey
	}
	patient := strconv.FormatInt(patientID, 10)
	args, err := c.encryptAll(date, patient, text)
	if err != nil {
		return 0, err
	}
	sig, err := crypto.Sign([]byte(date+patient+text), c.cfg.SigningKey)
	if err != nil {
		return 0, err
	}
	args = append(args, base64.StdEncoding.EncodeToString(sig))

	m, err := c.roundTrip(wire.CmdAddReport, args...)
	if err != nil {
		return 0, err
	}
	if err = c.expectOK(wire.CmdAddReport, m, 1); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(m.Arg(0), 10, 64)
	if err != nil {
		return 0, &UnexpectedResponseError{Command: wire.CmdAddReport, Response: m.String()}
	}
	return id, nil
}

// EditReport replaces the content of one of the doctor's reports.
func (c *Client) EditReport(reportID int64, text string) error {
	c.Lock()
	defer c.Unlock()

	args, err := c.encryptAll(strconv.FormatInt(reportID, 10), text)
	if err != nil {
		return err
	}
	m, err := c.roundTrip(wire.CmdEditReport, args...)
	if err != nil {
		return err
	}
	return c.expectOK(wire.CmdEditReport, m, 0)
}

// ListReports returns the doctor's reports, restricted to one patient
// when patientID is positive. The response tag is checked before any
// decryption is attempted.
func (c *Client) ListReports(patientID int64) ([]wire.Report, error) {
	c.Lock()
	defer c.Unlock()

	var args []string
	if patientID > 0 {
		var err error
		if args, err = c.encryptAll(strconv.FormatInt(patientID, 10)); err != nil {
			return nil, err
		}
	} else if c.sessionKey == nil {
		return nil, ErrNotLoggedIn
	}

	m, err := c.roundTrip(wire.CmdListReports, args...)
	if err != nil {
		return nil, err
	}
	if err = c.expectOK(wire.CmdListReports, m, 3); err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(m.Arg(0))
	if err != nil {
		return nil, &UnexpectedResponseError{Command: wire.CmdListReports, Response: m.String()}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(m.Arg(1))
	if err != nil {
		return nil, &UnexpectedResponseError{Command: wire.CmdListReports, Response: m.String()}
	}
	tag, err := base64.StdEncoding.DecodeString(m.Arg(2))
	if err != nil {
		return nil, &UnexpectedResponseError{Command: wire.CmdListReports, Response: m.String()}
	}

	if !crypto.VerifyHMAC(ciphertext, tag, c.sessionKey) {
		c.log.Warningf("Rejecting %v response with a bad tag.", wire.CmdListReports)
		return nil, ErrIntegrity
	}
	plaintext, err := crypto.DecryptSymmetric(ciphertext, c.sessionKey)
	if err != nil {
		return nil, err
	}
	reports, err := wire.DecodeReports(plaintext)
	if err != nil {
		return nil, err
	}
	if len(reports) != count {
		return nil, fmt.Errorf("client: %v announced %d reports, got %d", wire.CmdListReports, count, len(reports))
	}
	return reports, nil
}

// ListPatients returns the patients visible to the session.
func (c *Client) ListPatients() ([]*wire.Patient, error) {
	c.Lock()
	defer c.Unlock()

	m, err := c.roundTrip(wire.CmdListPatients)
	if err != nil {
		return nil, err
	}
	if m.Tag != wire.RespOK {
		return nil, &UnexpectedResponseError{Command: wire.CmdListPatients, Response: m.String()}
	}
	patients := make([]*wire.Patient, 0, m.NArgs())
	for i := 0; i < m.NArgs(); i++ {
		p, err := wire.ParsePatient(m.Arg(i))
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, nil
}

// Logout ends the session. The connection stays open.
func (c *Client) Logout() error {
	c.Lock()
	defer c.Unlock()

	c.clearSession()
	m, err := c.roundTrip(wire.CmdLogout)
	if err != nil {
		return err
	}
	return c.expectOK(wire.CmdLogout, m, 0)
}
