// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the per connection protocol state machine
// and the command dispatcher that drives it.
package session

import "fmt"

// Phase is the authentication phase of a Session.
type Phase int

const (
	// Unauthenticated is the initial phase, re-entered on LOGOUT.
	Unauthenticated Phase = iota

	// SaltIssued is entered once a login challenge has been sent.
	SaltIssued

	// Authenticated is entered once the digest has been verified and the
	// session key installed.
	Authenticated
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case SaltIssued:
		return "SALT_ISSUED"
	case Authenticated:
		return "AUTHENTICATED"
	default:
		return fmt.Sprintf("[Unknown phase: %d]", int(p))
	}
}

// Session is the state of one connection. It is owned by the goroutine
// serving that connection and must not be shared.
//
// pendingSalt is set only in SaltIssued, sessionKey and doctorID only in
// Authenticated.
type Session struct {
	phase Phase

	login       string
	doctorID    int64
	pendingSalt []byte
	sessionKey  []byte
	id          string
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return s.phase
}

// Login returns the login being authenticated or authenticated, if any.
func (s *Session) Login() string {
	return s.login
}

// DoctorID returns the authenticated doctor's id, or 0.
func (s *Session) DoctorID() int64 {
	return s.doctorID
}

// ID returns the correlation identifier handed out at login, or "".
func (s *Session) ID() string {
	return s.id
}

// IsAuthenticated reports whether the handshake completed.
func (s *Session) IsAuthenticated() bool {
	return s.phase == Authenticated
}

func (s *Session) issueSalt(login string, salt []byte) {
	s.Reset()
	s.login = login
	s.pendingSalt = salt
	s.phase = SaltIssued
}

func (s *Session) authenticate(doctorID int64, sessionKey []byte, id string) {
	clear(s.pendingSalt)
	s.pendingSalt = nil
	s.doctorID = doctorID
	s.sessionKey = sessionKey
	s.id = id
	s.phase = Authenticated
}

// Reset returns the session to Unauthenticated and wipes its secrets.
func (s *Session) Reset() {
	clear(s.pendingSalt)
	clear(s.sessionKey)
	*s = Session{}
}
