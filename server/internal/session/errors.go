// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package session

import "github.com/mrps/mrps/core/wire"

// AuthError is an authentication failure: an unknown login, a digest
// mismatch or a command that needs an authenticated session.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return e.Msg
}

// AuthzError is an authenticated request acting outside the doctor's
// permissions.
type AuthzError struct {
	Msg string
}

func (e *AuthzError) Error() string {
	return e.Msg
}

// IntegrityError is a signature or MAC that failed to verify.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string {
	return e.Msg
}

var (
	errAlreadyAuthenticated = wire.NewProtocolError("Already authenticated; LOGOUT first")

	errAuthFailed       = &AuthError{Msg: "Authentication failed"}
	errNotAuthenticated = &AuthError{Msg: "Not authenticated"}
	errInvalidSignature = &IntegrityError{Msg: "Invalid signature"}
	errNoConsultation   = &AuthzError{Msg: "No consultation found with this patient"}
	errReportNotFound   = &AuthzError{Msg: "Report not found or not authorized"}
)
