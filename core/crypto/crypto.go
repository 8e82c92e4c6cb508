// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the primitive operations used by the report
// protocol: session key generation, AES-256-CBC payload encryption,
// RSA key transport and signatures, salted login digests and HMAC tags.
//
// All operations take their keys explicitly. The only process wide
// state is the one time self test run by Init.
package crypto

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// SessionKeySize is the size of an AES-256 session key in bytes.
	SessionKeySize = 32

	// SaltSize is the size of a login challenge salt in bytes.
	SaltSize = 16

	// RSAKeyBits is the modulus size of generated RSA key pairs.
	RSAKeyBits = 2048

	// HMACSize is the size of an HMAC-SHA256 tag in bytes.
	HMACSize = 32
)

// CryptoError is returned by every engine operation that fails, be it
// because of a bad key, corrupt input or a failing entropy source.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

func newCryptoError(op string, err error) error {
	return &CryptoError{
		Op:  op,
		Err: errors.WithStack(err),
	}
}

var (
	errInvalidKeySize    = errors.New("invalid key size")
	errInvalidCiphertext = errors.New("invalid ciphertext")
	errInvalidPadding    = errors.New("invalid padding")
	errNotRSAKey         = errors.New("key is not an RSA key")
)
