// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"
)

// NewSalt returns SaltSize random bytes for a login challenge.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, newCryptoError("salt", err)
	}
	return salt, nil
}

// SaltedDigest computes SHA-256(login || secret || salt). The order of
// the inputs is part of the wire format.
func SaltedDigest(login, secret string, salt []byte) []byte {
	h := sha256.New()
	h.Write([]byte(login))
	h.Write([]byte(secret))
	h.Write(salt)
	return h.Sum(nil)
}

// ComputeHMAC returns HMAC-SHA256(key, data).
func ComputeHMAC(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC checks tag against data in constant time.
func VerifyHMAC(data, tag, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), tag)
}

// Equal compares two digests in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
