// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
)

// EncodePublicKey returns the base64 SubjectPublicKeyInfo DER encoding of pub.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", newCryptoError("encode public key", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses the output of EncodePublicKey. Surrounding
// whitespace is ignored so key files may end with a newline.
func DecodePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, newCryptoError("decode public key", err)
	}
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, newCryptoError("decode public key", err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, newCryptoError("decode public key", errNotRSAKey)
	}
	return pub, nil
}

// EncodePrivateKey returns the base64 PKCS#8 DER encoding of priv.
func EncodePrivateKey(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", newCryptoError("encode private key", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePrivateKey parses the output of EncodePrivateKey.
func DecodePrivateKey(s string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, newCryptoError("decode private key", err)
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, newCryptoError("decode private key", err)
	}
	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, newCryptoError("decode private key", errNotRSAKey)
	}
	return priv, nil
}

// EncodeSymmetricKey returns the base64 form of a session key.
func EncodeSymmetricKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeSymmetricKey parses a base64 session key and checks its size.
func DecodeSymmetricKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, newCryptoError("decode symmetric key", err)
	}
	if len(key) != SessionKeySize {
		return nil, newCryptoError("decode symmetric key", errInvalidKeySize)
	}
	return key, nil
}
