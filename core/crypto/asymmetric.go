// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	gocrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"io"
)

// GenerateKeyPair returns a new RSA key pair. A nil entropy source
// means crypto/rand.
func GenerateKeyPair(r io.Reader) (*rsa.PublicKey, *rsa.PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := rsa.GenerateKey(r, RSAKeyBits)
	if err != nil {
		return nil, nil, newCryptoError("generate key pair", err)
	}
	return &priv.PublicKey, priv, nil
}

// EncryptAsymmetric seals a short plaintext (a session key) to pub using
// RSA-OAEP with SHA-256.
func EncryptAsymmetric(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, newCryptoError("rsa encrypt", err)
	}
	return ciphertext, nil
}

// DecryptAsymmetric opens an envelope produced by EncryptAsymmetric.
func DecryptAsymmetric(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, newCryptoError("rsa decrypt", err)
	}
	return plaintext, nil
}

// Sign returns an RSASSA-PKCS1-v1_5 signature over SHA-256(data).
func Sign(data []byte, priv *rsa.PrivateKey) ([]byte, error) {
	hashed := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, gocrypto.SHA256, hashed[:])
	if err != nil {
		return nil, newCryptoError("sign", err)
	}
	return sig, nil
}

// VerifySignature reports whether sig is a valid signature by pub over data.
func VerifySignature(data, sig []byte, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	hashed := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, gocrypto.SHA256, hashed[:], sig) == nil
}
