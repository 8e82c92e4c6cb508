// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/pkg/errors"
)

// GenerateSessionKey returns a fresh random AES-256 key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, newCryptoError("generate session key", err)
	}
	return key, nil
}

// EncryptSymmetric encrypts plaintext with AES-256-CBC under key. The
// output is the random IV followed by the PKCS#7 padded ciphertext.
func EncryptSymmetric(plaintext, key []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, newCryptoError("encrypt", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, newCryptoError("encrypt", err)
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func DecryptSymmetric(ciphertext, key []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, newCryptoError("decrypt", err)
	}
	if len(ciphertext) < 2*aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, newCryptoError("decrypt", errInvalidCiphertext)
	}

	iv := ciphertext[:aes.BlockSize]
	plaintext := make([]byte, len(ciphertext)-aes.BlockSize)
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext[aes.BlockSize:])

	plaintext, err = unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, newCryptoError("decrypt", err)
	}
	return plaintext, nil
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != SessionKeySize {
		return nil, errInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}
	return block, nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// unpad checks every padding byte without branching on its value.
func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errInvalidPadding
	}
	n := int(b[len(b)-1])
	ok := subtle.ConstantTimeLessOrEq(1, n) & subtle.ConstantTimeLessOrEq(n, blockSize)
	for i := 0; i < blockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(i+1, n)
		match := subtle.ConstantTimeByteEq(b[len(b)-1-i], byte(n))
		ok &= subtle.ConstantTimeSelect(inPad, match, 1)
	}
	if ok != 1 {
		return nil, errInvalidPadding
	}
	return b[:len(b)-n], nil
}
