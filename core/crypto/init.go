// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/pkg/errors"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init runs the engine self test exactly once per process and returns
// its result. Later calls return the cached result.
func Init() error {
	initOnce.Do(func() {
		initErr = selfTest()
	})
	return initErr
}

func selfTest() error {
	var b [SessionKeySize]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return newCryptoError("self test", errors.Wrap(err, "entropy source"))
	}

	// FIPS 180-2 "abc".
	sum := sha256.Sum256([]byte("abc"))
	if err := expectHex(sum[:], "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"); err != nil {
		return newCryptoError("self test", errors.Wrap(err, "sha256"))
	}

	// RFC 4231 test case 2.
	mac := ComputeHMAC([]byte("what do ya want for nothing?"), []byte("Jefe"))
	if err := expectHex(mac, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"); err != nil {
		return newCryptoError("self test", errors.Wrap(err, "hmac-sha256"))
	}

	// FIPS 197 appendix C.3.
	key, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	pt, _ := hex.DecodeString("00112233445566778899aabbccddeeff")
	block, err := aes.NewCipher(key)
	if err != nil {
		return newCryptoError("self test", err)
	}
	ct := make([]byte, aes.BlockSize)
	block.Encrypt(ct, pt)
	if err := expectHex(ct, "8ea2b7ca516745bfeafc49904b496089"); err != nil {
		return newCryptoError("self test", errors.Wrap(err, "aes-256"))
	}

	sealed, err := EncryptSymmetric(pt, b[:])
	if err != nil {
		return err
	}
	opened, err := DecryptSymmetric(sealed, b[:])
	if err != nil {
		return err
	}
	if !bytes.Equal(opened, pt) {
		return newCryptoError("self test", errors.New("aes-cbc round trip mismatch"))
	}
	return nil
}

func expectHex(got []byte, want string) error {
	if hex.EncodeToString(got) != want {
		return errors.New("known answer mismatch")
	}
	return nil
}
