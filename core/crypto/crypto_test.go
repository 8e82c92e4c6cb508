// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testPub     *rsa.PublicKey
	testPriv    *rsa.PrivateKey
)

func testKeyPair(t *testing.T) (*rsa.PublicKey, *rsa.PrivateKey) {
	testKeyOnce.Do(func() {
		var err error
		testPub, testPriv, err = GenerateKeyPair(nil)
		require.NoError(t, err)
	})
	return testPub, testPriv
}

func TestInit(t *testing.T) {
	require := require.New(t)
	require.NoError(Init())
	require.NoError(Init())
}

func TestSymmetricRoundTrip(t *testing.T) {
	require := require.New(t)

	key, err := GenerateSessionKey()
	require.NoError(err)
	require.Len(key, SessionKeySize)

	for _, pt := range [][]byte{
		{},
		[]byte("2024-05-01"),
		bytes.Repeat([]byte{'a'}, 16),
		bytes.Repeat([]byte("rapport médical "), 100),
	} {
		ct, err := EncryptSymmetric(pt, key)
		require.NoError(err)
		require.Zero(len(ct) % 16)
		require.Greater(len(ct), len(pt))

		got, err := DecryptSymmetric(ct, key)
		require.NoError(err)
		require.Equal(pt, got)
	}
}

func TestSymmetricRandomIV(t *testing.T) {
	require := require.New(t)

	key, err := GenerateSessionKey()
	require.NoError(err)
	a, err := EncryptSymmetric([]byte("same"), key)
	require.NoError(err)
	b, err := EncryptSymmetric([]byte("same"), key)
	require.NoError(err)
	require.NotEqual(a, b)
}

func TestSymmetricFailures(t *testing.T) {
	require := require.New(t)

	key, err := GenerateSessionKey()
	require.NoError(err)
	other, err := GenerateSessionKey()
	require.NoError(err)

	_, err = EncryptSymmetric([]byte("x"), key[:16])
	var cErr *CryptoError
	require.True(errors.As(err, &cErr))
	require.Equal("encrypt", cErr.Op)

	_, err = DecryptSymmetric([]byte("short"), key)
	require.Error(err)

	_, err = DecryptSymmetric(make([]byte, 33), key)
	require.Error(err)

	// A wrong key almost always yields bad padding. Run a few times so a
	// lucky 0x01 final byte cannot make the test flaky.
	failures := 0
	for i := 0; i < 8; i++ {
		ct, err := EncryptSymmetric([]byte("patient 42"), key)
		require.NoError(err)
		if pt, err := DecryptSymmetric(ct, other); err != nil || !bytes.Equal(pt, []byte("patient 42")) {
			failures++
		}
	}
	require.Equal(8, failures)
}

func TestUnpad(t *testing.T) {
	require := require.New(t)

	b := append(bytes.Repeat([]byte{'x'}, 12), 4, 4, 4, 4)
	out, err := unpad(b, 16)
	require.NoError(err)
	require.Len(out, 12)

	_, err = unpad(append(bytes.Repeat([]byte{'x'}, 12), 4, 3, 4, 4), 16)
	require.Error(err)

	_, err = unpad(append(bytes.Repeat([]byte{'x'}, 15), 0), 16)
	require.Error(err)

	_, err = unpad(append(bytes.Repeat([]byte{'x'}, 15), 17), 16)
	require.Error(err)

	out, err = unpad(bytes.Repeat([]byte{16}, 16), 16)
	require.NoError(err)
	require.Len(out, 0)
}

func TestAsymmetric(t *testing.T) {
	require := require.New(t)
	pub, priv := testKeyPair(t)

	key, err := GenerateSessionKey()
	require.NoError(err)

	env, err := EncryptAsymmetric(key, pub)
	require.NoError(err)
	got, err := DecryptAsymmetric(env, priv)
	require.NoError(err)
	require.Equal(key, got)

	env[10] ^= 0x01
	_, err = DecryptAsymmetric(env, priv)
	require.Error(err)
}

func TestSignatureBinding(t *testing.T) {
	require := require.New(t)
	pub, priv := testKeyPair(t)
	otherPub, _, err := GenerateKeyPair(nil)
	require.NoError(err)

	data := []byte("2024-05-01" + "42" + "Patient stable.")
	sig, err := Sign(data, priv)
	require.NoError(err)

	require.True(VerifySignature(data, sig, pub))
	require.False(VerifySignature(data, sig, otherPub))
	require.False(VerifySignature(data, sig, nil))

	for i := range data {
		tampered := bytes.Clone(data)
		tampered[i] ^= 0x20
		require.False(VerifySignature(tampered, sig, pub), "byte %d", i)
	}

	badSig := bytes.Clone(sig)
	badSig[0] ^= 0x80
	require.False(VerifySignature(data, badSig, pub))
}

func TestSaltedDigest(t *testing.T) {
	assert := assert.New(t)

	salt := bytes.Repeat([]byte{0x5a}, SaltSize)
	d := SaltedDigest("dr.smith", "hunter2", salt)
	assert.Len(d, 32)
	assert.Equal(d, SaltedDigest("dr.smith", "hunter2", salt))

	otherSalt := bytes.Clone(salt)
	otherSalt[0] ^= 1
	assert.NotEqual(d, SaltedDigest("dr.smith", "hunter2", otherSalt))
	assert.NotEqual(d, SaltedDigest("dr.smith", "hunter3", salt))
	assert.NotEqual(d, SaltedDigest("dr.smyth", "hunter2", salt))

	// The inputs are concatenated without separators.
	assert.Equal(SaltedDigest("ab", "c", salt), SaltedDigest("a", "bc", salt))
}

func TestSalt(t *testing.T) {
	require := require.New(t)
	a, err := NewSalt()
	require.NoError(err)
	b, err := NewSalt()
	require.NoError(err)
	require.Len(a, SaltSize)
	require.NotEqual(a, b)
}

func TestHMACTamper(t *testing.T) {
	require := require.New(t)

	key, err := GenerateSessionKey()
	require.NoError(err)
	ct, err := EncryptSymmetric([]byte(`[{"id":1}]`), key)
	require.NoError(err)

	tag := ComputeHMAC(ct, key)
	require.Len(tag, HMACSize)
	require.True(VerifyHMAC(ct, tag, key))

	for i := 0; i < len(ct)*8; i++ {
		flipped := bytes.Clone(ct)
		flipped[i/8] ^= 1 << (i % 8)
		require.False(VerifyHMAC(flipped, tag, key))
	}

	other, err := GenerateSessionKey()
	require.NoError(err)
	require.False(VerifyHMAC(ct, tag, other))
	require.False(VerifyHMAC(ct, tag[:16], key))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte{1, 2, 3}, []byte{1, 2, 3}))
	assert.False(t, Equal([]byte{1, 2, 3}, []byte{1, 2, 4}))
	assert.False(t, Equal([]byte{1, 2, 3}, []byte{1, 2}))
}

func TestKeyEncoding(t *testing.T) {
	require := require.New(t)
	pub, priv := testKeyPair(t)

	s, err := EncodePublicKey(pub)
	require.NoError(err)
	pub2, err := DecodePublicKey(s + "\n")
	require.NoError(err)
	require.True(pub.Equal(pub2))

	s, err = EncodePrivateKey(priv)
	require.NoError(err)
	priv2, err := DecodePrivateKey(s)
	require.NoError(err)
	require.True(priv.Equal(priv2))

	_, err = DecodePublicKey(s)
	require.Error(err)
	_, err = DecodePrivateKey("not base64!")
	require.Error(err)

	key, err := GenerateSessionKey()
	require.NoError(err)
	key2, err := DecodeSymmetricKey(EncodeSymmetricKey(key))
	require.NoError(err)
	require.Equal(key, key2)

	_, err = DecodeSymmetricKey(EncodeSymmetricKey(key[:8]))
	require.Error(err)
}
