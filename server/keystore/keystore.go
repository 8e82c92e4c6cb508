// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package keystore loads and generates the long lived RSA key files.
//
// Keys are stored one per file as base64 text: PKCS#8 for private keys,
// SubjectPublicKeyInfo for public keys.
package keystore

import (
	"crypto/rsa"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mrps/mrps/core/crypto"
	"github.com/mrps/mrps/core/utils"
)

const (
	// ServerPrivateKeyFile is the default name of the server private key.
	ServerPrivateKeyFile = "server_private.key"

	// ServerPublicKeyFile is the default name of the server public key.
	ServerPublicKeyFile = "server_public.key"

	// ClientPrivateKeyFile is the default name of the client signing key.
	ClientPrivateKeyFile = "client_private.key"

	// ClientPublicKeyFile is the default name of the client verification key.
	ClientPublicKeyFile = "client_public.key"
)

// KeyMaterial is the key material the server needs at runtime.
type KeyMaterial struct {
	// ServerPrivateKey unwraps session keys sent by clients.
	ServerPrivateKey *rsa.PrivateKey

	// ClientPublicKey verifies report signatures.
	ClientPublicKey *rsa.PublicKey
}

// Load reads the server private key and the client public key. Both files
// must exist.
func Load(serverPrivateKeyFile, clientPublicKeyFile string) (*KeyMaterial, error) {
	priv, err := LoadPrivateKey(serverPrivateKeyFile)
	if err != nil {
		return nil, err
	}
	pub, err := LoadPublicKey(clientPublicKeyFile)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{
		ServerPrivateKey: priv,
		ClientPublicKey:  pub,
	}, nil
}

// LoadPrivateKey reads a private key file.
func LoadPrivateKey(f string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: failed to read private key")
	}
	priv, err := crypto.DecodePrivateKey(string(b))
	if err != nil {
		return nil, errors.Wrapf(err, "keystore: %s", f)
	}
	return priv, nil
}

// LoadPublicKey reads a public key file.
func LoadPublicKey(f string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: failed to read public key")
	}
	pub, err := crypto.DecodePublicKey(string(b))
	if err != nil {
		return nil, errors.Wrapf(err, "keystore: %s", f)
	}
	return pub, nil
}

// Generate creates the server and client key pairs under dir and returns
// the paths written. Existing key files are only replaced when force is set.
func Generate(r io.Reader, dir string, force bool) ([]string, error) {
	files := []string{
		filepath.Join(dir, ServerPrivateKeyFile),
		filepath.Join(dir, ServerPublicKeyFile),
		filepath.Join(dir, ClientPrivateKeyFile),
		filepath.Join(dir, ClientPublicKeyFile),
	}
	if !force {
		if err := utils.NoneExist(files...); err != nil {
			return nil, errors.Wrap(err, "keystore: refusing to overwrite")
		}
	}

	for i := 0; i < len(files); i += 2 {
		pub, priv, err := crypto.GenerateKeyPair(r)
		if err != nil {
			return nil, err
		}
		if err = writePrivateKey(files[i], priv); err != nil {
			return nil, err
		}
		if err = writePublicKey(files[i+1], pub); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func writePrivateKey(f string, priv *rsa.PrivateKey) error {
	s, err := crypto.EncodePrivateKey(priv)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(f, []byte(s+"\n"), 0600), "keystore: failed to write private key")
}

func writePublicKey(f string, pub *rsa.PublicKey) error {
	s, err := crypto.EncodePublicKey(pub)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(f, []byte(s+"\n"), 0644), "keystore: failed to write public key")
}
