// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"net"

	"github.com/mrps/mrps/core/log"
	"github.com/mrps/mrps/server/clinicdb"
	"github.com/mrps/mrps/server/config"
	"github.com/mrps/mrps/server/keystore"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	KeyMaterial() *keystore.KeyMaterial
	ClinicDB() clinicdb.ClinicDB
}

// Listener is an incoming connection listener.
type Listener interface {
	Halt()
	Addr() net.Addr
}
