// SPDX-FileCopyrightText: Copyright (C) 2022  David Stainton.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrps/mrps/common"
	"github.com/mrps/mrps/core/crypto"
	"github.com/mrps/mrps/core/utils"
	"github.com/mrps/mrps/server/keystore"
)

const keyPreviewLength = 24

// Config holds the command line configuration
type Config struct {
	Dir   string
	Force bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the report server and client RSA key pairs",
		Long: `Generate the two RSA-2048 key pairs used by the report protocol.

Clients seal their session keys to the server public key. The client
private key signs reports and the server verifies them with the client
public key. Keys are written as single line base64
files: PKCS#8 for private keys, SubjectPublicKeyInfo for public keys.`,
		Example: `  # Write the keys into the server data directory
  keygen --dir /var/lib/mrps

  # Replace existing keys
  keygen --dir /var/lib/mrps --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.Dir, "dir", "d", ".", "directory to write the key files to")
	cmd.Flags().BoolVar(&cfg.Force, "force", false, "overwrite existing key files")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func run(w io.Writer, cfg Config) error {
	utils.Umask(0077)

	if err := crypto.Init(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return err
	}

	files, err := keystore.Generate(nil, cfg.Dir, cfg.Force)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !strings.HasSuffix(f, "_public.key") {
			fmt.Fprintf(w, "Wrote %s\n", f)
			continue
		}
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Wrote %s (%s)\n", f, common.TruncateKeyForLogging(strings.TrimSpace(string(b)), keyPreviewLength))
	}
	return nil
}
