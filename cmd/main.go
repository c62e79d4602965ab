// Copyright 2020 The Nivlheim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nivlheimcmd implements the nivlheim command line.
package nivlheimcmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unioslo/nivlheim"
	"github.com/unioslo/nivlheim/internal/enroll"
	"github.com/unioslo/nivlheim/internal/ingest"
	"github.com/unioslo/nivlheim/internal/pki"
	"github.com/unioslo/nivlheim/internal/session"
	"github.com/unioslo/nivlheim/internal/store"
	"github.com/unioslo/nivlheim/server"
)

// DefaultConfigPath is where the server looks for its configuration
// unless --config says otherwise.
const DefaultConfigPath = "/etc/nivlheim/server.json"

// Main implements the main function of the nivlheim command.
func Main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use: "nivlheim",
		Long: `Nivlheim collects system inventory from a fleet of machines.

Each machine runs an agent that periodically uploads an archive of
configuration files and command output over mutual TLS. The server
enrolls new machines by issuing them client certificates, keeps the
certificate chain across renewals so a machine's history survives,
and stores every changed file version in PostgreSQL.

To run the server in the foreground:

	$ nivlheim run --config /etc/nivlheim/server.json
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", DefaultConfigPath,
		"path to the configuration file")

	root.AddCommand(runCommand(&configPath))
	root.AddCommand(versionCommand())
	root.AddCommand(revokeCommand(&configPath))
	return root
}

func runCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the server in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer st.Close()

			issuer, err := pki.New(cfg.CADir(), cfg.DBDir(), log)
			if err != nil {
				return err
			}

			handlers := server.Handlers{
				Enroller: enroll.New(st, issuer, net.DefaultResolver, log),
				Guard:    session.New(st, log),
				Ingestor: ingest.NewFromStore(st, cfg.QueueDir(), log),
			}
			log.Info("starting", zap.String("version", nivlheim.VersionString()))
			return server.New(cfg, handlers, log).Run(ctx)
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), nivlheim.VersionString())
		},
	}
}

func revokeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <fingerprint>",
		Short: "Revoke a client certificate by its SHA-1 fingerprint",
		Long: `Revoke marks a client certificate as revoked. The machine holding it
can no longer upload, ping or renew; it has to re-enroll through
reqcert to get back in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetRevoked(ctx, args[0]); err != nil {
				return fmt.Errorf("revoking %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
			return nil
		},
	}
}

// setup loads the configuration and builds the logger from it. A
// missing file at the default path is not an error; the defaults
// assume a front server and a local database.
func setup(configPath string) (*nivlheim.Config, *zap.Logger, error) {
	cfg, err := nivlheim.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && configPath == DefaultConfigPath {
			cfg, err = nivlheim.LoadConfig("")
		}
		if err != nil {
			return nil, nil, err
		}
	}
	log, err := cfg.BuildLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
