// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The easync command synchronizes contacts and calendars with an
// ActiveSync server.
package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"easync/internal/changelog"
	"easync/internal/creds"
	"easync/internal/folders"
	"easync/internal/homedir"
	"easync/internal/persist"
	"easync/internal/transport"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagTrace    bool
	flagVerbose  bool
	flagPassword string
)

func defaultConfigPath() string {
	return filepath.Join(homedir.Get(), ".config", "easync", "easync.toml")
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

func newTransport() *transport.Client {
	var opts []transport.Option
	if flagTrace {
		opts = append(opts, transport.WithTrace())
	}
	return transport.NewClient(opts...)
}

// password resolves the account password from the flag or the
// environment, in that order.
func password() string {
	if flagPassword != "" {
		return flagPassword
	}
	return os.Getenv("EASYNC_PASSWORD")
}

// env bundles everything a subcommand needs after setup.
type env struct {
	cfg     *folders.Config
	db      *persist.DB
	folders *folders.Store
	changes *changelog.Store
	creds   creds.Store
	log     zerolog.Logger
}

func (e *env) close(ctx context.Context) {
	if err := e.changes.Close(ctx); err != nil {
		e.log.Error().Err(err).Msg("change log close failed")
	}
	if err := e.db.Close(); err != nil {
		e.log.Error().Err(err).Msg("database close failed")
	}
}

func setup(ctx context.Context) (*env, error) {
	log := newLogger()

	cfg, err := folders.LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	dbPath := cfg.DB
	if dbPath == "" {
		dbPath = filepath.Join(homedir.Get(), ".easync.db")
	}
	db, err := persist.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	fs, err := folders.Open(ctx, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := cfg.Seed(ctx, fs); err != nil {
		db.Close()
		return nil, err
	}
	cs, err := changelog.Open(ctx, db, 2*time.Second, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	cr := creds.NewMemory()
	if pw := password(); pw != "" {
		for _, a := range fs.Accounts() {
			cr.UpdateCredentials(serverHost(a.ServerURL), "", a.Email, a.Email, pw)
		}
	}

	return &env{
		cfg:     cfg,
		db:      db,
		folders: fs,
		changes: cs,
		creds:   cr,
		log:     log,
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "easync",
		Short:         "Sync contacts and calendars with an ActiveSync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c",
		defaultConfigPath(), "configuration file")
	root.PersistentFlags().BoolVarP(&flagTrace, "trace", "T", false,
		"dump every request and response")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"debug logging")
	root.PersistentFlags().StringVarP(&flagPassword, "password", "p", "",
		"account password (or set EASYNC_PASSWORD)")

	root.AddCommand(newDiscoverCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newFoldersCmd())

	if err := root.Execute(); err != nil {
		logger := newLogger()
		logger.Error().Err(err).Msg("failed")
		os.Exit(1)
	}
}
