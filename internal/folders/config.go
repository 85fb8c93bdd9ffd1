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

package folders

import (
	"context"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the on-disk account configuration:
//
//	db = "/home/user/.local/share/easync/state.db"
//
//	[[account]]
//	id = "work"
//	email = "user@example.com"
//	server = "https://mail.example.com"
//	separator_newline = true
type Config struct {
	// DB is the path of the SQLite state database.
	DB string `toml:"db"`

	Accounts []AccountConfig `toml:"account"`
}

type AccountConfig struct {
	ID               string `toml:"id"`
	Email            string `toml:"email"`
	Server           string `toml:"server"`
	SeparatorNewline bool   `toml:"separator_newline"`
	DisplayOverride  bool   `toml:"display_override"`
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config %q: unknown key %q", path, undecoded[0].String())
	}
	seen := make(map[string]bool)
	for _, a := range cfg.Accounts {
		switch {
		case a.ID == "":
			return nil, errors.Errorf("config %q: account without an id", path)
		case seen[a.ID]:
			return nil, errors.Errorf("config %q: duplicate account id %q", path, a.ID)
		case a.Email == "":
			return nil, errors.Errorf("config %q: account %q has no email", path, a.ID)
		}
		seen[a.ID] = true
	}
	return &cfg, nil
}

// Seed applies the configured accounts to the store.  Accounts already
// present keep their negotiated protocol version and server URL
// discovery; new ones are inserted with the configured server, which
// may be empty until autodiscovery fills it in.
func (c *Config) Seed(ctx context.Context, s *Store) error {
	for _, ac := range c.Accounts {
		a := Account{
			ID:               ac.ID,
			Email:            ac.Email,
			ServerURL:        ac.Server,
			SeparatorNewline: ac.SeparatorNewline,
			DisplayOverride:  ac.DisplayOverride,
		}
		if prev, err := s.Account(ac.ID); err == nil {
			a.ASVersion = prev.ASVersion
			if ac.Server == "" {
				a.ServerURL = prev.ServerURL
			}
		}
		if err := s.AddAccount(ctx, &a); err != nil {
			return err
		}
	}
	return nil
}
