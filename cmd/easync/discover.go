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

package main

import (
	"fmt"
	"net/url"
	"time"

	"easync/internal/autodiscover"

	"github.com/spf13/cobra"
)

func serverHost(serverURL string) string {
	if u, err := url.Parse(serverURL); err == nil && u.Host != "" {
		return u.Host
	}
	return serverURL
}

func newDiscoverCmd() *cobra.Command {
	var save string

	cmd := &cobra.Command{
		Use:   "discover EMAIL",
		Short: "Locate the sync server for an email address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger()
			email := args[0]

			r := autodiscover.New(newTransport(), log, 20*time.Second)
			res, err := r.Resolve(ctx, email, password())
			if err != nil {
				return err
			}
			fmt.Printf("server: %s\n", res.Server)
			if res.User != email {
				fmt.Printf("user:   %s\n", res.User)
			}

			if save == "" {
				return nil
			}
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close(ctx)
			a, err := e.folders.Account(save)
			if err != nil {
				return err
			}
			a.ServerURL = res.Server
			a.Email = res.User
			return e.folders.AddAccount(ctx, &a)
		},
	}
	cmd.Flags().StringVar(&save, "save", "",
		"store the discovered server on the given account id")
	return cmd
}
