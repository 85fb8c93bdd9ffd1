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
	"easync/internal/sync"
	"easync/internal/tzdata"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var zone string

	cmd := &cobra.Command{
		Use:   "sync [ACCOUNT...]",
		Short: "Synchronize accounts with their servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close(ctx)

			ids := args
			if len(ids) == 0 {
				for _, a := range e.folders.Accounts() {
					ids = append(ids, a.ID)
				}
			}
			if len(ids) == 0 {
				return errors.New("no accounts configured")
			}

			s := sync.New(newTransport(), e.folders, e.changes,
				sync.NewMemoryStorage(), e.creds,
				tzdata.NewTables(zone), e.log)
			for _, id := range ids {
				if err := s.SyncAccount(ctx, id); err != nil {
					return errors.Wrapf(err, "account %q", id)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "",
		"default timezone for events without one (IANA name)")
	return cmd
}
