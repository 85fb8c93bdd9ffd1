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
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newFoldersCmd() *cobra.Command {
	var selects []string

	cmd := &cobra.Command{
		Use:   "folders ACCOUNT",
		Short: "List an account's folders and select them for syncing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close(ctx)
			accountID := args[0]

			for _, sel := range selects {
				folderID, target, ok := strings.Cut(sel, "=")
				if !ok {
					return errors.Errorf("bad --select %q, want FOLDER=TARGET", sel)
				}
				f, err := e.folders.Folder(accountID, folderID)
				if err != nil {
					return err
				}
				f.Target = target
				if err := e.folders.SetFolder(ctx, accountID, &f); err != nil {
					return err
				}
			}

			all, err := e.folders.Folders(accountID)
			if err != nil {
				return err
			}
			for _, f := range all {
				mark := " "
				if f.Target != "" {
					mark = "*"
				}
				fmt.Printf("%s %-8s %-6s %-24s -> %s\n",
					mark, f.ID, f.Type, f.DisplayName, f.Target)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&selects, "select", nil,
		"select FOLDER=TARGET for syncing (repeatable; empty target deselects)")
	return cmd
}
