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

// Package folders holds the configured accounts and the remote folder
// hierarchy mirrored from each of them.
package folders

import (
	"context"
	"sort"
	"sync"

	"easync/internal/persist"
	"easync/internal/translate"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrUnknownAccount and ErrUnknownFolder indicate a lookup for a key
// that was never added.  Callers address accounts and folders by keys
// they obtained from this store, so hitting either is a programming
// error, not an environmental one.
var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownFolder  = errors.New("unknown folder")
)

// Account is one configured server account.
type Account struct {
	ID        string
	Email     string
	ServerURL string

	// ASVersion is the negotiated protocol version.  Empty until
	// the first successful OPTIONS/Sync against the server.
	ASVersion string

	SeparatorNewline bool
	DisplayOverride  bool
}

// Settings derives the translator settings for this account.
func (a *Account) Settings() translate.Settings {
	return translate.Settings{
		Version:          a.ASVersion,
		SeparatorNewline: a.SeparatorNewline,
		DisplayOverride:  a.DisplayOverride,
		UserEmail:        a.Email,
	}
}

// Folder is one folder in an account's remote hierarchy.
type Folder struct {
	ID          string
	ParentID    string
	DisplayName string

	// Type is the server's folder class code, e.g. "8" for the
	// default calendar and "9" for the default contacts folder.
	Type string

	// SyncKey is the server-issued sync state token; "0" before
	// the first sync.
	SyncKey string

	// Target names the local store this folder syncs into; empty
	// when the folder is not selected for syncing.
	Target string
}

// ChangeParent returns the change-log parent key for a folder.
func ChangeParent(accountID, folderID string) string {
	return accountID + "/" + folderID
}

// Store keeps accounts and folders in memory and writes every mutation
// through to the database before returning.
type Store struct {
	db  *persist.DB
	log zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*Account
	folders  map[string]map[string]*Folder
}

// Open loads all accounts and their folders from db.
func Open(ctx context.Context, db *persist.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:       db,
		log:      log.With().Str("component", "folders").Logger(),
		accounts: make(map[string]*Account),
		folders:  make(map[string]map[string]*Folder),
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	err = tx.ListAccounts(ctx, func(a persist.AccountRow) error {
		s.accounts[a.AccountID] = &Account{
			ID:               a.AccountID,
			Email:            a.Email,
			ServerURL:        a.ServerURL,
			ASVersion:        a.ASVersion,
			SeparatorNewline: a.SeparatorNewline,
			DisplayOverride:  a.DisplayOverride,
		}
		s.folders[a.AccountID] = make(map[string]*Folder)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for id := range s.accounts {
		err = tx.ListFolders(ctx, id, func(f persist.FolderRow) error {
			s.folders[id][f.FolderID] = &Folder{
				ID:          f.FolderID,
				ParentID:    f.ParentID,
				DisplayName: f.DisplayName,
				Type:        f.Type,
				SyncKey:     f.SyncKey,
				Target:      f.Target,
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	s.log.Debug().Int("accounts", len(s.accounts)).Msg("folder store loaded")
	return s, nil
}

// AddAccount inserts or updates an account.  A new account starts with
// an empty folder hierarchy; updating an existing one leaves its
// folders alone.
func (s *Store) AddAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveAccountLocked(ctx, a); err != nil {
		return err
	}
	cp := *a
	s.accounts[a.ID] = &cp
	if s.folders[a.ID] == nil {
		s.folders[a.ID] = make(map[string]*Folder)
	}
	return nil
}

// Account returns a copy of the account with the given ID.
func (s *Store) Account(id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, errors.Wrapf(ErrUnknownAccount, "Account(%q)", id)
	}
	return *a, nil
}

// Accounts returns copies of all accounts, ordered by ID.
func (s *Store) Accounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveAccount drops the account and its whole folder hierarchy.
func (s *Store) RemoveAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return errors.Wrapf(ErrUnknownAccount, "RemoveAccount(%q)", id)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.DeleteAccount(ctx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	delete(s.accounts, id)
	delete(s.folders, id)
	return nil
}

// SetVersion records the protocol version negotiated for an account.
func (s *Store) SetVersion(ctx context.Context, id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return errors.Wrapf(ErrUnknownAccount, "SetVersion(%q)", id)
	}
	cp := *a
	cp.ASVersion = version
	if err := s.saveAccountLocked(ctx, &cp); err != nil {
		return err
	}
	a.ASVersion = version
	return nil
}

// SetFolder inserts or updates a folder under the given account.
func (s *Store) SetFolder(ctx context.Context, accountID string, f *Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return errors.Wrapf(ErrUnknownAccount, "SetFolder(%q, %q)", accountID, f.ID)
	}
	if err := s.saveFolderLocked(ctx, accountID, f); err != nil {
		return err
	}
	cp := *f
	s.folders[accountID][f.ID] = &cp
	return nil
}

// Folder returns a copy of the folder with the given IDs.
func (s *Store) Folder(accountID, folderID string) (Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return Folder{}, errors.Wrapf(ErrUnknownAccount, "Folder(%q, %q)", accountID, folderID)
	}
	f, ok := s.folders[accountID][folderID]
	if !ok {
		return Folder{}, errors.Wrapf(ErrUnknownFolder, "Folder(%q, %q)", accountID, folderID)
	}
	return *f, nil
}

// Folders returns copies of all folders under the account, ordered by
// folder ID.
func (s *Store) Folders(accountID string) ([]Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, errors.Wrapf(ErrUnknownAccount, "Folders(%q)", accountID)
	}
	out := make([]Folder, 0, len(s.folders[accountID]))
	for _, f := range s.folders[accountID] {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveFolder drops one folder.
func (s *Store) RemoveFolder(ctx context.Context, accountID, folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return errors.Wrapf(ErrUnknownAccount, "RemoveFolder(%q, %q)", accountID, folderID)
	}
	if _, ok := s.folders[accountID][folderID]; !ok {
		return errors.Wrapf(ErrUnknownFolder, "RemoveFolder(%q, %q)", accountID, folderID)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.DeleteFolder(ctx, accountID, folderID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	delete(s.folders[accountID], folderID)
	return nil
}

// SetSyncKey updates a folder's sync state token.
func (s *Store) SetSyncKey(ctx context.Context, accountID, folderID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return errors.Wrapf(ErrUnknownAccount, "SetSyncKey(%q, %q)", accountID, folderID)
	}
	f, ok := s.folders[accountID][folderID]
	if !ok {
		return errors.Wrapf(ErrUnknownFolder, "SetSyncKey(%q, %q)", accountID, folderID)
	}
	cp := *f
	cp.SyncKey = key
	if err := s.saveFolderLocked(ctx, accountID, &cp); err != nil {
		return err
	}
	f.SyncKey = key
	return nil
}

func (s *Store) saveAccountLocked(ctx context.Context, a *Account) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = tx.UpsertAccount(ctx, &persist.AccountRow{
		AccountID:        a.ID,
		Email:            a.Email,
		ServerURL:        a.ServerURL,
		ASVersion:        a.ASVersion,
		SeparatorNewline: a.SeparatorNewline,
		DisplayOverride:  a.DisplayOverride,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) saveFolderLocked(ctx context.Context, accountID string, f *Folder) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = tx.UpsertFolder(ctx, &persist.FolderRow{
		AccountID:   accountID,
		FolderID:    f.ID,
		ParentID:    f.ParentID,
		DisplayName: f.DisplayName,
		Type:        f.Type,
		SyncKey:     f.SyncKey,
		Target:      f.Target,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}
