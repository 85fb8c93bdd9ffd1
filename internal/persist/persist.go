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

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The accounts table holds one row per configured
		// account.
		//
		// Field: asversion
		//
		//   The protocol version negotiated with the server,
		//   e.g. "2.5", "12.1" or "14.0".  Treated as an
		//   opaque string everywhere except the translators,
		//   which branch on the major number.
		//
		// Field: separator_newline, display_override
		//
		//   Per-account translator settings; see the translate
		//   package for their meaning.
		`
CREATE TABLE IF NOT EXISTS accounts (
account_id TEXT NOT NULL PRIMARY KEY,
email TEXT NOT NULL,
server_url TEXT NOT NULL,
asversion TEXT NOT NULL,
separator_newline INTEGER NOT NULL DEFAULT 0,
display_override INTEGER NOT NULL DEFAULT 0
);`,
		// The folders table mirrors the remote folder hierarchy
		// per account, plus each folder's sync state.
		//
		// Field: sync_key
		//
		//   The server-issued synchronization state token.  "0"
		//   means the folder has never completed an initial
		//   sync and the next Sync must start from scratch.
		//
		// Field: target
		//
		//   The identifier of the local store this folder is
		//   mirrored into; empty for folders not selected for
		//   syncing.
		`
CREATE TABLE IF NOT EXISTS folders (
account_id TEXT NOT NULL,
folder_id TEXT NOT NULL,
parent_id TEXT NOT NULL,
display_name TEXT NOT NULL,
folder_type TEXT NOT NULL,
sync_key TEXT NOT NULL DEFAULT '0',
target TEXT NOT NULL DEFAULT '',
PRIMARY KEY (account_id, folder_id)
FOREIGN KEY (account_id) REFERENCES accounts (account_id)
);`,
		// The changelog table persists pending local mutations
		// across restarts.
		//
		// Field: seq
		//
		//   Monotonic insertion counter.  Replay order is part
		//   of the change-log contract, and seq preserves it
		//   over a save/load cycle.
		`
CREATE TABLE IF NOT EXISTS changelog (
parent_id TEXT NOT NULL,
item_id TEXT NOT NULL,
status TEXT NOT NULL,
seq INTEGER NOT NULL,
PRIMARY KEY (parent_id, item_id)
);`,
	}
)

// AccountRow, FolderRow and ChangeRow are the row types exchanged with
// the stores built on top of this package.  They carry no behavior.
type AccountRow struct {
	AccountID        string
	Email            string
	ServerURL        string
	ASVersion        string
	SeparatorNewline bool
	DisplayOverride  bool
}

type FolderRow struct {
	AccountID   string
	FolderID    string
	ParentID    string
	DisplayName string
	Type        string
	SyncKey     string
	Target      string
}

type ChangeRow struct {
	ParentID string
	ItemID   string
	Status   string
}

type DB struct {
	db *sql.DB
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short when a sync and a flush contend for the
	// database; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func (tx *Tx) UpsertAccount(ctx context.Context, a *AccountRow) error {
	sql := `INSERT INTO accounts
		(account_id, email, server_url, asversion,
		 separator_newline, display_override)
		values ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id)
		DO UPDATE SET (email, server_url, asversion,
		 separator_newline, display_override) = ($2, $3, $4, $5, $6)`
	if _, err := tx.tx.ExecContext(ctx, sql,
		a.AccountID, a.Email, a.ServerURL, a.ASVersion,
		a.SeparatorNewline, a.DisplayOverride); err != nil {
		return errors.Wrap(err, "db upsert failed for account")
	}
	return nil
}

func (tx *Tx) DeleteAccount(ctx context.Context, accountID string) error {
	// Folder rows reference the account; remove them in the same
	// transaction so the database never holds orphaned folders.
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM folders WHERE account_id = $1`, accountID); err != nil {
		return errors.Wrap(err, "db delete failed for account folders")
	}
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM accounts WHERE account_id = $1`, accountID); err != nil {
		return errors.Wrap(err, "db delete failed for account")
	}
	return nil
}

func (tx *Tx) ListAccounts(ctx context.Context, handler func(AccountRow) error) error {
	const sql = `
SELECT account_id, email, server_url, asversion,
       separator_newline, display_override
FROM accounts ORDER BY account_id
`
	rows, err := tx.tx.QueryContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListAccounts")
	}
	defer rows.Close()

	for rows.Next() {
		var a AccountRow
		if err := rows.Scan(&a.AccountID, &a.Email, &a.ServerURL,
			&a.ASVersion, &a.SeparatorNewline, &a.DisplayOverride); err != nil {
			return errors.Wrap(err, "db scan failed in ListAccounts")
		}
		if err := handler(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (tx *Tx) UpsertFolder(ctx context.Context, f *FolderRow) error {
	sql := `INSERT INTO folders
		(account_id, folder_id, parent_id, display_name,
		 folder_type, sync_key, target)
		values ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, folder_id)
		DO UPDATE SET (parent_id, display_name, folder_type,
		 sync_key, target) = ($3, $4, $5, $6, $7)`
	if _, err := tx.tx.ExecContext(ctx, sql,
		f.AccountID, f.FolderID, f.ParentID, f.DisplayName,
		f.Type, f.SyncKey, f.Target); err != nil {
		return errors.Wrap(err, "db upsert failed for folder")
	}
	return nil
}

func (tx *Tx) DeleteFolder(ctx context.Context, accountID, folderID string) error {
	sql := `DELETE FROM folders WHERE account_id = $1 AND folder_id = $2`
	if _, err := tx.tx.ExecContext(ctx, sql, accountID, folderID); err != nil {
		return errors.Wrap(err, "db delete failed for folder")
	}
	return nil
}

func (tx *Tx) ListFolders(ctx context.Context, accountID string, handler func(FolderRow) error) error {
	const sql = `
SELECT account_id, folder_id, parent_id, display_name,
       folder_type, sync_key, target
FROM folders WHERE account_id = $1 ORDER BY folder_id
`
	rows, err := tx.tx.QueryContext(ctx, sql, accountID)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListFolders")
	}
	defer rows.Close()

	for rows.Next() {
		var f FolderRow
		if err := rows.Scan(&f.AccountID, &f.FolderID, &f.ParentID,
			&f.DisplayName, &f.Type, &f.SyncKey, &f.Target); err != nil {
			return errors.Wrap(err, "db scan failed in ListFolders")
		}
		if err := handler(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReplaceChanges rewrites the whole changelog table from the given
// slice.  The change log is small in practice so a full rewrite is
// cheaper than diffing, and it keeps seq dense.
func (tx *Tx) ReplaceChanges(ctx context.Context, changes []ChangeRow) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM changelog`); err != nil {
		return errors.Wrap(err, "db delete failed for changelog")
	}

	sql := `INSERT INTO changelog (parent_id, item_id, status, seq)
		values ($1, $2, $3, $4)`
	insert, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for changelog insert")
	}
	defer insert.Close()

	for i, c := range changes {
		if _, err := insert.ExecContext(ctx,
			c.ParentID, c.ItemID, c.Status, i); err != nil {
			return errors.Wrap(err, "db insert failed for changelog")
		}
	}
	return nil
}

func (tx *Tx) LoadChanges(ctx context.Context, handler func(ChangeRow) error) error {
	const sql = `
SELECT parent_id, item_id, status FROM changelog ORDER BY seq
`
	rows, err := tx.tx.QueryContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db query failed in LoadChanges")
	}
	defer rows.Close()

	for rows.Next() {
		var c ChangeRow
		if err := rows.Scan(&c.ParentID, &c.ItemID, &c.Status); err != nil {
			return errors.Wrap(err, "db scan failed in LoadChanges")
		}
		if err := handler(c); err != nil {
			return err
		}
	}
	return rows.Err()
}
