package folders

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"easync/internal/persist"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func openTestStore(ctx context.Context, t *testing.T) (*Store, *persist.DB) {
	t.Helper()
	db, err := persist.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("persist.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := Open(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, db
}

func TestUnknownKeysAreErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(ctx, t)

	if _, err := s.Account("nope"); errors.Cause(err) != ErrUnknownAccount {
		t.Errorf("Account(nope) error = %v, want ErrUnknownAccount", err)
	}
	if _, err := s.Folder("nope", "5"); errors.Cause(err) != ErrUnknownAccount {
		t.Errorf("Folder(nope, 5) error = %v, want ErrUnknownAccount", err)
	}
	if err := s.AddAccount(ctx, &Account{ID: "a", Email: "a@example.com"}); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}
	if _, err := s.Folder("a", "5"); errors.Cause(err) != ErrUnknownFolder {
		t.Errorf("Folder(a, 5) error = %v, want ErrUnknownFolder", err)
	}
	if err := s.SetSyncKey(ctx, "a", "5", "1"); errors.Cause(err) != ErrUnknownFolder {
		t.Errorf("SetSyncKey(a, 5) error = %v, want ErrUnknownFolder", err)
	}
}

func TestRemoveAccountDropsFolders(t *testing.T) {
	ctx := context.Background()
	s, db := openTestStore(ctx, t)

	if err := s.AddAccount(ctx, &Account{ID: "a", Email: "a@example.com"}); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}
	if err := s.SetFolder(ctx, "a", &Folder{ID: "5", ParentID: "0",
		DisplayName: "Calendar", Type: "8", SyncKey: "0"}); err != nil {
		t.Fatalf("SetFolder failed: %v", err)
	}
	if err := s.RemoveAccount(ctx, "a"); err != nil {
		t.Fatalf("RemoveAccount failed: %v", err)
	}
	if _, err := s.Account("a"); errors.Cause(err) != ErrUnknownAccount {
		t.Errorf("Account(a) after removal error = %v, want ErrUnknownAccount", err)
	}

	// No dangling folder rows may survive in the database either.
	s2, err := Open(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := s2.Accounts(); len(got) != 0 {
		t.Errorf("Accounts() after reopen = %v, want empty", got)
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, db := openTestStore(ctx, t)

	acct := Account{ID: "a", Email: "a@example.com",
		ServerURL: "https://m.example.com", SeparatorNewline: true}
	if err := s.AddAccount(ctx, &acct); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}
	if err := s.SetVersion(ctx, "a", "14.0"); err != nil {
		t.Fatalf("SetVersion failed: %v", err)
	}
	fold := Folder{ID: "5", ParentID: "0", DisplayName: "Calendar",
		Type: "8", SyncKey: "0", Target: "cal"}
	if err := s.SetFolder(ctx, "a", &fold); err != nil {
		t.Fatalf("SetFolder failed: %v", err)
	}
	if err := s.SetSyncKey(ctx, "a", "5", "1234"); err != nil {
		t.Fatalf("SetSyncKey failed: %v", err)
	}

	s2, err := Open(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	a, err := s2.Account("a")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	acct.ASVersion = "14.0"
	if diff := cmp.Diff(acct, a); diff != "" {
		t.Errorf("account mismatch (-want +got):\n%s", diff)
	}
	f, err := s2.Folder("a", "5")
	if err != nil {
		t.Fatalf("Folder failed: %v", err)
	}
	fold.SyncKey = "1234"
	if diff := cmp.Diff(fold, f); diff != "" {
		t.Errorf("folder mismatch (-want +got):\n%s", diff)
	}
}

func TestAccountSettings(t *testing.T) {
	a := Account{ID: "a", Email: "a@example.com", ASVersion: "2.5",
		SeparatorNewline: true, DisplayOverride: true}
	got := a.Settings()
	if got.Version != "2.5" || !got.SeparatorNewline ||
		!got.DisplayOverride || got.UserEmail != "a@example.com" {
		t.Errorf("Settings() = %+v", got)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "easync.toml")
	doc := `
db = "/tmp/state.db"

[[account]]
id = "work"
email = "user@example.com"
server = "https://mail.example.com"
separator_newline = true
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := &Config{
		DB: "/tmp/state.db",
		Accounts: []AccountConfig{{
			ID:               "work",
			Email:            "user@example.com",
			Server:           "https://mail.example.com",
			SeparatorNewline: true,
		}},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	for name, bad := range map[string]string{
		"unknown key": "db = \"x\"\nbogus = 1\n",
		"missing id":  "[[account]]\nemail = \"a@example.com\"\n",
		"duplicate":   "[[account]]\nid = \"a\"\nemail = \"a@example.com\"\n[[account]]\nid = \"a\"\nemail = \"b@example.com\"\n",
		"no email":    "[[account]]\nid = \"a\"\n",
	} {
		if err := os.WriteFile(path, []byte(bad), 0600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("LoadConfig accepted %s config", name)
		}
	}
}

func TestSeedPreservesNegotiatedState(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(ctx, t)

	if err := s.AddAccount(ctx, &Account{ID: "work", Email: "old@example.com",
		ServerURL: "https://found.example.com", ASVersion: "14.0"}); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	cfg := &Config{Accounts: []AccountConfig{
		{ID: "work", Email: "user@example.com"},
		{ID: "home", Email: "home@example.com", Server: "https://m.example.org"},
	}}
	if err := cfg.Seed(ctx, s); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	work, err := s.Account("work")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if work.ASVersion != "14.0" || work.ServerURL != "https://found.example.com" {
		t.Errorf("seed clobbered negotiated state: %+v", work)
	}
	if work.Email != "user@example.com" {
		t.Errorf("seed did not apply configured email: %+v", work)
	}
	home, err := s.Account("home")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if home.ServerURL != "https://m.example.org" {
		t.Errorf("seeded account = %+v", home)
	}
}
