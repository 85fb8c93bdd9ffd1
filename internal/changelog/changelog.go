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

// Package changelog tracks local mutations that have not yet been
// uploaded to the server.
//
// Entries are keyed by (parent, item): recording a change for a key
// that already has an entry replaces it, moving the entry to the end
// of the log.  The log therefore holds at most one entry per item,
// carrying the latest status, in the order the latest changes were
// made.
package changelog

import (
	"context"
	"strings"
	"sync"
	"time"

	"easync/internal/persist"

	"github.com/rs/zerolog"
)

// Entry is one pending local change.  ParentID names the folder the
// item lives in, ItemID the item itself, and Status the kind of change
// ("new", "modified", "deleted"), possibly suffixed with
// folder-specific detail.
type Entry struct {
	ParentID string
	ItemID   string
	Status   string
}

// Store is an in-memory change log backed by SQLite.  Mutations are
// applied to memory immediately and written back on a short delay, so
// that a burst of edits coalesces into one database write.  Close
// flushes synchronously.
type Store struct {
	db    *persist.DB
	delay time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	entries []Entry
	timer   *time.Timer
	dirty   bool
	gen     uint64
	closed  bool
}

// Open loads the persisted change log from db.  delay is how long a
// mutation may sit in memory before it is written back.
func Open(ctx context.Context, db *persist.DB, delay time.Duration, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:    db,
		delay: delay,
		log:   log.With().Str("component", "changelog").Logger(),
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	err = tx.LoadChanges(ctx, func(c persist.ChangeRow) error {
		s.entries = append(s.entries, Entry{
			ParentID: c.ParentID,
			ItemID:   c.ItemID,
			Status:   c.Status,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Int("entries", len(s.entries)).Msg("change log loaded")
	return s, nil
}

// RecordChange notes that the item identified by (parent, item) has
// status. Any earlier entry for the same key is dropped, so the new
// entry lands at the end of the log.
func (s *Store) RecordChange(parent, item, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(parent, item)
	s.entries = append(s.entries, Entry{
		ParentID: parent,
		ItemID:   item,
		Status:   status,
	})
	s.scheduleFlushLocked()
}

// ClearChange removes the entry for (parent, item), if any.  With
// moveToEnd set the entry is instead re-appended at the end of the log
// with its status intact, for retrying a failed upload after the rest
// of the log has drained.
func (s *Store) ClearChange(parent, item string, moveToEnd bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.removeLocked(parent, item)
	if !ok {
		return
	}
	if moveToEnd {
		s.entries = append(s.entries, e)
	}
	s.scheduleFlushLocked()
}

// ClearAllForParent drops every entry under parent.  Used when a
// folder is reset and its pending changes are no longer meaningful.
func (s *Store) ClearAllForParent(parent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.ParentID != parent {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(s.entries) {
		return
	}
	s.entries = kept
	s.scheduleFlushLocked()
}

// ListChanges returns up to limit entries under parent, oldest first.
// A limit of 0 means no limit.  A non-empty statusFilter keeps only
// entries whose status contains it as a substring, so "deleted"
// matches a status like "deleted_softly" as well.
func (s *Store) ListChanges(parent string, limit int, statusFilter string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.ParentID != parent {
			continue
		}
		if statusFilter != "" && !strings.Contains(e.Status, statusFilter) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Close flushes any pending writes and detaches the store from the
// database.  The caller remains responsible for closing the database
// itself.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty := s.dirty
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	return s.flush(ctx)
}

func (s *Store) removeLocked(parent, item string) (Entry, bool) {
	for i, e := range s.entries {
		if e.ParentID == parent && e.ItemID == item {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

func (s *Store) scheduleFlushLocked() {
	s.dirty = true
	s.gen++
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.flush(ctx); err != nil {
			s.log.Error().Err(err).Msg("deferred change log flush failed")
		}
	})
}

func (s *Store) flush(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	rows := make([]persist.ChangeRow, len(s.entries))
	for i, e := range s.entries {
		rows[i] = persist.ChangeRow{
			ParentID: e.ParentID,
			ItemID:   e.ItemID,
			Status:   e.Status,
		}
	}
	s.mu.Unlock()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.ReplaceChanges(ctx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// The store stays dirty until a write actually lands, so a failed
	// deferred flush is retried by Close.  A mutation racing the
	// transaction bumps gen and keeps the store dirty.
	s.mu.Lock()
	if s.gen == gen {
		s.dirty = false
	}
	s.mu.Unlock()

	s.log.Debug().Int("entries", len(rows)).Msg("change log flushed")
	return nil
}
