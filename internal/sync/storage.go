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

package sync

// This file provides the storage interface the session reads local
// items from and writes server items into.

import (
	"sort"
	"sync"

	"easync/internal/record"
)

// RecordStorage is the local item store behind one or more sync
// targets.  Items are addressed by (target, id); the id equals the
// server's id for every item the server knows, and a provisional
// client-chosen id for items created locally and not yet uploaded.
// Rename rebinds a provisional id to the server-assigned one.
//
// Records returned for calendar targets must also implement
// record.EventRecord.
type RecordStorage interface {
	Get(target, id string) (record.Record, bool)
	Create(target, id string) record.Record
	Rename(target, oldID, newID string)
	Remove(target, id string)
}

// MemoryStorage is an in-process RecordStorage over MemoryRecord.
type MemoryStorage struct {
	mu sync.Mutex
	m  map[string]map[string]*record.MemoryRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: make(map[string]map[string]*record.MemoryRecord)}
}

func (s *MemoryStorage) Get(target, id string) (record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[target][id]
	if !ok {
		return nil, false
	}
	return r, true
}

func (s *MemoryStorage) Create(target, id string) record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[target] == nil {
		s.m[target] = make(map[string]*record.MemoryRecord)
	}
	r := record.NewMemoryRecord(id)
	s.m[target][id] = r
	return r
}

func (s *MemoryStorage) Rename(target, oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[target][oldID]
	if !ok {
		return
	}
	delete(s.m[target], oldID)
	s.m[target][newID] = r
}

func (s *MemoryStorage) Remove(target, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m[target], id)
}

// IDs returns the ids present under target, sorted.
func (s *MemoryStorage) IDs(target string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.m[target]))
	for id := range s.m[target] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
