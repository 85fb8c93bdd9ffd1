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

// Package creds abstracts where account passwords live.
package creds

import "sync"

// Store looks up and updates stored passwords.  Lookups that find
// nothing return ok == false rather than an error; absence is normal
// on first run.
type Store interface {
	// GetPassword returns the password stored for user at
	// host/realm.
	GetPassword(host, realm, user string) (password string, ok bool)

	// UpdateCredentials replaces the entry for oldUser with one
	// for newUser.  Used when a discovery redirect renames the
	// account's user identifier.
	UpdateCredentials(host, realm, oldUser, newUser, newPassword string)
}

type memKey struct {
	host, realm, user string
}

// Memory is an in-process Store.  The system keyring integration sits
// outside this package; Memory backs tests and one-shot command runs
// where the password arrives on the command line.
type Memory struct {
	mu sync.Mutex
	m  map[memKey]string
}

func NewMemory() *Memory {
	return &Memory{m: make(map[memKey]string)}
}

func (s *Memory) GetPassword(host, realm, user string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[memKey{host, realm, user}]
	return p, ok
}

func (s *Memory) UpdateCredentials(host, realm, oldUser, newUser, newPassword string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, memKey{host, realm, oldUser})
	s.m[memKey{host, realm, newUser}] = newPassword
}
