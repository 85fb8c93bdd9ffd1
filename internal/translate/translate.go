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

// Package translate maps protocol item trees to local records and
// back.  Translation is pure: no I/O, no retained state between
// items beyond the read-only timezone tables the engine passes in.
package translate

import (
	"net/mail"
	"strconv"
	"strings"

	"easync/internal/tzdata"

	"github.com/rs/zerolog"
)

// listSep joins multi-valued protocol fields (categories, children)
// into one local string.  A control character never collides with
// user content the way a visible delimiter would.
const listSep = "\x1a"

// unusedPrefix marks local properties that carry protocol fields with
// no mapping.  They round-trip verbatim and the UI never shows them.
const unusedPrefix = "Unused:"

// Settings are the account-scoped knobs the translators consume.
// They come from the account configuration store.
type Settings struct {
	// Version is the negotiated protocol version, e.g. "2.5" or
	// "14.0".  The body encoding branches on it.
	Version string

	// SeparatorNewline selects the separator multi-line address
	// fields are split and rejoined on: newline when set, comma
	// otherwise.
	SeparatorNewline bool

	// DisplayOverride recomputes the contact display name from
	// first/last name on decode.
	DisplayOverride bool

	// UserEmail is the account's own address, used to attribute
	// the overall response type and to reconstruct the meeting
	// "received" bit.
	UserEmail string
}

// separator returns the active address-line separator.
func (s Settings) separator() string {
	if s.SeparatorNewline {
		return "\n"
	}
	return ", "
}

// versionAtLeast reports whether the negotiated protocol major
// version is at least major.
func (s Settings) versionAtLeast(major int) bool {
	head := s.Version
	if i := strings.IndexByte(head, '.'); i >= 0 {
		head = head[:i]
	}
	v, err := strconv.Atoi(head)
	if err != nil {
		return false
	}
	return v >= major
}

// A Translator converts items for one account.  The timezone tables
// are shared, read-only and lazily built; everything else is
// per-call.
type Translator struct {
	cfg Settings
	tz  *tzdata.Tables
	log zerolog.Logger
}

// New returns a translator for an account.
func New(cfg Settings, tz *tzdata.Tables, log zerolog.Logger) *Translator {
	return &Translator{cfg: cfg, tz: tz, log: log}
}

// splitAddress extracts the bare address from a possibly decorated
// display string such as "Jane Doe <jane@example.com>".
func splitAddress(s string) (name, addr string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Name, a.Address
	}
	// Decorated but unparsable; salvage the angle-bracket part.
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			return strings.TrimSpace(s[:i]), s[i+1 : i+j]
		}
	}
	return "", s
}

func joinList(values []string) string {
	return strings.Join(values, listSep)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, listSep)
}
