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

package tzdata

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Tables is the timezone lookup structure the sync engine owns: the
// per-zone descriptors plus the offset indexes the reverse match
// needs.  Building it enumerates every known zone once, so it is
// populated lazily on first use and immutable afterwards.  It is not
// package-global state; the engine context passes it into the
// calendar translator by reference.
type Tables struct {
	defaultName string

	once  sync.Once
	year  int
	zones map[string]Descriptor // IANA name -> descriptor
	names []string              // sorted IANA names with a loadable zone

	byPair map[[2]int][]string // (std, dst) offset pair -> names
	byStd  map[int][]string    // std offset -> names
}

// NewTables returns an unpopulated table set using the given IANA
// zone as the process default.  An empty name falls back to UTC.
func NewTables(defaultZone string) *Tables {
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &Tables{defaultName: defaultZone}
}

// DefaultZone returns the process default zone name.
func (t *Tables) DefaultZone() string { return t.defaultName }

// Describe returns the cached wire descriptor for an IANA zone name,
// falling back to the default zone for names that cannot be loaded.
func (t *Tables) Describe(name string) Descriptor {
	t.build()
	if d, ok := t.zones[name]; ok {
		return d
	}
	if d, ok := t.zones[t.defaultName]; ok {
		return d
	}
	return Descriptor{StdName: "UTC", DstName: "UTC"}
}

// Load resolves an IANA name to a location, with the same default
// fallback as Describe.
func (t *Tables) Load(name string) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(t.defaultName); err == nil {
		return loc
	}
	return time.UTC
}

func (t *Tables) build() {
	t.once.Do(func() {
		t.year = time.Now().Year()
		t.zones = make(map[string]Descriptor, len(knownZones))
		t.byPair = make(map[[2]int][]string)
		t.byStd = make(map[int][]string)

		all := knownZones
		if !contains(all, t.defaultName) {
			all = append(append([]string{}, all...), t.defaultName)
		}
		for _, name := range all {
			loc, err := time.LoadLocation(name)
			if err != nil {
				continue
			}
			d := Describe(loc, t.year)
			t.zones[name] = d
			t.names = append(t.names, name)
			pair := [2]int{d.StdOffset(), d.DstOffset()}
			t.byPair[pair] = append(t.byPair[pair], name)
			t.byStd[d.StdOffset()] = append(t.byStd[d.StdOffset()], name)
		}
		sort.Strings(t.names)
		for _, v := range t.byPair {
			sort.Strings(v)
		}
		for _, v := range t.byStd {
			sort.Strings(v)
		}
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GuessZone reverse-matches raw descriptor data to a local timezone
// identity.  The chain is deterministic and ordered:
//
//  1. the vendor display-name table, filtered by standard-offset
//     equality, preferring the process default zone when its vendor
//     name matches;
//  2. a token scan of the standard name against known IANA
//     identifiers and international abbreviations, offset-filtered;
//  3. exact match on the (standard, daylight) offset pair;
//  4. match on the standard offset alone;
//  5. the process default zone.
func (t *Tables) GuessZone(stdOffset, dstOffset int, stdName string) string {
	t.build()

	// Stage 1: vendor name table.
	if iana, ok := vendorNames[stdName]; ok {
		if t.defaultVendorName() == stdName && t.stdOffsetOf(t.defaultName) == stdOffset {
			return t.defaultName
		}
		if t.stdOffsetOf(iana) == stdOffset {
			return iana
		}
	}

	// Stage 2: token scan of the raw display name.
	if name := t.scanTokens(stdName, stdOffset); name != "" {
		return name
	}

	// Stage 3: exact offset pair.
	if names := t.byPair[[2]int{stdOffset, dstOffset}]; len(names) > 0 {
		return names[0]
	}

	// Stage 4: standard offset alone.
	if names := t.byStd[stdOffset]; len(names) > 0 {
		return names[0]
	}

	// Stage 5: give up and use the default.
	return t.defaultName
}

func (t *Tables) defaultVendorName() string {
	for vendor, iana := range vendorNames {
		if iana == t.defaultName {
			return vendor
		}
	}
	return ""
}

func (t *Tables) stdOffsetOf(name string) int {
	if d, ok := t.zones[name]; ok {
		return d.StdOffset()
	}
	return 1 << 20 // never matches a real offset
}

// scanTokens looks for a known IANA identifier or a known
// international abbreviation inside the raw standard-zone display
// name, accepting only offset-consistent hits.
func (t *Tables) scanTokens(stdName string, stdOffset int) string {
	if stdName == "" {
		return ""
	}
	for _, name := range t.names {
		if t.stdOffsetOf(name) != stdOffset {
			continue
		}
		if strings.Contains(stdName, name) {
			return name
		}
	}
	tokens := strings.FieldsFunc(stdName, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z')
	})
	for _, tok := range tokens {
		if iana, ok := abbreviations[strings.ToUpper(tok)]; ok && t.stdOffsetOf(iana) == stdOffset {
			return iana
		}
	}
	return ""
}
