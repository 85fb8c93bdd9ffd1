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

package record

import "sort"

// MemoryRecord is the in-memory Record implementation used by the
// sync engine between decode and hand-off, and by tests.
type MemoryRecord struct {
	id    string
	props map[string]string

	start, end Instant
	alarms     []Alarm
	attendees  []Attendee
}

// NewMemoryRecord returns an empty record with the given identity.
func NewMemoryRecord(id string) *MemoryRecord {
	return &MemoryRecord{id: id, props: make(map[string]string)}
}

func (r *MemoryRecord) ID() string { return r.id }

func (r *MemoryRecord) GetProperty(name, def string) string {
	if v, ok := r.props[name]; ok {
		return v
	}
	return def
}

func (r *MemoryRecord) SetProperty(name, value string) {
	r.props[name] = value
}

func (r *MemoryRecord) DeleteProperty(name string) {
	delete(r.props, name)
}

// Properties returns the set property names, sorted for stable
// iteration.
func (r *MemoryRecord) Properties() []string {
	names := make([]string, 0, len(r.props))
	for name := range r.props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *MemoryRecord) Start() Instant     { return r.start }
func (r *MemoryRecord) End() Instant       { return r.end }
func (r *MemoryRecord) SetStart(i Instant) { r.start = i }
func (r *MemoryRecord) SetEnd(i Instant)   { r.end = i }

func (r *MemoryRecord) ClearAlarms()      { r.alarms = nil }
func (r *MemoryRecord) AddAlarm(a Alarm)  { r.alarms = append(r.alarms, a) }
func (r *MemoryRecord) Alarms() []Alarm   { return r.alarms }

func (r *MemoryRecord) RemoveAllAttendees()     { r.attendees = nil }
func (r *MemoryRecord) AddAttendee(a Attendee)  { r.attendees = append(r.attendees, a) }
func (r *MemoryRecord) Attendees() []Attendee   { return r.attendees }
