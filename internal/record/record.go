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

// Package record defines the narrow contract the field translators
// read and write local items through.  The real calendar and
// addressbook stores live in the host application; the core never
// assumes anything about them beyond this property-bag surface.
package record

import "time"

// Record is the property-bag surface shared by contact and event
// records.  Property values are strings; absence and emptiness are
// distinct (GetProperty returns def for an absent property, which may
// itself be "").
type Record interface {
	ID() string
	GetProperty(name, def string) string
	SetProperty(name, value string)
	DeleteProperty(name string)
	Properties() []string
}

// An Instant is a point on the calendar as the local store models it:
// a wall-clock time, the timezone it is anchored in ("" means
// floating) and whether it is a date-only value (all-day events).
type Instant struct {
	Time     time.Time
	Zone     string
	DateOnly bool
}

// Floating reports whether the instant has no timezone anchor.
func (i Instant) Floating() bool { return i.Zone == "" }

// Alarm is a single reminder relative to the event start.  Absolute
// alarms are converted to this form on the way in; the conversion is
// documented lossy.
type Alarm struct {
	// MinutesBefore is how long before the start the alarm fires.
	MinutesBefore int
}

// Attendee participation constants mirror the local store's iCalendar
// vocabulary.
const (
	RoleRequired = "REQ-PARTICIPANT"
	RoleOptional = "OPT-PARTICIPANT"
	RoleNone     = "NON-PARTICIPANT"

	UserTypeIndividual = "INDIVIDUAL"
	UserTypeResource   = "RESOURCE"

	PartStatNeedsAction = "NEEDS-ACTION"
	PartStatAccepted    = "ACCEPTED"
	PartStatDeclined    = "DECLINED"
	PartStatTentative   = "TENTATIVE"
)

// Attendee is one participant on an event record.
type Attendee struct {
	Email       string
	CommonName  string
	Role        string
	UserType    string
	PartStat    string
	IsOrganizer bool
}

// EventRecord extends the property bag with the typed event surface
// the calendar translator needs: instants, alarms and attendees.
type EventRecord interface {
	Record

	Start() Instant
	End() Instant
	SetStart(Instant)
	SetEnd(Instant)

	ClearAlarms()
	AddAlarm(Alarm)
	Alarms() []Alarm

	RemoveAllAttendees()
	AddAttendee(Attendee)
	Attendees() []Attendee
}
