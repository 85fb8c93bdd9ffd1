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

package translate

import (
	"strconv"
	"strings"
	"time"

	"easync/internal/record"
	"easync/internal/tzdata"
	"easync/internal/wbxml"
	"easync/internal/wire"

	"github.com/pkg/errors"
)

// Wire timestamps are always UTC in the compact form.
const wireTimeLayout = "20060102T150405Z"

// MeetingStatus is a three-bit field.
const (
	meetingBit   = 1 // the item is a meeting, not an appointment
	receivedBit  = 2 // the local user is not the organizer
	cancelledBit = 4
)

// Local status property values.
const (
	StatusConfirmed = "CONFIRMED"
	StatusTentative = "TENTATIVE"
	StatusCancelled = "CANCELLED"
)

// rawMeetingStatusProp preserves the incoming MeetingStatus value so
// encode can reproduce the received bit instead of guessing it.
const rawMeetingStatusProp = "X-MEETING-STATUS"

// attendeeTypes is the fixed case table between the wire attendee
// type code and the local role/user-type pair.
var attendeeTypes = map[string]struct{ role, userType string }{
	"1": {record.RoleRequired, record.UserTypeIndividual},
	"2": {record.RoleOptional, record.UserTypeIndividual},
	"3": {record.RoleNone, record.UserTypeResource},
}

// attendeeStatus maps the wire response code to participation
// status.  Code 0 means the server does not know.
var attendeeStatus = map[string]string{
	"2": record.PartStatTentative,
	"3": record.PartStatAccepted,
	"4": record.PartStatDeclined,
	"5": record.PartStatNeedsAction,
}

// recurrenceFields maps local recurrence properties to the children
// of the wire Recurrence container, in wire order.
var recurrenceFields = []fieldMap{
	{"RecurType", "Type"},
	{"RecurInterval", "Interval"},
	{"RecurDayOfWeek", "DayOfWeek"},
	{"RecurDayOfMonth", "DayOfMonth"},
	{"RecurWeekOfMonth", "WeekOfMonth"},
	{"RecurMonthOfYear", "MonthOfYear"},
	{"RecurOccurrences", "Occurrences"},
	{"RecurUntil", "Until"},
}

// EncodeOptions control the per-item emission rules.
type EncodeOptions struct {
	// Exception marks a single modified occurrence of a recurring
	// series; several containers are omitted for exceptions per
	// the mapping table's exception rules.
	Exception bool
}

// DecodeEvent applies a decoded protocol item to a local event
// record.
func (t *Translator) DecodeEvent(data *wire.Node, rec record.EventRecord) error {
	zone, err := t.decodeZone(data)
	if err != nil {
		return err
	}
	allDay := data.Text("AllDayEvent") == "1"
	loc := t.tz.Load(zone)

	start, err := t.decodeInstant(data.Text("StartTime"), loc, zone, allDay)
	if err != nil {
		return err
	}
	end, err := t.decodeInstant(data.Text("EndTime"), loc, zone, allDay)
	if err != nil {
		return err
	}
	rec.SetStart(start)
	rec.SetEnd(end)

	setOrClear(rec, "Title", data.Text("Subject"))
	setOrClear(rec, "Location", data.Text("Location"))
	setOrClear(rec, "UID", data.Text("UID"))
	setOrClear(rec, "Description", decodeBody(data))
	setOrClear(rec, "Class", decodeSensitivity(data.Text("Sensitivity")))

	// Reminder minutes collapse to a single relative, before-start
	// alarm; no reminder data clears all alarms.
	rec.ClearAlarms()
	if v := data.Text("Reminder"); v != "" {
		rec.AddAlarm(record.Alarm{MinutesBefore: atoi(v)})
	}

	t.decodeStatus(data, rec)
	t.decodeAttendees(data, rec)
	t.decodeRecurrence(data, rec)

	if c := data.Child("Categories"); c != nil {
		setOrClear(rec, "Categories", joinList(c.TextList("Category")))
	} else {
		rec.DeleteProperty("Categories")
	}
	return nil
}

func (t *Translator) decodeZone(data *wire.Node) (string, error) {
	blob := data.Text("TimeZone")
	if blob == "" {
		return t.tz.DefaultZone(), nil
	}
	d, err := tzdata.DecodeBlob(blob)
	if err != nil {
		return "", err
	}
	// An all-zero descriptor is the documented "no data" value.
	if d.IsZero() {
		return t.tz.DefaultZone(), nil
	}
	return t.tz.GuessZone(d.StdOffset(), d.DstOffset(), d.StdName), nil
}

func (t *Translator) decodeInstant(v string, loc *time.Location, zone string, allDay bool) (record.Instant, error) {
	if v == "" {
		return record.Instant{}, nil
	}
	utc, err := time.Parse(wireTimeLayout, v)
	if err != nil {
		// Some servers send the dotted form for all-day items.
		utc, err = time.Parse(protoDateLayout, v)
		if err != nil {
			return record.Instant{}, errors.Wrapf(wire.ErrMalformed, "bad timestamp %q", v)
		}
	}
	if allDay {
		// All-day events are date-only and float.
		local := utc.In(loc)
		return record.Instant{
			Time:     time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC),
			DateOnly: true,
		}, nil
	}
	return record.Instant{Time: utc.In(loc), Zone: zone}, nil
}

// decodeStatus reconciles the transparency flag and the meeting
// status bitfield into the local status.  Tentative, once derived
// from transparency, is only ever overridden by an explicit cancel.
func (t *Translator) decodeStatus(data *wire.Node, rec record.EventRecord) {
	status := ""
	switch data.Text("BusyStatus") {
	case "1":
		status = StatusTentative
	case "2", "3":
		status = StatusConfirmed
	}

	if v := data.Text("MeetingStatus"); v != "" {
		rec.SetProperty(rawMeetingStatusProp, v)
		ms := atoi(v)
		switch {
		case ms&cancelledBit != 0:
			status = StatusCancelled
		case status == StatusTentative:
			// Tentative wins over the meeting branch.
		case ms&meetingBit != 0:
			status = StatusConfirmed
		}
	} else {
		rec.DeleteProperty(rawMeetingStatusProp)
	}
	setOrClear(rec, "Status", status)
}

// decodeAttendees fully replaces the attendee list on every decode.
func (t *Translator) decodeAttendees(data *wire.Node, rec record.EventRecord) {
	rec.RemoveAllAttendees()

	responseType := data.Text("ResponseType")
	var container *wire.Node
	if c := data.Child("Attendees"); c != nil {
		container = c
	}
	if container != nil {
		for _, a := range container.Children("Attendee") {
			_, email := splitAddress(a.Text("Email"))
			att := record.Attendee{
				Email:      email,
				CommonName: a.Text("Name"),
				Role:       record.RoleRequired,
				UserType:   record.UserTypeIndividual,
				PartStat:   record.PartStatNeedsAction,
			}
			if m, ok := attendeeTypes[a.Text("AttendeeType")]; ok {
				att.Role, att.UserType = m.role, m.userType
			}
			if ps, ok := attendeeStatus[a.Text("AttendeeStatus")]; ok {
				att.PartStat = ps
			} else if strings.EqualFold(email, t.cfg.UserEmail) {
				if ps, ok := attendeeStatus[responseType]; ok {
					att.PartStat = ps
				}
			}
			rec.AddAttendee(att)
		}
	}

	name, email := data.Text("OrganizerName"), data.Text("OrganizerEmail")
	if name != "" && email != "" {
		_, email = splitAddress(email)
		rec.AddAttendee(record.Attendee{
			Email:       email,
			CommonName:  name,
			Role:        record.RoleRequired,
			UserType:    record.UserTypeIndividual,
			PartStat:    record.PartStatAccepted,
			IsOrganizer: true,
		})
	}
}

func (t *Translator) decodeRecurrence(data *wire.Node, rec record.EventRecord) {
	c := data.Child("Recurrence")
	for _, f := range recurrenceFields {
		if c == nil {
			rec.DeleteProperty(f.local)
			continue
		}
		setOrClear(rec, f.local, c.Text(f.remote))
	}
}

func decodeSensitivity(v string) string {
	switch v {
	case "2":
		return "PRIVATE"
	case "3":
		return "CONFIDENTIAL"
	}
	return ""
}

func encodeSensitivity(class string) string {
	switch class {
	case "PRIVATE":
		return "2"
	case "CONFIDENTIAL":
		return "3"
	}
	return "0"
}

// EncodeEvent emits a local event record as protocol fields.  The
// encoder must be positioned in the Calendar namespace; it is left
// there on return.
func (t *Translator) EncodeEvent(rec record.EventRecord, e *wbxml.Encoder, opts EncodeOptions) error {
	zone := t.encodeZoneName(rec)
	desc := t.tz.Describe(zone)
	loc := t.tz.Load(zone)

	e.AttributeTag("TimeZone", tzdata.EncodeBlob(desc), wbxml.AlwaysEmit)

	allDay := rec.Start().DateOnly
	if allDay {
		e.AttributeTag("AllDayEvent", "1", wbxml.AlwaysEmit)
	} else {
		e.AttributeTag("AllDayEvent", "0", wbxml.AlwaysEmit)
	}
	e.AttributeTag("StartTime", encodeInstant(rec.Start(), loc), wbxml.OmitEmpty)
	e.AttributeTag("EndTime", encodeInstant(rec.End(), loc), wbxml.OmitEmpty)
	e.AttributeTag("DtStamp", time.Now().UTC().Format(wireTimeLayout), wbxml.OmitEmpty)

	// Scalar fields blank server-side state when empty, unlike the
	// contact encoding.
	e.AttributeTag("Subject", rec.GetProperty("Title", ""), wbxml.AlwaysEmit)
	e.AttributeTag("Location", rec.GetProperty("Location", ""), wbxml.AlwaysEmit)
	e.AttributeTag("Sensitivity", encodeSensitivity(rec.GetProperty("Class", "")), wbxml.AlwaysEmit)
	e.AttributeTag("BusyStatus", encodeBusyStatus(rec.GetProperty("Status", "")), wbxml.AlwaysEmit)

	if !opts.Exception || t.cfg.versionAtLeast(14) {
		e.AttributeTag("UID", rec.GetProperty("UID", ""), wbxml.OmitEmpty)
		t.encodeOrganizer(rec, e)
	}

	if alarms := rec.Alarms(); len(alarms) > 0 {
		e.AttributeTag("Reminder", strconv.Itoa(alarms[0].MinutesBefore), wbxml.OmitEmpty)
	}

	e.AttributeTag("MeetingStatus", strconv.Itoa(t.meetingStatus(rec)), wbxml.AlwaysEmit)

	if !opts.Exception {
		t.encodeAttendees(rec, e)
		t.encodeRecurrence(rec, e)
		if values := splitList(rec.GetProperty("Categories", "")); len(values) > 0 {
			e.OpenTag("Categories")
			for _, v := range values {
				e.AttributeTag("Category", v, wbxml.OmitEmpty)
			}
			e.CloseTag()
		}
	}

	t.encodeBody(e, rec.GetProperty("Description", ""), wbxml.Calendar)
	return nil
}

// encodeZoneName picks the timezone the descriptor is computed from:
// whichever of start/end is anchored, else the process default.
func (t *Translator) encodeZoneName(rec record.EventRecord) string {
	if z := rec.Start().Zone; z != "" {
		return z
	}
	if z := rec.End().Zone; z != "" {
		return z
	}
	return t.tz.DefaultZone()
}

func encodeInstant(i record.Instant, loc *time.Location) string {
	if i.Time.IsZero() {
		return ""
	}
	if i.DateOnly {
		// Date-only wall midnight, interpreted in the event zone.
		local := time.Date(i.Time.Year(), i.Time.Month(), i.Time.Day(), 0, 0, 0, 0, loc)
		return local.UTC().Format(wireTimeLayout)
	}
	return i.Time.UTC().Format(wireTimeLayout)
}

func encodeBusyStatus(status string) string {
	switch status {
	case StatusTentative:
		return "1"
	case "":
		return "0"
	}
	return "2"
}

// meetingStatus derives the three-bit field: meeting from attendee
// count, received preferring the stored raw value over the
// organizer-address heuristic, cancelled from local status.
//
// The heuristic misclassifies delegated mailboxes whose organizer
// address differs from the login address; there is no better signal
// without the raw value.
func (t *Translator) meetingStatus(rec record.EventRecord) int {
	attendees := rec.Attendees()
	if len(attendees) == 0 {
		return 0
	}
	ms := meetingBit

	if raw := rec.GetProperty(rawMeetingStatusProp, ""); raw != "" {
		ms |= atoi(raw) & receivedBit
	} else if org := organizer(attendees); org != nil &&
		!strings.EqualFold(org.Email, t.cfg.UserEmail) {
		ms |= receivedBit
	}

	if rec.GetProperty("Status", "") == StatusCancelled {
		ms |= cancelledBit
	}
	return ms
}

func organizer(attendees []record.Attendee) *record.Attendee {
	for i := range attendees {
		if attendees[i].IsOrganizer {
			return &attendees[i]
		}
	}
	return nil
}

func (t *Translator) encodeOrganizer(rec record.EventRecord, e *wbxml.Encoder) {
	org := organizer(rec.Attendees())
	if org == nil {
		return
	}
	e.AttributeTag("OrganizerName", org.CommonName, wbxml.OmitEmpty)
	e.AttributeTag("OrganizerEmail", org.Email, wbxml.OmitEmpty)
}

func (t *Translator) encodeAttendees(rec record.EventRecord, e *wbxml.Encoder) {
	var plain []record.Attendee
	for _, a := range rec.Attendees() {
		if !a.IsOrganizer {
			plain = append(plain, a)
		}
	}
	if len(plain) == 0 {
		return
	}
	e.OpenTag("Attendees")
	for _, a := range plain {
		e.OpenTag("Attendee")
		e.AttributeTag("Email", a.Email, wbxml.OmitEmpty)
		e.AttributeTag("Name", a.CommonName, wbxml.OmitEmpty)
		e.AttributeTag("AttendeeType", encodeAttendeeType(a), wbxml.OmitEmpty)
		e.CloseTag()
	}
	e.CloseTag()
}

func encodeAttendeeType(a record.Attendee) string {
	if a.UserType == record.UserTypeResource {
		return "3"
	}
	if a.Role == record.RoleOptional {
		return "2"
	}
	return "1"
}

func (t *Translator) encodeRecurrence(rec record.EventRecord, e *wbxml.Encoder) {
	if rec.GetProperty("RecurType", "") == "" {
		return
	}
	e.OpenTag("Recurrence")
	for _, f := range recurrenceFields {
		e.AttributeTag(f.remote, rec.GetProperty(f.local, ""), wbxml.OmitEmpty)
	}
	e.CloseTag()
}
