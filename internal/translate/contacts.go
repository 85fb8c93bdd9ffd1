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
	"fmt"
	"strconv"
	"strings"
	"time"

	"easync/internal/record"
	"easync/internal/wbxml"
	"easync/internal/wire"
)

// fieldMap binds one local record field to its single protocol
// counterpart.
type fieldMap struct {
	local  string
	remote string
}

// fieldGroup partitions a mapping table by tag namespace; the
// extended group needs a codepage switch before encoding.
type fieldGroup struct {
	ns     wbxml.Namespace
	fields []fieldMap
}

// contactGroups is the plain scalar portion of the contact mapping
// table.  Emails, date trios, street addresses, list fields and the
// body are value-specific and handled apart.
var contactGroups = []fieldGroup{
	{ns: wbxml.Contacts, fields: []fieldMap{
		{"FirstName", "FirstName"},
		{"LastName", "LastName"},
		{"MiddleName", "MiddleName"},
		{"DisplayName", "FileAs"},
		{"NamePrefix", "Title"},
		{"NameSuffix", "Suffix"},
		{"JobTitle", "JobTitle"},
		{"Department", "Department"},
		{"Company", "CompanyName"},
		{"WebPage1", "WebPage"},
		{"WorkPhone", "BusinessPhoneNumber"},
		{"HomePhone", "HomePhoneNumber"},
		{"FaxNumber", "BusinessFaxNumber"},
		{"PagerNumber", "PagerNumber"},
		{"CellularNumber", "MobilePhoneNumber"},
		{"SpouseName", "Spouse"},
		{"AssistantName", "AssistantName"},
		{"WorkCity", "BusinessAddressCity"},
		{"WorkState", "BusinessAddressState"},
		{"WorkZipCode", "BusinessAddressPostalCode"},
		{"WorkCountry", "BusinessAddressCountry"},
		{"HomeCity", "HomeAddressCity"},
		{"HomeState", "HomeAddressState"},
		{"HomeZipCode", "HomeAddressPostalCode"},
		{"HomeCountry", "HomeAddressCountry"},
		{"OfficeLocation", "OfficeLocation"},
	}},
	{ns: wbxml.Contacts2, fields: []fieldMap{
		{"NickName", "NickName"},
		{"_IMAddress", "IMAddress"},
		{"ManagerName", "ManagerName"},
		{"CompanyMainPhone", "CompanyMainPhone"},
	}},
}

// emailFields carry a decorated display string on the wire; decode
// runs them through the address splitter.
var emailFields = []fieldMap{
	{"PrimaryEmail", "Email1Address"},
	{"SecondEmail", "Email2Address"},
	{"ThirdEmail", "Email3Address"},
}

// dateFields are stored locally as a day/month/year numeric trio
// reconstructed from one protocol date string.
var dateFields = []struct {
	day, month, year string
	remote           string
}{
	{"BirthDay", "BirthMonth", "BirthYear", "Birthday"},
	{"AnniversaryDay", "AnniversaryMonth", "AnniversaryYear", "Anniversary"},
}

// streetFields are two local lines joined on the account separator
// into one protocol street field.
var streetFields = []struct {
	line1, line2 string
	remote       string
}{
	{"WorkAddress", "WorkAddress2", "BusinessAddressStreet"},
	{"HomeAddress", "HomeAddress2", "HomeAddressStreet"},
}

// listFields are repeated leaf tags joined locally on the control
// separator.
var listFields = []struct {
	local          string
	container, tag string
}{
	{"Categories", "Categories", "Category"},
	{"_Children", "Children", "Child"},
}

const protoDateLayout = "2006-01-02T15:04:05.000Z"

// contactRemoteTags is every protocol tag the contact table
// interprets; anything else in an incoming item is an unused field.
var contactRemoteTags = func() map[string]bool {
	known := map[string]bool{"Body": true, "BodySize": true, "BodyTruncated": true}
	for _, g := range contactGroups {
		for _, f := range g.fields {
			known[f.remote] = true
		}
	}
	for _, f := range emailFields {
		known[f.remote] = true
	}
	for _, f := range dateFields {
		known[f.remote] = true
	}
	for _, f := range streetFields {
		known[f.remote] = true
	}
	for _, f := range listFields {
		known[f.container] = true
	}
	return known
}()

// DecodeContact applies a decoded protocol item to a local contact
// record.  Mapped fields that are absent or blank on the wire clear
// the local field; protocol fields outside the table are preserved
// verbatim under a prefixed property so they round-trip.
func (t *Translator) DecodeContact(data *wire.Node, rec record.Record) {
	for _, g := range contactGroups {
		for _, f := range g.fields {
			setOrClear(rec, f.local, data.Text(f.remote))
		}
	}

	for _, f := range emailFields {
		v := data.Text(f.remote)
		if v != "" {
			_, v = splitAddress(v)
		}
		setOrClear(rec, f.local, v)
	}

	for _, f := range dateFields {
		v := data.Text(f.remote)
		d, err := time.Parse(protoDateLayout, v)
		if v == "" || err != nil {
			if v != "" {
				t.log.Warn().Str("field", f.remote).Str("value", v).Msg("unparsable date, clearing")
			}
			rec.DeleteProperty(f.day)
			rec.DeleteProperty(f.month)
			rec.DeleteProperty(f.year)
			continue
		}
		rec.SetProperty(f.day, strconv.Itoa(d.Day()))
		rec.SetProperty(f.month, strconv.Itoa(int(d.Month())))
		rec.SetProperty(f.year, strconv.Itoa(d.Year()))
	}

	sep := t.cfg.separator()
	for _, f := range streetFields {
		v := data.Text(f.remote)
		if v == "" {
			rec.DeleteProperty(f.line1)
			rec.DeleteProperty(f.line2)
			continue
		}
		line1, line2 := v, ""
		if i := strings.Index(v, sep); i >= 0 {
			line1, line2 = v[:i], v[i+len(sep):]
		}
		rec.SetProperty(f.line1, line1)
		setOrClear(rec, f.line2, line2)
	}

	for _, f := range listFields {
		var values []string
		if c := data.Child(f.container); c != nil {
			values = c.TextList(f.tag)
		}
		setOrClear(rec, f.local, joinList(values))
	}

	setOrClear(rec, "Notes", decodeBody(data))

	for _, tag := range data.Tags() {
		if contactRemoteTags[tag] {
			continue
		}
		if v, ok := data.Get(tag); ok {
			if s, isScalar := v.(string); isScalar {
				rec.SetProperty(unusedPrefix+tag, s)
			}
		}
	}

	if t.cfg.DisplayOverride {
		rec.SetProperty("DisplayName", deriveDisplayName(rec))
	}
}

// EncodeContact emits a local contact record as protocol fields.
// Unlike calendar encoding, a field is emitted only when the local
// value is non-empty; clearing server-side state is done by the
// orchestrator re-adding the item.
func (t *Translator) EncodeContact(rec record.Record, e *wbxml.Encoder) {
	for _, g := range contactGroups {
		e.SwitchCodepage(g.ns)
		for _, f := range g.fields {
			e.AttributeTag(f.remote, rec.GetProperty(f.local, ""), wbxml.OmitEmpty)
		}
	}
	e.SwitchCodepage(wbxml.Contacts)

	for _, f := range emailFields {
		e.AttributeTag(f.remote, rec.GetProperty(f.local, ""), wbxml.OmitEmpty)
	}

	for _, f := range dateFields {
		day := rec.GetProperty(f.day, "")
		month := rec.GetProperty(f.month, "")
		year := rec.GetProperty(f.year, "")
		if day == "" || month == "" || year == "" {
			continue
		}
		d, m, y := atoi(day), atoi(month), atoi(year)
		e.AttributeTag(f.remote,
			time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC).Format(protoDateLayout),
			wbxml.OmitEmpty)
	}

	sep := t.cfg.separator()
	for _, f := range streetFields {
		line1 := rec.GetProperty(f.line1, "")
		line2 := rec.GetProperty(f.line2, "")
		street := line1
		if line2 != "" {
			street = line1 + sep + line2
		}
		e.AttributeTag(f.remote, street, wbxml.OmitEmpty)
	}

	for _, f := range listFields {
		values := splitList(rec.GetProperty(f.local, ""))
		if len(values) == 0 {
			continue
		}
		e.OpenTag(f.container)
		for _, v := range values {
			e.AttributeTag(f.tag, v, wbxml.OmitEmpty)
		}
		e.CloseTag()
	}

	t.encodeBody(e, rec.GetProperty("Notes", ""), wbxml.Contacts)

	var contacts2 []string
	for _, name := range rec.Properties() {
		if !strings.HasPrefix(name, unusedPrefix) {
			continue
		}
		tag := name[len(unusedPrefix):]
		if wbxml.Known(wbxml.Contacts, tag) {
			e.AttributeTag(tag, rec.GetProperty(name, ""), wbxml.OmitEmpty)
		} else if wbxml.Known(wbxml.Contacts2, tag) {
			contacts2 = append(contacts2, name)
		}
	}
	if len(contacts2) > 0 {
		e.SwitchCodepage(wbxml.Contacts2)
		for _, name := range contacts2 {
			e.AttributeTag(name[len(unusedPrefix):], rec.GetProperty(name, ""), wbxml.OmitEmpty)
		}
		e.SwitchCodepage(wbxml.Contacts)
	}
}

// decodeBody accepts both wire shapes for the notes field: the older
// inline scalar and the newer sized container.
func decodeBody(data *wire.Node) string {
	if c := data.Child("Body"); c != nil {
		return c.Text("Data")
	}
	return data.Text("Body")
}

// encodeBody writes the notes field in the form the negotiated
// protocol version expects.  Older versions take an inline Body in
// the item's own namespace; newer versions wrap it in a sized, typed
// container in the base namespace.  The branch is part of the wire
// contract; do not unify it.
func (t *Translator) encodeBody(e *wbxml.Encoder, notes string, itemNS wbxml.Namespace) {
	if notes == "" {
		return
	}
	if !t.cfg.versionAtLeast(14) {
		e.SwitchCodepage(itemNS)
		e.AttributeTag("Body", notes, wbxml.OmitEmpty)
		return
	}
	e.SwitchCodepage(wbxml.AirSyncBase)
	e.OpenTag("Body")
	e.AttributeTag("Type", "1", wbxml.OmitEmpty) // plain text
	e.AttributeTag("EstimatedDataSize", fmt.Sprintf("%d", len(notes)), wbxml.OmitEmpty)
	e.AttributeTag("Data", notes, wbxml.OmitEmpty)
	e.CloseTag()
	e.SwitchCodepage(itemNS)
}

// deriveDisplayName recomputes the display name from the name parts,
// falling back to company, then primary email.
func deriveDisplayName(rec record.Record) string {
	first := rec.GetProperty("FirstName", "")
	last := rec.GetProperty("LastName", "")
	name := strings.TrimSpace(first + " " + last)
	if name != "" {
		return name
	}
	if company := rec.GetProperty("Company", ""); company != "" {
		return company
	}
	return rec.GetProperty("PrimaryEmail", "")
}

func setOrClear(rec record.Record, name, value string) {
	if value == "" {
		rec.DeleteProperty(name)
		return
	}
	rec.SetProperty(name, value)
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
