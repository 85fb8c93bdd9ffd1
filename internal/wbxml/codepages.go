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

package wbxml

// Namespace names the tag dictionary (codepage) a tag is resolved
// against.  Switching is stateful on the wire: a SWITCH_PAGE token
// changes the active dictionary until the next switch.
type Namespace string

const (
	AirSync         Namespace = "AirSync"
	Contacts        Namespace = "Contacts"
	Calendar        Namespace = "Calendar"
	GetItemEstimate Namespace = "GetItemEstimate"
	FolderHierarchy Namespace = "FolderHierarchy"
	Contacts2       Namespace = "Contacts2"
	AirSyncBase     Namespace = "AirSyncBase"
	Settings        Namespace = "Settings"
)

// pageIndex is the wire codepage number for each namespace.
var pageIndex = map[Namespace]byte{
	AirSync:         0,
	Contacts:        1,
	Calendar:        4,
	GetItemEstimate: 6,
	FolderHierarchy: 7,
	Contacts2:       12,
	AirSyncBase:     17,
	Settings:        18,
}

// pageByIndex is the reverse of pageIndex, built at init.
var pageByIndex = func() map[byte]Namespace {
	m := make(map[byte]Namespace, len(pageIndex))
	for ns, idx := range pageIndex {
		m[idx] = ns
	}
	return m
}()

// Tag token tables per namespace.  Token values are the raw tag
// identity without the content bit (0x40).
var tagTokens = map[Namespace]map[string]byte{
	AirSync: {
		"Sync":            0x05,
		"Responses":       0x06,
		"Add":             0x07,
		"Change":          0x08,
		"Delete":          0x09,
		"Fetch":           0x0A,
		"SyncKey":         0x0B,
		"ClientId":        0x0C,
		"ServerId":        0x0D,
		"Status":          0x0E,
		"Collection":      0x0F,
		"Class":           0x10,
		"CollectionId":    0x12,
		"GetChanges":      0x13,
		"MoreAvailable":   0x14,
		"WindowSize":      0x15,
		"Commands":        0x16,
		"Options":         0x17,
		"FilterType":      0x18,
		"Conflict":        0x1B,
		"Collections":     0x1C,
		"ApplicationData": 0x1D,
		"DeletesAsMoves":  0x1E,
		"Supported":       0x20,
		"SoftDelete":      0x21,
		"MIMESupport":     0x22,
		"MIMETruncation":  0x23,
		"Wait":            0x24,
		"Limit":           0x25,
		"Partial":         0x26,
	},
	Contacts: {
		"Anniversary":           0x05,
		"AssistantName":         0x06,
		"AssistantPhoneNumber":  0x07,
		"Birthday":              0x08,
		"Body":                  0x09,
		"BodySize":              0x0A,
		"BodyTruncated":         0x0B,
		"Business2PhoneNumber":  0x0C,
		"BusinessAddressCity":   0x0D,
		"BusinessAddressCountry": 0x0E,
		"BusinessAddressPostalCode": 0x0F,
		"BusinessAddressState":  0x10,
		"BusinessAddressStreet": 0x11,
		"BusinessFaxNumber":     0x12,
		"BusinessPhoneNumber":   0x13,
		"CarPhoneNumber":        0x14,
		"Categories":            0x15,
		"Category":              0x16,
		"Children":              0x17,
		"Child":                 0x18,
		"CompanyName":           0x19,
		"Department":            0x1A,
		"Email1Address":         0x1B,
		"Email2Address":         0x1C,
		"Email3Address":         0x1D,
		"FileAs":                0x1E,
		"FirstName":             0x1F,
		"Home2PhoneNumber":      0x20,
		"HomeAddressCity":       0x21,
		"HomeAddressCountry":    0x22,
		"HomeAddressPostalCode": 0x23,
		"HomeAddressState":      0x24,
		"HomeAddressStreet":     0x25,
		"HomeFaxNumber":         0x26,
		"HomePhoneNumber":       0x27,
		"JobTitle":              0x28,
		"LastName":              0x29,
		"MiddleName":            0x2A,
		"MobilePhoneNumber":     0x2B,
		"OfficeLocation":        0x2C,
		"OtherAddressCity":      0x2D,
		"OtherAddressCountry":   0x2E,
		"OtherAddressPostalCode": 0x2F,
		"OtherAddressState":     0x30,
		"OtherAddressStreet":    0x31,
		"PagerNumber":           0x32,
		"RadioPhoneNumber":      0x33,
		"Spouse":                0x34,
		"Suffix":                0x35,
		"Title":                 0x36,
		"WebPage":               0x37,
		"YomiCompanyName":       0x38,
		"YomiFirstName":         0x39,
		"YomiLastName":          0x3A,
		"Picture":               0x3C,
		"Alias":                 0x3D,
		"WeightedRank":          0x3E,
	},
	Calendar: {
		"TimeZone":           0x05,
		"AllDayEvent":        0x06,
		"Attendees":          0x07,
		"Attendee":           0x08,
		"Email":              0x09,
		"Name":               0x0A,
		"Body":               0x0B,
		"BodyTruncated":      0x0C,
		"BusyStatus":         0x0D,
		"Categories":         0x0E,
		"Category":           0x0F,
		"DtStamp":            0x11,
		"EndTime":            0x12,
		"Exception":          0x13,
		"Exceptions":         0x14,
		"Deleted":            0x15,
		"ExceptionStartTime": 0x16,
		"Location":           0x17,
		"MeetingStatus":      0x18,
		"OrganizerEmail":     0x19,
		"OrganizerName":      0x1A,
		"Recurrence":         0x1B,
		"Type":               0x1C,
		"Until":              0x1D,
		"Occurrences":        0x1E,
		"Interval":           0x1F,
		"DayOfWeek":          0x20,
		"DayOfMonth":         0x21,
		"WeekOfMonth":        0x22,
		"MonthOfYear":        0x23,
		"Reminder":           0x24,
		"Sensitivity":        0x25,
		"Subject":            0x26,
		"StartTime":          0x27,
		"UID":                0x28,
		"AttendeeStatus":     0x29,
		"AttendeeType":       0x2A,
		"DisallowNewTimeProposal": 0x33,
		"ResponseRequested":  0x34,
		"AppointmentReplyTime": 0x35,
		"ResponseType":       0x36,
		"CalendarType":       0x37,
		"IsLeapMonth":        0x38,
		"FirstDayOfWeek":     0x39,
		"OnlineMeetingConfLink": 0x3A,
		"OnlineMeetingExternalLink": 0x3B,
	},
	GetItemEstimate: {
		"GetItemEstimate": 0x05,
		"Version":         0x06,
		"Collections":     0x07,
		"Collection":      0x08,
		"Class":           0x09,
		"CollectionId":    0x0A,
		"DateFilter":      0x0B,
		"Estimate":        0x0C,
		"Response":        0x0D,
		"Status":          0x0E,
	},
	FolderHierarchy: {
		"DisplayName":  0x07,
		"ServerId":     0x08,
		"ParentId":     0x09,
		"Type":         0x0A,
		"Status":       0x0C,
		"Changes":      0x0E,
		"Add":          0x0F,
		"Delete":       0x10,
		"Update":       0x11,
		"SyncKey":      0x12,
		"FolderCreate": 0x13,
		"FolderDelete": 0x14,
		"FolderUpdate": 0x15,
		"FolderSync":   0x16,
		"Count":        0x17,
	},
	Contacts2: {
		"CustomerId":       0x05,
		"GovernmentId":     0x06,
		"IMAddress":        0x07,
		"IMAddress2":       0x08,
		"IMAddress3":       0x09,
		"ManagerName":      0x0A,
		"CompanyMainPhone": 0x0B,
		"AccountName":      0x0C,
		"NickName":         0x0D,
		"MMS":              0x0E,
	},
	AirSyncBase: {
		"BodyPreference":    0x05,
		"Type":              0x06,
		"TruncationSize":    0x07,
		"AllOrNone":         0x08,
		"Body":              0x0A,
		"Data":              0x0B,
		"EstimatedDataSize": 0x0C,
		"Truncated":         0x0D,
		"Attachments":       0x0E,
		"Attachment":        0x0F,
		"NativeBodyType":    0x16,
		"ContentType":       0x17,
	},
	Settings: {
		"Settings":          0x05,
		"Status":            0x06,
		"Get":               0x07,
		"Set":               0x08,
		"UserInformation":   0x0F,
		"EmailAddresses":    0x10,
		"SmtpAddress":       0x11,
		"DeviceInformation": 0x15,
		"Model":             0x16,
		"FriendlyName":      0x18,
		"OS":                0x19,
		"UserAgent":         0x1C,
	},
}

// Known reports whether a tag name exists in a namespace's
// dictionary.  Translators use it to gate pass-through emission of
// fields they do not interpret.
func Known(ns Namespace, name string) bool {
	_, ok := tagTokens[ns][name]
	return ok
}

// tagNames is the per-namespace reverse lookup, built at init.
var tagNames = func() map[Namespace]map[byte]string {
	out := make(map[Namespace]map[byte]string, len(tagTokens))
	for ns, tags := range tagTokens {
		rev := make(map[byte]string, len(tags))
		for name, tok := range tags {
			rev[tok] = name
		}
		out[ns] = rev
	}
	return out
}()
