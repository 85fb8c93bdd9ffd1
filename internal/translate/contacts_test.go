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
	"testing"

	"easync/internal/record"
	"easync/internal/tzdata"
	"easync/internal/wbxml"
	"easync/internal/wire"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func newContactTranslator(cfg Settings) *Translator {
	return New(cfg, tzdata.NewTables("Europe/Berlin"), zerolog.Nop())
}

func encodeContactItem(t *testing.T, tr *Translator, rec record.Record) *wire.Node {
	t.Helper()
	e := wbxml.NewEncoder(wbxml.AirSync)
	e.OpenTag("Sync")
	e.OpenTag("ApplicationData")
	e.SwitchCodepage(wbxml.Contacts)
	tr.EncodeContact(rec, e)
	e.SwitchCodepage(wbxml.AirSync)
	e.CloseTag()
	e.CloseTag()
	data, err := e.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	tree, err := wbxml.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return tree.Child("Sync").Child("ApplicationData")
}

func TestContactRoundTrip(t *testing.T) {
	tr := newContactTranslator(Settings{Version: "14.0"})

	src := record.NewMemoryRecord("c1")
	src.SetProperty("FirstName", "Jane")
	src.SetProperty("LastName", "Doe")
	src.SetProperty("DisplayName", "Doe, Jane")
	src.SetProperty("Company", "Example Corp")
	src.SetProperty("PrimaryEmail", "jane@example.com")
	src.SetProperty("CellularNumber", "+49 151 1234")
	src.SetProperty("NickName", "JJ")
	src.SetProperty("BirthDay", "12")
	src.SetProperty("BirthMonth", "5")
	src.SetProperty("BirthYear", "1980")
	src.SetProperty("WorkAddress", "Main St 1")
	src.SetProperty("WorkAddress2", "Floor 3")
	src.SetProperty("Categories", "Work\x1aTravel")
	src.SetProperty("Notes", "met at fosdem")

	dst := record.NewMemoryRecord("c1")
	tr.DecodeContact(encodeContactItem(t, tr, src), dst)

	for _, name := range src.Properties() {
		if got, want := dst.GetProperty(name, ""), src.GetProperty(name, ""); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestContactDecodeClearsAbsentFields(t *testing.T) {
	tr := newContactTranslator(Settings{})
	rec := record.NewMemoryRecord("c1")
	rec.SetProperty("FirstName", "Stale")
	rec.SetProperty("BirthDay", "1")
	rec.SetProperty("BirthMonth", "2")
	rec.SetProperty("BirthYear", "1990")

	data := wire.NewNode()
	data.SetText("LastName", "Doe")
	tr.DecodeContact(data, rec)

	if rec.GetProperty("FirstName", "-") != "-" {
		t.Error("absent FirstName was not cleared")
	}
	for _, p := range []string{"BirthDay", "BirthMonth", "BirthYear"} {
		if rec.GetProperty(p, "-") != "-" {
			t.Errorf("absent birthday did not clear %s", p)
		}
	}
	if got := rec.GetProperty("LastName", ""); got != "Doe" {
		t.Errorf("LastName = %q, want Doe", got)
	}
}

func TestContactEmailSplitter(t *testing.T) {
	tr := newContactTranslator(Settings{})
	rec := record.NewMemoryRecord("c1")
	data := wire.NewNode()
	data.SetText("Email1Address", `"Doe, Jane" <jane@example.com>`)
	tr.DecodeContact(data, rec)
	if got, want := rec.GetProperty("PrimaryEmail", ""), "jane@example.com"; got != want {
		t.Errorf("PrimaryEmail = %q, want %q", got, want)
	}
}

func TestContactDisplayOverride(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*record.MemoryRecord)
		want  string
	}{
		{
			"first and last name",
			func(r *record.MemoryRecord) {
				r.SetProperty("FirstName", "Jane")
				r.SetProperty("LastName", "Doe")
			},
			"Jane Doe",
		},
		{
			"company fallback",
			func(r *record.MemoryRecord) {
				r.SetProperty("Company", "Example Corp")
			},
			"Example Corp",
		},
		{
			"email fallback",
			func(r *record.MemoryRecord) {
				r.SetProperty("PrimaryEmail", "jane@example.com")
			},
			"jane@example.com",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newContactTranslator(Settings{DisplayOverride: true})
			src := record.NewMemoryRecord("c1")
			tc.setup(src)

			rec := record.NewMemoryRecord("c1")
			tr.DecodeContact(encodeContactItem(t, tr, src), rec)
			if got := rec.GetProperty("DisplayName", ""); got != tc.want {
				t.Errorf("DisplayName = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestContactAddressSeparator(t *testing.T) {
	for _, newline := range []bool{false, true} {
		tr := newContactTranslator(Settings{SeparatorNewline: newline})
		src := record.NewMemoryRecord("c1")
		src.SetProperty("HomeAddress", "Main St 1")
		src.SetProperty("HomeAddress2", "Apt 2")

		rec := record.NewMemoryRecord("c1")
		tr.DecodeContact(encodeContactItem(t, tr, src), rec)
		if got := rec.GetProperty("HomeAddress", ""); got != "Main St 1" {
			t.Errorf("newline=%v: HomeAddress = %q", newline, got)
		}
		if got := rec.GetProperty("HomeAddress2", ""); got != "Apt 2" {
			t.Errorf("newline=%v: HomeAddress2 = %q", newline, got)
		}
	}
}

func TestContactUnusedFieldsRoundTrip(t *testing.T) {
	tr := newContactTranslator(Settings{})
	data := wire.NewNode()
	data.SetText("FirstName", "Jane")
	data.SetText("RadioPhoneNumber", "555-1234") // unmapped, preserved

	rec := record.NewMemoryRecord("c1")
	tr.DecodeContact(data, rec)
	if got := rec.GetProperty("Unused:RadioPhoneNumber", ""); got != "555-1234" {
		t.Fatalf("unused field not preserved, got %q", got)
	}

	out := encodeContactItem(t, tr, rec)
	if got := out.Text("RadioPhoneNumber"); got != "555-1234" {
		t.Errorf("unused field not re-emitted, got %q", got)
	}
}

func TestContactUnusedSecondPageRoundTrip(t *testing.T) {
	tr := newContactTranslator(Settings{})
	data := wire.NewNode()
	data.SetText("FirstName", "Jane")
	data.SetText("CustomerId", "cust-42")     // second contacts page
	data.SetText("GovernmentId", "ID-7")      // second contacts page
	data.SetText("RadioPhoneNumber", "555-1") // first contacts page

	rec := record.NewMemoryRecord("c1")
	tr.DecodeContact(data, rec)
	for name, want := range map[string]string{
		"Unused:CustomerId":       "cust-42",
		"Unused:GovernmentId":     "ID-7",
		"Unused:RadioPhoneNumber": "555-1",
	} {
		if got := rec.GetProperty(name, ""); got != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}

	out := encodeContactItem(t, tr, rec)
	for tag, want := range map[string]string{
		"CustomerId":       "cust-42",
		"GovernmentId":     "ID-7",
		"RadioPhoneNumber": "555-1",
	} {
		if got := out.Text(tag); got != want {
			t.Errorf("%s not re-emitted, got %q, want %q", tag, got, want)
		}
	}
	if got := out.Text("FirstName"); got != "Jane" {
		t.Errorf("FirstName after second-page switch = %q, want Jane", got)
	}
}

func TestContactCategoriesList(t *testing.T) {
	tr := newContactTranslator(Settings{})
	data := wire.NewNode()
	cats := wire.NewNode()
	cats.AppendText("Category", "Work")
	cats.AppendText("Category", "Travel")
	data.SetChild("Categories", cats)

	rec := record.NewMemoryRecord("c1")
	tr.DecodeContact(data, rec)

	want := []string{"Work", "Travel"}
	got := splitList(rec.GetProperty("Categories", ""))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("categories mismatch (-want +got):\n%s", diff)
	}
}

func TestContactBodyVersionBranch(t *testing.T) {
	t.Run("legacy inline body", func(t *testing.T) {
		tr := newContactTranslator(Settings{Version: "2.5"})
		src := record.NewMemoryRecord("c1")
		src.SetProperty("Notes", "inline")
		out := encodeContactItem(t, tr, src)
		if got := out.Text("Body"); got != "inline" {
			t.Errorf("inline Body = %q, want %q", got, "inline")
		}
	})
	t.Run("container body", func(t *testing.T) {
		tr := newContactTranslator(Settings{Version: "14.0"})
		src := record.NewMemoryRecord("c1")
		src.SetProperty("Notes", "wrapped")
		out := encodeContactItem(t, tr, src)
		body := out.Child("Body")
		if body == nil {
			t.Fatal("missing Body container")
		}
		if got := body.Text("Data"); got != "wrapped" {
			t.Errorf("Body Data = %q, want %q", got, "wrapped")
		}
		if got := body.Text("EstimatedDataSize"); got != "7" {
			t.Errorf("EstimatedDataSize = %q, want 7", got)
		}
	})
}
