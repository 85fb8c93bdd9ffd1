package sync

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"easync/internal/changelog"
	"easync/internal/creds"
	"easync/internal/folders"
	"easync/internal/persist"
	"easync/internal/translate"
	"easync/internal/transport"
	"easync/internal/tzdata"
	"easync/internal/wbxml"
	"easync/internal/wire"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// scriptDoer serves canned responses per command, in order, and keeps
// the decoded request bodies for assertions.
type scriptDoer struct {
	t        *testing.T
	queues   map[string][][]byte // Cmd -> response bodies
	requests map[string][]*wire.Node
}

func newScriptDoer(t *testing.T) *scriptDoer {
	return &scriptDoer{
		t:        t,
		queues:   make(map[string][][]byte),
		requests: make(map[string][]*wire.Node),
	}
}

func (d *scriptDoer) push(cmd string, body []byte) {
	d.queues[cmd] = append(d.queues[cmd], body)
}

func (d *scriptDoer) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	cmd := "OPTIONS"
	if i := strings.Index(req.URL, "Cmd="); i >= 0 {
		cmd = req.URL[i+len("Cmd="):]
		if j := strings.IndexByte(cmd, '&'); j >= 0 {
			cmd = cmd[:j]
		}
	}
	if len(req.Body) > 0 {
		tree, err := wbxml.Decode(req.Body)
		if err != nil {
			d.t.Fatalf("request body for %s does not decode: %v", cmd, err)
		}
		d.requests[cmd] = append(d.requests[cmd], tree)
	}
	q := d.queues[cmd]
	if len(q) == 0 {
		return nil, errors.Errorf("no scripted response for %s", cmd)
	}
	d.queues[cmd] = q[1:]
	return &transport.Response{Status: 200, Body: q[0], FinalURL: req.URL}, nil
}

type fixture struct {
	session *Session
	doer    *scriptDoer
	folders *folders.Store
	changes *changelog.Store
	records *MemoryStorage
}

func newFixture(ctx context.Context, t *testing.T) *fixture {
	t.Helper()
	db, err := persist.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("persist.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fs, err := folders.Open(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("folders.Open failed: %v", err)
	}
	cs, err := changelog.Open(ctx, db, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("changelog.Open failed: %v", err)
	}
	t.Cleanup(func() { cs.Close(ctx) })

	if err := fs.AddAccount(ctx, &folders.Account{
		ID:        "acct",
		Email:     "user@example.com",
		ServerURL: "https://m.example.com",
		ASVersion: "14.0",
	}); err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	doer := newScriptDoer(t)
	records := NewMemoryStorage()
	return &fixture{
		session: New(doer, fs, cs, records, creds.NewMemory(),
			tzdata.NewTables("UTC"), zerolog.Nop()),
		doer:    doer,
		folders: fs,
		changes: cs,
		records: records,
	}
}

func folderSyncResponse(adds [][4]string) []byte {
	e := wbxml.NewEncoder(wbxml.FolderHierarchy)
	e.OpenTag("FolderSync")
	e.AttributeTag("Status", "1", wbxml.AlwaysEmit)
	e.OpenTag("Changes")
	e.AttributeTag("Count", "2", wbxml.AlwaysEmit)
	for _, a := range adds {
		e.OpenTag("Add")
		e.AttributeTag("ServerId", a[0], wbxml.AlwaysEmit)
		e.AttributeTag("ParentId", a[1], wbxml.AlwaysEmit)
		e.AttributeTag("DisplayName", a[2], wbxml.AlwaysEmit)
		e.AttributeTag("Type", a[3], wbxml.AlwaysEmit)
		e.CloseTag()
	}
	e.CloseTag()
	e.CloseTag()
	b, err := e.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

// syncResponse builds a Sync response envelope; fill populates the
// Collection after Status/SyncKey/CollectionId.
func syncResponse(key string, fill func(e *wbxml.Encoder)) []byte {
	e := wbxml.NewEncoder(wbxml.AirSync)
	e.OpenTag("Sync")
	e.OpenTag("Collections")
	e.OpenTag("Collection")
	e.AttributeTag("SyncKey", key, wbxml.AlwaysEmit)
	e.AttributeTag("CollectionId", "5", wbxml.AlwaysEmit)
	e.AttributeTag("Status", "1", wbxml.AlwaysEmit)
	if fill != nil {
		fill(e)
	}
	e.CloseTag()
	e.CloseTag()
	e.CloseTag()
	b, err := e.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

func estimateResponse(n string) []byte {
	e := wbxml.NewEncoder(wbxml.GetItemEstimate)
	e.OpenTag("GetItemEstimate")
	e.OpenTag("Response")
	e.AttributeTag("Status", "1", wbxml.AlwaysEmit)
	e.OpenTag("Collection")
	e.AttributeTag("CollectionId", "5", wbxml.AlwaysEmit)
	e.AttributeTag("Estimate", n, wbxml.AlwaysEmit)
	e.CloseTag()
	e.CloseTag()
	e.CloseTag()
	b, err := e.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

func TestFolderSyncPopulatesHierarchy(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)

	fx.doer.push("FolderSync", folderSyncResponse([][4]string{
		{"5", "0", "Calendar", "8"},
		{"7", "0", "Contacts", "9"},
	}))
	if err := fx.session.FolderSync(ctx, "acct"); err != nil {
		t.Fatalf("FolderSync failed: %v", err)
	}

	got, err := fx.folders.Folders("acct")
	if err != nil {
		t.Fatalf("Folders failed: %v", err)
	}
	want := []folders.Folder{
		{ID: "5", ParentID: "0", DisplayName: "Calendar", Type: "8", SyncKey: "0"},
		{ID: "7", ParentID: "0", DisplayName: "Contacts", Type: "9", SyncKey: "0"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("hierarchy mismatch (-want +got):\n%s", diff)
	}

	// A refresh must not clobber sync state already accumulated.
	if err := fx.folders.SetSyncKey(ctx, "acct", "5", "99"); err != nil {
		t.Fatalf("SetSyncKey failed: %v", err)
	}
	fx.doer.push("FolderSync", folderSyncResponse([][4]string{
		{"5", "0", "Calendar", "8"},
		{"7", "0", "Contacts", "9"},
	}))
	if err := fx.session.FolderSync(ctx, "acct"); err != nil {
		t.Fatalf("FolderSync refresh failed: %v", err)
	}
	f, err := fx.folders.Folder("acct", "5")
	if err != nil {
		t.Fatalf("Folder failed: %v", err)
	}
	if f.SyncKey != "99" {
		t.Errorf("refresh reset sync key to %q, want 99", f.SyncKey)
	}
}

func TestSyncFolderDownloadsContacts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)

	if err := fx.folders.SetFolder(ctx, "acct", &folders.Folder{
		ID: "5", ParentID: "0", DisplayName: "Contacts", Type: "9",
		SyncKey: "0", Target: "book"}); err != nil {
		t.Fatalf("SetFolder failed: %v", err)
	}

	// Key provisioning, then one window carrying a single Add.
	fx.doer.push("Sync", syncResponse("1", nil))
	fx.doer.push("GetItemEstimate", estimateResponse("1"))
	fx.doer.push("Sync", syncResponse("2", func(e *wbxml.Encoder) {
		e.OpenTag("Commands")
		e.OpenTag("Add")
		e.AttributeTag("ServerId", "3:1", wbxml.AlwaysEmit)
		e.OpenTag("ApplicationData")
		e.SwitchCodepage(wbxml.Contacts)
		e.AttributeTag("FirstName", "Jane", wbxml.AlwaysEmit)
		e.AttributeTag("LastName", "Doe", wbxml.AlwaysEmit)
		e.AttributeTag("Email1Address", "jane@example.com", wbxml.AlwaysEmit)
		e.SwitchCodepage(wbxml.AirSync)
		e.CloseTag()
		e.CloseTag()
		e.CloseTag()
	}))

	if err := fx.session.SyncFolder(ctx, "acct", "5"); err != nil {
		t.Fatalf("SyncFolder failed: %v", err)
	}

	rec, ok := fx.records.Get("book", "3:1")
	if !ok {
		t.Fatal("server item was not created locally")
	}
	if got := rec.GetProperty("FirstName", ""); got != "Jane" {
		t.Errorf("FirstName = %q, want Jane", got)
	}
	if got := rec.GetProperty("PrimaryEmail", ""); got != "jane@example.com" {
		t.Errorf("PrimaryEmail = %q, want jane@example.com", got)
	}
	f, err := fx.folders.Folder("acct", "5")
	if err != nil {
		t.Fatalf("Folder failed: %v", err)
	}
	if f.SyncKey != "2" {
		t.Errorf("SyncKey = %q, want 2", f.SyncKey)
	}
}

func TestSyncFolderUploadsChanges(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)

	if err := fx.folders.SetFolder(ctx, "acct", &folders.Folder{
		ID: "5", ParentID: "0", DisplayName: "Contacts", Type: "9",
		SyncKey: "10", Target: "book"}); err != nil {
		t.Fatalf("SetFolder failed: %v", err)
	}
	parent := folders.ChangeParent("acct", "5")

	newRec := fx.records.Create("book", "local-1")
	newRec.SetProperty("FirstName", "Ada")
	changed := fx.records.Create("book", "3:4")
	changed.SetProperty("FirstName", "Grace")
	fx.changes.RecordChange(parent, "local-1", "new")
	fx.changes.RecordChange(parent, "3:4", "modified")
	fx.changes.RecordChange(parent, "3:9", "deleted")

	fx.doer.push("GetItemEstimate", estimateResponse("0"))
	fx.doer.push("Sync", syncResponse("11", func(e *wbxml.Encoder) {
		e.OpenTag("Responses")
		e.OpenTag("Add")
		e.AttributeTag("ClientId", "local-1", wbxml.AlwaysEmit)
		e.AttributeTag("ServerId", "3:12", wbxml.AlwaysEmit)
		e.AttributeTag("Status", "1", wbxml.AlwaysEmit)
		e.CloseTag()
		e.CloseTag()
	}))

	if err := fx.session.SyncFolder(ctx, "acct", "5"); err != nil {
		t.Fatalf("SyncFolder failed: %v", err)
	}

	// The request must have carried all three pending operations.
	reqs := fx.doer.requests["Sync"]
	if len(reqs) != 1 {
		t.Fatalf("got %d Sync requests, want 1", len(reqs))
	}
	cmds := reqs[0].Child("Sync").Child("Collections").Child("Collection").Child("Commands")
	if cmds == nil {
		t.Fatal("Sync request carried no Commands block")
	}
	add := cmds.Child("Add")
	if add == nil || add.Text("ClientId") != "local-1" {
		t.Errorf("Add command = %+v, want ClientId local-1", add)
	}
	if got := add.Child("ApplicationData").Text("FirstName"); got != "Ada" {
		t.Errorf("uploaded FirstName = %q, want Ada", got)
	}
	if got := cmds.Child("Change").Text("ServerId"); got != "3:4" {
		t.Errorf("Change ServerId = %q, want 3:4", got)
	}
	if got := cmds.Child("Delete").Text("ServerId"); got != "3:9" {
		t.Errorf("Delete ServerId = %q, want 3:9", got)
	}

	// Acceptance drains the change log and rebinds the new item to
	// its server id.
	if left := fx.changes.ListChanges(parent, 0, ""); len(left) != 0 {
		t.Errorf("change log not drained: %v", left)
	}
	if _, ok := fx.records.Get("book", "3:12"); !ok {
		t.Error("accepted item was not rebound to its server id")
	}
	if _, ok := fx.records.Get("book", "local-1"); ok {
		t.Error("provisional id still present after rebinding")
	}
}

func TestSyncFolderRejectedUploadRequeued(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)

	if err := fx.folders.SetFolder(ctx, "acct", &folders.Folder{
		ID: "5", ParentID: "0", DisplayName: "Contacts", Type: "9",
		SyncKey: "10", Target: "book"}); err != nil {
		t.Fatalf("SetFolder failed: %v", err)
	}
	parent := folders.ChangeParent("acct", "5")
	rec := fx.records.Create("book", "local-1")
	rec.SetProperty("FirstName", "Ada")
	fx.changes.RecordChange(parent, "local-1", "new")
	fx.changes.RecordChange(parent, "3:9", "deleted")

	fx.doer.push("GetItemEstimate", estimateResponse("0"))
	fx.doer.push("Sync", syncResponse("11", func(e *wbxml.Encoder) {
		e.OpenTag("Responses")
		e.OpenTag("Add")
		e.AttributeTag("ClientId", "local-1", wbxml.AlwaysEmit)
		e.AttributeTag("Status", "6", wbxml.AlwaysEmit)
		e.CloseTag()
		e.CloseTag()
	}))

	if err := fx.session.SyncFolder(ctx, "acct", "5"); err != nil {
		t.Fatalf("SyncFolder failed: %v", err)
	}

	// The delete was silently accepted; the rejected add survives
	// for the next run.
	want := []changelog.Entry{{ParentID: parent, ItemID: "local-1", Status: "new"}}
	if diff := cmp.Diff(want, fx.changes.ListChanges(parent, 0, "")); diff != "" {
		t.Errorf("change log (-want +got):\n%s", diff)
	}
}

func TestSyncFolderInvalidKeyResets(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)

	if err := fx.folders.SetFolder(ctx, "acct", &folders.Folder{
		ID: "5", ParentID: "0", DisplayName: "Contacts", Type: "9",
		SyncKey: "10", Target: "book"}); err != nil {
		t.Fatalf("SetFolder failed: %v", err)
	}
	parent := folders.ChangeParent("acct", "5")
	fx.changes.RecordChange(parent, "3:4", "modified")

	fx.doer.push("GetItemEstimate", estimateResponse("0"))
	bad := func() []byte {
		e := wbxml.NewEncoder(wbxml.AirSync)
		e.OpenTag("Sync")
		e.OpenTag("Collections")
		e.OpenTag("Collection")
		e.AttributeTag("CollectionId", "5", wbxml.AlwaysEmit)
		e.AttributeTag("Status", "3", wbxml.AlwaysEmit)
		e.CloseTag()
		e.CloseTag()
		e.CloseTag()
		b, err := e.Bytes()
		if err != nil {
			panic(err)
		}
		return b
	}()
	fx.doer.push("Sync", bad)

	if err := fx.session.SyncFolder(ctx, "acct", "5"); err == nil {
		t.Fatal("SyncFolder succeeded on an invalid sync key")
	}
	f, err := fx.folders.Folder("acct", "5")
	if err != nil {
		t.Fatalf("Folder failed: %v", err)
	}
	if f.SyncKey != "0" {
		t.Errorf("SyncKey = %q, want 0 after reset", f.SyncKey)
	}
	if left := fx.changes.ListChanges(parent, 0, ""); len(left) != 0 {
		t.Errorf("stale changes survived the reset: %v", left)
	}
}

func TestNegotiatePicksNewestCommonVersion(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)

	a, err := fx.folders.Account("acct")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	a.ASVersion = ""

	// negotiate reads response headers, which scriptDoer does not
	// carry; stub the Doer directly.
	fx.session.doer = doerFunc(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		h := map[string][]string{"Ms-Asprotocolversions": {"2.0,2.5,12.0,12.1"}}
		return &transport.Response{Status: 200, Header: h, FinalURL: req.URL}, nil
	})
	if err := fx.session.negotiate(ctx, &a); err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if a.ASVersion != "12.1" {
		t.Errorf("negotiated %q, want 12.1", a.ASVersion)
	}
	stored, err := fx.folders.Account("acct")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if stored.ASVersion != "12.1" {
		t.Errorf("stored version %q, want 12.1", stored.ASVersion)
	}
}

type doerFunc func(ctx context.Context, req transport.Request) (*transport.Response, error)

func (f doerFunc) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return f(ctx, req)
}

func settingsResponse(status string, addrs []string) []byte {
	e := wbxml.NewEncoder(wbxml.Settings)
	e.OpenTag("Settings")
	e.AttributeTag("Status", status, wbxml.AlwaysEmit)
	e.OpenTag("DeviceInformation")
	e.AttributeTag("Status", status, wbxml.AlwaysEmit)
	e.CloseTag()
	e.OpenTag("UserInformation")
	e.AttributeTag("Status", status, wbxml.AlwaysEmit)
	e.OpenTag("Get")
	e.OpenTag("EmailAddresses")
	for _, a := range addrs {
		e.AttributeTag("SmtpAddress", a, wbxml.AlwaysEmit)
	}
	e.CloseTag()
	e.CloseTag()
	e.CloseTag()
	e.CloseTag()
	b, err := e.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

func TestSendSettingsRegistersDevice(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)
	a, err := fx.folders.Account("acct")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}

	fx.doer.push("Settings", settingsResponse("1", []string{"user@example.com"}))
	if err := fx.session.sendSettings(ctx, a); err != nil {
		t.Fatalf("sendSettings failed: %v", err)
	}

	reqs := fx.doer.requests["Settings"]
	if len(reqs) != 1 {
		t.Fatalf("got %d Settings requests, want 1", len(reqs))
	}
	set := reqs[0].Child("Settings").Child("DeviceInformation").Child("Set")
	if set == nil {
		t.Fatal("request carried no DeviceInformation Set block")
	}
	for tag, want := range map[string]string{
		"Model":        "easync",
		"FriendlyName": "easync",
		"OS":           "Linux",
		"UserAgent":    "easync/1.0",
	} {
		if got := set.Text(tag); got != want {
			t.Errorf("%s = %q, want %q", tag, got, want)
		}
	}
	if !reqs[0].Child("Settings").Has("UserInformation") {
		t.Error("request did not ask for user information")
	}
}

func TestSendSettingsRejected(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(ctx, t)
	a, err := fx.folders.Account("acct")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}

	fx.doer.push("Settings", settingsResponse("2", nil))
	if err := fx.session.sendSettings(ctx, a); err == nil {
		t.Fatal("sendSettings accepted a rejecting server")
	}
}

func TestEncodeDecodeEventThroughSession(t *testing.T) {
	// The calendar path shares the pipeline; exercise the class
	// dispatch through decodeItem with a translated event.
	ctx := context.Background()
	fx := newFixture(ctx, t)

	e := wbxml.NewEncoder(wbxml.Calendar)
	e.AttributeTag("Subject", "Standup", wbxml.AlwaysEmit)
	e.AttributeTag("AllDayEvent", "0", wbxml.AlwaysEmit)
	e.AttributeTag("StartTime", "20260901T100000Z", wbxml.AlwaysEmit)
	e.AttributeTag("EndTime", "20260901T101500Z", wbxml.AlwaysEmit)
	b, err := e.Bytes()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	data, err := wbxml.Decode(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	a, err := fx.folders.Account("acct")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	tr := translate.New(a.Settings(), tzdata.NewTables("UTC"), zerolog.Nop())
	rec := fx.records.Create("cal", "3:1")
	if err := fx.session.decodeItem(tr, classCalendar, data, rec); err != nil {
		t.Fatalf("decodeItem failed: %v", err)
	}
	if got := rec.GetProperty("Subject", ""); got != "Standup" {
		t.Errorf("Subject = %q, want Standup", got)
	}
}
