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

// Package sync drives the FolderSync and Sync exchanges against a
// server and reconciles the results with local storage.
package sync

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"easync/internal/changelog"
	"easync/internal/creds"
	"easync/internal/folders"
	"easync/internal/record"
	"easync/internal/translate"
	"easync/internal/transport"
	"easync/internal/tzdata"
	"easync/internal/wbxml"
	"easync/internal/wire"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	classContacts = "Contacts"
	classCalendar = "Calendar"

	contentType = "application/vnd.ms-sync.wbxml"
	deviceID    = "easync"
	deviceType  = "SmartPhone"
	deviceModel = "easync"
	deviceOS    = "Linux"
	userAgent   = "easync/1.0"

	windowSize = "100"
)

// preferredVersions is the negotiation order, newest first.
var preferredVersions = []string{"14.0", "12.1", "12.0", "2.5"}

// Session ties one run's collaborators together.  It is safe for the
// per-folder goroutines SyncAccount spawns.
type Session struct {
	doer    transport.Doer
	folders *folders.Store
	changes *changelog.Store
	records RecordStorage
	creds   creds.Store
	tz      *tzdata.Tables
	log     zerolog.Logger
	timeout time.Duration
}

func New(doer transport.Doer, f *folders.Store, c *changelog.Store,
	r RecordStorage, cr creds.Store, tz *tzdata.Tables, log zerolog.Logger) *Session {
	return &Session{
		doer:    doer,
		folders: f,
		changes: c,
		records: r,
		creds:   cr,
		tz:      tz,
		log:     log.With().Str("component", "sync").Logger(),
		timeout: 2 * time.Minute,
	}
}

// folderClass maps a server folder type code to the item class synced
// from it.  Both the default folder and the user-created variant of
// each class map; everything else is unsyncable here.
func folderClass(folderType string) string {
	switch folderType {
	case "8", "13":
		return classCalendar
	case "9", "14":
		return classContacts
	}
	return ""
}

func protoMajor(version string) int {
	head := version
	if i := strings.IndexByte(head, '.'); i >= 0 {
		head = head[:i]
	}
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

func endpoint(a folders.Account, cmd string) string {
	q := url.Values{}
	q.Set("Cmd", cmd)
	q.Set("User", a.Email)
	q.Set("DeviceId", deviceID)
	q.Set("DeviceType", deviceType)
	return strings.TrimSuffix(a.ServerURL, "/") +
		"/Microsoft-Server-ActiveSync?" + q.Encode()
}

// SyncAccount refreshes the folder hierarchy and then syncs every
// selected folder, folders in parallel.
func (s *Session) SyncAccount(ctx context.Context, accountID string) error {
	a, err := s.folders.Account(accountID)
	if err != nil {
		return err
	}
	if a.ASVersion == "" {
		if err := s.negotiate(ctx, &a); err != nil {
			return errors.Wrap(err, "protocol negotiation failed")
		}
		// First contact with this server; introduce the device.  The
		// Settings command only exists from protocol 12 on.
		if protoMajor(a.ASVersion) >= 12 {
			if err := s.sendSettings(ctx, a); err != nil {
				s.log.Warn().Err(err).Str("account", a.ID).
					Msg("device settings not accepted")
			}
		}
	}

	if err := s.FolderSync(ctx, accountID); err != nil {
		return errors.Wrap(err, "folder sync failed")
	}

	all, err := s.folders.Folders(accountID)
	if err != nil {
		return err
	}
	grp, ctx := errgroup.WithContext(ctx)
	for _, f := range all {
		if f.Target == "" || folderClass(f.Type) == "" {
			continue
		}
		folderID := f.ID
		grp.Go(func() error {
			return s.SyncFolder(ctx, accountID, folderID)
		})
	}
	return grp.Wait()
}

// negotiate asks the server which protocol versions it speaks and
// records the newest one this client also speaks.
func (s *Session) negotiate(ctx context.Context, a *folders.Account) error {
	resp, err := s.post(ctx, *a, transport.Request{
		Method: http.MethodOptions,
		URL:    strings.TrimSuffix(a.ServerURL, "/") + "/Microsoft-Server-ActiveSync",
	})
	if err != nil {
		return err
	}
	offered := resp.Header.Get("MS-ASProtocolVersions")
	for _, want := range preferredVersions {
		for _, v := range strings.Split(offered, ",") {
			if strings.TrimSpace(v) == want {
				a.ASVersion = want
				s.log.Info().Str("account", a.ID).Str("version", want).
					Msg("protocol version negotiated")
				return s.folders.SetVersion(ctx, a.ID, want)
			}
		}
	}
	return errors.Errorf("no common protocol version in %q", offered)
}

// sendSettings announces the device to the server and asks for the
// account's SMTP addresses, which some servers require before they
// will answer Sync.
func (s *Session) sendSettings(ctx context.Context, a folders.Account) error {
	e := wbxml.NewEncoder(wbxml.Settings)
	e.OpenTag("Settings")
	e.OpenTag("DeviceInformation")
	e.OpenTag("Set")
	e.AttributeTag("Model", deviceModel, wbxml.AlwaysEmit)
	e.AttributeTag("FriendlyName", deviceID, wbxml.AlwaysEmit)
	e.AttributeTag("OS", deviceOS, wbxml.AlwaysEmit)
	e.AttributeTag("UserAgent", userAgent, wbxml.AlwaysEmit)
	e.CloseTag()
	e.CloseTag()
	e.OpenTag("UserInformation")
	e.AttributeTag("Get", "", wbxml.AlwaysEmit)
	e.CloseTag()
	e.CloseTag()
	body, err := e.Bytes()
	if err != nil {
		return err
	}

	resp, err := s.post(ctx, a, transport.Request{
		Method: http.MethodPost,
		URL:    endpoint(a, "Settings"),
		Body:   body,
	})
	if err != nil {
		return err
	}
	tree, err := wbxml.Decode(resp.Body)
	if err != nil {
		return err
	}
	st := tree.Child("Settings")
	if status := st.Text("Status"); status != "1" {
		return errors.Errorf("Settings returned status %q", status)
	}
	if di := st.Child("DeviceInformation"); di != nil {
		if status := di.Text("Status"); status != "1" {
			return errors.Errorf("device information rejected with status %q", status)
		}
	}
	addrs := st.Child("UserInformation").Child("Get").
		Child("EmailAddresses").TextList("SmtpAddress")
	s.log.Info().Str("account", a.ID).Strs("addresses", addrs).
		Msg("device registered with server")
	return nil
}

// post performs one credentialed exchange against the server.
func (s *Session) post(ctx context.Context, a folders.Account, req transport.Request) (*transport.Response, error) {
	host := a.ServerURL
	if u, err := url.Parse(a.ServerURL); err == nil {
		host = u.Host
	}
	password, _ := s.creds.GetPassword(host, "", a.Email)
	req.Username = a.Email
	req.Password = password
	req.Timeout = s.timeout
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if len(req.Body) > 0 {
		req.Header.Set("Content-Type", contentType)
	}
	if a.ASVersion != "" {
		req.Header.Set("MS-ASProtocolVersion", a.ASVersion)
	}

	resp, err := s.doer.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return nil, errors.Errorf("authentication rejected (HTTP %d)", resp.Status)
	case resp.Status >= 300:
		return nil, errors.Errorf("server returned HTTP %d", resp.Status)
	}
	return resp, nil
}

// FolderSync pulls the folder hierarchy and reconciles the local copy
// with it.  The full hierarchy is fetched each run; it is tiny, and a
// stateless fetch sidesteps hierarchy-key bookkeeping.
func (s *Session) FolderSync(ctx context.Context, accountID string) error {
	a, err := s.folders.Account(accountID)
	if err != nil {
		return err
	}

	e := wbxml.NewEncoder(wbxml.FolderHierarchy)
	e.OpenTag("FolderSync")
	e.AttributeTag("SyncKey", "0", wbxml.AlwaysEmit)
	e.CloseTag()
	body, err := e.Bytes()
	if err != nil {
		return err
	}

	resp, err := s.post(ctx, a, transport.Request{
		Method: http.MethodPost,
		URL:    endpoint(a, "FolderSync"),
		Body:   body,
	})
	if err != nil {
		return err
	}
	tree, err := wbxml.Decode(resp.Body)
	if err != nil {
		return err
	}

	fs := tree.Child("FolderSync")
	if status := fs.Text("Status"); status != "1" {
		return errors.Errorf("FolderSync returned status %q", status)
	}
	ch := fs.Child("Changes")
	for _, op := range []string{"Add", "Update"} {
		for _, n := range ch.Children(op) {
			f := folders.Folder{
				ID:          n.Text("ServerId"),
				ParentID:    n.Text("ParentId"),
				DisplayName: n.Text("DisplayName"),
				Type:        n.Text("Type"),
				SyncKey:     "0",
			}
			// Keep sync state across hierarchy refreshes.
			if prev, err := s.folders.Folder(accountID, f.ID); err == nil {
				f.SyncKey = prev.SyncKey
				f.Target = prev.Target
			}
			if err := s.folders.SetFolder(ctx, accountID, &f); err != nil {
				return err
			}
		}
	}
	for _, n := range ch.Children("Delete") {
		id := n.Text("ServerId")
		if err := s.folders.RemoveFolder(ctx, accountID, id); err != nil {
			if errors.Cause(err) != folders.ErrUnknownFolder {
				return err
			}
			continue
		}
		s.changes.ClearAllForParent(folders.ChangeParent(accountID, id))
	}
	s.log.Info().Str("account", accountID).
		Str("count", ch.Text("Count")).Msg("folder hierarchy refreshed")
	return nil
}

// uploads remembers which change log entries went out in one Sync
// exchange, for reconciling against the response.
type uploads struct {
	adds   []string // client ids
	others []string // server ids of changes and deletes
}

// SyncFolder runs Sync exchanges against one folder until the server
// reports no more changes.  A folder that has never synced first runs
// the key-provisioning exchange.
func (s *Session) SyncFolder(ctx context.Context, accountID, folderID string) error {
	a, err := s.folders.Account(accountID)
	if err != nil {
		return err
	}
	f, err := s.folders.Folder(accountID, folderID)
	if err != nil {
		return err
	}
	class := folderClass(f.Type)
	if class == "" {
		return errors.Errorf("folder %q has unsyncable type %q", folderID, f.Type)
	}
	tr := translate.New(a.Settings(), s.tz, s.log)
	parent := folders.ChangeParent(accountID, folderID)
	log := s.log.With().Str("account", accountID).Str("folder", folderID).
		Str("class", class).Logger()

	if f.SyncKey == "0" {
		key, err := s.provisionKey(ctx, a, f, class)
		if err != nil {
			return errors.Wrap(err, "initial sync failed")
		}
		f.SyncKey = key
		if err := s.folders.SetSyncKey(ctx, accountID, folderID, key); err != nil {
			return err
		}
		// A fresh key means the server will resend everything;
		// pending local edits would collide with their own
		// downloads.
		s.changes.ClearAllForParent(parent)
	}

	if n, err := s.estimate(ctx, a, f, class); err != nil {
		log.Debug().Err(err).Msg("item estimate unavailable")
	} else {
		log.Info().Int("estimate", n).Msg("starting folder sync")
	}

	for {
		body, sent, err := s.buildSync(tr, a, f, class, parent)
		if err != nil {
			return err
		}
		resp, err := s.post(ctx, a, transport.Request{
			Method: http.MethodPost,
			URL:    endpoint(a, "Sync"),
			Body:   body,
		})
		if err != nil {
			return err
		}
		tree, err := wbxml.Decode(resp.Body)
		if err != nil {
			return err
		}

		coll := tree.Child("Sync").Child("Collections").Child("Collection")
		if coll == nil {
			// An empty response body means nothing changed on
			// either side.
			return nil
		}
		switch status := coll.Text("Status"); status {
		case "1":
		case "3":
			// Invalid sync key: local state is stale, start
			// over next run.
			s.changes.ClearAllForParent(parent)
			if err := s.folders.SetSyncKey(ctx, accountID, folderID, "0"); err != nil {
				return err
			}
			return errors.Errorf("server rejected sync key, folder %q reset", folderID)
		default:
			return errors.Errorf("Sync returned status %q", status)
		}

		key := coll.Text("SyncKey")
		if key == "" {
			return errors.Wrap(wire.ErrMalformed, "Sync response without a sync key")
		}
		s.applyCommands(tr, class, f.Target, parent, coll, log)
		s.applyResponses(coll, f.Target, parent, sent, log)
		f.SyncKey = key
		if err := s.folders.SetSyncKey(ctx, accountID, folderID, key); err != nil {
			return err
		}
		if !coll.Has("MoreAvailable") {
			// Entries re-queued after a rejection stay for the
			// next run rather than retrying immediately.
			return nil
		}
	}
}

// provisionKey runs the SyncKey-0 exchange that issues the first real
// key for a collection.
func (s *Session) provisionKey(ctx context.Context, a folders.Account, f folders.Folder, class string) (string, error) {
	e := wbxml.NewEncoder(wbxml.AirSync)
	e.OpenTag("Sync")
	e.OpenTag("Collections")
	e.OpenTag("Collection")
	if protoMajor(a.ASVersion) < 12 {
		e.AttributeTag("Class", class, wbxml.AlwaysEmit)
	}
	e.AttributeTag("SyncKey", "0", wbxml.AlwaysEmit)
	e.AttributeTag("CollectionId", f.ID, wbxml.AlwaysEmit)
	e.CloseTag()
	e.CloseTag()
	e.CloseTag()
	body, err := e.Bytes()
	if err != nil {
		return "", err
	}

	resp, err := s.post(ctx, a, transport.Request{
		Method: http.MethodPost,
		URL:    endpoint(a, "Sync"),
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	tree, err := wbxml.Decode(resp.Body)
	if err != nil {
		return "", err
	}
	coll := tree.Child("Sync").Child("Collections").Child("Collection")
	if status := coll.Text("Status"); status != "1" {
		return "", errors.Errorf("Sync returned status %q", status)
	}
	key := coll.Text("SyncKey")
	if key == "" || key == "0" {
		return "", errors.Wrap(wire.ErrMalformed, "server issued no sync key")
	}
	return key, nil
}

// estimate asks the server how many changes are pending for the
// collection.  Advisory only; used for logging.
func (s *Session) estimate(ctx context.Context, a folders.Account, f folders.Folder, class string) (int, error) {
	e := wbxml.NewEncoder(wbxml.GetItemEstimate)
	e.OpenTag("GetItemEstimate")
	e.OpenTag("Collections")
	e.OpenTag("Collection")
	if protoMajor(a.ASVersion) < 12 {
		e.AttributeTag("Class", class, wbxml.AlwaysEmit)
	}
	e.AttributeTag("CollectionId", f.ID, wbxml.AlwaysEmit)
	e.SwitchCodepage(wbxml.AirSync)
	e.AttributeTag("SyncKey", f.SyncKey, wbxml.AlwaysEmit)
	e.SwitchCodepage(wbxml.GetItemEstimate)
	e.CloseTag()
	e.CloseTag()
	e.CloseTag()
	body, err := e.Bytes()
	if err != nil {
		return 0, err
	}

	resp, err := s.post(ctx, a, transport.Request{
		Method: http.MethodPost,
		URL:    endpoint(a, "GetItemEstimate"),
		Body:   body,
	})
	if err != nil {
		return 0, err
	}
	tree, err := wbxml.Decode(resp.Body)
	if err != nil {
		return 0, err
	}
	r := tree.Child("GetItemEstimate").Child("Response")
	if status := r.Text("Status"); status != "1" {
		return 0, errors.Errorf("GetItemEstimate returned status %q", status)
	}
	n, err := strconv.Atoi(r.Child("Collection").Text("Estimate"))
	if err != nil {
		return 0, errors.Wrap(wire.ErrMalformed, "unreadable estimate")
	}
	return n, nil
}

// buildSync assembles one Sync request: the collection header plus a
// Commands block draining the folder's change log.
func (s *Session) buildSync(tr *translate.Translator, a folders.Account, f folders.Folder, class, parent string) ([]byte, uploads, error) {
	var sent uploads

	e := wbxml.NewEncoder(wbxml.AirSync)
	e.OpenTag("Sync")
	e.OpenTag("Collections")
	e.OpenTag("Collection")
	if protoMajor(a.ASVersion) < 12 {
		e.AttributeTag("Class", class, wbxml.AlwaysEmit)
	}
	e.AttributeTag("SyncKey", f.SyncKey, wbxml.AlwaysEmit)
	e.AttributeTag("CollectionId", f.ID, wbxml.AlwaysEmit)
	e.AttributeTag("DeletesAsMoves", "0", wbxml.AlwaysEmit)
	e.AttributeTag("GetChanges", "", wbxml.AlwaysEmit)
	e.AttributeTag("WindowSize", windowSize, wbxml.AlwaysEmit)

	pending := s.changes.ListChanges(parent, 0, "")
	if len(pending) > 0 {
		e.OpenTag("Commands")
		for _, c := range pending {
			switch {
			case strings.HasPrefix(c.Status, "deleted"):
				e.OpenTag("Delete")
				e.AttributeTag("ServerId", c.ItemID, wbxml.AlwaysEmit)
				e.CloseTag()
				sent.others = append(sent.others, c.ItemID)
			case strings.HasPrefix(c.Status, "new"):
				rec, ok := s.records.Get(f.Target, c.ItemID)
				if !ok {
					// The record vanished locally; drop
					// the stale entry.
					s.changes.ClearChange(parent, c.ItemID, false)
					continue
				}
				e.OpenTag("Add")
				e.AttributeTag("ClientId", c.ItemID, wbxml.AlwaysEmit)
				e.OpenTag("ApplicationData")
				if err := s.encodeItem(tr, class, rec, e); err != nil {
					return nil, sent, err
				}
				e.CloseTag()
				e.CloseTag()
				sent.adds = append(sent.adds, c.ItemID)
			case strings.HasPrefix(c.Status, "modified"):
				rec, ok := s.records.Get(f.Target, c.ItemID)
				if !ok {
					s.changes.ClearChange(parent, c.ItemID, false)
					continue
				}
				e.OpenTag("Change")
				e.AttributeTag("ServerId", c.ItemID, wbxml.AlwaysEmit)
				e.OpenTag("ApplicationData")
				if err := s.encodeItem(tr, class, rec, e); err != nil {
					return nil, sent, err
				}
				e.CloseTag()
				e.CloseTag()
				sent.others = append(sent.others, c.ItemID)
			default:
				s.log.Warn().Str("status", c.Status).Str("item", c.ItemID).
					Msg("unknown change status, dropping entry")
				s.changes.ClearChange(parent, c.ItemID, false)
			}
		}
		e.CloseTag()
	}

	e.CloseTag()
	e.CloseTag()
	e.CloseTag()
	body, err := e.Bytes()
	return body, sent, err
}

func (s *Session) encodeItem(tr *translate.Translator, class string, rec record.Record, e *wbxml.Encoder) error {
	switch class {
	case classContacts:
		tr.EncodeContact(rec, e)
	case classCalendar:
		ev, ok := rec.(record.EventRecord)
		if !ok {
			return errors.Errorf("record %q cannot hold an event", rec.ID())
		}
		if err := tr.EncodeEvent(ev, e, translate.EncodeOptions{}); err != nil {
			return err
		}
	}
	e.SwitchCodepage(wbxml.AirSync)
	return nil
}

// applyCommands folds the server's Add/Change/Delete commands into
// local storage.  A translator failure abandons only that item.
func (s *Session) applyCommands(tr *translate.Translator, class, target, parent string, coll *wire.Node, log zerolog.Logger) {
	cmds := coll.Child("Commands")
	if cmds == nil {
		return
	}
	for _, op := range []string{"Add", "Change"} {
		for _, n := range cmds.Children(op) {
			id := n.Text("ServerId")
			data := n.Child("ApplicationData")
			if id == "" || data == nil {
				log.Warn().Str("op", op).Msg("skipping command without id or data")
				continue
			}
			rec, ok := s.records.Get(target, id)
			if !ok {
				rec = s.records.Create(target, id)
			}
			if err := s.decodeItem(tr, class, data, rec); err != nil {
				log.Error().Err(err).Str("item", id).Msg("could not apply server item")
				continue
			}
			log.Debug().Str("op", op).Str("item", id).Msg("applied server item")
		}
	}
	for _, op := range []string{"Delete", "SoftDelete"} {
		for _, n := range cmds.Children(op) {
			id := n.Text("ServerId")
			if id == "" {
				continue
			}
			s.records.Remove(target, id)
			// A pending local edit for a remotely deleted item
			// has nothing left to apply to.
			s.changes.ClearChange(parent, id, false)
			log.Debug().Str("op", op).Str("item", id).Msg("removed local item")
		}
	}
}

func (s *Session) decodeItem(tr *translate.Translator, class string, data *wire.Node, rec record.Record) error {
	switch class {
	case classContacts:
		tr.DecodeContact(data, rec)
		return nil
	case classCalendar:
		ev, ok := rec.(record.EventRecord)
		if !ok {
			return errors.Errorf("record %q cannot hold an event", rec.ID())
		}
		return tr.DecodeEvent(data, ev)
	}
	return errors.Errorf("unknown item class %q", class)
}

// applyResponses reconciles the change log with the server's verdict
// on this exchange's uploads.  Adds are acknowledged explicitly;
// changes and deletes only report failures, silence means accepted.
func (s *Session) applyResponses(coll *wire.Node, target, parent string, sent uploads, log zerolog.Logger) {
	rs := coll.Child("Responses")

	acked := make(map[string]bool)
	failed := make(map[string]bool)
	if rs != nil {
		for _, n := range rs.Children("Add") {
			clientID := n.Text("ClientId")
			if n.Text("Status") != "1" {
				failed[clientID] = true
				continue
			}
			acked[clientID] = true
			if serverID := n.Text("ServerId"); serverID != "" {
				s.records.Rename(target, clientID, serverID)
			}
		}
		for _, op := range []string{"Change", "Delete"} {
			for _, n := range rs.Children(op) {
				if n.Text("Status") != "1" {
					failed[n.Text("ServerId")] = true
				}
			}
		}
	}

	for _, id := range sent.adds {
		switch {
		case acked[id]:
			s.changes.ClearChange(parent, id, false)
		case failed[id]:
			log.Warn().Str("item", id).Msg("server rejected new item, will retry")
			s.changes.ClearChange(parent, id, true)
		default:
			// No verdict at all; keep the entry where it is.
			log.Warn().Str("item", id).Msg("new item unacknowledged")
		}
	}
	for _, id := range sent.others {
		if failed[id] {
			log.Warn().Str("item", id).Msg("server rejected local edit, will retry")
			s.changes.ClearChange(parent, id, true)
			continue
		}
		s.changes.ClearChange(parent, id, false)
	}
}
