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

// Package autodiscover determines the real server endpoint for an
// account from nothing but the user identifier and a credential, by
// racing well-known candidate URLs through their redirect chains.
package autodiscover

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"easync/internal/transport"
	"easync/internal/wire"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrAuthFailed is the terminal credential failure (HTTP 401/403).
// During resolution it is a fallback result, preferred over a
// generic failure because it tells the user what to fix.
var ErrAuthFailed = errors.New("autodiscover: authentication failed")

// ErrUnavailable is the aggregate outcome when every candidate
// failed without producing anything more informative.
var ErrUnavailable = errors.New("autodiscover: no server found")

const (
	requestSchema  = "http://schemas.microsoft.com/exchange/autodiscover/mobilesync/requestschema/2006"
	responseSchema = "http://schemas.microsoft.com/exchange/autodiscover/mobilesync/responseschema/2006"

	// maxRedirects bounds one candidate's redirect chain.
	maxRedirects = 10
)

// Result is a successful resolution: the server endpoint plus the
// user identifier, which a protocol-level redirect may have
// rewritten along the way.
type Result struct {
	Server string
	User   string
}

// A Resolver races the candidate set.  AttemptTimeout applies to
// each individual HTTP attempt; one slow candidate never delays the
// group once any candidate has succeeded.
type Resolver struct {
	doer           transport.Doer
	log            zerolog.Logger
	attemptTimeout time.Duration

	// The stagger keeps the eight launches from bursting out in
	// one packet train.
	launch *rate.Limiter
}

// New returns a resolver over the given transport.
func New(doer transport.Doer, log zerolog.Logger, attemptTimeout time.Duration) *Resolver {
	return &Resolver{
		doer:           doer,
		log:            log,
		attemptTimeout: attemptTimeout,
		launch:         rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// candidateURLs generates the well-known endpoints for a domain:
// four host/path case variants by two schemes.
func candidateURLs(domain string) []string {
	hosts := []string{domain, "autodiscover." + domain}
	paths := []string{"/autodiscover/autodiscover.xml", "/Autodiscover/Autodiscover.xml"}
	var urls []string
	for _, scheme := range []string{"https", "http"} {
		for _, host := range hosts {
			for _, path := range paths {
				urls = append(urls, scheme+"://"+host+path)
			}
		}
	}
	return urls
}

// outcome is one candidate's terminal state.
type outcome struct {
	start  string // the candidate URL the chain started from
	result *Result
	status int // HTTP status for auth failures
	err    error
}

// Resolve races all candidates and returns the first success.
// Losing candidates are not cancelled; they run to completion and
// their outcomes are logged for diagnostics only.  With no success
// the most informative failure wins: an auth failure beats a generic
// one.
func (r *Resolver) Resolve(ctx context.Context, user, password string) (*Result, error) {
	at := strings.LastIndexByte(user, '@')
	if at < 0 || at == len(user)-1 {
		return nil, errors.Errorf("autodiscover: user %q has no domain part", user)
	}
	urls := candidateURLs(user[at+1:])

	results := make(chan outcome, len(urls))
	for _, u := range urls {
		u := u
		go func() {
			if err := r.launch.Wait(ctx); err != nil {
				results <- outcome{start: u, err: err}
				return
			}
			o := r.probe(ctx, u, user, password)
			r.log.Debug().
				Str("candidate", o.start).
				Int("status", o.status).
				Err(o.err).
				Bool("success", o.result != nil).
				Msg("autodiscover attempt finished")
			results <- o
		}()
	}

	var authFailure *outcome
	for i := 0; i < len(urls); i++ {
		o := <-results
		if o.result != nil {
			r.log.Info().
				Str("server", o.result.Server).
				Str("candidate", o.start).
				Msg("autodiscover resolved")
			// Losers keep running; their outcomes still get
			// logged by the worker goroutines above.
			return o.result, nil
		}
		if o.status == http.StatusUnauthorized || o.status == http.StatusForbidden {
			authFailure = &o
		}
	}

	if authFailure != nil {
		return nil, errors.Wrapf(ErrAuthFailed, "status %d from %s", authFailure.status, authFailure.start)
	}
	return nil, ErrUnavailable
}

// probe runs one candidate's state machine: HEAD until the URL stops
// moving, then POST; a POST-level redirect re-enters the HEAD state
// on the new URL.
func (r *Resolver) probe(ctx context.Context, url, user, password string) outcome {
	o := outcome{start: url}

	for hops := 0; hops < maxRedirects; hops++ {
		// HEAD pre-resolves redirects without ever offering the
		// credential to a host we did not choose.
		resp, err := r.doer.Do(ctx, transport.Request{
			Method:  http.MethodHead,
			URL:     url,
			Timeout: r.attemptTimeout,
		})
		if err != nil {
			o.err = err
			return o
		}
		if moved(url, resp.FinalURL) {
			url = resp.FinalURL
			continue
		}

		// Only POST responses carry the discovery payload.
		secure := strings.HasPrefix(url, "https:")
		req := transport.Request{
			Method:  http.MethodPost,
			URL:     url,
			Header:  http.Header{"Content-Type": []string{"text/xml"}},
			Body:    []byte(requestBody(user)),
			Timeout: r.attemptTimeout,
		}
		if secure {
			req.Username, req.Password = user, password
		}
		resp, err = r.doer.Do(ctx, req)
		if err != nil {
			o.err = err
			return o
		}
		if moved(url, resp.FinalURL) {
			url = resp.FinalURL
			continue
		}
		if !secure && resp.Status != http.StatusOK {
			// No credential was offered over plain HTTP, so the
			// status proves nothing; in particular a 401 here
			// must not count as an authentication verdict.
			o.err = errors.Errorf("discarding unsecure POST result from %s", url)
			return o
		}
		if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
			o.status = resp.Status
			o.err = errors.Wrapf(ErrAuthFailed, "status %d", resp.Status)
			return o
		}
		if resp.Status != http.StatusOK {
			o.err = errors.Errorf("status %d from %s", resp.Status, url)
			return o
		}

		server, redirectUser, err := parseResponse(resp.Body)
		if err != nil {
			o.err = err
			return o
		}
		if redirectUser != "" {
			// A protocol-level redirect names a new identity;
			// restart the chain against its domain.
			at := strings.LastIndexByte(redirectUser, '@')
			if at < 0 {
				o.err = errors.Errorf("redirect to invalid address %q", redirectUser)
				return o
			}
			user = redirectUser
			url = "https://autodiscover." + redirectUser[at+1:] + "/autodiscover/autodiscover.xml"
			continue
		}
		if !secure {
			// An uncredentialed POST over plain HTTP is never
			// authoritative.
			o.err = errors.Errorf("discarding unsecure POST result from %s", url)
			return o
		}
		o.result = &Result{Server: server, User: user}
		return o
	}
	o.err = errors.Errorf("redirect chain from %s exceeded %d hops", o.start, maxRedirects)
	return o
}

func moved(requested, final string) bool {
	return final != "" && final != requested
}

func requestBody(user string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<Autodiscover xmlns=%q>
  <Request>
    <EMailAddress>%s</EMailAddress>
    <AcceptableResponseSchema>%s</AcceptableResponseSchema>
  </Request>
</Autodiscover>`, requestSchema, user, responseSchema)
}

// parseResponse pulls either the server URL or a redirect address
// out of a settings document.
func parseResponse(body []byte) (server, redirectUser string, err error) {
	tree, err := wire.ParseXML(body)
	if err != nil {
		return "", "", err
	}
	resp := tree.Child("Autodiscover").Child("Response")
	if resp == nil {
		return "", "", errors.Wrap(wire.ErrMalformed, "no Response element")
	}
	action := resp.Child("Action")
	if action == nil {
		return "", "", errors.Wrap(wire.ErrMalformed, "no Action element")
	}
	if redirect := action.Text("Redirect"); redirect != "" {
		return "", redirect, nil
	}
	settings := action.Child("Settings")
	if settings == nil {
		return "", "", errors.Wrap(wire.ErrMalformed, "no Settings element")
	}
	for _, srv := range settings.Children("Server") {
		if t := srv.Text("Type"); t != "" && t != "MobileSync" {
			continue
		}
		if u := srv.Text("Url"); u != "" {
			return u, "", nil
		}
	}
	return "", "", errors.Wrap(wire.ErrMalformed, "no server URL in settings")
}
