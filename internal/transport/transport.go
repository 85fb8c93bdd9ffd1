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

// Package transport is the single HTTP primitive the core talks
// through.  It exposes exactly three outcomes (a response, a network
// error, a timeout) and the final post-redirect URL, which the
// autodiscover resolver needs to observe.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ErrTimeout marks an attempt that exceeded its caller-supplied
// timeout.  It is an outcome, not an exceptional condition: callers
// race many attempts and expect some of them to time out.
var ErrTimeout = errors.New("request timed out")

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}

// Request is one exchange.  Username/Password attach basic
// credentials; both empty means the request goes out uncredentialed.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Timeout  time.Duration
	Username string
	Password string
}

// Response is a completed exchange.  FinalURL is the URL the
// response actually came from after any transport-level redirects.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	FinalURL string
}

// Doer is the request primitive consumers depend on; tests stub it.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client is the net/http-backed Doer.
type Client struct {
	hc *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource layers bearer-token authentication over the base
// transport for servers negotiated onto token auth.
func WithTokenSource(src oauth2.TokenSource) Option {
	return func(c *Client) {
		c.hc.Transport = &oauth2.Transport{Source: src, Base: c.hc.Transport}
	}
}

// WithTrace dumps every request and response to stdout.
func WithTrace() Option {
	return func(c *Client) {
		c.hc.Transport = Trace(c.hc.Transport)
	}
}

// NewClient returns a transport over http.DefaultTransport.
func NewClient(opts ...Option) *Client {
	c := &Client{hc: &http.Client{Transport: http.DefaultTransport}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs one exchange.  The entire exchange shares req.Timeout;
// expiry yields ErrTimeout.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s %s", req.Method, req.URL)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.Username != "" || req.Password != "" {
		hreq.SetBasicAuth(req.Username, req.Password)
	}

	hresp, err := c.hc.Do(hreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(ErrTimeout, "%s %s", req.Method, req.URL)
		}
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(ErrTimeout, "%s %s", req.Method, req.URL)
		}
		return nil, errors.Wrapf(err, "reading %s %s", req.Method, req.URL)
	}

	return &Response{
		Status:   hresp.StatusCode,
		Header:   hresp.Header,
		Body:     data,
		FinalURL: hresp.Request.URL.String(),
	}, nil
}
