// Copyright 2024 Kaycloud, Inc.
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

package okhttp

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RequestBody supplies the bytes of a request. A body that can be written
// only once (a streamed upload, for example) reports IsOneShot true and
// is excluded from automatic replay on retries and redirects.
type RequestBody interface {
	// ContentType is the value for the Content-Type header, or "" for none.
	ContentType() string
	// ContentLength is the exact byte count, or -1 when unknown (the
	// request is then sent with chunked transfer encoding).
	ContentLength() int64
	// WriteTo writes the body to the wire.
	WriteTo(w io.Writer) error
	// IsOneShot reports whether the body may be written at most once.
	IsOneShot() bool
}

// BytesBody returns a replayable body over a byte slice.
func BytesBody(contentType string, data []byte) RequestBody {
	return &bytesBody{contentType: contentType, data: data}
}

// StringBody returns a replayable body over a string.
func StringBody(contentType, data string) RequestBody {
	return &bytesBody{contentType: contentType, data: []byte(data)}
}

type bytesBody struct {
	contentType string
	data        []byte
}

func (b *bytesBody) ContentType() string  { return b.contentType }
func (b *bytesBody) ContentLength() int64 { return int64(len(b.data)) }
func (b *bytesBody) IsOneShot() bool      { return false }

func (b *bytesBody) WriteTo(w io.Writer) error {
	_, err := w.Write(b.data)
	return err
}

// OneShotBody returns a body streamed from r that can be written at most
// once. Pass length -1 when unknown.
func OneShotBody(contentType string, r io.Reader, length int64) RequestBody {
	return &readerBody{contentType: contentType, reader: r, length: length}
}

type readerBody struct {
	contentType string
	reader      io.Reader
	length      int64
}

func (b *readerBody) ContentType() string  { return b.contentType }
func (b *readerBody) ContentLength() int64 { return b.length }
func (b *readerBody) IsOneShot() bool      { return true }

func (b *readerBody) WriteTo(w io.Writer) error {
	_, err := io.Copy(w, b.reader)
	return err
}

// Request is an HTTP request to be executed by a Call. Mutating a request
// after handing it to a call is not supported; use Clone.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   RequestBody

	cacheControl *CacheControl
}

// NewRequest builds a GET request for the given URL.
func NewRequest(rawURL string) (*Request, error) {
	return NewRequestWithBody(http.MethodGet, rawURL, nil)
}

// NewRequestWithBody builds a request with the given method and body.
// The URL scheme must be http or https. Methods that require a body
// (POST, PUT, PATCH, PROPPATCH, REPORT) must have one; methods that
// forbid one (GET, HEAD) must not.
func NewRequestWithBody(method, rawURL string, body RequestBody) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("okhttp: invalid url %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("okhttp: unexpected scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("okhttp: no host in %q", rawURL)
	}
	if body != nil && !methodPermitsRequestBody(method) {
		return nil, fmt.Errorf("okhttp: method %s must not have a request body", method)
	}
	if body == nil && methodRequiresRequestBody(method) {
		return nil, fmt.Errorf("okhttp: method %s must have a request body", method)
	}
	return &Request{
		Method: method,
		URL:    parsed,
		Header: http.Header{},
		Body:   body,
	}, nil
}

// Clone returns a deep copy of the request metadata. The body is shared.
func (r *Request) Clone() *Request {
	clone := &Request{
		Method: r.Method,
		URL:    cloneURL(r.URL),
		Header: r.Header.Clone(),
		Body:   r.Body,
	}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	return clone
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	if u.User != nil {
		user := *u.User
		clone.User = &user
	}
	return &clone
}

// CacheControl returns the parsed cache directives of the request,
// computing them on first use.
func (r *Request) CacheControl() CacheControl {
	if r.cacheControl == nil {
		parsed := ParseCacheControl(r.Header)
		r.cacheControl = &parsed
	}
	return *r.cacheControl
}

// SetCacheControl replaces the request's Cache-Control header with the
// rendering of cc, or removes it when cc renders empty.
func (r *Request) SetCacheControl(cc CacheControl) {
	r.cacheControl = &cc
	rendered := cc.String()
	if rendered == "" {
		r.Header.Del("Cache-Control")
		return
	}
	r.Header.Set("Cache-Control", rendered)
}

// IsHTTPS reports whether the request uses the https scheme.
func (r *Request) IsHTTPS() bool {
	return r.URL.Scheme == "https"
}

func (r *Request) host() string {
	return r.URL.Hostname()
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{%s %s}", r.Method, r.URL.Redacted())
}

func methodPermitsRequestBody(method string) bool {
	return !(method == http.MethodGet || method == http.MethodHead)
}

func methodRequiresRequestBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, "PROPPATCH", "REPORT":
		return true
	default:
		return false
	}
}

// methodInvalidatesCache reports whether a successful response to the
// method should evict any stored response for the URL.
func methodInvalidatesCache(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, "MOVE":
		return true
	default:
		return false
	}
}

// redirectsWithBody reports whether a redirect of the method keeps its
// body (only PROPFIND does, per WebDAV practice).
func redirectsWithBody(method string) bool {
	return method == "PROPFIND"
}

// redirectsToGet reports whether a redirect of the method rewrites it to
// a bodyless GET.
func redirectsToGet(method string) bool {
	return method != "PROPFIND"
}

// hostHeader renders the Host header value for a URL, omitting default
// ports.
func hostHeader(u *url.URL) string {
	host := u.Hostname()
	if strings.Contains(host, ":") {
		// IPv6 literal.
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || port == defaultPortString(u.Scheme) {
		return host
	}
	return host + ":" + port
}

func defaultPortString(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// defaultPort returns the well-known port for a scheme.
func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
