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
	"crypto/x509"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/kaycloud55/okhttp/cache"
)

// Cache caches HTTP and HTTPS responses on a [cache.Store] so they can
// be reused, saving time and bandwidth. Only GET responses are stored.
type Cache struct {
	store cache.Store

	requestCount atomic.Int64
	networkCount atomic.Int64
	hitCount     atomic.Int64
}

// NewCache returns a cache over the given store.
func NewCache(store cache.Store) *Cache {
	return &Cache{store: store}
}

// RequestCount is the number of requests that consulted this cache.
func (c *Cache) RequestCount() int64 { return c.requestCount.Load() }

// NetworkCount is the number of those requests that used the network.
func (c *Cache) NetworkCount() int64 { return c.networkCount.Load() }

// HitCount is the number of those requests served by the cache, either
// directly or after a 304 confirmed the stored entity.
func (c *Cache) HitCount() int64 { return c.hitCount.Load() }

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// get returns the stored response for the request, or nil. The caller
// owns the returned body.
func (c *Cache) get(req *Request) *Response {
	key := cache.Key(req.URL.String())
	snapshot, err := c.store.Get(key)
	if err != nil || snapshot == nil {
		return nil
	}
	entry, err := cache.ReadEntry(snapshot.Metadata)
	_ = snapshot.Metadata.Close()
	if err != nil {
		snapshot.Close()
		_ = c.store.Remove(key)
		return nil
	}
	if entry.URL != req.URL.String() || entry.RequestMethod != req.Method || !entry.VaryMatches(req.Header) {
		_ = snapshot.Body.Close()
		return nil
	}
	return responseFromEntry(entry, snapshot.Body)
}

// put stores an eligible response, returning a writer that commits the
// entry when the body is fully streamed and aborts when it is not.
func (c *Cache) put(resp *Response) cacheWriter {
	if resp.Request.Method != http.MethodGet {
		// Technically HEAD and some POSTs are storable, but the
		// complexity is high and the hit rate is low.
		return nil
	}
	if hasVaryAll(resp.Header) {
		return nil
	}
	entry := entryFromResponse(resp)
	editor, err := c.store.Edit(cache.Key(resp.Request.URL.String()))
	if err != nil || editor == nil {
		return nil
	}
	var metadata strings.Builder
	if err := entry.WriteTo(&metadata); err != nil {
		_ = editor.Abort()
		return nil
	}
	if err := editor.SetMetadata([]byte(metadata.String())); err != nil {
		_ = editor.Abort()
		return nil
	}
	return &editorWriter{editor: editor}
}

// update refreshes the stored metadata after a validation response,
// leaving the body untouched.
func (c *Cache) update(merged *Response) {
	entry := entryFromResponse(merged)
	editor, err := c.store.Edit(cache.Key(merged.Request.URL.String()))
	if err != nil || editor == nil {
		return
	}
	var metadata strings.Builder
	if err := entry.WriteTo(&metadata); err != nil {
		_ = editor.Abort()
		return
	}
	snapshot, err := c.store.Get(cache.Key(merged.Request.URL.String()))
	if err != nil || snapshot == nil {
		_ = editor.Abort()
		return
	}
	if err := editor.SetMetadata([]byte(metadata.String())); err != nil {
		snapshot.Close()
		_ = editor.Abort()
		return
	}
	_, copyErr := io.Copy(editor.Body(), snapshot.Body)
	snapshot.Close()
	if copyErr != nil {
		_ = editor.Abort()
		return
	}
	_ = editor.Commit()
}

// remove drops the stored response for the request's URL, used when a
// write method succeeds against it.
func (c *Cache) remove(req *Request) {
	_ = c.store.Remove(cache.Key(req.URL.String()))
}

func (c *Cache) trackResponse(strategy cacheStrategy) {
	c.requestCount.Add(1)
	switch {
	case strategy.networkRequest != nil:
		c.networkCount.Add(1)
	case strategy.cacheResponse != nil:
		c.hitCount.Add(1)
	}
}

func (c *Cache) trackConditionalCacheHit() {
	c.hitCount.Add(1)
}

// cacheWriter receives a copy of the response body. Done(true) commits
// the entry; Done(false) discards it.
type cacheWriter interface {
	io.Writer
	Done(commit bool)
}

type editorWriter struct {
	editor cache.Editor
	broken bool
}

func (w *editorWriter) Write(p []byte) (int, error) {
	if w.broken {
		return len(p), nil
	}
	if _, err := w.editor.Body().Write(p); err != nil {
		// A failing store must not fail the call; stop writing and
		// discard the entry at the end.
		w.broken = true
	}
	return len(p), nil
}

func (w *editorWriter) Done(commit bool) {
	if commit && !w.broken {
		_ = w.editor.Commit()
		return
	}
	_ = w.editor.Abort()
}

// entryFromResponse converts a network response to storable metadata.
func entryFromResponse(resp *Response) *cache.Entry {
	entry := &cache.Entry{
		URL:                    resp.Request.URL.String(),
		RequestMethod:          resp.Request.Method,
		VaryHeaders:            varyHeaders(resp.Request.Header, resp.Header),
		Protocol:               resp.Protocol.String(),
		StatusCode:             resp.Code,
		StatusMessage:          resp.Message,
		ResponseHeaders:        resp.Header.Clone(),
		SentRequestMillis:      resp.SentAtMillis,
		ReceivedResponseMillis: resp.ReceivedAtMillis,
	}
	if handshake := resp.Handshake; handshake != nil {
		entry.CipherSuite = handshake.CipherSuite.Name()
		entry.TLSVersion = handshake.TLSVersion
		entry.PeerCertificates = encodeCertificates(handshake.PeerCertificates)
		entry.LocalCertificates = encodeCertificates(handshake.LocalCertificates)
	}
	return entry
}

// responseFromEntry reconstructs a response from stored metadata and a
// body stream.
func responseFromEntry(entry *cache.Entry, body io.ReadCloser) *Response {
	protocol, err := ParseProtocol(entry.Protocol)
	if err != nil {
		protocol = ProtocolHTTP11
	}
	cacheRequest := &Request{
		Method: entry.RequestMethod,
		URL:    mustParseURL(entry.URL),
		Header: entry.VaryHeaders.Clone(),
	}
	if cacheRequest.Header == nil {
		cacheRequest.Header = http.Header{}
	}
	resp := &Response{
		Request:          cacheRequest,
		Protocol:         protocol,
		Code:             entry.StatusCode,
		Message:          entry.StatusMessage,
		Header:           entry.ResponseHeaders.Clone(),
		Body:             body,
		SentAtMillis:     entry.SentRequestMillis,
		ReceivedAtMillis: entry.ReceivedResponseMillis,
	}
	if entry.IsHTTPS() {
		resp.Handshake = &Handshake{
			TLSVersion:        entry.TLSVersion,
			CipherSuite:       CipherSuiteForName(entry.CipherSuite),
			PeerCertificates:  decodeCertificates(entry.PeerCertificates),
			LocalCertificates: decodeCertificates(entry.LocalCertificates),
		}
	}
	return resp
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{Path: raw}
	}
	return u
}

func encodeCertificates(certificates []*x509.Certificate) [][]byte {
	if certificates == nil {
		return nil
	}
	encoded := make([][]byte, len(certificates))
	for i, cert := range certificates {
		encoded[i] = cert.Raw
	}
	return encoded
}

func decodeCertificates(encoded [][]byte) []*x509.Certificate {
	var certificates []*x509.Certificate
	for _, der := range encoded {
		if cert, err := x509.ParseCertificate(der); err == nil {
			certificates = append(certificates, cert)
		}
	}
	return certificates
}

// hasVaryAll reports a "Vary: *" response, which matches no request.
func hasVaryAll(header http.Header) bool {
	for _, field := range varyFields(header) {
		if field == "*" {
			return true
		}
	}
	return false
}

func varyFields(header http.Header) []string {
	var fields []string
	for _, value := range header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			if field = strings.TrimSpace(field); field != "" {
				fields = append(fields, field)
			}
		}
	}
	return fields
}

// varyHeaders selects the request headers named by the response's Vary
// field; they are the extra cache key dimensions beyond the URL.
func varyHeaders(requestHeader, responseHeader http.Header) http.Header {
	selected := http.Header{}
	for _, field := range varyFields(responseHeader) {
		canonical := http.CanonicalHeaderKey(field)
		for _, value := range requestHeader.Values(canonical) {
			selected.Add(canonical, value)
		}
		if _, ok := selected[canonical]; !ok {
			selected[canonical] = nil
		}
	}
	return selected
}
