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
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kaycloud55/okhttp/internal"
)

// cacheInterceptor serves requests from the cache and writes network
// responses back to it.
type cacheInterceptor struct {
	cache   *Cache
	clock   internal.Clock
	logger  zerolog.Logger
	metrics *MetricsCollector
}

func (i *cacheInterceptor) Intercept(chain Chain) (*Response, error) {
	var cacheCandidate *Response
	if i.cache != nil {
		cacheCandidate = i.cache.get(chain.Request())
	}

	now := i.clock.Now().UnixMilli()
	strategy := newStrategyFactory(now, chain.Request(), cacheCandidate).compute()
	networkRequest := strategy.networkRequest
	cacheResponse := strategy.cacheResponse

	if i.cache != nil {
		i.cache.trackResponse(strategy)
		i.metrics.observeCacheRequest()
		if networkRequest != nil {
			i.metrics.observeCacheNetwork()
		}
	}
	if cacheCandidate != nil && cacheResponse == nil {
		// The candidate was unusable; release its body.
		_ = cacheCandidate.Close()
	}

	// Forbidden from the network and the cache cannot satisfy: 504.
	if networkRequest == nil && cacheResponse == nil {
		return &Response{
			Request:          chain.Request(),
			Protocol:         ProtocolHTTP11,
			Code:             http.StatusGatewayTimeout,
			Message:          "Unsatisfiable Request (only-if-cached)",
			Header:           http.Header{},
			Body:             io.NopCloser(strings.NewReader("")),
			SentAtMillis:     -1,
			ReceivedAtMillis: now,
		}, nil
	}

	// No network needed.
	if networkRequest == nil {
		resp := *cacheResponse
		resp.CacheResponse = stripBody(cacheResponse)
		i.metrics.observeCacheHit()
		i.logger.Debug().Str("url", chain.Request().URL.Redacted()).Msg("serving response from cache")
		return &resp, nil
	}

	networkResponse, err := chain.Proceed(networkRequest)
	if err != nil {
		// The cache candidate's body must not leak on I/O failure.
		if cacheCandidate != nil {
			_ = cacheCandidate.Close()
		}
		return nil, err
	}

	if cacheResponse != nil {
		if networkResponse.Code == http.StatusNotModified {
			merged := *cacheResponse
			merged.Header = combineCachedAndNetworkHeaders(cacheResponse.Header, networkResponse.Header)
			merged.cacheControl = nil
			merged.SentAtMillis = networkResponse.SentAtMillis
			merged.ReceivedAtMillis = networkResponse.ReceivedAtMillis
			merged.CacheResponse = stripBody(cacheResponse)
			merged.NetworkResponse = stripBody(networkResponse)
			_ = networkResponse.Close()

			// The entity was confirmed: a hit that also used the
			// network.
			i.cache.trackConditionalCacheHit()
			i.metrics.observeCacheHit()
			i.cache.update(&merged)
			return &merged, nil
		}
		_ = cacheResponse.Close()
	}

	resp := *networkResponse
	resp.CacheResponse = stripBody(cacheResponse)
	resp.NetworkResponse = stripBody(networkResponse)

	if i.cache != nil {
		if resp.promisesBody() && responseIsCacheable(&resp, networkRequest) {
			if writer := i.cache.put(&resp); writer != nil {
				resp.Body = &cacheWritingBody{delegate: resp.Body, writer: writer}
			}
		}
		if methodInvalidatesCache(networkRequest.Method) {
			i.cache.remove(networkRequest)
		}
	}
	return &resp, nil
}

// hopByHopHeaders are connection-scoped and never merged across a
// validation response.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isEndToEnd(name string) bool {
	return !hopByHopHeaders[http.CanonicalHeaderKey(name)]
}

func isContentSpecific(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Content-Length", "Content-Encoding", "Content-Type":
		return true
	default:
		return false
	}
}

// combineCachedAndNetworkHeaders merges headers after a 304 per
// RFC 7234 section 4.3.4: the stored entity's headers win for content,
// the network's win for freshness, and 1xx warnings are dropped.
func combineCachedAndNetworkHeaders(cached, network http.Header) http.Header {
	result := http.Header{}
	for name, values := range cached {
		if name == "Warning" {
			for _, value := range values {
				if !strings.HasPrefix(value, "1") {
					result.Add(name, value)
				}
			}
			continue
		}
		if isContentSpecific(name) || !isEndToEnd(name) || network.Get(name) == "" {
			for _, value := range values {
				result.Add(name, value)
			}
		}
	}
	for name, values := range network {
		if isContentSpecific(name) || !isEndToEnd(name) {
			continue
		}
		for _, value := range values {
			result.Add(name, value)
		}
	}
	return result
}

// cacheWritingBody tees the response body into the cache as the
// application reads it. A fully-read body commits the entry on close; a
// body abandoned early aborts it so a truncated entry is never served.
type cacheWritingBody struct {
	delegate io.ReadCloser
	writer   cacheWriter
	sawEOF   bool
	closed   bool
}

func (b *cacheWritingBody) Read(p []byte) (int, error) {
	n, err := b.delegate.Read(p)
	if n > 0 {
		_, _ = b.writer.Write(p[:n])
	}
	if err == io.EOF {
		b.sawEOF = true
	}
	return n, err
}

func (b *cacheWritingBody) Close() error {
	if !b.closed {
		b.closed = true
		b.writer.Done(b.sawEOF)
	}
	return b.delegate.Close()
}
