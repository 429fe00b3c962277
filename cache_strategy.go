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
	"math"
	"net/http"
	"strconv"
	"time"
)

// cacheStrategy is the decision for one request given a stored
// response: use the network (networkRequest non-nil), use the cache
// (cacheResponse non-nil), both (a conditional request validating the
// stored response), or neither (the request forbids the network and the
// cache cannot satisfy it).
type cacheStrategy struct {
	networkRequest *Request
	cacheResponse  *Response
}

// strategyFactory computes a cacheStrategy following RFC 7234.
type strategyFactory struct {
	nowMillis     int64
	request       *Request
	cacheResponse *Response

	// Parsed fields of the stored response.
	servedDateMillis   int64
	hasServedDate      bool
	lastModifiedMillis int64
	hasLastModified    bool
	expiresMillis      int64
	hasExpires         bool
	etag               string

	sentRequestMillis      int64
	receivedResponseMillis int64
	ageSeconds             int64
}

func newStrategyFactory(nowMillis int64, req *Request, cacheResponse *Response) *strategyFactory {
	f := &strategyFactory{nowMillis: nowMillis, request: req, cacheResponse: cacheResponse}
	if cacheResponse == nil {
		return f
	}
	f.sentRequestMillis = cacheResponse.SentAtMillis
	f.receivedResponseMillis = cacheResponse.ReceivedAtMillis
	f.servedDateMillis, f.hasServedDate = headerDate(cacheResponse.Header, "Date")
	f.expiresMillis, f.hasExpires = headerDate(cacheResponse.Header, "Expires")
	f.lastModifiedMillis, f.hasLastModified = headerDate(cacheResponse.Header, "Last-Modified")
	f.etag = cacheResponse.Header.Get("ETag")
	f.ageSeconds = -1
	if age := cacheResponse.Header.Get("Age"); age != "" {
		if parsed, err := strconv.ParseInt(age, 10, 64); err == nil && parsed >= 0 {
			f.ageSeconds = parsed
		}
	}
	return f
}

// compute returns the strategy to satisfy the request.
func (f *strategyFactory) compute() cacheStrategy {
	candidate := f.computeCandidate()
	if candidate.networkRequest != nil && f.request.CacheControl().OnlyIfCached {
		// Forbidden from the network and the cache is insufficient.
		return cacheStrategy{}
	}
	return candidate
}

func (f *strategyFactory) computeCandidate() cacheStrategy {
	if f.cacheResponse == nil {
		return cacheStrategy{networkRequest: f.request}
	}
	// An https response missing its handshake was stored corrupt.
	if f.request.IsHTTPS() && f.cacheResponse.Handshake == nil {
		return cacheStrategy{networkRequest: f.request}
	}
	if !responseIsCacheable(f.cacheResponse, f.request) {
		return cacheStrategy{networkRequest: f.request}
	}

	requestCaching := f.request.CacheControl()
	if requestCaching.NoCache || hasConditions(f.request) {
		return cacheStrategy{networkRequest: f.request}
	}

	responseCaching := f.cacheResponse.CacheControl()
	ageMillis := f.cacheResponseAge()
	freshMillis := f.computeFreshnessLifetime()
	if requestCaching.MaxAgeSec != -1 {
		freshMillis = min(freshMillis, secondsToMillis(requestCaching.MaxAgeSec))
	}
	var minFreshMillis int64
	if requestCaching.MinFreshSec != -1 {
		minFreshMillis = secondsToMillis(requestCaching.MinFreshSec)
	}
	var maxStaleMillis int64
	if !responseCaching.MustRevalidate && requestCaching.MaxStaleSec != -1 {
		maxStaleMillis = secondsToMillis(requestCaching.MaxStaleSec)
	}

	if !responseCaching.NoCache && ageMillis+minFreshMillis < freshMillis+maxStaleMillis {
		resp := *f.cacheResponse
		resp.Header = f.cacheResponse.Header.Clone()
		if ageMillis+minFreshMillis >= freshMillis {
			resp.Header.Add("Warning", `110 HttpURLConnection "Response is stale"`)
		}
		const oneDayMillis = 24 * 60 * 60 * 1000
		if ageMillis > oneDayMillis && f.isFreshnessLifetimeHeuristic() {
			resp.Header.Add("Warning", `113 HttpURLConnection "Heuristic expiration"`)
		}
		return cacheStrategy{cacheResponse: &resp}
	}

	// The stored response is too old to serve as-is; validate it if a
	// validator exists.
	var conditionName, conditionValue string
	switch {
	case f.etag != "":
		conditionName = "If-None-Match"
		conditionValue = f.etag
	case f.hasLastModified:
		conditionName = "If-Modified-Since"
		conditionValue = httpDate(f.lastModifiedMillis)
	case f.hasServedDate:
		conditionName = "If-Modified-Since"
		conditionValue = httpDate(f.servedDateMillis)
	default:
		return cacheStrategy{networkRequest: f.request}
	}

	conditionalRequest := f.request.Clone()
	conditionalRequest.Header.Set(conditionName, conditionValue)
	return cacheStrategy{networkRequest: conditionalRequest, cacheResponse: f.cacheResponse}
}

// cacheResponseAge estimates the stored response's current age per
// RFC 7234 section 4.2.3.
func (f *strategyFactory) cacheResponseAge() int64 {
	var apparentReceivedAge int64
	if f.hasServedDate {
		apparentReceivedAge = max(0, f.receivedResponseMillis-f.servedDateMillis)
	}
	receivedAge := apparentReceivedAge
	if f.ageSeconds != -1 {
		receivedAge = max(apparentReceivedAge, f.ageSeconds*1000)
	}
	responseDuration := f.receivedResponseMillis - f.sentRequestMillis
	residentDuration := f.nowMillis - f.receivedResponseMillis
	return receivedAge + responseDuration + residentDuration
}

// computeFreshnessLifetime returns how long the response stays fresh
// from when it was served.
func (f *strategyFactory) computeFreshnessLifetime() int64 {
	responseCaching := f.cacheResponse.CacheControl()
	if responseCaching.MaxAgeSec != -1 {
		return secondsToMillis(responseCaching.MaxAgeSec)
	}
	if f.hasExpires {
		servedMillis := f.receivedResponseMillis
		if f.hasServedDate {
			servedMillis = f.servedDateMillis
		}
		return max(0, f.expiresMillis-servedMillis)
	}
	if f.hasLastModified && f.cacheResponse.Request.URL.RawQuery == "" {
		// Heuristic expiration, as recommended by the HTTP/1.0 spec:
		// 10% of the document's age when it was served.
		servedMillis := f.sentRequestMillis
		if f.hasServedDate {
			servedMillis = f.servedDateMillis
		}
		if delta := servedMillis - f.lastModifiedMillis; delta > 0 {
			return delta / 10
		}
	}
	return 0
}

// isFreshnessLifetimeHeuristic reports whether the freshness lifetime
// was estimated rather than declared.
func (f *strategyFactory) isFreshnessLifetimeHeuristic() bool {
	return f.cacheResponse.CacheControl().MaxAgeSec == -1 && !f.hasExpires
}

// responseIsCacheable reports whether a response may be stored and
// later served. This is a private client cache: s-maxage is ignored and
// private responses are storable.
func responseIsCacheable(resp *Response, req *Request) bool {
	switch resp.Code {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusGone,
		http.StatusRequestURITooLong, http.StatusNotImplemented,
		http.StatusPermanentRedirect:
		// Cacheable by default per RFC 7231 section 6.1.
	case http.StatusFound, http.StatusTemporaryRedirect:
		// Storable only with explicit freshness or scope directives.
		cc := resp.CacheControl()
		if !resp.hasExpiresHeader() && cc.MaxAgeSec == -1 && !cc.Public && !cc.Private {
			return false
		}
	default:
		return false
	}
	return !resp.CacheControl().NoStore && !req.CacheControl().NoStore
}

func (r *Response) hasExpiresHeader() bool {
	return r.Header.Get("Expires") != ""
}

// hasConditions reports a request that is already conditional; the
// cache must not interfere with application-level validation.
func hasConditions(req *Request) bool {
	return req.Header.Get("If-Modified-Since") != "" || req.Header.Get("If-None-Match") != ""
}

// secondsToMillis converts delta-seconds without overflowing.
func secondsToMillis(seconds int) int64 {
	if seconds > math.MaxInt64/2000 {
		return math.MaxInt64 / 2
	}
	return int64(seconds) * 1000
}

// httpDate renders a millisecond timestamp in RFC 7231 format.
func httpDate(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(http.TimeFormat)
}
