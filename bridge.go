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
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// bridgeInterceptor converts the application-facing request into a
// network request: it fills in the headers the wire requires, carries
// cookies in and out of the jar, and transparently decompresses gzip
// bodies it asked for.
type bridgeInterceptor struct {
	cookieJar http.CookieJar
	userAgent string
}

func (i *bridgeInterceptor) Intercept(chain Chain) (*Response, error) {
	userRequest := chain.Request()
	networkRequest := userRequest.Clone()

	if body := userRequest.Body; body != nil {
		if contentType := body.ContentType(); contentType != "" && networkRequest.Header.Get("Content-Type") == "" {
			networkRequest.Header.Set("Content-Type", contentType)
		}
		if length := body.ContentLength(); length != -1 {
			networkRequest.Header.Set("Content-Length", strconv.FormatInt(length, 10))
			networkRequest.Header.Del("Transfer-Encoding")
		} else {
			networkRequest.Header.Set("Transfer-Encoding", "chunked")
			networkRequest.Header.Del("Content-Length")
		}
	}
	if networkRequest.Header.Get("Host") == "" {
		networkRequest.Header.Set("Host", hostHeader(userRequest.URL))
	}
	if networkRequest.Header.Get("Connection") == "" {
		networkRequest.Header.Set("Connection", "Keep-Alive")
	}

	// Signal gzip support, unless the application asked for raw bytes
	// or ranges (a decoded partial body would have wrong offsets).
	transparentGzip := false
	if networkRequest.Header.Get("Accept-Encoding") == "" && networkRequest.Header.Get("Range") == "" {
		transparentGzip = true
		networkRequest.Header.Set("Accept-Encoding", "gzip")
	}

	if i.cookieJar != nil {
		if cookies := i.cookieJar.Cookies(userRequest.URL); len(cookies) > 0 {
			networkRequest.Header.Set("Cookie", renderCookies(cookies))
		}
	}
	if networkRequest.Header.Get("User-Agent") == "" {
		networkRequest.Header.Set("User-Agent", i.userAgent)
	}

	networkResponse, err := chain.Proceed(networkRequest)
	if err != nil {
		return nil, err
	}

	if i.cookieJar != nil {
		// Parsing Set-Cookie is delegated to net/http.
		shim := &http.Response{Header: networkResponse.Header}
		if cookies := shim.Cookies(); len(cookies) > 0 {
			i.cookieJar.SetCookies(userRequest.URL, cookies)
		}
	}

	userResponse := networkResponse
	userResponse.Request = userRequest

	if transparentGzip &&
		strings.EqualFold(networkResponse.Header.Get("Content-Encoding"), "gzip") &&
		networkResponse.promisesBody() {
		userResponse.Header.Del("Content-Encoding")
		userResponse.Header.Del("Content-Length")
		userResponse.Body = newGzipSource(networkResponse.Body)
	}
	return userResponse, nil
}

func renderCookies(cookies []*http.Cookie) string {
	var b strings.Builder
	for index, cookie := range cookies {
		if index > 0 {
			b.WriteString("; ")
		}
		b.WriteString(cookie.Name)
		b.WriteByte('=')
		b.WriteString(cookie.Value)
	}
	return b.String()
}

// gzipSource lazily decompresses a body. The gzip header is only read
// on the first Read so that opening the response does not block.
type gzipSource struct {
	raw     io.ReadCloser
	decoded *gzip.Reader
}

func newGzipSource(raw io.ReadCloser) io.ReadCloser {
	return &gzipSource{raw: raw}
}

func (g *gzipSource) Read(p []byte) (int, error) {
	if g.decoded == nil {
		decoded, err := gzip.NewReader(g.raw)
		if err != nil {
			return 0, err
		}
		g.decoded = decoded
	}
	return g.decoded.Read(p)
}

func (g *gzipSource) Close() error {
	if g.decoded != nil {
		_ = g.decoded.Close()
	}
	return g.raw.Close()
}
