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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplicationInterceptorCanShortCircuit(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	short := InterceptorFunc(func(chain Chain) (*Response, error) {
		return &Response{
			Request:  chain.Request(),
			Protocol: ProtocolHTTP11,
			Code:     http.StatusTeapot,
			Message:  "I'm a teapot",
			Header:   http.Header{},
			Body:     io.NopCloser(strings.NewReader("short-circuit")),
		}, nil
	})
	client := newTestClient(t, server, WithInterceptors(short))

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	defer resp.Close()
	require.Equal(t, http.StatusTeapot, resp.Code)
	require.Empty(t, server.recordedRequests())
}

func TestApplicationInterceptorRunsOncePerCall(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(
		respond(http.StatusFound, "Location", "/next"),
		respond(http.StatusOK),
	)
	applicationRuns := 0
	networkRuns := 0
	application := InterceptorFunc(func(chain Chain) (*Response, error) {
		applicationRuns++
		require.Nil(t, chain.Connection())
		return chain.Proceed(chain.Request())
	})
	network := InterceptorFunc(func(chain Chain) (*Response, error) {
		networkRuns++
		require.NotNil(t, chain.Connection())
		return chain.Proceed(chain.Request())
	})
	client := newTestClient(t, server,
		WithInterceptors(application), WithNetworkInterceptors(network))

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	// The redirect made two network trips inside one application call.
	require.Equal(t, 1, applicationRuns)
	require.Equal(t, 2, networkRuns)
}

func TestNetworkInterceptorSeesBridgedHeaders(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK))
	var seen http.Header
	network := InterceptorFunc(func(chain Chain) (*Response, error) {
		seen = chain.Request().Header.Clone()
		return chain.Proceed(chain.Request())
	})
	client := newTestClient(t, server, WithNetworkInterceptors(network))

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	require.Equal(t, "h.example", seen.Get("Host"))
	require.Equal(t, "gzip", seen.Get("Accept-Encoding"))
}

func TestNetworkInterceptorMustNotChangeHost(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK))
	hostile := InterceptorFunc(func(chain Chain) (*Response, error) {
		rewritten := chain.Request().Clone()
		rewritten.URL.Host = "evil.example"
		return chain.Proceed(rewritten)
	})
	client := newTestClient(t, server, WithNetworkInterceptors(hostile))

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = client.NewCall(req).Execute()
	})
}

func TestNetworkInterceptorMustProceedExactlyOnce(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK), respond(http.StatusOK))
	greedy := InterceptorFunc(func(chain Chain) (*Response, error) {
		first, err := chain.Proceed(chain.Request())
		if err != nil {
			return nil, err
		}
		_ = first.Close()
		return chain.Proceed(chain.Request())
	})
	client := newTestClient(t, server, WithNetworkInterceptors(greedy))

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = client.NewCall(req).Execute()
	})
}

func TestInterceptorReturningNilPanics(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	broken := InterceptorFunc(func(chain Chain) (*Response, error) {
		return nil, nil
	})
	client := newTestClient(t, server, WithInterceptors(broken))
	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = client.NewCall(req).Execute()
	})
}
