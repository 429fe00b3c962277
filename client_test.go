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
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedResponse is one response a fake server will serve, in order.
type scriptedResponse struct {
	code    int
	message string
	header  http.Header
	body    string
	// block, when non-nil, delays the response headers until the
	// channel is closed.
	block chan struct{}
}

func respond(code int, headerPairs ...string) scriptedResponse {
	header := http.Header{}
	for i := 0; i+1 < len(headerPairs); i += 2 {
		header.Add(headerPairs[i], headerPairs[i+1])
	}
	return scriptedResponse{code: code, message: http.StatusText(code), header: header}
}

func (s scriptedResponse) withBody(body string) scriptedResponse {
	s.body = body
	return s
}

func (s scriptedResponse) blockedOn(release chan struct{}) scriptedResponse {
	s.block = release
	return s
}

// fakeServer scripts responses and records the requests that reached
// the wire, standing in for a real peer behind the codec boundary.
type fakeServer struct {
	mu       sync.Mutex
	script   []scriptedResponse
	requests []*Request
	codecs   atomic.Int32
}

func (s *fakeServer) enqueue(responses ...scriptedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, responses...)
}

func (s *fakeServer) takeResponse() scriptedResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return respond(http.StatusOK)
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next
}

func (s *fakeServer) recordRequest(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
}

func (s *fakeServer) recordedRequests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

func (s *fakeServer) factory(conn *Connection) (ExchangeCodec, error) {
	s.codecs.Add(1)
	return &fakeCodec{server: s, conn: conn}, nil
}

type fakeCodec struct {
	server *fakeServer
	conn   *Connection
	resp   scriptedResponse

	canceled atomic.Bool
}

func (c *fakeCodec) Connection() *Connection { return c.conn }

func (c *fakeCodec) WriteRequestHeaders(req *Request) error {
	c.server.recordRequest(req.Clone())
	c.resp = c.server.takeResponse()
	return nil
}

func (c *fakeCodec) CreateRequestBody(*Request, int64) (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}

func (c *fakeCodec) FlushRequest() error  { return nil }
func (c *fakeCodec) FinishRequest() error { return nil }

func (c *fakeCodec) ReadResponseHeaders(expectContinue bool) (*Response, error) {
	if c.resp.block != nil {
		select {
		case <-c.resp.block:
		case <-time.After(10 * time.Second):
			return nil, &TimeoutError{Kind: ReadTimeout}
		}
	}
	if c.canceled.Load() {
		return nil, ErrCanceled
	}
	header := http.Header{}
	if c.resp.header != nil {
		header = c.resp.header.Clone()
	}
	return &Response{
		Protocol: ProtocolHTTP11,
		Code:     c.resp.code,
		Message:  c.resp.message,
		Header:   header,
	}, nil
}

func (c *fakeCodec) OpenResponseBody(*Response) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(c.resp.body)), nil
}

func (c *fakeCodec) Trailers() (http.Header, error) { return http.Header{}, nil }

func (c *fakeCodec) Cancel() {
	c.canceled.Store(true)
	if c.resp.block != nil {
		select {
		case <-c.resp.block:
		default:
			close(c.resp.block)
		}
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// fakeDial hands out the client half of an in-memory pipe; nothing
// reads the far end, which is fine because the fake codec never
// touches the socket.
func fakeDial(_ context.Context, _, _ string) (net.Conn, error) {
	client, _ := net.Pipe()
	return client, nil
}

type scriptDns map[string][]netip.Addr

func (d scriptDns) Lookup(_ context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := d[host]; ok {
		return addrs, nil
	}
	return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
}

func newTestClient(t *testing.T, server *fakeServer, options ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithDialer(fakeDial),
		WithDNS(scriptDns{}),
		WithCodecFactory(server.factory),
	}
	client, err := NewClient(append(base, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestExecuteSimpleGet(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK, "Content-Type", "text/plain").withBody("abc"))
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/a")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "abc", string(body))
	require.Equal(t, ProtocolHTTP11, resp.Protocol)

	// The wire request carries the synthesized headers.
	sent := server.recordedRequests()
	require.Len(t, sent, 1)
	require.Equal(t, "h.example", sent[0].Header.Get("Host"))
	require.Equal(t, "Keep-Alive", sent[0].Header.Get("Connection"))
	require.Equal(t, "gzip", sent[0].Header.Get("Accept-Encoding"))
	require.NotEmpty(t, sent[0].Header.Get("User-Agent"))

	// One connection was built and returned to the pool.
	require.Equal(t, 1, client.ConnectionPool().ConnectionCount())
	require.Eventually(t, func() bool {
		return client.ConnectionPool().IdleConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExecuteTwiceFails(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK))
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	call := client.NewCall(req)
	resp, err := call.Execute()
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	_, err = call.Execute()
	require.ErrorIs(t, err, ErrExecuted)
}

func TestConnectionReusedAcrossCalls(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK).withBody("one"), respond(http.StatusOK).withBody("two"))
	client := newTestClient(t, server)

	for _, want := range []string{"one", "two"} {
		req, err := NewRequest("http://h.example/r")
		require.NoError(t, err)
		resp, err := client.NewCall(req).Execute()
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Close())
		require.Equal(t, want, string(body))
	}
	require.Equal(t, 1, client.ConnectionPool().ConnectionCount())
}

func TestRedirectStripsAuthorizationAcrossHosts(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(
		respond(http.StatusFound, "Location", "http://b.example/y"),
		respond(http.StatusOK).withBody("done"),
	)
	client := newTestClient(t, server)

	req, err := NewRequest("http://a.example/x")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic zzz")
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	defer resp.Close()

	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, resp.PriorResponse)
	require.Equal(t, http.StatusFound, resp.PriorResponse.Code)
	require.Nil(t, resp.PriorResponse.Body)

	sent := server.recordedRequests()
	require.Len(t, sent, 2)
	require.Equal(t, "Basic zzz", sent[0].Header.Get("Authorization"))
	require.Empty(t, sent[1].Header.Get("Authorization"))
	require.Equal(t, "b.example", sent[1].URL.Hostname())
}

func TestRedirectRewritesPostToGet(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(
		respond(http.StatusMovedPermanently, "Location", "/elsewhere"),
		respond(http.StatusOK),
	)
	client := newTestClient(t, server)

	req, err := NewRequestWithBody(http.MethodPost, "http://h.example/submit", StringBody("text/plain", "payload"))
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	sent := server.recordedRequests()
	require.Len(t, sent, 2)
	require.Equal(t, http.MethodPost, sent[0].Method)
	require.Equal(t, http.MethodGet, sent[1].Method)
	require.Nil(t, sent[1].Body)
	require.Empty(t, sent[1].Header.Get("Content-Type"))
}

func TestTooManyFollowUps(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	for i := 0; i < 21; i++ {
		server.enqueue(respond(http.StatusFound, "Location", "/again"))
	}
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	_, err = client.NewCall(req).Execute()
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Contains(t, protoErr.Error(), "too many follow-up requests")
}

func TestRedirectToUnsupportedSchemeReturnsResponse(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusFound, "Location", "ftp://h.example/file"))
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	defer resp.Close()
	require.Equal(t, http.StatusFound, resp.Code)
}

func TestEnqueueDeliversExactlyOneCallback(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK).withBody("ok"))
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	responses := make(chan *Response, 2)
	failures := make(chan error, 2)
	client.NewCall(req).Enqueue(CallbackFuncs{
		Response: func(_ *Call, resp *Response) { responses <- resp },
		Failure:  func(_ *Call, err error) { failures <- err },
	})

	select {
	case resp := <-responses:
		require.Equal(t, http.StatusOK, resp.Code)
		require.NoError(t, resp.Close())
	case err := <-failures:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback within 5s")
	}
	select {
	case <-responses:
		t.Fatal("second callback fired")
	case <-failures:
		t.Fatal("failure after response")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerHostLimitAdmitsTwoOfThree(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	releaseFirst := make(chan struct{})
	releaseRest := make(chan struct{})
	server.enqueue(
		respond(http.StatusOK).blockedOn(releaseFirst),
		respond(http.StatusOK).blockedOn(releaseRest),
		respond(http.StatusOK),
	)
	client := newTestClient(t, server)
	client.Dispatcher().SetMaxRequestsPerHost(2)

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		req, err := NewRequest("http://h.example/busy")
		require.NoError(t, err)
		index := i
		client.NewCall(req).Enqueue(CallbackFuncs{
			Response: func(_ *Call, resp *Response) {
				_ = resp.Close()
				done <- index
			},
			Failure: func(_ *Call, err error) {
				t.Errorf("call %d failed: %v", index, err)
				done <- index
			},
		})
	}

	// Two calls run, the third stays queued behind the host limit.
	require.Eventually(t, func() bool {
		return client.Dispatcher().RunningCallsCount() == 2 &&
			client.Dispatcher().QueuedCallsCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Completing one promotes the third; the per-host counter never
	// exceeded two.
	close(releaseFirst)
	<-done
	require.Eventually(t, func() bool {
		return client.Dispatcher().QueuedCallsCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	close(releaseRest)
	<-done
	<-done
	require.LessOrEqual(t, client.Dispatcher().RunningCallsCount(), 2)
}

func TestCancelFiresSingleFailure(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	blocked := make(chan struct{})
	server.enqueue(respond(http.StatusOK).blockedOn(blocked))
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/slow")
	require.NoError(t, err)
	call := client.NewCall(req)
	failures := make(chan error, 2)
	call.Enqueue(CallbackFuncs{
		Response: func(_ *Call, resp *Response) {
			_ = resp.Close()
			failures <- nil
		},
		Failure: func(_ *Call, err error) { failures <- err },
	})

	require.Eventually(t, func() bool {
		return client.Dispatcher().RunningCallsCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	call.Cancel()
	require.True(t, call.IsCanceled())

	select {
	case err := <-failures:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal callback after cancel")
	}
	select {
	case <-failures:
		t.Fatal("second terminal callback after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIdleCallbackFiresWhenDrained(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK))
	client := newTestClient(t, server)

	var idle atomic.Int32
	client.Dispatcher().SetIdleCallback(func() { idle.Add(1) })

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	done := make(chan struct{})
	client.NewCall(req).Enqueue(CallbackFuncs{
		Response: func(_ *Call, resp *Response) {
			_ = resp.Close()
			close(done)
		},
		Failure: func(_ *Call, err error) { close(done) },
	})
	<-done
	require.Eventually(t, func() bool { return idle.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestGzipTransparentDecompression(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK,
		"Content-Encoding", "gzip",
		"Content-Length", "999",
	).withBody(gzipCompress(t, "hello gzip")))
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/z")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	defer resp.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello gzip", string(body))
	require.Empty(t, resp.Header.Get("Content-Encoding"))
	require.Empty(t, resp.Header.Get("Content-Length"))
}

func TestServiceUnavailableRetriedOnZeroRetryAfter(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(
		respond(http.StatusServiceUnavailable, "Retry-After", "0"),
		respond(http.StatusOK).withBody("recovered"),
	)
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/flaky")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	defer resp.Close()
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, server.recordedRequests(), 2)
}

func TestServiceUnavailableNotRetriedTwice(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(
		respond(http.StatusServiceUnavailable, "Retry-After", "0"),
		respond(http.StatusServiceUnavailable, "Retry-After", "0"),
	)
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/down")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)
	defer resp.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Len(t, server.recordedRequests(), 2)
}
