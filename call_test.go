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
	"bytes"
	"net/http"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCallTimeoutTranslatesToTimeoutError(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	blocked := make(chan struct{})
	server.enqueue(respond(http.StatusOK).blockedOn(blocked))
	client := newTestClient(t, server, WithCallTimeout(100*time.Millisecond))

	req, err := NewRequest("http://h.example/slow")
	require.NoError(t, err)
	_, err = client.NewCall(req).Execute()
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, CallTimeout, timeoutErr.Kind)
	require.True(t, timeoutErr.Timeout())
}

func TestCallStateAccessors(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK))
	client := newTestClient(t, server)

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	call := client.NewCall(req)
	require.False(t, call.IsExecuted())
	require.False(t, call.IsCanceled())
	require.Same(t, req, call.Request())

	resp, err := call.Execute()
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	require.True(t, call.IsExecuted())

	call.Cancel()
	call.Cancel() // idempotent
	require.True(t, call.IsCanceled())
}

func TestClosedClientRejectsCalls(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	client := newTestClient(t, server)
	require.NoError(t, client.Close())

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	_, err = client.NewCall(req).Execute()
	require.ErrorIs(t, err, ErrClientClosed)
}

// syncBuffer guards concurrent writes from logger goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLeakedResponseBodyIsDetected(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	server.enqueue(respond(http.StatusOK).withBody("leak me"))
	logs := &syncBuffer{}
	client := newTestClient(t, server, WithLogger(zerolog.New(logs)))

	req, err := NewRequest("http://h.example/leaky")
	require.NoError(t, err)
	resp, err := client.NewCall(req).Execute()
	require.NoError(t, err)

	// Drop the response without closing the body.
	resp = nil
	_ = resp

	require.Eventually(t, func() bool {
		runtime.GC()
		return bytes.Contains([]byte(logs.String()), []byte("leaked"))
	}, 10*time.Second, 50*time.Millisecond)

	// The reclaimed connection is usable or gone, but not wedged: the
	// call reference was released.
	require.Eventually(t, func() bool {
		runtime.GC()
		return client.ConnectionPool().IdleConnectionCount() == client.ConnectionPool().ConnectionCount()
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSuppressedErrorsAccessor(t *testing.T) {
	t.Parallel()
	inner := &TimeoutError{Kind: ConnectTimeout}
	wrapped := withSuppressed(ErrCanceled, []error{inner})
	require.Equal(t, []error{inner}, Suppressed(wrapped))
	require.ErrorIs(t, wrapped, ErrCanceled)
	require.Nil(t, Suppressed(ErrCanceled))
}
