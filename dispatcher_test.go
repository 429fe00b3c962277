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
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcherGlobalLimitStopsAdmission(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	releaseAll := make(chan struct{})
	for i := 0; i < 4; i++ {
		server.enqueue(respond(http.StatusOK).blockedOn(releaseAll))
	}
	client := newTestClient(t, server)
	client.Dispatcher().SetMaxRequests(2)

	var wg sync.WaitGroup
	hosts := []string{"a.example", "b.example", "c.example", "d.example"}
	for _, host := range hosts {
		req, err := NewRequest("http://" + host + "/")
		require.NoError(t, err)
		wg.Add(1)
		client.NewCall(req).Enqueue(CallbackFuncs{
			Response: func(_ *Call, resp *Response) { _ = resp.Close(); wg.Done() },
			Failure:  func(_ *Call, err error) { wg.Done() },
		})
	}

	// Distinct hosts, but the global limit holds the line at 2.
	require.Eventually(t, func() bool {
		return client.Dispatcher().RunningCallsCount() == 2 &&
			client.Dispatcher().QueuedCallsCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Raising the limit admits the rest.
	client.Dispatcher().SetMaxRequests(10)
	require.Eventually(t, func() bool {
		return client.Dispatcher().QueuedCallsCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	close(releaseAll)
	wg.Wait()
}

func TestDispatcherCancelAllReachesQueuedCalls(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	release := make(chan struct{})
	server.enqueue(
		respond(http.StatusOK).blockedOn(release),
		respond(http.StatusOK).blockedOn(release),
	)
	client := newTestClient(t, server)
	client.Dispatcher().SetMaxRequestsPerHost(1)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		req, err := NewRequest("http://h.example/")
		require.NoError(t, err)
		client.NewCall(req).Enqueue(CallbackFuncs{
			Response: func(_ *Call, resp *Response) { _ = resp.Close(); results <- nil },
			Failure:  func(_ *Call, err error) { results <- err },
		})
	}
	require.Eventually(t, func() bool {
		return client.Dispatcher().RunningCallsCount() == 1 &&
			client.Dispatcher().QueuedCallsCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	client.Dispatcher().CancelAll()
	for _, call := range client.Dispatcher().QueuedCalls() {
		require.True(t, call.IsCanceled())
	}
	for _, call := range client.Dispatcher().RunningCalls() {
		require.True(t, call.IsCanceled())
	}

	// Both calls settle with a failure.
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("call did not settle after CancelAll")
		}
	}
}

func TestDispatcherExecutorRejectionFailsCall(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	client := newTestClient(t, server)
	client.Dispatcher().executor = func(func()) error {
		return errors.New("saturated")
	}

	req, err := NewRequest("http://h.example/")
	require.NoError(t, err)
	failures := make(chan error, 1)
	client.NewCall(req).Enqueue(CallbackFuncs{
		Response: func(_ *Call, resp *Response) { _ = resp.Close() },
		Failure:  func(_ *Call, err error) { failures <- err },
	})
	select {
	case err := <-failures:
		require.ErrorIs(t, err, ErrExecutorRejected)
	case <-time.After(time.Second):
		t.Fatal("rejected call did not fail")
	}
	require.Equal(t, 0, client.Dispatcher().RunningCallsCount())
}

func TestDispatcherLimitsValidation(t *testing.T) {
	t.Parallel()
	d := NewDispatcher()
	require.Equal(t, 64, d.MaxRequests())
	require.Equal(t, 5, d.MaxRequestsPerHost())
	require.Panics(t, func() { d.SetMaxRequests(0) })
	require.Panics(t, func() { d.SetMaxRequestsPerHost(0) })
}
