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
	"slices"
	"sync"
	"sync/atomic"
)

// Executor runs dispatcher tasks. The default spawns a goroutine per
// task, which satisfies the contract that up to MaxRequests tasks run
// concurrently. An executor that cannot accept a task returns an error
// and the call fails without running.
type Executor func(task func()) error

func goroutineExecutor(task func()) error {
	go task()
	return nil
}

// Dispatcher schedules asynchronous calls. It admits queued calls in
// order, subject to a global concurrency limit and a per-host limit,
// and tracks synchronous calls so CancelAll and idleness cover them
// too.
type Dispatcher struct {
	executor Executor
	metrics  *MetricsCollector

	mu sync.Mutex
	// +checklocks:mu
	maxRequests int
	// +checklocks:mu
	maxRequestsPerHost int
	// +checklocks:mu
	idleCallback func()
	// readyAsync holds calls waiting for admission, in arrival order.
	// +checklocks:mu
	readyAsync []*AsyncCall
	// +checklocks:mu
	runningAsync []*AsyncCall
	// +checklocks:mu
	runningSync []*Call
}

// NewDispatcher returns a dispatcher with the default limits: 64
// concurrent requests, 5 per host.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		executor:           goroutineExecutor,
		maxRequests:        64,
		maxRequestsPerHost: 5,
	}
}

// SetMaxRequests adjusts the global concurrency limit and admits any
// calls the new limit allows.
func (d *Dispatcher) SetMaxRequests(max int) {
	if max < 1 {
		panic("okhttp: max requests < 1")
	}
	d.mu.Lock()
	d.maxRequests = max
	d.mu.Unlock()
	d.promoteAndExecute()
}

// MaxRequests returns the global concurrency limit.
func (d *Dispatcher) MaxRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequests
}

// SetMaxRequestsPerHost adjusts the per-host concurrency limit and
// admits any calls the new limit allows.
func (d *Dispatcher) SetMaxRequestsPerHost(max int) {
	if max < 1 {
		panic("okhttp: max requests per host < 1")
	}
	d.mu.Lock()
	d.maxRequestsPerHost = max
	d.mu.Unlock()
	d.promoteAndExecute()
}

// MaxRequestsPerHost returns the per-host concurrency limit.
func (d *Dispatcher) MaxRequestsPerHost() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequestsPerHost
}

// SetIdleCallback registers a callback invoked each time the dispatcher
// becomes idle (no running calls of either kind).
func (d *Dispatcher) SetIdleCallback(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleCallback = callback
}

// enqueue admits or queues an asynchronous call. All calls to one host
// share a single in-flight counter, so queued and running calls charge
// the same budget.
func (d *Dispatcher) enqueue(call *AsyncCall) {
	d.mu.Lock()
	d.readyAsync = append(d.readyAsync, call)
	if existing := d.findExistingCallWithHost(call.host()); existing != nil {
		call.reuseCallsPerHostFrom(existing)
	}
	d.mu.Unlock()
	d.promoteAndExecute()
}

// +checklocks:d.mu
func (d *Dispatcher) findExistingCallWithHost(host string) *AsyncCall {
	for _, call := range d.runningAsync {
		if call.host() == host {
			return call
		}
	}
	for _, call := range d.readyAsync {
		if call.host() == host {
			return call
		}
	}
	return nil
}

// promoteAndExecute admits eligible calls from the ready queue and
// hands them to the executor. It must never run inside an application
// callback. Returns whether any calls are running.
func (d *Dispatcher) promoteAndExecute() bool {
	var executable []*AsyncCall
	d.mu.Lock()
	for i := 0; i < len(d.readyAsync); {
		if len(d.runningAsync) >= d.maxRequests {
			// The global limit does not depend on the host; no later
			// call can be admitted either.
			break
		}
		call := d.readyAsync[i]
		if int(call.callsPerHost.Load()) >= d.maxRequestsPerHost {
			// A later call to a different host may still fit.
			i++
			continue
		}
		d.readyAsync = slices.Delete(d.readyAsync, i, i+1)
		call.callsPerHost.Add(1)
		executable = append(executable, call)
		d.runningAsync = append(d.runningAsync, call)
	}
	isRunning := len(d.runningAsync)+len(d.runningSync) > 0
	queued := len(d.readyAsync)
	d.mu.Unlock()

	d.metrics.observeQueueDepth(queued)
	for _, call := range executable {
		call.executeOn(d)
	}
	return isRunning
}

// executed registers a synchronous call as running.
func (d *Dispatcher) executed(call *Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runningSync = append(d.runningSync, call)
}

// finished removes an async call from running, releases its share of
// the host budget, and admits waiting work. The freeing call's
// decrement happens before any queued call to the same host can be
// promoted.
func (d *Dispatcher) finished(call *AsyncCall) {
	call.callsPerHost.Add(-1)
	d.finishedLocked(func() {
		if i := slices.Index(d.runningAsync, call); i >= 0 {
			d.runningAsync = slices.Delete(d.runningAsync, i, i+1)
		}
	})
}

// finishedSync removes a synchronous call from running.
func (d *Dispatcher) finishedSync(call *Call) {
	d.finishedLocked(func() {
		if i := slices.Index(d.runningSync, call); i >= 0 {
			d.runningSync = slices.Delete(d.runningSync, i, i+1)
		}
	})
}

func (d *Dispatcher) finishedLocked(remove func()) {
	var idleCallback func()
	d.mu.Lock()
	remove()
	idleCallback = d.idleCallback
	d.mu.Unlock()

	isRunning := d.promoteAndExecute()
	if !isRunning && idleCallback != nil {
		idleCallback()
	}
}

// CancelAll cancels every call: queued, running async, and running
// sync. Queued calls still settle through their callbacks.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	calls := make([]*Call, 0, len(d.readyAsync)+len(d.runningAsync)+len(d.runningSync))
	for _, async := range d.readyAsync {
		calls = append(calls, async.call)
	}
	for _, async := range d.runningAsync {
		calls = append(calls, async.call)
	}
	calls = append(calls, d.runningSync...)
	d.mu.Unlock()

	for _, call := range calls {
		call.Cancel()
	}
}

// QueuedCallsCount returns the number of async calls awaiting
// admission.
func (d *Dispatcher) QueuedCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.readyAsync)
}

// RunningCallsCount returns the number of running calls, both kinds.
func (d *Dispatcher) RunningCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsync) + len(d.runningSync)
}

// QueuedCalls returns a snapshot of the queued calls.
func (d *Dispatcher) QueuedCalls() []*Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := make([]*Call, len(d.readyAsync))
	for i, async := range d.readyAsync {
		calls[i] = async.call
	}
	return calls
}

// RunningCalls returns a snapshot of the running calls, both kinds.
func (d *Dispatcher) RunningCalls() []*Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := make([]*Call, 0, len(d.runningAsync)+len(d.runningSync))
	for _, async := range d.runningAsync {
		calls = append(calls, async.call)
	}
	calls = append(calls, d.runningSync...)
	return calls
}

// AsyncCall binds a call to its callback for dispatcher scheduling.
type AsyncCall struct {
	call     *Call
	callback Callback

	// callsPerHost is shared between all async calls to the same host.
	callsPerHost *atomic.Int32
}

func newAsyncCall(call *Call, callback Callback) *AsyncCall {
	return &AsyncCall{call: call, callback: callback, callsPerHost: &atomic.Int32{}}
}

func (a *AsyncCall) host() string {
	return a.call.originalRequest.host()
}

// reuseCallsPerHostFrom shares the per-host budget with a prior call to
// the same host.
func (a *AsyncCall) reuseCallsPerHostFrom(other *AsyncCall) {
	a.callsPerHost = other.callsPerHost
}

// executeOn hands the call to the executor. If the executor rejects it,
// the call fails with an I/O error on the caller's goroutine and is
// retired from the dispatcher.
func (a *AsyncCall) executeOn(d *Dispatcher) {
	if err := d.executor(a.run); err != nil {
		a.call.noMoreExchanges(ErrExecutorRejected)
		a.callback.OnFailure(a.call, ErrExecutorRejected)
		d.finished(a)
	}
}

// run drives the call on a worker goroutine and settles the callback
// exactly once.
func (a *AsyncCall) run() {
	defer a.call.client.dispatcher.finished(a)
	resp, err := a.call.getResponseWithInterceptorChain()
	if err != nil {
		a.callback.OnFailure(a.call, err)
		return
	}
	a.callback.OnResponse(a.call, resp)
}
