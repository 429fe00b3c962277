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
	"net"
	"sync/atomic"

	"github.com/kaycloud55/okhttp/internal"
)

// Callback receives the outcome of an asynchronous call. Exactly one of
// the two methods fires, exactly once, on a dispatcher worker.
type Callback interface {
	OnResponse(call *Call, resp *Response)
	OnFailure(call *Call, err error)
}

// CallbackFuncs adapts plain functions to the Callback interface.
type CallbackFuncs struct {
	Response func(call *Call, resp *Response)
	Failure  func(call *Call, err error)
}

// OnResponse implements Callback.
func (c CallbackFuncs) OnResponse(call *Call, resp *Response) {
	if c.Response != nil {
		c.Response(call, resp)
	}
}

// OnFailure implements Callback.
func (c CallbackFuncs) OnFailure(call *Call, err error) {
	if c.Failure != nil {
		c.Failure(call, err)
	}
}

// Call is a request prepared for execution. A call owns at most one
// live exchange, accumulates prior responses across follow-ups, and can
// be canceled at any point. It may be executed at most once.
type Call struct {
	client          *Client
	originalRequest *Request

	// ctx is canceled when the call is canceled; blocking work (DNS,
	// dial, TLS handshake) runs under it.
	ctx       context.Context
	cancelCtx context.CancelFunc

	executed atomic.Bool
	canceled atomic.Bool
	timedOut atomic.Bool

	// timeout fires Cancel when the per-call deadline expires. It spans
	// the whole call: retries and follow-ups share the one budget.
	timeout internal.Timer

	// Fields below are guarded by client.pool.mu (the pool lock is
	// always acquired before any per-call state is touched, never the
	// reverse).

	// +checklocks:client.pool.mu
	finder *exchangeFinder
	// +checklocks:client.pool.mu
	connection *Connection
	// exchange is the single in-flight exchange, nil between attempts.
	// +checklocks:client.pool.mu
	exchange *Exchange
	// interceptorScopedExchange spans the network-interceptor scope of
	// one retry-loop iteration.
	// +checklocks:client.pool.mu
	interceptorScopedExchange *Exchange
	// connectionToCancel is a connect attempt in progress, reachable by
	// Cancel before the connection is bound.
	// +checklocks:client.pool.mu
	connectionToCancel *Connection
	// +checklocks:client.pool.mu
	requestBodyOpen bool
	// +checklocks:client.pool.mu
	responseBodyOpen bool
	// expectMoreExchanges stays true until the call commits to its
	// final outcome.
	// +checklocks:client.pool.mu
	expectMoreExchanges bool
}

func newCall(client *Client, req *Request) *Call {
	ctx, cancel := context.WithCancel(client.rootCtx)
	return &Call{
		client:              client,
		originalRequest:     req,
		ctx:                 ctx,
		cancelCtx:           cancel,
		expectMoreExchanges: true,
	}
}

// Request returns the original request this call was created with.
func (c *Call) Request() *Request { return c.originalRequest }

// IsExecuted reports whether Execute or Enqueue was invoked.
func (c *Call) IsExecuted() bool { return c.executed.Load() }

// IsCanceled reports whether the call was canceled. Cancellation is
// permanent.
func (c *Call) IsCanceled() bool { return c.canceled.Load() }

// Execute runs the call synchronously on the caller's goroutine.
func (c *Call) Execute() (*Response, error) {
	if !c.executed.CompareAndSwap(false, true) {
		return nil, ErrExecuted
	}
	if c.client.closed.Load() {
		return nil, ErrClientClosed
	}
	c.client.dispatcher.executed(c)
	defer c.client.dispatcher.finishedSync(c)
	return c.getResponseWithInterceptorChain()
}

// Enqueue schedules the call on the dispatcher. The callback runs on a
// dispatcher worker and fires exactly once. If the call was already
// executed or the client is closed, OnFailure runs on the caller's
// goroutine before Enqueue returns.
func (c *Call) Enqueue(callback Callback) {
	if !c.executed.CompareAndSwap(false, true) {
		callback.OnFailure(c, ErrExecuted)
		return
	}
	if c.client.closed.Load() {
		callback.OnFailure(c, ErrClientClosed)
		return
	}
	c.client.dispatcher.enqueue(newAsyncCall(c, callback))
}

// Cancel aborts the call as cheaply as possible: a protocol-level
// cancel if an exchange is in flight, otherwise closing whatever socket
// is being set up. Idempotent; canceled stays true forever.
func (c *Call) Cancel() {
	if !c.canceled.CompareAndSwap(false, true) {
		return
	}
	c.cancelCtx()
	c.client.pool.mu.Lock()
	exchange := c.exchange
	connecting := c.connectionToCancel
	conn := c.connection
	c.client.pool.mu.Unlock()

	if exchange != nil {
		exchange.cancel()
		return
	}
	if connecting != nil {
		connecting.cancel()
	}
	if conn != nil {
		conn.cancel()
	}
}

// getResponseWithInterceptorChain assembles the pipeline and drives the
// request through it.
func (c *Call) getResponseWithInterceptorChain() (*Response, error) {
	client := c.client
	interceptors := make([]Interceptor, 0, len(client.interceptors)+len(client.networkInterceptors)+5)
	interceptors = append(interceptors, client.interceptors...)
	interceptors = append(interceptors, &retryAndFollowUpInterceptor{client: client})
	interceptors = append(interceptors, &bridgeInterceptor{cookieJar: client.cookieJar, userAgent: client.userAgent})
	interceptors = append(interceptors, &cacheInterceptor{cache: client.cache, clock: client.clock, logger: client.logger, metrics: client.metrics})
	interceptors = append(interceptors, &connectInterceptor{})
	interceptors = append(interceptors, client.networkInterceptors...)
	interceptors = append(interceptors, &callServerInterceptor{clock: client.clock})

	c.startTimeout()
	client.metrics.observeCallStarted()

	chain := newInterceptorChain(c, interceptors, c.originalRequest)
	resp, err := chain.Proceed(c.originalRequest)
	if err != nil {
		err = c.noMoreExchanges(err)
		client.metrics.observeCallFinished(c.originalRequest.Method, 0, err)
		return nil, err
	}
	c.responseDelivered()
	client.metrics.observeCallFinished(c.originalRequest.Method, resp.Code, nil)
	return resp, nil
}

// startTimeout arms the per-call deadline.
func (c *Call) startTimeout() {
	if c.client.callTimeout <= 0 {
		return
	}
	c.timeout = c.client.clock.AfterFunc(c.client.callTimeout, func() {
		c.timedOut.Store(true)
		c.Cancel()
	})
}

func (c *Call) stopTimeout() {
	if c.timeout != nil {
		c.timeout.Stop()
	}
}

// timeoutExit translates a cancellation caused by the call deadline into
// a timeout error.
func (c *Call) timeoutExit(err error) error {
	if !c.timedOut.Load() {
		return err
	}
	return &TimeoutError{Kind: CallTimeout, Cause: err}
}

// enterNetworkInterceptorExchange prepares the call for one retry-loop
// iteration. With newFinder set, route planning restarts from the
// request's address (used for the first attempt and after follow-ups
// that change the target); recover-retries keep the finder so route
// fallback progresses.
func (c *Call) enterNetworkInterceptorExchange(req *Request, newFinder bool) error {
	pool := c.client.pool
	pool.mu.Lock()
	if c.interceptorScopedExchange != nil {
		pool.mu.Unlock()
		panic("okhttp: cannot make a new request because the previous response is still open; call Close on it")
	}
	needsFinder := newFinder || c.finder == nil
	pool.mu.Unlock()

	if !needsFinder {
		return nil
	}
	address, err := newAddress(c.client, req.URL)
	if err != nil {
		return err
	}
	pool.mu.Lock()
	c.finder = newExchangeFinder(c.client.pool, address, c)
	pool.mu.Unlock()
	return nil
}

// exitNetworkInterceptorExchange closes out one retry-loop iteration.
// With closeExchange set, an exchange still carrying open streams is
// severed; an exchange that already completed cleanly is left alone.
func (c *Call) exitNetworkInterceptorExchange(closeExchange bool) {
	pool := c.client.pool
	pool.mu.Lock()
	c.interceptorScopedExchange = nil
	live := c.exchange
	pool.mu.Unlock()

	if closeExchange && live != nil {
		live.detachWithViolence()
	}
}

// initExchange opens the exchange for one attempt: find a healthy
// connection and bind a codec to it. Called by the connect interceptor.
func (c *Call) initExchange(chain *realChain) (*Exchange, error) {
	pool := c.client.pool
	pool.mu.Lock()
	if !c.expectMoreExchanges {
		pool.mu.Unlock()
		return nil, protocolErrorf("released")
	}
	if c.exchange != nil {
		pool.mu.Unlock()
		panic("okhttp: a call may carry at most one exchange at a time")
	}
	finder := c.finder
	pool.mu.Unlock()

	if c.IsCanceled() {
		return nil, ErrCanceled
	}

	codec, err := finder.find(c.ctx, chain.Request())
	if err != nil {
		return nil, err
	}
	exchange := newExchange(c, codec)

	pool.mu.Lock()
	c.interceptorScopedExchange = exchange
	c.exchange = exchange
	c.requestBodyOpen = true
	c.responseBodyOpen = true
	pool.mu.Unlock()

	if c.IsCanceled() {
		exchange.cancel()
		return nil, ErrCanceled
	}
	return exchange, nil
}

// acquireConnectionLocked binds the call to a connection and registers
// the reverse reference used for cancel fan-out and leak reports.
// +checklocks:c.client.pool.mu
func (c *Call) acquireConnectionLocked(conn *Connection) {
	if c.connection != nil {
		panic("okhttp: connection already acquired")
	}
	c.connection = conn
	conn.calls = append(conn.calls, &callReference{call: c, acquiredAt: conn.captureAcquireStack()})
}

// releaseConnectionLocked detaches the call from its connection. It
// returns a socket the caller must close outside the lock, or nil.
// +checklocks:c.client.pool.mu
func (c *Call) releaseConnectionLocked() net.Conn {
	conn := c.connection
	if conn == nil {
		return nil
	}
	c.connection = nil
	for i, ref := range conn.calls {
		if ref.call == c {
			conn.calls = append(conn.calls[:i], conn.calls[i+1:]...)
			break
		}
	}
	if len(conn.calls) == 0 {
		if c.client.pool.connectionBecameIdleLocked(conn) {
			return conn.rawConn
		}
	}
	return nil
}

// finderTrackFailure feeds an exchange failure into the finder's
// route-retry accounting.
func (c *Call) finderTrackFailure(err error) {
	c.client.pool.mu.Lock()
	finder := c.finder
	c.client.pool.mu.Unlock()
	if finder != nil {
		finder.trackFailure(err)
	}
}

// messageDone records completion of one direction of the exchange's
// streams. When both directions have finished the exchange is retired,
// the connection's success count bumped, and — if the call has already
// committed to its outcome — the connection reference released.
func (c *Call) messageDone(exchange *Exchange, requestDone, responseDone bool, err error) {
	pool := c.client.pool
	var toClose net.Conn
	pool.mu.Lock()
	if exchange != c.exchange {
		// A stale exchange (already detached) finished late.
		pool.mu.Unlock()
		return
	}
	if requestDone && c.requestBodyOpen {
		c.requestBodyOpen = false
	}
	if responseDone && c.responseBodyOpen {
		c.responseBodyOpen = false
	}
	if c.requestBodyOpen || c.responseBodyOpen {
		pool.mu.Unlock()
		return
	}
	c.exchange = nil
	if conn := c.connection; conn != nil {
		if err == nil {
			conn.successCount++
			conn.refusedStreamCount = 0
		}
	}
	if !c.expectMoreExchanges {
		toClose = c.releaseConnectionLocked()
	}
	pool.mu.Unlock()

	if toClose != nil {
		_ = toClose.Close()
	}
}

// noMoreExchanges commits the call to its final outcome, releasing the
// connection once no exchange remains, and translating deadline expiry
// into a call timeout error.
func (c *Call) noMoreExchanges(err error) error {
	pool := c.client.pool
	var toClose net.Conn
	pool.mu.Lock()
	if c.expectMoreExchanges {
		c.expectMoreExchanges = false
		if c.exchange == nil {
			toClose = c.releaseConnectionLocked()
		}
	}
	pool.mu.Unlock()

	if toClose != nil {
		_ = toClose.Close()
	}
	c.stopTimeout()
	return c.timeoutExit(err)
}

// responseDelivered marks a successful terminal response: the body may
// still be streaming, and its completion releases the connection.
func (c *Call) responseDelivered() {
	pool := c.client.pool
	var toClose net.Conn
	pool.mu.Lock()
	if c.expectMoreExchanges {
		c.expectMoreExchanges = false
		if c.exchange == nil {
			toClose = c.releaseConnectionLocked()
		}
	}
	pool.mu.Unlock()
	if toClose != nil {
		_ = toClose.Close()
	}
	c.stopTimeout()
}
