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
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/net/http2"
)

// exchangeFinder locates or establishes a healthy connection for one
// request attempt. It prefers, in order: the call's current connection,
// a pooled connection for the exact endpoint, a previously verified
// route hint, a pooled connection reachable by coalescing, and finally
// a fresh connect on the next candidate route. A finder persists across
// recover-retries of the same call so route fallback makes progress.
type exchangeFinder struct {
	pool    *ConnPool
	address *Address
	call    *Call

	routeSelector  *routeSelector
	routeSelection *routeSelection
	nextRouteToTry *Route

	// Failure accounting, consulted by the retry interceptor.
	refusedStreamCount      int
	connectionShutdownCount int
	otherFailureCount       int
}

func newExchangeFinder(pool *ConnPool, address *Address, call *Call) *exchangeFinder {
	return &exchangeFinder{pool: pool, address: address, call: call}
}

// find returns a codec bound to a healthy connection.
func (f *exchangeFinder) find(ctx context.Context, req *Request) (ExchangeCodec, error) {
	// GET results can be replayed safely, so a quick health check is
	// enough; other methods probe the socket.
	doExtensiveChecks := req.Method != http.MethodGet
	conn, err := f.findHealthyConnection(ctx, doExtensiveChecks)
	if err != nil {
		return nil, err
	}
	return conn.newCodec()
}

func (f *exchangeFinder) findHealthyConnection(ctx context.Context, doExtensiveChecks bool) (*Connection, error) {
	for {
		conn, err := f.findConnection(ctx)
		if err != nil {
			return nil, err
		}
		if !conn.isHealthy(doExtensiveChecks) {
			// Condemn it; the next iteration releases and replaces it.
			conn.noNewExchangesLocked()
			continue
		}
		return conn, nil
	}
}

// findConnection returns a connection to carry the next exchange,
// establishing one if nothing suitable is pooled.
func (f *exchangeFinder) findConnection(ctx context.Context) (*Connection, error) {
	if f.call.IsCanceled() {
		return nil, ErrCanceled
	}
	pool := f.pool
	call := f.call

	// 1. Reuse the connection already bound to this call, unless it was
	// condemned or the follow-up moved to a different endpoint.
	pool.mu.Lock()
	if existing := call.connection; existing != nil {
		var toClose func()
		if existing.noNewExchanges || !existing.supportsUrl(f.addressURL()) {
			if socket := call.releaseConnectionLocked(); socket != nil {
				toClose = func() { _ = socket.Close() }
			}
		}
		stillBound := call.connection != nil
		pool.mu.Unlock()
		if stillBound {
			return existing, nil
		}
		if toClose != nil {
			toClose()
		}
	} else {
		pool.mu.Unlock()
	}

	// 2. A pooled connection for the exact endpoint.
	if conn := pool.acquirePooledConnection(f.address, call, nil, false); conn != nil {
		return conn, nil
	}

	// 3. Pick a route: the verified hint first, then the current
	// selection, then a fresh selection.
	var route Route
	switch {
	case f.nextRouteToTry != nil:
		route = *f.nextRouteToTry
		f.nextRouteToTry = nil
	case f.routeSelection != nil && f.routeSelection.hasNext():
		route = f.routeSelection.next()
	default:
		if f.routeSelector == nil {
			f.routeSelector = newRouteSelector(f.address, call.client.routeDatabase)
		}
		selection, err := f.routeSelector.next(ctx)
		if err != nil {
			// DNS and proxy enumeration failures are connect-time
			// failures: no route was reached.
			return nil, newRouteError(err)
		}
		f.routeSelection = selection

		// 4. With the fresh IP list in hand, re-query the pool: an
		// HTTP/2 connection to another hostname on one of these IPs
		// can coalesce this request.
		if conn := pool.acquirePooledConnection(f.address, call, selection.routes, false); conn != nil {
			return conn, nil
		}
		if !selection.hasNext() {
			return nil, newRouteError(errExhaustedRoutes)
		}
		route = selection.next()
	}

	// 5. Establish a fresh connection on the selected route.
	newConn := newConnection(pool, route, call.client.codecFactory)
	pool.mu.Lock()
	call.connectionToCancel = newConn
	pool.mu.Unlock()

	err := newConn.connect(ctx, call)

	pool.mu.Lock()
	call.connectionToCancel = nil
	pool.mu.Unlock()
	call.client.metrics.observeConnect(err)
	if err != nil {
		if f.routeSelector != nil {
			f.routeSelector.connectFailed(route, err)
		} else {
			call.client.routeDatabase.Failed(route)
		}
		routeErr := newRouteError(err)
		return nil, routeErr
	}
	call.client.routeDatabase.Connected(route)

	// 6. Race once more against the pool: a concurrent attempt to the
	// same host may have established a multiplexed connection while we
	// were handshaking. If so, use it and keep ours as a route hint.
	var coalescedRoutes []Route
	if f.routeSelection != nil {
		coalescedRoutes = f.routeSelection.routes
	}
	if conn := pool.acquirePooledConnection(f.address, call, coalescedRoutes, true); conn != nil {
		newConn.closeQuietly()
		f.nextRouteToTry = &route
		call.client.logger.Debug().
			Str("connection", conn.String()).
			Msg("discarded fresh connection for a coalesced pooled one")
		return conn, nil
	}

	pool.mu.Lock()
	call.acquireConnectionLocked(newConn)
	pool.connections = append(pool.connections, newConn)
	pool.scheduleCleanupLocked(0)
	size := len(pool.connections)
	pool.mu.Unlock()
	call.client.metrics.observePoolSize(size)
	call.client.logger.Debug().Str("connection", newConn.String()).Msg("established new connection")
	return newConn, nil
}

// trackFailure counts an exchange failure by category for
// retryAfterFailure.
func (f *exchangeFinder) trackFailure(err error) {
	var reset *StreamResetError
	var shutdown *ShutdownError
	switch {
	case errors.As(err, &reset) && reset.Code == http2.ErrCodeRefusedStream:
		f.refusedStreamCount++
	case errors.As(err, &shutdown):
		f.connectionShutdownCount++
	default:
		f.otherFailureCount++
	}
}

// retryAfterFailure reports whether a retry of the current request can
// reach a different or recovered route. Without at least one recorded
// failure there is nothing to retry.
func (f *exchangeFinder) retryAfterFailure() bool {
	if f.refusedStreamCount == 0 && f.connectionShutdownCount == 0 && f.otherFailureCount == 0 {
		return false
	}
	if f.nextRouteToTry != nil {
		return true
	}
	if route := f.retryRoute(); route != nil {
		// The current route is worth one more attempt; remember it.
		f.nextRouteToTry = route
		return true
	}
	if f.routeSelection != nil && f.routeSelection.hasNext() {
		return true
	}
	if f.routeSelector == nil {
		// Not initialized: assume the selector will yield a route.
		return true
	}
	return f.routeSelector.hasNext()
}

// retryRoute returns the bound connection's route when it is worth one
// more attempt: at most one refused stream and one shutdown, nothing
// else went wrong, the route never failed outright, and the connection
// still matches the request's endpoint.
func (f *exchangeFinder) retryRoute() *Route {
	if f.refusedStreamCount > 1 || f.connectionShutdownCount > 1 || f.otherFailureCount > 0 {
		return nil
	}
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	conn := f.call.connection
	if conn == nil {
		return nil
	}
	if conn.routeFailureCount != 0 {
		return nil
	}
	if !conn.supportsUrl(f.addressURL()) {
		return nil
	}
	route := conn.route
	return &route
}

// addressURL is the root URL of the endpoint this finder serves, which
// after a follow-up differs from the call's original request.
func (f *exchangeFinder) addressURL() *url.URL {
	return &url.URL{Scheme: f.address.Scheme, Host: net.JoinHostPort(f.address.Host, strconv.Itoa(f.address.Port))}
}
