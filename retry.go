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
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// maxFollowUps bounds consecutive redirects and auth challenges. Chrome
// follows 21 redirects; Firefox, curl and wget follow 20.
const maxFollowUps = 20

// retryAndFollowUpInterceptor recovers from connect failures by moving
// to the next route, and reacts to responses that demand another
// request: redirects, auth challenges, request timeouts and misdirects.
type retryAndFollowUpInterceptor struct {
	client *Client
}

func (i *retryAndFollowUpInterceptor) Intercept(chain Chain) (*Response, error) {
	realChain := chain.(*realChain) //nolint:forcetypeassert // driver-owned position
	call := realChain.call
	req := realChain.Request()

	followUpCount := 0
	var priorResponse *Response
	var recoveredFailures []error
	newFinder := true
	for {
		if err := call.enterNetworkInterceptorExchange(req, newFinder); err != nil {
			return nil, err
		}
		if call.IsCanceled() {
			call.exitNetworkInterceptorExchange(true)
			return nil, withSuppressed(ErrCanceled, recoveredFailures)
		}

		resp, err := realChain.Proceed(req)
		if err != nil {
			var routeErr *RouteError
			if errors.As(err, &routeErr) {
				// The attempt failed before a connection was made.
				call.finderTrackFailure(routeErr.Last)
				if !i.recover(routeErr.Last, call, req, false) {
					call.exitNetworkInterceptorExchange(true)
					return nil, withSuppressed(routeErr.First, recoveredFailures)
				}
				recoveredFailures = append(recoveredFailures, routeErr.First)
				newFinder = false
				call.exitNetworkInterceptorExchange(true)
				continue
			}
			// The attempt failed after communication started. A
			// graceful peer shutdown means the request was not
			// processed, so it retries as if never sent.
			var shutdown *ShutdownError
			requestSendStarted := !errors.As(err, &shutdown)
			if !i.recover(err, call, req, requestSendStarted) {
				call.exitNetworkInterceptorExchange(true)
				return nil, withSuppressed(err, recoveredFailures)
			}
			recoveredFailures = append(recoveredFailures, err)
			newFinder = false
			call.exitNetworkInterceptorExchange(true)
			continue
		}
		newFinder = true

		if priorResponse != nil {
			resp.PriorResponse = stripBody(priorResponse)
		}

		call.client.pool.mu.Lock()
		exchange := call.interceptorScopedExchange
		call.client.pool.mu.Unlock()

		followUp, err := i.followUpRequest(resp, exchange)
		if err != nil {
			_ = resp.Close()
			call.exitNetworkInterceptorExchange(true)
			return nil, err
		}
		if followUp == nil {
			call.exitNetworkInterceptorExchange(false)
			return resp, nil
		}
		if followUp.Body != nil && followUp.Body.IsOneShot() {
			// The follow-up needs a body that cannot be replayed;
			// surface the response that asked for it instead.
			call.exitNetworkInterceptorExchange(false)
			return resp, nil
		}
		_ = resp.Close()
		call.exitNetworkInterceptorExchange(true)

		followUpCount++
		if followUpCount > maxFollowUps {
			return nil, protocolErrorf("too many follow-up requests: %d", followUpCount)
		}
		req = followUp
		priorResponse = resp
	}
}

// recover reports whether the failed request can be retried on another
// route. The request body must be replayable once bytes have left, the
// client must allow retries, the failure must be a recoverable kind,
// and the finder must still have somewhere to go.
func (i *retryAndFollowUpInterceptor) recover(err error, call *Call, userRequest *Request, requestSendStarted bool) bool {
	if !i.client.retryOnConnectionFailure {
		return false
	}
	if requestSendStarted && userRequest.Body != nil && userRequest.Body.IsOneShot() {
		return false
	}
	if !isRecoverable(err, requestSendStarted) {
		return false
	}
	call.client.pool.mu.Lock()
	finder := call.finder
	call.client.pool.mu.Unlock()
	if finder == nil || !finder.retryAfterFailure() {
		return false
	}
	return true
}

// followUpRequest computes the request to satisfy resp, or nil when
// resp is the final answer.
func (i *retryAndFollowUpInterceptor) followUpRequest(resp *Response, exchange *Exchange) (*Request, error) {
	var route *Route
	if exchange != nil {
		r := exchange.Connection().Route()
		route = &r
	}
	switch resp.Code {
	case http.StatusProxyAuthRequired:
		if route == nil || route.Proxy.Type == ProxyDirect {
			return nil, protocolErrorf("received HTTP 407 from a server, not a proxy")
		}
		return i.client.proxyAuthenticator.Authenticate(route, resp)

	case http.StatusUnauthorized:
		return i.client.authenticator.Authenticate(route, resp)

	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		// 307 and 308 must not silently rewrite the method to GET.
		if resp.Request.Method != http.MethodGet && resp.Request.Method != http.MethodHead {
			return nil, nil
		}
		return i.buildRedirectRequest(resp)

	case http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusFound, http.StatusSeeOther:
		return i.buildRedirectRequest(resp)

	case http.StatusRequestTimeout:
		// The server asked for the request again. Repeat it only when
		// safe and not already repeated for the same reason.
		if !i.client.retryOnConnectionFailure {
			return nil, nil
		}
		if resp.Request.Body != nil && resp.Request.Body.IsOneShot() {
			return nil, nil
		}
		if prior := resp.PriorResponse; prior != nil && prior.Code == http.StatusRequestTimeout {
			return nil, nil
		}
		if retryAfterSeconds(resp, 0) > 0 {
			return nil, nil
		}
		return resp.Request, nil

	case http.StatusServiceUnavailable:
		if prior := resp.PriorResponse; prior != nil && prior.Code == http.StatusServiceUnavailable {
			return nil, nil
		}
		// Retry only on an explicit immediate invitation.
		if retryAfterSeconds(resp, math.MaxInt) == 0 {
			return resp.Request, nil
		}
		return nil, nil

	case http.StatusMisdirectedRequest:
		// The coalesced connection reached a server that will not serve
		// this host. Retry on a dedicated connection.
		if resp.Request.Body != nil && resp.Request.Body.IsOneShot() {
			return nil, nil
		}
		if exchange == nil || !exchange.isCoalescedConnection() {
			return nil, nil
		}
		exchange.Connection().noCoalescedConnectionsLocked()
		return resp.Request, nil

	default:
		return nil, nil
	}
}

// buildRedirectRequest constructs the redirected request per the
// Location header, or nil when redirects are disabled or unsafe.
func (i *retryAndFollowUpInterceptor) buildRedirectRequest(resp *Response) (*Request, error) {
	if !i.client.followRedirects {
		return nil, nil
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, nil
	}
	target, err := resp.Request.URL.Parse(location)
	if err != nil {
		return nil, nil //nolint:nilerr // unparseable Location: deliver the 3xx
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, nil
	}
	if target.Scheme != resp.Request.URL.Scheme && !i.client.followSSLRedirects {
		return nil, nil
	}

	followUp := resp.Request.Clone()
	followUp.URL = target
	followUp.cacheControl = nil

	method := resp.Request.Method
	if methodPermitsRequestBody(method) {
		code := resp.Code
		maintainBody := redirectsWithBody(method) ||
			code == http.StatusTemporaryRedirect || code == http.StatusPermanentRedirect
		if redirectsToGet(method) && code != http.StatusTemporaryRedirect && code != http.StatusPermanentRedirect {
			followUp.Method = http.MethodGet
			followUp.Body = nil
		} else if !maintainBody {
			followUp.Body = nil
		}
		if !maintainBody {
			followUp.Header.Del("Transfer-Encoding")
			followUp.Header.Del("Content-Length")
			followUp.Header.Del("Content-Type")
		}
	}

	// Credentials must not travel to another host.
	if !sameConnection(resp.Request.URL, target) {
		followUp.Header.Del("Authorization")
	}
	return followUp, nil
}

// sameConnection reports whether two URLs can share a connection:
// identical scheme, host and port.
func sameConnection(a, b *url.URL) bool {
	return a.Scheme == b.Scheme &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		portOf(a) == portOf(b)
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			return port
		}
	}
	return defaultPort(u.Scheme)
}

// retryAfterSeconds parses the Retry-After header. Absent returns the
// default; an HTTP-date or junk counts as a very long delay.
func retryAfterSeconds(resp *Response, defaultDelay int) int {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return defaultDelay
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return seconds
	}
	return math.MaxInt
}
