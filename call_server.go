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
	"strings"

	"github.com/kaycloud55/okhttp/internal"
)

// callServerInterceptor is the last interceptor in the chain: it drives
// one request and response over the exchange's codec.
type callServerInterceptor struct {
	clock internal.Clock
}

func (i *callServerInterceptor) Intercept(chain Chain) (*Response, error) {
	realChain := chain.(*realChain) //nolint:forcetypeassert // driver-owned position
	exchange := realChain.exchange
	req := realChain.Request()
	call := realChain.call

	if call.IsCanceled() {
		return nil, ErrCanceled
	}

	sentAt := i.clock.Now().UnixMilli()
	if err := exchange.writeRequestHeaders(req); err != nil {
		return nil, err
	}

	var earlyResponse *Response
	if methodPermitsRequestBody(req.Method) && req.Body != nil {
		// An Expect: 100-continue request waits for the interim
		// response before committing the body.
		if strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
			if err := exchange.flushRequest(); err != nil {
				return nil, err
			}
			resp, err := exchange.readResponseHeaders(true)
			if err != nil {
				return nil, err
			}
			earlyResponse = resp
		}
		if earlyResponse == nil {
			sink, err := exchange.createRequestBody(req, req.Body.ContentLength())
			if err != nil {
				return nil, err
			}
			if err := req.Body.WriteTo(sink); err != nil {
				_ = sink.Close()
				return nil, err
			}
			if err := sink.Close(); err != nil {
				return nil, err
			}
		} else {
			// The server answered before the body was sent. The request
			// side is over; an HTTP/1 connection cannot be reused with
			// its body unsent.
			exchange.noRequestBody()
			if !exchange.Connection().IsMultiplexed() {
				exchange.noNewExchangesOnConnection()
			}
		}
	} else {
		exchange.noRequestBody()
	}

	if err := exchange.finishRequest(); err != nil {
		return nil, err
	}

	resp := earlyResponse
	if resp == nil {
		var err error
		resp, err = exchange.readResponseHeaders(false)
		if err != nil {
			return nil, err
		}
	}
	// Skip interim responses.
	for resp.Code >= 100 && resp.Code < 200 {
		var err error
		resp, err = exchange.readResponseHeaders(false)
		if err != nil {
			return nil, err
		}
	}

	resp.Request = req
	resp.Handshake = exchange.Connection().Handshake()
	resp.SentAtMillis = sentAt
	resp.ReceivedAtMillis = i.clock.Now().UnixMilli()
	resp.Trailers = exchange.trailers

	body, err := exchange.openResponseBody(resp)
	if err != nil {
		return nil, err
	}
	resp.Body = body

	if resp.Code == 204 || resp.Code == 205 {
		if length := resp.ContentLength(); length > 0 {
			return nil, protocolErrorf(
				"HTTP %d had non-zero Content-Length: %d", resp.Code, length)
		}
	}
	if strings.EqualFold(req.Header.Get("Connection"), "close") ||
		strings.EqualFold(resp.Header.Get("Connection"), "close") {
		exchange.noNewExchangesOnConnection()
	}
	return resp, nil
}
