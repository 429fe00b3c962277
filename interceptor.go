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
	"fmt"
	"time"
)

// Interceptor observes, rewrites, retries or short-circuits requests
// flowing through a call. Application interceptors run once per call,
// before the retry loop; network interceptors run once per network
// request, with the connection available.
type Interceptor interface {
	Intercept(chain Chain) (*Response, error)
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(chain Chain) (*Response, error)

// Intercept implements Interceptor.
func (f InterceptorFunc) Intercept(chain Chain) (*Response, error) {
	return f(chain)
}

// Chain is an interceptor's view of its position in the pipeline.
type Chain interface {
	// Request returns the request at this position.
	Request() *Request
	// Proceed hands the request to the rest of the chain. Interceptors
	// positioned at or after the connection must call it exactly once.
	Proceed(req *Request) (*Response, error)
	// Connection returns the connection the request will use, or nil
	// for application interceptors (no connection exists yet).
	Connection() *Connection
	// Call returns the call this chain belongs to.
	Call() *Call
	// ConnectTimeout, ReadTimeout and WriteTimeout are the per-attempt
	// timeouts codecs enforce at the socket layer.
	ConnectTimeout() time.Duration
	ReadTimeout() time.Duration
	WriteTimeout() time.Duration
}

// realChain is one position in the interceptor pipeline. Each Proceed
// creates the next position sharing the interceptor list.
type realChain struct {
	call         *Call
	interceptors []Interceptor
	index        int
	// exchange is non-nil at positions past the connect interceptor.
	exchange *Exchange
	request  *Request

	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	// calls counts Proceed invocations from this position.
	calls int
}

func newInterceptorChain(call *Call, interceptors []Interceptor, req *Request) *realChain {
	return &realChain{
		call:           call,
		interceptors:   interceptors,
		request:        req,
		connectTimeout: call.client.connectTimeout,
		readTimeout:    call.client.readTimeout,
		writeTimeout:   call.client.writeTimeout,
	}
}

func (c *realChain) Request() *Request { return c.request }

func (c *realChain) Call() *Call { return c.call }

func (c *realChain) Connection() *Connection {
	if c.exchange == nil {
		return nil
	}
	return c.exchange.Connection()
}

func (c *realChain) ConnectTimeout() time.Duration { return c.connectTimeout }
func (c *realChain) ReadTimeout() time.Duration    { return c.readTimeout }
func (c *realChain) WriteTimeout() time.Duration   { return c.writeTimeout }

// copyWith clones this position for the next index, optionally binding
// an exchange.
func (c *realChain) copyWith(index int, exchange *Exchange, req *Request) *realChain {
	return &realChain{
		call:           c.call,
		interceptors:   c.interceptors,
		index:          index,
		exchange:       exchange,
		request:        req,
		connectTimeout: c.connectTimeout,
		readTimeout:    c.readTimeout,
		writeTimeout:   c.writeTimeout,
	}
}

func (c *realChain) Proceed(req *Request) (*Response, error) {
	if c.index >= len(c.interceptors) {
		panic("okhttp: chain proceeded past the last interceptor")
	}
	c.calls++

	if c.exchange != nil {
		// Confirm that the incoming request preserves the host and port
		// the exchange's connection was selected for.
		if !c.exchange.Connection().supportsUrl(req.URL) {
			panic(fmt.Sprintf(
				"okhttp: network interceptor %T must retain the same host and port",
				c.interceptors[c.index-1]))
		}
		if c.calls > 1 {
			panic(fmt.Sprintf(
				"okhttp: network interceptor %T must call Proceed() exactly once",
				c.interceptors[c.index-1]))
		}
	}

	next := c.copyWith(c.index+1, c.exchange, req)
	interceptor := c.interceptors[c.index]
	resp, err := interceptor.Intercept(next)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		panic(fmt.Sprintf("okhttp: interceptor %T returned neither a response nor an error", interceptor))
	}

	if c.exchange != nil && c.index+1 < len(c.interceptors) && next.calls != 1 {
		panic(fmt.Sprintf(
			"okhttp: network interceptor %T must call Proceed() exactly once", interceptor))
	}
	if resp.Body == nil && c.exchange != nil {
		panic(fmt.Sprintf(
			"okhttp: interceptor %T returned a response with a nil body", interceptor))
	}
	return resp, nil
}

// withExchange rebinds this position to a freshly opened exchange. Used
// by the connect interceptor to thread the exchange into the network
// half of the chain.
func (c *realChain) withExchange(exchange *Exchange) *realChain {
	next := c.copyWith(c.index, exchange, c.request)
	next.calls = c.calls
	return next
}
