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
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
)

// ExchangeCodec encodes HTTP requests and decodes HTTP responses on one
// exchange. Concrete codecs (HTTP/1.1 framing over a socket, one HTTP/2
// stream) live outside this module and are supplied through a
// CodecFactory.
type ExchangeCodec interface {
	// Connection returns the connection carrying this exchange.
	Connection() *Connection

	// WriteRequestHeaders writes the request line/headers to the wire.
	WriteRequestHeaders(req *Request) error

	// CreateRequestBody returns a sink for the request body.
	// contentLength is -1 for chunked encoding.
	CreateRequestBody(req *Request, contentLength int64) (io.WriteCloser, error)

	// FlushRequest pushes any buffered request bytes to the server.
	FlushRequest() error

	// FinishRequest completes the request side of the exchange.
	FinishRequest() error

	// ReadResponseHeaders reads the next response's status line and
	// headers. When expectContinue is set and the codec observed an
	// interim response, it returns (nil, nil) and the caller proceeds
	// with the request body.
	ReadResponseHeaders(expectContinue bool) (*Response, error)

	// OpenResponseBody returns the response body stream.
	OpenResponseBody(resp *Response) (io.ReadCloser, error)

	// Trailers returns the response trailers once the body is exhausted.
	Trailers() (http.Header, error)

	// Cancel aborts the exchange as cheaply as the protocol allows: an
	// HTTP/2 stream reset, or closing the socket for HTTP/1.
	Cancel()
}

// CodecFactory builds a codec to drive an exchange over an established
// connection. The negotiated protocol is available from
// [Connection.Protocol].
type CodecFactory func(conn *Connection) (ExchangeCodec, error)

// errLeakedBody marks a response body that was garbage collected without
// being closed.
var errLeakedBody = errors.New("okhttp: response body leaked without close")

// Exchange carries a single HTTP request and response pair over a
// connection. It keeps the call, codec and connection in sync as the
// request and response streams progress, and reports completion of each
// side back to the call exactly once.
type Exchange struct {
	call       *Call
	codec      ExchangeCodec
	connection *Connection

	// requestDone and responseDone latch when each stream completes.
	requestDone  atomic.Bool
	responseDone atomic.Bool
	hasFailure   atomic.Bool
}

func newExchange(call *Call, codec ExchangeCodec) *Exchange {
	return &Exchange{call: call, codec: codec, connection: codec.Connection()}
}

// Connection returns the connection carrying this exchange.
func (e *Exchange) Connection() *Connection { return e.connection }

func (e *Exchange) writeRequestHeaders(req *Request) error {
	if err := e.codec.WriteRequestHeaders(req); err != nil {
		return e.trackFailure(err)
	}
	return nil
}

// createRequestBody opens the request body sink. Completion of the sink
// (close or failure) is reported to the call.
func (e *Exchange) createRequestBody(req *Request, contentLength int64) (io.WriteCloser, error) {
	sink, err := e.codec.CreateRequestBody(req, contentLength)
	if err != nil {
		return nil, e.trackFailure(err)
	}
	return &exchangeRequestSink{exchange: e, delegate: sink}, nil
}

func (e *Exchange) flushRequest() error {
	if err := e.codec.FlushRequest(); err != nil {
		return e.trackFailure(err)
	}
	return nil
}

func (e *Exchange) finishRequest() error {
	if err := e.codec.FinishRequest(); err != nil {
		return e.trackFailure(err)
	}
	return nil
}

// noRequestBody marks the request side complete for bodyless requests.
func (e *Exchange) noRequestBody() {
	e.completeRequest(nil)
}

func (e *Exchange) readResponseHeaders(expectContinue bool) (*Response, error) {
	resp, err := e.codec.ReadResponseHeaders(expectContinue)
	if err != nil {
		return nil, e.trackFailure(err)
	}
	return resp, nil
}

// openResponseBody wraps the codec's body stream so that exhaustion or
// close completes the exchange, and so that a body dropped without close
// is detected and reported as a leak.
func (e *Exchange) openResponseBody(resp *Response) (io.ReadCloser, error) {
	body, err := e.codec.OpenResponseBody(resp)
	if err != nil {
		return nil, e.trackFailure(err)
	}
	source := &exchangeResponseBody{exchange: e, delegate: body}

	// A wrapper keeps our finalizer safe from being displaced if the
	// application sets its own on the returned value.
	type bodyWrapper struct {
		io.ReadCloser
	}
	wrapped := &bodyWrapper{ReadCloser: source}
	runtime.SetFinalizer(wrapped, func(*bodyWrapper) {
		source.leaked()
	})
	return wrapped, nil
}

func (e *Exchange) trailers() (http.Header, error) {
	return e.codec.Trailers()
}

// cancel aborts the exchange, preferring a protocol-level cancel.
func (e *Exchange) cancel() {
	e.codec.Cancel()
}

// detachWithViolence severs the exchange when its streams cannot be
// completed cleanly, closing the underlying connection.
func (e *Exchange) detachWithViolence() {
	e.codec.Cancel()
	e.call.messageDone(e, true, true, ErrCanceled)
}

// noNewExchangesOnConnection prevents further exchanges on this
// exchange's connection. Used when the server signals Connection: close.
func (e *Exchange) noNewExchangesOnConnection() {
	e.connection.noNewExchangesLocked()
}

// isCoalescedConnection reports whether the exchange rides a connection
// established for a different hostname (HTTP/2 coalescing). A 421 on
// such a connection is retried on a direct connection.
func (e *Exchange) isCoalescedConnection() bool {
	return e.connection.route.Address.Host != e.call.originalRequest.host()
}

func (e *Exchange) completeRequest(err error) {
	if e.requestDone.CompareAndSwap(false, true) {
		e.call.messageDone(e, true, false, err)
	}
}

func (e *Exchange) completeResponse(err error) {
	if e.responseDone.CompareAndSwap(false, true) {
		e.call.messageDone(e, false, true, err)
	}
}

// trackFailure records an exchange failure on the connection so the
// route and pooling logic can react, then returns err unchanged.
func (e *Exchange) trackFailure(err error) error {
	e.hasFailure.Store(true)
	e.connection.trackFailure(e.call, err)
	e.call.finderTrackFailure(err)
	return err
}

// exchangeRequestSink reports completion of the request stream.
type exchangeRequestSink struct {
	exchange *Exchange
	delegate io.WriteCloser

	completed atomic.Bool
}

func (s *exchangeRequestSink) Write(p []byte) (int, error) {
	n, err := s.delegate.Write(p)
	if err != nil {
		s.complete(err)
	}
	return n, err
}

func (s *exchangeRequestSink) Close() error {
	err := s.delegate.Close()
	s.complete(err)
	return err
}

func (s *exchangeRequestSink) complete(err error) {
	if s.completed.CompareAndSwap(false, true) {
		if err != nil {
			err = s.exchange.trackFailure(err)
		}
		s.exchange.completeRequest(err)
	}
}

// exchangeResponseBody reports completion of the response stream: EOF
// and Close both finish the exchange; a read error poisons it.
type exchangeResponseBody struct {
	exchange *Exchange
	delegate io.ReadCloser

	completed atomic.Bool
}

func (b *exchangeResponseBody) Read(p []byte) (int, error) {
	n, err := b.delegate.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		b.complete(nil)
	case err != nil:
		b.complete(err)
	}
	return n, err
}

func (b *exchangeResponseBody) Close() error {
	err := b.delegate.Close()
	b.complete(err)
	return err
}

func (b *exchangeResponseBody) complete(err error) {
	if b.completed.CompareAndSwap(false, true) {
		if err != nil {
			err = b.exchange.trackFailure(err)
		}
		b.exchange.completeResponse(err)
	}
}

// leaked runs on the finalizer goroutine when the body was dropped
// without close. The delegate is closed so the connection is not left
// wedged, and the leak is reported with the capture-site stack recorded
// when the call acquired its connection.
func (b *exchangeResponseBody) leaked() {
	if !b.completed.CompareAndSwap(false, true) {
		return
	}
	conn := b.exchange.connection
	conn.reportLeak(b.exchange.call)
	_ = b.delegate.Close()
	b.exchange.completeResponse(errLeakedBody)
}
