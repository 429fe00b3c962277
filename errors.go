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
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/net/http2"

	"github.com/kaycloud55/okhttp/pin"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCanceled is returned when a call was canceled before or during
	// an attempt.
	ErrCanceled = errors.New("okhttp: canceled")

	// ErrExecuted is returned when Execute or Enqueue is invoked on a
	// call that was already executed.
	ErrExecuted = errors.New("okhttp: already executed")

	// ErrClientClosed is returned for calls issued after Client.Close.
	ErrClientClosed = errors.New("okhttp: client closed")

	// ErrExecutorRejected is returned when the dispatcher could not hand
	// a call to a worker.
	ErrExecutorRejected = errors.New("okhttp: executor rejected for unknown reasons")
)

// ProtocolError indicates malformed framing or a disallowed protocol
// state transition. It is never retried.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "okhttp: protocol error: " + e.Message
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// TimeoutKind distinguishes where a timeout fired.
type TimeoutKind int

const (
	// CallTimeout is the per-call deadline covering the whole call,
	// retries and redirects included.
	CallTimeout TimeoutKind = iota
	// ConnectTimeout fired while establishing TCP or TLS.
	ConnectTimeout
	// ReadTimeout fired while waiting for response bytes.
	ReadTimeout
	// WriteTimeout fired while sending request bytes.
	WriteTimeout
)

func (k TimeoutKind) String() string {
	switch k {
	case CallTimeout:
		return "call"
	case ConnectTimeout:
		return "connect"
	case ReadTimeout:
		return "read"
	case WriteTimeout:
		return "write"
	default:
		return "unknown"
	}
}

// TimeoutError reports an expired socket-level timeout or call deadline.
// It implements net.Error's Timeout contract.
type TimeoutError struct {
	Kind  TimeoutKind
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("okhttp: %s timeout: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("okhttp: %s timeout", e.Kind)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Timeout implements the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary implements the (deprecated) net.Error convention.
func (e *TimeoutError) Temporary() bool { return true }

// RouteError reports that every candidate route for a connection attempt
// failed at connect time. First is the error from the first route tried;
// Last the most recent. Intermediate failures are dropped.
type RouteError struct {
	First error
	Last  error
}

func newRouteError(cause error) *RouteError {
	return &RouteError{First: cause, Last: cause}
}

func (e *RouteError) addConnectFailure(cause error) {
	e.Last = cause
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("okhttp: exhausted all routes: %v", e.Last)
}

func (e *RouteError) Unwrap() error { return e.Last }

// PeerUnverifiedError reports that the peer's identity could not be
// verified: the hostname did not match the presented certificate chain.
type PeerUnverifiedError struct {
	Hostname string
	Cause    error
}

func (e *PeerUnverifiedError) Error() string {
	return fmt.Sprintf("okhttp: hostname %s not verified: %v", e.Hostname, e.Cause)
}

func (e *PeerUnverifiedError) Unwrap() error { return e.Cause }

// ShutdownError reports a graceful connection shutdown initiated by the
// peer (HTTP/2 GOAWAY) that interrupted an exchange. Retryable as if the
// request had not started.
type ShutdownError struct {
	Code http2.ErrCode
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("okhttp: connection shutdown: %v", e.Code)
}

// StreamResetError reports an HTTP/2 stream reset by the peer. A
// REFUSED_STREAM reset is retryable because the peer guarantees the
// request was not processed.
type StreamResetError struct {
	Code http2.ErrCode
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("okhttp: stream was reset: %v", e.Code)
}

// suppressedError carries earlier recoverable failures that were consumed
// by the retry loop, chained onto the error that finally surfaced.
type suppressedError struct {
	err        error
	suppressed []error
}

func (e *suppressedError) Error() string { return e.err.Error() }

func (e *suppressedError) Unwrap() error { return e.err }

// Suppressed returns the earlier failures consumed before err surfaced.
func Suppressed(err error) []error {
	var se *suppressedError
	if errors.As(err, &se) {
		return se.suppressed
	}
	return nil
}

func withSuppressed(err error, suppressed []error) error {
	if len(suppressed) == 0 {
		return err
	}
	return &suppressedError{err: err, suppressed: suppressed}
}

// isRecoverable classifies an I/O failure for the retry interceptor. A
// protocol violation, an interrupted read that is not a connect-time
// timeout, a certificate rejection, and an unverified peer all rule out
// another attempt.
func isRecoverable(err error, requestSendStarted bool) bool {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		// A connect timeout means no route was reached; try the next
		// one. Timeouts mid-exchange are surfaced to the caller.
		return timeoutErr.Kind == ConnectTimeout && !requestSendStarted
	}
	var pinErr *pin.Error
	if errors.As(err, &pinErr) {
		return false
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return false
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return false
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return false
	}
	var unverified *PeerUnverifiedError
	return !errors.As(err, &unverified)
}
