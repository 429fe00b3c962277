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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// maxTunnelAttempts bounds CONNECT retries against an authenticating
// proxy.
const maxTunnelAttempts = 21

// defaultConcurrentStreams is the number of exchanges a multiplexed
// connection accepts before the finder builds another one. Codecs that
// learn the peer's real limit can lower it via SetConcurrentStreams.
const defaultConcurrentStreams = 32

// Connection is a live socket bound to one route, carrying HTTP/1
// exchanges one at a time or HTTP/2 exchanges concurrently. Connections
// are owned by the pool once established.
type Connection struct {
	pool  *ConnPool
	route Route

	codecFactory CodecFactory

	// rawConn is the TCP-level socket; conn is the stream exchanges use,
	// which differs from rawConn when TLS is layered on top.
	rawConn   net.Conn
	conn      net.Conn
	protocol  Protocol
	handshake *Handshake

	// Fields below are guarded by pool.mu.

	// noNewExchanges is set when the connection must not carry further
	// exchanges: the server asked to close it, it failed, or the pool is
	// shutting down.
	// +checklocks:pool.mu
	noNewExchanges bool
	// noCoalescedConnections is set after a 421 told us the server will
	// not serve coalesced hosts on this connection.
	// +checklocks:pool.mu
	noCoalescedConnections bool
	// +checklocks:pool.mu
	routeFailureCount int
	// +checklocks:pool.mu
	successCount int
	// +checklocks:pool.mu
	refusedStreamCount int
	// +checklocks:pool.mu
	allocationLimit int
	// calls holds a reference per call currently allowed to use this
	// connection, with the stack where it was acquired for leak reports.
	// +checklocks:pool.mu
	calls []*callReference
	// +checklocks:pool.mu
	idleAtNs int64
}

type callReference struct {
	call *Call
	// acquiredAt is the stack where the call acquired the connection.
	acquiredAt []byte
}

func newConnection(pool *ConnPool, route Route, codecFactory CodecFactory) *Connection {
	return &Connection{
		pool:            pool,
		route:           route,
		codecFactory:    codecFactory,
		allocationLimit: 1,
	}
}

// Route returns the route this connection is bound to.
func (c *Connection) Route() Route { return c.route }

// Protocol returns the negotiated protocol.
func (c *Connection) Protocol() Protocol { return c.protocol }

// Handshake returns the TLS snapshot, nil over plaintext.
func (c *Connection) Handshake() *Handshake { return c.handshake }

// IsMultiplexed reports whether the connection carries concurrent
// exchanges (HTTP/2).
func (c *Connection) IsMultiplexed() bool {
	return c.protocol == ProtocolHTTP2 || c.protocol == ProtocolH2PriorKnowledge
}

// SetConcurrentStreams lets a codec apply the peer's advertised stream
// limit.
func (c *Connection) SetConcurrentStreams(limit int) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	if c.IsMultiplexed() && limit > 0 {
		c.allocationLimit = limit
	}
}

// Conn exposes the stream for codecs.
func (c *Connection) Conn() net.Conn { return c.conn }

// connect establishes the socket: TCP (possibly via a proxy), then a
// CONNECT tunnel when required, then TLS with certificate pinning.
func (c *Connection) connect(ctx context.Context, call *Call) error {
	if c.rawConn != nil {
		return protocolErrorf("already connected")
	}
	client := call.client
	if client.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.connectTimeout)
		defer cancel()
	}

	raw, err := c.route.Address.Dial(ctx, "tcp", c.route.SocketAddress.HostPort())
	if err != nil {
		return connectFailure(err)
	}
	c.rawConn = raw
	c.conn = raw

	if c.route.RequiresTunnel() {
		if err := c.createTunnel(ctx, client); err != nil {
			c.closeQuietly()
			return connectFailure(err)
		}
	}

	if c.route.Address.TLSConfig != nil {
		if err := c.connectTLS(ctx, client); err != nil {
			c.closeQuietly()
			return err
		}
	} else if slices.Contains(c.route.Address.Protocols, ProtocolH2PriorKnowledge) {
		c.protocol = ProtocolH2PriorKnowledge
	} else {
		c.protocol = ProtocolHTTP11
	}

	if c.IsMultiplexed() {
		c.pool.mu.Lock()
		c.allocationLimit = defaultConcurrentStreams
		c.pool.mu.Unlock()
	}
	return nil
}

// createTunnel issues CONNECT requests until the proxy opens the tunnel,
// re-asking the proxy authenticator on 407.
func (c *Connection) createTunnel(ctx context.Context, client *Client) error {
	address := c.route.Address
	target := hostPortString(address.Host, address.Port)
	tunnelReq := &Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Scheme: address.Scheme, Host: target},
		Header: http.Header{},
	}
	tunnelReq.Header.Set("Host", target)
	tunnelReq.Header.Set("Proxy-Connection", "Keep-Alive")
	tunnelReq.Header.Set("User-Agent", client.userAgent)

	reader := bufio.NewReader(c.conn)
	for attempt := 0; attempt < maxTunnelAttempts; attempt++ {
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.conn.SetDeadline(deadline)
		}
		if err := writeTunnelRequest(c.conn, tunnelReq, target); err != nil {
			return err
		}
		rawResp, err := http.ReadResponse(reader, nil)
		if err != nil {
			return err
		}
		// CONNECT responses have no body; whatever follows belongs to
		// the tunneled protocol.
		_ = rawResp.Body.Close()
		_ = c.conn.SetDeadline(time.Time{})

		switch rawResp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusProxyAuthRequired:
			challenge := &Response{
				Request:  tunnelReq,
				Protocol: ProtocolHTTP11,
				Code:     http.StatusProxyAuthRequired,
				Message:  rawResp.Status,
				Header:   rawResp.Header,
			}
			route := c.route
			next, err := address.ProxyAuthenticator.Authenticate(&route, challenge)
			if err != nil {
				return err
			}
			if next == nil {
				return errors.New("okhttp: failed to authenticate with proxy")
			}
			tunnelReq = next
		default:
			return fmt.Errorf("okhttp: unexpected response code for CONNECT: %d", rawResp.StatusCode)
		}
	}
	return errors.New("okhttp: too many tunnel attempts")
}

func writeTunnelRequest(w io.Writer, req *Request, target string) error {
	var b []byte
	b = fmt.Appendf(b, "CONNECT %s HTTP/1.1\r\n", target)
	for name, values := range req.Header {
		for _, value := range values {
			b = fmt.Appendf(b, "%s: %s\r\n", name, value)
		}
	}
	b = append(b, "\r\n"...)
	_, err := w.Write(b)
	return err
}

// connectTLS layers TLS over the socket, negotiates ALPN, verifies the
// hostname and checks certificate pins.
func (c *Connection) connectTLS(ctx context.Context, client *Client) error {
	address := c.route.Address
	config := address.TLSConfig.Clone()
	if config.ServerName == "" {
		config.ServerName = address.Host
	}
	if len(config.NextProtos) == 0 {
		config.NextProtos = alpnProtocols(address.Protocols)
	}
	tlsConn := tls.Client(c.conn, config)
	if client.tlsHandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.tlsHandshakeTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return connectFailure(err)
	}
	state := tlsConn.ConnectionState()

	if address.HostnameVerifier != nil && !address.HostnameVerifier(address.Host, state) {
		return &PeerUnverifiedError{
			Hostname: address.Host,
			Cause:    errors.New("hostname verifier rejected the handshake"),
		}
	}
	if address.Pinner != nil {
		chain := state.PeerCertificates
		if len(state.VerifiedChains) > 0 {
			// The verified chain is the cleaned path from the leaf to a
			// trust anchor.
			chain = state.VerifiedChains[0]
		}
		if err := address.Pinner.Check(address.Host, chain); err != nil {
			return err
		}
	}

	c.conn = tlsConn
	c.handshake = newHandshake(&state)
	switch state.NegotiatedProtocol {
	case "h2":
		c.protocol = ProtocolHTTP2
	default:
		c.protocol = ProtocolHTTP11
	}
	return nil
}

func alpnProtocols(protocols []Protocol) []string {
	var tokens []string
	for _, p := range protocols {
		switch p {
		case ProtocolHTTP2:
			tokens = append(tokens, "h2")
		case ProtocolHTTP11:
			tokens = append(tokens, "http/1.1")
		}
	}
	if len(tokens) == 0 {
		tokens = []string{"h2", "http/1.1"}
	}
	return tokens
}

// connectFailure classifies connect-time errors, mapping timeouts so the
// retry logic can treat them as route failures.
func connectFailure(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Kind: ConnectTimeout, Cause: err}
	}
	return err
}

// newCodec builds the wire codec for one exchange.
func (c *Connection) newCodec() (ExchangeCodec, error) {
	if c.codecFactory == nil {
		return nil, protocolErrorf("no codec factory configured")
	}
	return c.codecFactory(c)
}

// supportsUrl reports whether this connection may carry requests for the
// given URL: the same endpoint, or a coalesced HTTP/2 host covered by
// the peer certificate.
func (c *Connection) supportsUrl(u *url.URL) bool {
	address := c.route.Address
	port := defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	if port != address.Port {
		return false
	}
	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return false
	}
	if host == address.Host {
		return true
	}
	return c.handshake != nil && c.IsMultiplexed() &&
		len(c.handshake.PeerCertificates) > 0 &&
		c.handshake.PeerCertificates[0].VerifyHostname(host) == nil
}

// isEligible decides whether a pooled connection can carry a new
// exchange for the address. When routes is non-nil, HTTP/2 coalescing
// across hostnames sharing an IP is considered.
// +checklocks:c.pool.mu
func (c *Connection) isEligible(address *Address, routes []Route) bool {
	if len(c.calls) >= c.allocationLimit || c.noNewExchanges {
		return false
	}
	if !c.route.Address.EqualNonHost(address) {
		return false
	}
	if address.Host == c.route.Address.Host {
		return true
	}

	// The hosts differ: only an HTTP/2 connection whose IP the new host
	// also resolves to, with a certificate covering it, may coalesce.
	if !c.IsMultiplexed() || c.noCoalescedConnections {
		return false
	}
	if !routeMatchesConnection(routes, c.route) {
		return false
	}
	if c.handshake == nil || len(c.handshake.PeerCertificates) == 0 {
		return false
	}
	if c.handshake.PeerCertificates[0].VerifyHostname(address.Host) != nil {
		return false
	}
	if address.Pinner != nil {
		if address.Pinner.Check(address.Host, c.handshake.PeerCertificates) != nil {
			return false
		}
	}
	return true
}

func routeMatchesConnection(routes []Route, connRoute Route) bool {
	for _, route := range routes {
		if route.Proxy.Type == ProxyDirect && connRoute.Proxy.Type == ProxyDirect &&
			route.SocketAddress.IP == connRoute.SocketAddress.IP {
			return true
		}
	}
	return false
}

// isHealthy reports whether the connection can carry a new exchange.
// Extensive checks probe the socket for an unexpected close, which costs
// a read deadline round trip; they are reserved for requests that are
// not safely replayable.
func (c *Connection) isHealthy(doExtensiveChecks bool) bool {
	if c.conn == nil {
		return false
	}
	c.pool.mu.Lock()
	unusable := c.noNewExchanges
	c.pool.mu.Unlock()
	if unusable {
		return false
	}
	if !doExtensiveChecks {
		return true
	}
	return c.probeSocket()
}

// probeSocket peeks at the socket with an immediate deadline. A timeout
// means no bytes are waiting and the peer has not closed; anything else
// means the connection is not safe for a non-idempotent request.
func (c *Connection) probeSocket() bool {
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	var probe [1]byte
	_, err := c.conn.Read(probe[:])
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// EOF, an error, or stray bytes all disqualify the connection.
	return false
}

// noNewExchangesLocked marks the connection unusable for new exchanges.
func (c *Connection) noNewExchangesLocked() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.noNewExchanges = true
}

// noCoalescedConnectionsLocked reacts to a 421: the server will not
// serve this host here.
func (c *Connection) noCoalescedConnectionsLocked() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.noCoalescedConnections = true
}

// trackFailure reacts to an exchange failure, deciding whether this
// connection may carry further exchanges and whether its route should be
// avoided.
func (c *Connection) trackFailure(call *Call, err error) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	var reset *StreamResetError
	var shutdown *ShutdownError
	switch {
	case errors.As(err, &reset):
		switch {
		case reset.Code == http2.ErrCodeRefusedStream:
			// A single refusal can follow a graceful shutdown race;
			// repeated refusals condemn the connection.
			c.refusedStreamCount++
			if c.refusedStreamCount > 1 {
				c.noNewExchanges = true
				c.routeFailureCount++
			}
		case reset.Code != http2.ErrCodeCancel || (call != nil && call.IsCanceled()):
			c.noNewExchanges = true
			c.routeFailureCount++
		}
	case errors.As(err, &shutdown):
		c.noNewExchanges = true
	case !c.IsMultiplexed():
		c.noNewExchanges = true
		if c.successCount == 0 && err != nil {
			c.routeFailureCount++
		}
	}
}

// incrementSuccessCount records a completed exchange.
func (c *Connection) incrementSuccessCount() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.successCount++
	c.refusedStreamCount = 0
}

// reportLeak logs a response body that was never closed, using the stack
// captured when the leaking call acquired this connection.
func (c *Connection) reportLeak(call *Call) {
	c.pool.mu.Lock()
	var acquiredAt []byte
	for _, ref := range c.calls {
		if ref.call == call {
			acquiredAt = ref.acquiredAt
			break
		}
	}
	c.pool.mu.Unlock()
	event := c.pool.logger.Warn().
		Str("connection", c.route.String()).
		Str("url", call.originalRequest.URL.Redacted())
	if len(acquiredAt) > 0 {
		event = event.Str("acquired_at", string(acquiredAt))
	}
	event.Msg("a connection was leaked; did you forget to close a response body?")
}

// cancel closes the socket out from under any in-flight exchange.
func (c *Connection) cancel() {
	c.closeQuietly()
}

func (c *Connection) closeQuietly() {
	if c.rawConn != nil {
		_ = c.rawConn.Close()
	}
}

func (c *Connection) String() string {
	proto := c.protocol
	if proto == "" {
		proto = "unconnected"
	}
	suite := "none"
	if c.handshake != nil {
		suite = c.handshake.CipherSuite.Name()
	}
	return fmt.Sprintf("Connection{%s, proxy=%s, cipherSuite=%s, protocol=%s}",
		c.route.SocketAddress, c.route.Proxy, suite, proto)
}

// captureAcquireStack records where a call picked up this connection,
// for leak reports. Capturing a stack is not free, so it only happens
// when debug logging is enabled.
func (c *Connection) captureAcquireStack() []byte {
	if c.pool.logger.GetLevel() <= zerolog.DebugLevel {
		return debug.Stack()
	}
	return nil
}
