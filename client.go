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
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kaycloud55/okhttp/internal"
	"github.com/kaycloud55/okhttp/pin"
)

// Version is reported in the default User-Agent header.
const Version = "1.0.0"

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

// WithRootContext configures the root context for the client's calls
// and background goroutines. If not specified, [context.Background] is
// used. Cancelling it cancels every call.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithDialer configures the client to use the given function to
// establish network connections. If no WithDialer option is provided, a
// default [net.Dialer] is used with a 30-second dial timeout and TCP
// keep-alives every 30 seconds.
func WithDialer(dial DialFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dial = dial
	})
}

// WithDNS configures the resolver used to turn hostnames into routes.
func WithDNS(dns Dns) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dns = dns
	})
}

// WithProxy pins all connections through the given proxy, bypassing the
// proxy selector.
func WithProxy(proxy Proxy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.proxy = &proxy
	})
}

// WithProxySelector configures the policy choosing proxies per URL. The
// default never uses a proxy.
func WithProxySelector(selector ProxySelector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.proxySelector = selector
	})
}

// WithTLSConfig adds custom TLS configuration, used when communicating
// with https servers. The given timeout is applied to the TLS handshake
// step; zero keeps the 10-second default.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithHostnameVerifier adds a verification step on top of standard
// certificate validation.
func WithHostnameVerifier(verifier HostnameVerifier) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.hostnameVerifier = verifier
	})
}

// WithCertificatePinner constrains which certificate chains are
// accepted, per hostname pattern.
func WithCertificatePinner(pinner *pin.Pinner) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.pinner = pinner
	})
}

// WithCookieJar provides a jar to carry cookies between requests.
func WithCookieJar(jar http.CookieJar) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.cookieJar = jar
	})
}

// WithCache caches responses per RFC 7234 and revalidates stale ones
// with conditional requests.
func WithCache(cache *Cache) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.cache = cache
	})
}

// WithAuthenticator reacts to 401 challenges from origin servers.
func WithAuthenticator(authenticator Authenticator) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.authenticator = authenticator
	})
}

// WithProxyAuthenticator reacts to 407 challenges from proxies.
func WithProxyAuthenticator(authenticator Authenticator) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.proxyAuthenticator = authenticator
	})
}

// WithInterceptors appends application interceptors: they run once per
// call, before redirects and retries are applied.
func WithInterceptors(interceptors ...Interceptor) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.interceptors = append(opts.interceptors, interceptors...)
	})
}

// WithNetworkInterceptors appends network interceptors: they run once
// per network request, with the connection available.
func WithNetworkInterceptors(interceptors ...Interceptor) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.networkInterceptors = append(opts.networkInterceptors, interceptors...)
	})
}

// WithFollowRedirects configures whether 3xx responses are followed.
// The default follows them, including across the http/https boundary.
func WithFollowRedirects(follow, followSSL bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.followRedirects = follow
		opts.followSSLRedirects = followSSL
	})
}

// WithRetryOnConnectionFailure configures recovery from connect
// problems: when enabled (the default), the client silently retries on
// a different route when one exists.
func WithRetryOnConnectionFailure(retry bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryOnConnectionFailure = &retry
	})
}

// WithCallTimeout bounds the complete call: resolving, connecting,
// writing, server processing and reading, across all retries and
// follow-ups. The default is no call timeout.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.callTimeout = timeout
	})
}

// WithConnectTimeout bounds each TCP connect attempt. The default is
// 10 seconds.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connectTimeout = timeout
	})
}

// WithReadTimeout bounds each socket read, enforced by codecs. The
// default is 10 seconds.
func WithReadTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.readTimeout = timeout
	})
}

// WithWriteTimeout bounds each socket write, enforced by codecs. The
// default is 10 seconds.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.writeTimeout = timeout
	})
}

// WithProtocols configures the protocols to negotiate, in preference
// order. The list must contain http/1.1 or h2_prior_knowledge, and may
// not contain spdy/3.1 or a prior-knowledge mix.
func WithProtocols(protocols ...Protocol) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.protocols = protocols
	})
}

// WithConnectionPool tunes connection reuse: how many idle connections
// to keep, and for how long.
func WithConnectionPool(maxIdleConnections int, keepAliveDuration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxIdleConnections = maxIdleConnections
		opts.keepAliveDuration = keepAliveDuration
	})
}

// WithDispatcher supplies a shared dispatcher, so several clients can
// share one set of concurrency limits.
func WithDispatcher(dispatcher *Dispatcher) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dispatcher = dispatcher
	})
}

// WithCodecFactory supplies the wire codec constructor. Exchanges
// cannot be carried without one.
func WithCodecFactory(factory CodecFactory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.codecFactory = factory
	})
}

// WithUserAgent overrides the default User-Agent header value.
func WithUserAgent(userAgent string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.userAgent = userAgent
	})
}

// WithLogger routes the client's structured logs to the given logger.
// The default discards them.
func WithLogger(logger zerolog.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = &logger
	})
}

// WithMetrics records request, dispatcher, pool and cache metrics on
// the given collector.
func WithMetrics(metrics *MetricsCollector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.metrics = metrics
	})
}

type clientOptions struct {
	rootCtx                  context.Context //nolint:containedctx
	dial                     DialFunc
	dns                      Dns
	proxy                    *Proxy
	proxySelector            ProxySelector
	tlsConfig                *tls.Config
	tlsHandshakeTimeout      time.Duration
	hostnameVerifier         HostnameVerifier
	pinner                   *pin.Pinner
	cookieJar                http.CookieJar
	cache                    *Cache
	authenticator            Authenticator
	proxyAuthenticator       Authenticator
	interceptors             []Interceptor
	networkInterceptors      []Interceptor
	followRedirects          bool
	followSSLRedirects       bool
	retryOnConnectionFailure *bool
	callTimeout              time.Duration
	connectTimeout           time.Duration
	readTimeout              time.Duration
	writeTimeout             time.Duration
	protocols                []Protocol
	maxIdleConnections       int
	keepAliveDuration        time.Duration
	dispatcher               *Dispatcher
	codecFactory             CodecFactory
	userAgent                string
	logger                   *zerolog.Logger
	metrics                  *MetricsCollector
	clock                    internal.Clock
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		followRedirects:    true,
		followSSLRedirects: true,
		maxIdleConnections: 5,
		keepAliveDuration:  5 * time.Minute,
	}
}

func (opts *clientOptions) applyDefaults() error {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.dial == nil {
		opts.dial = defaultDialer.DialContext
	}
	if opts.dns == nil {
		opts.dns = SystemDns
	}
	if opts.proxySelector == nil {
		opts.proxySelector = NoProxySelector
	}
	if opts.authenticator == nil {
		opts.authenticator = NoAuthenticator
	}
	if opts.proxyAuthenticator == nil {
		opts.proxyAuthenticator = NoAuthenticator
	}
	if opts.retryOnConnectionFailure == nil {
		retry := true
		opts.retryOnConnectionFailure = &retry
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
	if opts.connectTimeout == 0 {
		opts.connectTimeout = 10 * time.Second
	}
	if opts.readTimeout == 0 {
		opts.readTimeout = 10 * time.Second
	}
	if opts.writeTimeout == 0 {
		opts.writeTimeout = 10 * time.Second
	}
	if opts.protocols == nil {
		opts.protocols = []Protocol{ProtocolHTTP2, ProtocolHTTP11}
	}
	hasHTTP11, hasPriorKnowledge := false, false
	for _, p := range opts.protocols {
		if !p.selectable() {
			return protocolErrorf("protocol %s may not be selected", p)
		}
		hasHTTP11 = hasHTTP11 || p == ProtocolHTTP11
		hasPriorKnowledge = hasPriorKnowledge || p == ProtocolH2PriorKnowledge
	}
	if !hasHTTP11 && !hasPriorKnowledge {
		return protocolErrorf("protocols must contain %s or %s: %v", ProtocolHTTP11, ProtocolH2PriorKnowledge, opts.protocols)
	}
	if hasPriorKnowledge && len(opts.protocols) > 1 {
		return protocolErrorf("protocols containing %s cannot use other protocols: %v", ProtocolH2PriorKnowledge, opts.protocols)
	}
	if opts.dispatcher == nil {
		opts.dispatcher = NewDispatcher()
	}
	if opts.userAgent == "" {
		opts.userAgent = "okhttp/" + Version
	}
	if opts.logger == nil {
		nop := zerolog.Nop()
		opts.logger = &nop
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	return nil
}

// Client is a factory for calls. Each client holds its own connection
// pool and route database, and a dispatcher that is its own unless one
// is shared through WithDispatcher, so requests to the same servers
// reuse sockets and share concurrency limits. Clients are safe for
// concurrent use and meant to be shared; create one and reuse it.
type Client struct {
	rootCtx                  context.Context //nolint:containedctx
	dial                     DialFunc
	dns                      Dns
	proxy                    *Proxy
	proxySelector            ProxySelector
	tlsConfig                *tls.Config
	tlsHandshakeTimeout      time.Duration
	hostnameVerifier         HostnameVerifier
	pinner                   *pin.Pinner
	cookieJar                http.CookieJar
	cache                    *Cache
	authenticator            Authenticator
	proxyAuthenticator       Authenticator
	interceptors             []Interceptor
	networkInterceptors      []Interceptor
	followRedirects          bool
	followSSLRedirects       bool
	retryOnConnectionFailure bool
	callTimeout              time.Duration
	connectTimeout           time.Duration
	readTimeout              time.Duration
	writeTimeout             time.Duration
	protocols                []Protocol
	dispatcher               *Dispatcher
	codecFactory             CodecFactory
	userAgent                string
	logger                   zerolog.Logger
	metrics                  *MetricsCollector
	clock                    internal.Clock

	pool          *ConnPool
	routeDatabase *RouteDatabase

	closed atomic.Bool
}

// NewClient returns a client configured by the given options.
func NewClient(options ...ClientOption) (*Client, error) {
	opts := defaultClientOptions()
	for _, option := range options {
		option.apply(&opts)
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	client := &Client{
		rootCtx:                  opts.rootCtx,
		dial:                     opts.dial,
		dns:                      opts.dns,
		proxy:                    opts.proxy,
		proxySelector:            opts.proxySelector,
		tlsConfig:                opts.tlsConfig,
		tlsHandshakeTimeout:      opts.tlsHandshakeTimeout,
		hostnameVerifier:         opts.hostnameVerifier,
		pinner:                   opts.pinner,
		cookieJar:                opts.cookieJar,
		cache:                    opts.cache,
		authenticator:            opts.authenticator,
		proxyAuthenticator:       opts.proxyAuthenticator,
		interceptors:             opts.interceptors,
		networkInterceptors:      opts.networkInterceptors,
		followRedirects:          opts.followRedirects,
		followSSLRedirects:       opts.followSSLRedirects,
		retryOnConnectionFailure: *opts.retryOnConnectionFailure,
		callTimeout:              opts.callTimeout,
		connectTimeout:           opts.connectTimeout,
		readTimeout:              opts.readTimeout,
		writeTimeout:             opts.writeTimeout,
		protocols:                opts.protocols,
		dispatcher:               opts.dispatcher,
		codecFactory:             opts.codecFactory,
		userAgent:                opts.userAgent,
		logger:                   *opts.logger,
		metrics:                  opts.metrics,
		clock:                    opts.clock,
		routeDatabase:            newRouteDatabase(),
	}
	client.dispatcher.metrics = client.metrics
	client.pool = newConnPool(
		opts.maxIdleConnections, opts.keepAliveDuration,
		client.clock, client.logger, client.metrics)
	return client, nil
}

// NewCall prepares a request for execution.
func (c *Client) NewCall(req *Request) *Call {
	return newCall(c, req)
}

// Dispatcher returns the client's dispatcher, for tuning limits or
// observing queues.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// ConnectionPool returns the client's pool, for observing reuse.
func (c *Client) ConnectionPool() *ConnPool { return c.pool }

// Cache returns the configured cache, nil when none.
func (c *Client) Cache() *Cache { return c.cache }

// Close releases the client's resources: cancels all calls, evicts the
// pool and closes the cache store. Calls created after Close fail.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.dispatcher.CancelAll()
	grp, _ := errgroup.WithContext(context.Background())
	grp.Go(func() error {
		c.pool.evictAll()
		return nil
	})
	if c.cache != nil {
		grp.Go(c.cache.Close)
	}
	return grp.Wait()
}
