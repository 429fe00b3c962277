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
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"slices"
	"strings"

	"golang.org/x/net/idna"

	"github.com/kaycloud55/okhttp/pin"
)

// DialFunc establishes a network connection, in the shape of
// [net.Dialer.DialContext].
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// HostnameVerifier confirms that the peer of a completed handshake is
// the expected host, beyond standard certificate verification.
type HostnameVerifier func(hostname string, state tls.ConnectionState) bool

// Address is a specification for a logical endpoint: the scheme, host
// and port to connect to, plus all the client facets that affect how the
// connection is set up. Two requests whose URLs differ only in path or
// query share an Address, and may share a Connection.
type Address struct {
	Scheme string
	// Host is the canonical (lowercase, punycode) hostname.
	Host string
	Port int

	Dns  Dns
	Dial DialFunc
	// TLSConfig is non-nil exactly when Scheme is "https".
	TLSConfig        *tls.Config
	HostnameVerifier HostnameVerifier
	Pinner           *pin.Pinner
	// Proxy, when non-nil, pins all connections through one proxy and
	// the ProxySelector is not consulted.
	Proxy              *Proxy
	ProxySelector      ProxySelector
	Protocols          []Protocol
	ProxyAuthenticator Authenticator
}

// newAddress derives the Address for a URL from client configuration.
func newAddress(client *Client, u *url.URL) (*Address, error) {
	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	port := defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("okhttp: unexpected port %d in %s", port, u.Redacted())
	}
	address := &Address{
		Scheme:             u.Scheme,
		Host:               host,
		Port:               port,
		Dns:                client.dns,
		Dial:               client.dial,
		HostnameVerifier:   client.hostnameVerifier,
		Pinner:             client.pinner,
		Proxy:              client.proxy,
		ProxySelector:      client.proxySelector,
		Protocols:          client.protocols,
		ProxyAuthenticator: client.proxyAuthenticator,
	}
	if u.Scheme == "https" {
		address.TLSConfig = client.tlsConfig
		if address.TLSConfig == nil {
			address.TLSConfig = &tls.Config{} //nolint:gosec // defaults resolved at connect
		}
	}
	return address, nil
}

// canonicalHost lowercases and punycodes a hostname. IP literals pass
// through unchanged.
func canonicalHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(host), nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", fmt.Errorf("okhttp: invalid hostname %q: %w", host, err)
	}
	return ascii, nil
}

// URL renders the address's root URL.
func (a *Address) URL() string {
	return fmt.Sprintf("%s://%s:%d/", a.Scheme, a.Host, a.Port)
}

// EqualNonHost reports whether every facet except scheme/host/port
// matches. Two addresses that are EqualNonHost and whose hosts resolve
// to a shared IP may coalesce onto one HTTP/2 connection.
func (a *Address) EqualNonHost(other *Address) bool {
	return equalIdentity(a.Dns, other.Dns) &&
		equalIdentity(a.Dial, other.Dial) &&
		a.TLSConfig == other.TLSConfig &&
		equalIdentity(a.HostnameVerifier, other.HostnameVerifier) &&
		a.Pinner == other.Pinner &&
		equalProxy(a.Proxy, other.Proxy) &&
		equalIdentity(a.ProxySelector, other.ProxySelector) &&
		slices.Equal(a.Protocols, other.Protocols) &&
		equalIdentity(a.ProxyAuthenticator, other.ProxyAuthenticator)
}

// Equal reports full equality including the endpoint itself. Path and
// query never participate: they are not part of an Address.
func (a *Address) Equal(other *Address) bool {
	return a.Scheme == other.Scheme &&
		a.Host == other.Host &&
		a.Port == other.Port &&
		a.EqualNonHost(other)
}

func (a *Address) String() string {
	where := "no proxy"
	if a.Proxy != nil {
		where = "proxy " + a.Proxy.String()
	}
	return fmt.Sprintf("Address{%s:%d, %s}", a.Host, a.Port, where)
}

// equalIdentity compares collaborators by identity. Funcs and pointers
// compare by address; interface values holding uncomparable types never
// panic.
func equalIdentity(a, b any) bool {
	aVal, bVal := reflect.ValueOf(a), reflect.ValueOf(b)
	if !aVal.IsValid() || !bVal.IsValid() {
		return aVal.IsValid() == bVal.IsValid()
	}
	if aVal.Kind() != bVal.Kind() {
		return false
	}
	switch aVal.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Chan:
		return aVal.Pointer() == bVal.Pointer()
	default:
		return aVal.Comparable() && bVal.Comparable() && a == b
	}
}

func equalProxy(a, b *Proxy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ProxyType classifies how a proxy relays traffic.
type ProxyType int

const (
	// ProxyDirect is no proxy at all.
	ProxyDirect ProxyType = iota
	// ProxyHTTP relays via an HTTP proxy (CONNECT tunnels for https).
	ProxyHTTP
	// ProxySOCKS relays via a SOCKS proxy, which resolves hostnames
	// itself.
	ProxySOCKS
)

func (t ProxyType) String() string {
	switch t {
	case ProxyDirect:
		return "DIRECT"
	case ProxyHTTP:
		return "HTTP"
	case ProxySOCKS:
		return "SOCKS"
	default:
		return "UNKNOWN"
	}
}

// Proxy names an intermediate server, or the absence of one.
type Proxy struct {
	Type ProxyType
	Host string
	Port int
}

// DirectProxy is the "no proxy" value.
var DirectProxy = Proxy{Type: ProxyDirect}

func (p Proxy) String() string {
	if p.Type == ProxyDirect {
		return "DIRECT"
	}
	return fmt.Sprintf("%s @ %s:%d", p.Type, p.Host, p.Port)
}

// ProxySelector decides which proxies to attempt for a URL, in order.
type ProxySelector interface {
	// Select returns candidate proxies for the URL. An empty result
	// means connect directly.
	Select(u *url.URL) []Proxy
	// ConnectFailed reports that a selected proxy was unreachable.
	ConnectFailed(u *url.URL, proxy Proxy, err error)
}

// NoProxySelector always connects directly.
var NoProxySelector ProxySelector = noProxySelector{}

type noProxySelector struct{}

func (noProxySelector) Select(*url.URL) []Proxy              { return nil }
func (noProxySelector) ConnectFailed(*url.URL, Proxy, error) {}

// Authenticator reacts to an authentication challenge. Returning a nil
// request gives up and surfaces the challenge response to the caller.
type Authenticator interface {
	Authenticate(route *Route, resp *Response) (*Request, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(route *Route, resp *Response) (*Request, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(route *Route, resp *Response) (*Request, error) {
	return f(route, resp)
}

// NoAuthenticator never satisfies a challenge.
var NoAuthenticator Authenticator = AuthenticatorFunc(
	func(*Route, *Response) (*Request, error) { return nil, nil },
)

// BasicAuthenticator answers challenges with HTTP basic credentials. It
// answers each challenge at most once per request chain: if the header
// it would add is already present, it gives up instead of looping.
func BasicAuthenticator(username, password string) Authenticator {
	credential := "Basic " + basicCredential(username, password)
	return AuthenticatorFunc(func(_ *Route, resp *Response) (*Request, error) {
		headerName := "Authorization"
		if resp.Code == 407 {
			headerName = "Proxy-Authorization"
		}
		if resp.Request.Header.Get(headerName) == credential {
			return nil, nil
		}
		next := resp.Request.Clone()
		next.Header.Set(headerName, credential)
		return next, nil
	})
}

func basicCredential(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
