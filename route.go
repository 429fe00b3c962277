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
	"net"
	"net/netip"
	"strconv"
)

// SocketAddress is the concrete endpoint of one connect attempt. For
// SOCKS proxies the address stays unresolved (the proxy resolves the
// hostname); otherwise IP carries one resolved address.
type SocketAddress struct {
	Host string
	IP   netip.Addr
	Port int
}

// Resolved reports whether the address carries an IP.
func (s SocketAddress) Resolved() bool {
	return s.IP.IsValid()
}

// HostPort renders the dialable "host:port" form, preferring the IP.
func (s SocketAddress) HostPort() string {
	if s.Resolved() {
		return net.JoinHostPort(s.IP.String(), strconv.Itoa(s.Port))
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s SocketAddress) String() string {
	return s.HostPort()
}

// Route is one concrete path to an Address: which proxy to use and which
// socket address to dial. Enumerating DNS results and proxies yields the
// candidate routes for an attempt.
type Route struct {
	Address       *Address
	Proxy         Proxy
	SocketAddress SocketAddress
}

// RequiresTunnel reports whether the connection must first build a
// CONNECT tunnel: HTTPS carried through an HTTP proxy.
func (r Route) RequiresTunnel() bool {
	return r.Proxy.Type == ProxyHTTP && r.Address.Scheme == "https"
}

func (r Route) String() string {
	switch {
	case r.Proxy.Type != ProxyDirect:
		return fmt.Sprintf("%s:%d via %s @ %s", r.Address.Host, r.Address.Port, r.Proxy.Type, r.SocketAddress)
	case r.SocketAddress.Resolved() && r.Address.Host != r.SocketAddress.IP.String():
		return fmt.Sprintf("%s:%d at %s", r.Address.Host, r.Address.Port, r.SocketAddress)
	default:
		return r.SocketAddress.String()
	}
}

// key is the identity used by the route database.
func (r Route) key() string {
	return fmt.Sprintf("%s|%s|%s", r.Address.URL(), r.Proxy, r.SocketAddress)
}
