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
	"fmt"
	"net/netip"
	"net/url"
)

var errExhaustedRoutes = errors.New("okhttp: exhausted proxy configurations")

// routeSelector enumerates the candidate routes to an address: the
// cross product of eligible proxies and resolved socket addresses.
// Routes that recently failed (per the RouteDatabase) are postponed
// behind all fresh candidates and yielded only when everything else has
// been tried.
type routeSelector struct {
	address       *Address
	routeDatabase *RouteDatabase

	proxies         []Proxy
	nextProxyIndex  int
	postponedRoutes []Route
}

func newRouteSelector(address *Address, routeDatabase *RouteDatabase) *routeSelector {
	return &routeSelector{
		address:       address,
		routeDatabase: routeDatabase,
		proxies:       proxiesFor(address),
	}
}

// proxiesFor returns the proxies to attempt, in order. A pinned proxy
// short-circuits the selector.
func proxiesFor(address *Address) []Proxy {
	if address.Proxy != nil {
		return []Proxy{*address.Proxy}
	}
	u := &url.URL{Scheme: address.Scheme, Host: hostPortString(address.Host, address.Port)}
	if address.ProxySelector != nil {
		if selected := address.ProxySelector.Select(u); len(selected) > 0 {
			return selected
		}
	}
	return []Proxy{DirectProxy}
}

func hostPortString(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// hasNext reports whether another selection can be produced.
func (s *routeSelector) hasNext() bool {
	return s.nextProxyIndex < len(s.proxies) || len(s.postponedRoutes) > 0
}

// next produces the next snapshot of candidate routes. Fresh routes for
// each proxy come first; once proxies are exhausted, the postponed
// routes are returned as a final selection.
func (s *routeSelector) next(ctx context.Context) (*routeSelection, error) {
	if !s.hasNext() {
		return nil, errExhaustedRoutes
	}
	var routes []Route
	for s.nextProxyIndex < len(s.proxies) && len(routes) == 0 {
		proxy := s.proxies[s.nextProxyIndex]
		s.nextProxyIndex++
		socketAddresses, err := s.resolve(ctx, proxy)
		if err != nil {
			return nil, err
		}
		for _, socketAddress := range socketAddresses {
			route := Route{Address: s.address, Proxy: proxy, SocketAddress: socketAddress}
			if s.routeDatabase.ShouldPostpone(route) {
				s.postponedRoutes = append(s.postponedRoutes, route)
			} else {
				routes = append(routes, route)
			}
		}
	}
	if len(routes) == 0 {
		// Every candidate is on the blacklist. Try them anyway.
		routes = s.postponedRoutes
		s.postponedRoutes = nil
	}
	return &routeSelection{routes: routes}, nil
}

// resolve produces the socket addresses for one proxy choice. A SOCKS
// proxy resolves hostnames itself, so its address stays unresolved.
func (s *routeSelector) resolve(ctx context.Context, proxy Proxy) ([]SocketAddress, error) {
	var host string
	var port int
	switch proxy.Type {
	case ProxyDirect, ProxySOCKS:
		host = s.address.Host
		port = s.address.Port
	case ProxyHTTP:
		host = proxy.Host
		port = proxy.Port
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("okhttp: no route to %s:%d; port is out of range", host, port)
	}
	if proxy.Type == ProxySOCKS {
		return []SocketAddress{{Host: host, Port: port}}, nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []SocketAddress{{Host: host, IP: ip.Unmap(), Port: port}}, nil
	}
	addrs, err := s.address.Dns.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("okhttp: %v returned no addresses for %s", s.address.Dns, host)
	}
	socketAddresses := make([]SocketAddress, len(addrs))
	for i, addr := range addrs {
		socketAddresses[i] = SocketAddress{Host: host, IP: addr.Unmap(), Port: port}
	}
	return socketAddresses, nil
}

// connectFailed reports a connect failure so later selections avoid the
// route and the proxy selector learns about its broken proxies.
func (s *routeSelector) connectFailed(route Route, err error) {
	if route.Proxy.Type != ProxyDirect && s.address.ProxySelector != nil {
		u := &url.URL{Scheme: s.address.Scheme, Host: hostPortString(s.address.Host, s.address.Port)}
		s.address.ProxySelector.ConnectFailed(u, route.Proxy, err)
	}
	s.routeDatabase.Failed(route)
}

// routeSelection is an immutable snapshot of routes to try in order.
type routeSelection struct {
	routes    []Route
	nextIndex int
}

func (s *routeSelection) hasNext() bool {
	return s.nextIndex < len(s.routes)
}

func (s *routeSelection) next() Route {
	route := s.routes[s.nextIndex]
	s.nextIndex++
	return route
}
