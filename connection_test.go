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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// selfSignedCert issues a certificate covering the given DNS names.
func selfSignedCert(t *testing.T, dnsNames ...string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: dnsNames[0]},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func coalescableConnection(t *testing.T, pool *ConnPool, host string, ip string, cert *x509.Certificate) *Connection {
	t.Helper()
	address := testAddress(t, host, 443, func(a *Address) { a.Scheme = "https" })
	conn := newConnection(pool, Route{
		Address:       address,
		Proxy:         DirectProxy,
		SocketAddress: SocketAddress{Host: host, IP: netip.MustParseAddr(ip), Port: 443},
	}, nil)
	conn.protocol = ProtocolHTTP2
	conn.allocationLimit = defaultConcurrentStreams
	conn.handshake = &Handshake{
		TLSVersion:       "TLS_1_3",
		CipherSuite:      CipherSuiteForName("TLS_AES_128_GCM_SHA256"),
		PeerCertificates: []*x509.Certificate{cert},
	}
	return conn
}

func TestIsEligibleSameHost(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	conn := poolConnection(t, pool, "a.example")
	conn.protocol = ProtocolHTTP11

	pool.mu.Lock()
	defer pool.mu.Unlock()
	require.True(t, conn.isEligible(conn.route.Address, nil))

	conn.noNewExchanges = true
	require.False(t, conn.isEligible(conn.route.Address, nil))
}

func TestIsEligibleRejectsFullConnection(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	conn := poolConnection(t, pool, "a.example")
	conn.protocol = ProtocolHTTP11
	pool.mu.Lock()
	defer pool.mu.Unlock()
	conn.calls = append(conn.calls, &callReference{})
	require.False(t, conn.isEligible(conn.route.Address, nil))
}

func TestCoalescingRequiresSharedIPAndCertificate(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	cert := selfSignedCert(t, "a.example", "b.example")
	conn := coalescableConnection(t, pool, "a.example", "10.0.0.1", cert)

	other := testAddress(t, "b.example", 443, func(a *Address) { a.Scheme = "https" })
	sharedIP := []Route{{
		Address:       other,
		Proxy:         DirectProxy,
		SocketAddress: SocketAddress{Host: "b.example", IP: netip.MustParseAddr("10.0.0.1"), Port: 443},
	}}
	differentIP := []Route{{
		Address:       other,
		Proxy:         DirectProxy,
		SocketAddress: SocketAddress{Host: "b.example", IP: netip.MustParseAddr("10.0.0.9"), Port: 443},
	}}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	require.True(t, conn.isEligible(other, sharedIP))
	require.False(t, conn.isEligible(other, differentIP))
	require.False(t, conn.isEligible(other, nil))

	// A host absent from the certificate never coalesces.
	stranger := testAddress(t, "c.example", 443, func(a *Address) { a.Scheme = "https" })
	strangerRoutes := []Route{{
		Address:       stranger,
		Proxy:         DirectProxy,
		SocketAddress: SocketAddress{Host: "c.example", IP: netip.MustParseAddr("10.0.0.1"), Port: 443},
	}}
	require.False(t, conn.isEligible(stranger, strangerRoutes))
}

func TestCoalescingStopsAfterMisdirect(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	cert := selfSignedCert(t, "a.example", "b.example")
	conn := coalescableConnection(t, pool, "a.example", "10.0.0.1", cert)
	other := testAddress(t, "b.example", 443, func(a *Address) { a.Scheme = "https" })
	routes := []Route{{
		Address:       other,
		Proxy:         DirectProxy,
		SocketAddress: SocketAddress{Host: "b.example", IP: netip.MustParseAddr("10.0.0.1"), Port: 443},
	}}

	conn.noCoalescedConnectionsLocked()
	pool.mu.Lock()
	defer pool.mu.Unlock()
	require.False(t, conn.isEligible(other, routes))
	// Its own host is unaffected.
	require.True(t, conn.isEligible(conn.route.Address, nil))
}

func TestHTTP1NeverCoalesces(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	cert := selfSignedCert(t, "a.example", "b.example")
	conn := coalescableConnection(t, pool, "a.example", "10.0.0.1", cert)
	conn.protocol = ProtocolHTTP11
	other := testAddress(t, "b.example", 443, func(a *Address) { a.Scheme = "https" })
	routes := []Route{{
		Address:       other,
		Proxy:         DirectProxy,
		SocketAddress: SocketAddress{Host: "b.example", IP: netip.MustParseAddr("10.0.0.1"), Port: 443},
	}}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	require.False(t, conn.isEligible(other, routes))
}

func TestSupportsUrlCoversCoalescedHosts(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	cert := selfSignedCert(t, "a.example", "b.example")
	conn := coalescableConnection(t, pool, "a.example", "10.0.0.1", cert)

	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}
	require.True(t, conn.supportsUrl(parse("https://a.example/x")))
	require.True(t, conn.supportsUrl(parse("https://b.example/y")))
	require.False(t, conn.supportsUrl(parse("https://c.example/z")))
	require.False(t, conn.supportsUrl(parse("https://a.example:8443/x")))
}

func TestTrackFailureRefusedStreamCondemnsOnSecondRefusal(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	cert := selfSignedCert(t, "a.example")
	conn := coalescableConnection(t, pool, "a.example", "10.0.0.1", cert)

	refused := &StreamResetError{Code: http2.ErrCodeRefusedStream}
	conn.trackFailure(nil, refused)
	pool.mu.Lock()
	require.False(t, conn.noNewExchanges)
	pool.mu.Unlock()

	conn.trackFailure(nil, refused)
	pool.mu.Lock()
	require.True(t, conn.noNewExchanges)
	require.Equal(t, 1, conn.routeFailureCount)
	pool.mu.Unlock()
}

func TestTrackFailureShutdownCondemnsQuietly(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	cert := selfSignedCert(t, "a.example")
	conn := coalescableConnection(t, pool, "a.example", "10.0.0.1", cert)

	conn.trackFailure(nil, &ShutdownError{Code: http2.ErrCodeNo})
	pool.mu.Lock()
	require.True(t, conn.noNewExchanges)
	require.Equal(t, 0, conn.routeFailureCount)
	pool.mu.Unlock()
}

func TestFinderRetryAfterFailureNeedsARecordedFailure(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	client := newTestClient(t, server)
	req, err := NewRequest("http://a.example/")
	require.NoError(t, err)
	call := client.NewCall(req)
	address, err := newAddress(client, req.URL)
	require.NoError(t, err)
	finder := newExchangeFinder(client.pool, address, call)

	require.False(t, finder.retryAfterFailure())

	// An uninitialized selector is assumed to hold at least one route.
	finder.trackFailure(&StreamResetError{Code: http2.ErrCodeInternal})
	require.True(t, finder.retryAfterFailure())
}

func TestFinderFailureClassification(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	client := newTestClient(t, server)
	req, err := NewRequest("http://a.example/")
	require.NoError(t, err)
	call := client.NewCall(req)
	address, err := newAddress(client, req.URL)
	require.NoError(t, err)
	finder := newExchangeFinder(client.pool, address, call)

	finder.trackFailure(&StreamResetError{Code: http2.ErrCodeRefusedStream})
	require.Equal(t, 1, finder.refusedStreamCount)
	finder.trackFailure(&ShutdownError{Code: http2.ErrCodeNo})
	require.Equal(t, 1, finder.connectionShutdownCount)
	finder.trackFailure(&TimeoutError{Kind: ReadTimeout})
	require.Equal(t, 1, finder.otherFailureCount)
}
