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
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kaycloud55/okhttp/internal/clocktest"
)

const testKeepAlive = 5 * time.Minute

func newTestPool(t *testing.T, maxIdle int) (*ConnPool, clocktest.FakeClock) {
	t.Helper()
	clock := clocktest.NewFakeClock()
	pool := newConnPool(maxIdle, testKeepAlive, clock, zerolog.Nop(), nil)
	return pool, clock
}

func poolConnection(t *testing.T, pool *ConnPool, host string) *Connection {
	t.Helper()
	address := testAddress(t, host, 80)
	route := Route{
		Address:       address,
		Proxy:         DirectProxy,
		SocketAddress: SocketAddress{Host: host, IP: netip.MustParseAddr("127.0.0.1"), Port: 80},
	}
	return newConnection(pool, route, nil)
}

// addIdle places a connection in the pool, idle since the given time.
func addIdle(pool *ConnPool, conn *Connection, idleSince time.Time) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	conn.idleAtNs = idleSince.UnixNano()
	pool.connections = append(pool.connections, conn)
}

func addInUse(pool *ConnPool, conn *Connection) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	conn.calls = append(conn.calls, &callReference{})
	pool.connections = append(pool.connections, conn)
}

func TestCleanupEmptyPoolStops(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 5)
	require.Equal(t, time.Duration(-1), pool.cleanup(clock.Now()))
}

func TestCleanupReportsNextDeadlineForIdleConnection(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 5)
	conn := poolConnection(t, pool, "a.example")
	addIdle(pool, conn, clock.Now().Add(-time.Minute))

	wait := pool.cleanup(clock.Now())
	require.Equal(t, testKeepAlive-time.Minute, wait)
	require.Equal(t, 1, pool.ConnectionCount())
}

func TestCleanupEvictsConnectionIdlePastKeepAlive(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 5)
	conn := poolConnection(t, pool, "a.example")
	addIdle(pool, conn, clock.Now().Add(-testKeepAlive))

	require.Equal(t, time.Duration(0), pool.cleanup(clock.Now()))
	require.Equal(t, 0, pool.ConnectionCount())
}

func TestCleanupEvictsLongestIdleWhenOverBudget(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 1)
	older := poolConnection(t, pool, "a.example")
	newer := poolConnection(t, pool, "b.example")
	addIdle(pool, older, clock.Now().Add(-2*time.Minute))
	addIdle(pool, newer, clock.Now().Add(-time.Minute))

	require.Equal(t, time.Duration(0), pool.cleanup(clock.Now()))
	require.Equal(t, 1, pool.ConnectionCount())
	require.Equal(t, 1, pool.IdleConnectionCount())
	pool.mu.Lock()
	remaining := pool.connections[0]
	pool.mu.Unlock()
	require.Same(t, newer, remaining)
}

func TestCleanupAllInUseWaitsFullKeepAlive(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 5)
	addInUse(pool, poolConnection(t, pool, "a.example"))

	require.Equal(t, testKeepAlive, pool.cleanup(clock.Now()))
	require.Equal(t, 1, pool.ConnectionCount())
	require.Equal(t, 0, pool.IdleConnectionCount())
}

func TestCleanupNeverEvictsInUseConnections(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 0)
	conn := poolConnection(t, pool, "a.example")
	addInUse(pool, conn)
	clock.Advance(time.Hour)

	require.Equal(t, testKeepAlive, pool.cleanup(clock.Now()))
	require.Equal(t, 1, pool.ConnectionCount())
}

func TestConnectionBecameIdleEvictsWhenCondemned(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, 5)
	conn := poolConnection(t, pool, "a.example")
	pool.mu.Lock()
	pool.connections = append(pool.connections, conn)
	conn.noNewExchanges = true
	mustClose := pool.connectionBecameIdleLocked(conn)
	pool.mu.Unlock()
	require.True(t, mustClose)
	require.Equal(t, 0, pool.ConnectionCount())
}

func TestConnectionBecameIdleKeepsReusableConnection(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 5)
	conn := poolConnection(t, pool, "a.example")
	pool.mu.Lock()
	pool.connections = append(pool.connections, conn)
	mustClose := pool.connectionBecameIdleLocked(conn)
	idleAt := conn.idleAtNs
	pool.mu.Unlock()
	require.False(t, mustClose)
	require.Equal(t, clock.Now().UnixNano(), idleAt)
}

func TestEvictAllDropsIdleAndCondemnsBusy(t *testing.T) {
	t.Parallel()
	pool, clock := newTestPool(t, 5)
	idle := poolConnection(t, pool, "a.example")
	busy := poolConnection(t, pool, "b.example")
	addIdle(pool, idle, clock.Now())
	addInUse(pool, busy)

	pool.evictAll()
	require.Equal(t, 1, pool.ConnectionCount())
	pool.mu.Lock()
	condemned := busy.noNewExchanges
	pool.mu.Unlock()
	require.True(t, condemned)
}

func TestAcquirePooledConnectionRespectsAllocationLimit(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	client := newTestClient(t, server)
	pool := client.pool
	address := testAddress(t, "a.example", 80, func(a *Address) {
		a.Dns = client.dns
		a.Dial = client.dial
		a.ProxySelector = client.proxySelector
		a.ProxyAuthenticator = client.proxyAuthenticator
		a.Protocols = client.protocols
	})
	conn := poolConnection(t, pool, "a.example")
	conn.route.Address = address
	conn.protocol = ProtocolHTTP11
	addIdle(pool, conn, client.clock.Now())

	req, err := NewRequest("http://a.example/")
	require.NoError(t, err)
	call1 := client.NewCall(req)
	got := pool.acquirePooledConnection(address, call1, nil, false)
	require.Same(t, conn, got)

	// The HTTP/1 connection is exhausted: a second call must not share
	// it.
	call2 := client.NewCall(req.Clone())
	require.Nil(t, pool.acquirePooledConnection(address, call2, nil, false))

	// Releasing the first call frees the slot.
	pool.mu.Lock()
	_ = call1.releaseConnectionLocked()
	pool.mu.Unlock()
	require.NotNil(t, pool.acquirePooledConnection(address, call2, nil, false))
}

func TestAcquireRequiresMultiplexedWhenRacing(t *testing.T) {
	t.Parallel()
	server := &fakeServer{}
	client := newTestClient(t, server)
	pool := client.pool
	address := testAddress(t, "a.example", 80, func(a *Address) {
		a.Dns = client.dns
		a.Dial = client.dial
		a.ProxySelector = client.proxySelector
		a.ProxyAuthenticator = client.proxyAuthenticator
		a.Protocols = client.protocols
	})
	conn := poolConnection(t, pool, "a.example")
	conn.route.Address = address
	conn.protocol = ProtocolHTTP11
	addIdle(pool, conn, client.clock.Now())

	req, err := NewRequest("http://a.example/")
	require.NoError(t, err)
	call := client.NewCall(req)
	require.Nil(t, pool.acquirePooledConnection(address, call, nil, true))
}
