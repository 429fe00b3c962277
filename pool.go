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
	"net"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaycloud55/okhttp/internal"
)

// ConnPool holds live connections for reuse across calls to the same
// endpoint, and across hostnames when HTTP/2 coalescing applies. A
// cleanup task evicts connections that sit idle past the keep-alive
// duration or beyond the idle-connection budget.
type ConnPool struct {
	maxIdleConnections int
	keepAliveDuration  time.Duration
	clock              internal.Clock
	logger             zerolog.Logger
	metrics            *MetricsCollector

	mu sync.Mutex
	// +checklocks:mu
	connections []*Connection
	// cleanupTimer is non-nil while a cleanup pass is scheduled.
	// +checklocks:mu
	cleanupTimer internal.Timer
}

func newConnPool(maxIdle int, keepAlive time.Duration, clock internal.Clock, logger zerolog.Logger, metrics *MetricsCollector) *ConnPool {
	return &ConnPool{
		maxIdleConnections: maxIdle,
		keepAliveDuration:  keepAlive,
		clock:              clock,
		logger:             logger,
		metrics:            metrics,
	}
}

// ConnectionCount returns the number of connections in the pool.
func (p *ConnPool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// IdleConnectionCount returns the number of pooled connections with no
// calls attached.
func (p *ConnPool) IdleConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, conn := range p.connections {
		if len(conn.calls) == 0 {
			idle++
		}
	}
	return idle
}

// put adds a freshly-established connection and schedules cleanup.
func (p *ConnPool) put(conn *Connection) {
	p.mu.Lock()
	p.connections = append(p.connections, conn)
	p.scheduleCleanupLocked(0)
	size := len(p.connections)
	p.mu.Unlock()
	p.metrics.observePoolSize(size)
}

// acquirePooledConnection scans for a connection eligible to carry a new
// exchange for address, attaching the call on success. When routes is
// non-nil, HTTP/2 connections to other hostnames sharing an IP are
// considered (coalescing). requireMultiplexed restricts the scan to
// HTTP/2 connections, used when racing a fresh connect against the pool.
func (p *ConnPool) acquirePooledConnection(address *Address, call *Call, routes []Route, requireMultiplexed bool) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.connections {
		if requireMultiplexed && !conn.IsMultiplexed() {
			continue
		}
		if !conn.isEligible(address, routes) {
			continue
		}
		call.acquireConnectionLocked(conn)
		return conn
	}
	return nil
}

// connectionBecameIdle decides the fate of a connection whose last call
// detached. It returns true when the caller must close the socket: the
// connection was condemned or the pool keeps no idle connections.
// +checklocks:p.mu
func (p *ConnPool) connectionBecameIdleLocked(conn *Connection) bool {
	if conn.noNewExchanges || p.maxIdleConnections == 0 {
		p.removeLocked(conn)
		return true
	}
	conn.idleAtNs = p.clock.Now().UnixNano()
	p.scheduleCleanupLocked(0)
	return false
}

// +checklocks:p.mu
func (p *ConnPool) removeLocked(conn *Connection) {
	if i := slices.Index(p.connections, conn); i >= 0 {
		p.connections = slices.Delete(p.connections, i, i+1)
	}
	if len(p.connections) == 0 && p.cleanupTimer != nil {
		p.cleanupTimer.Stop()
		p.cleanupTimer = nil
	}
}

// scheduleCleanupLocked arranges a cleanup pass after delay, collapsing
// into an already-scheduled earlier pass.
// +checklocks:p.mu
func (p *ConnPool) scheduleCleanupLocked(delay time.Duration) {
	if p.cleanupTimer != nil {
		p.cleanupTimer.Reset(delay)
		return
	}
	p.cleanupTimer = p.clock.AfterFunc(delay, p.runCleanup)
}

// runCleanup performs cleanup passes until the pool asks to sleep or to
// stop. Sockets are closed outside the pool lock.
func (p *ConnPool) runCleanup() {
	for {
		wait := p.cleanup(p.clock.Now())
		switch {
		case wait == 0:
			continue
		case wait > 0:
			p.mu.Lock()
			if p.cleanupTimer != nil {
				p.cleanupTimer.Reset(wait)
			}
			p.mu.Unlock()
			return
		default:
			p.mu.Lock()
			p.cleanupTimer = nil
			p.mu.Unlock()
			return
		}
	}
}

// cleanup evicts at most one connection and reports when to run next:
// 0 to run again immediately, a positive duration to sleep, or a
// negative duration when the pool is empty and the task should stop.
func (p *ConnPool) cleanup(now time.Time) time.Duration {
	var evict *Connection
	p.mu.Lock()
	inUseCount, idleCount := 0, 0
	var longestIdle *Connection
	longestIdleDuration := time.Duration(-1)
	for _, conn := range p.connections {
		if len(conn.calls) > 0 {
			inUseCount++
			continue
		}
		idleCount++
		if idleFor := time.Duration(now.UnixNano() - conn.idleAtNs); idleFor > longestIdleDuration {
			longestIdleDuration = idleFor
			longestIdle = conn
		}
	}
	switch {
	case longestIdleDuration >= p.keepAliveDuration || idleCount > p.maxIdleConnections:
		evict = longestIdle
		p.removeLocked(evict)
	case idleCount > 0:
		p.mu.Unlock()
		return p.keepAliveDuration - longestIdleDuration
	case inUseCount > 0:
		p.mu.Unlock()
		return p.keepAliveDuration
	default:
		p.mu.Unlock()
		return -1
	}
	size := len(p.connections)
	p.mu.Unlock()

	evict.closeQuietly()
	p.logger.Debug().Str("connection", evict.String()).Msg("evicted idle connection")
	p.metrics.observePoolSize(size)
	return 0
}

// evictAll closes every connection not currently carrying a call and
// condemns the rest so they close as they drain.
func (p *ConnPool) evictAll() {
	var sockets []net.Conn
	p.mu.Lock()
	kept := p.connections[:0]
	for _, conn := range p.connections {
		if len(conn.calls) == 0 {
			conn.noNewExchanges = true
			if conn.rawConn != nil {
				sockets = append(sockets, conn.rawConn)
			}
			continue
		}
		conn.noNewExchanges = true
		kept = append(kept, conn)
	}
	p.connections = kept
	if len(p.connections) == 0 && p.cleanupTimer != nil {
		p.cleanupTimer.Stop()
		p.cleanupTimer = nil
	}
	size := len(p.connections)
	p.mu.Unlock()

	for _, socket := range sockets {
		_ = socket.Close()
	}
	p.metrics.observePoolSize(size)
}
