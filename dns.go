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
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kaycloud55/okhttp/internal"
)

// Dns resolves hostnames to IP addresses. Implementations must be safe
// for concurrent use.
type Dns interface {
	// Lookup returns the addresses for host, in the order connection
	// attempts should try them. An IP literal resolves to itself.
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemDns resolves through the operating system's resolver.
var SystemDns Dns = &systemDns{}

type systemDns struct{}

func (*systemDns) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("okhttp: dns lookup of %s failed: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("okhttp: dns lookup of %s returned no addresses", host)
	}
	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}

// NewCachingDns wraps a resolver with a TTL cache. Concurrent lookups of
// the same host collapse into one upstream query.
func NewCachingDns(dns Dns, ttl time.Duration) Dns {
	return &cachingDns{
		dns:     dns,
		ttl:     ttl,
		clock:   internal.NewRealClock(),
		entries: map[string]dnsCacheEntry{},
	}
}

type cachingDns struct {
	dns   Dns
	ttl   time.Duration
	clock internal.Clock
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]dnsCacheEntry
}

type dnsCacheEntry struct {
	addrs     []netip.Addr
	expiresAt time.Time
}

func (c *cachingDns) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	c.mu.Lock()
	entry, ok := c.entries[host]
	c.mu.Unlock()
	if ok && c.clock.Now().Before(entry.expiresAt) {
		return entry.addrs, nil
	}

	result, err, _ := c.group.Do(host, func() (any, error) {
		addrs, err := c.dns.Lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[host] = dnsCacheEntry{addrs: addrs, expiresAt: c.clock.Now().Add(c.ttl)}
		c.mu.Unlock()
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]netip.Addr), nil //nolint:forcetypeassert
}
