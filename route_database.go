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

import "sync"

// RouteDatabase remembers routes that recently failed to connect. The
// route selector defers such routes behind fresh candidates so that a
// flaky address does not head every attempt.
type RouteDatabase struct {
	mu     sync.Mutex
	failed map[string]struct{}
}

func newRouteDatabase() *RouteDatabase {
	return &RouteDatabase{failed: map[string]struct{}{}}
}

// Failed records a connect failure for the route.
func (d *RouteDatabase) Failed(route Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[route.key()] = struct{}{}
}

// Connected removes the route from the blacklist after a success.
func (d *RouteDatabase) Connected(route Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failed, route.key())
}

// ShouldPostpone reports whether the route recently failed.
func (d *RouteDatabase) ShouldPostpone(route Route) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.failed[route.key()]
	return ok
}
