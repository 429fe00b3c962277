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
	"math"
	"net/http"
	"strconv"
	"strings"
)

// CacheControl holds the parsed cache directives of a Cache-Control
// header. Numeric fields carry -1 when the directive is absent.
type CacheControl struct {
	NoCache        bool
	NoStore        bool
	MaxAgeSec      int
	SMaxAgeSec     int
	Private        bool
	Public         bool
	MustRevalidate bool
	MaxStaleSec    int
	MinFreshSec    int
	OnlyIfCached   bool
	NoTransform    bool
	Immutable      bool
}

// ForceNetwork requires a full network round trip, bypassing the cache.
var ForceNetwork = CacheControl{NoCache: true, MaxAgeSec: -1, SMaxAgeSec: -1, MaxStaleSec: -1, MinFreshSec: -1}

// ForceCache only accepts the cache, even a stale entry. A request
// carrying it gets a 504 when no stored response is usable.
var ForceCache = CacheControl{OnlyIfCached: true, MaxAgeSec: -1, SMaxAgeSec: -1, MaxStaleSec: math.MaxInt, MinFreshSec: -1}

// ParseCacheControl parses the Cache-Control directives of the given
// headers. A legacy "Pragma: no-cache" also sets NoCache. Directives are
// matched case-insensitively; unknown directives are dropped; arguments
// accept both token and quoted-string syntax.
func ParseCacheControl(header http.Header) CacheControl {
	result := CacheControl{MaxAgeSec: -1, SMaxAgeSec: -1, MaxStaleSec: -1, MinFreshSec: -1}
	values := header.Values("Cache-Control")
	values = append(values, header.Values("Pragma")...)
	for _, value := range values {
		for _, directive := range strings.Split(value, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			arg = strings.Trim(strings.TrimSpace(arg), "\"")
			switch name {
			case "no-cache":
				result.NoCache = true
			case "no-store":
				result.NoStore = true
			case "max-age":
				result.MaxAgeSec = parseSeconds(arg)
			case "s-maxage":
				result.SMaxAgeSec = parseSeconds(arg)
			case "private":
				result.Private = true
			case "public":
				result.Public = true
			case "must-revalidate":
				result.MustRevalidate = true
			case "max-stale":
				if arg == "" {
					// Bare max-stale accepts any staleness.
					result.MaxStaleSec = math.MaxInt
				} else {
					result.MaxStaleSec = parseSeconds(arg)
				}
			case "min-fresh":
				result.MinFreshSec = parseSeconds(arg)
			case "only-if-cached":
				result.OnlyIfCached = true
			case "no-transform":
				result.NoTransform = true
			case "immutable":
				result.Immutable = true
			}
		}
	}
	return result
}

// parseSeconds clamps a delta-seconds argument into [0, MaxInt]. A
// malformed argument parses as -1 (absent), matching lenient servers.
func parseSeconds(arg string) int {
	if arg == "" {
		return -1
	}
	value, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return -1
	}
	if value > math.MaxInt32 {
		return math.MaxInt
	}
	if value < 0 {
		return -1
	}
	return int(value)
}

// String renders the directives back into header form. Parsing the
// rendered value reproduces the same CacheControl.
func (c CacheControl) String() string {
	var parts []string
	if c.NoCache {
		parts = append(parts, "no-cache")
	}
	if c.NoStore {
		parts = append(parts, "no-store")
	}
	if c.MaxAgeSec != -1 {
		parts = append(parts, "max-age="+strconv.Itoa(c.MaxAgeSec))
	}
	if c.SMaxAgeSec != -1 {
		parts = append(parts, "s-maxage="+strconv.Itoa(c.SMaxAgeSec))
	}
	if c.Private {
		parts = append(parts, "private")
	}
	if c.Public {
		parts = append(parts, "public")
	}
	if c.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	if c.MaxStaleSec != -1 {
		if c.MaxStaleSec == math.MaxInt {
			parts = append(parts, "max-stale")
		} else {
			parts = append(parts, "max-stale="+strconv.Itoa(c.MaxStaleSec))
		}
	}
	if c.MinFreshSec != -1 {
		parts = append(parts, "min-fresh="+strconv.Itoa(c.MinFreshSec))
	}
	if c.OnlyIfCached {
		parts = append(parts, "only-if-cached")
	}
	if c.NoTransform {
		parts = append(parts, "no-transform")
	}
	if c.Immutable {
		parts = append(parts, "immutable")
	}
	return strings.Join(parts, ", ")
}
