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
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseTestURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestAddressEqualityIgnoresPathAndQuery(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, &fakeServer{})
	a, err := newAddress(client, parseTestURL(t, "http://h.example/one?q=1"))
	require.NoError(t, err)
	b, err := newAddress(client, parseTestURL(t, "http://h.example/two#frag"))
	require.NoError(t, err)
	require.True(t, a.Equal(b))
	require.True(t, a.EqualNonHost(b))
}

func TestAddressEqualityDistinguishesEndpoints(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, &fakeServer{})
	a, err := newAddress(client, parseTestURL(t, "http://h.example/"))
	require.NoError(t, err)
	b, err := newAddress(client, parseTestURL(t, "http://other.example/"))
	require.NoError(t, err)
	c, err := newAddress(client, parseTestURL(t, "http://h.example:8080/"))
	require.NoError(t, err)
	require.False(t, a.Equal(b))
	require.False(t, a.Equal(c))
	// Non-host facets still match.
	require.True(t, a.EqualNonHost(b))
}

func TestAddressHTTPSCarriesTLSConfig(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, &fakeServer{})
	plain, err := newAddress(client, parseTestURL(t, "http://h.example/"))
	require.NoError(t, err)
	require.Nil(t, plain.TLSConfig)

	secure, err := newAddress(client, parseTestURL(t, "https://h.example/"))
	require.NoError(t, err)
	require.NotNil(t, secure.TLSConfig)
	require.Equal(t, 443, secure.Port)
}

func TestAddressCanonicalizesHostnames(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, &fakeServer{})
	upper, err := newAddress(client, parseTestURL(t, "http://H.EXAMPLE/"))
	require.NoError(t, err)
	require.Equal(t, "h.example", upper.Host)

	idn, err := newAddress(client, parseTestURL(t, "http://bücher.example/"))
	require.NoError(t, err)
	require.Equal(t, "xn--bcher-kva.example", idn.Host)
}

func TestAddressRejectsBadPorts(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, &fakeServer{})
	_, err := newAddress(client, parseTestURL(t, "http://h.example:99999/"))
	require.Error(t, err)
}

func TestDefaultPorts(t *testing.T) {
	t.Parallel()
	require.Equal(t, 80, defaultPort("http"))
	require.Equal(t, 443, defaultPort("https"))
	require.Equal(t, "h.example", hostHeader(parseTestURL(t, "http://h.example:80/")))
	require.Equal(t, "h.example:8080", hostHeader(parseTestURL(t, "http://h.example:8080/")))
	require.Equal(t, "h.example", hostHeader(parseTestURL(t, "https://h.example:443/")))
}
