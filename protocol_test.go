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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProtocolTokens(t *testing.T) {
	t.Parallel()
	for _, token := range []string{"http/1.0", "http/1.1", "h2", "h2_prior_knowledge", "quic", "spdy/3.1"} {
		protocol, err := ParseProtocol(token)
		require.NoError(t, err)
		require.Equal(t, token, protocol.String())
	}
	_, err := ParseProtocol("gopher")
	require.Error(t, err)
}

func TestSpdyMayNotBeSelected(t *testing.T) {
	t.Parallel()
	protocol, err := ParseProtocol("spdy/3.1")
	require.NoError(t, err)
	require.False(t, protocol.selectable())

	_, err = NewClient(WithProtocols(protocol))
	require.Error(t, err)
}

func TestHTTP10MayNotBeSelected(t *testing.T) {
	t.Parallel()
	_, err := NewClient(WithProtocols(ProtocolHTTP10))
	require.Error(t, err)
}

func TestCipherSuiteEqualityIgnoresPrefix(t *testing.T) {
	t.Parallel()
	tlsSuite := CipherSuiteForName("TLS_RSA_EXPORT_WITH_RC4_40_MD5")
	sslSuite := CipherSuiteForName("SSL_RSA_EXPORT_WITH_RC4_40_MD5")
	require.True(t, tlsSuite.Equal(sslSuite))
	// Interning returns the first-seen identity for both spellings.
	require.Equal(t, tlsSuite.Name(), sslSuite.Name())

	other := CipherSuiteForName("TLS_AES_256_GCM_SHA384")
	require.False(t, tlsSuite.Equal(other))
}

func TestCipherSuiteInterning(t *testing.T) {
	t.Parallel()
	a := CipherSuiteForName("TLS_CHACHA20_POLY1305_SHA256")
	b := CipherSuiteForName("TLS_CHACHA20_POLY1305_SHA256")
	require.Equal(t, a, b)
}
