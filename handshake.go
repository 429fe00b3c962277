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
	"crypto/tls"
	"crypto/x509"
	"strings"
	"sync"
)

// CipherSuite is the identity of a TLS cipher suite in Java/IANA string
// form, such as "TLS_RSA_WITH_AES_128_GCM_SHA256". Two suites are the same
// suite when their names match after stripping the "TLS_" or "SSL_"
// prefix, so "TLS_RSA_EXPORT_WITH_RC4_40_MD5" equals
// "SSL_RSA_EXPORT_WITH_RC4_40_MD5".
type CipherSuite struct {
	name string
}

// suiteTable interns cipher suite identities so that repeated handshakes
// share one value per suite name.
var suiteTable = struct {
	sync.Mutex
	byCanonicalName map[string]CipherSuite
}{byCanonicalName: map[string]CipherSuite{}}

// CipherSuiteForName returns the interned cipher suite with the given
// name. The first name observed for a suite wins; later lookups through
// an "SSL_" alias return the originally interned value.
func CipherSuiteForName(name string) CipherSuite {
	canonical := canonicalSuiteName(name)
	suiteTable.Lock()
	defer suiteTable.Unlock()
	if suite, ok := suiteTable.byCanonicalName[canonical]; ok {
		return suite
	}
	suite := CipherSuite{name: name}
	suiteTable.byCanonicalName[canonical] = suite
	return suite
}

func canonicalSuiteName(name string) string {
	switch {
	case strings.HasPrefix(name, "TLS_"):
		return name[len("TLS_"):]
	case strings.HasPrefix(name, "SSL_"):
		return name[len("SSL_"):]
	default:
		return name
	}
}

// Name returns the suite name as it was first interned.
func (c CipherSuite) Name() string {
	return c.name
}

// Equal reports whether two suites are the same modulo the TLS_/SSL_
// prefix.
func (c CipherSuite) Equal(other CipherSuite) bool {
	return canonicalSuiteName(c.name) == canonicalSuiteName(other.name)
}

func (c CipherSuite) String() string {
	return c.name
}

// Handshake is a snapshot of a completed TLS handshake: the negotiated
// version and suite, plus the certificates presented by each side.
type Handshake struct {
	TLSVersion        string
	CipherSuite       CipherSuite
	PeerCertificates  []*x509.Certificate
	LocalCertificates []*x509.Certificate
}

// tlsVersionName maps a [crypto/tls] version constant to the wire name
// used in stored cache metadata.
func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS13:
		return "TLS_1_3"
	case tls.VersionTLS12:
		return "TLS_1_2"
	case tls.VersionTLS11:
		return "TLS_1_1"
	case tls.VersionTLS10:
		return "TLS_1_0"
	case tls.VersionSSL30: //nolint:staticcheck // legacy metadata name
		return "SSL_3_0"
	default:
		return "TLS_1_2"
	}
}

// newHandshake captures a snapshot from a connection state. Returns nil
// for a plaintext connection (no handshake happened).
func newHandshake(state *tls.ConnectionState) *Handshake {
	if state == nil {
		return nil
	}
	return &Handshake{
		TLSVersion:       tlsVersionName(state.Version),
		CipherSuite:      CipherSuiteForName(tls.CipherSuiteName(state.CipherSuite)),
		PeerCertificates: state.PeerCertificates,
	}
}
