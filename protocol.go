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

import "fmt"

// Protocol is an application-layer protocol as negotiated over ALPN. The
// value of a Protocol constant is its ALPN token.
type Protocol string

const (
	// ProtocolHTTP10 is the obsolete plaintext framing that does not use
	// persistent sockets by default.
	ProtocolHTTP10 Protocol = "http/1.0"

	// ProtocolHTTP11 is the plaintext framing that includes persistent
	// connections. One request and response at a time per connection.
	ProtocolHTTP11 Protocol = "http/1.1"

	// ProtocolHTTP2 is the IETF binary framing negotiated via ALPN.
	// Multiple requests may be multiplexed over one connection.
	ProtocolHTTP2 Protocol = "h2"

	// ProtocolH2PriorKnowledge is cleartext HTTP/2 with no "upgrade"
	// round trip. It requires the client to have prior knowledge that the
	// server supports cleartext HTTP/2.
	ProtocolH2PriorKnowledge Protocol = "h2_prior_knowledge"

	// ProtocolQUIC is HTTP/3 over QUIC. The core does not implement it;
	// it can only be carried by an application-supplied transport hook.
	ProtocolQUIC Protocol = "quic"

	// protocolSPDY3 is Chromium's binary framing, the predecessor of
	// HTTP/2. It is recognized when parsing old configuration but may not
	// be selected for new connections.
	protocolSPDY3 Protocol = "spdy/3.1"
)

// ParseProtocol returns the protocol identified by the given ALPN token.
// The legacy "spdy/3.1" token parses successfully so stored metadata
// remains readable, but selecting it for a client is rejected elsewhere.
func ParseProtocol(token string) (Protocol, error) {
	switch Protocol(token) {
	case ProtocolHTTP10:
		return ProtocolHTTP10, nil
	case ProtocolHTTP11:
		return ProtocolHTTP11, nil
	case ProtocolHTTP2:
		return ProtocolHTTP2, nil
	case ProtocolH2PriorKnowledge:
		return ProtocolH2PriorKnowledge, nil
	case ProtocolQUIC:
		return ProtocolQUIC, nil
	case protocolSPDY3:
		return protocolSPDY3, nil
	}
	return "", fmt.Errorf("okhttp: unexpected protocol %q", token)
}

func (p Protocol) String() string {
	return string(p)
}

// selectable reports whether a client may be configured to speak p.
func (p Protocol) selectable() bool {
	switch p {
	case ProtocolHTTP11, ProtocolHTTP2, ProtocolH2PriorKnowledge, ProtocolQUIC:
		return true
	default:
		return false
	}
}
