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

// Package pin constrains which certificates are trusted for a host beyond
// what the platform trust store allows. A pin asserts that a host's
// certificate chain must contain a certificate whose Subject Public Key
// Info hashes to a known value.
//
// Pinning is brittle: a server that rotates its keys without coordinating
// with pinned clients becomes unreachable. Pin the intermediate or root
// you expect to stay stable, and always pin a backup key.
package pin

import (
	"crypto/sha1" //nolint:gosec // sha1 pins are part of the format
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Algorithm identifies the hash function of a pin.
type Algorithm string

const (
	// SHA1 pins hash the SPKI with SHA-1. Supported for compatibility;
	// prefer SHA256.
	SHA1 Algorithm = "sha1"
	// SHA256 pins hash the SPKI with SHA-256.
	SHA256 Algorithm = "sha256"
)

// Pin is a (pattern, algorithm, hash) triple. Patterns come in three
// forms: an exact hostname, "*.example.com" matching exactly one extra
// label, and "**.example.com" matching any number of extra labels,
// including zero.
type Pin struct {
	Pattern   string
	Algorithm Algorithm
	Hash      []byte
}

// New parses a pin of the form "sha256/BASE64=" or "sha1/BASE64=" for
// the given host pattern.
func New(pattern, pin string) (Pin, error) {
	var algorithm Algorithm
	var encoded string
	switch {
	case strings.HasPrefix(pin, "sha256/"):
		algorithm = SHA256
		encoded = strings.TrimPrefix(pin, "sha256/")
	case strings.HasPrefix(pin, "sha1/"):
		algorithm = SHA1
		encoded = strings.TrimPrefix(pin, "sha1/")
	default:
		return Pin{}, fmt.Errorf("pin: pins must start with sha256/ or sha1/: %q", pin)
	}
	hash, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Pin{}, fmt.Errorf("pin: invalid base64 in %q: %w", pin, err)
	}
	return Pin{Pattern: pattern, Algorithm: algorithm, Hash: hash}, nil
}

// MatchesHostname reports whether this pin's pattern covers hostname.
func (p Pin) MatchesHostname(hostname string) bool {
	switch {
	case strings.HasPrefix(p.Pattern, "**."):
		// Any number of prefix labels, including zero.
		suffix := p.Pattern[len("**."):]
		if hostname == suffix {
			return true
		}
		return strings.HasSuffix(hostname, "."+suffix)
	case strings.HasPrefix(p.Pattern, "*."):
		// Exactly one prefix label.
		suffix := p.Pattern[len("*."):]
		if !strings.HasSuffix(hostname, "."+suffix) {
			return false
		}
		prefix := hostname[:len(hostname)-len(suffix)-1]
		return prefix != "" && !strings.Contains(prefix, ".")
	default:
		return hostname == p.Pattern
	}
}

func (p Pin) String() string {
	return string(p.Algorithm) + "/" + base64.StdEncoding.EncodeToString(p.Hash)
}

// ChainCleaner normalizes an unordered, possibly redundant certificate
// chain into an ordered path from the leaf to a trust anchor. The default
// cleaner returns the chain unchanged; a TLS integration supplies one
// built from its verified chains.
type ChainCleaner func(chain []*x509.Certificate, hostname string) ([]*x509.Certificate, error)

// Pinner validates certificate chains against a pin set.
type Pinner struct {
	pins    []Pin
	cleaner ChainCleaner
}

// NewPinner builds a pinner from (pattern, pin) pairs created by New.
func NewPinner(pins ...Pin) *Pinner {
	return &Pinner{pins: pins}
}

// WithChainCleaner returns a copy of the pinner using the given cleaner.
func (p *Pinner) WithChainCleaner(cleaner ChainCleaner) *Pinner {
	return &Pinner{pins: p.pins, cleaner: cleaner}
}

// PinsForHostname returns the pins whose patterns cover hostname.
func (p *Pinner) PinsForHostname(hostname string) []Pin {
	var result []Pin
	for _, pin := range p.pins {
		if pin.MatchesHostname(hostname) {
			result = append(result, pin)
		}
	}
	return result
}

// Check confirms that at least one certificate in the chain matches at
// least one pin selected by hostname. Hosts with no matching pins pass
// unconditionally. The chain should be the one presented by the peer;
// it is run through the chain cleaner before hashing.
func (p *Pinner) Check(hostname string, chain []*x509.Certificate) error {
	if p == nil {
		return nil
	}
	pins := p.PinsForHostname(hostname)
	if len(pins) == 0 {
		return nil
	}
	cleaned := chain
	if p.cleaner != nil {
		var err error
		cleaned, err = p.cleaner(chain, hostname)
		if err != nil {
			return fmt.Errorf("pin: cleaning chain for %s: %w", hostname, err)
		}
	}
	for _, cert := range cleaned {
		// Lazily computed: only hash with an algorithm some pin names.
		var sha1Hash, sha256Hash []byte
		for _, pin := range pins {
			var computed []byte
			switch pin.Algorithm {
			case SHA1:
				if sha1Hash == nil {
					sum := sha1.Sum(cert.RawSubjectPublicKeyInfo) //nolint:gosec
					sha1Hash = sum[:]
				}
				computed = sha1Hash
			case SHA256:
				if sha256Hash == nil {
					sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
					sha256Hash = sum[:]
				}
				computed = sha256Hash
			}
			if len(computed) == len(pin.Hash) && subtle.ConstantTimeCompare(computed, pin.Hash) == 1 {
				return nil
			}
		}
	}
	return &Error{Hostname: hostname, Chain: cleaned, Pins: pins}
}

// Error reports a pin validation failure, enumerating the presented
// chain's hashes and the expected pin set.
type Error struct {
	Hostname string
	Chain    []*x509.Certificate
	Pins     []Pin
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("pin: certificate pinning failure\n  Peer certificate chain:")
	for _, cert := range e.Chain {
		sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
		fmt.Fprintf(&b, "\n    sha256/%s: %s",
			base64.StdEncoding.EncodeToString(sum[:]), cert.Subject.String())
	}
	fmt.Fprintf(&b, "\n  Pinned certificates for %s:", e.Hostname)
	for _, pin := range e.Pins {
		fmt.Fprintf(&b, "\n    %s", pin)
	}
	return b.String()
}
