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

package cache

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header names for the debug timestamps embedded in stored response
// headers. They are stripped before a cached response is delivered.
const (
	SentMillisHeader     = "OkHttp-Sent-Millis"
	ReceivedMillisHeader = "OkHttp-Received-Millis"
)

// Entry is the metadata of one stored response. The body travels as a
// separate stream.
type Entry struct {
	URL           string
	RequestMethod string
	// VaryHeaders holds the request header fields selected by the
	// response's Vary field, as they were sent with the stored request.
	VaryHeaders http.Header

	Protocol        string
	StatusCode      int
	StatusMessage   string
	ResponseHeaders http.Header

	// TLS block, present when the URL scheme is https.
	CipherSuite       string
	PeerCertificates  [][]byte
	LocalCertificates [][]byte
	TLSVersion        string

	SentRequestMillis      int64
	ReceivedResponseMillis int64
}

// IsHTTPS reports whether the entry stores a TLS handshake block.
func (e *Entry) IsHTTPS() bool {
	return strings.HasPrefix(e.URL, "https://")
}

// VaryMatches reports whether the request headers select the same
// variant this entry stored: every header named at store time must
// carry the same values now.
func (e *Entry) VaryMatches(requestHeader http.Header) bool {
	for name, storedValues := range e.VaryHeaders {
		currentValues := requestHeader.Values(name)
		if len(currentValues) != len(storedValues) {
			return false
		}
		for i := range storedValues {
			if currentValues[i] != storedValues[i] {
				return false
			}
		}
	}
	return true
}

// WriteTo renders the metadata stream:
//
//	<url>
//	<requestMethod>
//	<varyHeaderCount>
//	<varyHeader-name: value>   (repeated)
//	<statusLine>
//	<responseHeaderCount+2>
//	<responseHeader-name: value>   (repeated)
//	OkHttp-Sent-Millis: <decimal>
//	OkHttp-Received-Millis: <decimal>
//
// followed, for https URLs, by a blank line and the TLS block.
func (e *Entry) WriteTo(w io.Writer) error {
	b := bufio.NewWriter(w)
	writeLine := func(s string) { _, _ = b.WriteString(s); _ = b.WriteByte('\n') }

	writeLine(e.URL)
	writeLine(e.RequestMethod)
	writeLine(strconv.Itoa(headerLineCount(e.VaryHeaders)))
	writeHeaderLines(writeLine, e.VaryHeaders)

	writeLine(statusLine(e.Protocol, e.StatusCode, e.StatusMessage))
	writeLine(strconv.Itoa(headerLineCount(e.ResponseHeaders) + 2))
	writeHeaderLines(writeLine, e.ResponseHeaders)
	writeLine(SentMillisHeader + ": " + strconv.FormatInt(e.SentRequestMillis, 10))
	writeLine(ReceivedMillisHeader + ": " + strconv.FormatInt(e.ReceivedResponseMillis, 10))

	if e.IsHTTPS() {
		writeLine("")
		writeLine(e.CipherSuite)
		writeCertificates(writeLine, e.PeerCertificates)
		writeCertificates(writeLine, e.LocalCertificates)
		writeLine(e.TLSVersion)
	}
	return b.Flush()
}

// ReadEntry parses a metadata stream written by WriteTo.
func ReadEntry(r io.Reader) (*Entry, error) {
	b := bufio.NewReader(r)
	entry := &Entry{}

	var err error
	if entry.URL, err = readLine(b); err != nil {
		return nil, err
	}
	if entry.RequestMethod, err = readLine(b); err != nil {
		return nil, err
	}
	varyCount, err := readCount(b)
	if err != nil {
		return nil, err
	}
	entry.VaryHeaders = http.Header{}
	for i := 0; i < varyCount; i++ {
		if err := readHeaderLine(b, entry.VaryHeaders); err != nil {
			return nil, err
		}
	}

	status, err := readLine(b)
	if err != nil {
		return nil, err
	}
	if entry.Protocol, entry.StatusCode, entry.StatusMessage, err = parseStatusLine(status); err != nil {
		return nil, err
	}
	responseCount, err := readCount(b)
	if err != nil {
		return nil, err
	}
	entry.ResponseHeaders = http.Header{}
	for i := 0; i < responseCount; i++ {
		if err := readHeaderLine(b, entry.ResponseHeaders); err != nil {
			return nil, err
		}
	}
	if millis := entry.ResponseHeaders.Get(SentMillisHeader); millis != "" {
		entry.SentRequestMillis, _ = strconv.ParseInt(millis, 10, 64)
		entry.ResponseHeaders.Del(SentMillisHeader)
	}
	if millis := entry.ResponseHeaders.Get(ReceivedMillisHeader); millis != "" {
		entry.ReceivedResponseMillis, _ = strconv.ParseInt(millis, 10, 64)
		entry.ResponseHeaders.Del(ReceivedMillisHeader)
	}

	if entry.IsHTTPS() {
		blank, err := readLine(b)
		if err != nil {
			return nil, err
		}
		if blank != "" {
			return nil, fmt.Errorf("cache: expected blank line before TLS block, got %q", blank)
		}
		if entry.CipherSuite, err = readLine(b); err != nil {
			return nil, err
		}
		if entry.PeerCertificates, err = readCertificates(b); err != nil {
			return nil, err
		}
		if entry.LocalCertificates, err = readCertificates(b); err != nil {
			return nil, err
		}
		// The TLS version line is absent in entries written before it
		// was recorded; those predate TLS and are read as SSL 3.0.
		version, err := readLine(b)
		switch {
		case err == io.EOF || version == "":
			entry.TLSVersion = "SSL_3_0"
		case err != nil:
			return nil, err
		default:
			entry.TLSVersion = version
		}
	}
	return entry, nil
}

func headerLineCount(header http.Header) int {
	count := 0
	for _, values := range header {
		count += len(values)
	}
	return count
}

func writeHeaderLines(writeLine func(string), header http.Header) {
	for name, values := range header {
		for _, value := range values {
			writeLine(name + ": " + value)
		}
	}
}

func readLine(b *bufio.Reader) (string, error) {
	line, err := b.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readCount(b *bufio.Reader) (int, error) {
	line, err := readLine(b)
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(line)
	if err != nil || count < 0 {
		return 0, fmt.Errorf("cache: expected a count, got %q", line)
	}
	return count, nil
}

func readHeaderLine(b *bufio.Reader, header http.Header) error {
	line, err := readLine(b)
	if err != nil {
		return err
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("cache: malformed header line %q", line)
	}
	name = strings.TrimSpace(name)
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("cache: invalid header name %q", name)
	}
	header.Add(name, strings.TrimSpace(value))
	return nil
}

func statusLine(protocol string, code int, message string) string {
	wire := "HTTP/1.1"
	if protocol == "http/1.0" {
		wire = "HTTP/1.0"
	}
	if message == "" {
		return fmt.Sprintf("%s %d", wire, code)
	}
	return fmt.Sprintf("%s %d %s", wire, code, message)
}

func parseStatusLine(line string) (protocol string, code int, message string, err error) {
	rest := line
	switch {
	case strings.HasPrefix(line, "HTTP/1.1 "):
		protocol = "http/1.1"
		rest = line[len("HTTP/1.1 "):]
	case strings.HasPrefix(line, "HTTP/1.0 "):
		protocol = "http/1.0"
		rest = line[len("HTTP/1.0 "):]
	case strings.HasPrefix(line, "HTTP/2 "):
		protocol = "h2"
		rest = line[len("HTTP/2 "):]
	default:
		return "", 0, "", fmt.Errorf("cache: unexpected status line %q", line)
	}
	codeText, message, _ := strings.Cut(rest, " ")
	code, err = strconv.Atoi(codeText)
	if err != nil {
		return "", 0, "", fmt.Errorf("cache: unexpected status line %q", line)
	}
	return protocol, code, message, nil
}

func writeCertificates(writeLine func(string), certificates [][]byte) {
	if certificates == nil {
		writeLine("-1")
		return
	}
	writeLine(strconv.Itoa(len(certificates)))
	for _, der := range certificates {
		writeLine(base64.StdEncoding.EncodeToString(der))
	}
}

func readCertificates(b *bufio.Reader) ([][]byte, error) {
	line, err := readLine(b)
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(line)
	if err != nil {
		return nil, fmt.Errorf("cache: expected a certificate count, got %q", line)
	}
	if count < 0 {
		return nil, nil
	}
	certificates := make([][]byte, count)
	for i := 0; i < count; i++ {
		encoded, err := readLine(b)
		if err != nil {
			return nil, err
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("cache: invalid certificate encoding: %w", err)
		}
		certificates[i] = der
	}
	return certificates, nil
}
