// Copyright 2020 The Nivlheim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reqinfo extracts peer metadata from incoming requests. The
// server runs in one of two modes: terminating mutual TLS itself, in
// which case the peer certificate comes from the TLS connection
// state, or behind the front server, which passes the peer IP and the
// url-escaped client certificate PEM in request headers.
package reqinfo

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Headers set by the front server when it terminates TLS for us.
// They are only believed on connections the front server made, which
// are the plaintext ones: on a connection this server terminated TLS
// for itself, anyone can send these headers, so they are ignored
// there and only the TLS connection state counts.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderClientCert   = "X-Client-Cert"
	HeaderNotAfter     = "X-Client-Cert-Not-After"
)

// fronted reports whether the request came through the front server
// rather than over this server's own TLS listener.
func fronted(r *http.Request) bool { return r.TLS == nil }

// PeerIP returns the IP address of the client the request originated
// from: the first X-Forwarded-For entry when the front server set
// one, otherwise the remote address of the connection.
func PeerIP(r *http.Request) string {
	if fronted(r) {
		if fwd := r.Header.Get(HeaderForwardedFor); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PeerCertificate returns the client certificate presented with the
// request, or nil if there was none.
func PeerCertificate(r *http.Request) (*x509.Certificate, error) {
	if !fronted(r) {
		if len(r.TLS.PeerCertificates) > 0 {
			return r.TLS.PeerCertificates[0], nil
		}
		return nil, nil
	}
	escaped := r.Header.Get(HeaderClientCert)
	if escaped == "" {
		return nil, nil
	}
	pemData, err := url.QueryUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("unescaping client certificate header: %w", err)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("client certificate header is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate header: %w", err)
	}
	return cert, nil
}

// NotAfter returns the expiry of the presented client certificate.
// The front server passes it as an RFC 3339 header; with standalone
// TLS it is read from the certificate itself.
func NotAfter(r *http.Request, cert *x509.Certificate) (time.Time, error) {
	if hdr := r.Header.Get(HeaderNotAfter); hdr != "" && fronted(r) {
		t, err := time.Parse(time.RFC3339, hdr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing %s header: %w", HeaderNotAfter, err)
		}
		return t, nil
	}
	if cert == nil {
		return time.Time{}, fmt.Errorf("no client certificate")
	}
	return cert.NotAfter, nil
}

// Fingerprint returns the SHA-1 fingerprint of the certificate in
// the canonical database form: uppercase hex with no separators.
func Fingerprint(cert *x509.Certificate) string {
	return fmt.Sprintf("%X", sha1.Sum(cert.Raw))
}

// IsLoopback reports whether the request came over a loopback
// connection. The forwarded header is deliberately ignored here; the
// check is about the actual peer.
func IsLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
