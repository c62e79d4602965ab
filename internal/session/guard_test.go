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

package session

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.step.sm/crypto/keyutil"
	"go.uber.org/zap"

	"github.com/unioslo/nivlheim/internal/reqinfo"
	"github.com/unioslo/nivlheim/internal/store"
)

type fakeStore struct {
	certs    map[string]*store.Certificate
	hostinfo map[string]*store.HostInfo
}

func (f *fakeStore) LookupByFingerprint(_ context.Context, fp string) (*store.Certificate, error) {
	if c, ok := f.certs[fp]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) HostInfoByFingerprint(_ context.Context, fp string) (*store.HostInfo, error) {
	if h, ok := f.hostinfo[fp]; ok {
		return h, nil
	}
	return nil, store.ErrNotFound
}

func makeCert(t *testing.T, cn string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := keyutil.GenerateDefaultSigner()
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func pingRequest(cert *x509.Certificate) *http.Request {
	r := httptest.NewRequest("GET", "/secure/ping", nil)
	r.Header.Set(reqinfo.HeaderClientCert, url.QueryEscape(string(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))))
	return r
}

func TestPingOK(t *testing.T) {
	now := time.Now()
	cert := makeCert(t, "h5.example.org", now.Add(200*24*time.Hour))
	fp := reqinfo.Fingerprint(cert)
	st := &fakeStore{
		certs:    map[string]*store.Certificate{fp: {CertID: 1, Fingerprint: fp}},
		hostinfo: map[string]*store.HostInfo{fp: {CertFp: fp, Hostname: "h5.example.org"}},
	}
	g := New(st, zap.NewNop())
	g.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	g.HandlePing(w, pingRequest(cert))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "pong\n", w.Body.String())
}

func TestPingExpiringSoon(t *testing.T) {
	now := time.Now()
	// one second inside the renewal window
	cert := makeCert(t, "h5.example.org", now.Add(30*24*time.Hour-time.Second))
	fp := reqinfo.Fingerprint(cert)
	st := &fakeStore{certs: map[string]*store.Certificate{fp: {CertID: 1}}}
	g := New(st, zap.NewNop())
	g.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	g.HandlePing(w, pingRequest(cert))
	assert.Equal(t, 403, w.Code)
	assert.Contains(t, w.Body.String(), "renew")
}

func TestPingRevoked(t *testing.T) {
	now := time.Now()
	cert := makeCert(t, "h5.example.org", now.Add(200*24*time.Hour))
	fp := reqinfo.Fingerprint(cert)
	st := &fakeStore{certs: map[string]*store.Certificate{fp: {CertID: 1, Revoked: true}}}
	g := New(st, zap.NewNop())
	g.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	g.HandlePing(w, pingRequest(cert))
	assert.Equal(t, 403, w.Code)
	assert.Contains(t, w.Body.String(), "revoked")
}

func TestPingHostnameDrift(t *testing.T) {
	now := time.Now()
	cert := makeCert(t, "old-name.example.org", now.Add(200*24*time.Hour))
	fp := reqinfo.Fingerprint(cert)
	st := &fakeStore{
		certs:    map[string]*store.Certificate{fp: {CertID: 1}},
		hostinfo: map[string]*store.HostInfo{fp: {CertFp: fp, Hostname: "new-name.example.org"}},
	}
	g := New(st, zap.NewNop())
	g.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	g.HandlePing(w, pingRequest(cert))
	assert.Equal(t, 403, w.Code)
	assert.Contains(t, w.Body.String(), "renew")
}

func TestPingNoHostinfoRow(t *testing.T) {
	now := time.Now()
	cert := makeCert(t, "h5.example.org", now.Add(200*24*time.Hour))
	fp := reqinfo.Fingerprint(cert)
	st := &fakeStore{certs: map[string]*store.Certificate{fp: {CertID: 1}}}
	g := New(st, zap.NewNop())
	g.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	g.HandlePing(w, pingRequest(cert))
	assert.Equal(t, 200, w.Code)
}

func TestPingUnknownCert(t *testing.T) {
	now := time.Now()
	cert := makeCert(t, "h5.example.org", now.Add(200*24*time.Hour))
	g := New(&fakeStore{certs: map[string]*store.Certificate{}}, zap.NewNop())
	g.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	g.HandlePing(w, pingRequest(cert))
	assert.Equal(t, 403, w.Code)
}

func TestPingWithoutCert(t *testing.T) {
	g := New(&fakeStore{}, zap.NewNop())
	w := httptest.NewRecorder()
	g.HandlePing(w, httptest.NewRequest("GET", "/secure/ping", nil))
	assert.Equal(t, 403, w.Code)
}
