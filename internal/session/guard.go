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

// Package session polices the ping endpoint. A failing check makes
// the agent re-enroll, so this is where expiry, revocation, and
// hostname drift get enforced.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unioslo/nivlheim/internal/reqinfo"
	"github.com/unioslo/nivlheim/internal/store"
)

// renewalWindow is how close to expiry a certificate may get before
// ping starts demanding renewal.
const renewalWindow = 30 * 24 * time.Hour

// Store is the persistence the guard needs.
type Store interface {
	LookupByFingerprint(ctx context.Context, fp string) (*store.Certificate, error)
	HostInfoByFingerprint(ctx context.Context, fp string) (*store.HostInfo, error)
}

// Guard serves the ping endpoint.
type Guard struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Guard.
func New(st Store, logger *zap.Logger) *Guard {
	return &Guard{store: st, log: logger.Named("session"), now: time.Now}
}

// HandlePing validates the client's session. The checks run in a
// fixed order and the first failure short-circuits: expiry window,
// then revocation, then hostname drift. Only a fully clean session
// gets a pong.
func (g *Guard) HandlePing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerCert, err := reqinfo.PeerCertificate(r)
	if err != nil || peerCert == nil {
		http.Error(w, "A valid client certificate is required", http.StatusForbidden)
		return
	}

	notAfter, err := reqinfo.NotAfter(r, peerCert)
	if err != nil {
		http.Error(w, fmt.Sprintf("determining certificate expiry: %v", err), http.StatusInternalServerError)
		return
	}
	if notAfter.Sub(g.now()) < renewalWindow {
		http.Error(w, "Your certificate is about to expire, please renew it", http.StatusForbidden)
		return
	}

	fp := reqinfo.Fingerprint(peerCert)
	cert, err := g.store.LookupByFingerprint(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Your certificate is not known to this server", http.StatusForbidden)
		return
	}
	if err != nil {
		g.log.Error("looking up certificate", zap.Error(err))
		http.Error(w, fmt.Sprintf("looking up certificate: %v", err), http.StatusInternalServerError)
		return
	}
	if cert.Revoked {
		http.Error(w, "Your certificate has been revoked", http.StatusForbidden)
		return
	}

	hi, err := g.store.HostInfoByFingerprint(ctx, fp)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.log.Error("looking up hostinfo", zap.Error(err))
		http.Error(w, fmt.Sprintf("looking up hostinfo: %v", err), http.StatusInternalServerError)
		return
	}
	if hi != nil && hi.Hostname != "" && hi.Hostname != peerCert.Subject.CommonName {
		http.Error(w, "Please renew your certificate", http.StatusForbidden)
		return
	}

	fmt.Fprintln(w, "pong")
}
