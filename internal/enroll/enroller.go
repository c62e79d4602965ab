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

// Package enroll implements the certificate enrollment flows: the
// open reqcert endpoint with its IP-range auto-approval and manual
// waiting list, and the authenticated renewcert endpoint that rotates
// an existing identity while preserving its chain of trust.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unioslo/nivlheim/internal/dnsutil"
	"github.com/unioslo/nivlheim/internal/pki"
	"github.com/unioslo/nivlheim/internal/reqinfo"
	"github.com/unioslo/nivlheim/internal/store"
)

var (
	certsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nivlheim",
		Name:      "certificates_issued_total",
		Help:      "Certificates issued to newly enrolled hosts.",
	})
	certsRenewed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nivlheim",
		Name:      "certificates_renewed_total",
		Help:      "Certificates issued as renewals.",
	})
)

// Store is the persistence the enroller needs.
type Store interface {
	LookupByFingerprint(ctx context.Context, fp string) (*store.Certificate, error)
	InsertIssued(ctx context.Context, ic store.IssuedCert) (int64, error)
	InsertRenewed(ctx context.Context, ic store.IssuedCert, oldFp string) (int64, error)
	WaitingLookup(ctx context.Context, ip string) (*store.WaitingEntry, error)
	WaitingInsert(ctx context.Context, e store.WaitingEntry) error
	WaitingDelete(ctx context.Context, ip string) error
	IPRangeContains(ctx context.Context, ip string) (bool, error)
	HostInfoByFingerprint(ctx context.Context, fp string) (*store.HostInfo, error)
}

// Signer issues certificates. *pki.Issuer satisfies it.
type Signer interface {
	Issue(commonName string) (*pki.Bundle, error)
}

// Enroller serves reqcert and renewcert.
type Enroller struct {
	store    Store
	signer   Signer
	resolver dnsutil.Resolver
	log      *zap.Logger

	mu         sync.Mutex
	limiters   map[string]*ipLimiter
	limiterCap int
}

// ipLimiter is a per-IP token bucket with the time it last saw a
// request, so idle entries can be dropped.
type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	// the limiter map is bounded; reqcert is unauthenticated, so the
	// peers it tracks are attacker-controlled.
	defaultLimiterCap = 4096
	limiterIdle       = 10 * time.Minute
)

// New creates an Enroller.
func New(st Store, signer Signer, resolver dnsutil.Resolver, logger *zap.Logger) *Enroller {
	return &Enroller{
		store:      st,
		signer:     signer,
		resolver:   resolver,
		log:        logger.Named("enroll"),
		limiters:   make(map[string]*ipLimiter),
		limiterCap: defaultLimiterCap,
	}
}

const busyMessage = "The certificate authority is busy signing another request. Please try again in a few minutes.\n"

// HandleReqCert handles the open enrollment endpoint. Hosts inside a
// registered IP range get a certificate right away; everyone else
// goes through the waiting list until an administrator approves them.
func (e *Enroller) HandleReqCert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := reqinfo.PeerIP(r)
	if !e.allow(ip) {
		http.Error(w, "Too many enrollment requests, slow down", http.StatusTooManyRequests)
		return
	}

	auto, err := e.store.IPRangeContains(ctx, ip)
	if err != nil {
		e.fail(w, "checking ip ranges", err)
		return
	}
	paramHostname := r.FormValue("hostname")

	var hostname string
	if auto {
		hostname = e.pickHostname(ctx, ip, paramHostname)
		if hostname == "" {
			http.Error(w, "Unable to determine a hostname, please supply one", http.StatusBadRequest)
			return
		}
	} else {
		entry, err := e.store.WaitingLookup(ctx, ip)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if paramHostname == "" {
				http.Error(w, "Missing parameter: hostname", http.StatusBadRequest)
				return
			}
			name := e.pickHostname(ctx, ip, paramHostname)
			err := e.store.WaitingInsert(ctx, store.WaitingEntry{
				IPAddr:   ip,
				Hostname: name,
				Received: time.Now(),
			})
			if err != nil {
				e.fail(w, "adding to waiting list", err)
				return
			}
			e.log.Info("enrollment request queued for approval",
				zap.String("ipaddr", ip), zap.String("hostname", name))
			fmt.Fprintln(w, "Your request has been added to the waiting list. An administrator must approve it.")
			return
		case err != nil:
			e.fail(w, "looking up waiting list", err)
			return
		case !entry.Approved:
			fmt.Fprintln(w, "Your request is on the waiting list. Be patient.")
			return
		default:
			hostname = entry.Hostname
		}
	}

	bundle, err := e.signer.Issue(hostname)
	if errors.Is(err, pki.ErrBusy) {
		fmt.Fprint(w, busyMessage)
		return
	}
	if err != nil {
		e.fail(w, "issuing certificate", err)
		return
	}
	fp, err := fingerprintPEM(bundle.CertPEM)
	if err != nil {
		e.fail(w, "fingerprinting issued certificate", err)
		return
	}
	certid, err := e.store.InsertIssued(ctx, store.IssuedCert{
		Fingerprint: fp,
		CommonName:  hostname,
		CertPEM:     string(bundle.CertPEM),
	})
	if err != nil {
		e.fail(w, "recording issued certificate", err)
		return
	}
	certsIssued.Inc()
	e.log.Info("enrolled new host",
		zap.String("hostname", hostname),
		zap.String("ipaddr", ip),
		zap.Int64("certid", certid))

	writeBundle(w, bundle)

	// the entry has served its purpose; a failure here only means an
	// admin sees a stale line
	if err := e.store.WaitingDelete(ctx, ip); err != nil {
		e.log.Warn("deleting waiting-list entry", zap.String("ipaddr", ip), zap.Error(err))
	}
}

// HandleRenewCert rotates the certificate the client authenticated
// with. The new certificate keeps the chain: previous points at the
// authenticating certificate, first is carried over, and the host's
// rows are rewritten to the new fingerprint in the same commit.
func (e *Enroller) HandleRenewCert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerCert, err := reqinfo.PeerCertificate(r)
	if err != nil || peerCert == nil {
		http.Error(w, "A valid client certificate is required", http.StatusForbidden)
		return
	}
	fp := reqinfo.Fingerprint(peerCert)

	current, err := e.store.LookupByFingerprint(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Your certificate is not known to this server", http.StatusForbidden)
		return
	}
	if err != nil {
		e.fail(w, "looking up certificate", err)
		return
	}
	if current.Revoked {
		http.Error(w, "Your certificate has been revoked", http.StatusForbidden)
		return
	}

	hostname := ""
	if hi, err := e.store.HostInfoByFingerprint(ctx, fp); err == nil {
		hostname = hi.Hostname
	} else if !errors.Is(err, store.ErrNotFound) {
		e.fail(w, "looking up hostinfo", err)
		return
	}
	if hostname == "" {
		hostname = peerCert.Subject.CommonName
	}
	if hostname == "" {
		e.fail(w, "determining hostname", errors.New("no hostname on record and no common name in the certificate"))
		return
	}

	bundle, err := e.signer.Issue(hostname)
	if errors.Is(err, pki.ErrBusy) {
		fmt.Fprint(w, busyMessage)
		return
	}
	if err != nil {
		e.fail(w, "issuing certificate", err)
		return
	}
	newFp, err := fingerprintPEM(bundle.CertPEM)
	if err != nil {
		e.fail(w, "fingerprinting issued certificate", err)
		return
	}
	first := current.First
	if first == 0 {
		first = current.CertID
	}
	certid, err := e.store.InsertRenewed(ctx, store.IssuedCert{
		Fingerprint: newFp,
		CommonName:  hostname,
		CertPEM:     string(bundle.CertPEM),
		Previous:    current.CertID,
		First:       first,
	}, fp)
	if err != nil {
		e.fail(w, "recording renewed certificate", err)
		return
	}
	certsRenewed.Inc()
	e.log.Info("renewed certificate",
		zap.String("hostname", hostname),
		zap.Int64("certid", certid),
		zap.Int64("previous", current.CertID))

	writeBundle(w, bundle)
}

// pickHostname prefers a forward-confirmed reverse DNS name for the
// peer and falls back to what the client claims.
func (e *Enroller) pickHostname(ctx context.Context, ip, claimed string) string {
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if name, ok := dnsutil.ForwardConfirmed(lookupCtx, e.resolver, ip); ok {
		return name
	}
	return claimed
}

func (e *Enroller) allow(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	l, ok := e.limiters[ip]
	if !ok {
		if len(e.limiters) >= e.limiterCap {
			e.evictLimiters(now)
		}
		l = &ipLimiter{lim: rate.NewLimiter(rate.Every(10*time.Second), 5)}
		e.limiters[ip] = l
	}
	l.lastSeen = now
	return l.lim.Allow()
}

// evictLimiters drops idle limiter entries, and if everything is
// somehow active, arbitrary ones, so the map stays bounded. Called
// with the mutex held.
func (e *Enroller) evictLimiters(now time.Time) {
	for ip, l := range e.limiters {
		if now.Sub(l.lastSeen) > limiterIdle {
			delete(e.limiters, ip)
		}
	}
	for ip := range e.limiters {
		if len(e.limiters) < e.limiterCap {
			return
		}
		delete(e.limiters, ip)
	}
}

func (e *Enroller) fail(w http.ResponseWriter, what string, err error) {
	e.log.Error(what, zap.Error(err))
	http.Error(w, fmt.Sprintf("%s: %v", what, err), http.StatusInternalServerError)
}
