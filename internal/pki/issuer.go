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

// Package pki wraps the certificate authority. The CA keeps a
// monotonic serial counter and an append-only log of issued
// certificates on disk, neither of which tolerates concurrent
// writers, so every signing operation runs under a process-wide lock
// backed by an advisory lock file that separately started processes
// honor as well.
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.step.sm/crypto/keyutil"
	"go.step.sm/crypto/pemutil"
	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"
)

// ErrBusy is returned when another signing operation holds the lock.
// Callers are expected to tell the client to try again rather than
// wait.
var ErrBusy = errors.New("the signing lock is held by another operation")

const (
	caCertFile  = "nivlheimca.crt"
	caKeyFile   = "nivlheimca.key"
	serialFile  = "serial"
	issuedLog   = "issued.pem"
	lockFile    = "signing.lock"
	defaultBits = 4096

	// client certificates are valid for one year; the session policy
	// starts demanding renewal 30 days before expiry
	certLifetime = 365 * 24 * time.Hour
)

// Issuer signs client certificates with the Nivlheim CA.
type Issuer struct {
	caCert  *x509.Certificate
	caKey   crypto.Signer
	dbDir   string
	keyBits int
	log     *zap.Logger
	mu      sync.Mutex
}

// Bundle is everything handed to an enrolling client.
type Bundle struct {
	CertPEM []byte
	KeyPEM  []byte
	P12     []byte
	Serial  int64
}

// New loads the CA certificate and key from caDir and prepares dbDir
// for the serial counter and the issued-certificate log.
func New(caDir, dbDir string, logger *zap.Logger) (*Issuer, error) {
	caCert, err := pemutil.ReadCertificate(filepath.Join(caDir, caCertFile))
	if err != nil {
		return nil, fmt.Errorf("loading CA certificate: %w", err)
	}
	key, err := pemutil.Read(filepath.Join(caDir, caKeyFile))
	if err != nil {
		return nil, fmt.Errorf("loading CA key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA key of type %T cannot sign", key)
	}
	if err := os.MkdirAll(dbDir, 0o700); err != nil {
		return nil, fmt.Errorf("preparing CA database directory: %w", err)
	}
	return &Issuer{
		caCert:  caCert,
		caKey:   signer,
		dbDir:   dbDir,
		keyBits: defaultBits,
		log:     logger.Named("pki"),
	}, nil
}

// TryAcquire takes the signing lock without blocking. On success it
// returns the release function; when the lock is held, in this
// process or by another one, it returns ErrBusy.
func (iss *Issuer) TryAcquire() (func(), error) {
	if !iss.mu.TryLock() {
		return nil, ErrBusy
	}
	path := filepath.Join(iss.dbDir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		iss.mu.Unlock()
		if os.IsExist(err) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("creating signing lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() {
		if err := os.Remove(path); err != nil {
			iss.log.Error("removing signing lock file", zap.Error(err))
		}
		iss.mu.Unlock()
	}, nil
}

// GenerateKeyAndCSR creates a fresh 4096-bit RSA key and a signing
// request for the given common name. The caller must hold the
// signing lock for the whole generate-sign sequence.
func (iss *Issuer) GenerateKeyAndCSR(commonName string) (keyPEM, csrPEM []byte, err error) {
	signer, err := keyutil.GenerateSigner("RSA", "", iss.keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate request: %w", err)
	}
	keyBlock, err := pemutil.Serialize(signer)
	if err != nil {
		return nil, nil, fmt.Errorf("serializing key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(keyBlock)
	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	return keyPEM, csrPEM, nil
}

// Sign issues a certificate for the request under the given common
// name and returns it with the serial it was recorded under. The
// serial counter and the issued log are only written after the
// certificate has been created successfully. The caller must hold
// the signing lock.
func (iss *Issuer) Sign(csrPEM []byte, commonName string) (certPEM []byte, serial int64, err error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, 0, errors.New("input is not a PEM certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing certificate request: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, 0, fmt.Errorf("verifying certificate request signature: %w", err)
	}

	serial, err = iss.nextSerial()
	if err != nil {
		return nil, 0, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, iss.caCert, csr.PublicKey, iss.caKey)
	if err != nil {
		return nil, 0, fmt.Errorf("signing certificate: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := iss.recordIssued(serial, certPEM); err != nil {
		return nil, 0, err
	}
	iss.log.Info("issued certificate",
		zap.String("commonName", commonName),
		zap.Int64("serial", serial))
	return certPEM, serial, nil
}

// Issue runs the whole enrollment sequence under the signing lock:
// key, CSR, signed certificate, and the PKCS#12 bundle.
func (iss *Issuer) Issue(commonName string) (*Bundle, error) {
	release, err := iss.TryAcquire()
	if err != nil {
		return nil, err
	}
	defer release()

	keyPEM, csrPEM, err := iss.GenerateKeyAndCSR(commonName)
	if err != nil {
		return nil, err
	}
	certPEM, serial, err := iss.Sign(csrPEM, commonName)
	if err != nil {
		return nil, err
	}
	p12, err := iss.BundleP12(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &Bundle{CertPEM: certPEM, KeyPEM: keyPEM, P12: p12, Serial: serial}, nil
}

// BundleP12 packs the certificate, its key, and the CA certificate
// into an unencrypted-password PKCS#12 container for clients that
// want a single file.
func (iss *Issuer) BundleP12(certPEM, keyPEM []byte) ([]byte, error) {
	cert, err := pemutil.ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate for bundling: %w", err)
	}
	key, err := pemutil.Parse(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing key for bundling: %w", err)
	}
	p12, err := pkcs12.Modern.Encode(key, cert, []*x509.Certificate{iss.caCert}, "")
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12 bundle: %w", err)
	}
	return p12, nil
}

func (iss *Issuer) nextSerial() (int64, error) {
	path := filepath.Join(iss.dbDir, serialFile)
	cur := int64(0)
	if b, err := os.ReadFile(path); err == nil {
		cur, err = strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("serial file %s is corrupt: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("reading serial file: %w", err)
	}
	return cur + 1, nil
}

func (iss *Issuer) recordIssued(serial int64, certPEM []byte) error {
	path := filepath.Join(iss.dbDir, serialFile)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(serial, 10)+"\n"), 0o600); err != nil {
		return fmt.Errorf("updating serial file: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(iss.dbDir, issuedLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening issued-certificate log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(certPEM); err != nil {
		return fmt.Errorf("appending to issued-certificate log: %w", err)
	}
	return nil
}
