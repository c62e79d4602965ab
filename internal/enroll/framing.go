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

package enroll

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/unioslo/nivlheim/internal/pki"
)

// The agent parses the enrollment response with regexes keyed on
// these markers, so the framing is part of the wire contract: the
// certificate and key as literal PEM, then the PKCS#12 bundle as
// base64 between the P12 markers, wrapped at 60 columns.
const (
	p12Begin = "-----BEGIN P12-----"
	p12End   = "-----END P12-----"
)

func writeBundle(w http.ResponseWriter, b *pki.Bundle) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write(b.CertPEM)
	w.Write(b.KeyPEM)
	fmt.Fprintln(w, p12Begin)
	writeBase64Wrapped(w, b.P12, 60)
	fmt.Fprintln(w, p12End)
}

func writeBase64Wrapped(w io.Writer, data []byte, cols int) {
	s := base64.StdEncoding.EncodeToString(data)
	for len(s) > cols {
		fmt.Fprintln(w, s[:cols])
		s = s[cols:]
	}
	if len(s) > 0 {
		fmt.Fprintln(w, s)
	}
}

// fingerprintPEM computes the canonical SHA-1 fingerprint of a
// PEM-encoded certificate.
func fingerprintPEM(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("not a PEM certificate")
	}
	return fmt.Sprintf("%X", sha1.Sum(block.Bytes)), nil
}
