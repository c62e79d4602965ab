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

package ingest

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// archiveMeta is the sidecar describing a queued archive. It is kept
// as a flat key = value file so the front server can write it from a
// shell script if need be.
type archiveMeta struct {
	Received      time.Time
	CertFp        string
	IPAddr        string
	OSHostname    string
	CertCN        string
	ClientVersion string
}

func readMeta(path string) (*archiveMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		kv[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}

	m := &archiveMeta{
		CertFp:        kv["certfp"],
		IPAddr:        kv["ip"],
		OSHostname:    kv["os_hostname"],
		CertCN:        kv["certcn"],
		ClientVersion: kv["clientversion"],
	}
	if m.CertFp == "" {
		return nil, fmt.Errorf("metadata file %s has no certfp", path)
	}
	if v, ok := kv["received"]; ok {
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("metadata file %s has a bad received value: %w", path, err)
		}
		m.Received = time.Unix(epoch, 0).UTC()
	} else {
		m.Received = time.Now().UTC()
	}
	return m, nil
}

func writeMeta(path string, m *archiveMeta) error {
	var b strings.Builder
	fmt.Fprintf(&b, "received = %d\n", m.Received.Unix())
	fmt.Fprintf(&b, "certfp = %s\n", m.CertFp)
	fmt.Fprintf(&b, "ip = %s\n", m.IPAddr)
	fmt.Fprintf(&b, "os_hostname = %s\n", m.OSHostname)
	fmt.Fprintf(&b, "certcn = %s\n", m.CertCN)
	fmt.Fprintf(&b, "clientversion = %s\n", m.ClientVersion)
	return os.WriteFile(path, []byte(b.String()), 0o600)
}
