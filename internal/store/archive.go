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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FileRecord is one file (or command output) from an ingested
// archive.
type FileRecord struct {
	CertFp        string
	Filename      string
	Received      time.Time
	MTime         time.Time
	Content       string
	CRC32         int32
	IsCommand     bool
	ClientVersion string
	IPAddr        string
	OSHostname    string
	CertCN        string
}

// HostTouch carries the host-liveness update applied at the end of
// every archive, including archives where all files were suppressed
// as duplicates.
type HostTouch struct {
	CertFp        string
	Received      time.Time
	ClientVersion string
	IPAddr        string
	OSHostname    string
	// Nonce replaces the stored trust nonce when SetNonce is true.
	Nonce    int64
	SetNonce bool
}

// ArchiveTx is the transaction that spans all database work for one
// archive. Either every insert and update commits together, or none
// of them do.
type ArchiveTx struct {
	tx     *sql.Tx
	certfp string
	marked bool
	done   bool
}

// BeginArchive opens the per-archive transaction.
func (s *Store) BeginArchive(ctx context.Context, certfp string) (*ArchiveTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning archive transaction: %w", err)
	}
	return &ArchiveTx{tx: tx, certfp: certfp}, nil
}

// InsertFileRecord inserts a new files row with current=true. Before
// the first insert of the archive, every row for this fingerprint has
// its current flag cleared, so the invariant of at most one current
// row per (certfp, filename) is restored at commit.
func (a *ArchiveTx) InsertFileRecord(ctx context.Context, rec FileRecord) error {
	if !a.marked {
		if _, err := a.tx.ExecContext(ctx,
			`UPDATE files SET current = false WHERE certfp = $1 AND current`, a.certfp); err != nil {
			return fmt.Errorf("clearing current flags: %w", err)
		}
		a.marked = true
	}
	_, err := a.tx.ExecContext(ctx,
		`INSERT INTO files (certfp, filename, received, mtime, content, crc32, is_command,
			clientversion, ipaddr, os_hostname, certcn, originalcertid)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			(SELECT certid FROM certificates WHERE fingerprint = $1))`,
		rec.CertFp, rec.Filename, rec.Received, rec.MTime, rec.Content, rec.CRC32,
		rec.IsCommand, rec.ClientVersion, rec.IPAddr, rec.OSHostname, rec.CertCN)
	if err != nil {
		return fmt.Errorf("inserting file record: %w", err)
	}
	return nil
}

// TouchHostInfo upserts the hostinfo row. lastseen only moves
// forward, and a change of IP address or OS hostname clears the DNS
// cache timestamp so the name gets looked up again.
func (a *ArchiveTx) TouchHostInfo(ctx context.Context, h HostTouch) error {
	if _, err := a.tx.ExecContext(ctx,
		`INSERT INTO hostinfo (certfp, lastseen, clientversion, ipaddr, os_hostname)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (certfp) DO NOTHING`,
		h.CertFp, h.Received, h.ClientVersion, h.IPAddr, h.OSHostname); err != nil {
		return fmt.Errorf("inserting hostinfo: %w", err)
	}
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE hostinfo SET lastseen = $1, clientversion = $2
		 WHERE certfp = $3 AND (lastseen IS NULL OR lastseen < $1)`,
		h.Received, h.ClientVersion, h.CertFp); err != nil {
		return fmt.Errorf("updating lastseen: %w", err)
	}
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE hostinfo SET ipaddr = $1, os_hostname = $2, dnsttl = null
		 WHERE (ipaddr IS DISTINCT FROM $1 OR os_hostname IS DISTINCT FROM $2)
		   AND certfp = $3`,
		h.IPAddr, h.OSHostname, h.CertFp); err != nil {
		return fmt.Errorf("updating host identity: %w", err)
	}
	if h.SetNonce {
		if _, err := a.tx.ExecContext(ctx,
			`UPDATE hostinfo SET trust_nonce = $1 WHERE certfp = $2`,
			h.Nonce, h.CertFp); err != nil {
			return fmt.Errorf("updating trust nonce: %w", err)
		}
	}
	return nil
}

// Commit commits the archive transaction.
func (a *ArchiveTx) Commit() error {
	a.done = true
	return a.tx.Commit()
}

// Rollback aborts the archive transaction. It is safe to call after
// Commit, so it can be deferred.
func (a *ArchiveTx) Rollback() error {
	if a.done {
		return nil
	}
	a.done = true
	return a.tx.Rollback()
}
