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

// Package store is the persistence layer. It wraps the PostgreSQL
// database that holds certificates, host state, ingested files, the
// enrollment waiting list, and the auto-approval IP ranges.
//
// Every write happens inside a transaction; the store never creates
// rows as a side effect of a lookup.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store provides typed access to the database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to the database, verifies the connection, and brings
// the schema up to date.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	s := &Store{db: db, log: logger.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating database schema: %w", err)
	}
	s.log.Debug("database schema is up to date")
	return nil
}

// Certificate is a row from the certificates table. Previous and
// First are zero when the row is a root enrollment that has not been
// renewed from anything.
type Certificate struct {
	CertID      int64
	Issued      time.Time
	Fingerprint string
	CommonName  string
	Previous    int64
	First       int64
	Revoked     bool
	CertPEM     string
}

// LookupByFingerprint finds a certificate by its SHA-1 fingerprint.
func (s *Store) LookupByFingerprint(ctx context.Context, fp string) (*Certificate, error) {
	var c Certificate
	var prev, first sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT certid, issued, fingerprint, commonname, previous, first, revoked, cert
		 FROM certificates WHERE fingerprint = $1`, fp).
		Scan(&c.CertID, &c.Issued, &c.Fingerprint, &c.CommonName, &prev, &first, &c.Revoked, &c.CertPEM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up certificate: %w", err)
	}
	c.Previous = prev.Int64
	c.First = first.Int64
	return &c, nil
}

// IssuedCert describes a freshly signed certificate to be recorded.
type IssuedCert struct {
	Fingerprint string
	CommonName  string
	CertPEM     string
	// Previous and First are set on renewals only. A zero Previous
	// marks a root enrollment, whose First becomes its own certid.
	Previous int64
	First    int64
}

// InsertIssued records a newly issued certificate for a fresh
// identity. The row's first pointer is backfilled to its own certid,
// and the host's hostinfo row is seeded with the issued common name,
// all within the same transaction. The recorded hostname is what ping
// later compares the presented certificate's CN against.
func (s *Store) InsertIssued(ctx context.Context, ic IssuedCert) (int64, error) {
	var certid int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO certificates (fingerprint, commonname, cert)
			 VALUES ($1, $2, $3) RETURNING certid`,
			ic.Fingerprint, ic.CommonName, ic.CertPEM).Scan(&certid)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE certificates SET first = certid WHERE certid = $1`, certid); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO hostinfo (certfp, hostname) VALUES ($1, $2)
			 ON CONFLICT (certfp) DO UPDATE SET hostname = EXCLUDED.hostname`,
			ic.Fingerprint, ic.CommonName)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recording issued certificate: %w", err)
	}
	return certid, nil
}

// InsertRenewed records a certificate issued as a renewal of the
// certificate with fingerprint oldFp, and rewrites hostinfo.certfp
// and files.certfp from the old fingerprint to the new one. The
// hostinfo row is refreshed with the renewed common name, or created
// when the host never got one. All of it commits atomically; the old
// certificate row is left untouched.
func (s *Store) InsertRenewed(ctx context.Context, ic IssuedCert, oldFp string) (int64, error) {
	var certid int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO certificates (fingerprint, commonname, cert, previous, first)
			 VALUES ($1, $2, $3, $4, $5) RETURNING certid`,
			ic.Fingerprint, ic.CommonName, ic.CertPEM, ic.Previous, ic.First).Scan(&certid)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE hostinfo SET certfp = $1 WHERE certfp = $2`, ic.Fingerprint, oldFp); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO hostinfo (certfp, hostname) VALUES ($1, $2)
			 ON CONFLICT (certfp) DO UPDATE SET hostname = EXCLUDED.hostname`,
			ic.Fingerprint, ic.CommonName); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET certfp = $1 WHERE certfp = $2`, ic.Fingerprint, oldFp)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recording renewed certificate: %w", err)
	}
	return certid, nil
}

// SetRevoked marks a certificate as revoked.
func (s *Store) SetRevoked(ctx context.Context, fp string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE certificates SET revoked = true WHERE fingerprint = $1`, fp)
	if err != nil {
		return fmt.Errorf("revoking certificate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WaitingEntry is a pending enrollment request, keyed by source IP.
type WaitingEntry struct {
	IPAddr   string
	Hostname string
	Received time.Time
	Approved bool
}

// WaitingLookup finds the waiting-list entry for an IP address.
func (s *Store) WaitingLookup(ctx context.Context, ip string) (*WaitingEntry, error) {
	var e WaitingEntry
	var hostname sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT host(ipaddr), hostname, received, approved
		 FROM waiting_for_approval WHERE ipaddr = $1`, ip).
		Scan(&e.IPAddr, &hostname, &e.Received, &e.Approved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up waiting list: %w", err)
	}
	e.Hostname = hostname.String
	return &e, nil
}

// WaitingInsert adds an entry to the waiting list.
func (s *Store) WaitingInsert(ctx context.Context, e WaitingEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO waiting_for_approval (ipaddr, hostname, received, approved)
		 VALUES ($1, $2, $3, $4)`,
		e.IPAddr, e.Hostname, e.Received, e.Approved)
	if err != nil {
		return fmt.Errorf("adding to waiting list: %w", err)
	}
	return nil
}

// WaitingDelete removes the waiting-list entry for an IP address, if
// there is one.
func (s *Store) WaitingDelete(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM waiting_for_approval WHERE ipaddr = $1`, ip)
	if err != nil {
		return fmt.Errorf("deleting from waiting list: %w", err)
	}
	return nil
}

// IPRangeContains reports whether the IP address falls inside any of
// the registered auto-approval ranges.
func (s *Store) IPRangeContains(ctx context.Context, ip string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM ipranges WHERE iprange >>= $1::inet`, ip).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking ip ranges: %w", err)
	}
	return n > 0, nil
}

// HostInfo is the per-host liveness row, keyed by the fingerprint of
// the host's currently active certificate.
type HostInfo struct {
	CertFp        string
	Hostname      string
	IPAddr        string
	OSHostname    string
	LastSeen      time.Time
	ClientVersion string
	TrustNonce    int64
	HasNonce      bool
}

// HostInfoByFingerprint finds the hostinfo row for a certificate
// fingerprint.
func (s *Store) HostInfoByFingerprint(ctx context.Context, fp string) (*HostInfo, error) {
	var h HostInfo
	var hostname, ipaddr, osHostname, clientVersion sql.NullString
	var lastseen sql.NullTime
	var nonce sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT certfp, hostname, host(ipaddr), os_hostname, lastseen, clientversion, trust_nonce
		 FROM hostinfo WHERE certfp = $1`, fp).
		Scan(&h.CertFp, &hostname, &ipaddr, &osHostname, &lastseen, &clientVersion, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up hostinfo: %w", err)
	}
	h.Hostname = hostname.String
	h.IPAddr = ipaddr.String
	h.OSHostname = osHostname.String
	h.LastSeen = lastseen.Time
	h.ClientVersion = clientVersion.String
	h.TrustNonce = nonce.Int64
	h.HasNonce = nonce.Valid
	return &h, nil
}

// GetLatestCRC returns the crc32 of the newest files row for the
// given fingerprint and filename. ok is false when no row exists.
func (s *Store) GetLatestCRC(ctx context.Context, certfp, filename string) (crc int32, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT crc32 FROM files WHERE certfp = $1 AND filename = $2
		 ORDER BY received DESC LIMIT 1`, certfp, filename).Scan(&crc)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up latest crc32: %w", err)
	}
	return crc, true, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}
