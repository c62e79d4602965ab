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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, log: zap.NewNop()}, mock
}

// A fresh enrollment backfills first and seeds the hostinfo row with
// the issued common name, in one transaction. The recorded hostname
// is what ping's drift check and renewcert's hostname preference read
// back later.
func TestInsertIssuedSeedsHostinfo(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO certificates`).
		WithArgs("AB12", "h5.example.org", "PEM").
		WillReturnRows(sqlmock.NewRows([]string{"certid"}).AddRow(int64(10)))
	mock.ExpectExec(`UPDATE certificates SET first = certid`).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO hostinfo`).
		WithArgs("AB12", "h5.example.org").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	certid, err := s.InsertIssued(context.Background(), IssuedCert{
		Fingerprint: "AB12",
		CommonName:  "h5.example.org",
		CertPEM:     "PEM",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), certid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A renewal moves hostinfo and files to the new fingerprint and
// refreshes the recorded hostname, all in the same commit.
func TestInsertRenewedRewritesHostRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO certificates`).
		WithArgs("F2", "h5.example.org", "PEM", int64(10), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"certid"}).AddRow(int64(11)))
	mock.ExpectExec(`UPDATE hostinfo SET certfp`).
		WithArgs("F2", "F1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO hostinfo`).
		WithArgs("F2", "h5.example.org").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE files SET certfp`).
		WithArgs("F2", "F1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	certid, err := s.InsertRenewed(context.Background(), IssuedCert{
		Fingerprint: "F2",
		CommonName:  "h5.example.org",
		CertPEM:     "PEM",
		Previous:    10,
		First:       10,
	}, "F1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), certid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRenewedRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO certificates`).
		WithArgs("F2", "h5.example.org", "PEM", int64(10), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"certid"}).AddRow(int64(11)))
	mock.ExpectExec(`UPDATE hostinfo SET certfp`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.InsertRenewed(context.Background(), IssuedCert{
		Fingerprint: "F2",
		CommonName:  "h5.example.org",
		CertPEM:     "PEM",
		Previous:    10,
		First:       10,
	}, "F1")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRevokedNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE certificates SET revoked`).
		WithArgs("NOPE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetRevoked(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
