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

// Package ingest implements the archive pipeline: the authenticated
// upload endpoint, the queue of pending archives, and the processing
// that turns an archive into file records. Each archive is one
// database transaction; a failed archive stays in the queue and is
// retried later.
package ingest

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/unioslo/nivlheim/internal/reqinfo"
	"github.com/unioslo/nivlheim/internal/store"
)

var (
	archivesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nivlheim",
		Name:      "archives_ingested_total",
		Help:      "Archives processed to completion.",
	})
	archivesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nivlheim",
		Name:      "archives_failed_total",
		Help:      "Archives whose processing was rolled back.",
	})
	filesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nivlheim",
		Name:      "files_stored_total",
		Help:      "File versions inserted into the database.",
	})
	filesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nivlheim",
		Name:      "files_suppressed_total",
		Help:      "Files skipped because their content was unchanged.",
	})
)

// ErrGone marks a queue entry that no longer exists.
var ErrGone = errors.New("archive is gone from the queue")

// ArchiveTx is the per-archive database transaction.
type ArchiveTx interface {
	InsertFileRecord(ctx context.Context, rec store.FileRecord) error
	TouchHostInfo(ctx context.Context, h store.HostTouch) error
	Commit() error
	Rollback() error
}

// Store is the persistence the ingestor needs.
type Store interface {
	HostInfoByFingerprint(ctx context.Context, fp string) (*store.HostInfo, error)
	GetLatestCRC(ctx context.Context, certfp, filename string) (int32, bool, error)
	BeginArchive(ctx context.Context, certfp string) (ArchiveTx, error)
}

// Ingestor serves the upload endpoint and processes the queue.
type Ingestor struct {
	store    Store
	queueDir string
	log      *zap.Logger
	now      func() time.Time
	newNonce func() int64
}

// New creates an Ingestor that keeps its queue in queueDir.
func New(st Store, queueDir string, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		store:    st,
		queueDir: queueDir,
		log:      logger.Named("ingest"),
		now:      time.Now,
		newNonce: randomNonce,
	}
}

// randomNonce draws the next trust nonce. The nonce is the only part
// of an upload not covered by the archive signature, so it comes from
// the system's CSPRNG, clamped to non-negative so it survives the
// bigint column and naive integer parsing on the agent side.
func randomNonce() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return int64(binary.BigEndian.Uint64(b[:]) >> 1)
}

// storeAdapter narrows *store.Store to the Store interface; the
// concrete BeginArchive returns a concrete transaction type.
type storeAdapter struct{ *store.Store }

func (a storeAdapter) BeginArchive(ctx context.Context, certfp string) (ArchiveTx, error) {
	return a.Store.BeginArchive(ctx, certfp)
}

// NewFromStore creates an Ingestor on the real database store.
func NewFromStore(st *store.Store, queueDir string, logger *zap.Logger) *Ingestor {
	return New(storeAdapter{st}, queueDir, logger)
}

// HandlePost accepts an inventory archive over mutual TLS. The body
// is multipart form data: the archive itself, a detached signature
// over the archive bytes made with the client certificate's key, the
// host's own idea of its name and the client version, and the trust
// nonce from the previous upload. The archive is queued and then
// processed immediately; on processing failure the queue entry is
// kept so a later run can retry it.
func (i *Ingestor) HandlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerCert, err := reqinfo.PeerCertificate(r)
	if err != nil || peerCert == nil {
		http.Error(w, "A valid client certificate is required", http.StatusForbidden)
		return
	}
	certfp := reqinfo.Fingerprint(peerCert)

	if err := r.ParseMultipartForm(maxEntrySize); err != nil {
		http.Error(w, fmt.Sprintf("parsing multipart body: %v", err), http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("archive")
	if err != nil {
		http.Error(w, "Missing form part: archive", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxEntrySize))
	if err != nil {
		http.Error(w, fmt.Sprintf("reading archive: %v", err), http.StatusInternalServerError)
		return
	}

	if err := verifySignature(peerCert.PublicKey, data, r.FormValue("signature")); err != nil {
		i.log.Warn("rejected upload with bad signature",
			zap.String("certfp", certfp), zap.Error(err))
		http.Error(w, fmt.Sprintf("signature verification failed: %v", err), http.StatusForbidden)
		return
	}

	ext := strings.ToLower(path.Ext(hdr.Filename))
	if ext != ".tgz" && ext != ".zip" {
		http.Error(w, fmt.Sprintf("unsupported archive format: %q", hdr.Filename), http.StatusBadRequest)
		return
	}

	// replay protection: once a host has a nonce on record, uploads
	// must present it
	hi, err := i.store.HostInfoByFingerprint(ctx, certfp)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		i.serverError(w, "looking up hostinfo", err)
		return
	}
	if hi != nil && hi.HasNonce {
		sent, parseErr := strconv.ParseInt(r.FormValue("nonce"), 10, 64)
		if parseErr != nil || sent != hi.TrustNonce {
			i.log.Warn("rejected upload with bad nonce", zap.String("certfp", certfp))
			http.Error(w, "Invalid nonce", http.StatusForbidden)
			return
		}
	}

	received := i.now().UTC()
	name := fmt.Sprintf("%s.%d%s", certfp, received.UnixNano(), ext)
	archivePath := filepath.Join(i.queueDir, name)
	if err := os.MkdirAll(i.queueDir, 0o700); err != nil {
		i.serverError(w, "preparing queue directory", err)
		return
	}
	if err := os.WriteFile(archivePath, data, 0o600); err != nil {
		i.serverError(w, "queueing archive", err)
		return
	}
	meta := &archiveMeta{
		Received:      received,
		CertFp:        certfp,
		IPAddr:        reqinfo.PeerIP(r),
		OSHostname:    r.FormValue("hostname"),
		CertCN:        peerCert.Subject.CommonName,
		ClientVersion: r.FormValue("version"),
	}
	if err := writeMeta(archivePath+".meta", meta); err != nil {
		i.serverError(w, "writing archive metadata", err)
		return
	}
	i.log.Info("received archive",
		zap.String("certfp", certfp),
		zap.String("os_hostname", meta.OSHostname),
		zap.String("size", humanize.Bytes(uint64(len(data)))))

	nonce := i.newNonce()
	if err := i.processQueued(ctx, name, &nonce); err != nil {
		i.serverError(w, "processing archive", err)
		return
	}
	fmt.Fprint(w, "OK\n")
	fmt.Fprintf(w, "nonce=%d\n", nonce)
}

// HandleProcess is the queue worker endpoint. It only answers the
// local machine; the front server authenticates uploaders and this
// endpoint trusts nothing else.
func (i *Ingestor) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if !reqinfo.IsLoopback(r) {
		http.Error(w, "This endpoint only accepts local requests", http.StatusForbidden)
		return
	}
	name := r.FormValue("file")
	if name == "" {
		http.Error(w, "Missing parameter: file", http.StatusBadRequest)
		return
	}
	if strings.ContainsAny(name, "/\\") {
		http.Error(w, "Invalid file name", http.StatusForbidden)
		return
	}
	err := i.processQueued(r.Context(), name, nil)
	switch {
	case errors.Is(err, ErrGone):
		http.Error(w, "That file is gone", http.StatusGone)
	case err != nil:
		i.serverError(w, "processing archive", err)
	default:
		fmt.Fprint(w, "OK\n")
	}
}

// ProcessQueue sweeps the queue directory and processes every
// archive in it, typically leftovers from a previous run. Failures
// are logged and the entries kept for the next sweep.
func (i *Ingestor) ProcessQueue(ctx context.Context) {
	entries, err := os.ReadDir(i.queueDir)
	if err != nil {
		if !os.IsNotExist(err) {
			i.log.Error("reading queue directory", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		if err := i.processQueued(ctx, e.Name(), nil); err != nil {
			i.log.Error("processing queued archive",
				zap.String("file", e.Name()), zap.Error(err))
		}
	}
}

// processQueued runs the whole pipeline for one queued archive. When
// nonce is non-nil the host's trust nonce is rotated to it in the
// same transaction. On success the archive and its metadata are
// deleted; on any database error everything is rolled back and the
// files stay put.
func (i *Ingestor) processQueued(ctx context.Context, name string, nonce *int64) error {
	archivePath := filepath.Join(i.queueDir, name)
	meta, err := readMeta(archivePath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s.meta", ErrGone, name)
		}
		return err
	}
	if _, err := os.Stat(archivePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrGone, name)
		}
		return err
	}

	scratch := filepath.Join(os.TempDir(), "nivlheim-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := extractArchive(archivePath, scratch); err != nil {
		archivesFailed.Inc()
		return fmt.Errorf("extracting %s: %w", name, err)
	}
	if err := stripSensitive(scratch); err != nil {
		archivesFailed.Inc()
		return fmt.Errorf("removing sensitive files: %w", err)
	}

	records, suppressed, err := i.collectRecords(ctx, scratch, meta)
	if err != nil {
		archivesFailed.Inc()
		return err
	}

	tx, err := i.store.BeginArchive(ctx, meta.CertFp)
	if err != nil {
		archivesFailed.Inc()
		return err
	}
	defer tx.Rollback()
	for _, rec := range records {
		if err := tx.InsertFileRecord(ctx, rec); err != nil {
			archivesFailed.Inc()
			return err
		}
	}
	touch := store.HostTouch{
		CertFp:        meta.CertFp,
		Received:      meta.Received,
		ClientVersion: meta.ClientVersion,
		IPAddr:        meta.IPAddr,
		OSHostname:    meta.OSHostname,
	}
	if nonce != nil {
		touch.Nonce = *nonce
		touch.SetNonce = true
	}
	if err := tx.TouchHostInfo(ctx, touch); err != nil {
		archivesFailed.Inc()
		return err
	}
	if err := tx.Commit(); err != nil {
		archivesFailed.Inc()
		return err
	}

	archivesIngested.Inc()
	filesStored.Add(float64(len(records)))
	filesSuppressed.Add(float64(suppressed))
	i.log.Info("processed archive",
		zap.String("certfp", meta.CertFp),
		zap.Int("stored", len(records)),
		zap.Int("unchanged", suppressed))

	// the queue entry is done; a leftover here would just be
	// reprocessed and suppressed as duplicates
	if err := os.Remove(archivePath); err != nil {
		i.log.Warn("removing processed archive", zap.Error(err))
	}
	if err := os.Remove(archivePath + ".meta"); err != nil {
		i.log.Warn("removing archive metadata", zap.Error(err))
	}
	return nil
}

// collectRecords walks the extracted tree and builds the file
// records to insert, skipping files whose content is unchanged since
// the last version in the database. Decoding problems skip the file;
// database problems abort the archive.
func (i *Ingestor) collectRecords(ctx context.Context, scratch string, meta *archiveMeta) (records []store.FileRecord, suppressed int, err error) {
	// one record per filename per archive, so the single
	// mark-non-current pass leaves exactly one current row
	seen := make(map[string]bool)
	err = filepath.WalkDir(scratch, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(scratch, p)
		if err != nil {
			return err
		}
		slashRel := "/" + filepath.ToSlash(rel)

		var isCommand bool
		var origName string
		switch {
		case strings.Contains(slashRel, "/commands/"):
			isCommand = true
		case strings.Contains(slashRel, "/files/"):
			_, after, _ := strings.Cut(slashRel, "/files")
			origName = after
		default:
			// not part of the inventory payload
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			i.log.Warn("unreadable file in archive", zap.String("file", slashRel), zap.Error(err))
			return nil
		}
		text, err := decodeText(raw)
		if err != nil {
			i.log.Warn("undecodable file in archive", zap.String("file", slashRel), zap.Error(err))
			return nil
		}
		content := scrubControl(text)

		if isCommand {
			// the first line is the command the agent ran, the rest
			// is its output
			first, rest, _ := strings.Cut(content, "\n")
			origName = strings.TrimSpace(first)
			if origName == "" {
				i.log.Warn("command entry without a command line", zap.String("file", slashRel))
				return nil
			}
			if base := filepath.Base(p); base != shortenCmd(origName) {
				i.log.Debug("command entry name does not match its command line",
					zap.String("entry", base), zap.String("command", origName))
			}
			content = rest
		}

		if seen[origName] {
			i.log.Warn("archive contains multiple entries for the same filename",
				zap.String("filename", origName), zap.String("entry", slashRel))
			return nil
		}
		seen[origName] = true

		crc := signedCRC32([]byte(content))
		prev, ok, err := i.store.GetLatestCRC(ctx, meta.CertFp, origName)
		if err != nil {
			return err
		}
		if ok && prev == crc {
			suppressed++
			return nil
		}
		records = append(records, store.FileRecord{
			CertFp:        meta.CertFp,
			Filename:      origName,
			Received:      meta.Received,
			MTime:         info.ModTime().UTC(),
			Content:       content,
			CRC32:         crc,
			IsCommand:     isCommand,
			ClientVersion: meta.ClientVersion,
			IPAddr:        meta.IPAddr,
			OSHostname:    meta.OSHostname,
			CertCN:        meta.CertCN,
		})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return records, suppressed, nil
}

func verifySignature(pub crypto.PublicKey, data []byte, sigB64 string) error {
	if sigB64 == "" {
		return errors.New("missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return fmt.Errorf("signature is not valid base64: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported public key type %T", pub)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		return errors.New("signature does not match the archive")
	}
	return nil
}

func (i *Ingestor) serverError(w http.ResponseWriter, what string, err error) {
	i.log.Error(what, zap.Error(err))
	http.Error(w, fmt.Sprintf("%s: %v", what, err), http.StatusInternalServerError)
}
