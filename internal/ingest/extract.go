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
	"archive/tar"
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/unicode"
)

// extractArchive unpacks an uploaded archive into destDir. The
// format is chosen by file extension; anything else is refused.
func extractArchive(archivePath, destDir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, destDir)
	default:
		return fmt.Errorf("unknown archive format: %s", filepath.Base(archivePath))
	}
}

// safePath canonicalises an archive entry name and joins it to the
// destination. Entries that would land outside the destination
// (absolute paths, parent-directory tricks) are refused; archives
// are not trusted input.
func safePath(destDir, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimPrefix(name, "./")
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("archive entry escapes the extraction directory: %q", name)
	}
	return filepath.Join(destDir, filepath.FromSlash(name)), nil
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		target, err := safePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.ModTime, hdr.Size); err != nil {
				return err
			}
		default:
			// symlinks, devices and the like have no business in an
			// inventory archive
			continue
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			continue
		}
		if !f.FileInfo().Mode().IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeEntry(target, rc, f.Modified, int64(f.UncompressedSize64))
		rc.Close()
		if err != nil {
			return err
		}
	}

	// Windows clients produce UTF-16 text files; bring them to UTF-8
	// so the rest of the pipeline sees one encoding
	return transcodeUTF16Files(destDir)
}

const maxEntrySize = 64 << 20

func writeEntry(target string, r io.Reader, mtime time.Time, size int64) error {
	if size > maxEntrySize {
		return fmt.Errorf("archive entry too large: %d bytes", size)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, io.LimitReader(r, maxEntrySize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && !mtime.IsZero() {
		// the file record keeps the modification time from the host
		err = os.Chtimes(target, mtime, mtime)
	}
	return err
}

// transcodeUTF16Files rewrites, in place, every regular file that
// starts with a UTF-16 little-endian byte order mark as UTF-8.
func transcodeUTF16Files(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.HasPrefix(b, []byte{0xFF, 0xFE}) {
			return nil
		}
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		out, err := dec.Bytes(b)
		if err != nil {
			return fmt.Errorf("transcoding %s from UTF-16: %w", path, err)
		}
		return os.WriteFile(path, out, 0o600)
	})
}

// sensitiveFiles are removed from every archive before ingestion, no
// matter what the client sent.
var sensitiveFiles = []string{
	"files/etc/ssh/ssh_host_rsa_key",
	"files/etc/ssh/ssh_host_dsa_key",
	"files/etc/ssh/ssh_host_ecdsa_key",
}

func stripSensitive(dir string) error {
	for _, rel := range sensitiveFiles {
		err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.RemoveAll(filepath.Join(dir, "files", "var", "log"))
}
