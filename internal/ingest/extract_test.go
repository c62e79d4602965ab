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
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTgz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  time.Now(),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func makeZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func utf16le(s string) []byte {
	codes := utf16.Encode([]rune(s))
	out := []byte{0xFF, 0xFE}
	for _, c := range codes {
		out = append(out, byte(c), byte(c>>8))
	}
	return out
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tgz")
	require.NoError(t, os.WriteFile(archive, makeTgz(t, map[string]string{
		"files/etc/hostname": "myhost\n",
		"commands/ps_-ef":    "ps -ef\noutput\n",
	}), 0o600))

	dest := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(dest, 0o700))
	require.NoError(t, extractArchive(archive, dest))

	b, err := os.ReadFile(filepath.Join(dest, "files", "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "myhost\n", string(b))
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	for name, entry := range map[string]string{
		"parent":   "../evil",
		"absolute": "/etc/evil",
	} {
		t.Run(name, func(t *testing.T) {
			archive := filepath.Join(dir, name+".tgz")
			require.NoError(t, os.WriteFile(archive, makeTgz(t, map[string]string{
				entry: "owned",
			}), 0o600))
			dest := filepath.Join(dir, name+"-scratch")
			require.NoError(t, os.MkdirAll(dest, 0o700))
			assert.Error(t, extractArchive(archive, dest))
			_, err := os.Stat(filepath.Join(dir, "evil"))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestExtractUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.rar")
	require.NoError(t, os.WriteFile(archive, []byte("whatever"), 0o600))
	assert.Error(t, extractArchive(archive, dir))
}

func TestExtractZipTranscodesUTF16(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(archive, makeZip(t, map[string][]byte{
		// backslash separators as produced on Windows
		`files\etc\winconfig`: utf16le("setting=value\r\n"),
		"files/etc/plain":     []byte("plain\n"),
	}), 0o600))

	dest := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(dest, 0o700))
	require.NoError(t, extractArchive(archive, dest))

	b, err := os.ReadFile(filepath.Join(dest, "files", "etc", "winconfig"))
	require.NoError(t, err)
	assert.Equal(t, "setting=value\r\n", string(b))

	b, err = os.ReadFile(filepath.Join(dest, "files", "etc", "plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain\n", string(b))
}

func TestStripSensitive(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{
		"files/etc/ssh/ssh_host_rsa_key",
		"files/etc/ssh/ssh_host_ecdsa_key",
		"files/var/log/messages",
		"files/etc/hostname",
	} {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o700))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}

	require.NoError(t, stripSensitive(dir))

	for _, gone := range []string{
		"files/etc/ssh/ssh_host_rsa_key",
		"files/etc/ssh/ssh_host_ecdsa_key",
		"files/var/log/messages",
	} {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(gone)))
		assert.True(t, os.IsNotExist(err), gone)
	}
	_, err := os.Stat(filepath.Join(dir, "files", "etc", "hostname"))
	assert.NoError(t, err)
}

func TestMetaRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tgz.meta")
	in := &archiveMeta{
		Received:      time.Unix(1700000000, 0).UTC(),
		CertFp:        "AB12",
		IPAddr:        "192.0.2.5",
		OSHostname:    "myhost",
		CertCN:        "myhost.example.org",
		ClientVersion: "2.7.1",
	}
	require.NoError(t, writeMeta(path, in))

	out, err := readMeta(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMetaParseTolerance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tgz.meta")
	require.NoError(t, os.WriteFile(path, []byte(
		"certfp=AB12\r\n  ip =  10.0.0.1 \njunk line without equals\n"), 0o600))
	m, err := readMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "AB12", m.CertFp)
	assert.Equal(t, "10.0.0.1", m.IPAddr)
	assert.False(t, m.Received.IsZero())
}
