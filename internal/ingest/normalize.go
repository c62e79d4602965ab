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
	"hash/crc32"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// decodeText turns raw file bytes into UTF-8 text. Strict UTF-8 is
// tried first; anything that fails is read as Latin-1, which cannot
// fail. No other guessing is attempted, the two-step policy is a
// contract with the database content.
func decodeText(b []byte) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// scrubControl replaces control characters with spaces, keeping TAB,
// LF and CR. The scrubbed bytes are all single-byte codepoints, so
// the replacement is safe on UTF-8 text.
func scrubControl(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c <= 0x08 || c == 0x0B || c == 0x0C || (c >= 0x0E && c <= 0x1F) {
			b[i] = ' '
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}

// signedCRC32 computes the IEEE CRC-32 of the content reinterpreted
// as a signed 32-bit value, which is how the database column stores
// it. Values above 0x7FFFFFFF become negative; converting back to
// uint32 restores the checksum exactly.
func signedCRC32(b []byte) int32 {
	return int32(crc32.ChecksumIEEE(b))
}
