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
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTextUTF8(t *testing.T) {
	in := "plain utf-8 with æøå\n"
	got, err := decodeText([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestDecodeTextLatin1Fallback(t *testing.T) {
	// 0xE6 0xF8 0xE5 is "æøå" in Latin-1 and invalid UTF-8
	in := []byte{'a', 0xE6, 0xF8, 0xE5, 'b'}
	got, err := decodeText(in)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "aæøåb", got)

	// every high byte maps to the codepoint with the same number
	all := make([]byte, 0, 0x60)
	for c := 0xA0; c <= 0xFF; c++ {
		all = append(all, byte(c))
	}
	got, err = decodeText(all)
	require.NoError(t, err)
	require.True(t, utf8.ValidString(got))
	for i, r := range []rune(got) {
		assert.Equal(t, rune(0xA0+i), r)
	}
}

func TestScrubControl(t *testing.T) {
	assert.Equal(t, "a b", scrubControl("a\x00b"))
	assert.Equal(t, "a b", scrubControl("a\x1Fb"))
	assert.Equal(t, "a b c", scrubControl("a\x0Bb\x0Cc"))
	// TAB, LF and CR survive
	assert.Equal(t, "a\tb\nc\rd", scrubControl("a\tb\nc\rd"))
	// untouched strings come back as-is
	s := "nothing to do here"
	assert.Equal(t, s, scrubControl(s))
}

func TestSignedCRC32(t *testing.T) {
	// reinterpreting as signed and back is the identity
	for _, u := range []uint32{0, 1, 0x7FFFFFFF, 0x80000000, 0xDEADBEEF, 0xFFFFFFFF} {
		assert.Equal(t, u, uint32(int32(u)))
	}
	// checksums above 0x7FFFFFFF must come out negative
	content := []byte("The quick brown fox jumps over the lazy dog")
	want := crc32.ChecksumIEEE(content)
	got := signedCRC32(content)
	assert.Equal(t, want, uint32(got))
	if want > 0x7FFFFFFF {
		assert.Negative(t, got)
	}
}

func TestShortenCmd(t *testing.T) {
	re := regexp.MustCompile(`^[A-Za-z0-9_-]*$`)
	cases := []string{
		"/usr/bin/dpkg-query -l",
		"ps -ef",
		"deadbeef",
		"0123456789abcdef",
		strings.Repeat("x", 200),
		"echo 'hello world' | grep hello",
	}
	for _, cmd := range cases {
		got := shortenCmd(cmd)
		assert.LessOrEqual(t, len(got), 31, cmd)
		assert.Regexp(t, re, got, cmd)
		// deterministic
		assert.Equal(t, got, shortenCmd(cmd))
		// never hex digits only
		assert.NotRegexp(t, regexp.MustCompile(`^[0-9a-fA-F]+$`), got, cmd)
	}
	assert.Equal(t, "deadbeef_", shortenCmd("deadbeef"))
}
