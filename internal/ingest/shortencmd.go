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

import "regexp"

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	hexOnly     = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// shortenCmd maps a command line to the file name the agent stores
// its output under. The mapping is deterministic, at most 31
// characters from [A-Za-z0-9_-], and never a string of hex digits
// only, because those could be mistaken for content hashes elsewhere
// in the pipeline; a trailing underscore is appended in that case.
// The server uses it to cross-check command entries against the
// command line recorded on their first line.
func shortenCmd(cmd string) string {
	s := unsafeChars.ReplaceAllString(cmd, "_")
	if len(s) > 30 {
		s = s[:30]
	}
	if hexOnly.MatchString(s) {
		s += "_"
	}
	return s
}
