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

// Package nivlheim holds the process-wide plumbing for the Nivlheim
// server: configuration, logging, and version information. The actual
// subsystems (enrollment, session policing, archive ingestion) live in
// the internal packages and are wired together by the server package.
package nivlheim

import "runtime/debug"

// Version is the version of the running server. It is set at build
// time with -ldflags; when built without it, the module version from
// build info is used if available.
var Version = ""

// VersionString returns a human-readable version for logs and the
// "version" subcommand.
func VersionString() string {
	if Version != "" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}
