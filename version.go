// Copyright 2025 Matthew Gall <me@matthewgall.dev>
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

package main

import (
	"fmt"
	"runtime/debug"
	"strings"

	"golang.org/x/mod/semver"
)

// These variables are set at build time via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

// GetVersion returns the application version
func GetVersion() string {
	if v, ok := normalizeVersion(version); ok {
		return v
	}
	if version != "dev" {
		return version
	}

	// Module version when installed with go install
	if info, ok := debug.ReadBuildInfo(); ok {
		if v, ok := normalizeVersion(info.Main.Version); ok {
			return v
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				return setting.Value[:7] // Short commit hash
			}
		}
	}

	// Fallback to commit variable if set
	if commit != "unknown" && len(commit) >= 7 {
		return commit[:7]
	}

	return "dev"
}

// normalizeVersion accepts release tags with or without the leading "v" and
// returns them in canonical semver form
func normalizeVersion(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || v == "(devel)" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return semver.Canonical(v), true
}

// GetUserAgent returns the properly formatted user-agent string
func GetUserAgent() string {
	return fmt.Sprintf("Mozilla/5.0 (compatible; eonwatch/%s)", GetVersion())
}
